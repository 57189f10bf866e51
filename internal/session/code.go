package session

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	DefaultCodeAlphabet = "1234567890ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	DefaultCodeLength   = 8
)

// CodeGenerator draws session codes uniformly from an alphabet.
type CodeGenerator struct {
	alphabet []rune
	length   int
}

// NewCodeGenerator validates the alphabet and length.
func NewCodeGenerator(alphabet string, length int) (*CodeGenerator, error) {
	runes := []rune(alphabet)
	if len(runes) < 2 {
		return nil, fmt.Errorf("code alphabet needs at least 2 symbols, got %d", len(runes))
	}
	seen := make(map[rune]bool, len(runes))
	for _, r := range runes {
		if seen[r] {
			return nil, fmt.Errorf("code alphabet has duplicate symbol %q", r)
		}
		seen[r] = true
	}
	if length < 1 {
		return nil, fmt.Errorf("code length must be positive, got %d", length)
	}
	return &CodeGenerator{alphabet: runes, length: length}, nil
}

// Next returns a fresh random code.
func (g *CodeGenerator) Next() (string, error) {
	max := big.NewInt(int64(len(g.alphabet)))
	out := make([]rune, g.length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read randomness: %w", err)
		}
		out[i] = g.alphabet[n.Int64()]
	}
	return string(out), nil
}
