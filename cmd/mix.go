package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/jamsync/internal/mix"
)

var mixCmd = &cobra.Command{
	Use:   "mix [input...]",
	Short: "Mix local audio files with ffmpeg",
	Long: `Mix two or more local recordings into one file using the same pipeline the
server applies to finished sessions. Offsets are given in seconds, one per
input in order; missing offsets default to 0.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		secs, _ := cmd.Flags().GetFloat64Slice("offset")

		if len(secs) > len(args) {
			return fmt.Errorf("got %d offsets for %d inputs", len(secs), len(args))
		}

		inputs, err := readInputs(args)
		if err != nil {
			return err
		}

		offsets := make([]time.Duration, len(args))
		for i, s := range secs {
			if s < 0 {
				return fmt.Errorf("offset %d must not be negative", i)
			}
			offsets[i] = seconds(s)
		}

		fmt.Printf("Mixing %d inputs into %s\n", len(inputs), output)

		out, err := newMixer().Process(context.Background(), mix.Request{
			Operation: mix.OpMix,
			Inputs:    inputs,
			Offsets:   offsets,
		})
		if err != nil {
			return fmt.Errorf("mixing failed: %w", err)
		}

		if err := os.WriteFile(output, out, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", output, err)
		}
		fmt.Println("Mixing completed successfully")
		return nil
	},
}

func init() {
	mixCmd.Flags().StringP("output", "o", "blended.mp3", "output file")
	mixCmd.Flags().Float64Slice("offset", nil, "start offset in seconds per input (repeatable)")
}

func newMixer() *mix.Mixer {
	return mix.New(mix.Options{
		Binary:       cfg.Pipeline.Binary,
		InputFormat:  cfg.Pipeline.InputFormat,
		OutputFormat: cfg.Pipeline.OutputFormat,
		MixDuration:  cfg.Pipeline.MixDuration,
		Timeout:      cfg.Pipeline.Timeout,
	})
}

func readInputs(paths []string) ([][]byte, error) {
	inputs := make([][]byte, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		slog.Debug("Loaded input", "file", path, "bytes", len(data))
		inputs = append(inputs, data)
	}
	return inputs, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
