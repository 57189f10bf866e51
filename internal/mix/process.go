package mix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"
)

const stderrTailSize = 4096

// waitDelay bounds how long Wait keeps draining output after the child exits
// or is killed.
const waitDelay = 2 * time.Second

// Run starts name with args, feeds inputs[0] to its stdin and inputs[1:] to
// descriptors 3, 4, ..., and returns everything it writes to stdout.
//
// Every input is written by its own goroutine while exec drains stdout;
// all of them are joined before Run returns. The child runs in its own
// process group so cancelling ctx also kills anything it forked.
func Run(ctx context.Context, name string, args []string, inputs [][]byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	killProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr := &tailBuffer{limit: stderrTailSize}
	cmd.Stderr = stderr

	var writers []io.WriteCloser
	var childEnds []*os.File
	closeAll := func() {
		for _, w := range writers {
			w.Close()
		}
		for _, f := range childEnds {
			f.Close()
		}
	}

	if len(inputs) > 0 {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: stdin pipe: %v", ErrPipelineFailure, err)
		}
		writers = append(writers, stdin)
	}
	for i := 1; i < len(inputs); i++ {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("%w: input pipe %d: %v", ErrPipelineFailure, i, err)
		}
		cmd.ExtraFiles = append(cmd.ExtraFiles, r)
		childEnds = append(childEnds, r)
		writers = append(writers, w)
	}

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("%w: start %s: %v", ErrPipelineFailure, name, err)
	}
	// The child holds its own copies now.
	for _, f := range childEnds {
		f.Close()
	}

	p := pool.New().WithContext(ctx)
	for i, w := range writers {
		i, w, buf := i, w, inputs[i]
		p.Go(func(ctx context.Context) error {
			return writeInput(i, w, buf)
		})
	}

	waitErr := cmd.Wait()
	// Unblock writers still feeding a child that is gone.
	for _, w := range writers {
		w.Close()
	}
	streamErr := p.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrPipelineFailure, ctxErr)
	}
	if waitErr != nil {
		return nil, fmt.Errorf("%w: %s exited: %v: %s", ErrPipelineFailure, name, waitErr, bytes.TrimSpace(stderr.Bytes()))
	}
	if streamErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrPipelineFailure, streamErr)
	}
	return stdout.Bytes(), nil
}

// writeInput copies buf into one child input and closes it. A child that
// stops reading early (EPIPE) is not an error by itself; its exit status decides.
func writeInput(i int, w io.WriteCloser, buf []byte) error {
	_, err := w.Write(buf)
	closeErr := w.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil || errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) {
		if err != nil {
			slog.Debug("Pipeline input closed early by child", "input", i, "error", err)
		}
		return nil
	}
	return fmt.Errorf("write input %d: %w", i, err)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte {
	return t.buf
}
