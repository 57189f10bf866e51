package mix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/audiolibrelab/jamsync/internal/tracing"
)

var (
	// ErrPipelineFailure covers any abnormal end of the external process.
	ErrPipelineFailure = errors.New("audio pipeline failed")
	// ErrInvalidRequest means the request cannot be turned into a command line.
	ErrInvalidRequest = errors.New("invalid pipeline request")
)

// Operation selects what the external process does with its inputs.
type Operation string

const (
	OpMix   Operation = "mix"
	OpDelay Operation = "delay"
)

// Request is one pipeline invocation.
type Request struct {
	Operation Operation
	Inputs    [][]byte
	// Offsets delays each input before mixing. Empty means all start together.
	Offsets []time.Duration
	// Delay is the leading silence added by OpDelay.
	Delay time.Duration
}

// Options configures the ffmpeg invocation.
type Options struct {
	Binary       string
	InputFormat  string
	OutputFormat string
	MixDuration  string
	Timeout      time.Duration
}

// DefaultOptions mirrors the formats guests upload.
var DefaultOptions = Options{
	Binary:       "ffmpeg",
	InputFormat:  "mp3",
	OutputFormat: "mp3",
	MixDuration:  "first",
	Timeout:      2 * time.Minute,
}

// Mixer hands contribution buffers to ffmpeg and returns its output.
type Mixer struct {
	opts Options
}

// New returns a Mixer, filling unset options from DefaultOptions.
func New(opts Options) *Mixer {
	if opts.Binary == "" {
		opts.Binary = DefaultOptions.Binary
	}
	if opts.InputFormat == "" {
		opts.InputFormat = DefaultOptions.InputFormat
	}
	if opts.OutputFormat == "" {
		opts.OutputFormat = DefaultOptions.OutputFormat
	}
	if opts.MixDuration == "" {
		opts.MixDuration = DefaultOptions.MixDuration
	}
	return &Mixer{opts: opts}
}

// Process runs req through ffmpeg. The caller blocks until ffmpeg's output
// is fully drained; cancelling ctx kills the process.
func (m *Mixer) Process(ctx context.Context, req Request) ([]byte, error) {
	args, err := m.BuildArgs(req)
	if err != nil {
		return nil, err
	}

	if m.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
		defer cancel()
	}

	ctx, span := tracing.Tracer().Start(ctx, "mix.Process", trace.WithAttributes(
		attribute.String("jamsync.pipeline.operation", string(req.Operation)),
		attribute.Int("jamsync.pipeline.inputs", len(req.Inputs)),
	))
	defer span.End()

	slog.Debug("Running FFmpeg pipeline", "operation", req.Operation, "inputs", len(req.Inputs),
		"command", m.opts.Binary+" "+strings.Join(args, " "))

	start := time.Now()
	out, err := Run(ctx, m.opts.Binary, args, req.Inputs)
	if err != nil {
		slog.Error("FFmpeg pipeline failed", "operation", req.Operation, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failure")
		return nil, err
	}

	slog.Info("FFmpeg pipeline completed", "operation", req.Operation, "inputs", len(req.Inputs),
		"output_bytes", len(out), "duration", time.Since(start))
	span.SetAttributes(attribute.Int("jamsync.pipeline.output_bytes", len(out)))
	return out, nil
}

// BuildArgs creates the ffmpeg command line for req. Input i is read from
// pipe:0 for the first input and from pipe:(i+2) for the rest, matching the
// descriptors Run hands to the child.
func (m *Mixer) BuildArgs(req Request) ([]string, error) {
	if len(req.Inputs) == 0 {
		return nil, fmt.Errorf("%w: no inputs", ErrInvalidRequest)
	}

	args := []string{"-hide_banner", "-loglevel", ffmpegLogLevel()}
	for i := range req.Inputs {
		args = append(args, "-f", m.opts.InputFormat, "-i", inputPipe(i))
	}

	switch req.Operation {
	case OpMix:
		if len(req.Offsets) != 0 && len(req.Offsets) != len(req.Inputs) {
			return nil, fmt.Errorf("%w: %d offsets for %d inputs", ErrInvalidRequest, len(req.Offsets), len(req.Inputs))
		}
		args = append(args, "-filter_complex", m.buildMixFilter(len(req.Inputs), req.Offsets))
	case OpDelay:
		if len(req.Inputs) != 1 {
			return nil, fmt.Errorf("%w: delay takes exactly one input, got %d", ErrInvalidRequest, len(req.Inputs))
		}
		if req.Delay < 0 {
			return nil, fmt.Errorf("%w: negative delay %s", ErrInvalidRequest, req.Delay)
		}
		ms := req.Delay.Milliseconds()
		args = append(args, "-af", fmt.Sprintf("adelay=%d|%d:all=true", ms, ms))
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, req.Operation)
	}

	args = append(args, "-f", m.opts.OutputFormat, "pipe:1")
	return args, nil
}

// buildMixFilter creates the amix graph, delaying inputs that start late.
func (m *Mixer) buildMixFilter(inputs int, offsets []time.Duration) string {
	hasOffset := false
	for _, off := range offsets {
		if off > 0 {
			hasOffset = true
			break
		}
	}

	amix := fmt.Sprintf("amix=inputs=%d:duration=%s", inputs, m.opts.MixDuration)
	if !hasOffset {
		return amix
	}

	var filterParts []string
	var labels []string
	for i := 0; i < inputs; i++ {
		label := fmt.Sprintf("[in_%d]", i)
		ms := offsets[i].Milliseconds()
		if ms > 0 {
			filterParts = append(filterParts, fmt.Sprintf("[%d:a]adelay=%d:all=1%s", i, ms, label))
		} else {
			filterParts = append(filterParts, fmt.Sprintf("[%d:a]anull%s", i, label))
		}
		labels = append(labels, label)
	}
	filterParts = append(filterParts, strings.Join(labels, "")+amix)
	return strings.Join(filterParts, ";")
}

func inputPipe(i int) string {
	if i == 0 {
		return "pipe:0"
	}
	return fmt.Sprintf("pipe:%d", i+2)
}

func ffmpegLogLevel() string {
	if level := os.Getenv("FFMPEG_LOGLEVEL"); level != "" {
		return level
	}
	return "error"
}
