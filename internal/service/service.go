package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/jamsync/internal/config"
	"github.com/audiolibrelab/jamsync/internal/hub"
	"github.com/audiolibrelab/jamsync/internal/metrics"
	"github.com/audiolibrelab/jamsync/internal/mix"
	"github.com/audiolibrelab/jamsync/internal/session"
)

// Service represents the session coordination operations exposed to the router
type Service interface {
	// Session lifecycle
	CreateSession(metadata string, expected int) (string, error)
	Contribute(code string, c session.Contribution) (session.Progress, error)
	Finish(code string) error

	// Retrieval
	GetSession(code string) ([]byte, error)
	GetMixed(ctx context.Context, code string, opts MixOptions) ([]byte, error)
	Status(code string) (session.Status, error)

	// Notification
	Observe(code string) (*hub.Subscription, func(), error)

	// Maintenance
	Run(ctx context.Context)
	ReapIdle(now time.Time) int
	ActiveSessions() int
	GetConfig() *config.Config
}

// MixOptions controls the processed retrieval of a finished session.
type MixOptions struct {
	// Delay adds leading silence to the mixed result.
	Delay time.Duration
}

// Finish triggers, used as metric labels.
const (
	TriggerComplete = "complete"
	TriggerFinish   = "finish"
)

// CoordinatorService is the main service implementation
type CoordinatorService struct {
	cfg      *config.Config
	registry *session.Registry
	mixer    *mix.Mixer
	metrics  *metrics.Metrics
}

// New creates a coordinator from cfg. m may be shared with the HTTP layer.
func New(cfg *config.Config, m *metrics.Metrics) (Service, error) {
	codes, err := session.NewCodeGenerator(cfg.Sessions.CodeAlphabet, cfg.Sessions.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("invalid session code settings: %w", err)
	}

	h := hub.New(cfg.Hub.BufferSize)
	registry := session.NewRegistry(h, session.Options{
		Codes:        codes,
		CodeAttempts: cfg.Sessions.CodeAttempts,
		Detector:     session.ExpectedCount,
	})

	mixer := mix.New(mix.Options{
		Binary:       cfg.Pipeline.Binary,
		InputFormat:  cfg.Pipeline.InputFormat,
		OutputFormat: cfg.Pipeline.OutputFormat,
		MixDuration:  cfg.Pipeline.MixDuration,
		Timeout:      cfg.Pipeline.Timeout,
	})

	return &CoordinatorService{
		cfg:      cfg,
		registry: registry,
		mixer:    mixer,
		metrics:  m,
	}, nil
}

// CreateSession opens a session expecting the given number of guests
func (s *CoordinatorService) CreateSession(metadata string, expected int) (string, error) {
	code, err := s.registry.Create(metadata, expected)
	if err != nil {
		slog.Error("Service.CreateSession failed", "error", err)
		return "", err
	}
	s.metrics.RecordSessionCreated()
	s.metrics.SetActiveSessions(s.registry.Len())
	return code, nil
}

// Contribute records one guest upload
func (s *CoordinatorService) Contribute(code string, c session.Contribution) (session.Progress, error) {
	progress, err := s.registry.Contribute(code, c)
	if err != nil {
		return progress, err
	}
	s.metrics.RecordContribution(len(c.Payload))
	if progress.Finished {
		s.metrics.RecordSessionFinished(TriggerComplete)
	}
	return progress, nil
}

// Finish ends a session early; finishing twice is a no-op
func (s *CoordinatorService) Finish(code string) error {
	transitioned, err := s.registry.MarkFinished(code)
	if err != nil {
		return err
	}
	if transitioned {
		s.metrics.RecordSessionFinished(TriggerFinish)
	} else {
		slog.Debug("Session already finished", "session_code", code)
	}
	return nil
}

// GetSession returns the assembled contributions of a finished session and
// evicts it
func (s *CoordinatorService) GetSession(code string) ([]byte, error) {
	snap, err := s.registry.Get(code)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSessionsEvicted("read", 1)
	s.metrics.SetActiveSessions(s.registry.Len())
	return snap.Assemble(), nil
}

// GetMixed runs a finished session through the audio pipeline. The session
// is evicted only once processing succeeded, so a failed mix can be retried.
func (s *CoordinatorService) GetMixed(ctx context.Context, code string, opts MixOptions) ([]byte, error) {
	snap, err := s.registry.Peek(code)
	if err != nil {
		return nil, err
	}
	if len(snap.Contributions) == 0 {
		return nil, fmt.Errorf("%w: session %s has no contributions", mix.ErrInvalidRequest, code)
	}

	inputs, offsets := snap.MixInputs()
	out, err := s.process(ctx, mix.Request{
		Operation: mix.OpMix,
		Inputs:    inputs,
		Offsets:   offsets,
	})
	if err != nil {
		return nil, err
	}

	if opts.Delay > 0 {
		out, err = s.process(ctx, mix.Request{
			Operation: mix.OpDelay,
			Inputs:    [][]byte{out},
			Delay:     opts.Delay,
		})
		if err != nil {
			return nil, err
		}
	}

	if s.registry.Evict(code) {
		s.metrics.RecordSessionsEvicted("mixed", 1)
		s.metrics.SetActiveSessions(s.registry.Len())
	}
	return out, nil
}

// Status reports a session without its payloads
func (s *CoordinatorService) Status(code string) (session.Status, error) {
	return s.registry.Status(code)
}

// Observe subscribes to a session's events. The returned release function
// must be called when the observer goes away; it is safe to call twice.
func (s *CoordinatorService) Observe(code string) (*hub.Subscription, func(), error) {
	sub, err := s.registry.Subscribe(code)
	if err != nil {
		return nil, nil, err
	}
	s.metrics.ObserverConnected()

	var once sync.Once
	release := func() {
		once.Do(func() {
			sub.Close()
			s.metrics.ObserverDisconnected()
		})
	}
	return sub, release, nil
}

// Run evicts idle sessions until ctx is cancelled. It returns immediately
// when no idle TTL is configured.
func (s *CoordinatorService) Run(ctx context.Context) {
	ttl := s.cfg.Sessions.IdleTTL
	if ttl <= 0 {
		return
	}

	slog.Info("Idle session reaper started", "idle_ttl", ttl, "interval", s.cfg.Sessions.ReapInterval)
	ticker := time.NewTicker(s.cfg.Sessions.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.ReapIdle(now)
		}
	}
}

// ReapIdle evicts sessions idle for longer than the configured TTL
func (s *CoordinatorService) ReapIdle(now time.Time) int {
	ttl := s.cfg.Sessions.IdleTTL
	if ttl <= 0 {
		return 0
	}
	evicted := s.registry.EvictIdle(now.Add(-ttl))
	if len(evicted) > 0 {
		slog.Info("Evicted idle sessions", "count", len(evicted), "codes", evicted)
		s.metrics.RecordSessionsEvicted("idle", len(evicted))
		s.metrics.SetActiveSessions(s.registry.Len())
	}
	return len(evicted)
}

// ActiveSessions returns the number of resident sessions
func (s *CoordinatorService) ActiveSessions() int {
	return s.registry.Len()
}

// GetConfig returns the current configuration
func (s *CoordinatorService) GetConfig() *config.Config {
	return s.cfg
}

func (s *CoordinatorService) process(ctx context.Context, req mix.Request) ([]byte, error) {
	start := time.Now()
	out, err := s.mixer.Process(ctx, req)
	s.metrics.RecordPipeline(string(req.Operation), time.Since(start).Seconds(), err != nil)
	return out, err
}
