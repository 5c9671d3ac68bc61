// Package telemetry wires the event pipeline together: rate limiting,
// redaction, sequence stamping, hash chaining, the JSONL file sink and the
// optional syslog shipper.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/clawtrail/internal/diag"
	"github.com/ppiankov/clawtrail/internal/event"
	"github.com/ppiankov/clawtrail/internal/integrity"
	"github.com/ppiankov/clawtrail/internal/jsonl"
	"github.com/ppiankov/clawtrail/internal/ratelimit"
	"github.com/ppiankov/clawtrail/internal/redact"
	"github.com/ppiankov/clawtrail/internal/rotate"
	"github.com/ppiankov/clawtrail/internal/syslog"
)

// ErrRunning is returned by Start on a service that has not been stopped.
var ErrRunning = errors.New("telemetry: service already running")

// DiagnosticSource delivers host diagnostics. *diag.Bus implements it.
type DiagnosticSource interface {
	Subscribe(fn func(diag.Event)) (unsubscribe func())
}

// StartOptions carries what the host provides at startup.
type StartOptions struct {
	Config   Config
	StateDir string
	Logger   *slog.Logger
	// Diagnostics, if set, is subscribed to for model usage.
	Diagnostics DiagnosticSource
	// Now overrides the admission clock. Nil means time.Now.
	Now func() time.Time
}

// pipeline is the state of one Start/Stop cycle.
type pipeline struct {
	logger   *slog.Logger
	limiter  *ratelimit.Limiter
	redactor *redact.Redactor
	chain    *integrity.Chain
	writer   *jsonl.Writer
	shipper  *syslog.Shipper
	unsub    func()
	now      func() time.Time

	// mu serializes stamping, signing and enqueueing so that file and
	// wire order equal seq order.
	mu      sync.Mutex
	stopped bool
}

// Service is the sink the host writes events to. It can be started again
// after Stop; seq keeps counting while the hash chain restarts at genesis.
type Service struct {
	mu   sync.Mutex
	pipe *pipeline

	seq     atomic.Int64
	dropped atomic.Uint64
}

// New returns a stopped service.
func New() *Service {
	return &Service{}
}

// Start builds the pipeline from opts.Config. It does nothing when
// telemetry is disabled and fails on invalid configuration before any
// file or connection is opened.
func (s *Service) Start(ctx context.Context, opts StartOptions) error {
	cfg := opts.Config
	if !cfg.Enabled {
		return nil
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipe != nil {
		return ErrRunning
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	p := &pipeline{logger: logger, now: opts.Now}
	if p.now == nil {
		p.now = time.Now
	}

	var err error
	if p.limiter, err = ratelimit.New(cfg.RateLimit); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if p.redactor, err = redact.New(cfg.Redact); err != nil {
		return fmt.Errorf("telemetry: redact: %w", err)
	}
	if p.chain, err = integrity.New(cfg.Integrity); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	path := cfg.ResolvePath(opts.StateDir)
	rotator := rotate.New(path, cfg.Rotate, logger)
	if err := rotator.Init(); err != nil {
		logger.Warn("telemetry: cannot read current log size", "path", path, "error", err)
	}
	p.writer = jsonl.New(path, rotator, logger)
	logger.Info("telemetry: " + path)

	if cfg.Rotate.Enabled {
		logger.Info("telemetry: rotation enabled")
	}
	if cfg.Redact.Enabled {
		logger.Info("telemetry: redaction enabled")
	}
	if cfg.Integrity.Enabled {
		logger.Info("telemetry: integrity enabled", "algorithm", p.chain.Algorithm())
	}
	if cfg.RateLimit.Enabled {
		logger.Info("telemetry: rate limiting enabled")
	}
	if cfg.Syslog.Enabled {
		p.shipper, err = syslog.New(cfg.Syslog, logger)
		if err != nil {
			if cerr := p.writer.Close(ctx); cerr != nil {
				logger.Warn("telemetry: close writer after failed start", "path", path, "error", cerr)
			}
			return fmt.Errorf("telemetry: %w", err)
		}
		port := cfg.Syslog.Port
		if port == 0 {
			port = syslog.DefaultPort
		}
		logger.Info("telemetry: syslog -> " + net.JoinHostPort(cfg.Syslog.Host, strconv.Itoa(port)))
	}

	s.pipe = p
	if opts.Diagnostics != nil {
		p.unsub = opts.Diagnostics.Subscribe(s.onDiagnostic)
	}
	return nil
}

// Write admits e into the pipeline. It never blocks on I/O, never
// returns an error and never panics into the caller. The caller's value
// is not modified.
func (s *Service) Write(e event.Event) {
	if e == nil {
		return
	}
	s.mu.Lock()
	p := s.pipe
	s.mu.Unlock()
	if p == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("telemetry: pipeline panic", "type", e.Kind(), "panic", r)
		}
	}()

	if !p.limiter.Allow() {
		s.dropped.Add(1)
		return
	}

	owned := p.redactor.RedactEvent(e)
	if owned == e {
		owned = event.Clone(e)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}

	meta := owned.Meta()
	meta.Type = owned.Kind()
	meta.Seq = s.seq.Load() + 1
	meta.TS = p.now().UnixMilli()

	signed, err := p.chain.Sign(owned)
	if err != nil {
		p.logger.Error("telemetry: sign event", "type", owned.Kind(), "error", err)
		return
	}
	if err := p.writer.Write(signed); err != nil {
		p.logger.Error("telemetry: drop event", "type", owned.Kind(), "error", err)
		return
	}
	s.seq.Store(meta.Seq)

	if p.shipper != nil {
		p.shipper.Write(signed)
	}
}

// onDiagnostic turns model usage diagnostics into llm.usage events.
func (s *Service) onDiagnostic(d diag.Event) {
	if d.Type != diag.TypeModelUsage {
		return
	}
	s.Write(&event.LLMUsage{
		Header:       event.Header{SessionKey: d.SessionKey},
		Provider:     d.Provider,
		Model:        d.Model,
		InputTokens:  d.Usage.Input,
		OutputTokens: d.Usage.Output,
		CacheTokens:  d.Usage.CacheRead,
		DurationMs:   d.DurationMs,
		CostUSD:      d.CostUSD,
	})
}

// Stop unsubscribes from diagnostics, stops admitting events, flushes the
// file sink and closes the shipper, in that order. Stopping a stopped
// service is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	p := s.pipe
	s.pipe = nil
	s.mu.Unlock()
	if p == nil {
		return nil
	}

	if p.unsub != nil {
		p.unsub()
	}

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	var errs []error
	if err := p.writer.Close(ctx); err != nil {
		p.logger.Error("telemetry: flush failed", "path", p.writer.Path(), "pending", p.writer.Pending(), "error", err)
		errs = append(errs, fmt.Errorf("telemetry: flush: %w", err))
	}
	if p.shipper != nil {
		if err := p.shipper.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: close syslog: %w", err))
		}
		if n := p.shipper.Dropped(); n > 0 {
			p.logger.Warn("telemetry: syslog records dropped", "count", n)
		}
	}

	p.logger.Info("telemetry: stopped", "seq", s.seq.Load(), "rateLimited", s.dropped.Load())
	return errors.Join(errs...)
}

// Seq returns the last assigned sequence number.
func (s *Service) Seq() int64 { return s.seq.Load() }

// Dropped returns the number of events rejected by the rate limiter.
func (s *Service) Dropped() uint64 { return s.dropped.Load() }

// Running reports whether Start has built a pipeline that is not stopped.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipe != nil
}
