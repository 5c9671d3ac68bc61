// Package syslog ships signed events to a remote collector as RFC5424
// records over UDP, TCP or TLS. Delivery is best-effort: a bounded queue
// absorbs outages and the oldest records are dropped when it overflows.
package syslog

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/clawtrail/internal/event"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Shipper formats events and delivers them from a single sender goroutine.
// Write is safe for concurrent use and never blocks on the network.
type Shipper struct {
	cfg    Config
	logger *slog.Logger
	dial   dialFunc
	now    func() time.Time

	mu       sync.Mutex
	queue    [][]byte
	closed   bool
	backoff  time.Duration
	nextDial time.Time

	// conn is owned by the sender goroutine.
	conn      transport
	connected atomic.Bool
	dropped   atomic.Uint64

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New validates cfg and starts connecting. A nil logger discards output.
func New(cfg Config, logger *slog.Logger) (*Shipper, error) {
	cfg.Enabled = true
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return newShipper(cfg, logger, dialerFor(cfg), time.Now), nil
}

func newShipper(cfg Config, logger *slog.Logger, dial dialFunc, now func() time.Time) *Shipper {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Shipper{
		cfg:     cfg,
		logger:  logger,
		dial:    dial,
		now:     now,
		backoff: initialBackoff,
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	s.signal()
	return s
}

// Write formats e and queues the record for delivery.
func (s *Shipper) Write(e event.Event) {
	msg, err := FormatMessage(e, *s.cfg.Facility, s.cfg.AppName, s.cfg.Format)
	if err != nil {
		s.logger.Warn("syslog: format event", "type", e.Kind(), "error", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.dropped.Add(1)
		return
	}
	if len(s.queue) >= s.cfg.MaxQueue {
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.dropped.Add(1)
	}
	s.queue = append(s.queue, []byte(msg))
	s.mu.Unlock()

	s.signal()
}

// Dropped returns the number of records discarded by queue overflow,
// failed datagram sends or writes after Close.
func (s *Shipper) Dropped() uint64 { return s.dropped.Load() }

// Connected reports whether a connection is currently established.
func (s *Shipper) Connected() bool { return s.connected.Load() }

// Pending returns the number of queued records.
func (s *Shipper) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close delivers what is queued, dialing once more if no connection is
// up, then closes the connection gracefully. Records that still cannot be
// delivered are discarded.
func (s *Shipper) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.once.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Shipper) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Shipper) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			s.shutdown()
			return
		case <-s.kick:
			s.pump(true)
		}
	}
}

func (s *Shipper) shutdown() {
	if s.conn == nil && s.Pending() > 0 {
		// One dial regardless of backoff: Close may win the race against
		// the initial kick.
		s.dialNow()
	}
	if s.conn != nil {
		s.pump(false)
	}
	if n := s.Pending(); n > 0 {
		s.logger.Warn("syslog: closing with undelivered records", "count", n)
	}
	s.disconnect()
	s.logger.Info("syslog: closed")
}

// pump sends queued records in order until the queue is empty or the
// connection fails. With redial set, a missing connection is dialed
// first, subject to backoff.
func (s *Shipper) pump(redial bool) {
	for {
		if s.conn == nil {
			if !redial || !s.connect() {
				return
			}
		}

		msg, ok := s.pop()
		if !ok {
			return
		}
		if err := s.conn.send(msg); err != nil {
			if !s.conn.stream() {
				s.dropped.Add(1)
				s.logger.Warn("syslog: send datagram", "error", err)
				continue
			}
			s.requeue(msg)
			s.logger.Warn("syslog: send failed, reconnecting on next write", "error", err)
			s.disconnect()
			s.scheduleRetry()
			return
		}
	}
}

// connect dials the collector unless a retry is not yet due.
func (s *Shipper) connect() bool {
	s.mu.Lock()
	due := !s.now().Before(s.nextDial)
	s.mu.Unlock()
	if !due {
		return false
	}
	return s.dialNow()
}

// dialNow dials once, bounded by the dial timeout.
func (s *Shipper) dialNow() bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	defer cancel()
	conn, err := s.dial(ctx)
	if err != nil {
		s.logger.Warn("syslog: connect", "host", s.cfg.Host, "port", s.cfg.Port, "error", err)
		s.scheduleRetry()
		return false
	}

	s.conn = conn
	s.connected.Store(true)
	s.mu.Lock()
	s.backoff = initialBackoff
	s.nextDial = time.Time{}
	s.mu.Unlock()
	s.logger.Info("syslog: connected", "host", s.cfg.Host, "port", s.cfg.Port, "protocol", s.cfg.Protocol)
	return true
}

// scheduleRetry gates the next dial behind the current backoff and
// doubles it, up to maxBackoff.
func (s *Shipper) scheduleRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDial = s.now().Add(s.backoff)
	s.backoff *= 2
	if s.backoff > maxBackoff {
		s.backoff = maxBackoff
	}
}

func (s *Shipper) disconnect() {
	if s.conn == nil {
		return
	}
	if err := s.conn.close(); err != nil {
		s.logger.Debug("syslog: close connection", "error", err)
	}
	s.conn = nil
	s.connected.Store(false)
}

func (s *Shipper) pop() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	msg := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return msg, true
}

// requeue puts msg back at the head. If the queue filled up meanwhile the
// oldest record, msg itself, is dropped instead.
func (s *Shipper) requeue(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.cfg.MaxQueue {
		s.dropped.Add(1)
		return
	}
	s.queue = append([][]byte{msg}, s.queue...)
}
