// Package jsonl appends events to a newline-delimited JSON file.
// Writes are queued in memory and drained by a single worker goroutine,
// which coalesces everything queued into one append per pass.
package jsonl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ppiankov/clawtrail/internal/event"
	"github.com/ppiankov/clawtrail/internal/rotate"
)

const (
	// maxFlushFailures is the number of consecutive failed passes after
	// which Flush gives up and returns the last error.
	maxFlushFailures = 5

	flushPollInterval = 10 * time.Millisecond
)

// ErrClosed is returned by Write and Flush after Close.
var ErrClosed = errors.New("jsonl: writer closed")

// Writer is safe for concurrent use. Write never blocks on disk I/O.
type Writer struct {
	path    string
	rotator *rotate.Rotator
	logger  *slog.Logger

	mu       sync.Mutex
	queue    [][]byte
	inFlight bool
	failures int
	lastErr  error
	closed   bool

	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New starts a writer appending to path. A nil rotator disables rotation;
// a nil logger discards output.
func New(path string, rotator *rotate.Rotator, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if rotator == nil {
		rotator = rotate.New(path, rotate.Config{}, logger)
	}
	w := &Writer{
		path:    path,
		rotator: rotator,
		logger:  logger,
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Path returns the active file path.
func (w *Writer) Path() string { return w.path }

// Write serializes e as one line and queues it without waiting for I/O.
// It fails when e cannot be marshalled or the writer is closed; in both
// cases nothing is queued.
func (w *Writer) Write(e event.Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("jsonl: marshal %s: %w", e.Kind(), err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.queue = append(w.queue, line)
	w.mu.Unlock()

	w.signal()
	return nil
}

// Pending returns the number of chunks not yet on disk, counting a batch
// that is being written as one.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.queue)
	if w.inFlight {
		n++
	}
	return n
}

// Flush blocks until the queue is empty and no pass is in flight. It
// returns the last write error once maxFlushFailures consecutive passes
// have failed, or ctx's error.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.failures = 0
	w.mu.Unlock()

	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()

	for {
		w.mu.Lock()
		idle := len(w.queue) == 0 && !w.inFlight
		failures, lastErr := w.failures, w.lastErr
		w.mu.Unlock()

		if idle {
			return nil
		}
		if failures >= maxFlushFailures {
			return fmt.Errorf("jsonl: flush %s after %d attempts: %w", w.path, failures, lastErr)
		}

		w.signal()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close flushes pending lines and stops the worker. Lines still queued
// when ctx expires are lost.
func (w *Writer) Close(ctx context.Context) error {
	err := w.Flush(ctx)
	if errors.Is(err, ErrClosed) {
		return nil
	}

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.stopOnce.Do(func() { close(w.stop) })
	select {
	case <-w.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (w *Writer) signal() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-w.kick:
			w.drain()
		}
	}
}

// drain writes batches until the queue is empty or a pass fails. A failed
// batch goes back to the head of the queue and waits for the next kick.
func (w *Writer) drain() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		batch := bytes.Join(w.queue, nil)
		w.queue = nil
		w.inFlight = true
		w.mu.Unlock()

		n, err := w.append(batch)

		w.mu.Lock()
		w.inFlight = false
		if err != nil {
			// Bytes already appended are not written again.
			w.queue = append([][]byte{batch[n:]}, w.queue...)
			w.failures++
			w.lastErr = err
			w.mu.Unlock()
			w.logger.Warn("jsonl: append failed, batch kept for retry",
				"path", w.path, "bytes", len(batch)-n, "error", err)
			return
		}
		w.failures = 0
		w.lastErr = nil
		w.mu.Unlock()
	}
}

// append performs one flush pass: rotate if due, ensure the directory,
// append data. It returns the number of bytes that reached the file.
func (w *Writer) append(data []byte) (int, error) {
	if w.rotator.ShouldRotate() {
		if err := w.rotator.Rotate(); err != nil {
			w.logger.Error("jsonl: rotation failed, appending to active file", "path", w.path, "error", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return 0, fmt.Errorf("jsonl: create directory: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("jsonl: open file: %w", err)
	}
	n, err := f.Write(data)
	w.rotator.TrackWrite(n)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("jsonl: write: %w", err)
	}
	return n, nil
}
