// ABOUTME: Debounced persistence writer with a bounded maximum delay
// ABOUTME: Dirty flag plus scheduled flush, with a synchronous escape hatch for teardown

package store

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultWriteDelay coalesces bursts of state changes into one write.
	DefaultWriteDelay = 300 * time.Millisecond

	// DefaultMaxWriteDelay bounds how long a dirty state may stay
	// unwritten while changes keep arriving.
	DefaultMaxWriteDelay = 2 * time.Second
)

// Writer debounces persistence. Each MarkDirty reschedules the flush by
// the write delay, but never past the bounded maximum measured from the
// first unwritten change. Flush writes synchronously.
type Writer struct {
	mu         sync.Mutex
	save       func() error
	delay      time.Duration
	maxDelay   time.Duration
	timer      *time.Timer
	firstDirty time.Time
	dirty      bool
	closed     bool
	logger     *slog.Logger
}

// NewWriter creates a Writer around the given save function.
func NewWriter(save func() error, delay, maxDelay time.Duration, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if delay <= 0 {
		delay = DefaultWriteDelay
	}
	if maxDelay < delay {
		maxDelay = DefaultMaxWriteDelay
	}
	return &Writer{
		save:     save,
		delay:    delay,
		maxDelay: maxDelay,
		logger:   logger.With("component", "persist-writer"),
	}
}

// MarkDirty records a pending change and (re)schedules the flush.
func (w *Writer) MarkDirty() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	now := time.Now()
	if !w.dirty {
		w.dirty = true
		w.firstDirty = now
	}

	next := w.delay
	if bound := w.firstDirty.Add(w.maxDelay).Sub(now); bound < next {
		next = bound
	}
	if next < 0 {
		next = 0
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(next, w.fire)
}

func (w *Writer) fire() {
	w.mu.Lock()
	if !w.dirty || w.closed {
		w.mu.Unlock()
		return
	}
	w.dirty = false
	w.timer = nil
	w.mu.Unlock()

	if err := w.save(); err != nil {
		w.logger.Error("debounced persistence write failed", "error", err)
	}
}

// Flush writes synchronously if dirty, cancelling any scheduled write.
func (w *Writer) Flush() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	wasDirty := w.dirty
	w.dirty = false
	w.mu.Unlock()

	if !wasDirty {
		return nil
	}
	return w.save()
}

// Close flushes pending state and stops the writer.
func (w *Writer) Close() error {
	err := w.Flush()
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return err
}
