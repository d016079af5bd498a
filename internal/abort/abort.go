// ABOUTME: Coordinator owns the single in-flight stream's cancellation state
// ABOUTME: Holds exactly one {cancel, requestID, sessionID} triple or none

package abort

import (
	"context"
	"log/slog"
	"sync"
)

// Coordinator tracks the one stream a store may have in flight. Begin hands
// out a derived context plus an ownership token; Cancel fires the context
// and returns the identifiers needed for best-effort server-side
// cancellation. Clear must be called with the token on every exit path; a
// stream whose token has been superseded by a newer Begin finds Clear and
// CaptureRequestID are no-ops, so a slow teardown can never cancel or
// corrupt its successor.
type Coordinator struct {
	mu        sync.Mutex
	gen       uint64
	cancel    context.CancelFunc
	requestID string
	sessionID string
	logger    *slog.Logger
}

// New creates a Coordinator. Pass nil logger for default.
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger.With("component", "abort")}
}

// Begin records a new active stream for the given session and returns a
// context cancelled by Cancel, along with the token identifying this
// stream's ownership. An already-active triple is cancelled and
// superseded: a stopped stream's teardown clears asynchronously, so the
// next send routinely begins before the previous triple is released.
func (c *Coordinator) Begin(parent context.Context, sessionID string) (context.Context, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.logger.Debug("superseding active stream",
			"session_id", c.sessionID,
			"new_session_id", sessionID)
		c.cancel()
	}

	ctx, cancel := context.WithCancel(parent)
	c.gen++
	c.cancel = cancel
	c.requestID = ""
	c.sessionID = sessionID
	return ctx, c.gen
}

// CaptureRequestID records the server-issued request ID from the first
// chunk of a stream. First capture wins; later calls are ignored, as is a
// capture from a stream whose token has been superseded.
func (c *Coordinator) CaptureRequestID(token uint64, id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if token != c.gen || c.requestID != "" {
		return
	}
	c.requestID = id
}

// Active reports whether a stream is currently registered.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Cancel fires the local abort signal and returns the captured request and
// session IDs so the caller can attempt remote cancellation. Returns empty
// IDs and false if no stream is active.
func (c *Coordinator) Cancel() (requestID, sessionID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return "", "", false
	}
	c.cancel()
	return c.requestID, c.sessionID, true
}

// Clear resets the coordinator to the inactive state, releasing the
// cancellation context. Safe to call when already clear. A token from a
// superseded stream is a no-op: only the current owner may clear.
func (c *Coordinator) Clear(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if token != c.gen {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = nil
	c.requestID = ""
	c.sessionID = ""
}

// Owns reports whether the token still identifies the active stream.
func (c *Coordinator) Owns(token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return token == c.gen
}
