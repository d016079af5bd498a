// ABOUTME: Coalesces rapid streamed text fragments into batched flushes per conversation
// ABOUTME: A fixed short timer approximates 30fps updates without reordering or dropping text

package streambuf

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultFlushInterval approximates 30fps without perceptible added latency.
const DefaultFlushInterval = 32 * time.Millisecond

// DefaultMaxMessageLen bounds the total streamed length of one message.
const DefaultMaxMessageLen = 100000

// Flusher receives the accumulated text for a conversation. It is called
// outside the buffer lock and must decide itself whether the target message
// is still accepting content.
type Flusher func(conversationID, text string)

type entry struct {
	text  string
	timer *time.Timer
}

// Buffer accumulates text per conversation ID and schedules a flush at a
// fixed short delay. Text arriving before the timer fires extends the
// accumulation; no second timer is issued. Content is applied in the exact
// order received; batching delays visibility, never reorders.
type Buffer struct {
	mu       sync.Mutex
	pending  map[string]*entry
	applied  map[string]int // total runes flushed per conversation since Reset
	flush    Flusher
	interval time.Duration
	maxLen   int
	closed   bool
	logger   *slog.Logger

	// applyMu serializes flush extraction and delivery. A timer-fired
	// flush racing the stream-end synchronous flush must reach the
	// flusher in append order.
	applyMu sync.Mutex
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithFlushInterval overrides the coalescing delay.
func WithFlushInterval(d time.Duration) Option {
	return func(b *Buffer) { b.interval = d }
}

// WithMaxMessageLen overrides the per-message length ceiling in runes.
func WithMaxMessageLen(n int) Option {
	return func(b *Buffer) { b.maxLen = n }
}

// New creates a Buffer that delivers batched text through fn.
func New(fn Flusher, logger *slog.Logger, opts ...Option) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Buffer{
		pending:  make(map[string]*entry),
		applied:  make(map[string]int),
		flush:    fn,
		interval: DefaultFlushInterval,
		maxLen:   DefaultMaxMessageLen,
		logger:   logger.With("component", "streambuf"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append sanitizes text and adds it to the conversation's accumulator,
// scheduling a flush if none is pending. Text that sanitizes to nothing is
// a logged no-op, not an error. Content beyond the message length ceiling
// is truncated.
func (b *Buffer) Append(conversationID, text string) {
	clean := Sanitize(text)
	if clean == "" {
		if text != "" {
			b.logger.Warn("chunk removed entirely by sanitization",
				"conversation_id", conversationID,
				"raw_len", len(text))
		}
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	budget := b.maxLen - b.applied[conversationID]
	e, ok := b.pending[conversationID]
	if ok {
		budget -= len([]rune(e.text))
	}
	if budget <= 0 {
		b.mu.Unlock()
		b.logger.Warn("message length ceiling reached, dropping chunk",
			"conversation_id", conversationID,
			"max_len", b.maxLen)
		return
	}
	if runes := []rune(clean); len(runes) > budget {
		clean = string(runes[:budget])
	}

	if !ok {
		e = &entry{}
		b.pending[conversationID] = e
	}
	e.text += clean
	if e.timer == nil {
		e.timer = time.AfterFunc(b.interval, func() {
			b.Flush(conversationID)
		})
	}
	b.mu.Unlock()
}

// Flush synchronously applies everything accumulated for the conversation.
// Used by the timer path and at stream end to guarantee no content is lost
// to a pending timer. Calling Flush with nothing accumulated is a no-op.
// Concurrent flushes are serialized so batches reach the flusher in the
// order their text was appended.
func (b *Buffer) Flush(conversationID string) {
	b.applyMu.Lock()
	defer b.applyMu.Unlock()

	b.mu.Lock()
	e, ok := b.pending[conversationID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, conversationID)
	if e.timer != nil {
		e.timer.Stop()
	}
	text := e.text
	b.applied[conversationID] += len([]rune(text))
	b.mu.Unlock()

	if text != "" {
		b.flush(conversationID, text)
	}
}

// Discard drops any pending accumulation for the conversation without
// applying it. Used after an abort so late chunks never surface.
func (b *Buffer) Discard(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.pending[conversationID]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(b.pending, conversationID)
	}
}

// Reset clears the length accounting for a conversation. Called when a new
// assistant message begins streaming.
func (b *Buffer) Reset(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.applied, conversationID)
	if e, ok := b.pending[conversationID]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(b.pending, conversationID)
	}
}

// Forget drops pending text and the length accounting for a conversation.
// Called when the conversation is deleted so the accounting map does not
// grow with the lifetime of the process.
func (b *Buffer) Forget(conversationID string) {
	b.Reset(conversationID)
}

// Close stops all pending timers and drops unflushed content.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, e := range b.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(b.pending, id)
	}
}
