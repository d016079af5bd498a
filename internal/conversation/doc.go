// ABOUTME: Package documentation for the conversation store
// ABOUTME: Explains ownership, the single-stream gate and the notification flow

// Package conversation implements the client-side chat state machine: a
// mutex-guarded store owning the conversation collection, streaming
// response ingestion through a coalescing buffer, cooperative two-tier
// cancellation, quota enforcement and debounced persistence.
//
// The store is the sole writer of conversation state. Observers receive
// deep-copied snapshots and subscribe for change notifications; at most
// one response stream is in flight store-wide at any time, and duplicate
// submits while one is active are dropped with a warning rather than
// queued or double-sent.
package conversation
