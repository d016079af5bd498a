// Package store provides durable persistence for the chat client state.
//
// # Architecture
//
// The package separates the durable medium from the logical schema:
//
//   - KV: an opaque string-keyed store (SQLiteKV in production, MemoryKV
//     in tests)
//   - StateStore: serializes the conversation set to the persisted schema
//     and normalizes legacy shapes on load
//   - Writer: debounces high-frequency state changes into batched writes
//     with a bounded maximum delay
//
// # Persisted schema
//
// Logical layout in the KV store:
//
//	key "chat-state"         -> {conversations, currentConversationId}
//	key "chatbot-session-id" -> string
//	key "chat-adapter-name"  -> string
//
// Legacy keys ("chat-api-key", a stale "chat-api-url" equal to the
// default) are detected and purged on load.
//
// # Normalization
//
// Loading tolerates missing fields and never resurrects a message still
// marked streaming: a reload always terminates any in-flight stream, so
// all such flags are cleared.
package store
