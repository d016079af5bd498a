// ABOUTME: ChatTransport interface and wire types for the streaming inference API
// ABOUTME: The conversation store consumes this narrow surface; tests substitute a fake

package transport

import (
	"context"
	"time"

	"github.com/schmitech/orbit-chat/internal/model"
)

// ThreadingInfo arrives on the terminal chunk of a thread-eligible response.
type ThreadingInfo struct {
	SupportsThreading bool   `json:"supports_threading"`
	MessageID         string `json:"message_id"`
	SessionID         string `json:"session_id"`
}

// StreamChunk is one increment of a streamed response. RequestID is present
// on the first chunk of a stream and is the handle for server-side
// cancellation. Err is set only by transport implementations to surface a
// mid-stream failure in-band; it is never populated from the wire.
type StreamChunk struct {
	Text       string         `json:"text,omitempty"`
	Audio      string         `json:"audio,omitempty"`
	AudioChunk string         `json:"audio_chunk,omitempty"`
	ChunkIndex int            `json:"chunk_index,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Done       bool           `json:"done,omitempty"`
	Threading  *ThreadingInfo `json:"threading,omitempty"`

	Err error `json:"-"`
}

// HistoryMessage is one server-persisted message returned by the history
// endpoint. MessageID is the server-assigned identity used to reconcile
// against client-generated message IDs.
type HistoryMessage struct {
	MessageID string    `json:"message_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ThreadHandle identifies a created thread and its dedicated session.
type ThreadHandle struct {
	ThreadID        string `json:"thread_id"`
	ThreadSessionID string `json:"thread_session_id"`
}

// StreamRequest carries everything needed to open one chat stream.
type StreamRequest struct {
	Content     string
	FileIDs     []string
	ThreadID    string
	Language    string
	ReturnAudio bool
	TTSVoice    string
}

// ChatTransport is the capability the conversation store drives. Streams
// end when a Done chunk is observed or the context is cancelled; StopChat
// is the best-effort server-side counterpart to local cancellation.
type ChatTransport interface {
	// Configure binds the transport to an API endpoint, session and adapter.
	// Subsequent calls rebind; in-flight streams are unaffected.
	Configure(apiURL, sessionID, adapterName string)

	// StreamChat opens a streaming chat request. The returned channel is
	// closed after the terminal chunk or on context cancellation.
	StreamChat(ctx context.Context, req StreamRequest) (<-chan StreamChunk, error)

	// StopChat asks the server to cancel the identified in-flight request.
	StopChat(ctx context.Context, sessionID, requestID string) (bool, error)

	// GetAdapterInfo fetches capability metadata for the configured adapter.
	GetAdapterInfo(ctx context.Context) (*model.AdapterInfo, error)

	// GetConversationHistory returns server-persisted messages for a session.
	GetConversationHistory(ctx context.Context, sessionID string, limit int) ([]HistoryMessage, error)

	// DeleteConversationWithFiles removes server history and attached files.
	DeleteConversationWithFiles(ctx context.Context, sessionID string, fileIDs []string) error

	// CreateThread creates a threaded sub-conversation rooted at a message.
	CreateThread(ctx context.Context, parentMessageID, parentSessionID string) (*ThreadHandle, error)
}
