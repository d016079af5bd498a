// ABOUTME: Conversation, Message and FileAttachment domain types for the chat core
// ABOUTME: The ConversationStore owns these; all other components see read snapshots

package model

import (
	"time"

	"github.com/google/uuid"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// File processing states reported by the upload service.
// An empty ProcessingStatus means the upload is still in flight.
const (
	FileStatusUploading  = "uploading"
	FileStatusProcessing = "processing"
	FileStatusCompleted  = "completed"
	FileStatusError      = "error"
	FileStatusFailed     = "failed"
)

// FileAttachment is the result shape consumed from the file upload service.
type FileAttachment struct {
	FileID           string `json:"file_id"`
	Filename         string `json:"filename"`
	MimeType         string `json:"mime_type"`
	FileSize         int64  `json:"file_size"`
	ProcessingStatus string `json:"processing_status,omitempty"`
}

// ThreadInfo is attached only to the root message of a thread.
type ThreadInfo struct {
	ThreadID        string `json:"thread_id"`
	ThreadSessionID string `json:"thread_session_id"`
}

// AudioSettings holds per-conversation audio preferences passed through
// to the transport on each send.
type AudioSettings struct {
	ReturnAudio bool   `json:"return_audio"`
	TTSVoice    string `json:"tts_voice,omitempty"`
	Language    string `json:"language,omitempty"`
}

// AdapterInfo describes the backend adapter a conversation is bound to.
type AdapterInfo struct {
	Name              string   `json:"name"`
	Model             string   `json:"model,omitempty"`
	Capabilities      []string `json:"capabilities,omitempty"`
	SupportsThreading bool     `json:"supports_threading,omitempty"`
}

// Message is a single conversation entry. Content is append-only while
// IsStreaming is true; once a message leaves the streaming state it never
// re-enters it. DatabaseMessageID is the server identity, attached once the
// message is known to be persisted remotely; the client ID remains the
// permanent identity for all local operations.
type Message struct {
	ID                string          `json:"id"`
	Role              string          `json:"role"`
	Content           string          `json:"content"`
	Timestamp         time.Time       `json:"timestamp"`
	IsStreaming       bool            `json:"isStreaming,omitempty"`
	Attachments       []FileAttachment `json:"attachments,omitempty"`
	Audio             string          `json:"audio,omitempty"`
	DatabaseMessageID string          `json:"databaseMessageId,omitempty"`

	// Threading. ThreadInfo is present only on the thread root; every other
	// thread message references the root via ThreadID/ParentMessageID and is
	// excluded from the top-level view.
	IsThreadMessage   bool        `json:"isThreadMessage,omitempty"`
	ThreadID          string      `json:"threadId,omitempty"`
	ParentMessageID   string      `json:"parentMessageId,omitempty"`
	ThreadInfo        *ThreadInfo `json:"threadInfo,omitempty"`
	SupportsThreading bool        `json:"supportsThreading,omitempty"`
}

// Conversation is one chat session against a remote adapter. SessionID is
// immutable once any message has been sent.
type Conversation struct {
	ID               string           `json:"id"`
	SessionID        string           `json:"sessionId"`
	Messages         []Message        `json:"messages"`
	Title            string           `json:"title"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	APIURL           string           `json:"apiUrl"`
	AdapterName      string           `json:"adapterName,omitempty"`
	AdapterInfo      *AdapterInfo     `json:"adapterInfo,omitempty"`
	AdapterLoadError string           `json:"adapterLoadError,omitempty"`
	AttachedFiles    []FileAttachment `json:"attachedFiles,omitempty"`
	AudioSettings    *AudioSettings   `json:"audioSettings,omitempty"`
}

// NewConversation creates an empty conversation bound to the given API URL.
// No adapter is configured; adapter selection is a separate step.
func NewConversation(apiURL string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        uuid.New().String(),
		SessionID: uuid.New().String(),
		Messages:  []Message{},
		Title:     "New Conversation",
		CreatedAt: now,
		UpdatedAt: now,
		APIURL:    apiURL,
	}
}

// NewUserMessage creates a user message with a client-generated identity.
func NewUserMessage(content string, attachments []FileAttachment) Message {
	return Message{
		ID:          uuid.New().String(),
		Role:        RoleUser,
		Content:     content,
		Timestamp:   time.Now(),
		Attachments: attachments,
	}
}

// NewAssistantPlaceholder creates an empty assistant message in the
// streaming state, to be filled by buffer flushes.
func NewAssistantPlaceholder() Message {
	return Message{
		ID:          uuid.New().String(),
		Role:        RoleAssistant,
		Content:     "",
		Timestamp:   time.Now(),
		IsStreaming: true,
	}
}

// IsEmpty reports whether the conversation has no messages.
func (c *Conversation) IsEmpty() bool {
	return len(c.Messages) == 0
}

// HasStreamingMessage reports whether any message is still streaming.
func (c *Conversation) HasStreamingMessage() bool {
	for i := range c.Messages {
		if c.Messages[i].IsStreaming {
			return true
		}
	}
	return false
}

// NonStreamingCount returns the number of finalized messages. In-flight
// streaming placeholders never count toward quota ceilings.
func (c *Conversation) NonStreamingCount() int {
	n := 0
	for i := range c.Messages {
		if !c.Messages[i].IsStreaming {
			n++
		}
	}
	return n
}

// ThreadMessageCount returns the number of finalized messages belonging to
// the given thread, including its root.
func (c *Conversation) ThreadMessageCount(threadID string) int {
	n := 0
	for i := range c.Messages {
		m := &c.Messages[i]
		if m.IsStreaming {
			continue
		}
		if m.ThreadID == threadID || (m.ThreadInfo != nil && m.ThreadInfo.ThreadID == threadID) {
			n++
		}
	}
	return n
}

// TopLevelMessages returns the messages visible in the main conversation
// view, excluding thread replies.
func (c *Conversation) TopLevelMessages() []Message {
	out := make([]Message, 0, len(c.Messages))
	for i := range c.Messages {
		if !c.Messages[i].IsThreadMessage {
			out = append(out, c.Messages[i])
		}
	}
	return out
}

// ThreadMessages returns the reply list for a thread, root excluded.
func (c *Conversation) ThreadMessages(threadID string) []Message {
	out := []Message{}
	for i := range c.Messages {
		m := &c.Messages[i]
		if m.IsThreadMessage && m.ThreadID == threadID {
			out = append(out, *m)
		}
	}
	return out
}

// FindMessage returns the index of the message with the given client ID,
// or -1 if not present.
func (c *Conversation) FindMessage(id string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// LastStreamingAssistant returns the index of the last assistant message
// still marked streaming, or -1 if none.
func (c *Conversation) LastStreamingAssistant() int {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		m := &c.Messages[i]
		if m.Role == RoleAssistant && m.IsStreaming {
			return i
		}
	}
	return -1
}

// HasFile reports whether a file with the given ID is already attached.
func (c *Conversation) HasFile(fileID string) bool {
	for i := range c.AttachedFiles {
		if c.AttachedFiles[i].FileID == fileID {
			return true
		}
	}
	return false
}

// FilesByID returns the attached files matching the given IDs, in the
// requested order. Unknown IDs are skipped.
func (c *Conversation) FilesByID(fileIDs []string) []FileAttachment {
	if len(fileIDs) == 0 {
		return nil
	}
	out := make([]FileAttachment, 0, len(fileIDs))
	for _, id := range fileIDs {
		for i := range c.AttachedFiles {
			if c.AttachedFiles[i].FileID == id {
				out = append(out, c.AttachedFiles[i])
				break
			}
		}
	}
	return out
}

// Clone returns a deep copy. The store hands clones to observers so that
// no component outside the store holds a writable reference.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Messages = make([]Message, len(c.Messages))
	copy(cp.Messages, c.Messages)
	for i := range cp.Messages {
		m := &cp.Messages[i]
		if m.ThreadInfo != nil {
			ti := *m.ThreadInfo
			m.ThreadInfo = &ti
		}
		if len(m.Attachments) > 0 {
			att := make([]FileAttachment, len(m.Attachments))
			copy(att, m.Attachments)
			m.Attachments = att
		}
	}
	if len(c.AttachedFiles) > 0 {
		cp.AttachedFiles = make([]FileAttachment, len(c.AttachedFiles))
		copy(cp.AttachedFiles, c.AttachedFiles)
	}
	if c.AdapterInfo != nil {
		ai := *c.AdapterInfo
		if len(ai.Capabilities) > 0 {
			caps := make([]string, len(ai.Capabilities))
			copy(caps, ai.Capabilities)
			ai.Capabilities = caps
		}
		cp.AdapterInfo = &ai
	}
	if c.AudioSettings != nil {
		as := *c.AudioSettings
		cp.AudioSettings = &as
	}
	return &cp
}
