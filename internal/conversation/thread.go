// ABOUTME: Thread lifecycle: creating reply chains rooted at an assistant message
// ABOUTME: Thread identity lives only on the root; replies reference it by threadId

package conversation

import (
	"context"
	"time"

	"github.com/schmitech/orbit-chat/internal/model"
)

// CreateThread starts a reply chain rooted at the given message of the
// current conversation. The server assigns the thread a dedicated session;
// the returned identity is attached to the root message only. A message
// already carrying a thread keeps it, second creation is refused.
//
// The server is addressed by the message's database identity when known,
// falling back to the client ID for messages the backend echoed back
// without one.
func (s *Store) CreateThread(ctx context.Context, messageID string) (*model.ThreadInfo, error) {
	s.mu.Lock()
	conv := s.findLocked(s.currentID)
	if conv == nil {
		s.mu.Unlock()
		return nil, ErrConversationNotFound
	}
	idx := conv.FindMessage(messageID)
	if idx < 0 {
		s.mu.Unlock()
		return nil, ErrMessageNotFound
	}
	msg := &conv.Messages[idx]
	if msg.ThreadInfo != nil {
		s.mu.Unlock()
		return nil, ErrThreadExists
	}
	if msg.IsStreaming {
		s.mu.Unlock()
		return nil, ErrMessageNotPersisted
	}

	parentID := msg.DatabaseMessageID
	if parentID == "" {
		parentID = msg.ID
	}
	convID := conv.ID
	apiURL := conv.APIURL
	sessionID := conv.SessionID
	adapterName := conv.AdapterName
	s.mu.Unlock()

	s.rpcMu.Lock()
	s.transport.Configure(apiURL, sessionID, adapterName)
	handle, err := s.transport.CreateThread(ctx, parentID, sessionID)
	s.rpcMu.Unlock()
	if err != nil {
		return nil, err
	}

	info := &model.ThreadInfo{
		ThreadID:        handle.ThreadID,
		ThreadSessionID: handle.ThreadSessionID,
	}

	s.mu.Lock()
	conv = s.findLocked(convID)
	if conv == nil {
		s.mu.Unlock()
		return nil, ErrConversationNotFound
	}
	idx = conv.FindMessage(messageID)
	if idx < 0 {
		s.mu.Unlock()
		return nil, ErrMessageNotFound
	}
	msg = &conv.Messages[idx]
	if msg.ThreadInfo != nil {
		// Raced with another creation; keep the first.
		existing := *msg.ThreadInfo
		s.mu.Unlock()
		return &existing, ErrThreadExists
	}
	msg.ThreadInfo = info
	msg.SupportsThreading = true
	conv.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.logger.Debug("thread created",
		"thread_id", info.ThreadID,
		"parent_message_id", messageID)
	s.notifyMessages(convID)
	s.writer.MarkDirty()

	ti := *info
	return &ti, nil
}

// ThreadMessages returns the reply list for a thread of the current
// conversation, root excluded.
func (s *Store) ThreadMessages(threadID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(s.currentID)
	if conv == nil {
		return nil
	}
	return conv.ThreadMessages(threadID)
}

// TopLevelMessages returns the current conversation's messages with
// thread replies filtered out.
func (s *Store) TopLevelMessages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(s.currentID)
	if conv == nil {
		return nil
	}
	return conv.TopLevelMessages()
}

// findThreadRootLocked returns the message carrying the given thread's
// identity, or nil. Caller holds mu.
func findThreadRootLocked(conv *model.Conversation, threadID string) *model.Message {
	for i := range conv.Messages {
		m := &conv.Messages[i]
		if m.ThreadInfo != nil && m.ThreadInfo.ThreadID == threadID {
			return m
		}
	}
	return nil
}
