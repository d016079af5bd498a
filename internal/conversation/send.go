// ABOUTME: The sendMessage state machine: streaming ingestion, regeneration and cancellation
// ABOUTME: Exactly one assistant message may be accumulating at any time, store-wide

package conversation

import (
	"context"
	"time"

	"github.com/schmitech/orbit-chat/internal/limits"
	"github.com/schmitech/orbit-chat/internal/model"
	"github.com/schmitech/orbit-chat/internal/transport"
)

// SendMessage appends a user message and a streaming assistant
// placeholder atomically, then drives the stream to completion. A call
// while another stream is in flight is rejected silently: the duplicate
// submit is dropped with a logged warning, never double-sent. Quota and
// adapter validation errors return before any state is mutated.
//
// threadID, when given, addresses an existing thread root; the send runs
// against the thread's dedicated session and both new messages join the
// thread.
func (s *Store) SendMessage(ctx context.Context, content string, fileIDs []string, threadID string) error {
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		s.logger.Warn("send rejected: a stream is already in flight")
		return nil
	}

	conv := s.findLocked(s.currentID)
	if conv == nil {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	if conv.AdapterName == "" {
		s.mu.Unlock()
		return ErrNoAdapter
	}

	sessionID := conv.SessionID
	var rootID string
	if threadID != "" {
		root := findThreadRootLocked(conv, threadID)
		if root == nil || root.ThreadInfo.ThreadSessionID == "" {
			s.mu.Unlock()
			return ErrThreadNotFound
		}
		sessionID = root.ThreadInfo.ThreadSessionID
		rootID = root.ID
	}

	if d := s.ceilings.CheckNewMessage(s.limitSnapshotLocked(conv, threadID), threadID != ""); d.Verdict != limits.Allow {
		s.mu.Unlock()
		return &LimitError{Message: d.Message, LoginRequired: d.Verdict == limits.DenyWithLogin}
	}

	userMsg := model.NewUserMessage(content, conv.FilesByID(fileIDs))
	placeholder := model.NewAssistantPlaceholder()
	if threadID != "" {
		userMsg.IsThreadMessage = true
		userMsg.ThreadID = threadID
		userMsg.ParentMessageID = rootID
		placeholder.IsThreadMessage = true
		placeholder.ThreadID = threadID
		placeholder.ParentMessageID = rootID
	}

	next := make([]model.Message, 0, len(conv.Messages)+2)
	next = append(next, conv.Messages...)
	next = append(next, userMsg, placeholder)
	conv.Messages = next
	if conv.Title == "" || conv.Title == "New Conversation" {
		conv.Title = deriveTitle(content)
	}
	now := time.Now()
	conv.UpdatedAt = now

	s.loading = true
	s.streamConvID = conv.ID
	s.streamGen++
	gen := s.streamGen
	s.buffer.Reset(conv.ID)

	convID := conv.ID
	apiURL := conv.APIURL
	adapterName := conv.AdapterName
	req := transport.StreamRequest{
		Content:  content,
		FileIDs:  fileIDs,
		ThreadID: threadID,
	}
	if conv.AudioSettings != nil {
		req.ReturnAudio = conv.AudioSettings.ReturnAudio
		req.TTSVoice = conv.AudioSettings.TTSVoice
		req.Language = conv.AudioSettings.Language
	}
	s.mu.Unlock()

	s.notifyMessages(convID)
	s.writer.MarkDirty()

	streamCtx, token := s.aborter.Begin(ctx, sessionID)
	s.rpcMu.Lock()
	s.transport.Configure(apiURL, sessionID, adapterName)
	ch, err := s.transport.StreamChat(streamCtx, req)
	s.rpcMu.Unlock()
	s.runStream(streamCtx, gen, token, convID, placeholder.ID, ch, err)
	return nil
}

// RegenerateResponse discards an assistant message, creates a fresh
// streaming placeholder at the same position, and re-runs the stream for
// the user message immediately preceding it. The original attachments are
// preserved; any thread context is not.
func (s *Store) RegenerateResponse(ctx context.Context, messageID string) error {
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		s.logger.Warn("regenerate rejected: a stream is already in flight")
		return nil
	}

	conv := s.findLocked(s.currentID)
	if conv == nil {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	if conv.AdapterName == "" {
		s.mu.Unlock()
		return ErrNoAdapter
	}

	idx := conv.FindMessage(messageID)
	if idx < 0 || conv.Messages[idx].Role != model.RoleAssistant {
		s.mu.Unlock()
		return ErrMessageNotFound
	}

	var userMsg *model.Message
	for i := idx - 1; i >= 0; i-- {
		if conv.Messages[i].Role == model.RoleUser {
			userMsg = &conv.Messages[i]
			break
		}
	}
	if userMsg == nil {
		s.mu.Unlock()
		return ErrMessageNotFound
	}

	content := userMsg.Content
	fileIDs := make([]string, 0, len(userMsg.Attachments))
	for _, f := range userMsg.Attachments {
		fileIDs = append(fileIDs, f.FileID)
	}

	placeholder := model.NewAssistantPlaceholder()
	next := make([]model.Message, len(conv.Messages))
	copy(next, conv.Messages)
	next[idx] = placeholder
	conv.Messages = next
	conv.UpdatedAt = time.Now()

	s.loading = true
	s.streamConvID = conv.ID
	s.streamGen++
	gen := s.streamGen
	s.buffer.Reset(conv.ID)

	convID := conv.ID
	apiURL := conv.APIURL
	sessionID := conv.SessionID
	adapterName := conv.AdapterName
	req := transport.StreamRequest{Content: content, FileIDs: fileIDs}
	if conv.AudioSettings != nil {
		req.ReturnAudio = conv.AudioSettings.ReturnAudio
		req.TTSVoice = conv.AudioSettings.TTSVoice
		req.Language = conv.AudioSettings.Language
	}
	s.mu.Unlock()

	s.notifyMessages(convID)
	s.writer.MarkDirty()

	streamCtx, token := s.aborter.Begin(ctx, sessionID)
	s.rpcMu.Lock()
	s.transport.Configure(apiURL, sessionID, adapterName)
	ch, err := s.transport.StreamChat(streamCtx, req)
	s.rpcMu.Unlock()
	s.runStream(streamCtx, gen, token, convID, placeholder.ID, ch, err)
	return nil
}

// runStream consumes one chat stream: text chunks route through the
// buffer, the first request_id is captured for cancellation, and the done
// chunk carries optional threading capability info. Every exit path
// flushes (or discards, on abort) the buffered remainder, finalizes the
// placeholder and clears the abort coordinator. gen and token identify
// this stream's ownership of the gate and the coordinator: a teardown
// unwinding after the next stream has begun leaves both alone.
func (s *Store) runStream(ctx context.Context, gen, token uint64, convID, placeholderID string, ch <-chan transport.StreamChunk, openErr error) {
	var streamErr error
	var threading *transport.ThreadingInfo
	var audio string

	if openErr != nil {
		streamErr = openErr
	} else {
		for chunk := range ch {
			if chunk.Err != nil {
				streamErr = chunk.Err
				break
			}
			if chunk.RequestID != "" {
				s.aborter.CaptureRequestID(token, chunk.RequestID)
			}
			// Applied only while the placeholder is still streaming; a
			// chunk racing teardown after an abort is dropped by the
			// flush guard.
			if chunk.Text != "" {
				s.buffer.Append(convID, chunk.Text)
			}
			if chunk.AudioChunk != "" {
				audio += chunk.AudioChunk
			} else if chunk.Audio != "" {
				audio = chunk.Audio
			}
			if chunk.Done {
				threading = chunk.Threading
				break
			}
		}
	}

	aborted := ctx.Err() != nil || isAbort(streamErr)

	s.mu.Lock()
	stale := s.streamGen != gen
	if !stale && aborted {
		// Discard takes only the buffer's own lock; a stale teardown
		// must not drop a successor stream's pending text.
		s.buffer.Discard(convID)
	}
	s.mu.Unlock()
	if !stale && !aborted {
		s.buffer.Flush(convID)
	}

	s.finalize(gen, convID, placeholderID, streamErr, aborted, threading, audio)
	s.aborter.Clear(token)
	s.writer.MarkDirty()
}

// finalize moves the placeholder out of the streaming state. Abort leaves
// accumulated content as-is; other failures replace it with a user-facing
// error string; an empty successful response gets the fallback text. Only
// the stream still owning the generation clears the loading gate.
func (s *Store) finalize(gen uint64, convID, placeholderID string, streamErr error, aborted bool, threading *transport.ThreadingInfo, audio string) {
	s.mu.Lock()
	stale := s.streamGen != gen
	conv := s.findLocked(convID)
	if conv == nil {
		if !stale {
			s.loading = false
			s.streamConvID = ""
		}
		s.mu.Unlock()
		return
	}

	if idx := conv.FindMessage(placeholderID); idx >= 0 {
		m := &conv.Messages[idx]
		if m.IsStreaming {
			m.IsStreaming = false
			switch {
			case aborted:
				// User cancelled: no error text, content stays as received.
			case streamErr != nil:
				m.Content = userFacingError(streamErr)
			case m.Content == "":
				m.Content = "No response received. Please try again."
			}
		}
		if threading != nil {
			m.SupportsThreading = threading.SupportsThreading
			if threading.MessageID != "" {
				m.DatabaseMessageID = threading.MessageID
			}
		}
		if audio != "" {
			m.Audio = audio
		}
	}
	conv.UpdatedAt = time.Now()

	if !stale {
		s.loading = false
		s.streamConvID = ""
	}
	s.mu.Unlock()

	if streamErr != nil && !aborted {
		s.logger.Warn("stream failed",
			"conversation_id", convID,
			"error", streamErr)
	}
	s.notifyMessages(convID)
}

// applyBufferedText is the buffer's flusher: it appends batched text to
// the last streaming assistant message of the conversation. If that
// message has already been finalized or replaced, the flush is discarded.
func (s *Store) applyBufferedText(convID, text string) {
	s.mu.Lock()
	conv := s.findLocked(convID)
	if conv == nil {
		s.mu.Unlock()
		return
	}
	idx := conv.LastStreamingAssistant()
	if idx < 0 {
		s.mu.Unlock()
		s.logger.Debug("discarded flush for finalized message", "conversation_id", convID)
		return
	}
	conv.Messages[idx].Content += text
	conv.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.notifyMessages(convID)
	s.writer.MarkDirty()
}

// StopStreaming cancels the in-flight stream. No-op when not loading.
// Local cancellation is immediate; server-side cancellation is attempted
// best-effort with the captured request ID and never blocks. Every
// streaming message in the current conversation is finalized and the
// loading gate is cleared unconditionally.
func (s *Store) StopStreaming() {
	s.mu.Lock()
	if !s.loading {
		s.mu.Unlock()
		return
	}
	streamConvID := s.streamConvID
	currentID := s.currentID
	s.mu.Unlock()

	s.buffer.Discard(streamConvID)
	requestID, sessionID, ok := s.aborter.Cancel()

	s.mu.Lock()
	if cur := s.findLocked(currentID); cur != nil {
		for i := range cur.Messages {
			cur.Messages[i].IsStreaming = false
		}
		cur.UpdatedAt = time.Now()
	}
	s.loading = false
	s.streamConvID = ""
	s.mu.Unlock()

	if ok && requestID != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), remoteCleanupTimeout)
			defer cancel()
			s.rpcMu.Lock()
			defer s.rpcMu.Unlock()
			if _, err := s.transport.StopChat(ctx, sessionID, requestID); err != nil {
				s.logger.Warn("remote stop failed",
					"session_id", sessionID,
					"request_id", requestID,
					"error", err)
			}
		}()
	}

	s.logger.Debug("streaming stopped", "conversation_id", streamConvID)
	s.notifyMessages(currentID)
	s.writer.MarkDirty()
}

// deriveTitle produces the conversation title from the first user message.
func deriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) > titleLimit {
		return string(runes[:titleLimit]) + "…"
	}
	return content
}
