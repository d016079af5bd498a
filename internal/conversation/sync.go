// ABOUTME: Startup reconciliation of local conversations against server history
// ABOUTME: Merge rule is server identity first, then position by role

package conversation

import (
	"context"

	"github.com/schmitech/orbit-chat/internal/model"
	"github.com/schmitech/orbit-chat/internal/transport"
)

const historyFetchLimit = 200

// SyncWithBackend reconciles every adapter-bound conversation against the
// server's history, one pass. Server-confirmed content, timestamps and
// message identities are adopted; client-only fields survive. Fetch
// failures are logged per conversation and never abort the pass. Only
// conversations whose merged result actually differs are rewritten, so an
// already-consistent store produces no persistence write and no
// notification.
func (s *Store) SyncWithBackend(ctx context.Context) {
	s.mu.Lock()
	type target struct {
		id          string
		apiURL      string
		sessionID   string
		adapterName string
	}
	targets := make([]target, 0, len(s.conversations))
	for _, c := range s.conversations {
		if c.AdapterName != "" && !c.IsEmpty() {
			targets = append(targets, target{c.ID, c.APIURL, c.SessionID, c.AdapterName})
		}
	}
	s.mu.Unlock()

	changedAny := false
	for _, t := range targets {
		s.rpcMu.Lock()
		s.transport.Configure(t.apiURL, t.sessionID, t.adapterName)
		history, err := s.transport.GetConversationHistory(ctx, t.sessionID, historyFetchLimit)
		s.rpcMu.Unlock()
		if err != nil {
			s.logger.Warn("history sync failed",
				"conversation_id", t.id,
				"error", err)
			continue
		}
		if len(history) == 0 {
			continue
		}

		s.mu.Lock()
		conv := s.findLocked(t.id)
		if conv == nil || (s.loading && s.streamConvID == t.id) {
			s.mu.Unlock()
			continue
		}
		merged, changed := mergeHistory(conv.Messages, history)
		if changed {
			conv.Messages = merged
			changedAny = true
		}
		s.mu.Unlock()

		if changed {
			s.notifyMessages(t.id)
		}
	}

	if changedAny {
		s.writer.MarkDirty()
	}
	s.logger.Debug("backend sync complete", "conversations", len(targets))
}

// mergeHistory folds server history into the local message list. Each
// history entry is matched to a local message by database identity first,
// then to the first unclaimed local message of the same role in order.
// Matched messages adopt the server's content, timestamp and identity;
// everything else about them is kept. History entries with no local
// counterpart are ignored, as are local-only messages.
func mergeHistory(local []model.Message, history []transport.HistoryMessage) ([]model.Message, bool) {
	merged := make([]model.Message, len(local))
	copy(merged, local)

	claimed := make([]bool, len(merged))
	changed := false

	match := func(h *transport.HistoryMessage) int {
		if h.MessageID != "" {
			for i := range merged {
				if !claimed[i] && merged[i].DatabaseMessageID == h.MessageID {
					return i
				}
			}
		}
		for i := range merged {
			if !claimed[i] && merged[i].Role == h.Role && merged[i].DatabaseMessageID == "" && !merged[i].IsStreaming {
				return i
			}
		}
		return -1
	}

	for hi := range history {
		h := &history[hi]
		i := match(h)
		if i < 0 {
			continue
		}
		claimed[i] = true

		m := &merged[i]
		if h.MessageID != "" && m.DatabaseMessageID != h.MessageID {
			m.DatabaseMessageID = h.MessageID
			changed = true
		}
		if h.Content != "" && m.Content != h.Content {
			m.Content = h.Content
			changed = true
		}
		if !h.Timestamp.IsZero() && !m.Timestamp.Equal(h.Timestamp) {
			m.Timestamp = h.Timestamp
			changed = true
		}
	}

	return merged, changed
}
