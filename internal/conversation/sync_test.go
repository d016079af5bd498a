// ABOUTME: Tests for startup reconciliation against server history
// ABOUTME: Exercises identity-first then positional matching and no-op suppression

package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schmitech/orbit-chat/internal/model"
	"github.com/schmitech/orbit-chat/internal/transport"
)

func TestMergeHistoryByServerIdentity(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local := []model.Message{
		{ID: "c1", Role: model.RoleUser, Content: "hi", DatabaseMessageID: "db-1"},
		{ID: "c2", Role: model.RoleAssistant, Content: "draft", DatabaseMessageID: "db-2"},
	}
	history := []transport.HistoryMessage{
		{MessageID: "db-2", Role: model.RoleAssistant, Content: "final", Timestamp: ts},
	}

	merged, changed := mergeHistory(local, history)
	require.True(t, changed)
	assert.Equal(t, "hi", merged[0].Content)
	assert.Equal(t, "final", merged[1].Content)
	assert.Equal(t, ts, merged[1].Timestamp)
	assert.Equal(t, "c2", merged[1].ID, "client identity is permanent")
}

func TestMergeHistoryPositionalByRole(t *testing.T) {
	local := []model.Message{
		{ID: "c1", Role: model.RoleUser, Content: "hi"},
		{ID: "c2", Role: model.RoleAssistant, Content: "hello"},
	}
	history := []transport.HistoryMessage{
		{MessageID: "db-1", Role: model.RoleUser, Content: "hi"},
		{MessageID: "db-2", Role: model.RoleAssistant, Content: "hello"},
	}

	merged, changed := mergeHistory(local, history)
	require.True(t, changed)
	assert.Equal(t, "db-1", merged[0].DatabaseMessageID)
	assert.Equal(t, "db-2", merged[1].DatabaseMessageID)
}

func TestMergeHistoryNoOp(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local := []model.Message{
		{ID: "c1", Role: model.RoleUser, Content: "hi", DatabaseMessageID: "db-1", Timestamp: ts},
	}
	history := []transport.HistoryMessage{
		{MessageID: "db-1", Role: model.RoleUser, Content: "hi", Timestamp: ts},
	}

	_, changed := mergeHistory(local, history)
	assert.False(t, changed)
}

func TestMergeHistorySkipsStreaming(t *testing.T) {
	local := []model.Message{
		{ID: "c1", Role: model.RoleAssistant, IsStreaming: true},
	}
	history := []transport.HistoryMessage{
		{MessageID: "db-1", Role: model.RoleAssistant, Content: "done"},
	}

	merged, changed := mergeHistory(local, history)
	assert.False(t, changed)
	assert.Empty(t, merged[0].Content)
}

func TestMergeHistoryExtraServerEntriesIgnored(t *testing.T) {
	local := []model.Message{
		{ID: "c1", Role: model.RoleUser, Content: "hi"},
	}
	history := []transport.HistoryMessage{
		{MessageID: "db-1", Role: model.RoleUser, Content: "hi"},
		{MessageID: "db-2", Role: model.RoleAssistant, Content: "orphan"},
	}

	merged, _ := mergeHistory(local, history)
	require.Len(t, merged, 1)
}

func TestSyncWithBackendAdoptsHistory(t *testing.T) {
	tr := newFakeTransport()
	tr.chunks = []transport.StreamChunk{{Text: "local draft"}, {Done: true}}
	s := newTestStore(t, tr, Options{})
	withAdapter(t, s)
	require.NoError(t, s.SendMessage(context.Background(), "hi", nil, ""))

	sessionID := s.CurrentConversation().SessionID
	tr.mu.Lock()
	tr.history[sessionID] = []transport.HistoryMessage{
		{MessageID: "db-1", Role: model.RoleUser, Content: "hi"},
		{MessageID: "db-2", Role: model.RoleAssistant, Content: "server text"},
	}
	tr.mu.Unlock()

	s.SyncWithBackend(context.Background())

	conv := s.CurrentConversation()
	assert.Equal(t, "db-1", conv.Messages[0].DatabaseMessageID)
	assert.Equal(t, "db-2", conv.Messages[1].DatabaseMessageID)
	assert.Equal(t, "server text", conv.Messages[1].Content)
}

func TestSyncWithBackendToleratesFetchFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.chunks = []transport.StreamChunk{{Text: "hi"}, {Done: true}}
	s := newTestStore(t, tr, Options{})
	withAdapter(t, s)
	require.NoError(t, s.SendMessage(context.Background(), "hello", nil, ""))

	tr.mu.Lock()
	tr.historyErr = assert.AnError
	tr.mu.Unlock()

	s.SyncWithBackend(context.Background())
	assert.Equal(t, "hi", s.CurrentConversation().Messages[1].Content)
}
