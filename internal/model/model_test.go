// ABOUTME: Tests for the conversation domain types and their helpers
// ABOUTME: Clone independence and thread filtering are the load-bearing cases

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConversationDefaults(t *testing.T) {
	c := NewConversation("http://api.test")

	assert.NotEmpty(t, c.ID)
	assert.NotEmpty(t, c.SessionID)
	assert.NotEqual(t, c.ID, c.SessionID)
	assert.Equal(t, "New Conversation", c.Title)
	assert.Equal(t, "http://api.test", c.APIURL)
	assert.True(t, c.IsEmpty())
}

func TestNonStreamingCountExcludesPlaceholders(t *testing.T) {
	c := NewConversation("")
	c.Messages = []Message{
		NewUserMessage("hi", nil),
		NewAssistantPlaceholder(),
	}

	assert.Equal(t, 1, c.NonStreamingCount())
	assert.True(t, c.HasStreamingMessage())
}

func TestThreadFiltering(t *testing.T) {
	c := NewConversation("")
	root := NewUserMessage("root question", nil)
	asst := Message{ID: "a1", Role: RoleAssistant, Content: "answer",
		ThreadInfo: &ThreadInfo{ThreadID: "th-1", ThreadSessionID: "ts-1"}}
	reply := Message{ID: "r1", Role: RoleUser, Content: "in thread",
		IsThreadMessage: true, ThreadID: "th-1", ParentMessageID: "a1"}
	c.Messages = []Message{root, asst, reply}

	top := c.TopLevelMessages()
	require.Len(t, top, 2)
	assert.Equal(t, root.ID, top[0].ID)
	assert.Equal(t, "a1", top[1].ID)

	replies := c.ThreadMessages("th-1")
	require.Len(t, replies, 1)
	assert.Equal(t, "r1", replies[0].ID)
}

func TestThreadMessageCount(t *testing.T) {
	c := NewConversation("")
	c.Messages = []Message{
		{ID: "a1", Role: RoleAssistant, ThreadInfo: &ThreadInfo{ThreadID: "th-1"}},
		{ID: "r1", Role: RoleUser, IsThreadMessage: true, ThreadID: "th-1"},
		{ID: "r2", Role: RoleAssistant, IsThreadMessage: true, ThreadID: "th-1", IsStreaming: true},
	}

	// The streaming reply does not count.
	assert.Equal(t, 2, c.ThreadMessageCount("th-1"))
}

func TestLastStreamingAssistant(t *testing.T) {
	c := NewConversation("")
	assert.Equal(t, -1, c.LastStreamingAssistant())

	c.Messages = []Message{
		NewUserMessage("hi", nil),
		NewAssistantPlaceholder(),
	}
	assert.Equal(t, 1, c.LastStreamingAssistant())

	c.Messages[1].IsStreaming = false
	assert.Equal(t, -1, c.LastStreamingAssistant())
}

func TestFilesByID(t *testing.T) {
	c := NewConversation("")
	c.AttachedFiles = []FileAttachment{
		{FileID: "f1", Filename: "a.txt"},
		{FileID: "f2", Filename: "b.txt"},
	}

	files := c.FilesByID([]string{"f2", "missing", "f1"})
	require.Len(t, files, 2)
	assert.Equal(t, "f2", files[0].FileID)
	assert.Equal(t, "f1", files[1].FileID)

	assert.Nil(t, c.FilesByID(nil))
}

func TestCloneIsDeep(t *testing.T) {
	c := NewConversation("http://api.test")
	c.Messages = []Message{
		{ID: "m1", Role: RoleAssistant, Content: "hi",
			ThreadInfo:  &ThreadInfo{ThreadID: "th-1"},
			Attachments: []FileAttachment{{FileID: "f1"}}},
	}
	c.AttachedFiles = []FileAttachment{{FileID: "f1"}}
	c.AdapterInfo = &AdapterInfo{Name: "a", Capabilities: []string{"chat"}}
	c.AudioSettings = &AudioSettings{ReturnAudio: true}

	clone := c.Clone()
	clone.Messages[0].Content = "changed"
	clone.Messages[0].ThreadInfo.ThreadID = "changed"
	clone.Messages[0].Attachments[0].FileID = "changed"
	clone.AttachedFiles[0].FileID = "changed"
	clone.AdapterInfo.Capabilities[0] = "changed"
	clone.AudioSettings.ReturnAudio = false

	assert.Equal(t, "hi", c.Messages[0].Content)
	assert.Equal(t, "th-1", c.Messages[0].ThreadInfo.ThreadID)
	assert.Equal(t, "f1", c.Messages[0].Attachments[0].FileID)
	assert.Equal(t, "f1", c.AttachedFiles[0].FileID)
	assert.Equal(t, "chat", c.AdapterInfo.Capabilities[0])
	assert.True(t, c.AudioSettings.ReturnAudio)
}

func TestHasFile(t *testing.T) {
	c := NewConversation("")
	c.AttachedFiles = []FileAttachment{{FileID: "f1"}}

	assert.True(t, c.HasFile("f1"))
	assert.False(t, c.HasFile("f2"))
}
