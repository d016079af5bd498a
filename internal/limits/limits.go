// ABOUTME: Pure quota evaluation for conversations, messages, threads and files
// ABOUTME: Distinguishes guest ceilings (login-prompt-worthy) from authenticated ceilings

package limits

import "fmt"

// Ceilings configures the quota dimensions. A nil field means unlimited.
// Guest fields apply only to unauthenticated callers; when a guest field is
// nil the corresponding general field applies to guests too.
type Ceilings struct {
	Conversations           *int `yaml:"conversations"`
	GuestConversations      *int `yaml:"guest_conversations"`
	MessagesPerConversation *int `yaml:"messages_per_conversation"`
	MessagesPerThread       *int `yaml:"messages_per_thread"`
	WorkspaceMessages       *int `yaml:"workspace_messages"`
	FilesPerConversation    *int `yaml:"files_per_conversation"`
	TotalFiles              *int `yaml:"total_files"`
}

// Snapshot is the read-only view of store state the enforcer evaluates.
// Counts include finalized messages only; an in-flight streaming placeholder
// never counts toward a ceiling until finalized.
type Snapshot struct {
	Conversations        int
	ConversationMessages int
	ThreadMessages       int
	WorkspaceMessages    int
	ConversationFiles    int
	TotalFiles           int
	Authenticated        bool
	AuthConfigured       bool
}

// Verdict is the outcome kind of a quota check.
type Verdict int

const (
	// Allow means the operation may proceed.
	Allow Verdict = iota
	// Deny means the ceiling is reached; Message explains which.
	Deny
	// DenyWithLogin means an unauthenticated caller hit a guest-tier
	// ceiling that signing in would lift.
	DenyWithLogin
)

// Decision is the result of a quota check.
type Decision struct {
	Verdict Verdict
	Message string
}

func allow() Decision { return Decision{Verdict: Allow} }

func deny(format string, args ...any) Decision {
	return Decision{Verdict: Deny, Message: fmt.Sprintf(format, args...)}
}

func denyLogin(format string, args ...any) Decision {
	return Decision{Verdict: DenyWithLogin, Message: fmt.Sprintf(format, args...)}
}

// loginWorthy reports whether a denial should prompt login instead: the
// caller is unauthenticated and authentication is configured at all.
// Already-authenticated users at the same ceiling get a plain denial.
func loginWorthy(s Snapshot) bool {
	return s.AuthConfigured && !s.Authenticated
}

// CheckNewConversation evaluates whether a new conversation may be created.
func (c Ceilings) CheckNewConversation(s Snapshot) Decision {
	if !s.Authenticated && c.GuestConversations != nil {
		if s.Conversations >= *c.GuestConversations {
			if loginWorthy(s) {
				return denyLogin("You have reached the limit of %d conversations. Sign in to create more.", *c.GuestConversations)
			}
			return deny("Conversation limit of %d reached.", *c.GuestConversations)
		}
		return allow()
	}
	if c.Conversations != nil && s.Conversations >= *c.Conversations {
		if loginWorthy(s) {
			return denyLogin("You have reached the limit of %d conversations. Sign in to create more.", *c.Conversations)
		}
		return deny("Conversation limit of %d reached.", *c.Conversations)
	}
	return allow()
}

// CheckNewMessage evaluates the per-conversation, per-workspace and (when
// threadID addressing is in play) per-thread message ceilings for one
// prospective user message.
func (c Ceilings) CheckNewMessage(s Snapshot, inThread bool) Decision {
	if c.MessagesPerConversation != nil && s.ConversationMessages >= *c.MessagesPerConversation {
		if loginWorthy(s) {
			return denyLogin("This conversation has reached its limit of %d messages. Sign in to continue.", *c.MessagesPerConversation)
		}
		return deny("This conversation has reached its limit of %d messages.", *c.MessagesPerConversation)
	}
	if inThread && c.MessagesPerThread != nil && s.ThreadMessages >= *c.MessagesPerThread {
		return deny("This thread has reached its limit of %d messages.", *c.MessagesPerThread)
	}
	if c.WorkspaceMessages != nil && s.WorkspaceMessages >= *c.WorkspaceMessages {
		if loginWorthy(s) {
			return denyLogin("You have reached the limit of %d total messages. Sign in to continue.", *c.WorkspaceMessages)
		}
		return deny("Total message limit of %d reached.", *c.WorkspaceMessages)
	}
	return allow()
}

// CheckNewFile evaluates the per-conversation and total file ceilings for
// one prospective attachment.
func (c Ceilings) CheckNewFile(s Snapshot) Decision {
	if c.FilesPerConversation != nil && s.ConversationFiles >= *c.FilesPerConversation {
		return deny("This conversation has reached its limit of %d files.", *c.FilesPerConversation)
	}
	if c.TotalFiles != nil && s.TotalFiles >= *c.TotalFiles {
		if loginWorthy(s) {
			return denyLogin("You have reached the limit of %d files. Sign in to upload more.", *c.TotalFiles)
		}
		return deny("Total file limit of %d reached.", *c.TotalFiles)
	}
	return allow()
}
