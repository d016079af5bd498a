// ABOUTME: Error taxonomy for conversation store operations
// ABOUTME: Validation errors are synchronous and recoverable; stream failures surface as message text

package conversation

import (
	"context"
	"errors"
	"strings"
)

// Validation sentinels. All are raised before any network call and never
// leave partial state.
var (
	// ErrConversationNotFound is returned when an operation addresses an
	// unknown conversation ID.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrMessageNotFound is returned when an operation addresses an
	// unknown message ID.
	ErrMessageNotFound = errors.New("message not found")

	// ErrConversationInProgress is returned by CreateConversation when the
	// current conversation is still empty; finish or delete it first.
	ErrConversationInProgress = errors.New("current conversation is empty, finish or delete it first")

	// ErrNoAdapter is returned when a send is attempted before an adapter
	// has been selected for the conversation.
	ErrNoAdapter = errors.New("no adapter configured for this conversation")

	// ErrThreadNotFound is returned when a thread send addresses a thread
	// whose root or session metadata cannot be resolved.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrThreadExists is returned by CreateThread for a message that
	// already roots a thread.
	ErrThreadExists = errors.New("message already has a thread")

	// ErrMessageNotPersisted is returned by CreateThread when the target
	// message has no server-acknowledged persistence yet.
	ErrMessageNotPersisted = errors.New("message is not yet persisted server-side")
)

// LimitError reports a quota ceiling denial. LoginRequired is set when the
// caller is an unauthenticated guest and signing in would lift the ceiling;
// the view layer opens a login prompt in that case.
type LimitError struct {
	Message       string
	LoginRequired bool
}

func (e *LimitError) Error() string { return e.Message }

// genericStreamError is appended to the assistant message when a stream
// fails without a usable server-supplied message.
const genericStreamError = "I'm sorry, something went wrong while generating a response. Please try again."

const serverErrorMarker = "Server error: "

// userFacingError maps a stream failure to the text shown in place of the
// assistant response, preferring a structured server-supplied message.
func userFacingError(err error) string {
	if err == nil {
		return genericStreamError
	}
	msg := err.Error()
	if i := strings.Index(msg, serverErrorMarker); i >= 0 {
		return serverErrorMarker + msg[i+len(serverErrorMarker):]
	}
	return genericStreamError
}

// isAbort reports whether a stream failure was user-initiated cancellation,
// which suppresses both the fallback and the generic error message.
func isAbort(err error) bool {
	return errors.Is(err, context.Canceled)
}

// isRateLimited detects a 429-shaped error worth backing off from.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "rate limit")
}
