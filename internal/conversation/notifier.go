// ABOUTME: In-memory fan-out of conversation change notifications to view subscribers
// ABOUTME: Lets a view re-render on buffer flushes and lifecycle transitions without polling

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// UpdateKind classifies a change notification.
type UpdateKind int

const (
	// UpdateMessages means message content of a conversation changed
	// (buffer flush, finalization, sync merge).
	UpdateMessages UpdateKind = iota
	// UpdateConversations means the conversation collection or the
	// current pointer changed.
	UpdateConversations
)

// Update is one change notification.
type Update struct {
	Kind           UpdateKind
	ConversationID string
}

// Notifier provides in-memory pub/sub for store updates. Subscribers
// receive batched change notifications as the store mutates state; a slow
// subscriber drops updates rather than blocking the store.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]chan Update
	logger      *slog.Logger
}

// NewNotifier creates a Notifier. Pass nil logger for default.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subscribers: make(map[string]chan Update),
		logger:      logger.With("component", "notifier"),
	}
}

// Subscribe registers a subscriber. The subscription is automatically
// cleaned up when ctx is cancelled.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan Update, string) {
	subID := uuid.New().String()
	ch := make(chan Update, subscriberBufferSize)

	n.mu.Lock()
	n.subscribers[subID] = ch
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends an update to all subscribers. Non-blocking: updates are
// dropped for subscribers whose channels are full.
func (n *Notifier) Publish(update Update) {
	n.mu.RLock()
	targets := make([]chan Update, 0, len(n.subscribers))
	for _, ch := range n.subscribers {
		targets = append(targets, ch)
	}
	n.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- update:
		default:
			n.logger.Debug("dropped update for slow subscriber",
				"conversation_id", update.ConversationID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch, ok := n.subscribers[subID]
	if !ok {
		return
	}
	delete(n.subscribers, subID)
	close(ch)
}

// Close shuts down the notifier and closes all subscriber channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for subID, ch := range n.subscribers {
		close(ch)
		delete(n.subscribers, subID)
	}
}
