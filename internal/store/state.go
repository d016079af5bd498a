// ABOUTME: Serialization of the full conversation set to durable key-value storage
// ABOUTME: Normalizes legacy shapes on load; a reload always terminates in-flight streams

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/schmitech/orbit-chat/internal/model"
)

// Persisted state keys.
const (
	KeyChatState   = "chat-state"
	KeySessionID   = "chatbot-session-id"
	KeyAdapterName = "chat-adapter-name"

	// Legacy keys purged on load.
	legacyKeyAPIKey = "chat-api-key"
	legacyKeyAPIURL = "chat-api-url"
)

// State is the logical schema persisted under KeyChatState.
type State struct {
	Conversations         []*model.Conversation `json:"conversations"`
	CurrentConversationID string                `json:"currentConversationId,omitempty"`
}

// StateStore persists the conversation set through a KV backend.
type StateStore struct {
	kv            KV
	defaultAPIURL string
	logger        *slog.Logger
}

// NewStateStore wraps a KV backend. defaultAPIURL is used to detect a
// stale legacy chat-api-url entry worth purging.
func NewStateStore(kv KV, defaultAPIURL string, logger *slog.Logger) *StateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateStore{
		kv:            kv,
		defaultAPIURL: defaultAPIURL,
		logger:        logger.With("component", "persistence"),
	}
}

// Save serializes the state to the KV backend.
func (s *StateStore) Save(state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling chat state: %w", err)
	}
	if err := s.kv.Set(KeyChatState, string(data)); err != nil {
		return fmt.Errorf("persisting chat state: %w", err)
	}
	return nil
}

// Load reads and normalizes persisted state. A missing key yields an empty
// state, not an error. Deserialization tolerates missing fields and never
// resurrects a message still marked streaming: a page reload always
// terminates any in-flight stream.
func (s *StateStore) Load() (*State, error) {
	s.purgeLegacyKeys()

	raw, err := s.kv.Get(KeyChatState)
	if errors.Is(err, ErrNotFound) {
		return &State{Conversations: []*model.Conversation{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading chat state: %w", err)
	}

	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		s.logger.Warn("discarding undecodable chat state", "error", err)
		return &State{Conversations: []*model.Conversation{}}, nil
	}

	normalize(&state)
	return &state, nil
}

// SaveSessionID persists the active session correlation ID.
func (s *StateStore) SaveSessionID(id string) error {
	return s.kv.Set(KeySessionID, id)
}

// LoadSessionID returns the persisted session ID, or empty if none.
func (s *StateStore) LoadSessionID() string {
	v, err := s.kv.Get(KeySessionID)
	if err != nil {
		return ""
	}
	return v
}

// SaveAdapterName persists the last selected adapter.
func (s *StateStore) SaveAdapterName(name string) error {
	return s.kv.Set(KeyAdapterName, name)
}

// LoadAdapterName returns the persisted adapter name, or empty if none.
func (s *StateStore) LoadAdapterName() string {
	v, err := s.kv.Get(KeyAdapterName)
	if err != nil {
		return ""
	}
	return v
}

// purgeLegacyKeys removes keys written by older clients: the plaintext API
// key, and a stored API URL equal to the default (which only pinned users
// to stale endpoints).
func (s *StateStore) purgeLegacyKeys() {
	if _, err := s.kv.Get(legacyKeyAPIKey); err == nil {
		if err := s.kv.Delete(legacyKeyAPIKey); err == nil {
			s.logger.Info("purged legacy api key entry")
		}
	}
	if v, err := s.kv.Get(legacyKeyAPIURL); err == nil && v == s.defaultAPIURL {
		if err := s.kv.Delete(legacyKeyAPIURL); err == nil {
			s.logger.Info("purged stale legacy api url entry")
		}
	}
}

// normalize repairs loaded state: nil collections become empty, messages
// still marked streaming are finalized, and a dangling current pointer is
// cleared.
func normalize(state *State) {
	if state.Conversations == nil {
		state.Conversations = []*model.Conversation{}
	}

	found := false
	for _, conv := range state.Conversations {
		if conv.Messages == nil {
			conv.Messages = []model.Message{}
		}
		for i := range conv.Messages {
			conv.Messages[i].IsStreaming = false
		}
		if conv.ID == state.CurrentConversationID {
			found = true
		}
	}

	if !found {
		state.CurrentConversationID = ""
	}
}
