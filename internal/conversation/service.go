// ABOUTME: ConversationStore is the orchestrator owning all conversation state
// ABOUTME: Composes buffer, abort coordinator, limits, persistence and the transport capability

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/schmitech/orbit-chat/internal/abort"
	"github.com/schmitech/orbit-chat/internal/limits"
	"github.com/schmitech/orbit-chat/internal/model"
	"github.com/schmitech/orbit-chat/internal/store"
	"github.com/schmitech/orbit-chat/internal/streambuf"
	"github.com/schmitech/orbit-chat/internal/transport"
)

const (
	// remoteCleanupTimeout bounds best-effort server-side deletion and
	// cancellation so they never block local state.
	remoteCleanupTimeout = 5 * time.Second

	// defaultAdapterCooldown is the fixed backoff after a rate-limited
	// adapter info fetch.
	defaultAdapterCooldown = 30 * time.Second

	// titleLimit truncates the conversation title derived from the first
	// user message.
	titleLimit = 50
)

// Options configures a Store.
type Options struct {
	// APIURL is the default inference endpoint for new conversations.
	APIURL string

	// Ceilings configures quota enforcement. Zero value means unlimited.
	Ceilings limits.Ceilings

	// Authenticated reports whether the caller is signed in;
	// AuthConfigured whether sign-in exists at all. Together they decide
	// whether a quota denial is login-prompt-worthy.
	Authenticated  bool
	AuthConfigured bool

	// FlushInterval and MaxMessageLen tune the streaming buffer; zero
	// values use the buffer defaults.
	FlushInterval time.Duration
	MaxMessageLen int

	// WriteDelay and MaxWriteDelay tune debounced persistence; zero
	// values use the writer defaults.
	WriteDelay    time.Duration
	MaxWriteDelay time.Duration

	// AdapterCooldown overrides the backoff after a rate-limited adapter
	// info fetch.
	AdapterCooldown time.Duration

	Logger *slog.Logger
}

// Store owns the conversation collection exclusively; every other
// component receives read snapshots. All mutations replace state under one
// lock, so observers between operations always see a consistent whole.
type Store struct {
	mu            sync.Mutex
	conversations []*model.Conversation
	currentID     string

	// loading is the single-stream gate: true while exactly one stream is
	// in flight anywhere in the store. streamConvID identifies its owner,
	// which may differ from the current conversation if the user
	// navigated away mid-generation. streamGen increments with every
	// stream start; a teardown holding an older generation is stale and
	// must not touch the gate or the buffer.
	loading      bool
	streamConvID string
	streamGen    uint64

	adapterBackoffUntil time.Time

	// rpcMu pairs every transport.Configure with the request issued
	// under that binding. The transport binding is shared mutable state;
	// every configure-then-call sequence, including the fire-and-forget
	// cleanup goroutines, holds this across both steps.
	rpcMu sync.Mutex

	transport       transport.ChatTransport
	ceilings        limits.Ceilings
	authenticated   bool
	authConfigured  bool
	apiURL          string
	adapterCooldown time.Duration

	buffer   *streambuf.Buffer
	aborter  *abort.Coordinator
	states   *store.StateStore
	writer   *store.Writer
	notifier *Notifier
	logger   *slog.Logger
}

// New creates a Store, loading persisted state and guaranteeing the
// no-conversation-less invariant: the store always holds at least one
// conversation.
func New(tr transport.ChatTransport, states *store.StateStore, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "conversation")

	cooldown := opts.AdapterCooldown
	if cooldown <= 0 {
		cooldown = defaultAdapterCooldown
	}

	s := &Store{
		transport:       tr,
		ceilings:        opts.Ceilings,
		authenticated:   opts.Authenticated,
		authConfigured:  opts.AuthConfigured,
		apiURL:          opts.APIURL,
		adapterCooldown: cooldown,
		aborter:         abort.New(logger),
		states:          states,
		notifier:        NewNotifier(logger),
		logger:          logger,
	}

	var bufOpts []streambuf.Option
	if opts.FlushInterval > 0 {
		bufOpts = append(bufOpts, streambuf.WithFlushInterval(opts.FlushInterval))
	}
	if opts.MaxMessageLen > 0 {
		bufOpts = append(bufOpts, streambuf.WithMaxMessageLen(opts.MaxMessageLen))
	}
	s.buffer = streambuf.New(s.applyBufferedText, logger, bufOpts...)
	s.writer = store.NewWriter(s.persistNow, opts.WriteDelay, opts.MaxWriteDelay, logger)

	state, err := states.Load()
	if err != nil {
		return nil, err
	}
	s.conversations = state.Conversations
	s.currentID = state.CurrentConversationID

	if len(s.conversations) == 0 {
		conv := model.NewConversation(s.apiURL)
		if name := states.LoadAdapterName(); name != "" {
			conv.AdapterName = name
		}
		// First run reuses a previously persisted session identity, so a
		// wiped conversation list still resolves server-side history.
		if sid := states.LoadSessionID(); sid != "" {
			conv.SessionID = sid
		}
		s.conversations = []*model.Conversation{conv}
		s.currentID = conv.ID
	}
	if s.currentID == "" {
		s.currentID = s.conversations[0].ID
	}
	if conv := s.findLocked(s.currentID); conv != nil {
		s.saveSessionID(conv.SessionID)
	}

	return s, nil
}

// saveSessionID persists the current conversation's session identity.
// Failure is logged, never surfaced.
func (s *Store) saveSessionID(sessionID string) {
	if err := s.states.SaveSessionID(sessionID); err != nil {
		s.logger.Warn("failed to persist session id", "error", err)
	}
}

// Subscribe registers a view-layer subscriber for change notifications.
func (s *Store) Subscribe(ctx context.Context) (<-chan Update, string) {
	return s.notifier.Subscribe(ctx)
}

// Conversations returns a deep-copied snapshot of the collection.
func (s *Store) Conversations() []*model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Conversation, len(s.conversations))
	for i, c := range s.conversations {
		out[i] = c.Clone()
	}
	return out
}

// CurrentConversation returns a deep-copied snapshot of the current
// conversation.
func (s *Store) CurrentConversation() *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv := s.findLocked(s.currentID); conv != nil {
		return conv.Clone()
	}
	return nil
}

// CurrentConversationID returns the current pointer.
func (s *Store) CurrentConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// IsLoading reports whether the current conversation has a response in
// flight. Loading is derived from message state, not stored: a stream
// owned by another conversation does not mark the current one loading.
func (s *Store) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loading && s.streamConvID == s.currentID {
		return true
	}
	if conv := s.findLocked(s.currentID); conv != nil {
		return conv.HasStreamingMessage()
	}
	return false
}

// CreateConversation creates a new empty conversation and makes it
// current. It does not configure an adapter; adapter selection is a
// separate step the view layer performs.
func (s *Store) CreateConversation() (string, error) {
	s.mu.Lock()

	// At most one empty conversation exists store-wide, not just at the
	// current pointer.
	for _, c := range s.conversations {
		if c.IsEmpty() {
			s.mu.Unlock()
			return "", ErrConversationInProgress
		}
	}

	if d := s.ceilings.CheckNewConversation(s.limitSnapshotLocked(nil, "")); d.Verdict != limits.Allow {
		s.mu.Unlock()
		return "", &LimitError{Message: d.Message, LoginRequired: d.Verdict == limits.DenyWithLogin}
	}

	conv := model.NewConversation(s.apiURL)
	s.conversations = append(append([]*model.Conversation{}, s.conversations...), conv)
	s.currentID = conv.ID
	s.mu.Unlock()

	s.saveSessionID(conv.SessionID)
	s.logger.Debug("conversation created", "conversation_id", conv.ID)
	s.notifyConversations()
	s.writer.MarkDirty()
	return conv.ID, nil
}

// SelectConversation switches the current pointer. A conversation with an
// unresolved adapter gets the transport (re)configured and its adapter
// metadata fetched once, tolerating failure: the error is stored on the
// conversation, never thrown.
func (s *Store) SelectConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	conv := s.findLocked(id)
	if conv == nil {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	s.currentID = id
	needsAdapter := conv.AdapterName != "" && conv.AdapterInfo == nil && conv.AdapterLoadError == ""
	apiURL, sessionID, adapterName := conv.APIURL, conv.SessionID, conv.AdapterName
	s.mu.Unlock()

	s.saveSessionID(sessionID)
	s.notifyConversations()
	s.writer.MarkDirty()

	if needsAdapter {
		s.loadAdapterInfo(ctx, id, apiURL, sessionID, adapterName)
	}
	return nil
}

// SetAdapter binds a conversation to a named adapter and eagerly loads
// its metadata. Adapter selection is the view-layer step following
// CreateConversation.
func (s *Store) SetAdapter(ctx context.Context, conversationID, adapterName string) error {
	s.mu.Lock()
	conv := s.findLocked(conversationID)
	if conv == nil {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	conv.AdapterName = adapterName
	conv.AdapterInfo = nil
	conv.AdapterLoadError = ""
	apiURL, sessionID := conv.APIURL, conv.SessionID
	s.mu.Unlock()

	if err := s.states.SaveAdapterName(adapterName); err != nil {
		s.logger.Warn("failed to persist adapter name", "error", err)
	}
	s.notifyConversations()
	s.writer.MarkDirty()

	s.loadAdapterInfo(ctx, conversationID, apiURL, sessionID, adapterName)
	return nil
}

// loadAdapterInfo fetches adapter metadata, storing the result or the
// error on the conversation. A 429-shaped failure arms a fixed cooldown
// before the next attempt is allowed.
func (s *Store) loadAdapterInfo(ctx context.Context, conversationID, apiURL, sessionID, adapterName string) {
	s.mu.Lock()
	if time.Now().Before(s.adapterBackoffUntil) {
		s.mu.Unlock()
		s.logger.Debug("adapter info fetch skipped during rate limit cooldown",
			"adapter", adapterName)
		return
	}
	s.mu.Unlock()

	s.rpcMu.Lock()
	s.transport.Configure(apiURL, sessionID, adapterName)
	info, err := s.transport.GetAdapterInfo(ctx)
	s.rpcMu.Unlock()

	s.mu.Lock()
	conv := s.findLocked(conversationID)
	if conv == nil {
		s.mu.Unlock()
		return
	}
	if err != nil {
		conv.AdapterLoadError = err.Error()
		if isRateLimited(err) {
			s.adapterBackoffUntil = time.Now().Add(s.adapterCooldown)
		}
		s.mu.Unlock()
		s.logger.Warn("adapter info fetch failed",
			"adapter", adapterName,
			"error", err)
	} else {
		conv.AdapterInfo = info
		conv.AdapterLoadError = ""
		s.mu.Unlock()
	}

	s.notifyConversations()
	s.writer.MarkDirty()
}

// DeleteConversation removes a conversation locally and issues a
// fire-and-forget remote cleanup of its session history and files. Remote
// failure never blocks local deletion. Deleting the last conversation
// leaves exactly one fresh empty conversation in place.
func (s *Store) DeleteConversation(id string) error {
	s.mu.Lock()
	conv := s.findLocked(id)
	if conv == nil {
		s.mu.Unlock()
		return ErrConversationNotFound
	}

	s.remoteCleanup(conv)

	next := make([]*model.Conversation, 0, len(s.conversations)-1)
	for _, c := range s.conversations {
		if c.ID != id {
			next = append(next, c)
		}
	}
	if len(next) == 0 {
		next = append(next, model.NewConversation(s.apiURL))
	}
	s.conversations = next
	currentSession := ""
	if s.currentID == id {
		s.currentID = next[0].ID
		currentSession = next[0].SessionID
	}
	s.mu.Unlock()

	s.buffer.Forget(id)
	if currentSession != "" {
		s.saveSessionID(currentSession)
	}
	s.logger.Debug("conversation deleted", "conversation_id", id)
	s.notifyConversations()
	s.writer.MarkDirty()
	return nil
}

// DeleteAllConversations clears the collection, leaving one fresh empty
// conversation, and issues best-effort remote cleanup for each.
func (s *Store) DeleteAllConversations() {
	s.mu.Lock()
	removed := make([]string, 0, len(s.conversations))
	for _, conv := range s.conversations {
		s.remoteCleanup(conv)
		removed = append(removed, conv.ID)
	}
	fresh := model.NewConversation(s.apiURL)
	s.conversations = []*model.Conversation{fresh}
	s.currentID = fresh.ID
	s.mu.Unlock()

	for _, id := range removed {
		s.buffer.Forget(id)
	}
	s.saveSessionID(fresh.SessionID)
	s.logger.Debug("all conversations deleted")
	s.notifyConversations()
	s.writer.MarkDirty()
}

// remoteCleanup launches the best-effort server-side deletion for a
// conversation. Caller holds the lock; the goroutine works from copies.
func (s *Store) remoteCleanup(conv *model.Conversation) {
	if conv.AdapterName == "" || conv.IsEmpty() {
		return
	}
	sessionID := conv.SessionID
	apiURL := conv.APIURL
	adapterName := conv.AdapterName
	fileIDs := make([]string, 0, len(conv.AttachedFiles))
	for _, f := range conv.AttachedFiles {
		fileIDs = append(fileIDs, f.FileID)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), remoteCleanupTimeout)
		defer cancel()

		s.rpcMu.Lock()
		defer s.rpcMu.Unlock()
		s.transport.Configure(apiURL, sessionID, adapterName)
		if err := s.transport.DeleteConversationWithFiles(ctx, sessionID, fileIDs); err != nil {
			s.logger.Warn("remote conversation cleanup failed",
				"session_id", sessionID,
				"error", err)
		}
	}()
}

// AttachFile adds an upload result to the current conversation, enforcing
// file ceilings. Duplicate file IDs are ignored.
func (s *Store) AttachFile(file model.FileAttachment) error {
	s.mu.Lock()
	conv := s.findLocked(s.currentID)
	if conv == nil {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	if conv.HasFile(file.FileID) {
		s.mu.Unlock()
		return nil
	}
	if d := s.ceilings.CheckNewFile(s.limitSnapshotLocked(conv, "")); d.Verdict != limits.Allow {
		s.mu.Unlock()
		return &LimitError{Message: d.Message, LoginRequired: d.Verdict == limits.DenyWithLogin}
	}
	conv.AttachedFiles = append(append([]model.FileAttachment{}, conv.AttachedFiles...), file)
	conv.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.notifyConversations()
	s.writer.MarkDirty()
	return nil
}

// RemoveFile detaches a file from the current conversation.
func (s *Store) RemoveFile(fileID string) error {
	s.mu.Lock()
	conv := s.findLocked(s.currentID)
	if conv == nil {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	next := make([]model.FileAttachment, 0, len(conv.AttachedFiles))
	for _, f := range conv.AttachedFiles {
		if f.FileID != fileID {
			next = append(next, f)
		}
	}
	conv.AttachedFiles = next
	conv.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.notifyConversations()
	s.writer.MarkDirty()
	return nil
}

// SetAudioSettings stores per-conversation audio preferences passed
// through to the transport on each send.
func (s *Store) SetAudioSettings(settings *model.AudioSettings) error {
	s.mu.Lock()
	conv := s.findLocked(s.currentID)
	if conv == nil {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	conv.AudioSettings = settings
	s.mu.Unlock()

	s.writer.MarkDirty()
	return nil
}

// FlushPersistence synchronously writes any pending state. Escape hatch
// for shutdown and test teardown.
func (s *Store) FlushPersistence() error {
	return s.writer.Flush()
}

// Close stops streaming, flushes persistence and releases resources.
func (s *Store) Close() error {
	s.StopStreaming()
	s.buffer.Close()
	err := s.writer.Close()
	s.notifier.Close()
	return err
}

// findLocked returns the conversation with the given ID. Caller holds mu.
func (s *Store) findLocked(id string) *model.Conversation {
	for _, c := range s.conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// limitSnapshotLocked builds the quota snapshot for checks. Caller holds
// mu. conv may be nil for conversation-creation checks.
func (s *Store) limitSnapshotLocked(conv *model.Conversation, threadID string) limits.Snapshot {
	snap := limits.Snapshot{
		Conversations:  len(s.conversations),
		Authenticated:  s.authenticated,
		AuthConfigured: s.authConfigured,
	}
	for _, c := range s.conversations {
		snap.WorkspaceMessages += c.NonStreamingCount()
		snap.TotalFiles += len(c.AttachedFiles)
	}
	if conv != nil {
		snap.ConversationMessages = conv.NonStreamingCount()
		snap.ConversationFiles = len(conv.AttachedFiles)
		if threadID != "" {
			snap.ThreadMessages = conv.ThreadMessageCount(threadID)
		}
	}
	return snap
}

// persistNow snapshots the collection into durable storage. Called by the
// debounced writer.
func (s *Store) persistNow() error {
	s.mu.Lock()
	state := &store.State{
		Conversations:         s.conversations,
		CurrentConversationID: s.currentID,
	}
	err := s.states.Save(state)
	s.mu.Unlock()
	return err
}

func (s *Store) notifyConversations() {
	s.notifier.Publish(Update{Kind: UpdateConversations, ConversationID: s.CurrentConversationID()})
}

func (s *Store) notifyMessages(conversationID string) {
	s.notifier.Publish(Update{Kind: UpdateMessages, ConversationID: conversationID})
}
