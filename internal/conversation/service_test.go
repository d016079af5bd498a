// ABOUTME: Tests for conversation lifecycle, adapter binding, files and quota enforcement
// ABOUTME: A scripted fake transport stands in for the streaming API

package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schmitech/orbit-chat/internal/limits"
	"github.com/schmitech/orbit-chat/internal/model"
	"github.com/schmitech/orbit-chat/internal/store"
	"github.com/schmitech/orbit-chat/internal/transport"
)

const testAPIURL = "http://api.test"

var errReadFailure429 = errors.New("request failed: 429 Too Many Requests")

// fakeStream scripts one StreamChat call. head is delivered immediately;
// when resume is non-nil the stream parks until it closes, then delivers
// tail. hold parks the stream on context cancellation instead, waiting on
// release (when non-nil) before surfacing the cancellation error,
// optionally preceded by one late text chunk.
type fakeStream struct {
	head     []transport.StreamChunk
	tail     []transport.StreamChunk
	resume   chan struct{}
	hold     bool
	release  chan struct{}
	lateText string
}

// fakeTransport is a scripted ChatTransport. Each StreamChat call pops the
// next script entry; when the queue is empty the legacy chunks/hold/lateText
// fields describe every call.
type fakeTransport struct {
	mu sync.Mutex

	script    []fakeStream
	chunks    []transport.StreamChunk
	streamErr error
	hold      bool
	lateText  string
	started   chan struct{}

	configures [][3]string
	requests   []transport.StreamRequest
	stops      [][2]string
	deletes    []string

	deleteStarted chan struct{}
	deleteGate    chan struct{}

	adapterInfo  *model.AdapterInfo
	adapterErr   error
	adapterCalls int

	history    map[string][]transport.HistoryMessage
	historyErr error

	thread    *transport.ThreadHandle
	threadErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		adapterInfo: &model.AdapterInfo{Name: "test-adapter", Model: "test-model"},
		thread:      &transport.ThreadHandle{ThreadID: "th-1", ThreadSessionID: "ts-1"},
		history:     map[string][]transport.HistoryMessage{},
	}
}

func (f *fakeTransport) Configure(apiURL, sessionID, adapterName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configures = append(f.configures, [3]string{apiURL, sessionID, adapterName})
}

func (f *fakeTransport) StreamChat(ctx context.Context, req transport.StreamRequest) (<-chan transport.StreamChunk, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	var sc fakeStream
	if len(f.script) > 0 {
		sc = f.script[0]
		f.script = f.script[1:]
	} else {
		sc = fakeStream{
			head:     append([]transport.StreamChunk(nil), f.chunks...),
			hold:     f.hold,
			lateText: f.lateText,
		}
	}
	started := f.started
	f.started = nil
	err := f.streamErr
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan transport.StreamChunk)
	go func() {
		defer close(ch)
		if started != nil {
			close(started)
		}
		deliver := func(chunks []transport.StreamChunk) bool {
			for _, c := range chunks {
				select {
				case ch <- c:
				case <-ctx.Done():
					ch <- transport.StreamChunk{Err: ctx.Err()}
					return false
				}
			}
			return true
		}
		if !deliver(sc.head) {
			return
		}
		if sc.resume != nil {
			select {
			case <-sc.resume:
				if !deliver(sc.tail) {
					return
				}
			case <-ctx.Done():
				ch <- transport.StreamChunk{Err: ctx.Err()}
				return
			}
		}
		if sc.hold {
			<-ctx.Done()
			if sc.release != nil {
				<-sc.release
			}
			if sc.lateText != "" {
				ch <- transport.StreamChunk{Text: sc.lateText}
			}
			ch <- transport.StreamChunk{Err: ctx.Err()}
		}
	}()
	return ch, nil
}

func (f *fakeTransport) StopChat(_ context.Context, sessionID, requestID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, [2]string{sessionID, requestID})
	return true, nil
}

func (f *fakeTransport) GetAdapterInfo(context.Context) (*model.AdapterInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adapterCalls++
	if f.adapterErr != nil {
		return nil, f.adapterErr
	}
	return f.adapterInfo, nil
}

func (f *fakeTransport) GetConversationHistory(_ context.Context, sessionID string, _ int) ([]transport.HistoryMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history[sessionID], nil
}

func (f *fakeTransport) DeleteConversationWithFiles(_ context.Context, sessionID string, _ []string) error {
	f.mu.Lock()
	started := f.deleteStarted
	f.deleteStarted = nil
	gate := f.deleteGate
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, sessionID)
	return nil
}

func (f *fakeTransport) CreateThread(context.Context, string, string) (*transport.ThreadHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threadErr != nil {
		return nil, f.threadErr
	}
	return f.thread, nil
}

func (f *fakeTransport) stopCalls() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.stops...)
}

func (f *fakeTransport) deleteCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

func (f *fakeTransport) lastRequest() transport.StreamRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeTransport) lastConfigure() [3]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configures[len(f.configures)-1]
}

func newTestStore(t *testing.T, tr transport.ChatTransport, opts Options) *Store {
	t.Helper()
	if opts.APIURL == "" {
		opts.APIURL = testAPIURL
	}
	if opts.FlushInterval == 0 {
		opts.FlushInterval = 5 * time.Millisecond
	}
	if opts.WriteDelay == 0 {
		opts.WriteDelay = 10 * time.Millisecond
		opts.MaxWriteDelay = 50 * time.Millisecond
	}
	states := store.NewStateStore(store.NewMemoryKV(), opts.APIURL, nil)
	s, err := New(tr, states, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// withAdapter binds the current conversation to the fake adapter.
func withAdapter(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.SetAdapter(context.Background(), s.CurrentConversationID(), "test-adapter"))
}

func intPtr(n int) *int { return &n }

func TestNewStartsWithOneConversation(t *testing.T) {
	s := newTestStore(t, newFakeTransport(), Options{})

	convs := s.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, convs[0].ID, s.CurrentConversationID())
	assert.True(t, convs[0].IsEmpty())
	assert.Equal(t, testAPIURL, convs[0].APIURL)
}

func TestCreateConversationRefusedWhileCurrentEmpty(t *testing.T) {
	s := newTestStore(t, newFakeTransport(), Options{})

	_, err := s.CreateConversation()
	assert.ErrorIs(t, err, ErrConversationInProgress)
	assert.Len(t, s.Conversations(), 1)
}

func TestCreateConversationRefusedWhileAnyEmpty(t *testing.T) {
	tr := newFakeTransport()
	tr.chunks = []transport.StreamChunk{{Text: "Hi"}, {Done: true}}
	s := newTestStore(t, tr, Options{})
	withAdapter(t, s)
	first := s.CurrentConversationID()
	require.NoError(t, s.SendMessage(context.Background(), "hello", nil, ""))

	_, err := s.CreateConversation()
	require.NoError(t, err)

	// Navigating back to a non-empty conversation does not unblock
	// creation: the empty one elsewhere still counts.
	require.NoError(t, s.SelectConversation(context.Background(), first))
	_, err = s.CreateConversation()
	assert.ErrorIs(t, err, ErrConversationInProgress)
	assert.Len(t, s.Conversations(), 2)
}

func TestCreateConversationGuestCeiling(t *testing.T) {
	tr := newFakeTransport()
	s := newTestStore(t, tr, Options{
		Ceilings:       limits.Ceilings{GuestConversations: intPtr(1)},
		AuthConfigured: true,
	})
	withAdapter(t, s)
	tr.mu.Lock()
	tr.chunks = []transport.StreamChunk{{Text: "Hi"}, {Done: true}}
	tr.mu.Unlock()
	require.NoError(t, s.SendMessage(context.Background(), "hello", nil, ""))

	_, err := s.CreateConversation()
	var le *LimitError
	require.ErrorAs(t, err, &le)
	assert.True(t, le.LoginRequired)
	assert.Len(t, s.Conversations(), 1)
}

func TestSetAdapterLoadsInfo(t *testing.T) {
	tr := newFakeTransport()
	s := newTestStore(t, tr, Options{})
	withAdapter(t, s)

	conv := s.CurrentConversation()
	require.NotNil(t, conv.AdapterInfo)
	assert.Equal(t, "test-adapter", conv.AdapterName)
	assert.Equal(t, "test-model", conv.AdapterInfo.Model)
	assert.Empty(t, conv.AdapterLoadError)
}

func TestSetAdapterStoresFetchError(t *testing.T) {
	tr := newFakeTransport()
	tr.adapterErr = assert.AnError
	s := newTestStore(t, tr, Options{})

	// The error lands on the conversation, the call itself succeeds.
	require.NoError(t, s.SetAdapter(context.Background(), s.CurrentConversationID(), "test-adapter"))
	conv := s.CurrentConversation()
	assert.NotEmpty(t, conv.AdapterLoadError)
	assert.Nil(t, conv.AdapterInfo)
}

func TestAdapterRateLimitCooldown(t *testing.T) {
	tr := newFakeTransport()
	tr.adapterErr = assert.AnError
	s := newTestStore(t, tr, Options{AdapterCooldown: time.Hour})

	id := s.CurrentConversationID()
	require.NoError(t, s.SetAdapter(context.Background(), id, "test-adapter"))
	assert.Equal(t, 1, tr.adapterCalls)

	// Not a 429 shape, so no cooldown armed yet.
	require.NoError(t, s.SetAdapter(context.Background(), id, "test-adapter"))
	assert.Equal(t, 2, tr.adapterCalls)

	tr.mu.Lock()
	tr.adapterErr = errReadFailure429
	tr.mu.Unlock()
	require.NoError(t, s.SetAdapter(context.Background(), id, "test-adapter"))
	assert.Equal(t, 3, tr.adapterCalls)

	// Cooldown armed: further fetches are skipped entirely.
	require.NoError(t, s.SetAdapter(context.Background(), id, "test-adapter"))
	assert.Equal(t, 3, tr.adapterCalls)
}

func TestDeleteLastConversationLeavesFreshOne(t *testing.T) {
	tr := newFakeTransport()
	tr.chunks = []transport.StreamChunk{{Text: "Hi"}, {Done: true}}
	s := newTestStore(t, tr, Options{})
	withAdapter(t, s)
	require.NoError(t, s.SendMessage(context.Background(), "hello", nil, ""))

	oldID := s.CurrentConversationID()
	oldSession := s.CurrentConversation().SessionID
	require.NoError(t, s.DeleteConversation(oldID))

	convs := s.Conversations()
	require.Len(t, convs, 1)
	assert.NotEqual(t, oldID, convs[0].ID)
	assert.True(t, convs[0].IsEmpty())
	assert.Equal(t, convs[0].ID, s.CurrentConversationID())

	// Remote cleanup is fire-and-forget but does happen.
	require.Eventually(t, func() bool {
		for _, sid := range tr.deleteCalls() {
			if sid == oldSession {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestRemoteCleanupDoesNotInterleaveWithOtherCalls(t *testing.T) {
	tr := newFakeTransport()
	tr.chunks = []transport.StreamChunk{{Text: "Hi"}, {Done: true}}
	s := newTestStore(t, tr, Options{})
	withAdapter(t, s)
	require.NoError(t, s.SendMessage(context.Background(), "hello", nil, ""))
	doomed := s.CurrentConversationID()
	doomedSession := s.CurrentConversation().SessionID

	started := make(chan struct{})
	gate := make(chan struct{})
	tr.mu.Lock()
	tr.deleteStarted = started
	tr.deleteGate = gate
	tr.mu.Unlock()

	require.NoError(t, s.DeleteConversation(doomed))
	<-started

	// The adapter fetch must wait for the cleanup call to release the
	// transport binding before reconfiguring it.
	fetched := make(chan struct{})
	go func() {
		_ = s.SetAdapter(context.Background(), s.CurrentConversationID(), "other-adapter")
		close(fetched)
	}()
	time.Sleep(50 * time.Millisecond)
	tr.mu.Lock()
	calls := tr.adapterCalls
	tr.mu.Unlock()
	assert.Equal(t, 1, calls, "adapter fetch must not run while cleanup holds the binding")

	close(gate)
	<-fetched
	tr.mu.Lock()
	calls = tr.adapterCalls
	tr.mu.Unlock()
	assert.Equal(t, 2, calls)
	assert.Equal(t, "other-adapter", tr.lastConfigure()[2])
	assert.Equal(t, []string{doomedSession}, tr.deleteCalls())
}

func TestSessionIDSeededFromPersistence(t *testing.T) {
	kv := store.NewMemoryKV()
	states := store.NewStateStore(kv, testAPIURL, nil)
	require.NoError(t, states.SaveSessionID("persisted-session"))

	s, err := New(newFakeTransport(), states, Options{APIURL: testAPIURL})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.Equal(t, "persisted-session", s.CurrentConversation().SessionID)
}

func TestSessionIDTracksCurrentConversation(t *testing.T) {
	kv := store.NewMemoryKV()
	states := store.NewStateStore(kv, testAPIURL, nil)
	tr := newFakeTransport()
	tr.chunks = []transport.StreamChunk{{Text: "Hi"}, {Done: true}}

	s, err := New(tr, states, Options{APIURL: testAPIURL, FlushInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	first := s.CurrentConversation()
	assert.Equal(t, first.SessionID, states.LoadSessionID())

	withAdapter(t, s)
	require.NoError(t, s.SendMessage(context.Background(), "hello", nil, ""))
	_, err = s.CreateConversation()
	require.NoError(t, err)
	assert.Equal(t, s.CurrentConversation().SessionID, states.LoadSessionID())
	assert.NotEqual(t, first.SessionID, states.LoadSessionID())

	require.NoError(t, s.SelectConversation(context.Background(), first.ID))
	assert.Equal(t, first.SessionID, states.LoadSessionID())
}

func TestDeleteUnknownConversation(t *testing.T) {
	s := newTestStore(t, newFakeTransport(), Options{})
	assert.ErrorIs(t, s.DeleteConversation("nope"), ErrConversationNotFound)
}

func TestDeleteAllConversations(t *testing.T) {
	tr := newFakeTransport()
	tr.chunks = []transport.StreamChunk{{Text: "Hi"}, {Done: true}}
	s := newTestStore(t, tr, Options{})
	withAdapter(t, s)
	require.NoError(t, s.SendMessage(context.Background(), "one", nil, ""))
	_, err := s.CreateConversation()
	require.NoError(t, err)

	s.DeleteAllConversations()

	convs := s.Conversations()
	require.Len(t, convs, 1)
	assert.True(t, convs[0].IsEmpty())
}

func TestAttachFileDuplicateIgnored(t *testing.T) {
	s := newTestStore(t, newFakeTransport(), Options{})
	file := model.FileAttachment{FileID: "f1", Filename: "a.txt"}

	require.NoError(t, s.AttachFile(file))
	require.NoError(t, s.AttachFile(file))
	assert.Len(t, s.CurrentConversation().AttachedFiles, 1)
}

func TestAttachFileCeiling(t *testing.T) {
	s := newTestStore(t, newFakeTransport(), Options{
		Ceilings: limits.Ceilings{FilesPerConversation: intPtr(1)},
	})
	require.NoError(t, s.AttachFile(model.FileAttachment{FileID: "f1"}))

	var le *LimitError
	err := s.AttachFile(model.FileAttachment{FileID: "f2"})
	require.ErrorAs(t, err, &le)
	assert.False(t, le.LoginRequired)
}

func TestRemoveFile(t *testing.T) {
	s := newTestStore(t, newFakeTransport(), Options{})
	require.NoError(t, s.AttachFile(model.FileAttachment{FileID: "f1"}))
	require.NoError(t, s.AttachFile(model.FileAttachment{FileID: "f2"}))

	require.NoError(t, s.RemoveFile("f1"))
	files := s.CurrentConversation().AttachedFiles
	require.Len(t, files, 1)
	assert.Equal(t, "f2", files[0].FileID)
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	tr := newFakeTransport()
	tr.chunks = []transport.StreamChunk{{Text: "Hi"}, {Done: true}}
	s := newTestStore(t, tr, Options{})
	withAdapter(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, _ := s.Subscribe(ctx)

	require.NoError(t, s.SendMessage(context.Background(), "hello", nil, ""))

	select {
	case u := <-updates:
		assert.Equal(t, s.CurrentConversationID(), u.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	kv := store.NewMemoryKV()
	states := store.NewStateStore(kv, testAPIURL, nil)
	tr := newFakeTransport()
	tr.chunks = []transport.StreamChunk{{Text: "Hi there"}, {Done: true}}

	s, err := New(tr, states, Options{APIURL: testAPIURL, FlushInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	withAdapter(t, s)
	require.NoError(t, s.SendMessage(context.Background(), "hello", nil, ""))
	require.NoError(t, s.FlushPersistence())
	convID := s.CurrentConversationID()
	require.NoError(t, s.Close())

	reloaded, err := New(tr, store.NewStateStore(kv, testAPIURL, nil), Options{APIURL: testAPIURL})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reloaded.Close() })

	assert.Equal(t, convID, reloaded.CurrentConversationID())
	conv := reloaded.CurrentConversation()
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "hello", conv.Messages[0].Content)
	assert.Equal(t, "Hi there", conv.Messages[1].Content)
	for _, m := range conv.Messages {
		assert.False(t, m.IsStreaming)
	}
}
