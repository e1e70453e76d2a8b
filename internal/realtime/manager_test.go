package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chatsync/internal/convstate"
	"go-chatsync/internal/models"
)

type fakeChannel struct {
	key   string
	mu    sync.Mutex
	state models.ChannelState
	disc  int
}

func (f *fakeChannel) Key() string { return f.key }
func (f *fakeChannel) State() models.ChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disc++
	f.state = models.ChannelClosed
	return nil
}
func (f *fakeChannel) set(s models.ChannelState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

type fakeTransport struct {
	mu       sync.Mutex
	subs     int
	channels map[string]*fakeChannel
	handlers map[string]func([]byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{channels: make(map[string]*fakeChannel), handlers: make(map[string]func([]byte))}
}

func (f *fakeTransport) Subscribe(_ context.Context, key string, _ map[string]string, onMessage func([]byte)) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs++
	ch := &fakeChannel{key: key, state: models.ChannelConnected}
	f.channels[key] = ch
	f.handlers[key] = onMessage
	return ch, nil
}

func (f *fakeTransport) push(t *testing.T, key string, env models.Envelope) {
	t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	f.mu.Lock()
	h := f.handlers[key]
	f.mu.Unlock()
	require.NotNil(t, h)
	h(raw)
}

func msgData(t *testing.T, m models.Message) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return raw
}

func seedConv(st *convstate.Store, convID string) {
	st.Replace(convID, &models.FetchResult{
		Messages: []models.Message{{ID: "m1", ConversationID: convID, CreatedAt: 100, UpdatedAt: 100}},
	})
}

func TestEnsureIsIdempotentWhileAlive(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(tr, convstate.NewStore())

	require.NoError(t, m.EnsureConversation(context.Background(), "c1"))
	require.NoError(t, m.EnsureConversation(context.Background(), "c1"))
	require.NoError(t, m.EnsureConversation(context.Background(), "c1"))
	assert.Equal(t, 1, tr.subs)

	// idle 仍算存活，不重订阅
	tr.channels[ConversationKey("c1")].set(models.ChannelIdle)
	require.NoError(t, m.EnsureConversation(context.Background(), "c1"))
	assert.Equal(t, 1, tr.subs)
}

func TestEnsureResubscribesAfterDisconnect(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(tr, convstate.NewStore())

	require.NoError(t, m.EnsureConversation(context.Background(), "c1"))
	tr.channels[ConversationKey("c1")].set(models.ChannelDisconnected)
	require.NoError(t, m.EnsureConversation(context.Background(), "c1"))
	assert.Equal(t, 2, tr.subs)
}

func TestTeardownSkipsDeadChannels(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(tr, convstate.NewStore())

	require.NoError(t, m.EnsureConversation(context.Background(), "c1"))
	ch := tr.channels[ConversationKey("c1")]
	ch.set(models.ChannelDisconnected)
	m.Teardown(ConversationKey("c1"))
	assert.Equal(t, 0, ch.disc)

	require.NoError(t, m.EnsureConversation(context.Background(), "c2"))
	ch2 := tr.channels[ConversationKey("c2")]
	m.Teardown(ConversationKey("c2"))
	assert.Equal(t, 1, ch2.disc)
	// 重复拆除是无操作
	m.Teardown(ConversationKey("c2"))
	assert.Equal(t, 1, ch2.disc)
}

func TestInboundMessageEventRouting(t *testing.T) {
	tr := newFakeTransport()
	st := convstate.NewStore()
	seedConv(st, "c1")
	m := NewManager(tr, st)
	require.NoError(t, m.EnsureConversation(context.Background(), "c1"))

	key := ConversationKey("c1")
	tr.push(t, key, models.Envelope{Type: models.EventCreatedMessage, Data: msgData(t, models.Message{
		ID: "m2", ConversationID: "c1", AuthorID: "u2", Content: "hi", CreatedAt: 200, UpdatedAt: 200,
	})})

	snap, ok := st.Snapshot("c1")
	require.True(t, ok)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "m2", snap.Messages[1].ID)

	// 编辑事件走 last-write-wins
	tr.push(t, key, models.Envelope{Type: models.EventUpdatedMessage, Data: msgData(t, models.Message{
		ID: "m2", ConversationID: "c1", AuthorID: "u2", Content: "edited", CreatedAt: 200, UpdatedAt: 300,
	})})
	snap, _ = st.Snapshot("c1")
	assert.Equal(t, "edited", snap.Messages[1].Content)

	// 删除事件
	tr.push(t, key, models.Envelope{Type: models.EventDeletedMessage, Data: mustRaw(t, models.DeletedPayload{ID: "m2", ConversationID: "c1"})})
	snap, _ = st.Snapshot("c1")
	require.Len(t, snap.Messages, 1)
}

func TestUpdatedEventOutsideWindowIgnored(t *testing.T) {
	tr := newFakeTransport()
	st := convstate.NewStore()
	seedConv(st, "c1")
	m := NewManager(tr, st)
	require.NoError(t, m.EnsureConversation(context.Background(), "c1"))

	// 编辑推送的 id 不在窗口内：静默忽略，不得插入
	tr.push(t, ConversationKey("c1"), models.Envelope{Type: models.EventUpdatedMessage, Data: msgData(t, models.Message{
		ID: "ghost", ConversationID: "c1", AuthorID: "u2", Content: "x", CreatedAt: 200, UpdatedAt: 200,
	})})

	snap, ok := st.Snapshot("c1")
	require.True(t, ok)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "m1", snap.Messages[0].ID)
}

func TestMalformedEventsAreDropped(t *testing.T) {
	tr := newFakeTransport()
	st := convstate.NewStore()
	seedConv(st, "c1")
	m := NewManager(tr, st)
	require.NoError(t, m.EnsureConversation(context.Background(), "c1"))
	key := ConversationKey("c1")

	h := tr.handlers[key]
	h([]byte("{not json"))
	h([]byte(`{"type":"created_chat_message","data":{"id":"","conversationId":"c1"}}`))
	h([]byte(`{"type":"totally_unknown","data":{}}`))

	snap, _ := st.Snapshot("c1")
	assert.Len(t, snap.Messages, 1, "bad events must not mutate state")
}

func TestConversationInfoRouting(t *testing.T) {
	tr := newFakeTransport()
	st := convstate.NewStore()
	seedConv(st, "c1")
	m := NewManager(tr, st)
	require.NoError(t, m.EnsureUser(context.Background(), "u1"))

	tr.push(t, UserKey("u1"), models.Envelope{Type: models.EventConversationInfo, Data: mustRaw(t, models.ConversationSummary{
		ConversationID: "c1", LastMessageAt: 500, UnreadCount: 3,
	})})
	snap, _ := st.Snapshot("c1")
	assert.Equal(t, 3, snap.UnreadCount)
}

func TestNotifyLocalSendIsDebounced(t *testing.T) {
	tr := newFakeTransport()
	n := &fakeNotifier{}
	var jobs []func()
	sched := func(_ time.Duration, fn func()) CancelFunc {
		i := len(jobs)
		jobs = append(jobs, fn)
		return func() { jobs[i] = nil }
	}
	m := NewManager(tr, convstate.NewStore(), WithNotifier(n), WithScheduler(sched))

	m.NotifyLocalSend("c1")
	m.NotifyLocalSend("c1")
	m.NotifyLocalSend("c1")

	fired := 0
	for _, fn := range jobs {
		if fn != nil {
			fn()
			fired++
		}
	}
	assert.Equal(t, 1, fired)
	assert.Equal(t, []string{"c1"}, n.calls())
}

func TestTeardownCancelsPendingNotify(t *testing.T) {
	tr := newFakeTransport()
	n := &fakeNotifier{}
	var jobs []func()
	sched := func(_ time.Duration, fn func()) CancelFunc {
		i := len(jobs)
		jobs = append(jobs, fn)
		return func() { jobs[i] = nil }
	}
	m := NewManager(tr, convstate.NewStore(), WithNotifier(n), WithScheduler(sched))
	require.NoError(t, m.EnsureConversation(context.Background(), "c1"))

	m.NotifyLocalSend("c1")
	// 拆除会话通道要一并撤销挂起的去抖通知
	m.Teardown(ConversationKey("c1"))

	for _, fn := range jobs {
		if fn != nil {
			fn()
		}
	}
	assert.Empty(t, n.calls())
}

type fakeNotifier struct {
	mu sync.Mutex
	c  []string
}

func (f *fakeNotifier) NotifySummaryRefresh(_ context.Context, convID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.c = append(f.c, convID)
	return nil
}

func (f *fakeNotifier) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.c...)
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
