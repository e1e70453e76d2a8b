package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chatsync/internal/api"
	"go-chatsync/internal/models"
	"go-chatsync/internal/scroll"
)

// fakeAPI 以固定脚本响应各操作，记录调用以供断言。
type fakeAPI struct {
	mu          sync.Mutex
	fetchRes    map[string]*models.FetchResult // key: direction
	createErr   error
	updateErr   error
	deleteErr   error
	created     []string
	markedRead  []string
	notified    []string
	serverIDSeq int
}

func (f *fakeAPI) FetchMessages(_ context.Context, _ string, _ int64, direction models.FetchDirection, _ int) (*models.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.fetchRes[string(direction)]
	if !ok {
		return &models.FetchResult{}, nil
	}
	cp := *res
	return &cp, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, _ string, messageID string) (*models.ReadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, messageID)
	return &models.ReadResult{}, nil
}

func (f *fakeAPI) CreateMessage(_ context.Context, convID, clientMsgID, content string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, clientMsgID)
	f.serverIDSeq++
	return &models.Message{
		ID: "srv-" + clientMsgID, ConversationID: convID, AuthorID: "u1",
		Content: content, CreatedAt: int64(1000 + f.serverIDSeq), UpdatedAt: int64(1000 + f.serverIDSeq),
	}, nil
}

func (f *fakeAPI) UpdateMessage(_ context.Context, messageID, content string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &models.Message{ID: messageID, ConversationID: "c1", Content: content, CreatedAt: 100, UpdatedAt: 9999}, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteErr
}

func (f *fakeAPI) NotifySummaryRefresh(_ context.Context, convID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, convID)
	return nil
}

func window(ids ...string) []models.Message {
	out := make([]models.Message, 0, len(ids))
	for i, id := range ids {
		ts := int64((i + 1) * 100)
		out = append(out, models.Message{ID: id, ConversationID: "c1", AuthorID: "u2", Content: id, CreatedAt: ts, UpdatedAt: ts})
	}
	return out
}

func newTestEngine(f *fakeAPI) *Engine {
	seq := 0
	return New("u1", f, nil,
		WithIDGenerator(func() string { seq++; return "tmp-" + string(rune('a'+seq-1)) }),
		WithClock(func() int64 { return 5000 }),
	)
}

func TestOpenLoadsAroundAndAnchors(t *testing.T) {
	f := &fakeAPI{fetchRes: map[string]*models.FetchResult{
		"around": {Messages: window("m1", "m2", "m3"), OlderBoundary: 100, NewerBoundary: 300, HasMoreOlder: true},
	}}
	e := newTestEngine(f)
	require.NoError(t, e.Open(context.Background(), "c1"))

	vm := e.ViewModel("c1")
	require.Len(t, vm.Messages, 3)
	assert.True(t, vm.CanLoadOlder)
	assert.False(t, vm.CanLoadNewer)
	assert.True(t, vm.AnchorReady)
	// 无未读：初始锚点吸附底部
	assert.Equal(t, scroll.PositionEnd, vm.Anchor.Position)
}

func TestLoadOlderRespectsExhaustion(t *testing.T) {
	f := &fakeAPI{fetchRes: map[string]*models.FetchResult{
		"around": {Messages: window("m1", "m2"), OlderBoundary: 100, NewerBoundary: 200},
		"older":  {Messages: window("m0"), OlderBoundary: 50},
	}}
	e := newTestEngine(f)
	require.NoError(t, e.Open(context.Background(), "c1"))

	// HasMoreOlder=false：翻页是无操作，不发请求
	require.NoError(t, e.LoadOlder(context.Background(), "c1"))
	vm := e.ViewModel("c1")
	assert.Len(t, vm.Messages, 2)
}

func TestLoadOlderMergesAndAnchors(t *testing.T) {
	older := []models.Message{{ID: "m0", ConversationID: "c1", Content: "m0", CreatedAt: 50, UpdatedAt: 50}}
	f := &fakeAPI{fetchRes: map[string]*models.FetchResult{
		"around": {Messages: window("m1", "m2"), OlderBoundary: 100, NewerBoundary: 200, HasMoreOlder: true},
		"older":  {Messages: older, OlderBoundary: 50, HasMoreOlder: false},
	}}
	e := newTestEngine(f)
	require.NoError(t, e.Open(context.Background(), "c1"))
	require.NoError(t, e.LoadOlder(context.Background(), "c1"))

	vm := e.ViewModel("c1")
	require.Len(t, vm.Messages, 3)
	assert.Equal(t, "m0", vm.Messages[0].ID)
	assert.False(t, vm.CanLoadOlder)
	// 增量向旧翻页：锚在最旧新增消息顶部，避免视口跳动
	assert.Equal(t, "m0", vm.Anchor.MessageID)
	assert.Equal(t, scroll.PositionStart, vm.Anchor.Position)
}

func TestSendOptimisticThenServerCopy(t *testing.T) {
	f := &fakeAPI{fetchRes: map[string]*models.FetchResult{
		"around": {Messages: window("m1"), OlderBoundary: 100, NewerBoundary: 100},
	}}
	e := newTestEngine(f)
	require.NoError(t, e.Open(context.Background(), "c1"))

	msg, err := e.Send(context.Background(), "c1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "srv-tmp-a", msg.ID)

	vm := e.ViewModel("c1")
	require.Len(t, vm.Messages, 2)
	// 乐观副本已被服务端版本替换，窗口里不残留临时 ID
	for _, m := range vm.Messages {
		assert.NotEqual(t, "tmp-a", m.ID)
	}
}

func TestSendRollbackOnFailure(t *testing.T) {
	f := &fakeAPI{
		fetchRes:  map[string]*models.FetchResult{"around": {Messages: window("m1")}},
		createErr: errors.New("boom"),
	}
	e := newTestEngine(f)
	require.NoError(t, e.Open(context.Background(), "c1"))

	_, err := e.Send(context.Background(), "c1", "hello")
	require.Error(t, err)
	vm := e.ViewModel("c1")
	assert.Len(t, vm.Messages, 1, "optimistic insert must be rolled back")
}

func TestSendValidation(t *testing.T) {
	e := newTestEngine(&fakeAPI{})
	_, err := e.Send(context.Background(), "c1", "")
	var verr *api.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestEditRollbackRestoresPrevious(t *testing.T) {
	f := &fakeAPI{
		fetchRes:  map[string]*models.FetchResult{"around": {Messages: window("m1")}},
		updateErr: errors.New("boom"),
	}
	e := newTestEngine(f)
	require.NoError(t, e.Open(context.Background(), "c1"))

	_, err := e.Edit(context.Background(), "c1", "m1", "edited")
	require.Error(t, err)
	vm := e.ViewModel("c1")
	require.Len(t, vm.Messages, 1)
	assert.Equal(t, "m1", vm.Messages[0].Content, "failed edit must restore original content")
	assert.Equal(t, int64(100), vm.Messages[0].UpdatedAt)
}

func TestDeleteRollbackReinsertsMessage(t *testing.T) {
	f := &fakeAPI{
		fetchRes:  map[string]*models.FetchResult{"around": {Messages: window("m1", "m2")}},
		deleteErr: errors.New("boom"),
	}
	e := newTestEngine(f)
	require.NoError(t, e.Open(context.Background(), "c1"))

	err := e.Delete(context.Background(), "c1", "m1")
	require.Error(t, err)
	vm := e.ViewModel("c1")
	require.Len(t, vm.Messages, 2)
	assert.Equal(t, "m1", vm.Messages[0].ID, "failed delete must restore the message in place")
}

func TestDeleteSuccess(t *testing.T) {
	f := &fakeAPI{fetchRes: map[string]*models.FetchResult{"around": {Messages: window("m1", "m2")}}}
	e := newTestEngine(f)
	require.NoError(t, e.Open(context.Background(), "c1"))

	require.NoError(t, e.Delete(context.Background(), "c1", "m2"))
	vm := e.ViewModel("c1")
	require.Len(t, vm.Messages, 1)
}

func TestDraftSurvivesInViewModel(t *testing.T) {
	f := &fakeAPI{fetchRes: map[string]*models.FetchResult{"around": {Messages: window("m1")}}}
	e := newTestEngine(f)
	require.NoError(t, e.Open(context.Background(), "c1"))

	e.UpdateDraft("c1", "typing…")
	assert.Equal(t, "typing…", e.ViewModel("c1").Draft)

	// 发送成功后清空草稿
	_, err := e.Send(context.Background(), "c1", "typing…")
	require.NoError(t, err)
	assert.Equal(t, "", e.ViewModel("c1").Draft)
}
