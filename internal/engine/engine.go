// Package engine 是同步引擎的组合根与对外门面：
// 表现层只依赖本包，内部协调 拉取/合并/实时订阅/已读回执/滚动锚点。
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"go-chatsync/internal/api"
	"go-chatsync/internal/convstate"
	"go-chatsync/internal/fetch"
	"go-chatsync/internal/logging"
	"go-chatsync/internal/models"
	"go-chatsync/internal/realtime"
	"go-chatsync/internal/receipt"
	"go-chatsync/internal/scroll"
)

// API 聚合引擎所需的全部服务端操作；*api.Client 是生产实现。
type API interface {
	FetchMessages(ctx context.Context, convID string, timestamp int64, direction models.FetchDirection, limit int) (*models.FetchResult, error)
	MarkRead(ctx context.Context, convID, messageID string) (*models.ReadResult, error)
	CreateMessage(ctx context.Context, convID, clientMsgID, content string) (*models.Message, error)
	UpdateMessage(ctx context.Context, messageID, content string) (*models.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	NotifySummaryRefresh(ctx context.Context, convID string) error
}

// Engine 按会话聚合同步状态；所有方法并发安全。
type Engine struct {
	userID    string
	api       API
	store     *convstate.Store
	fetcher   *fetch.Coordinator
	receipts  *receipt.Coalescer
	channels  *realtime.Manager
	anchors   *scroll.Controller
	newMsgID  func() string
	nowMillis func() int64
}

type Option func(*Engine)

// WithFetchLimit 覆盖单次拉取窗口大小。
func WithFetchLimit(limit int) Option {
	return func(e *Engine) {
		e.fetcher = fetch.NewCoordinator(e.api, e.store, limit)
	}
}

// WithReceiptOptions 透传已读回执去抖参数。
func WithReceiptOptions(opts ...receipt.Option) Option {
	return func(e *Engine) {
		e.receipts = receipt.NewCoalescer(e.api, e.store, opts...)
	}
}

// WithIDGenerator 注入客户端消息 ID 生成器（测试用）。
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newMsgID = fn }
}

// WithClock 注入时钟（测试用）。
func WithClock(fn func() int64) Option {
	return func(e *Engine) { e.nowMillis = fn }
}

// New 组装引擎。transport 为 nil 时禁用实时订阅（纯拉取模式，测试常用）。
func New(userID string, a API, transport realtime.Transport, opts ...Option) *Engine {
	st := convstate.NewStore()
	e := &Engine{
		userID:    userID,
		api:       a,
		store:     st,
		fetcher:   fetch.NewCoordinator(a, st, 0),
		receipts:  receipt.NewCoalescer(a, st),
		anchors:   scroll.NewController(st),
		newMsgID:  func() string { return uuid.NewString() },
		nowMillis: func() int64 { return time.Now().UnixMilli() },
	}
	if transport != nil {
		e.channels = realtime.NewManager(transport, st, realtime.WithNotifier(a))
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Store 暴露底层状态（变更订阅用）。
func (e *Engine) Store() *convstate.Store { return e.store }

// Open 进入会话：建立订阅、围绕最近已读位置做初始拉取、计算初始锚点。
func (e *Engine) Open(ctx context.Context, convID string) error {
	e.store.Ensure(convID)
	if e.channels != nil {
		if err := e.channels.EnsureUser(ctx, e.userID); err != nil {
			logging.Logger.Warn().Str("user", e.userID).Err(err).Msg("user channel subscribe failed")
		}
		if err := e.channels.EnsureConversation(ctx, convID); err != nil {
			logging.Logger.Warn().Str("conv", convID).Err(err).Msg("conversation channel subscribe failed")
		}
	}
	anchorAt := e.store.LastReadAt(convID)
	out, err := e.fetcher.Fetch(ctx, convID, anchorAt, models.DirectionAround)
	if err != nil {
		return err
	}
	if !out.Applied {
		return nil
	}
	snap, ok := e.store.Snapshot(convID)
	if !ok {
		return nil
	}
	e.anchors.SetTarget(convID, scroll.Initial(snap))
	return nil
}

// LoadOlder 向历史方向翻页。窗口已到尽头或同会话已有在途请求时为无操作。
func (e *Engine) LoadOlder(ctx context.Context, convID string) error {
	snap, ok := e.store.Snapshot(convID)
	if !ok || !snap.HasMoreOlder {
		return nil
	}
	return e.load(ctx, convID, snap.OlderBoundary, models.DirectionOlder)
}

// LoadNewer 向最新方向翻页。
func (e *Engine) LoadNewer(ctx context.Context, convID string) error {
	snap, ok := e.store.Snapshot(convID)
	if !ok || !snap.HasMoreNewer {
		return nil
	}
	return e.load(ctx, convID, snap.NewerBoundary, models.DirectionNewer)
}

func (e *Engine) load(ctx context.Context, convID string, boundary int64, dir models.FetchDirection) error {
	out, err := e.fetcher.Fetch(ctx, convID, boundary, dir)
	if err != nil {
		if api.IsCanceled(err) {
			return nil
		}
		return err
	}
	if out.Applied {
		e.anchors.SetTarget(convID, out.Anchor)
	}
	return nil
}

// Send 乐观发送：先落本地窗口，服务端确认后用权威版本替换；
// 失败则撤销本地插入并把错误交还调用方。
func (e *Engine) Send(ctx context.Context, convID, content string) (*models.Message, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}
	clientID := e.newMsgID()
	now := e.nowMillis()
	local := models.Message{
		ID:             clientID,
		ConversationID: convID,
		AuthorID:       e.userID,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	e.store.Ensure(convID)
	e.store.ApplyMessageEvent(convID, local)

	msg, err := e.api.CreateMessage(ctx, convID, clientID, content)
	if err != nil {
		e.store.RemoveMessage(convID, clientID)
		return nil, err
	}
	// 服务端 ID 与客户端临时 ID 不同时，替换乐观副本
	if msg.ID != clientID {
		e.store.RemoveMessage(convID, clientID)
	}
	e.store.ApplyMessageEvent(convID, *msg)
	e.store.UpdateDraft(convID, "")
	if e.channels != nil {
		e.channels.NotifyLocalSend(convID)
	}
	return msg, nil
}

// Edit 乐观编辑：失败时恢复编辑前的消息。
func (e *Engine) Edit(ctx context.Context, convID, messageID, content string) (*models.Message, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}
	prev, ok := e.store.GetMessage(convID, messageID)
	if !ok {
		return nil, &api.ValidationError{Field: "messageId", Reason: "not in window"}
	}
	optimistic := prev
	optimistic.Content = content
	optimistic.UpdatedAt = e.nowMillis()
	e.store.ApplyMessageEvent(convID, optimistic)

	msg, err := e.api.UpdateMessage(ctx, messageID, content)
	if err != nil {
		// 回滚不能走 last-write-wins（旧 UpdatedAt 会被拒），直接重放删除+插入
		e.store.RemoveMessage(convID, messageID)
		e.store.ApplyMessageEvent(convID, prev)
		return nil, err
	}
	e.store.ApplyMessageEvent(convID, *msg)
	return msg, nil
}

// Delete 乐观删除：本地先移除，服务端失败时原样恢复。
func (e *Engine) Delete(ctx context.Context, convID, messageID string) error {
	removed, ok := e.store.RemoveMessage(convID, messageID)
	if !ok {
		return nil
	}
	if err := e.api.DeleteMessage(ctx, messageID); err != nil {
		e.store.ApplyMessageEvent(convID, removed)
		return err
	}
	return nil
}

// OnMessageVisible 由表现层在消息进入视口时调用（已读回执合并上报）。
func (e *Engine) OnMessageVisible(convID, messageID string, createdAt int64) {
	e.receipts.MarkRead(convID, messageID, createdAt)
}

// UpdateDraft 保存草稿（跨会话切换保留）。
func (e *Engine) UpdateDraft(convID, draft string) {
	e.store.UpdateDraft(convID, draft)
}

// Close 离开会话：取消在途拉取并拆除会话通道；状态保留以便快速返回。
func (e *Engine) Close(convID string) {
	e.fetcher.Cancel(convID)
	if e.channels != nil {
		e.channels.Teardown(realtime.ConversationKey(convID))
	}
}

// Shutdown 拆除全部订阅（退出登录）。
func (e *Engine) Shutdown() {
	if e.channels != nil {
		e.channels.TeardownAll()
	}
}

// ViewModel 是表现层一次渲染所需的全部状态快照。
type ViewModel struct {
	Messages     []models.Message
	IsLoading    bool
	CanLoadOlder bool
	CanLoadNewer bool
	UnreadCount  int
	Draft        string
	Anchor       scroll.Anchor
	AnchorReady  bool
}

// ViewModel 读取会话快照；会话未打开时返回零值。
func (e *Engine) ViewModel(convID string) ViewModel {
	snap, ok := e.store.Snapshot(convID)
	if !ok {
		return ViewModel{}
	}
	a, ready := e.anchors.Current(convID)
	return ViewModel{
		Messages:     snap.Messages,
		IsLoading:    snap.Loading,
		CanLoadOlder: snap.HasMoreOlder,
		CanLoadNewer: snap.HasMoreNewer,
		UnreadCount:  snap.UnreadCount,
		Draft:        snap.Draft,
		Anchor:       a,
		AnchorReady:  ready,
	}
}

func validateContent(content string) error {
	if len(content) < models.ContentMinLen {
		return &api.ValidationError{Field: "content", Reason: "empty"}
	}
	if len(content) > models.ContentMaxLen {
		return &api.ValidationError{Field: "content", Reason: "too long"}
	}
	return nil
}
