// Package convstate 持有客户端侧每个会话的同步状态，是本端唯一可变的事实来源。
// 其它组件（拉取协调器/实时路由/已读合并器）只持有瞬态请求句柄，不复制消息状态。
package convstate

import (
	"sync"

	"go-chatsync/internal/merge"
	"go-chatsync/internal/models"
)

// Conversation 是单个会话的完整客户端状态。
// 不变式：
// - Messages 按 (createdAt, id) 升序且 id 唯一（由 merge 包保证）
// - 所有变更都在 Store 的锁内整体完成，外部永远看不到半程状态
type Conversation struct {
	ConversationID string
	Messages       []models.Message
	OlderBoundary  int64
	NewerBoundary  int64
	HasMoreOlder   bool
	HasMoreNewer   bool
	Loading        bool
	Draft          string

	LastReadMessageID string
	LastReadAt        int64
	UnreadCount       int
}

// Store 管理全部会话状态；互斥锁序列化所有写入（单写者）。
// 会话状态在首次 Ensure 时惰性创建，进程生命周期内常驻。
type Store struct {
	mu        sync.Mutex
	convs     map[string]*Conversation
	listeners []func(conversationID string)
}

func NewStore() *Store {
	return &Store{convs: make(map[string]*Conversation)}
}

// OnChange 注册状态变更回调（携带发生变更的会话 id）。
// 回调在锁外触发，回调内可以安全地再调用 Store 方法。
func (s *Store) OnChange(fn func(conversationID string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) notify(convID string) {
	s.mu.Lock()
	fns := make([]func(string), len(s.listeners))
	copy(fns, s.listeners)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(convID)
	}
}

// Ensure 惰性创建会话状态（首次进入会话时调用）。
func (s *Store) Ensure(convID string) {
	s.mu.Lock()
	if _, ok := s.convs[convID]; !ok {
		s.convs[convID] = &Conversation{ConversationID: convID}
	}
	s.mu.Unlock()
}

// Replace 整体替换消息窗口与两端边界（around/初次加载）。
// around 应答是全新窗口：旧边界直接作废，不与新值合成。
func (s *Store) Replace(convID string, res *models.FetchResult) {
	s.mu.Lock()
	c := s.ensureLocked(convID)
	c.Messages = merge.Merge(nil, res.Messages)
	c.OlderBoundary = res.OlderBoundary
	c.NewerBoundary = res.NewerBoundary
	c.HasMoreOlder = res.HasMoreOlder
	c.HasMoreNewer = res.HasMoreNewer
	s.mu.Unlock()
	s.notify(convID)
}

// MergeFetchResult 将增量拉取结果并入现有窗口：
// - 消息走 merge.Merge（last-write-wins）
// - older 方向以 PickMin 扩张下边界，newer 方向以 PickMax 扩张上边界
func (s *Store) MergeFetchResult(convID string, direction models.FetchDirection, res *models.FetchResult) {
	s.mu.Lock()
	c := s.ensureLocked(convID)
	c.Messages = merge.Merge(c.Messages, res.Messages)
	switch direction {
	case models.DirectionOlder:
		c.OlderBoundary = merge.Combine(c.OlderBoundary, res.OlderBoundary, merge.PickMin)
		c.HasMoreOlder = res.HasMoreOlder
	case models.DirectionNewer:
		c.NewerBoundary = merge.Combine(c.NewerBoundary, res.NewerBoundary, merge.PickMax)
		c.HasMoreNewer = res.HasMoreNewer
	}
	s.mu.Unlock()
	s.notify(convID)
}

// ApplyMessageEvent 应用 created/updated 推送事件。
// 推送只是尽力而为的增量补充：会话状态尚未建立时静默忽略（返回 false），
// 避免在首次 REST 加载前被零散推送造出幽灵空会话。
func (s *Store) ApplyMessageEvent(convID string, m models.Message) bool {
	s.mu.Lock()
	c, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	c.Messages = merge.Merge(c.Messages, []models.Message{m})
	s.mu.Unlock()
	s.notify(convID)
	return true
}

// ApplyUpdateEvent 应用 updated 推送事件：只更新已在窗口内的消息。
// 窗口外的编辑推送静默忽略——该消息要么在后续拉取中以最新版本到达，
// 要么与本窗口无关；据此插入会造出窗口外的孤儿消息。
func (s *Store) ApplyUpdateEvent(convID string, m models.Message) bool {
	s.mu.Lock()
	c, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	present := false
	for i := range c.Messages {
		if c.Messages[i].ID == m.ID {
			present = true
			break
		}
	}
	if !present {
		s.mu.Unlock()
		return false
	}
	c.Messages = merge.Merge(c.Messages, []models.Message{m})
	s.mu.Unlock()
	s.notify(convID)
	return true
}

// ApplyDeleteEvent 应用 deleted 推送事件（无条件移除，last-delete-wins）。
func (s *Store) ApplyDeleteEvent(convID, messageID string) bool {
	s.mu.Lock()
	c, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	c.Messages = merge.ApplyDelete(c.Messages, messageID)
	s.mu.Unlock()
	s.notify(convID)
	return true
}

// RemoveMessage 本地移除消息并返回移除前的副本（乐观删除及其回滚使用）。
func (s *Store) RemoveMessage(convID, messageID string) (models.Message, bool) {
	s.mu.Lock()
	c, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		return models.Message{}, false
	}
	var removed models.Message
	found := false
	for _, m := range c.Messages {
		if m.ID == messageID {
			removed = m
			found = true
			break
		}
	}
	if found {
		c.Messages = merge.ApplyDelete(c.Messages, messageID)
	}
	s.mu.Unlock()
	if found {
		s.notify(convID)
	}
	return removed, found
}

// GetMessage 返回消息副本。
func (s *Store) GetMessage(convID, messageID string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return models.Message{}, false
	}
	for _, m := range c.Messages {
		if m.ID == messageID {
			return m, true
		}
	}
	return models.Message{}, false
}

// Contains 判断消息是否已出现在当前窗口（锚点解析用）。
func (s *Store) Contains(convID, messageID string) bool {
	_, ok := s.GetMessage(convID, messageID)
	return ok
}

// UpdateDraft 更新会话草稿。
func (s *Store) UpdateDraft(convID, draft string) {
	s.mu.Lock()
	c := s.ensureLocked(convID)
	c.Draft = draft
	s.mu.Unlock()
	s.notify(convID)
}

// SetLoading 设置拉取进行中标记。
func (s *Store) SetLoading(convID string, loading bool) {
	s.mu.Lock()
	c := s.ensureLocked(convID)
	c.Loading = loading
	s.mu.Unlock()
	s.notify(convID)
}

// IsLoading 查询拉取进行中标记。
func (s *Store) IsLoading(convID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[convID]; ok {
		return c.Loading
	}
	return false
}

// SetReadCursor 前移已读游标并采纳服务端计算的未读数。
// 单调保护：createdAt 不比当前已知值新时忽略（并发端回流的旧应答不得回退游标）。
func (s *Store) SetReadCursor(convID, messageID string, createdAt int64, unread int) {
	s.mu.Lock()
	c := s.ensureLocked(convID)
	if createdAt <= c.LastReadAt {
		s.mu.Unlock()
		return
	}
	c.LastReadMessageID = messageID
	c.LastReadAt = createdAt
	c.UnreadCount = unread
	s.mu.Unlock()
	s.notify(convID)
}

// LastReadAt 返回会话当前已知的已读时间戳（0=未知）。
func (s *Store) LastReadAt(convID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[convID]; ok {
		return c.LastReadAt
	}
	return 0
}

// SetSummary 采纳 user 通道下发的会话摘要（未读数等）。
func (s *Store) SetSummary(info models.ConversationSummary) bool {
	s.mu.Lock()
	c, ok := s.convs[info.ConversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	c.UnreadCount = info.UnreadCount
	s.mu.Unlock()
	s.notify(info.ConversationID)
	return true
}

// Snapshot 返回会话状态的深拷贝（供表现层/锚点控制器读取）。
func (s *Store) Snapshot(convID string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return Conversation{}, false
	}
	out := *c
	out.Messages = make([]models.Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	return out, true
}

func (s *Store) ensureLocked(convID string) *Conversation {
	c, ok := s.convs[convID]
	if !ok {
		c = &Conversation{ConversationID: convID}
		s.convs[convID] = c
	}
	return c
}
