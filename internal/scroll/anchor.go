// Package scroll 决定视口锚点：首次进入锚在哪里、异步加载前后如何保持视觉位置。
// 决策本身是纯函数；Controller 只负责把“目标消息尚未到达”的锚点挂起，
// 等它真正出现在 convstate 窗口后才暴露给表现层。
package scroll

import (
	"sync"

	"go-chatsync/internal/convstate"
	"go-chatsync/internal/models"
)

// Position 表示锚点消息应停靠在视口的哪一端。
type Position string

const (
	PositionStart Position = "start"
	PositionEnd   Position = "end"
)

// Anchor 是一次定位意图。MessageID 为空时表示纯粹的窗口顶部/底部
//（Position 区分两者），否则钉住具体消息。
type Anchor struct {
	MessageID string
	Position  Position
}

// Initial 决定首次进入会话的锚点：
// - 有未读且未读分隔线落在已加载窗口内：锚在分隔线后的第一条未读消息
// - 有未读但分隔线不可解析（更老的上下文还没加载）：锚到顶部，迫使先拉一页 older
// - 无未读：锚到底部（最新消息）
func Initial(c convstate.Conversation) Anchor {
	if c.UnreadCount == 0 || len(c.Messages) == 0 {
		return Anchor{Position: PositionEnd}
	}
	if c.LastReadAt > 0 {
		for _, m := range c.Messages {
			if m.CreatedAt > c.LastReadAt {
				return Anchor{MessageID: m.ID, Position: PositionStart}
			}
		}
	}
	// 分隔线在窗口之外（或已读游标未知）
	if c.HasMoreOlder {
		return Anchor{Position: PositionStart}
	}
	return Anchor{Position: PositionEnd}
}

// AfterFetch 决定一次拉取落账后的锚点：
// - older 且整窗替换：锚最新一条，停靠窗口末端
// - older 增量合并：锚本次新增中最老的一条，停靠窗口起始端
//   （保持用户正盯着的内容不动，避免“内容把我顶下去”的跳动）
// - newer：锚最新一条，停靠末端
// prevIDs 为合并前窗口内的消息 id 集合，用于识别“本次新增”。
func AfterFetch(direction models.FetchDirection, replaced bool, merged []models.Message, prevIDs map[string]bool) Anchor {
	if len(merged) == 0 {
		return Anchor{Position: PositionEnd}
	}
	if direction == models.DirectionOlder && !replaced {
		for _, m := range merged {
			if !prevIDs[m.ID] {
				return Anchor{MessageID: m.ID, Position: PositionStart}
			}
		}
		// 没有真正新增（整页去重掉了）：保持在窗口起始端
		return Anchor{MessageID: merged[0].ID, Position: PositionStart}
	}
	newest := merged[len(merged)-1]
	return Anchor{MessageID: newest.ID, Position: PositionEnd}
}

// Controller 持有每个会话的当前锚点目标，并把解析延迟到目标消息
// 真正出现在窗口中之后——绝不滚向一条还没到达的消息。
type Controller struct {
	mu      sync.Mutex
	store   *convstate.Store
	targets map[string]Anchor
}

func NewController(store *convstate.Store) *Controller {
	return &Controller{store: store, targets: make(map[string]Anchor)}
}

// SetTarget 设置会话的锚点目标（覆盖旧目标：最新意图胜出）。
func (c *Controller) SetTarget(convID string, a Anchor) {
	c.mu.Lock()
	c.targets[convID] = a
	c.mu.Unlock()
}

// Current 返回会话当前可用的锚点。目标钉住的消息尚未进入窗口时返回 false，
// 调用方应在 convstate 变更后重试（引擎在 OnChange 里驱动）。
func (c *Controller) Current(convID string) (Anchor, bool) {
	c.mu.Lock()
	a, ok := c.targets[convID]
	c.mu.Unlock()
	if !ok {
		return Anchor{}, false
	}
	if a.MessageID != "" && !c.store.Contains(convID, a.MessageID) {
		return Anchor{}, false
	}
	return a, true
}
