// Package receipt 合并“标记已读”意图：静默窗口去抖、取消被取代的在途请求，
// 并保证已读游标只会前进。
package receipt

import (
	"context"
	"sync"
	"time"

	"go-chatsync/internal/api"
	"go-chatsync/internal/convstate"
	"go-chatsync/internal/logging"
	"go-chatsync/internal/metrics"
	"go-chatsync/internal/models"
)

// DefaultQuiet 是默认的去抖静默窗口。
const DefaultQuiet = 500 * time.Millisecond

// MarkReadAPI 是合并器需要的 REST 能力子集。
type MarkReadAPI interface {
	MarkRead(ctx context.Context, convID, messageID string) (*models.ReadResult, error)
}

// CancelFunc 撤销一次已调度的触发。
type CancelFunc func()

// Scheduler 把回调延迟 d 后执行；默认实现为 time.AfterFunc。
// 注入点存在的目的：测试可以用手工调度器驱动状态机，无需真实计时器。
type Scheduler func(d time.Duration, fn func()) CancelFunc

func defaultScheduler(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// 每会话状态机：idle → scheduled → inflight → idle。
// 取消-取代是显式迁移而不是计时器身份技巧。
type convState int

const (
	stateIdle convState = iota
	stateScheduled
	stateInflight
)

type convEntry struct {
	state        convState
	pendingMsgID string
	pendingAt    int64
	maxSeenAt    int64 // 已接受（调度或在途）的最大 createdAt，单调性防线之一
	cancelTimer  CancelFunc
	cancelReq    context.CancelFunc
	reqGen       uint64 // 在途请求代号，过期完成据此丢弃
}

// Coalescer 按会话去抖已读上报。
type Coalescer struct {
	mu       sync.Mutex
	api      MarkReadAPI
	store    *convstate.Store
	quiet    time.Duration
	schedule Scheduler
	gen      uint64
	convs    map[string]*convEntry
}

type Option func(*Coalescer)

// WithQuiet 覆盖静默窗口时长。
func WithQuiet(d time.Duration) Option {
	return func(c *Coalescer) { c.quiet = d }
}

// WithScheduler 注入调度器（测试用）。
func WithScheduler(s Scheduler) Option {
	return func(c *Coalescer) { c.schedule = s }
}

func NewCoalescer(readAPI MarkReadAPI, store *convstate.Store, opts ...Option) *Coalescer {
	c := &Coalescer{
		api:      readAPI,
		store:    store,
		quiet:    DefaultQuiet,
		schedule: defaultScheduler,
		convs:    make(map[string]*convEntry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// MarkRead 记录一次已读意图。
// 守卫：createdAt 不比“已知已读游标与已接受意图的较大者”更新时整体丢弃
// （不去抖、不发送）——杜绝冗余与倒退流量。被接受的意图覆盖待发参数并
// 重开静默窗口；窗口到期时真正发起网络请求。
func (c *Coalescer) MarkRead(convID, messageID string, createdAt int64) {
	c.mu.Lock()
	e, ok := c.convs[convID]
	if !ok {
		e = &convEntry{}
		c.convs[convID] = e
	}
	floor := c.store.LastReadAt(convID)
	if e.maxSeenAt > floor {
		floor = e.maxSeenAt
	}
	if createdAt <= floor {
		c.mu.Unlock()
		metrics.MarkReadCoalescedTotal.Inc()
		return
	}
	if e.state == stateScheduled {
		metrics.MarkReadCoalescedTotal.Inc()
	}
	e.pendingMsgID = messageID
	e.pendingAt = createdAt
	e.maxSeenAt = createdAt
	if e.cancelTimer != nil {
		e.cancelTimer()
	}
	if e.state == stateIdle {
		e.state = stateScheduled
	}
	// in-flight 状态下同样重新调度：到期时取消旧请求再发新的
	e.cancelTimer = c.schedule(c.quiet, func() { c.fire(convID) })
	c.mu.Unlock()
}

// fire 静默窗口到期：取消仍在途的旧请求，携带最新参数发起新请求。
func (c *Coalescer) fire(convID string) {
	c.mu.Lock()
	e, ok := c.convs[convID]
	if !ok || e.pendingMsgID == "" {
		c.mu.Unlock()
		return
	}
	if e.cancelReq != nil {
		// 单调保护之二：老的在途请求若晚于新请求完成，会把服务端游标拉回去
		e.cancelReq()
	}
	msgID, at := e.pendingMsgID, e.pendingAt
	e.pendingMsgID, e.pendingAt = "", 0
	ctx, cancel := context.WithCancel(context.Background())
	c.gen++
	gen := c.gen
	e.state = stateInflight
	e.cancelReq = cancel
	e.reqGen = gen
	e.cancelTimer = nil
	c.mu.Unlock()

	metrics.MarkReadIssuedTotal.Inc()
	res, err := c.api.MarkRead(ctx, convID, msgID)
	cancel()

	c.mu.Lock()
	current := e.reqGen == gen
	if current {
		e.cancelReq = nil
		if e.state == stateInflight {
			e.state = stateIdle
		}
	}
	c.mu.Unlock()

	if !current {
		return
	}
	if err != nil {
		if !api.IsCanceled(err) {
			logging.Logger.Warn().Str("conv", convID).Err(err).Msg("mark read failed")
		}
		return
	}
	// 本地未读数与已读游标以服务端应答为准；convstate 内部再做一次单调校验
	c.store.SetReadCursor(convID, msgID, at, res.UnreadCount)
}
