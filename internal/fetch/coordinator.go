// Package fetch 负责发起游标拉取：同一会话同一时刻至多一个在途请求，
// 新请求总是取消旧请求（最新意图胜出），过期完成一律丢弃。
package fetch

import (
	"context"
	"sync"
	"time"

	"go-chatsync/internal/api"
	"go-chatsync/internal/convstate"
	"go-chatsync/internal/logging"
	"go-chatsync/internal/metrics"
	"go-chatsync/internal/models"
	"go-chatsync/internal/scroll"
)

// RestAPI 是协调器需要的 REST 能力子集。
type RestAPI interface {
	FetchMessages(ctx context.Context, convID string, timestamp int64, direction models.FetchDirection, limit int) (*models.FetchResult, error)
}

// Outcome 是一次拉取的落账结果。
// Applied=false 表示请求被取消或被更新的请求取代，状态未被触碰，也不是错误。
type Outcome struct {
	Applied bool
	Anchor  scroll.Anchor
	Result  *models.FetchResult
}

// Coordinator 维护 conversationId → 在途请求 的唯一映射。
// 映射由构造器注入的实例私有持有，不存在包级可变全局，测试可各自实例化。
type Coordinator struct {
	mu      sync.Mutex
	api     RestAPI
	store   *convstate.Store
	limit   int
	seq     uint64
	pending map[string]*pendingFetch
}

// pendingFetch 是某会话的唯一在途拉取句柄；完成/取消/被取代时销毁。
type pendingFetch struct {
	id        uint64
	direction models.FetchDirection
	cancel    context.CancelFunc
}

func NewCoordinator(restAPI RestAPI, store *convstate.Store, limit int) *Coordinator {
	if limit <= 0 {
		limit = 50
	}
	return &Coordinator{
		api:     restAPI,
		store:   store,
		limit:   limit,
		pending: make(map[string]*pendingFetch),
	}
}

// Fetch 发起一次拉取并把结果落账到 convstate。
// 发起前无条件取消该会话已有的在途请求（无论方向）：慢的 older 应答
// 绝不允许落在新的 around 之后污染边界。
// 返回值约定：
// - 成功落账：Outcome.Applied=true，附带建议锚点
// - 被取消/被取代：Outcome.Applied=false 且 err=nil（窗口不变，取消时清除 loading）
// - 传输失败：err 非 nil（可重试错误，isLoading 已清除，不自动重试）
func (c *Coordinator) Fetch(ctx context.Context, convID string, timestamp int64, direction models.FetchDirection) (*Outcome, error) {
	cctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if prev, ok := c.pending[convID]; ok {
		logging.Logger.Debug().Str("conv", convID).Str("direction", string(prev.direction)).Msg("fetch superseded")
		metrics.FetchTotal.WithLabelValues(string(prev.direction), "superseded").Inc()
		prev.cancel()
	}
	c.seq++
	p := &pendingFetch{id: c.seq, direction: direction, cancel: cancel}
	c.pending[convID] = p
	c.mu.Unlock()

	c.store.SetLoading(convID, true)

	start := time.Now()
	res, err := c.api.FetchMessages(cctx, convID, timestamp, direction, c.limit)
	metrics.FetchLatency.Observe(float64(time.Since(start).Milliseconds()))

	// 过期完成检测：只有在仍是该会话当前在途请求时才允许触碰状态
	c.mu.Lock()
	current := c.pending[convID] == p
	if current {
		delete(c.pending, convID)
	}
	c.mu.Unlock()
	cancel()

	if !current {
		return &Outcome{}, nil
	}
	if err != nil {
		if api.IsCanceled(err) {
			// 被外层 ctx 取消且仍是当前请求：没有后继请求接管，loading 就此清除
			c.store.SetLoading(convID, false)
			metrics.FetchTotal.WithLabelValues(string(direction), "canceled").Inc()
			return &Outcome{}, nil
		}
		c.store.SetLoading(convID, false)
		metrics.FetchTotal.WithLabelValues(string(direction), "error").Inc()
		logging.Logger.Warn().Str("conv", convID).Str("direction", string(direction)).Err(err).Msg("fetch failed")
		return nil, err
	}

	// 合并前先记下旧窗口的 id 集合，供锚点识别“本次新增”
	prevIDs := c.windowIDs(convID)
	replaced := direction == models.DirectionAround
	if replaced {
		c.store.Replace(convID, res)
	} else {
		c.store.MergeFetchResult(convID, direction, res)
	}
	c.store.SetLoading(convID, false)
	metrics.FetchTotal.WithLabelValues(string(direction), "ok").Inc()

	snap, _ := c.store.Snapshot(convID)
	anchor := scroll.AfterFetch(direction, replaced, snap.Messages, prevIDs)
	return &Outcome{Applied: true, Anchor: anchor, Result: res}, nil
}

// Cancel 取消会话的在途拉取（若有）。
func (c *Coordinator) Cancel(convID string) {
	c.mu.Lock()
	p, ok := c.pending[convID]
	if ok {
		p.cancel()
		delete(c.pending, convID)
	}
	c.mu.Unlock()
	if ok {
		c.store.SetLoading(convID, false)
	}
}

// HasPending 查询会话是否有在途拉取（测试与调试用）。
func (c *Coordinator) HasPending(convID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[convID]
	return ok
}

func (c *Coordinator) windowIDs(convID string) map[string]bool {
	snap, ok := c.store.Snapshot(convID)
	if !ok {
		return nil
	}
	ids := make(map[string]bool, len(snap.Messages))
	for _, m := range snap.Messages {
		ids[m.ID] = true
	}
	return ids
}
