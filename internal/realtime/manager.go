// Package realtime 管理实时订阅的生命周期并把入站事件路由到 convstate：
// 每个可见会话一条 conversation 通道，外加一条 user 通道。
// 订阅建立是幂等的（渲染层可以在每次可见性重算时调用），拆除不会重复断开。
package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go-chatsync/internal/convstate"
	"go-chatsync/internal/logging"
	"go-chatsync/internal/metrics"
	"go-chatsync/internal/models"
)

// Channel 是一条已建立订阅的句柄。
type Channel interface {
	Key() string
	State() models.ChannelState
	Disconnect() error
}

// Transport 抽象实时传输（重连/退避等细节在传输内部）。
type Transport interface {
	Subscribe(ctx context.Context, key string, params map[string]string, onMessage func([]byte)) (Channel, error)
}

// SummaryNotifier 通知服务端向本用户其它设备推送会话摘要刷新。
type SummaryNotifier interface {
	NotifySummaryRefresh(ctx context.Context, convID string) error
}

// CancelFunc 撤销一次已调度的触发。
type CancelFunc func()

// Scheduler 延迟执行回调；默认 time.AfterFunc，测试可注入。
type Scheduler func(d time.Duration, fn func()) CancelFunc

func defaultScheduler(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// ConversationKey/UserKey 构造通道键。
func ConversationKey(convID string) string { return "conversation:" + convID }
func UserKey(userID string) string         { return "user:" + userID }

// Manager 持有 key → 通道 的唯一映射（构造器注入，非包级全局）。
// 核心不变式：每个 key 至多一条存活订阅。
type Manager struct {
	mu          sync.Mutex
	transport   Transport
	store       *convstate.Store
	channels    map[string]Channel
	notifier    SummaryNotifier
	notifyQuiet time.Duration
	schedule    Scheduler
	notifyTimer map[string]CancelFunc
}

type Option func(*Manager)

// WithNotifier 启用本地发送后的跨设备摘要刷新（尽力而为）。
func WithNotifier(n SummaryNotifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithNotifyQuiet 覆盖摘要刷新去抖窗口。
func WithNotifyQuiet(d time.Duration) Option {
	return func(m *Manager) { m.notifyQuiet = d }
}

// WithScheduler 注入调度器（测试用）。
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) { m.schedule = s }
}

func NewManager(transport Transport, store *convstate.Store, opts ...Option) *Manager {
	m := &Manager{
		transport:   transport,
		store:       store,
		channels:    make(map[string]Channel),
		notifyQuiet: time.Second,
		schedule:    defaultScheduler,
		notifyTimer: make(map[string]CancelFunc),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// EnsureConversation 确保会话通道已订阅（幂等）。
func (m *Manager) EnsureConversation(ctx context.Context, convID string) error {
	return m.ensure(ctx, ConversationKey(convID), map[string]string{"conversationId": convID})
}

// EnsureUser 确保用户通道已订阅（幂等）。
func (m *Manager) EnsureUser(ctx context.Context, userID string) error {
	return m.ensure(ctx, UserKey(userID), map[string]string{"userId": userID})
}

// ensure：通道处于 connecting/connected/idle 时为无操作——该幂等检查是
// 本组件的立身之本，渲染重算高频触发时绝不允许重复订阅。
func (m *Manager) ensure(ctx context.Context, key string, params map[string]string) error {
	m.mu.Lock()
	if ch, ok := m.channels[key]; ok && ch.State().Alive() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	ch, err := m.transport.Subscribe(ctx, key, params, func(raw []byte) { m.handleInbound(key, raw) })
	if err != nil {
		logging.Logger.Warn().Str("channel", key).Err(err).Msg("subscribe failed")
		return err
	}

	m.mu.Lock()
	// 竞态复查：并发 ensure 抢先建立了存活通道时，放弃本条
	if prev, ok := m.channels[key]; ok && prev.State().Alive() && prev != ch {
		m.mu.Unlock()
		_ = ch.Disconnect()
		return nil
	}
	m.channels[key] = ch
	m.mu.Unlock()
	logging.Logger.Debug().Str("channel", key).Msg("subscribed")
	return nil
}

// Teardown 拆除指定通道；已处于 disconnected/closed 时不再调用断开
//（部分传输对二次断开会报错）。
func (m *Manager) Teardown(key string) {
	m.mu.Lock()
	ch, ok := m.channels[key]
	if ok {
		delete(m.channels, key)
	}
	// 去抖定时器按会话 ID 登记（NotifyLocalSend），拆会话通道时一并撤销
	if convID := strings.TrimPrefix(key, "conversation:"); convID != key {
		if t, tok := m.notifyTimer[convID]; tok {
			t()
			delete(m.notifyTimer, convID)
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	st := ch.State()
	if st == models.ChannelDisconnected || st == models.ChannelClosed {
		return
	}
	if err := ch.Disconnect(); err != nil {
		logging.Logger.Debug().Str("channel", key).Err(err).Msg("disconnect error")
	}
}

// TeardownAll 拆除全部通道（退出登录/关闭会话列表时）。
func (m *Manager) TeardownAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.channels))
	for k := range m.channels {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	for _, k := range keys {
		m.Teardown(k)
	}
}

// ChannelState 返回通道状态（无订阅时 false）。
func (m *Manager) ChannelState(key string) (models.ChannelState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[key]
	if !ok {
		return "", false
	}
	return ch.State(), true
}

// handleInbound 校验并路由入站事件。
// 畸形/未知事件丢弃并计数，绝不向分发路径抛错——一条坏事件不能
// 阻塞后续事件的投递。
func (m *Manager) handleInbound(key string, raw []byte) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.RealtimeDroppedTotal.Inc()
		logging.Logger.Debug().Str("channel", key).Err(err).Msg("malformed event dropped")
		return
	}
	switch env.Type {
	case models.EventCreatedMessage:
		var msg models.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil || msg.ID == "" || msg.ConversationID == "" {
			metrics.RealtimeDroppedTotal.Inc()
			return
		}
		metrics.RealtimeEventsTotal.WithLabelValues(env.Type).Inc()
		m.store.ApplyMessageEvent(msg.ConversationID, msg)
	case models.EventUpdatedMessage:
		var msg models.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil || msg.ID == "" || msg.ConversationID == "" {
			metrics.RealtimeDroppedTotal.Inc()
			return
		}
		metrics.RealtimeEventsTotal.WithLabelValues(env.Type).Inc()
		// 编辑推送只允许触碰已在窗口内的消息；窗口外的 id 静默忽略
		m.store.ApplyUpdateEvent(msg.ConversationID, msg)
	case models.EventDeletedMessage:
		var p models.DeletedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.ID == "" || p.ConversationID == "" {
			metrics.RealtimeDroppedTotal.Inc()
			return
		}
		metrics.RealtimeEventsTotal.WithLabelValues(env.Type).Inc()
		m.store.ApplyDeleteEvent(p.ConversationID, p.ID)
	case models.EventConversationInfo:
		var info models.ConversationSummary
		if err := json.Unmarshal(env.Data, &info); err != nil || info.ConversationID == "" {
			metrics.RealtimeDroppedTotal.Inc()
			return
		}
		metrics.RealtimeEventsTotal.WithLabelValues(env.Type).Inc()
		m.store.SetSummary(info)
	default:
		metrics.RealtimeDroppedTotal.Inc()
		logging.Logger.Debug().Str("channel", key).Str("type", env.Type).Msg("unknown event dropped")
	}
}

// NotifyLocalSend 在本地用户成功发出消息后调用：去抖地请求服务端向
// 本用户其它设备推送摘要刷新。失败只记日志，永不上抛给用户。
func (m *Manager) NotifyLocalSend(convID string) {
	if m.notifier == nil {
		return
	}
	m.mu.Lock()
	if t, ok := m.notifyTimer[convID]; ok {
		t()
	}
	m.notifyTimer[convID] = m.schedule(m.notifyQuiet, func() {
		m.mu.Lock()
		delete(m.notifyTimer, convID)
		m.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.notifier.NotifySummaryRefresh(ctx, convID); err != nil {
			logging.Logger.Debug().Str("conv", convID).Err(err).Msg("summary refresh notify failed")
		}
	})
	m.mu.Unlock()
}
