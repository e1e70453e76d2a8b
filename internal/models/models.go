package models

import "encoding/json"

// Message/ConversationSummary/FetchResult 等为核心领域模型。
// 所有时间戳统一使用 Unix 毫秒（int64），0 表示“尚未建立/未知”。

// Message 表示会话中的一条消息。
// - ID 全局唯一且不可变
// - CreatedAt 不可变；编辑时 UpdatedAt 严格递增
// - 合并时整体替换，绝不就地修改（见 merge 包的 last-write-wins 规则）
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	AuthorID       string `json:"authorId"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
	Deleted        bool   `json:"deleted,omitempty"`
}

// FetchDirection 表示一次游标拉取的方向。
type FetchDirection string

const (
	DirectionOlder  FetchDirection = "older"
	DirectionNewer  FetchDirection = "newer"
	DirectionAround FetchDirection = "around"
)

// FetchResult 是服务端窗口拉取的应答。
// - OlderBoundary/NewerBoundary 为本窗口两端的游标（0=未知）
// - HasMoreOlder/HasMoreNewer 为显式的“还有没有更多”信号，与游标值本身解耦
type FetchResult struct {
	Messages      []Message `json:"messages"`
	OlderBoundary int64     `json:"olderBoundary"`
	NewerBoundary int64     `json:"newerBoundary"`
	HasMoreOlder  bool      `json:"hasMoreOlder"`
	HasMoreNewer  bool      `json:"hasMoreNewer"`
}

// ReadResult 是已读上报的应答；未读数以服务端计算结果为准，客户端不自行推算。
type ReadResult struct {
	UnreadCount int `json:"unreadCount"`
}

// ReadCursor 表示用户在某会话的已读游标；只允许单调前进。
type ReadCursor struct {
	ConversationID    string `json:"conversationId"`
	LastReadMessageID string `json:"lastReadMessageId"`
	LastReadCreatedAt int64  `json:"lastReadCreatedAt"`
}

// ConversationSummary 是会话列表条目（user 通道的 latest_conversation_info 载荷）。
type ConversationSummary struct {
	ConversationID string `json:"conversationId"`
	LastMessageAt  int64  `json:"lastMessageAt"`
	UnreadCount    int    `json:"unreadCount"`
}

// 实时推送事件类型（闭合标签集）。
// 会话通道：created/updated/deleted_chat_message；用户通道：latest_conversation_info。
// 未知标签一律丢弃，不作为错误上抛。
const (
	EventCreatedMessage   = "created_chat_message"
	EventUpdatedMessage   = "updated_chat_message"
	EventDeletedMessage   = "deleted_chat_message"
	EventConversationInfo = "latest_conversation_info"
)

// Envelope 是实时通道的统一线格式。
type Envelope struct {
	Channel string          `json:"channel,omitempty"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// DeletedPayload 是 deleted_chat_message 的载荷（只携带定位信息）。
type DeletedPayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
}

// ChannelState 表示一条实时订阅的连接状态。
type ChannelState string

const (
	ChannelConnecting   ChannelState = "connecting"
	ChannelConnected    ChannelState = "connected"
	ChannelIdle         ChannelState = "idle"
	ChannelDisconnected ChannelState = "disconnected"
	ChannelClosed       ChannelState = "closed"
)

// Alive 表示该状态下订阅仍然有效，EnsureSubscribed 应视为幂等无操作。
func (s ChannelState) Alive() bool {
	return s == ChannelConnecting || s == ChannelConnected || s == ChannelIdle
}

// 消息内容约束（发送/编辑前的本地校验）。
const (
	ContentMinLen = 1
	ContentMaxLen = 4000
)

// User 是服务端账号（引擎侧不使用）。
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Password    string `json:"-"` // bcrypt 哈希
	DisplayName string `json:"displayName"`
	CreatedAt   int64  `json:"createdAt"`
}

// ActivityEvent 是投递到 Kafka 活动流的会话动态（摘要消费者据此重算未读并广播）。
type ActivityEvent struct {
	Type           string `json:"type"` // created/updated/deleted_chat_message 或 read/refresh
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
	ActorID        string `json:"actorId"`
	At             int64  `json:"at"`
}
