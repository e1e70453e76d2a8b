// Package services 实现业务服务：消息生命周期、窗口拉取、已读回执与摘要扇出。
package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"go-chatsync/internal/cache"
	"go-chatsync/internal/logging"
	"go-chatsync/internal/models"
	"go-chatsync/internal/mq"
	"go-chatsync/internal/store"
)

var (
	ErrNotMember      = errors.New("not a conversation member")
	ErrNotAuthor      = errors.New("not the message author")
	ErrNotFound       = errors.New("message not found")
	ErrInvalidContent = errors.New("invalid content")
)

// ChatService 负责消息生命周期：
// - Fetch：三方向窗口拉取（older/newer/around），应答携带边界游标与 hasMore
// - Send：幂等入库（client_msg_id）、更新会话索引、Redis 会话通道广播
// - Edit/Delete：仅作者可操作；updated_at 只前进；删除为软删除
// - MarkRead：单调推进已读游标，应答服务端计算的未读数
// 摘要扇出：配置了 Kafka 时投递活动事件由消费者异步广播，否则同步扇出。
type ChatService struct {
	Messages store.MessageStoreInterface
	Convs    *store.ConversationStore
	Receipts *store.ReceiptStore
	Producer *mq.ActivityProducer // 可选

	MaxLimit int
}

func NewChatService(ms store.MessageStoreInterface, cs *store.ConversationStore, rs *store.ReceiptStore) *ChatService {
	return &ChatService{Messages: ms, Convs: cs, Receipts: rs, MaxLimit: 200}
}

func (s *ChatService) clampLimit(limit int) int {
	max := s.MaxLimit
	if max <= 0 {
		max = 200
	}
	if limit <= 0 || limit > max {
		return 50
	}
	return limit
}

// Fetch 按方向拉取窗口。边界游标取返回窗口两端的 created_at（空窗为 0）。
func (s *ChatService) Fetch(ctx context.Context, userID, convID string, timestamp int64, direction models.FetchDirection, limit int) (*models.FetchResult, error) {
	if err := s.requireMember(ctx, convID, userID); err != nil {
		return nil, err
	}
	limit = s.clampLimit(limit)

	var (
		msgs               []models.Message
		hasOlder, hasNewer bool
		err                error
	)
	switch direction {
	case models.DirectionOlder:
		msgs, hasOlder, err = s.Messages.ListOlder(ctx, convID, timestamp, limit)
	case models.DirectionNewer:
		msgs, hasNewer, err = s.Messages.ListNewer(ctx, convID, timestamp, limit)
	default:
		msgs, hasOlder, hasNewer, err = s.Messages.ListAround(ctx, convID, timestamp, limit)
	}
	if err != nil {
		return nil, err
	}

	res := &models.FetchResult{Messages: msgs, HasMoreOlder: hasOlder, HasMoreNewer: hasNewer}
	if len(msgs) > 0 {
		res.OlderBoundary = msgs[0].CreatedAt
		res.NewerBoundary = msgs[len(msgs)-1].CreatedAt
	}
	return res, nil
}

// Send 幂等发送：重复的 client_msg_id 返回首次写入的消息，不产生新事件。
func (s *ChatService) Send(ctx context.Context, userID, convID, clientMsgID, content string) (*models.Message, error) {
	if len(content) < models.ContentMinLen || len(content) > models.ContentMaxLen {
		return nil, ErrInvalidContent
	}
	if err := s.requireMember(ctx, convID, userID); err != nil {
		return nil, err
	}
	if clientMsgID == "" {
		clientMsgID = uuid.NewString()
	}
	// 幂等回查：重试命中时直接返回已有消息
	if prev, err := s.Messages.GetByClientMsgID(ctx, convID, clientMsgID); err == nil && prev != nil {
		return prev, nil
	}

	now := time.Now().UnixMilli()
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		AuthorID:       userID,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Messages.Append(ctx, msg, clientMsgID); err != nil {
		return nil, err
	}
	// INSERT IGNORE 吞掉并发重复：以库内版本为准
	stored, err := s.Messages.GetByClientMsgID(ctx, convID, clientMsgID)
	if err == nil && stored != nil {
		msg = stored
	}
	if err := s.Convs.UpsertConversation(ctx, convID, msg.CreatedAt); err != nil {
		logging.Logger.Warn().Str("conv", convID).Err(err).Msg("conversation upsert failed")
	}

	s.publishEvent(ctx, convID, models.EventCreatedMessage, msg)
	s.emitActivity(ctx, models.ActivityEvent{Type: models.EventCreatedMessage, ConversationID: convID, MessageID: msg.ID, ActorID: userID, At: msg.CreatedAt})
	return msg, nil
}

// Edit 编辑消息；仅作者可编辑，updated_at 严格前进。
func (s *ChatService) Edit(ctx context.Context, userID, messageID, content string) (*models.Message, error) {
	if len(content) < models.ContentMinLen || len(content) > models.ContentMaxLen {
		return nil, ErrInvalidContent
	}
	msg, err := s.Messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.Deleted {
		return nil, ErrNotFound
	}
	if msg.AuthorID != userID {
		return nil, ErrNotAuthor
	}
	now := time.Now().UnixMilli()
	if now <= msg.UpdatedAt {
		now = msg.UpdatedAt + 1
	}
	if err := s.Messages.UpdateContent(ctx, messageID, content, now); err != nil {
		return nil, err
	}
	msg.Content = content
	msg.UpdatedAt = now

	s.publishEvent(ctx, msg.ConversationID, models.EventUpdatedMessage, msg)
	s.emitActivity(ctx, models.ActivityEvent{Type: models.EventUpdatedMessage, ConversationID: msg.ConversationID, MessageID: msg.ID, ActorID: userID, At: now})
	return msg, nil
}

// Delete 软删除；广播 deleted 事件（仅携带定位信息）。
func (s *ChatService) Delete(ctx context.Context, userID, messageID string) error {
	msg, err := s.Messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil || msg.Deleted {
		return ErrNotFound
	}
	if msg.AuthorID != userID {
		return ErrNotAuthor
	}
	now := time.Now().UnixMilli()
	if err := s.Messages.SoftDelete(ctx, messageID, now); err != nil {
		return err
	}

	s.publishEvent(ctx, msg.ConversationID, models.EventDeletedMessage, &models.DeletedPayload{ID: messageID, ConversationID: msg.ConversationID})
	s.emitActivity(ctx, models.ActivityEvent{Type: models.EventDeletedMessage, ConversationID: msg.ConversationID, MessageID: messageID, ActorID: userID, At: now})
	return nil
}

// MarkRead 单调推进已读游标并返回服务端计算的未读数。
// 游标回退的上报被吞掉，但应答仍返回当前未读数。
func (s *ChatService) MarkRead(ctx context.Context, userID, convID, messageID string) (*models.ReadResult, error) {
	if err := s.requireMember(ctx, convID, userID); err != nil {
		return nil, err
	}
	msg, err := s.Messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.ConversationID != convID {
		return nil, ErrNotFound
	}
	if err := s.Receipts.UpsertRead(ctx, userID, convID, messageID, msg.CreatedAt); err != nil {
		return nil, err
	}
	unread, err := s.Receipts.UnreadCount(ctx, userID, convID)
	if err != nil {
		return nil, err
	}
	// 其它设备同步已读进度
	s.pushSummary(ctx, userID, convID)
	return &models.ReadResult{UnreadCount: unread}, nil
}

// NotifyRefresh 请求向本用户其它设备推送会话摘要（本地发送后的去抖通知落点）。
func (s *ChatService) NotifyRefresh(ctx context.Context, userID, convID string) error {
	if err := s.requireMember(ctx, convID, userID); err != nil {
		return err
	}
	s.emitActivity(ctx, models.ActivityEvent{Type: "refresh", ConversationID: convID, ActorID: userID, At: time.Now().UnixMilli()})
	return nil
}

// FanoutSummaries 向会话全部成员的 user 通道广播最新摘要。
// Kafka 消费者与无 Kafka 的同步路径共用此方法。
func (s *ChatService) FanoutSummaries(ctx context.Context, convID string) {
	members, err := s.Convs.MemberIDs(ctx, convID)
	if err != nil {
		logging.Logger.Warn().Str("conv", convID).Err(err).Msg("member list failed")
		return
	}
	for _, uid := range members {
		s.pushSummary(ctx, uid, convID)
	}
}

func (s *ChatService) pushSummary(ctx context.Context, userID, convID string) {
	summary, err := s.Convs.Summary(ctx, userID, convID, s.Receipts)
	if err != nil || summary == nil {
		return
	}
	data, _ := json.Marshal(summary)
	env := models.Envelope{Channel: cache.UserChannel(userID), Type: models.EventConversationInfo, Data: data}
	payload, _ := json.Marshal(env)
	if err := cache.PublishUser(ctx, userID, payload); err != nil {
		logging.Logger.Debug().Str("user", userID).Err(err).Msg("summary publish failed")
	}
}

func (s *ChatService) publishEvent(ctx context.Context, convID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env := models.Envelope{Channel: cache.ConversationChannel(convID), Type: eventType, Data: data}
	raw, _ := json.Marshal(env)
	if err := cache.PublishConversation(ctx, convID, raw); err != nil {
		logging.Logger.Warn().Str("conv", convID).Str("type", eventType).Err(err).Msg("event publish failed")
	}
}

// emitActivity 投递活动事件。配置了 Kafka 时由 summary_consumer 异步扇出摘要，
// 否则降级为同步扇出。
func (s *ChatService) emitActivity(ctx context.Context, evt models.ActivityEvent) {
	if s.Producer != nil {
		if err := s.Producer.Publish(evt); err != nil {
			logging.Logger.Warn().Str("conv", evt.ConversationID).Err(err).Msg("activity publish failed")
		}
		return
	}
	s.FanoutSummaries(ctx, evt.ConversationID)
}

func (s *ChatService) requireMember(ctx context.Context, convID, userID string) error {
	ok, err := s.Convs.IsMember(ctx, convID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}
