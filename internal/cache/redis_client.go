package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// 本包封装 Redis 客户端与实时分发通道键：
// - 会话通道：chat:conv:<conversationId>（成员订阅，消息事件扇出）
// - 用户通道：chat:user:<userId>（跨设备会话摘要推送）
// WS 网关订阅这些 Pub/Sub 通道并转发给对应连接。
var (
	redisClient *redis.Client
)

func InitRedis(addr, pass string, db int) {
	redisClient = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})
}

func Client() *redis.Client { return redisClient }

// ConversationChannel 返回会话事件通道；UserChannel 返回用户摘要通道。
func ConversationChannel(convID string) string { return fmt.Sprintf("chat:conv:%s", convID) }
func UserChannel(userID string) string         { return fmt.Sprintf("chat:user:%s", userID) }

// PublishConversation 向会话通道广播事件（payload 为 Envelope JSON）。
func PublishConversation(ctx context.Context, convID string, payload []byte) error {
	return redisClient.Publish(ctx, ConversationChannel(convID), payload).Err()
}

// PublishUser 向用户通道广播摘要。
func PublishUser(ctx context.Context, userID string, payload []byte) error {
	return redisClient.Publish(ctx, UserChannel(userID), payload).Err()
}
