// Package ws 提供实时订阅网关：一条 WebSocket 连接对应一个通道键
//（conversation:<id> 或 user:<id>），网关完成认证与准入后把对应的
// Redis Pub/Sub 通道转发给连接。
package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"go-chatsync/internal/auth"
	"go-chatsync/internal/cache"
	"go-chatsync/internal/logging"
	"go-chatsync/internal/ratelimit"
	"go-chatsync/internal/store"
)

// Server 是 WebSocket 订阅网关。
// - conversation 通道要求订阅者是会话成员
// - user 通道只允许本人订阅
// - 基于 Redis 令牌桶限制订阅建立频率，防止滥用
// - 每个连接单独的写串行化（此处只有转发循环一个写方，无需互斥）
type Server struct {
	JWTSecret string
	Convs     *store.ConversationStore

	SubQPS   int
	SubBurst int
	Limiter  *ratelimit.TokenBucketLimiter
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle 处理 GET /ws?channel=<key>&token=<jwt>。
func (s *Server) Handle(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	token := c.Query("token")
	if token == "" {
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	userID, err := auth.Parse(s.JWTSecret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	channelKey := c.Query("channel")
	redisChannel, err := s.authorize(ctx, userID, channelKey)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	if !s.rateLimitAllow(ctx, userID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many subscriptions"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	logging.Logger.Info().Str("user", userID).Str("channel", channelKey).Msg("ws subscribed")
	defer logging.Logger.Info().Str("user", userID).Str("channel", channelKey).Msg("ws closed")

	sub := cache.Client().Subscribe(ctx, redisChannel)
	defer sub.Close()

	// 读循环只为感知断开（客户端不上行数据，close 帧即退出）
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// 转发循环：Redis → WS
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
			logging.Logger.Debug().Str("user", userID).Err(err).Msg("ws write error")
			return
		}
	}
}

// authorize 将通道键映射到 Redis 通道并做准入检查。
func (s *Server) authorize(ctx context.Context, userID, channelKey string) (string, error) {
	switch {
	case strings.HasPrefix(channelKey, "conversation:"):
		convID := strings.TrimPrefix(channelKey, "conversation:")
		ok, err := s.Convs.IsMember(ctx, convID, userID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errNotMember
		}
		return cache.ConversationChannel(convID), nil
	case strings.HasPrefix(channelKey, "user:"):
		if strings.TrimPrefix(channelKey, "user:") != userID {
			return "", errNotOwner
		}
		return cache.UserChannel(userID), nil
	default:
		return "", errBadChannel
	}
}

var (
	errNotMember  = &accessError{"not a conversation member"}
	errNotOwner   = &accessError{"user channel is private"}
	errBadChannel = &accessError{"unknown channel key"}
)

type accessError struct{ msg string }

func (e *accessError) Error() string { return e.msg }

func (s *Server) rateLimitAllow(ctx context.Context, userID string) bool {
	if s.Limiter == nil {
		return true
	}
	qps := s.SubQPS
	burst := s.SubBurst
	if qps <= 0 {
		qps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	allowed, _, err := s.Limiter.Allow(ctx, userID+":subscribe", qps, burst)
	if err != nil {
		return true
	}
	return allowed
}
