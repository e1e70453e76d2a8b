// summary_consumer 消费会话活动流，重算摘要并向成员的 user 通道广播
// latest_conversation_info。把扇出从请求路径上剥离，写路径只管投递活动事件。
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"

	"go-chatsync/internal/cache"
	"go-chatsync/internal/config"
	"go-chatsync/internal/logging"
	"go-chatsync/internal/models"
	"go-chatsync/internal/services"
	"go-chatsync/internal/store"
	"go-chatsync/internal/store/sqlstore"
)

type handler struct {
	ctx context.Context
	svc *services.ChatService
}

func (h *handler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *handler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *handler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var evt models.ActivityEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			logging.Logger.Warn().Err(err).Msg("bad activity event dropped")
			sess.MarkMessage(msg, "")
			continue
		}
		if evt.ConversationID != "" {
			h.svc.FanoutSummaries(h.ctx, evt.ConversationID)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

func main() {
	cfg := config.Load()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if cfg.KafkaBrokers == "" {
		logging.Logger.Fatal().Msg("CHAT_KAFKA_BROKERS not configured")
	}

	cache.InitRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	db := mustOpen(cfg.MySQLDSN)

	convStore := store.NewConversationStore(db)
	receiptStore := store.NewReceiptStore(db)
	msgStore := store.NewMessageStore(db)
	svc := services.NewChatService(msgStore, convStore, receiptStore)

	ctx, cancel := context.WithCancel(context.Background())
	h := &handler{ctx: ctx, svc: svc}

	client, err := sarama.NewConsumerGroup(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaConsumerGroup, sarama.NewConfig())
	if err != nil {
		logging.Logger.Fatal().Err(err).Msg("consumer group init failed")
	}
	defer client.Close()

	topic := cfg.KafkaActivityTopic
	go func() {
		for {
			if err := client.Consume(ctx, []string{topic}, h); err != nil {
				logging.Logger.Warn().Err(err).Msg("consume error")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	logging.Logger.Info().Str("topic", topic).Msg("summary consumer started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}

func mustOpen(dsn string) *sql.DB {
	db, err := sqlstore.Open(dsn)
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = db.PingContext(ctx)
	return db
}
