package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"go-chatsync/internal/auth"
	"go-chatsync/internal/cache"
	"go-chatsync/internal/config"
	"go-chatsync/internal/logging"
	"go-chatsync/internal/metrics"
	"go-chatsync/internal/models"
	"go-chatsync/internal/mq"
	"go-chatsync/internal/ratelimit"
	"go-chatsync/internal/services"
	"go-chatsync/internal/store"
	"go-chatsync/internal/store/mongostore"
	"go-chatsync/internal/store/sqlstore"
	"go-chatsync/internal/transport/ws"
)

func main() {
	cfg := config.Load()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	cache.InitRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if cfg.EnableMetrics {
		metrics.Init()
	}

	primaryDB := mustOpen(cfg.MySQLDSN)

	// 根据配置选择消息存储：mysql 或 mongodb
	var msgStore store.MessageStoreInterface
	switch cfg.MessageDB {
	case "mongodb":
		mongoDB, err := mongostore.Connect(cfg.MongoURI)
		if err != nil {
			panic(fmt.Sprintf("MongoDB connection failed: %v", err))
		}
		msgStore = store.NewMongoMessageStore(mongoDB)
	default: // mysql
		msgStore = store.NewMessageStore(primaryDB)
	}

	userStore := store.NewUserStore(primaryDB)
	receiptStore := store.NewReceiptStore(primaryDB)
	convStore := store.NewConversationStore(primaryDB)

	chatSvc := services.NewChatService(msgStore, convStore, receiptStore)
	chatSvc.MaxLimit = cfg.FetchMaxLimit
	if cfg.KafkaBrokers != "" {
		producer, err := mq.NewActivityProducer(cfg.KafkaBrokers, cfg.KafkaActivityTopic)
		if err != nil {
			logging.Logger.Warn().Err(err).Msg("kafka producer init failed, falling back to sync fanout")
		} else {
			chatSvc.Producer = producer
			defer producer.Close()
		}
	}

	limiter := ratelimit.NewTokenBucketLimiter(cache.Client())
	wsSrv := &ws.Server{
		JWTSecret: cfg.JWTSecret,
		Convs:     convStore,
		SubQPS:    cfg.SendQPS,
		SubBurst:  cfg.SendBurst,
		Limiter:   limiter,
	}

	r := gin.Default()
	r.GET("/healthz", func(c *gin.Context) { c.String(200, "ok") })
	if cfg.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	r.GET("/ws", wsSrv.Handle)

	r.POST("/api/register", func(c *gin.Context) {
		var req struct {
			Username    string `json:"username" binding:"required"`
			Password    string `json:"password" binding:"required"`
			DisplayName string `json:"displayName"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		u := &models.User{
			ID:          uuid.NewString(),
			Username:    req.Username,
			Password:    string(hash),
			DisplayName: req.DisplayName,
			CreatedAt:   time.Now().UnixMilli(),
		}
		if err := userStore.CreateUser(c.Request.Context(), u); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"id": u.ID})
	})

	r.POST("/api/login", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		u, err := userStore.GetByUsername(c.Request.Context(), req.Username)
		if err != nil || u == nil || bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)) != nil {
			c.JSON(401, gin.H{"error": "invalid credentials"})
			return
		}
		tok, err := auth.Sign(cfg.JWTSecret, u.ID)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"token": tok, "userId": u.ID})
	})

	authn := func(c *gin.Context) (string, bool) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		userID, err := auth.Parse(cfg.JWTSecret, token)
		if err != nil {
			c.JSON(401, gin.H{"error": "unauthorized"})
			return "", false
		}
		return userID, true
	}

	api := r.Group("/api")

	// 建会话（把自己与给定成员拉进去）
	api.POST("/conversations", func(c *gin.Context) {
		userID, ok := authn(c)
		if !ok {
			return
		}
		var req struct {
			MemberIDs []string `json:"memberIds"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		convID := uuid.NewString()
		ctx := c.Request.Context()
		if err := convStore.UpsertConversation(ctx, convID, 0); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		for _, uid := range append(req.MemberIDs, userID) {
			if err := convStore.AddMember(ctx, convID, uid); err != nil {
				c.JSON(500, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(200, gin.H{"conversationId": convID})
	})

	api.GET("/conversations", func(c *gin.Context) {
		userID, ok := authn(c)
		if !ok {
			return
		}
		ids, err := convStore.ListForUser(c.Request.Context(), userID, parseIntQuery(c, "limit", 50))
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		var list []*models.ConversationSummary
		for _, id := range ids {
			if sum, err := convStore.Summary(c.Request.Context(), userID, id, receiptStore); err == nil && sum != nil {
				list = append(list, sum)
			}
		}
		c.JSON(200, gin.H{"conversations": list})
	})

	api.GET("/conversations/:id/messages", func(c *gin.Context) {
		userID, ok := authn(c)
		if !ok {
			return
		}
		timestamp, _ := strconv.ParseInt(c.Query("timestamp"), 10, 64)
		direction := models.FetchDirection(c.DefaultQuery("direction", "around"))
		res, err := chatSvc.Fetch(c.Request.Context(), userID, c.Param("id"), timestamp, direction, parseIntQuery(c, "limit", cfg.FetchLimit))
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(200, res)
	})

	api.POST("/conversations/:id/messages", func(c *gin.Context) {
		userID, ok := authn(c)
		if !ok {
			return
		}
		var req struct {
			ClientMsgID string `json:"clientMsgId"`
			Content     string `json:"content"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		msg, err := chatSvc.Send(c.Request.Context(), userID, c.Param("id"), req.ClientMsgID, req.Content)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(200, gin.H{"message": msg})
	})

	api.POST("/conversations/:id/read", func(c *gin.Context) {
		userID, ok := authn(c)
		if !ok {
			return
		}
		var req struct {
			MessageID string `json:"messageId" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		res, err := chatSvc.MarkRead(c.Request.Context(), userID, c.Param("id"), req.MessageID)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(200, res)
	})

	api.POST("/conversations/:id/draft", func(c *gin.Context) {
		userID, ok := authn(c)
		if !ok {
			return
		}
		var req struct {
			Draft string `json:"draft"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if err := convStore.SetDraft(c.Request.Context(), c.Param("id"), userID, req.Draft); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.Status(204)
	})

	api.POST("/conversations/:id/refresh", func(c *gin.Context) {
		userID, ok := authn(c)
		if !ok {
			return
		}
		if err := chatSvc.NotifyRefresh(c.Request.Context(), userID, c.Param("id")); err != nil {
			respondServiceError(c, err)
			return
		}
		c.Status(204)
	})

	api.PUT("/messages/:id", func(c *gin.Context) {
		userID, ok := authn(c)
		if !ok {
			return
		}
		var req struct {
			Content string `json:"content"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		msg, err := chatSvc.Edit(c.Request.Context(), userID, c.Param("id"), req.Content)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(200, gin.H{"message": msg})
	})

	api.DELETE("/messages/:id", func(c *gin.Context) {
		userID, ok := authn(c)
		if !ok {
			return
		}
		if err := chatSvc.Delete(c.Request.Context(), userID, c.Param("id")); err != nil {
			respondServiceError(c, err)
			return
		}
		c.Status(204)
	})

	logging.Logger.Info().Str("addr", cfg.ListenAddr).Msg("chatd listening")
	if err := r.Run(cfg.ListenAddr); err != nil {
		panic(err)
	}
}

func respondServiceError(c *gin.Context, err error) {
	switch err {
	case services.ErrNotMember, services.ErrNotAuthor:
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case services.ErrNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case services.ErrInvalidContent:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func parseIntQuery(c *gin.Context, key string, defaultValue int) int {
	value, _ := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(defaultValue)))
	return value
}

func mustOpen(dsn string) *sql.DB {
	db, err := sqlstore.Open(dsn)
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = db.PingContext(ctx)
	if err := sqlstore.Migrate(ctx, db); err != nil {
		panic(err)
	}
	return db
}
