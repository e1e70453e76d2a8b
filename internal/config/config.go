package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	RedisAddr  string `yaml:"redisAddr"`
	RedisDB    int    `yaml:"redisDB"`
	RedisPass  string `yaml:"redisPass"`
	MySQLDSN   string `yaml:"mysqlDSN"`
	MongoURI   string `yaml:"mongoURI"`
	JWTSecret  string `yaml:"jwtSecret"`

	// 消息存储选择：mysql 或 mongodb（本地默认 mysql）
	MessageDB string `yaml:"messageDB"`

	// Kafka 配置（可选，会话活动流）
	KafkaBrokers       string `yaml:"kafkaBrokers"` // 逗号分隔
	KafkaActivityTopic string `yaml:"kafkaActivityTopic"`
	KafkaConsumerGroup string `yaml:"kafkaConsumerGroup"`

	// 拉取窗口
	FetchLimit    int `yaml:"fetchLimit"`
	FetchMaxLimit int `yaml:"fetchMaxLimit"`

	// 已读回执合并窗口
	ReadQuietMS int `yaml:"readQuietMS"`

	// 速率限制（WS 订阅 / 消息发送）
	SendQPS   int `yaml:"sendQPS"`
	SendBurst int `yaml:"sendBurst"`

	// 指标开关
	EnableMetrics bool `yaml:"enableMetrics"`

	// 日志
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"` // json 或 console
}

func Load() *Config {
	// 1) 默认值
	cfg := &Config{
		ListenAddr: ":8080",
		RedisAddr:  "127.0.0.1:6379",
		MySQLDSN:   "root:password@tcp(127.0.0.1:3306)/chatsync?parseTime=true&loc=Local&charset=utf8mb4",
		MongoURI:   "mongodb://127.0.0.1:27017/chatsync",
		JWTSecret:  "change-me-in-prod",

		MessageDB: "mysql",

		KafkaBrokers:       "",
		KafkaActivityTopic: "chat-activity",
		KafkaConsumerGroup: "chatsync-summary",

		FetchLimit:    50,
		FetchMaxLimit: 200,
		ReadQuietMS:   500,

		SendQPS:       20,
		SendBurst:     40,
		EnableMetrics: true,

		LogLevel:  "info",
		LogFormat: "json",
	}

	// 2) YAML 覆盖（如果有）
	configPath := getEnv("CHAT_CONFIG_FILE", getEnv("CONFIG_FILE", "config.yml"))
	if st, err := os.Stat(configPath); err == nil && !st.IsDir() {
		if data, err2 := os.ReadFile(configPath); err2 == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	// 3) 环境变量覆盖 YAML
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	setStr := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			*dst = (v == "true" || v == "1" || v == "yes")
		}
	}

	setStr("CHAT_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("CHAT_REDIS_ADDR", &cfg.RedisAddr)
	setStr("CHAT_REDIS_PASS", &cfg.RedisPass)
	setInt("CHAT_REDIS_DB", &cfg.RedisDB)
	setStr("CHAT_MYSQL_DSN", &cfg.MySQLDSN)
	setStr("CHAT_MONGO_URI", &cfg.MongoURI)
	setStr("CHAT_JWT_SECRET", &cfg.JWTSecret)

	setStr("CHAT_MESSAGE_DB", &cfg.MessageDB)

	setStr("CHAT_KAFKA_BROKERS", &cfg.KafkaBrokers)
	setStr("CHAT_KAFKA_ACTIVITY_TOPIC", &cfg.KafkaActivityTopic)
	setStr("CHAT_KAFKA_CONSUMER_GROUP", &cfg.KafkaConsumerGroup)

	setInt("CHAT_FETCH_LIMIT", &cfg.FetchLimit)
	setInt("CHAT_FETCH_MAX_LIMIT", &cfg.FetchMaxLimit)
	setInt("CHAT_READ_QUIET_MS", &cfg.ReadQuietMS)

	setInt("CHAT_SEND_QPS", &cfg.SendQPS)
	setInt("CHAT_SEND_BURST", &cfg.SendBurst)
	setBool("CHAT_ENABLE_METRICS", &cfg.EnableMetrics)

	setStr("CHAT_LOG_LEVEL", &cfg.LogLevel)
	setStr("CHAT_LOG_FORMAT", &cfg.LogFormat)
}

// ReadQuiet 返回已读合并窗口时长。
func (c *Config) ReadQuiet() time.Duration {
	return time.Duration(c.ReadQuietMS) * time.Millisecond
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// 解析逗号分隔的服务器列表
func ParseServerList(s string) []string {
	if s == "" {
		return nil
	}
	var servers []string
	for i := 0; i < len(s); {
		start := i
		for i < len(s) && s[i] != ',' {
			i++
		}
		if start < i {
			server := s[start:i]
			for len(server) > 0 && server[0] == ' ' {
				server = server[1:]
			}
			for len(server) > 0 && server[len(server)-1] == ' ' {
				server = server[:len(server)-1]
			}
			if server != "" {
				servers = append(servers, server)
			}
		}
		if i < len(s) {
			i++ // skip comma
		}
	}
	return servers
}
