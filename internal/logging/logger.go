// Package logging 基于 zerolog 提供全局结构化日志。
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger 为全局日志实例；未调用 Init 时默认输出 console 格式到 stderr。
var Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// Config 日志配置。
type Config struct {
	Level  string // debug/info/warn/error
	Format string // json/console
	Output io.Writer
}

// Init 按配置初始化全局日志。
func Init(cfg Config) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		lvl = zerolog.InfoLevel
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
