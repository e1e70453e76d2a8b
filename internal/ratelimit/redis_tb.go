// Package ratelimit 用 Redis 令牌桶给 WebSocket 订阅类操作限速，
// 防止单个用户高频订阅/退订打爆网关与 Redis pub/sub。
// 多实例网关共用同一套桶，限流口径对用户全局生效。
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// 桶键布局：chat:rl:<key>:t 存令牌余量，chat:rl:<key>:ts 存上次补充时间。
// key 约定为 userId:action。
const keyPrefix = "chat:rl:"

// TokenBucketLimiter 的补充、扣减与过期由单个 Lua 脚本原子完成。
// Redis 不可用时放行而不是拒绝，限流挂了不能拖垮正常订阅。
type TokenBucketLimiter struct {
	client *redis.Client
}

func NewTokenBucketLimiter(c *redis.Client) *TokenBucketLimiter {
	return &TokenBucketLimiter{client: c}
}

var tokenBucketScript = redis.NewScript(`
local tokens_key = KEYS[1]
local ts_key = KEYS[2]
local rate = tonumber(ARGV[1])        -- 每秒新增令牌
local burst = tonumber(ARGV[2])       -- 桶容量
local now_ms = tonumber(ARGV[3])

local tokens = tonumber(redis.call('GET', tokens_key))
if tokens == nil then tokens = burst end
local ts = tonumber(redis.call('GET', ts_key))
if ts == nil then ts = now_ms end

-- 按距上次调用的时长补充令牌，封顶 burst
local elapsed = math.max(0, now_ms - ts) / 1000.0
local refilled = math.min(burst, tokens + elapsed * rate)

local allowed = 0
if refilled >= 1 then
  allowed = 1
  refilled = refilled - 1
end

redis.call('SET', tokens_key, refilled)
redis.call('SET', ts_key, now_ms)
redis.call('PEXPIRE', tokens_key, 2000)
redis.call('PEXPIRE', ts_key, 2000)

return {allowed, refilled}
`)

// Allow 尝试为 key 消耗一个令牌，返回 (allowed, 剩余令牌)。
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string, ratePerSec, burst int) (bool, int64, error) {
	keys := []string{keyPrefix + key + ":t", keyPrefix + key + ":ts"}
	vals, err := tokenBucketScript.Run(ctx, l.client, keys, ratePerSec, burst, time.Now().UnixMilli()).Result()
	if err != nil {
		return true, 0, err // 失败即放行
	}
	arr := vals.([]interface{})
	allowed := arr[0].(int64) == 1
	var remaining int64
	switch v := arr[1].(type) {
	case int64:
		remaining = v
	case float64:
		remaining = int64(v)
	}
	return allowed, remaining, nil
}
