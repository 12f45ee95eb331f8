// Package ratelimit 基于 Redis GCRA 的分布式限流。每个路由组一条规则，
// 计数键由组名与调用方标识组成，同一客户端在指令与查询上互不占用配额。
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// Rule 路由组限流规则
type Rule struct {
	// Group 组名，作为计数键的一部分
	Group     string
	PerSecond int
	Burst     int
}

// Decision 单次判定结果
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAfter time.Duration
	RetryAfter time.Duration
}

// Limiter 按规则与调用方判定是否放行
type Limiter interface {
	Allow(ctx context.Context, rule Rule, subject string) (Decision, error)
}

// RedisLimiter 使用 redis_rate 实现，多实例共享计数
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	prefix  string
}

// NewRedisLimiter prefix 为空时使用 "matching:ratelimit"
func NewRedisLimiter(rdb redis.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "matching:ratelimit"
	}
	return &RedisLimiter{limiter: redis_rate.NewLimiter(rdb), prefix: prefix}
}

// Allow 判定 subject 在 rule 所属路由组上是否放行
func (r *RedisLimiter) Allow(ctx context.Context, rule Rule, subject string) (Decision, error) {
	res, err := r.limiter.Allow(ctx, Key(r.prefix, rule.Group, subject), redis_rate.Limit{
		Rate:   rule.PerSecond,
		Period: time.Second,
		Burst:  rule.Burst,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check for %s/%s: %w", rule.Group, subject, err)
	}
	return Decision{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		ResetAfter: res.ResetAfter,
		RetryAfter: res.RetryAfter,
	}, nil
}

// Key 计数键
func Key(prefix, group, subject string) string {
	return prefix + ":" + group + ":" + subject
}
