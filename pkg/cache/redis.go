// Package cache 提供 Redis 客户端封装
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config Redis 配置
type Config struct {
	Host         string
	Port         int
	Password     string
	DB           int
	MaxPoolSize  int
	ConnTimeout  int
	ReadTimeout  int
	WriteTimeout int
}

// RedisCache Redis 客户端封装
type RedisCache struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// New 创建 Redis 实例并测试连通性
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.MaxPoolSize,
		DialTimeout:     time.Duration(cfg.ConnTimeout) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.ConnTimeout) * time.Second,
		ReadTimeout:     time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.WriteTimeout) * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("redis connected successfully", "addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	return NewWithClient(client, logger), nil
}

// NewWithClient 包装已有的客户端
func NewWithClient(client redis.UniversalClient, logger *slog.Logger) *RedisCache {
	return &RedisCache{client: client, logger: logger.With("module", "redis")}
}

// SetNX 仅当 key 不存在时设置值，返回是否设置成功
func (rc *RedisCache) SetNX(ctx context.Context, key string, value any, expiration time.Duration) (bool, error) {
	ok, err := rc.client.SetNX(ctx, key, value, expiration).Result()
	if err != nil {
		rc.logger.Error("redis SetNX failed", "key", key, "error", err)
		return false, err
	}
	return ok, nil
}

// Delete 删除 key
func (rc *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if err := rc.client.Del(ctx, keys...).Err(); err != nil {
		rc.logger.Error("redis Del failed", "keys", keys, "error", err)
		return err
	}
	return nil
}

// Exists 检查 key 是否存在
func (rc *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := rc.client.Exists(ctx, key).Result()
	if err != nil {
		rc.logger.Error("redis Exists failed", "key", key, "error", err)
		return false, err
	}
	return n > 0, nil
}

// Client 返回底层客户端
func (rc *RedisCache) Client() redis.UniversalClient {
	return rc.client
}

// Close 关闭连接
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}
