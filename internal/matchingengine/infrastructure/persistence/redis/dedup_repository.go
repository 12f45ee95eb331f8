package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/wyfcoding/matchingcore/pkg/cache"
)

// DedupRepository 用 SETNX 记录已处理的消息 ID，窗口过后自动过期
type DedupRepository struct {
	cache  *cache.RedisCache
	prefix string
	ttl    time.Duration
}

// NewDedupRepository 创建去重仓储，window 为去重窗口
func NewDedupRepository(c *cache.RedisCache, window time.Duration) *DedupRepository {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &DedupRepository{
		cache:  c,
		prefix: "matching:msg:",
		ttl:    window,
	}
}

// MarkIfAbsent 首次出现返回 true
func (r *DedupRepository) MarkIfAbsent(ctx context.Context, messageID string) (bool, error) {
	ok, err := r.cache.SetNX(ctx, r.prefix+messageID, 1, r.ttl)
	if err != nil {
		return false, fmt.Errorf("dedup check for %s: %w", messageID, err)
	}
	return ok, nil
}

// Forget 删除标记
func (r *DedupRepository) Forget(ctx context.Context, messageID string) error {
	if err := r.cache.Delete(ctx, r.prefix+messageID); err != nil {
		return fmt.Errorf("dedup release for %s: %w", messageID, err)
	}
	return nil
}
