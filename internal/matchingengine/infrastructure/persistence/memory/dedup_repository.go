package memory

import (
	"context"
	"sync"
	"time"
)

// DedupRepository 进程内消息去重，未启用 Redis 时使用
type DedupRepository struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewDedupRepository 创建去重仓储
func NewDedupRepository(window time.Duration) *DedupRepository {
	return &DedupRepository{seen: make(map[string]time.Time), window: window, now: time.Now}
}

// MarkIfAbsent 首次出现或已过窗口时返回 true
func (r *DedupRepository) MarkIfAbsent(_ context.Context, messageID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if at, ok := r.seen[messageID]; ok && now.Sub(at) < r.window {
		return false, nil
	}
	r.seen[messageID] = now
	if len(r.seen)%1024 == 0 {
		r.evict(now)
	}
	return true, nil
}

// Forget 删除标记
func (r *DedupRepository) Forget(_ context.Context, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seen, messageID)
	return nil
}

func (r *DedupRepository) evict(now time.Time) {
	for id, at := range r.seen {
		if now.Sub(at) >= r.window {
			delete(r.seen, id)
		}
	}
}
