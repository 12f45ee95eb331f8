package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/execution"
)

// SubmitFunc 把内部指令送入撮合有序队列
type SubmitFunc func(ctx context.Context, cmd domain.Command) error

type deadline struct {
	at         time.Time
	externalID string
}

func deadlineLess(a, b deadline) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.externalID < b.externalID
}

// ExpiryWatcher 保存撮合线程登记的 GTD 到期时间，到期后通过同一队列提交 ExpireOrders 指令
type ExpiryWatcher struct {
	mu        sync.Mutex
	deadlines *btree.BTreeG[deadline]
	byID      map[string]time.Time

	interval time.Duration
	submit   SubmitFunc
	newID    func() string
	logger   *slog.Logger
}

// NewExpiryWatcher 创建到期扫描器
func NewExpiryWatcher(interval time.Duration, submit SubmitFunc, newID func() string, logger *slog.Logger) *ExpiryWatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &ExpiryWatcher{
		deadlines: btree.NewG(16, deadlineLess),
		byID:      make(map[string]time.Time),
		interval:  interval,
		submit:    submit,
		newID:     newID,
		logger:    logger.With("module", "expiry_watcher"),
	}
}

// Observe 根据一次提交的订单终值登记或移除到期时间
func (w *ExpiryWatcher) Observe(orders []*domain.Order) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, o := range orders {
		w.forget(o.ExternalID)
		if o.Status.IsResting() && o.ExpiresAt != nil {
			w.byID[o.ExternalID] = *o.ExpiresAt
			w.deadlines.ReplaceOrInsert(deadline{at: *o.ExpiresAt, externalID: o.ExternalID})
		}
	}
}

// Load 启动时从已恢复的索引登记
func (w *ExpiryWatcher) Load(refs []execution.OrderRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ref := range refs {
		if ref.ExpiresAt != nil {
			w.byID[ref.ExternalID] = *ref.ExpiresAt
			w.deadlines.ReplaceOrInsert(deadline{at: *ref.ExpiresAt, externalID: ref.ExternalID})
		}
	}
}

func (w *ExpiryWatcher) forget(externalID string) {
	if at, ok := w.byID[externalID]; ok {
		w.deadlines.Delete(deadline{at: at, externalID: externalID})
		delete(w.byID, externalID)
	}
}

// Due 返回 now 时刻已到期的外部订单 ID，并从登记中移除
func (w *ExpiryWatcher) Due(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var due []string
	w.deadlines.Ascend(func(d deadline) bool {
		if d.at.After(now) {
			return false
		}
		due = append(due, d.externalID)
		return true
	})
	for _, id := range due {
		w.forget(id)
	}
	return due
}

// Pending 已登记的到期订单数
func (w *ExpiryWatcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byID)
}

// Run 定时扫描并提交到期指令
func (w *ExpiryWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			w.tick(ctx, now)
		}
	}
}

func (w *ExpiryWatcher) tick(ctx context.Context, now time.Time) {
	due := w.Due(now)
	if len(due) == 0 {
		return
	}
	cmd := &domain.ExpireOrdersCommand{
		CommandHeader: domain.CommandHeader{MessageID: w.newID(), ReceivedAt: now},
		ExternalIDs:   due,
		Now:           now,
	}
	if err := w.submit(ctx, cmd); err != nil {
		w.logger.Error("failed to submit expire command", "orders", len(due), "error", err)
		// 下次扫描重新提交
		w.mu.Lock()
		for _, id := range due {
			w.byID[id] = now
			w.deadlines.ReplaceOrInsert(deadline{at: now, externalID: id})
		}
		w.mu.Unlock()
		return
	}
	w.logger.Debug("expire command submitted", "message_id", cmd.MessageID, "orders", len(due))
}
