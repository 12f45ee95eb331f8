package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/pkg/metrics"
	"github.com/wyfcoding/matchingcore/pkg/utils"
)

// persistAttempts 首次写入加一次同步重试
const persistAttempts = 2

// PersistenceManager 在每次根提交后同步写入持久化出口。
// 重试后仍失败只记录错误与指标，内存状态保持已提交。
type PersistenceManager struct {
	sink    domain.PersistenceSink
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPersistenceManager 创建持久化管理器
func NewPersistenceManager(sink domain.PersistenceSink, logger *slog.Logger, m *metrics.Metrics) *PersistenceManager {
	return &PersistenceManager{
		sink:    sink,
		logger:  logger.With("module", "persistence_manager"),
		metrics: m,
	}
}

// Persist 写入一次提交的差异，返回最终错误供调用方记录
func (pm *PersistenceManager) Persist(ctx context.Context, data *domain.PersistenceData) error {
	if data == nil || data.IsEmpty() {
		return nil
	}
	start := time.Now()
	defer func() { pm.metrics.PersistenceDuration.Observe(time.Since(start).Seconds()) }()

	onRetry := func(attempt int, err error) {
		pm.metrics.PersistenceRetriesTotal.Inc()
		pm.logger.Warn("retrying persistence", "message_id", data.MessageID, "attempt", attempt, "error", err)
	}
	err := utils.Retry(ctx, persistAttempts, 0, onRetry, func() error {
		return pm.sink.Persist(ctx, data)
	})
	if err != nil {
		pm.metrics.PersistenceFailuresTotal.Inc()
		pm.logger.Error("persistence failed, state kept in memory",
			"message_id", data.MessageID,
			"balances", len(data.Balances),
			"upserted_orders", len(data.UpsertOrders),
			"removed_orders", len(data.RemovedOrders),
			"trades", len(data.Trades),
			"error", err,
		)
	}
	return err
}
