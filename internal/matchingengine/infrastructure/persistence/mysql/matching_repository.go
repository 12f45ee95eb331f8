package mysql

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/pkg/db"
	"gorm.io/gorm"
)

// Store MySQL 持久化：一次提交的余额、挂单、成交差异在同一事务中写入
type Store struct {
	db     *db.DB
	logger *slog.Logger
}

// NewStore 创建 MySQL 存储
func NewStore(database *db.DB, logger *slog.Logger) *Store {
	return &Store{db: database, logger: logger.With("module", "mysql_store")}
}

// AutoMigrate 创建或更新表结构
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&BalanceModel{},
		&OrderModel{},
		&TradeModel{},
		&AssetModel{},
		&AssetPairModel{},
	)
}

// Persist 写入一次提交的差异
func (s *Store) Persist(ctx context.Context, data *domain.PersistenceData) error {
	balances := make([]*BalanceModel, 0, len(data.Balances))
	for _, b := range data.Balances {
		balances = append(balances, toBalanceModel(b))
	}
	orders := make([]*OrderModel, 0, len(data.UpsertOrders))
	for _, o := range data.UpsertOrders {
		m, err := toOrderModel(o)
		if err != nil {
			return fmt.Errorf("failed to map order %s: %w", o.ID, err)
		}
		orders = append(orders, m)
	}
	removed := make([]string, 0, len(data.RemovedOrders))
	for _, o := range data.RemovedOrders {
		removed = append(removed, o.ID)
	}
	trades := make([]*TradeModel, 0, len(data.Trades))
	for _, t := range data.Trades {
		m, err := toTradeModel(t)
		if err != nil {
			return fmt.Errorf("failed to map trade %s: %w", t.TradeID, err)
		}
		trades = append(trades, m)
	}

	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if len(balances) > 0 {
			if err := db.Upsert(tx, balances,
				[]string{"client_id", "asset_id"},
				[]string{"balance", "reserved", "updated_at"},
			); err != nil {
				return fmt.Errorf("failed to upsert balances: %w", err)
			}
		}
		if len(orders) > 0 {
			if err := db.Upsert(tx, orders,
				[]string{"order_id"},
				[]string{"remaining", "reserved", "status", "status_date", "updated_at"},
			); err != nil {
				return fmt.Errorf("failed to upsert orders: %w", err)
			}
		}
		if len(removed) > 0 {
			if err := tx.Unscoped().Where("order_id IN ?", removed).Delete(&OrderModel{}).Error; err != nil {
				return fmt.Errorf("failed to delete orders: %w", err)
			}
		}
		if len(trades) > 0 {
			if err := tx.Create(trades).Error; err != nil {
				return fmt.Errorf("failed to insert trades: %w", err)
			}
		}
		return nil
	})
}

// LoadBalances 读取全部余额
func (s *Store) LoadBalances(ctx context.Context) ([]*domain.AssetBalance, error) {
	var models []*BalanceModel
	if err := s.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	out := make([]*domain.AssetBalance, 0, len(models))
	for _, m := range models {
		out = append(out, toBalance(m))
	}
	return out, nil
}

// LoadOrders 按注册序号读取全部挂单与止损单
func (s *Store) LoadOrders(ctx context.Context) ([]*domain.Order, error) {
	var models []*OrderModel
	if err := s.db.WithContext(ctx).Order("sequence asc").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to load orders: %w", err)
	}
	out := make([]*domain.Order, 0, len(models))
	for _, m := range models {
		o, err := toOrder(m)
		if err != nil {
			return nil, fmt.Errorf("failed to map order %s: %w", m.OrderID, err)
		}
		out = append(out, o)
	}
	return out, nil
}
