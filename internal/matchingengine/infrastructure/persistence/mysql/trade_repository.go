package mysql

import (
	"context"
	"fmt"

	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
)

const maxTradeQuery = 1000

// RecentTrades 按成交时间倒序查询交易对最近成交
func (s *Store) RecentTrades(ctx context.Context, pairID string, limit int) ([]*domain.Trade, error) {
	if limit <= 0 || limit > maxTradeQuery {
		limit = maxTradeQuery
	}
	var models []*TradeModel
	err := s.db.WithContext(ctx).
		Where("asset_pair_id = ?", pairID).
		Order("timestamp desc").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	out := make([]*domain.Trade, 0, len(models))
	for _, m := range models {
		t, err := toTrade(m)
		if err != nil {
			return nil, fmt.Errorf("failed to map trade %s: %w", m.TradeID, err)
		}
		out = append(out, t)
	}
	return out, nil
}
