package mysql

import (
	"context"
	"fmt"

	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
)

// LoadAssets 读取资产元数据
func (s *Store) LoadAssets(ctx context.Context) ([]*domain.Asset, error) {
	var models []*AssetModel
	if err := s.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to load assets: %w", err)
	}
	out := make([]*domain.Asset, 0, len(models))
	for _, m := range models {
		out = append(out, toAsset(m))
	}
	return out, nil
}

// LoadAssetPairs 读取交易对元数据
func (s *Store) LoadAssetPairs(ctx context.Context) ([]*domain.AssetPair, error) {
	var models []*AssetPairModel
	if err := s.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to load asset pairs: %w", err)
	}
	out := make([]*domain.AssetPair, 0, len(models))
	for _, m := range models {
		out = append(out, toAssetPair(m))
	}
	return out, nil
}
