// Package metadata 资产与交易对元数据：加载、只读查询与定时刷新
package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/pkg/config"
)

// Loader 元数据来源
type Loader interface {
	LoadAssets(ctx context.Context) ([]*domain.Asset, error)
	LoadAssetPairs(ctx context.Context) ([]*domain.AssetPair, error)
}

type catalog struct {
	assets map[string]*domain.Asset
	pairs  map[string]*domain.AssetPair
}

// Provider 元数据提供者。刷新时整体替换目录，读取方无锁
type Provider struct {
	loader   Loader
	interval time.Duration
	current  atomic.Pointer[catalog]
	logger   *slog.Logger
}

// NewProvider 创建提供者，需先调用 Refresh 完成首次加载
func NewProvider(loader Loader, interval time.Duration, logger *slog.Logger) *Provider {
	p := &Provider{loader: loader, interval: interval, logger: logger.With("module", "metadata")}
	p.current.Store(&catalog{assets: map[string]*domain.Asset{}, pairs: map[string]*domain.AssetPair{}})
	return p
}

// Refresh 重新加载全部元数据，引用未知资产的交易对视为错误
func (p *Provider) Refresh(ctx context.Context) error {
	assets, err := p.loader.LoadAssets(ctx)
	if err != nil {
		return err
	}
	pairs, err := p.loader.LoadAssetPairs(ctx)
	if err != nil {
		return err
	}
	next := &catalog{
		assets: make(map[string]*domain.Asset, len(assets)),
		pairs:  make(map[string]*domain.AssetPair, len(pairs)),
	}
	for _, a := range assets {
		next.assets[a.ID] = a
	}
	for _, pair := range pairs {
		for _, id := range []string{pair.BaseAssetID, pair.QuoteAssetID} {
			if _, ok := next.assets[id]; !ok {
				return fmt.Errorf("asset pair %s references unknown asset %s", pair.ID, id)
			}
		}
		next.pairs[pair.ID] = pair
	}
	p.current.Store(next)
	p.logger.Debug("metadata refreshed", "assets", len(next.assets), "asset_pairs", len(next.pairs))
	return nil
}

// Run 按间隔刷新，失败时保留上一版本
func (p *Provider) Run(ctx context.Context) error {
	if p.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.logger.Warn("metadata refresh failed, keeping previous version", "error", err)
			}
		}
	}
}

// Asset 查询资产
func (p *Provider) Asset(id string) (*domain.Asset, bool) {
	a, ok := p.current.Load().assets[id]
	return a, ok
}

// AssetPair 查询交易对
func (p *Provider) AssetPair(id string) (*domain.AssetPair, bool) {
	pair, ok := p.current.Load().pairs[id]
	return pair, ok
}

// AssetPairs 按 ID 排序返回全部交易对
func (p *Provider) AssetPairs() []*domain.AssetPair {
	c := p.current.Load()
	out := make([]*domain.AssetPair, 0, len(c.pairs))
	for _, pair := range c.pairs {
		out = append(out, pair)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConfigLoader 从配置文件中的静态列表加载
type ConfigLoader struct {
	cfg config.MetadataConfig
}

// NewConfigLoader 创建静态加载器
func NewConfigLoader(cfg config.MetadataConfig) *ConfigLoader {
	return &ConfigLoader{cfg: cfg}
}

// LoadAssets 转换配置中的资产
func (l *ConfigLoader) LoadAssets(context.Context) ([]*domain.Asset, error) {
	out := make([]*domain.Asset, 0, len(l.cfg.Assets))
	for _, a := range l.cfg.Assets {
		out = append(out, &domain.Asset{ID: a.ID, Name: a.Name, Accuracy: a.Accuracy, Disabled: a.Disabled})
	}
	return out, nil
}

// LoadAssetPairs 转换配置中的交易对
func (l *ConfigLoader) LoadAssetPairs(context.Context) ([]*domain.AssetPair, error) {
	out := make([]*domain.AssetPair, 0, len(l.cfg.AssetPairs))
	for _, c := range l.cfg.AssetPairs {
		pair := &domain.AssetPair{
			ID:           c.ID,
			BaseAssetID:  c.BaseAssetID,
			QuoteAssetID: c.QuoteAssetID,
			Accuracy:     c.Accuracy,
		}
		var err error
		if c.MinVolume != "" {
			if pair.MinVolume, err = decimal.NewFromString(c.MinVolume); err != nil {
				return nil, fmt.Errorf("asset pair %s min_volume: %w", c.ID, err)
			}
		}
		for _, f := range []struct {
			name string
			raw  string
			dst  **decimal.Decimal
		}{
			{"max_volume", c.MaxVolume, &pair.MaxVolume},
			{"max_value", c.MaxValue, &pair.MaxValue},
			{"mid_price_deviation_threshold", c.MidPriceDeviationThreshold, &pair.MidPriceDeviationThreshold},
			{"market_order_price_deviation_threshold", c.MarketOrderPriceDeviationThreshold, &pair.MarketOrderPriceDeviationThreshold},
		} {
			if f.raw == "" {
				continue
			}
			v, err := decimal.NewFromString(f.raw)
			if err != nil {
				return nil, fmt.Errorf("asset pair %s %s: %w", c.ID, f.name, err)
			}
			*f.dst = &v
		}
		out = append(out, pair)
	}
	return out, nil
}
