package domain

import (
	"context"
	"time"
)

// PersistenceData 一次根上下文提交需要落盘的差异
type PersistenceData struct {
	MessageID string
	// 本次变动后的余额（新值）
	Balances []*AssetBalance
	// 仍在簿中的订单（新增或更新）
	UpsertOrders []*Order
	// 离开订单簿的订单（成交、撤销、触发）
	RemovedOrders []*Order
	// 本次提交的成交
	Trades    []*Trade
	Timestamp time.Time
}

// IsEmpty 是否没有任何差异
func (d *PersistenceData) IsEmpty() bool {
	return len(d.Balances) == 0 && len(d.UpsertOrders) == 0 && len(d.RemovedOrders) == 0 && len(d.Trades) == 0
}

// PersistenceSink 提交后同步写入的持久化出口
type PersistenceSink interface {
	Persist(ctx context.Context, data *PersistenceData) error
}

// StateLoader 启动时加载账本与挂单
type StateLoader interface {
	LoadBalances(ctx context.Context) ([]*AssetBalance, error)
	LoadOrders(ctx context.Context) ([]*Order, error)
}

// TradeHistory 最近成交查询，按时间倒序
type TradeHistory interface {
	RecentTrades(ctx context.Context, pairID string, limit int) ([]*Trade, error)
}

// EventSink 事件发布出口
type EventSink interface {
	Publish(ctx context.Context, event *OutgoingEvent) error
}

// Deduplicator 消息去重，首次出现返回 true
type Deduplicator interface {
	MarkIfAbsent(ctx context.Context, messageID string) (bool, error)
	// Forget 撤销标记，用于未进入撮合的指令，使重投不被当作重复
	Forget(ctx context.Context, messageID string) error
}

// AssetProvider 资产元数据查询
type AssetProvider interface {
	Asset(id string) (*Asset, bool)
}

// AssetPairProvider 交易对元数据查询
type AssetPairProvider interface {
	AssetPair(id string) (*AssetPair, bool)
	AssetPairs() []*AssetPair
}

// MetadataProvider 同时提供资产与交易对
type MetadataProvider interface {
	AssetProvider
	AssetPairProvider
}

// ResolvePair 解析交易对及两侧资产，并检查资产是否可用
func ResolvePair(meta MetadataProvider, pairID string) (AssetPairMeta, error) {
	pair, ok := meta.AssetPair(pairID)
	if !ok {
		return AssetPairMeta{}, Reject(RejectUnknownAsset, "unknown asset pair %s", pairID)
	}
	base, ok := meta.Asset(pair.BaseAssetID)
	if !ok {
		return AssetPairMeta{}, Reject(RejectUnknownAsset, "unknown asset %s", pair.BaseAssetID)
	}
	quote, ok := meta.Asset(pair.QuoteAssetID)
	if !ok {
		return AssetPairMeta{}, Reject(RejectUnknownAsset, "unknown asset %s", pair.QuoteAssetID)
	}
	if base.Disabled || quote.Disabled {
		return AssetPairMeta{}, Reject(RejectDisabledAsset, "asset pair %s has a disabled asset", pairID)
	}
	return AssetPairMeta{Pair: pair, Base: base, Quote: quote}, nil
}

// ResolveAsset 解析资产并检查是否可用
func ResolveAsset(meta AssetProvider, assetID string) (*Asset, error) {
	asset, ok := meta.Asset(assetID)
	if !ok {
		return nil, Reject(RejectUnknownAsset, "unknown asset %s", assetID)
	}
	if asset.Disabled {
		return nil, Reject(RejectDisabledAsset, "asset %s is disabled", assetID)
	}
	return asset, nil
}
