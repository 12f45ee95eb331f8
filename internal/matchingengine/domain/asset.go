package domain

import "github.com/shopspring/decimal"

// Asset 资产元数据，加载后只读
type Asset struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Accuracy int32  `json:"accuracy"`
	Disabled bool   `json:"disabled"`
}

// AssetPair 交易对元数据，加载后只读，其他结构只按 ID 引用
type AssetPair struct {
	ID           string `json:"id"`
	BaseAssetID  string `json:"base_asset_id"`
	QuoteAssetID string `json:"quote_asset_id"`
	// 价格精度
	Accuracy int32 `json:"accuracy"`
	// 最小下单量，零表示不限制
	MinVolume decimal.Decimal `json:"min_volume"`
	// 最大下单量，nil 表示不限制
	MaxVolume *decimal.Decimal `json:"max_volume,omitempty"`
	// 最大下单金额（计价资产），nil 表示不限制
	MaxValue *decimal.Decimal `json:"max_value,omitempty"`
	// 限价单成交前后中间价最大偏离比例
	MidPriceDeviationThreshold *decimal.Decimal `json:"mid_price_deviation_threshold,omitempty"`
	// 市价单成交均价相对中间价的最大偏离比例
	MarketOrderPriceDeviationThreshold *decimal.Decimal `json:"market_order_price_deviation_threshold,omitempty"`
}

// AssetPairMeta 一次指令处理所需的交易对及其两侧资产
type AssetPairMeta struct {
	Pair  *AssetPair
	Base  *Asset
	Quote *Asset
}

// AssetFor 返回 side 方向下单时付出的资产
func (m AssetPairMeta) AssetFor(side OrderSide) *Asset {
	if side == SideBuy {
		return m.Quote
	}
	return m.Base
}
