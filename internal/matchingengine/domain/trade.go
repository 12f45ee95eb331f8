package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FeeTransfer 一笔手续费划转，付款方减少、收款方增加同一资产同一数额
type FeeTransfer struct {
	PayerClientID  string          `json:"payer_client_id"`
	TargetClientID string          `json:"target_client_id"`
	AssetID        string          `json:"asset_id"`
	Amount         decimal.Decimal `json:"amount"`
	Maker          bool            `json:"maker"`
}

// Trade 一次撮合成交记录，生成后只读。成交价格为 maker 价格
type Trade struct {
	TradeID       string          `json:"trade_id"`
	AssetPairID   string          `json:"asset_pair_id"`
	MakerOrderID  string          `json:"maker_order_id"`
	TakerOrderID  string          `json:"taker_order_id"`
	MakerClientID string          `json:"maker_client_id"`
	TakerClientID string          `json:"taker_client_id"`
	TakerSide     OrderSide       `json:"taker_side"`
	Price         decimal.Decimal `json:"price"`
	BaseAssetID   string          `json:"base_asset_id"`
	BaseVolume    decimal.Decimal `json:"base_volume"`
	QuoteAssetID  string          `json:"quote_asset_id"`
	QuoteVolume   decimal.Decimal `json:"quote_volume"`
	Fees          []FeeTransfer   `json:"fees,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// BuyerClientID 买方客户
func (t *Trade) BuyerClientID() string {
	if t.TakerSide == SideBuy {
		return t.TakerClientID
	}
	return t.MakerClientID
}

// SellerClientID 卖方客户
func (t *Trade) SellerClientID() string {
	if t.TakerSide == SideBuy {
		return t.MakerClientID
	}
	return t.TakerClientID
}
