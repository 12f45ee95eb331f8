package mysql

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"gorm.io/gorm"
)

// BalanceModel MySQL 余额表映射
type BalanceModel struct {
	gorm.Model
	ClientID string          `gorm:"column:client_id;type:varchar(64);uniqueIndex:uk_client_asset;not null;comment:客户ID"`
	AssetID  string          `gorm:"column:asset_id;type:varchar(16);uniqueIndex:uk_client_asset;not null;comment:资产"`
	Balance  decimal.Decimal `gorm:"column:balance;type:decimal(36,18);not null;comment:余额"`
	Reserved decimal.Decimal `gorm:"column:reserved;type:decimal(36,18);not null;default:0;comment:冻结"`
}

func (BalanceModel) TableName() string { return "matching_balances" }

// OrderModel MySQL 挂单表映射，只保存仍在簿中的订单
type OrderModel struct {
	gorm.Model
	OrderID       string          `gorm:"column:order_id;type:varchar(64);uniqueIndex;not null;comment:订单ID"`
	ExternalID    string          `gorm:"column:external_id;type:varchar(64);index;not null;comment:外部订单ID"`
	ClientID      string          `gorm:"column:client_id;type:varchar(64);index;not null;comment:客户ID"`
	AssetPairID   string          `gorm:"column:asset_pair_id;type:varchar(32);index;not null;comment:交易对"`
	Type          int             `gorm:"column:type;type:tinyint;not null;comment:类型"`
	Side          int             `gorm:"column:side;type:tinyint;not null;comment:方向"`
	Price         decimal.Decimal `gorm:"column:price;type:decimal(36,18);not null;comment:价格"`
	Volume        decimal.Decimal `gorm:"column:volume;type:decimal(36,18);not null;comment:数量"`
	Remaining     decimal.Decimal `gorm:"column:remaining;type:decimal(36,18);not null;comment:剩余量"`
	Reserved      decimal.Decimal `gorm:"column:reserved;type:decimal(36,18);not null;default:0;comment:冻结"`
	Status        int             `gorm:"column:status;type:tinyint;not null;comment:状态"`
	TimeInForce   int             `gorm:"column:time_in_force;type:tinyint;not null"`
	ExpiresAt     *time.Time      `gorm:"column:expires_at"`
	RegisteredAt  time.Time       `gorm:"column:registered_at;not null"`
	StatusDate    time.Time       `gorm:"column:status_date;not null"`
	Sequence      int64           `gorm:"column:sequence;not null"`
	StopLimitJSON string          `gorm:"column:stop_limit;type:text"`
	FeesJSON      string          `gorm:"column:fees;type:text"`
	ParentOrderID string          `gorm:"column:parent_order_id;type:varchar(64)"`
}

func (OrderModel) TableName() string { return "matching_orders" }

// TradeModel MySQL 成交表映射
type TradeModel struct {
	gorm.Model
	TradeID       string          `gorm:"column:trade_id;type:varchar(32);uniqueIndex;not null;comment:成交ID"`
	AssetPairID   string          `gorm:"column:asset_pair_id;type:varchar(32);index:idx_pair_time;not null"`
	MakerOrderID  string          `gorm:"column:maker_order_id;type:varchar(64);index;not null"`
	TakerOrderID  string          `gorm:"column:taker_order_id;type:varchar(64);index;not null"`
	MakerClientID string          `gorm:"column:maker_client_id;type:varchar(64);not null"`
	TakerClientID string          `gorm:"column:taker_client_id;type:varchar(64);not null"`
	TakerSide     int             `gorm:"column:taker_side;type:tinyint;not null"`
	Price         decimal.Decimal `gorm:"column:price;type:decimal(36,18);not null"`
	BaseAssetID   string          `gorm:"column:base_asset_id;type:varchar(16);not null"`
	BaseVolume    decimal.Decimal `gorm:"column:base_volume;type:decimal(36,18);not null"`
	QuoteAssetID  string          `gorm:"column:quote_asset_id;type:varchar(16);not null"`
	QuoteVolume   decimal.Decimal `gorm:"column:quote_volume;type:decimal(36,18);not null"`
	FeesJSON      string          `gorm:"column:fees;type:text"`
	Timestamp     time.Time       `gorm:"column:timestamp;index:idx_pair_time;not null"`
}

func (TradeModel) TableName() string { return "matching_trades" }

// AssetModel 资产元数据表
type AssetModel struct {
	gorm.Model
	AssetID  string `gorm:"column:asset_id;type:varchar(16);uniqueIndex;not null"`
	Name     string `gorm:"column:name;type:varchar(64)"`
	Accuracy int32  `gorm:"column:accuracy;not null"`
	Disabled bool   `gorm:"column:disabled;not null;default:false"`
}

func (AssetModel) TableName() string { return "matching_assets" }

// AssetPairModel 交易对元数据表，可空列表示不限制
type AssetPairModel struct {
	gorm.Model
	PairID                             string              `gorm:"column:pair_id;type:varchar(32);uniqueIndex;not null"`
	BaseAssetID                        string              `gorm:"column:base_asset_id;type:varchar(16);not null"`
	QuoteAssetID                       string              `gorm:"column:quote_asset_id;type:varchar(16);not null"`
	Accuracy                           int32               `gorm:"column:accuracy;not null"`
	MinVolume                          decimal.Decimal     `gorm:"column:min_volume;type:decimal(36,18);not null;default:0"`
	MaxVolume                          decimal.NullDecimal `gorm:"column:max_volume;type:decimal(36,18)"`
	MaxValue                           decimal.NullDecimal `gorm:"column:max_value;type:decimal(36,18)"`
	MidPriceDeviationThreshold         decimal.NullDecimal `gorm:"column:mid_price_deviation_threshold;type:decimal(10,6)"`
	MarketOrderPriceDeviationThreshold decimal.NullDecimal `gorm:"column:market_order_price_deviation_threshold;type:decimal(10,6)"`
}

func (AssetPairModel) TableName() string { return "matching_asset_pairs" }

// mapping helpers

func toBalanceModel(b *domain.AssetBalance) *BalanceModel {
	return &BalanceModel{
		Model:    gorm.Model{UpdatedAt: b.UpdatedAt},
		ClientID: b.ClientID,
		AssetID:  b.AssetID,
		Balance:  b.Balance,
		Reserved: b.Reserved,
	}
}

func toBalance(m *BalanceModel) *domain.AssetBalance {
	return &domain.AssetBalance{
		ClientID:  m.ClientID,
		AssetID:   m.AssetID,
		Balance:   m.Balance,
		Reserved:  m.Reserved,
		UpdatedAt: m.UpdatedAt,
	}
}

func toOrderModel(o *domain.Order) (*OrderModel, error) {
	m := &OrderModel{
		OrderID:       o.ID,
		ExternalID:    o.ExternalID,
		ClientID:      o.ClientID,
		AssetPairID:   o.AssetPairID,
		Type:          int(o.Type),
		Side:          int(o.Side),
		Price:         o.Price,
		Volume:        o.Volume,
		Remaining:     o.Remaining,
		Reserved:      o.ReservedLimitVolume,
		Status:        int(o.Status),
		TimeInForce:   int(o.TimeInForce),
		ExpiresAt:     o.ExpiresAt,
		RegisteredAt:  o.RegisteredAt,
		StatusDate:    o.StatusDate,
		Sequence:      o.Sequence,
		ParentOrderID: o.ParentOrderID,
	}
	var err error
	if m.StopLimitJSON, err = nullableJSON(o.StopLimit, o.StopLimit == nil); err != nil {
		return nil, err
	}
	if m.FeesJSON, err = nullableJSON(o.Fees, len(o.Fees) == 0); err != nil {
		return nil, err
	}
	return m, nil
}

func toOrder(m *OrderModel) (*domain.Order, error) {
	o := &domain.Order{
		ID:                  m.OrderID,
		ExternalID:          m.ExternalID,
		ClientID:            m.ClientID,
		AssetPairID:         m.AssetPairID,
		Type:                domain.OrderType(m.Type),
		Side:                domain.OrderSide(m.Side),
		Price:               m.Price,
		Volume:              m.Volume,
		Remaining:           m.Remaining,
		ReservedLimitVolume: m.Reserved,
		Status:              domain.OrderStatus(m.Status),
		TimeInForce:         domain.TimeInForce(m.TimeInForce),
		ExpiresAt:           m.ExpiresAt,
		RegisteredAt:        m.RegisteredAt,
		StatusDate:          m.StatusDate,
		Sequence:            m.Sequence,
		ParentOrderID:       m.ParentOrderID,
	}
	if m.StopLimitJSON != "" {
		o.StopLimit = &domain.StopLimitParams{}
		if err := json.Unmarshal([]byte(m.StopLimitJSON), o.StopLimit); err != nil {
			return nil, err
		}
	}
	if m.FeesJSON != "" {
		if err := json.Unmarshal([]byte(m.FeesJSON), &o.Fees); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func toTradeModel(t *domain.Trade) (*TradeModel, error) {
	fees, err := nullableJSON(t.Fees, len(t.Fees) == 0)
	if err != nil {
		return nil, err
	}
	return &TradeModel{
		TradeID:       t.TradeID,
		AssetPairID:   t.AssetPairID,
		MakerOrderID:  t.MakerOrderID,
		TakerOrderID:  t.TakerOrderID,
		MakerClientID: t.MakerClientID,
		TakerClientID: t.TakerClientID,
		TakerSide:     int(t.TakerSide),
		Price:         t.Price,
		BaseAssetID:   t.BaseAssetID,
		BaseVolume:    t.BaseVolume,
		QuoteAssetID:  t.QuoteAssetID,
		QuoteVolume:   t.QuoteVolume,
		FeesJSON:      fees,
		Timestamp:     t.Timestamp,
	}, nil
}

func toTrade(m *TradeModel) (*domain.Trade, error) {
	t := &domain.Trade{
		TradeID:       m.TradeID,
		AssetPairID:   m.AssetPairID,
		MakerOrderID:  m.MakerOrderID,
		TakerOrderID:  m.TakerOrderID,
		MakerClientID: m.MakerClientID,
		TakerClientID: m.TakerClientID,
		TakerSide:     domain.OrderSide(m.TakerSide),
		Price:         m.Price,
		BaseAssetID:   m.BaseAssetID,
		BaseVolume:    m.BaseVolume,
		QuoteAssetID:  m.QuoteAssetID,
		QuoteVolume:   m.QuoteVolume,
		Timestamp:     m.Timestamp,
	}
	if m.FeesJSON != "" {
		if err := json.Unmarshal([]byte(m.FeesJSON), &t.Fees); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func toAsset(m *AssetModel) *domain.Asset {
	return &domain.Asset{ID: m.AssetID, Name: m.Name, Accuracy: m.Accuracy, Disabled: m.Disabled}
}

func toAssetPair(m *AssetPairModel) *domain.AssetPair {
	return &domain.AssetPair{
		ID:                                 m.PairID,
		BaseAssetID:                        m.BaseAssetID,
		QuoteAssetID:                       m.QuoteAssetID,
		Accuracy:                           m.Accuracy,
		MinVolume:                          m.MinVolume,
		MaxVolume:                          fromNull(m.MaxVolume),
		MaxValue:                           fromNull(m.MaxValue),
		MidPriceDeviationThreshold:         fromNull(m.MidPriceDeviationThreshold),
		MarketOrderPriceDeviationThreshold: fromNull(m.MarketOrderPriceDeviationThreshold),
	}
}

func fromNull(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

// nullableJSON 空值写成空串
func nullableJSON(v any, empty bool) (string, error) {
	if empty {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
