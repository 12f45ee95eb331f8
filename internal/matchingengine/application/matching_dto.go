package application

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
)

// OrderBookDTO 交易对深度
type OrderBookDTO struct {
	AssetPairID string     `json:"asset_pair_id"`
	Bids        []LevelDTO `json:"bids"`
	Asks        []LevelDTO `json:"asks"`
	BestBid     *string    `json:"best_bid,omitempty"`
	BestAsk     *string    `json:"best_ask,omitempty"`
	MidPrice    *string    `json:"mid_price,omitempty"`
	Version     int64      `json:"version"`
	Timestamp   time.Time  `json:"timestamp"`
}

// LevelDTO 价格档位
type LevelDTO struct {
	Price  string `json:"price"`
	Volume string `json:"volume"`
	Orders int    `json:"orders"`
}

// OrderDTO 挂单或止损单
type OrderDTO struct {
	ID                  string    `json:"id"`
	ExternalID          string    `json:"external_id"`
	ClientID            string    `json:"client_id"`
	Type                string    `json:"type"`
	Side                string    `json:"side"`
	Price               string    `json:"price"`
	Volume              string    `json:"volume"`
	RemainingVolume     string    `json:"remaining_volume"`
	ReservedLimitVolume string    `json:"reserved_limit_volume"`
	Status              string    `json:"status"`
	TimeInForce         string    `json:"time_in_force"`
	RegisteredAt        time.Time `json:"registered_at"`
}

// BalanceDTO 客户某资产余额
type BalanceDTO struct {
	ClientID  string    `json:"client_id"`
	AssetID   string    `json:"asset_id"`
	Balance   string    `json:"balance"`
	Reserved  string    `json:"reserved"`
	Available string    `json:"available"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

func toLevels(levels []domain.PriceLevel) []LevelDTO {
	out := make([]LevelDTO, 0, len(levels))
	for _, l := range levels {
		out = append(out, LevelDTO{Price: l.Price.String(), Volume: l.Volume.String(), Orders: l.Orders})
	}
	return out
}

func toOrderDTO(o *domain.Order) OrderDTO {
	price := o.Price
	if o.Type == domain.OrderTypeStopLimit && o.StopLimit != nil {
		price = o.StopLimit.MaxPrice()
	}
	return OrderDTO{
		ID:                  o.ID,
		ExternalID:          o.ExternalID,
		ClientID:            o.ClientID,
		Type:                o.Type.String(),
		Side:                o.Side.String(),
		Price:               price.String(),
		Volume:              o.Volume.String(),
		RemainingVolume:     o.Remaining.String(),
		ReservedLimitVolume: o.ReservedLimitVolume.String(),
		Status:              o.Status.String(),
		TimeInForce:         o.TimeInForce.String(),
		RegisteredAt:        o.RegisteredAt,
	}
}

func toBalanceDTO(b domain.AssetBalance, clientID string, trusted bool) BalanceDTO {
	available := b.Available()
	if trusted {
		available = b.Balance
	}
	return BalanceDTO{
		ClientID:  clientID,
		AssetID:   b.AssetID,
		Balance:   b.Balance.String(),
		Reserved:  b.Reserved.String(),
		Available: available.String(),
		UpdatedAt: b.UpdatedAt,
	}
}

func priceString(v decimal.Decimal, ok bool) *string {
	if !ok {
		return nil
	}
	s := v.String()
	return &s
}
