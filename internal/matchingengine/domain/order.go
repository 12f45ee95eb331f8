package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide 买卖方向
type OrderSide int

const (
	SideBuy OrderSide = iota + 1
	SideSell
)

// String 返回方向名称
func (s OrderSide) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite 返回对手方向
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid 判断方向是否合法
func (s OrderSide) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ParseOrderSide 解析方向字符串
func ParseOrderSide(s string) (OrderSide, bool) {
	switch s {
	case "BUY", "buy":
		return SideBuy, true
	case "SELL", "sell":
		return SideSell, true
	default:
		return 0, false
	}
}

// OrderType 订单类型标签
type OrderType int

const (
	OrderTypeLimit OrderType = iota + 1
	OrderTypeMarket
	OrderTypeStopLimit
)

// String 返回类型名称
func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeMarket:
		return "MARKET"
	case OrderTypeStopLimit:
		return "STOP_LIMIT"
	default:
		return "UNKNOWN"
	}
}

// TimeInForce 订单有效期
type TimeInForce int

const (
	// TimeInForceGTC 撤销前有效
	TimeInForceGTC TimeInForce = iota + 1
	// TimeInForceGTD 指定时间前有效
	TimeInForceGTD
	// TimeInForceIOC 立即成交剩余撤销
	TimeInForceIOC
	// TimeInForceFOK 全部成交否则撤销
	TimeInForceFOK
)

// String 返回有效期名称
func (t TimeInForce) String() string {
	switch t {
	case TimeInForceGTC:
		return "GTC"
	case TimeInForceGTD:
		return "GTD"
	case TimeInForceIOC:
		return "IOC"
	case TimeInForceFOK:
		return "FOK"
	default:
		return "UNKNOWN"
	}
}

// OrderStatus 订单状态
type OrderStatus int

const (
	StatusNew OrderStatus = iota + 1
	// StatusPending 止损单等待触发
	StatusPending
	StatusInOrderBook
	// StatusProcessing 已触发的止损单，正在转为限价单
	StatusProcessing
	StatusPartiallyMatched
	StatusMatched
	StatusCancelled
	StatusRejected
	// StatusExecuted 止损单已触发并生成子限价单
	StatusExecuted
)

// String 返回状态名称
func (s OrderStatus) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusPending:
		return "PENDING"
	case StatusInOrderBook:
		return "IN_ORDER_BOOK"
	case StatusProcessing:
		return "PROCESSING"
	case StatusPartiallyMatched:
		return "PARTIALLY_MATCHED"
	case StatusMatched:
		return "MATCHED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusRejected:
		return "REJECTED"
	case StatusExecuted:
		return "EXECUTED"
	default:
		return "UNKNOWN"
	}
}

// IsResting 订单是否仍挂在（限价或止损）订单簿中
func (s OrderStatus) IsResting() bool {
	return s == StatusInOrderBook || s == StatusPartiallyMatched || s == StatusPending
}

// IsTerminal 订单是否已到终态
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusMatched, StatusCancelled, StatusRejected, StatusExecuted:
		return true
	default:
		return false
	}
}

// StopLimitParams 止损限价单的触发参数，下沿与上沿至少设置一组
type StopLimitParams struct {
	LowerLimitPrice *decimal.Decimal `json:"lower_limit_price,omitempty"`
	LowerPrice      *decimal.Decimal `json:"lower_price,omitempty"`
	UpperLimitPrice *decimal.Decimal `json:"upper_limit_price,omitempty"`
	UpperPrice      *decimal.Decimal `json:"upper_price,omitempty"`
}

// HasLower 是否设置了下沿触发
func (p *StopLimitParams) HasLower() bool {
	return p != nil && p.LowerLimitPrice != nil && p.LowerPrice != nil
}

// HasUpper 是否设置了上沿触发
func (p *StopLimitParams) HasUpper() bool {
	return p != nil && p.UpperLimitPrice != nil && p.UpperPrice != nil
}

// MaxPrice 返回两组触发后挂单价格中的较大者，用于买单冻结
func (p *StopLimitParams) MaxPrice() decimal.Decimal {
	price := decimal.Zero
	if p.HasLower() {
		price = *p.LowerPrice
	}
	if p.HasUpper() && p.UpperPrice.GreaterThan(price) {
		price = *p.UpperPrice
	}
	return price
}

func (p *StopLimitParams) copy() *StopLimitParams {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// FeeInstruction 手续费指令：订单作为 maker 或 taker 时按成交额比例收取，记入 TargetClientID
type FeeInstruction struct {
	MakerSizeRatio decimal.Decimal `json:"maker_size_ratio"`
	TakerSizeRatio decimal.Decimal `json:"taker_size_ratio"`
	TargetClientID string          `json:"target_client_id"`
}

// Valid 比例须在 [0, 1) 内，收取手续费时必须指定收款方
func (f FeeInstruction) Valid() bool {
	one := decimal.NewFromInt(1)
	for _, r := range []decimal.Decimal{f.MakerSizeRatio, f.TakerSizeRatio} {
		if r.IsNegative() || r.GreaterThanOrEqual(one) {
			return false
		}
	}
	if (f.MakerSizeRatio.IsPositive() || f.TakerSizeRatio.IsPositive()) && f.TargetClientID == "" {
		return false
	}
	return true
}

// Order 撮合核心内的订单。限价、市价、止损限价共用一个结构，由 Type 区分，
// 止损参数放在 StopLimit 中。进入订单簿后的订单只读，状态变化通过 Copy 生成新值。
type Order struct {
	ID           string          `json:"id"`
	ExternalID   string          `json:"external_id"`
	ClientID     string          `json:"client_id"`
	AssetPairID  string          `json:"asset_pair_id"`
	Type         OrderType       `json:"type"`
	Side         OrderSide       `json:"side"`
	Volume       decimal.Decimal `json:"volume"`
	Remaining    decimal.Decimal `json:"remaining_volume"`
	Price        decimal.Decimal `json:"price"`
	Status       OrderStatus     `json:"status"`
	RejectReason RejectReason    `json:"reject_reason,omitempty"`
	TimeInForce  TimeInForce     `json:"time_in_force"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	RegisteredAt time.Time       `json:"registered_at"`
	StatusDate   time.Time       `json:"status_date"`
	// 同一注册时间下的先后次序
	Sequence int64 `json:"sequence"`
	// 为剩余量冻结的资金（卖单为基础资产，买单为计价资产）
	ReservedLimitVolume decimal.Decimal  `json:"reserved_limit_volume"`
	StopLimit           *StopLimitParams `json:"stop_limit,omitempty"`
	ParentOrderID       string           `json:"parent_order_id,omitempty"`
	ChildOrderID        string           `json:"child_order_id,omitempty"`
	Fees                []FeeInstruction `json:"fees,omitempty"`
}

// Copy 返回深拷贝
func (o *Order) Copy() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		cp.ExpiresAt = &t
	}
	cp.StopLimit = o.StopLimit.copy()
	if o.Fees != nil {
		cp.Fees = append([]FeeInstruction(nil), o.Fees...)
	}
	return &cp
}

// IsBuy 是否买单
func (o *Order) IsBuy() bool {
	return o.Side == SideBuy
}

// IsFilled 剩余量是否为零
func (o *Order) IsFilled() bool {
	return !o.Remaining.IsPositive()
}

// MatchedVolume 已成交数量
func (o *Order) MatchedVolume() decimal.Decimal {
	return o.Volume.Sub(o.Remaining)
}

// IsExpired 判断 GTD 订单在 now 时刻是否已过期
func (o *Order) IsExpired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// UpdateStatus 设置状态与状态时间
func (o *Order) UpdateStatus(status OrderStatus, at time.Time) {
	o.Status = status
	o.StatusDate = at
}

// Reject 将订单置为拒绝
func (o *Order) Reject(reason RejectReason, at time.Time) {
	o.Status = StatusRejected
	o.RejectReason = reason
	o.StatusDate = at
}

// ReservationFor 计算 remaining 数量挂单所需冻结的资金：卖单冻结基础资产数量，
// 买单冻结 remaining*price 按计价资产精度向上取整
func ReservationFor(side OrderSide, remaining, price decimal.Decimal, quoteAccuracy int32) decimal.Decimal {
	if side == SideSell {
		return remaining
	}
	return RoundAmount(remaining.Mul(price), quoteAccuracy, RoundUp)
}
