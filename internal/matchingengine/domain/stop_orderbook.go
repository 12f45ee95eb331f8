package domain

import (
	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

// StopTrigger 止损单的触发沿
type StopTrigger int

const (
	TriggerLower StopTrigger = iota + 1
	TriggerUpper
)

// String 返回触发沿名称
func (t StopTrigger) String() string {
	if t == TriggerLower {
		return "LOWER"
	}
	return "UPPER"
}

type stopBookKind struct {
	side    OrderSide
	trigger StopTrigger
}

// StopOrderBook 单个交易对的止损单簿，按（买/卖 × 下沿/上沿）分为四棵树。
// 买单参照最优卖价，卖单参照最优买价；下沿在参照价 <= LowerLimitPrice 时触发，
// 上沿在参照价 >= UpperLimitPrice 时触发。下沿树按触发价降序、上沿树按触发价升序，
// 已触发的订单总是各树的前缀。
type StopOrderBook struct {
	assetPairID string
	trees       map[stopBookKind]*btree.BTreeG[*Order]
	byID        *btree.BTreeG[*Order]
}

// NewStopOrderBook 创建空的止损单簿
func NewStopOrderBook(assetPairID string) *StopOrderBook {
	sb := &StopOrderBook{
		assetPairID: assetPairID,
		trees:       make(map[stopBookKind]*btree.BTreeG[*Order], 4),
		byID:        btree.NewG(bookDegree, func(a, b *Order) bool { return a.ID < b.ID }),
	}
	for _, side := range []OrderSide{SideBuy, SideSell} {
		for _, trig := range []StopTrigger{TriggerLower, TriggerUpper} {
			sb.trees[stopBookKind{side, trig}] = btree.NewG(bookDegree, stopLess(trig))
		}
	}
	return sb
}

func limitPrice(o *Order, trig StopTrigger) decimal.Decimal {
	if trig == TriggerLower {
		return *o.StopLimit.LowerLimitPrice
	}
	return *o.StopLimit.UpperLimitPrice
}

func stopLess(trig StopTrigger) btree.LessFunc[*Order] {
	return func(a, b *Order) bool {
		if c := limitPrice(a, trig).Cmp(limitPrice(b, trig)); c != 0 {
			if trig == TriggerLower {
				return c > 0
			}
			return c < 0
		}
		return a.Sequence < b.Sequence
	}
}

// AssetPairID 所属交易对
func (sb *StopOrderBook) AssetPairID() string { return sb.assetPairID }

// Insert 加入止损单；相同 ID 的旧订单被替换
func (sb *StopOrderBook) Insert(o *Order) {
	sb.Remove(o.ID)
	sb.byID.ReplaceOrInsert(o)
	if o.StopLimit.HasLower() {
		sb.trees[stopBookKind{o.Side, TriggerLower}].ReplaceOrInsert(o)
	}
	if o.StopLimit.HasUpper() {
		sb.trees[stopBookKind{o.Side, TriggerUpper}].ReplaceOrInsert(o)
	}
}

// Remove 按 ID 移除
func (sb *StopOrderBook) Remove(orderID string) (*Order, bool) {
	old, ok := sb.byID.Delete(&Order{ID: orderID})
	if !ok {
		return nil, false
	}
	if old.StopLimit.HasLower() {
		sb.trees[stopBookKind{old.Side, TriggerLower}].Delete(old)
	}
	if old.StopLimit.HasUpper() {
		sb.trees[stopBookKind{old.Side, TriggerUpper}].Delete(old)
	}
	return old, true
}

// Get 按 ID 查找
func (sb *StopOrderBook) Get(orderID string) (*Order, bool) {
	return sb.byID.Get(&Order{ID: orderID})
}

// Size 止损单数量
func (sb *StopOrderBook) Size() int {
	return sb.byID.Len()
}

// Orders 按 ID 顺序返回全部止损单
func (sb *StopOrderBook) Orders() []*Order {
	out := make([]*Order, 0, sb.Size())
	sb.byID.Ascend(func(o *Order) bool {
		out = append(out, o)
		return true
	})
	return out
}

// Copy 返回可独立修改的副本
func (sb *StopOrderBook) Copy() *StopOrderBook {
	cp := &StopOrderBook{
		assetPairID: sb.assetPairID,
		trees:       make(map[stopBookKind]*btree.BTreeG[*Order], len(sb.trees)),
		byID:        sb.byID.Clone(),
	}
	for k, t := range sb.trees {
		cp.trees[k] = t.Clone()
	}
	return cp
}

// TriggeredOrder 已满足触发条件的止损单及其挂单价格
type TriggeredOrder struct {
	Order   *Order
	Trigger StopTrigger
	Price   decimal.Decimal
}

// FindTriggered 在当前最优买卖价下查找最早注册的已触发止损单，nil 参数表示该侧为空
func (sb *StopOrderBook) FindTriggered(bestBid, bestAsk *decimal.Decimal) *TriggeredOrder {
	var found *TriggeredOrder
	consider := func(side OrderSide, trig StopTrigger, touch *decimal.Decimal) {
		if touch == nil {
			return
		}
		sb.trees[stopBookKind{side, trig}].Ascend(func(o *Order) bool {
			limit := limitPrice(o, trig)
			hit := (trig == TriggerLower && touch.LessThanOrEqual(limit)) ||
				(trig == TriggerUpper && touch.GreaterThanOrEqual(limit))
			if !hit {
				return false
			}
			if found == nil || o.Sequence < found.Order.Sequence {
				price := *o.StopLimit.UpperPrice
				if trig == TriggerLower {
					price = *o.StopLimit.LowerPrice
				}
				found = &TriggeredOrder{Order: o, Trigger: trig, Price: price}
			}
			return true
		})
	}
	consider(SideBuy, TriggerLower, bestAsk)
	consider(SideBuy, TriggerUpper, bestAsk)
	consider(SideSell, TriggerLower, bestBid)
	consider(SideSell, TriggerUpper, bestBid)
	return found
}
