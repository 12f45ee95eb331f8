package domain

import (
	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

const bookDegree = 32

// SideBook 单个交易对单侧的挂单簿。
// 买盘按价格降序、卖盘按价格升序，同价按 RegisteredAt、Sequence 升序。
// 两棵写时复制 B 树分别按优先级和订单 ID 索引，Copy 为惰性克隆。
// 簿中的 *Order 视为只读，部分成交后以同一排序键的新副本替换。
type SideBook struct {
	assetPairID string
	side        OrderSide
	byPriority  *btree.BTreeG[*Order]
	byID        *btree.BTreeG[*Order]
	volume      decimal.Decimal
}

// NewSideBook 创建空的单侧订单簿
func NewSideBook(assetPairID string, side OrderSide) *SideBook {
	return &SideBook{
		assetPairID: assetPairID,
		side:        side,
		byPriority:  btree.NewG(bookDegree, priorityLess(side)),
		byID:        btree.NewG(bookDegree, func(a, b *Order) bool { return a.ID < b.ID }),
		volume:      decimal.Zero,
	}
}

func priorityLess(side OrderSide) btree.LessFunc[*Order] {
	return func(a, b *Order) bool {
		if c := a.Price.Cmp(b.Price); c != 0 {
			if side == SideBuy {
				return c > 0
			}
			return c < 0
		}
		if !a.RegisteredAt.Equal(b.RegisteredAt) {
			return a.RegisteredAt.Before(b.RegisteredAt)
		}
		return a.Sequence < b.Sequence
	}
}

// AssetPairID 所属交易对
func (b *SideBook) AssetPairID() string { return b.assetPairID }

// Side 所属方向
func (b *SideBook) Side() OrderSide { return b.side }

// Best 返回最优挂单
func (b *SideBook) Best() *Order {
	o, ok := b.byPriority.Min()
	if !ok {
		return nil
	}
	return o
}

// BestPrice 返回最优价格
func (b *SideBook) BestPrice() (decimal.Decimal, bool) {
	o := b.Best()
	if o == nil {
		return decimal.Zero, false
	}
	return o.Price, true
}

// Insert 插入订单；相同 ID 的旧订单会被替换
func (b *SideBook) Insert(o *Order) {
	if old, ok := b.byID.Get(&Order{ID: o.ID}); ok {
		b.byPriority.Delete(old)
		b.volume = b.volume.Sub(old.Remaining)
	}
	b.byPriority.ReplaceOrInsert(o)
	b.byID.ReplaceOrInsert(o)
	b.volume = b.volume.Add(o.Remaining)
}

// Remove 按 ID 移除订单
func (b *SideBook) Remove(orderID string) (*Order, bool) {
	old, ok := b.byID.Delete(&Order{ID: orderID})
	if !ok {
		return nil, false
	}
	b.byPriority.Delete(old)
	b.volume = b.volume.Sub(old.Remaining)
	return old, true
}

// Get 按 ID 查找订单
func (b *SideBook) Get(orderID string) (*Order, bool) {
	return b.byID.Get(&Order{ID: orderID})
}

// Copy 返回可独立修改的副本，底层节点写时复制
func (b *SideBook) Copy() *SideBook {
	return &SideBook{
		assetPairID: b.assetPairID,
		side:        b.side,
		byPriority:  b.byPriority.Clone(),
		byID:        b.byID.Clone(),
		volume:      b.volume,
	}
}

// Size 挂单数量
func (b *SideBook) Size() int {
	return b.byPriority.Len()
}

// TotalVolume 剩余挂单总量
func (b *SideBook) TotalVolume() decimal.Decimal {
	return b.volume
}

// Ascend 按撮合优先级遍历，fn 返回 false 时停止
func (b *SideBook) Ascend(fn func(o *Order) bool) {
	b.byPriority.Ascend(btree.ItemIteratorG[*Order](fn))
}

// Orders 按优先级返回全部挂单
func (b *SideBook) Orders() []*Order {
	out := make([]*Order, 0, b.Size())
	b.Ascend(func(o *Order) bool {
		out = append(out, o)
		return true
	})
	return out
}

// PriceLevel 聚合后的价格档位
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	Orders int             `json:"orders"`
}

// Depth 返回前 levels 档聚合深度，levels <= 0 返回全部
func (b *SideBook) Depth(levels int) []PriceLevel {
	var out []PriceLevel
	b.Ascend(func(o *Order) bool {
		n := len(out)
		if n > 0 && out[n-1].Price.Equal(o.Price) {
			out[n-1].Volume = out[n-1].Volume.Add(o.Remaining)
			out[n-1].Orders++
			return true
		}
		if levels > 0 && n == levels {
			return false
		}
		out = append(out, PriceLevel{Price: o.Price, Volume: o.Remaining, Orders: 1})
		return true
	})
	return out
}

// Crosses 判断限价 price 的 side 方向订单能否与本侧最优价成交
func Crosses(side OrderSide, price, opposite decimal.Decimal) bool {
	if side == SideBuy {
		return price.GreaterThanOrEqual(opposite)
	}
	return price.LessThanOrEqual(opposite)
}

// AssetOrderBook 交易对的买卖两侧
type AssetOrderBook struct {
	AssetPairID string
	Bids        *SideBook
	Asks        *SideBook
}

// NewAssetOrderBook 组合两侧订单簿，nil 侧以空簿代替
func NewAssetOrderBook(assetPairID string, bids, asks *SideBook) *AssetOrderBook {
	if bids == nil {
		bids = NewSideBook(assetPairID, SideBuy)
	}
	if asks == nil {
		asks = NewSideBook(assetPairID, SideSell)
	}
	return &AssetOrderBook{AssetPairID: assetPairID, Bids: bids, Asks: asks}
}

// Side 返回指定方向
func (ob *AssetOrderBook) Side(side OrderSide) *SideBook {
	if side == SideBuy {
		return ob.Bids
	}
	return ob.Asks
}

// BestBid 最优买价
func (ob *AssetOrderBook) BestBid() (decimal.Decimal, bool) {
	return ob.Bids.BestPrice()
}

// BestAsk 最优卖价
func (ob *AssetOrderBook) BestAsk() (decimal.Decimal, bool) {
	return ob.Asks.BestPrice()
}

// MidPrice 中间价，任一侧为空时返回 false
func (ob *AssetOrderBook) MidPrice() (decimal.Decimal, bool) {
	return MidPrice(ob.Bids, ob.Asks)
}

// MidPrice 计算两侧最优价的中间价
func MidPrice(bids, asks *SideBook) (decimal.Decimal, bool) {
	bid, okBid := bids.BestPrice()
	ask, okAsk := asks.BestPrice()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}
