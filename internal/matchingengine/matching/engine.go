// Package matching 价格-时间优先撮合算法。Match 只读取传入的对手盘副本，
// 返回成交、钱包操作与更新后的对手盘，不修改任何共享状态。
package matching

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
)

// TradeIDGenerator 成交 ID 生成器
type TradeIDGenerator interface {
	NextTradeID() string
}

// BalanceReader 撮合时读取可用余额
type BalanceReader interface {
	Available(clientID, assetID string) decimal.Decimal
	IsTrusted(clientID string) bool
}

// MatchInput 一次撮合的输入
type MatchInput struct {
	// 吃单方副本，撮合过程中被修改
	Taker *domain.Order
	Meta  domain.AssetPairMeta
	// 对手盘，Match 内部复制后使用
	Book     *domain.SideBook
	Balances BalanceReader
	Now      time.Time
}

// MatchingResult 撮合结果
type MatchingResult struct {
	Taker  *domain.Order
	Trades []*domain.Trade
	Ops    []domain.WalletOperation
	// 更新后的对手盘
	Book *domain.SideBook
	// 状态发生变化的 maker（成交或因资金不足撤销），均为副本
	Makers []*domain.Order
	// 完全成交或撤销、已离开订单簿的 maker
	RemovedMakers []*domain.Order

	Status       domain.OrderStatus
	RejectReason domain.RejectReason
	// 吃单剩余量是否应挂入订单簿
	Rest bool

	MatchedVolume decimal.Decimal
	MatchedQuote  decimal.Decimal
	// 吃单方为成交付出的资产总额（买单为计价资产，卖单为基础资产）
	TakerSpent decimal.Decimal
}

// AveragePrice 成交均价
func (r *MatchingResult) AveragePrice() (decimal.Decimal, bool) {
	if !r.MatchedVolume.IsPositive() {
		return decimal.Zero, false
	}
	return r.MatchedQuote.Div(r.MatchedVolume), true
}

// HasEffects 是否产生了成交或 maker 变化
func (r *MatchingResult) HasEffects() bool {
	return len(r.Trades) > 0 || len(r.Makers) > 0
}

// Engine 无状态撮合引擎
type Engine struct {
	ids TradeIDGenerator
}

// NewEngine 创建撮合引擎
func NewEngine(ids TradeIDGenerator) *Engine {
	return &Engine{ids: ids}
}

type spendKey struct {
	clientID string
	assetID  string
}

// Match 按价格-时间优先撮合吃单与对手盘
func (e *Engine) Match(in MatchInput) *MatchingResult {
	taker := in.Taker
	book := in.Book.Copy()
	base, quote := in.Meta.Base, in.Meta.Quote
	res := &MatchingResult{
		Taker:         taker,
		Book:          book,
		MatchedVolume: decimal.Zero,
		MatchedQuote:  decimal.Zero,
		TakerSpent:    decimal.Zero,
	}
	// 受信任 maker 无冻结，记录本次撮合中已经付出的资产
	spent := make(map[spendKey]decimal.Decimal)

	for taker.Remaining.IsPositive() {
		maker := book.Best()
		if maker == nil {
			break
		}
		if taker.Type != domain.OrderTypeMarket && !domain.Crosses(taker.Side, taker.Price, maker.Price) {
			break
		}
		if maker.ClientID == taker.ClientID {
			return e.reject(in, domain.RejectLeadToNegativeSpread)
		}

		volume := decimal.Min(taker.Remaining, maker.Remaining)
		quoteVolume := domain.RoundAmount(volume.Mul(maker.Price), quote.Accuracy, domain.RoundHalfUp)

		if in.Balances.IsTrusted(maker.ClientID) {
			payAsset, payAmount := base.ID, volume
			if maker.IsBuy() {
				payAsset, payAmount = quote.ID, quoteVolume
			}
			key := spendKey{maker.ClientID, payAsset}
			if in.Balances.Available(maker.ClientID, payAsset).Sub(spent[key]).LessThan(payAmount) {
				book.Remove(maker.ID)
				cancelled := maker.Copy()
				cancelled.UpdateStatus(domain.StatusCancelled, in.Now)
				res.Makers = append(res.Makers, cancelled)
				res.RemovedMakers = append(res.RemovedMakers, cancelled)
				res.Ops = append(res.Ops, releaseOp(cancelled, maker.ReservedLimitVolume, in.Meta, in.Now)...)
				continue
			}
			spent[key] = spent[key].Add(payAmount)
		}

		updated := maker.Copy()
		updated.Remaining = maker.Remaining.Sub(volume)
		var release decimal.Decimal
		if updated.IsFilled() {
			release = maker.ReservedLimitVolume
			updated.ReservedLimitVolume = decimal.Zero
			updated.UpdateStatus(domain.StatusMatched, in.Now)
			book.Remove(maker.ID)
			res.RemovedMakers = append(res.RemovedMakers, updated)
		} else {
			if maker.ReservedLimitVolume.IsPositive() {
				// 释放量不少于本笔实际付出，否则向上取整的剩余冻结会让 maker 余额低于冻结
				paid := volume
				if maker.IsBuy() {
					paid = quoteVolume
				}
				left := domain.ReservationFor(maker.Side, updated.Remaining, maker.Price, quote.Accuracy)
				release = decimal.Min(decimal.Max(maker.ReservedLimitVolume.Sub(left), paid), maker.ReservedLimitVolume)
				updated.ReservedLimitVolume = maker.ReservedLimitVolume.Sub(release)
			}
			updated.UpdateStatus(domain.StatusPartiallyMatched, in.Now)
			book.Insert(updated)
		}
		res.Makers = append(res.Makers, updated)
		res.Ops = append(res.Ops, releaseOp(updated, release, in.Meta, in.Now)...)

		trade := &domain.Trade{
			TradeID:       e.ids.NextTradeID(),
			AssetPairID:   taker.AssetPairID,
			MakerOrderID:  maker.ID,
			TakerOrderID:  taker.ID,
			MakerClientID: maker.ClientID,
			TakerClientID: taker.ClientID,
			TakerSide:     taker.Side,
			Price:         maker.Price,
			BaseAssetID:   base.ID,
			BaseVolume:    volume,
			QuoteAssetID:  quote.ID,
			QuoteVolume:   quoteVolume,
			Timestamp:     in.Now,
		}
		res.Ops = append(res.Ops, transferOps(trade, in.Now)...)
		fees, feeOps := feeTransfers(trade, taker, updated, in.Meta, in.Now)
		trade.Fees = fees
		res.Ops = append(res.Ops, feeOps...)
		res.Trades = append(res.Trades, trade)

		taker.Remaining = taker.Remaining.Sub(volume)
		res.MatchedVolume = res.MatchedVolume.Add(volume)
		res.MatchedQuote = res.MatchedQuote.Add(quoteVolume)
		if taker.IsBuy() {
			res.TakerSpent = res.TakerSpent.Add(quoteVolume)
		} else {
			res.TakerSpent = res.TakerSpent.Add(volume)
		}
	}

	e.finish(in, res)
	return res
}

// finish 根据订单类型与有效期决定吃单最终状态
func (e *Engine) finish(in MatchInput, res *MatchingResult) {
	taker := res.Taker
	if taker.IsFilled() {
		taker.UpdateStatus(domain.StatusMatched, in.Now)
		res.Status = domain.StatusMatched
		return
	}

	if taker.Type == domain.OrderTypeMarket {
		*res = *e.reject(in, domain.RejectNoLiquidity)
		return
	}

	switch taker.TimeInForce {
	case domain.TimeInForceFOK:
		*res = *e.discard(in, domain.StatusCancelled)
		return
	case domain.TimeInForceIOC:
		taker.UpdateStatus(domain.StatusCancelled, in.Now)
		res.Status = domain.StatusCancelled
		return
	}

	if taker.Remaining.LessThan(in.Meta.Pair.MinVolume) {
		taker.UpdateStatus(domain.StatusCancelled, in.Now)
		res.Status = domain.StatusCancelled
		return
	}
	status := domain.StatusInOrderBook
	if len(res.Trades) > 0 {
		status = domain.StatusPartiallyMatched
	}
	taker.UpdateStatus(status, in.Now)
	res.Status = status
	res.Rest = true
}

// reject 丢弃全部撮合效果并拒绝吃单
func (e *Engine) reject(in MatchInput, reason domain.RejectReason) *MatchingResult {
	res := e.discard(in, domain.StatusRejected)
	res.Taker.RejectReason = reason
	res.RejectReason = reason
	return res
}

// discard 丢弃全部撮合效果，吃单恢复原始剩余量，Book 为 nil 表示对手盘不变
func (e *Engine) discard(in MatchInput, status domain.OrderStatus) *MatchingResult {
	taker := in.Taker
	taker.Remaining = taker.Volume
	taker.UpdateStatus(status, in.Now)
	return &MatchingResult{
		Taker:         taker,
		Status:        status,
		MatchedVolume: decimal.Zero,
		MatchedQuote:  decimal.Zero,
		TakerSpent:    decimal.Zero,
	}
}

// transferOps 一笔成交的四条余额变动：买方收基础付计价，卖方付基础收计价
func transferOps(t *domain.Trade, now time.Time) []domain.WalletOperation {
	buyer, seller := t.BuyerClientID(), t.SellerClientID()
	return []domain.WalletOperation{
		{ClientID: buyer, AssetID: t.BaseAssetID, Amount: t.BaseVolume, CorrelationID: t.TradeID, Timestamp: now},
		{ClientID: buyer, AssetID: t.QuoteAssetID, Amount: t.QuoteVolume.Neg(), CorrelationID: t.TradeID, Timestamp: now},
		{ClientID: seller, AssetID: t.BaseAssetID, Amount: t.BaseVolume.Neg(), CorrelationID: t.TradeID, Timestamp: now},
		{ClientID: seller, AssetID: t.QuoteAssetID, Amount: t.QuoteVolume, CorrelationID: t.TradeID, Timestamp: now},
	}
}

// releaseOp 释放 maker 冻结
func releaseOp(o *domain.Order, amount decimal.Decimal, meta domain.AssetPairMeta, now time.Time) []domain.WalletOperation {
	if !amount.IsPositive() {
		return nil
	}
	return []domain.WalletOperation{{
		ClientID:       o.ClientID,
		AssetID:        meta.AssetFor(o.Side).ID,
		Amount:         decimal.Zero,
		ReservedAmount: amount.Neg(),
		CorrelationID:  o.ID,
		Timestamp:      now,
	}}
}
