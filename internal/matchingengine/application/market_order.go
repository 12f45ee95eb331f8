package application

import (
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/execution"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/matching"
)

// handleMarketOrder 市价单必须全部成交，付出的资产不得超过可用余额，
// 成交均价相对成交前中间价的偏离受交易对阈值约束
func (p *Processor) handleMarketOrder(ctx *execution.Context, cmd *domain.MarketOrderCommand) error {
	if cmd.Order == nil {
		return domain.Reject(domain.RejectInvalidCommand, "market order command without order")
	}
	order := cmd.Order.Copy()
	order.Type = domain.OrderTypeMarket
	order.TimeInForce = domain.TimeInForceFOK
	meta, err := domain.ResolvePair(ctx.Meta(), order.AssetPairID)
	if err != nil {
		return err
	}
	if _, exists := ctx.FindOrder(order.ExternalID); exists {
		return domain.Reject(domain.RejectDuplicateOrder, "order %s already exists", order.ExternalID)
	}
	if err := validateOrder(meta, order, ctx); err != nil {
		return err
	}
	order.Sequence = ctx.NextSequence()

	pairID := meta.Pair.ID
	payAsset := meta.AssetFor(order.Side)
	available := ctx.Wallet().Available(order.ClientID, payAsset.ID)
	if !order.IsBuy() && available.LessThan(order.Volume) {
		return domain.Reject(domain.RejectNotEnoughFunds, "%s needs %s %s", order.ClientID, order.Volume, payAsset.ID)
	}

	preMid, hasPreMid := ctx.OrderBook(pairID).MidPrice()
	res := p.engine.Match(matching.MatchInput{
		Taker:    order,
		Meta:     meta,
		Book:     ctx.SideBook(pairID, order.Side.Opposite()),
		Balances: ctx.Wallet(),
		Now:      ctx.Now(),
	})
	if res.Status == domain.StatusRejected {
		return domain.Reject(res.RejectReason, "market order %s", order.ExternalID)
	}
	if order.IsBuy() && res.TakerSpent.GreaterThan(available) {
		return domain.Reject(domain.RejectNotEnoughFunds, "%s needs %s %s", order.ClientID, res.TakerSpent, payAsset.ID)
	}
	if threshold := meta.Pair.MarketOrderPriceDeviationThreshold; threshold != nil && hasPreMid {
		if avg, ok := res.AveragePrice(); ok && deviation(avg, preMid).GreaterThan(*threshold) {
			return domain.Reject(domain.RejectTooHighPriceDeviation, "average price %s against mid %s", avg, preMid)
		}
	}

	if err := p.preProcess(ctx, res.Ops, execution.PreProcessOptions{}); err != nil {
		return err
	}
	p.stageMatch(ctx, res)
	ctx.AddOrderUpdate(order)
	return nil
}
