package application

import (
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/execution"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/matching"
)

func (p *Processor) handleLimitOrder(ctx *execution.Context, cmd *domain.LimitOrderCommand) error {
	if cmd.Order == nil {
		return domain.Reject(domain.RejectInvalidCommand, "limit order command without order")
	}
	order := cmd.Order.Copy()
	meta, err := domain.ResolvePair(ctx.Meta(), order.AssetPairID)
	if err != nil {
		return err
	}

	if cmd.ReplaceOrderID != "" {
		ref, ok := ctx.FindOrder(cmd.ReplaceOrderID)
		if !ok || ref.ClientID != order.ClientID {
			return domain.Reject(domain.RejectNotFoundPrevious, "order %s to replace not found", cmd.ReplaceOrderID)
		}
		if err := p.cancelOrder(ctx, ref, domain.StatusCancelled, ""); err != nil {
			return err
		}
	}
	if _, exists := ctx.FindOrder(order.ExternalID); exists {
		return domain.Reject(domain.RejectDuplicateOrder, "order %s already exists", order.ExternalID)
	}
	if err := validateOrder(meta, order, ctx); err != nil {
		return err
	}

	order.Sequence = ctx.NextSequence()
	if order.Type == domain.OrderTypeStopLimit {
		return p.placeStopOrder(ctx, meta, order)
	}
	return p.placeLimitOrder(ctx, meta, order)
}

// placeLimitOrder 撮合限价单并在需要时挂入剩余量，止损单触发后生成的子单也走这里
func (p *Processor) placeLimitOrder(ctx *execution.Context, meta domain.AssetPairMeta, order *domain.Order) error {
	pairID := meta.Pair.ID
	payAsset := meta.AssetFor(order.Side)
	required := domain.ReservationFor(order.Side, order.Remaining, order.Price, meta.Quote.Accuracy)
	if ctx.Wallet().Available(order.ClientID, payAsset.ID).LessThan(required) {
		return domain.Reject(domain.RejectNotEnoughFunds, "%s needs %s %s", order.ClientID, required, payAsset.ID)
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
		return domain.Reject(res.RejectReason, "order %s", order.ExternalID)
	}

	ops := res.Ops
	if res.Rest && !ctx.Wallet().IsTrusted(order.ClientID) {
		order.ReservedLimitVolume = domain.ReservationFor(order.Side, order.Remaining, order.Price, meta.Quote.Accuracy)
		ops = append(ops, domain.WalletOperation{
			ClientID:       order.ClientID,
			AssetID:        payAsset.ID,
			Amount:         decimal.Zero,
			ReservedAmount: order.ReservedLimitVolume,
			CorrelationID:  order.ID,
			Timestamp:      ctx.Now(),
		})
	}
	if err := p.preProcess(ctx, ops, execution.PreProcessOptions{}); err != nil {
		return err
	}

	p.stageMatch(ctx, res)
	if res.Rest {
		ctx.MutableSideBook(pairID, order.Side).Insert(order.Copy())
		ctx.TrackOrderAdded(order)
	}
	ctx.AddOrderUpdate(order)

	if threshold := meta.Pair.MidPriceDeviationThreshold; threshold != nil && len(res.Trades) > 0 && hasPreMid {
		if postMid, ok := ctx.OrderBook(pairID).MidPrice(); ok && deviation(postMid, preMid).GreaterThan(*threshold) {
			return domain.Reject(domain.RejectTooHighMidPriceDeviation, "mid price moves from %s to %s", preMid, postMid)
		}
	}
	return nil
}

// stageMatch 把撮合产生的对手盘、maker 变化与成交写入上下文
func (p *Processor) stageMatch(ctx *execution.Context, res *matching.MatchingResult) {
	if res.Book != nil {
		ctx.SetSideBook(res.Book)
	}
	for _, m := range res.RemovedMakers {
		ctx.TrackOrderRemoved(execution.RefOf(m))
	}
	ctx.AddOrderUpdate(res.Makers...)
	ctx.AddTrades(res.Trades...)
}

// placeStopOrder 冻结资金后放入止损单簿等待触发
func (p *Processor) placeStopOrder(ctx *execution.Context, meta domain.AssetPairMeta, order *domain.Order) error {
	payAsset := meta.AssetFor(order.Side)
	reserve := domain.ReservationFor(order.Side, order.Volume, order.StopLimit.MaxPrice(), meta.Quote.Accuracy)
	if ctx.Wallet().Available(order.ClientID, payAsset.ID).LessThan(reserve) {
		return domain.Reject(domain.RejectNotEnoughFunds, "%s needs %s %s", order.ClientID, reserve, payAsset.ID)
	}
	if !ctx.Wallet().IsTrusted(order.ClientID) {
		order.ReservedLimitVolume = reserve
		err := p.preProcess(ctx, []domain.WalletOperation{{
			ClientID:       order.ClientID,
			AssetID:        payAsset.ID,
			Amount:         decimal.Zero,
			ReservedAmount: reserve,
			CorrelationID:  order.ID,
			Timestamp:      ctx.Now(),
		}}, execution.PreProcessOptions{})
		if err != nil {
			return err
		}
	}
	order.UpdateStatus(domain.StatusPending, ctx.Now())
	ctx.MutableStopBook(meta.Pair.ID).Insert(order.Copy())
	ctx.TrackOrderAdded(order)
	ctx.AddOrderUpdate(order)
	return nil
}

// validateOrder 校验价格、数量、金额、精度、手续费与有效期
func validateOrder(meta domain.AssetPairMeta, o *domain.Order, ctx *execution.Context) error {
	pair := meta.Pair
	if !o.Side.Valid() {
		return domain.Reject(domain.RejectInvalidCommand, "invalid side")
	}
	if !o.Volume.IsPositive() {
		return domain.Reject(domain.RejectInvalidVolume, "volume %s must be positive", o.Volume)
	}
	if !domain.IsValidAccuracy(o.Volume, meta.Base.Accuracy) {
		return domain.Reject(domain.RejectInvalidVolumeAccuracy, "volume %s exceeds accuracy %d", o.Volume, meta.Base.Accuracy)
	}
	if o.Volume.LessThan(pair.MinVolume) {
		return domain.Reject(domain.RejectTooSmallVolume, "volume %s below %s", o.Volume, pair.MinVolume)
	}
	if pair.MaxVolume != nil && o.Volume.GreaterThan(*pair.MaxVolume) {
		return domain.Reject(domain.RejectTooLargeVolume, "volume %s above %s", o.Volume, pair.MaxVolume)
	}
	if err := matching.ValidateFees(o.Fees); err != nil {
		return err
	}

	switch o.Type {
	case domain.OrderTypeLimit:
		if err := validatePrice(pair, o.Price); err != nil {
			return err
		}
		if err := validateValue(pair, o.Volume, o.Price); err != nil {
			return err
		}
	case domain.OrderTypeStopLimit:
		if !o.StopLimit.HasLower() && !o.StopLimit.HasUpper() {
			return domain.Reject(domain.RejectInvalidPrice, "stop order without trigger prices")
		}
		for _, price := range stopPrices(o.StopLimit) {
			if err := validatePrice(pair, price); err != nil {
				return err
			}
		}
		if err := validateValue(pair, o.Volume, o.StopLimit.MaxPrice()); err != nil {
			return err
		}
	case domain.OrderTypeMarket:
	default:
		return domain.Reject(domain.RejectInvalidCommand, "unknown order type %d", o.Type)
	}

	switch o.TimeInForce {
	case domain.TimeInForceGTD:
		if o.ExpiresAt == nil {
			return domain.Reject(domain.RejectInvalidCommand, "GTD order without expiry")
		}
		if o.IsExpired(ctx.Now()) {
			return domain.Reject(domain.RejectExpired, "order expired at %s", o.ExpiresAt)
		}
	case domain.TimeInForceGTC, domain.TimeInForceIOC, domain.TimeInForceFOK:
	default:
		return domain.Reject(domain.RejectInvalidCommand, "unknown time in force %d", o.TimeInForce)
	}
	return nil
}

func validatePrice(pair *domain.AssetPair, price decimal.Decimal) error {
	if !price.IsPositive() {
		return domain.Reject(domain.RejectInvalidPrice, "price %s must be positive", price)
	}
	if !domain.IsValidAccuracy(price, pair.Accuracy) {
		return domain.Reject(domain.RejectInvalidPriceAccuracy, "price %s exceeds accuracy %d", price, pair.Accuracy)
	}
	return nil
}

func validateValue(pair *domain.AssetPair, volume, price decimal.Decimal) error {
	if pair.MaxValue != nil && volume.Mul(price).GreaterThan(*pair.MaxValue) {
		return domain.Reject(domain.RejectInvalidValue, "value %s above %s", volume.Mul(price), pair.MaxValue)
	}
	return nil
}

func stopPrices(p *domain.StopLimitParams) []decimal.Decimal {
	var out []decimal.Decimal
	if p.HasLower() {
		out = append(out, *p.LowerLimitPrice, *p.LowerPrice)
	}
	if p.HasUpper() {
		out = append(out, *p.UpperLimitPrice, *p.UpperPrice)
	}
	return out
}

// deviation 返回 |a-b|/b
func deviation(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return a.Sub(b).Abs().Div(b)
}
