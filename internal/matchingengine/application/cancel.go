package application

import (
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/execution"
)

func (p *Processor) handleCancel(ctx *execution.Context, cmd *domain.CancelOrderCommand) error {
	if len(cmd.ExternalIDs) == 0 {
		return domain.Reject(domain.RejectInvalidCommand, "no orders to cancel")
	}
	for _, id := range cmd.ExternalIDs {
		ref, ok := ctx.FindOrder(id)
		if !ok || ref.ClientID != cmd.ClientID {
			return domain.Reject(domain.RejectOrderNotFound, "order %s not found", id)
		}
		if err := p.cancelOrder(ctx, ref, domain.StatusCancelled, ""); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) handleMassCancel(ctx *execution.Context, cmd *domain.MassCancelCommand) error {
	refs := ctx.ClientOrders(cmd.ClientID, cmd.AssetPairID, cmd.Side)
	for _, ref := range refs {
		if err := p.cancelOrder(ctx, ref, domain.StatusCancelled, ""); err != nil {
			return err
		}
	}
	p.logger.Debug("mass cancel", "client_id", cmd.ClientID, "asset_pair_id", cmd.AssetPairID, "cancelled", len(refs))
	return nil
}

// handleExpire 撤销已到期的 GTD 订单，期间已离开订单簿的订单直接跳过
func (p *Processor) handleExpire(ctx *execution.Context, cmd *domain.ExpireOrdersCommand) error {
	now := cmd.Now
	if now.IsZero() {
		now = ctx.Now()
	}
	for _, id := range cmd.ExternalIDs {
		ref, ok := ctx.FindOrder(id)
		if !ok || ref.ExpiresAt == nil || ref.ExpiresAt.After(now) {
			continue
		}
		if err := p.cancelOrder(ctx, ref, domain.StatusCancelled, domain.RejectExpired); err != nil {
			return err
		}
	}
	return nil
}

// cancelOrder 把订单移出（限价或止损）订单簿并释放其冻结
func (p *Processor) cancelOrder(ctx *execution.Context, ref execution.OrderRef, status domain.OrderStatus, reason domain.RejectReason) error {
	o, ok := ctx.LookupOrder(ref)
	if !ok {
		return domain.Reject(domain.RejectOrderNotFound, "order %s not found", ref.ExternalID)
	}
	if err := p.releaseReservation(ctx, o, execution.PreProcessOptions{}); err != nil {
		return err
	}
	if ref.Stop {
		ctx.MutableStopBook(ref.AssetPairID).Remove(o.ID)
	} else {
		ctx.MutableSideBook(ref.AssetPairID, ref.Side).Remove(o.ID)
	}
	ctx.TrackOrderRemoved(ref)

	cancelled := o.Copy()
	cancelled.ReservedLimitVolume = decimal.Zero
	cancelled.UpdateStatus(status, ctx.Now())
	cancelled.RejectReason = reason
	ctx.AddOrderUpdate(cancelled)
	return nil
}

// releaseReservation 释放订单剩余冻结
func (p *Processor) releaseReservation(ctx *execution.Context, o *domain.Order, opts execution.PreProcessOptions) error {
	if !o.ReservedLimitVolume.IsPositive() {
		return nil
	}
	pair, ok := ctx.Meta().AssetPair(o.AssetPairID)
	if !ok {
		return domain.Reject(domain.RejectUnknownAsset, "unknown asset pair %s", o.AssetPairID)
	}
	assetID := pair.BaseAssetID
	if o.IsBuy() {
		assetID = pair.QuoteAssetID
	}
	return p.preProcess(ctx, []domain.WalletOperation{{
		ClientID:       o.ClientID,
		AssetID:        assetID,
		Amount:         decimal.Zero,
		ReservedAmount: o.ReservedLimitVolume.Neg(),
		CorrelationID:  o.ID,
		Timestamp:      ctx.Now(),
	}}, opts)
}
