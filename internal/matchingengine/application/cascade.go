package application

import (
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/execution"
)

type triggeredStop struct {
	pair domain.AssetPairMeta
	*domain.TriggeredOrder
}

// runCascade 以工作队列方式反复寻找被触发的止损单，每一步在独立子上下文中执行。
// 子上下文失败时整体丢弃，并在新的子上下文中拒绝该止损单。
func (p *Processor) runCascade(root *execution.Context) {
	for step := 0; ; step++ {
		next := p.nextTriggered(root)
		if next == nil {
			return
		}
		if step >= p.maxCascadeSteps {
			p.logger.Warn("stop order cascade truncated", "message_id", root.Info().MessageID, "steps", step)
			return
		}
		p.metrics.CascadeStepsTotal.Inc()

		child := root.Child()
		err := p.executeStop(child, next)
		if err == nil {
			_, err = child.Apply()
		}
		if err == nil {
			continue
		}

		reason := domain.RejectCascadeFailed
		if rej, ok := domain.AsRejection(p.balanceRejection(err)); ok {
			reason = rej.Reason
		}
		p.logger.Info("triggered stop order rejected", "order_id", next.Order.ID, "reason", reason, "error", err)
		fresh := root.Child()
		p.rejectStop(fresh, next, reason)
		if _, err := fresh.Apply(); err != nil {
			// 释放冻结失败时无法再推进，避免同一止损单被反复触发
			p.logger.Error("failed to reject triggered stop order", "order_id", next.Order.ID, "error", err)
			return
		}
	}
}

// nextTriggered 在所有交易对中找出最早登记的已触发止损单
func (p *Processor) nextTriggered(ctx *execution.Context) *triggeredStop {
	var best *triggeredStop
	for _, pairID := range ctx.StopPairIDs() {
		sb := ctx.StopBook(pairID)
		if sb == nil {
			continue
		}
		ob := ctx.OrderBook(pairID)
		var bid, ask *decimal.Decimal
		if v, ok := ob.BestBid(); ok {
			bid = &v
		}
		if v, ok := ob.BestAsk(); ok {
			ask = &v
		}
		trig := sb.FindTriggered(bid, ask)
		if trig == nil {
			continue
		}
		if best == nil || earlier(trig.Order, best.Order) {
			meta, err := domain.ResolvePair(ctx.Meta(), pairID)
			if err != nil {
				meta = domain.AssetPairMeta{}
			}
			best = &triggeredStop{pair: meta, TriggeredOrder: trig}
		}
	}
	return best
}

func earlier(a, b *domain.Order) bool {
	if !a.RegisteredAt.Equal(b.RegisteredAt) {
		return a.RegisteredAt.Before(b.RegisteredAt)
	}
	return a.Sequence < b.Sequence
}

// executeStop 移出止损单并释放冻结，以触发价格生成子限价单并撮合
func (p *Processor) executeStop(ctx *execution.Context, t *triggeredStop) error {
	if t.pair.Pair == nil {
		return domain.Reject(domain.RejectDisabledAsset, "asset pair %s unavailable", t.Order.AssetPairID)
	}
	stop := t.Order.Copy()
	if err := p.removeStop(ctx, stop); err != nil {
		return err
	}

	child := &domain.Order{
		ID:            p.ids.NextOrderID(),
		ExternalID:    stop.ExternalID,
		ClientID:      stop.ClientID,
		AssetPairID:   stop.AssetPairID,
		Type:          domain.OrderTypeLimit,
		Side:          stop.Side,
		Volume:        stop.Volume,
		Remaining:     stop.Volume,
		Price:         t.Price,
		Status:        domain.StatusNew,
		TimeInForce:   stop.TimeInForce,
		ExpiresAt:     stop.ExpiresAt,
		RegisteredAt:  ctx.Now(),
		StatusDate:    ctx.Now(),
		Sequence:      ctx.NextSequence(),
		ParentOrderID: stop.ID,
		Fees:          stop.Fees,
	}
	stop.ChildOrderID = child.ID
	stop.UpdateStatus(domain.StatusExecuted, ctx.Now())
	ctx.AddOrderUpdate(stop)
	ctx.AddEvent(domain.StopOrderTriggeredEvent{
		BaseEvent:    domain.BaseEvent{Timestamp: ctx.Now()},
		StopOrderID:  stop.ID,
		ChildOrderID: child.ID,
		AssetPairID:  stop.AssetPairID,
		Trigger:      t.Trigger.String(),
		Price:        t.Price,
	})

	if child.IsExpired(ctx.Now()) {
		return domain.Reject(domain.RejectExpired, "stop order %s expired", stop.ExternalID)
	}
	return p.placeLimitOrder(ctx, t.pair, child)
}

// rejectStop 在新的子上下文中移出止损单并置为拒绝
func (p *Processor) rejectStop(ctx *execution.Context, t *triggeredStop, reason domain.RejectReason) {
	stop := t.Order.Copy()
	if err := p.removeStop(ctx, stop); err != nil {
		// 冻结已无法正常释放，仍然移出止损单
		p.logger.Error("release of stop order reservation failed", "order_id", stop.ID, "error", err)
		_ = p.releaseReservation(ctx, stop, execution.PreProcessOptions{ForceApply: true})
		stop.ReservedLimitVolume = decimal.Zero
	}
	stop.Reject(reason, ctx.Now())
	ctx.AddOrderUpdate(stop)
}

func (p *Processor) removeStop(ctx *execution.Context, stop *domain.Order) error {
	ctx.MutableStopBook(stop.AssetPairID).Remove(stop.ID)
	ctx.TrackOrderRemoved(execution.RefOf(stop))
	if err := p.releaseReservation(ctx, stop, execution.PreProcessOptions{}); err != nil {
		return err
	}
	stop.ReservedLimitVolume = decimal.Zero
	return nil
}
