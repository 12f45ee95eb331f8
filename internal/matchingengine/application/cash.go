package application

import (
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/execution"
)

func (p *Processor) handleCashInOut(ctx *execution.Context, cmd *domain.CashInOutCommand) error {
	asset, err := domain.ResolveAsset(ctx.Meta(), cmd.AssetID)
	if err != nil {
		return err
	}
	if cmd.Amount.IsZero() {
		return domain.Reject(domain.RejectInvalidVolume, "amount must not be zero")
	}
	if !domain.IsValidAccuracy(cmd.Amount, asset.Accuracy) {
		return domain.Reject(domain.RejectInvalidVolumeAccuracy, "amount %s exceeds accuracy %d", cmd.Amount, asset.Accuracy)
	}
	if cmd.Amount.IsNegative() {
		if available := ctx.Wallet().Available(cmd.ClientID, asset.ID); available.LessThan(cmd.Amount.Neg()) {
			return domain.Reject(domain.RejectNotEnoughFunds, "cash out %s exceeds available %s", cmd.Amount.Neg(), available)
		}
	}

	err = p.preProcess(ctx, []domain.WalletOperation{{
		ClientID:      cmd.ClientID,
		AssetID:       asset.ID,
		Amount:        cmd.Amount,
		CorrelationID: cmd.MessageID,
		Timestamp:     ctx.Now(),
	}}, execution.PreProcessOptions{})
	if err != nil {
		return err
	}
	ctx.AddEvent(domain.CashInOutEvent{
		BaseEvent: domain.BaseEvent{Timestamp: ctx.Now()},
		ClientID:  cmd.ClientID,
		AssetID:   asset.ID,
		Amount:    cmd.Amount,
	})
	return nil
}

// handleTransfer 客户间划转。转出方可用余额加透支额度须覆盖划转金额，
// 动用透支时走强制应用路径
func (p *Processor) handleTransfer(ctx *execution.Context, cmd *domain.TransferCommand) error {
	asset, err := domain.ResolveAsset(ctx.Meta(), cmd.AssetID)
	if err != nil {
		return err
	}
	if cmd.FromClientID == "" || cmd.ToClientID == "" || cmd.FromClientID == cmd.ToClientID {
		return domain.Reject(domain.RejectInvalidCommand, "invalid transfer parties %q -> %q", cmd.FromClientID, cmd.ToClientID)
	}
	if !cmd.Amount.IsPositive() {
		return domain.Reject(domain.RejectInvalidVolume, "amount %s must be positive", cmd.Amount)
	}
	if !domain.IsValidAccuracy(cmd.Amount, asset.Accuracy) {
		return domain.Reject(domain.RejectInvalidVolumeAccuracy, "amount %s exceeds accuracy %d", cmd.Amount, asset.Accuracy)
	}
	if cmd.OverdraftLimit.IsNegative() {
		return domain.Reject(domain.RejectInvalidValue, "overdraft limit %s must not be negative", cmd.OverdraftLimit)
	}

	available := ctx.Wallet().Available(cmd.FromClientID, asset.ID)
	if available.Add(cmd.OverdraftLimit).LessThan(cmd.Amount) {
		return domain.Reject(domain.RejectNotEnoughFunds, "transfer %s exceeds available %s plus overdraft %s", cmd.Amount, available, cmd.OverdraftLimit)
	}
	overdraft := available.LessThan(cmd.Amount)

	err = p.preProcess(ctx, []domain.WalletOperation{
		{ClientID: cmd.FromClientID, AssetID: asset.ID, Amount: cmd.Amount.Neg(), CorrelationID: cmd.MessageID, Timestamp: ctx.Now()},
		{ClientID: cmd.ToClientID, AssetID: asset.ID, Amount: cmd.Amount, CorrelationID: cmd.MessageID, Timestamp: ctx.Now()},
	}, execution.PreProcessOptions{ForceApply: overdraft})
	if err != nil {
		return err
	}
	if overdraft {
		p.logger.Warn("transfer uses overdraft", "message_id", cmd.MessageID, "from", cmd.FromClientID, "asset_id", asset.ID, "amount", cmd.Amount, "available", available)
	}
	ctx.AddEvent(domain.TransferEvent{
		BaseEvent:    domain.BaseEvent{Timestamp: ctx.Now()},
		FromClientID: cmd.FromClientID,
		ToClientID:   cmd.ToClientID,
		AssetID:      asset.ID,
		Amount:       cmd.Amount,
		Overdraft:    overdraft,
	})
	return nil
}
