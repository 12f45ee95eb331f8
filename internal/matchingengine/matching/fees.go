package matching

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
)

// feeTransfers 计算一笔成交的手续费。费用以付费方收到的资产收取，
// 数额按该资产精度向上取整，划给指令中的收款方。
func feeTransfers(t *domain.Trade, taker, maker *domain.Order, meta domain.AssetPairMeta, now time.Time) ([]domain.FeeTransfer, []domain.WalletOperation) {
	var fees []domain.FeeTransfer
	var ops []domain.WalletOperation

	charge := func(payer *domain.Order, isMaker bool) {
		asset, received := meta.Base, t.BaseVolume
		if !payer.IsBuy() {
			asset, received = meta.Quote, t.QuoteVolume
		}
		for _, fi := range payer.Fees {
			ratio := fi.TakerSizeRatio
			if isMaker {
				ratio = fi.MakerSizeRatio
			}
			if !ratio.IsPositive() {
				continue
			}
			amount := domain.RoundAmount(received.Mul(ratio), asset.Accuracy, domain.RoundUp)
			if !amount.IsPositive() {
				continue
			}
			fees = append(fees, domain.FeeTransfer{
				PayerClientID:  payer.ClientID,
				TargetClientID: fi.TargetClientID,
				AssetID:        asset.ID,
				Amount:         amount,
				Maker:          isMaker,
			})
			ops = append(ops,
				domain.WalletOperation{ClientID: payer.ClientID, AssetID: asset.ID, Amount: amount.Neg(), CorrelationID: t.TradeID, Timestamp: now},
				domain.WalletOperation{ClientID: fi.TargetClientID, AssetID: asset.ID, Amount: amount, CorrelationID: t.TradeID, Timestamp: now},
			)
		}
	}
	charge(taker, false)
	charge(maker, true)
	return fees, ops
}

// ValidateFees 校验手续费指令，比例之和不得达到 1
func ValidateFees(fees []domain.FeeInstruction) error {
	makerSum, takerSum := decimal.Zero, decimal.Zero
	for _, f := range fees {
		if !f.Valid() {
			return domain.Reject(domain.RejectInvalidFee, "invalid fee instruction for target %q", f.TargetClientID)
		}
		makerSum = makerSum.Add(f.MakerSizeRatio)
		takerSum = takerSum.Add(f.TakerSizeRatio)
	}
	one := decimal.NewFromInt(1)
	if makerSum.GreaterThanOrEqual(one) || takerSum.GreaterThanOrEqual(one) {
		return domain.Reject(domain.RejectInvalidFee, "fee ratios must sum below 1")
	}
	return nil
}
