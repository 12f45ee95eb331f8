package execution

import (
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/pkg/metrics"
)

// PreProcessOptions 控制一批钱包操作的暂存方式
type PreProcessOptions struct {
	// 校验失败时仍然暂存，记录错误日志与指标
	ForceApply bool
	// 允许受信任客户累计冻结
	AllowTrustedReserved bool

	// 子上下文合并到父上下文时已记录过强制应用，不再重复计数
	propagated bool
}

type stagedBalance struct {
	oldBalance  decimal.Decimal
	oldReserved decimal.Decimal
	balance     decimal.Decimal
	reserved    decimal.Decimal
	forced      bool
}

// WalletProcessor 每个执行上下文一个，读穿透到父处理器或共享账本，
// 按（客户，资产）暂存轧差后的新值。
type WalletProcessor struct {
	parent  *WalletProcessor
	holder  *BalancesHolder
	assets  domain.AssetProvider
	logger  *slog.Logger
	metrics *metrics.Metrics

	staged map[domain.BalanceKey]*stagedBalance
	keys   []domain.BalanceKey
}

// NewWalletProcessor 创建根处理器，读取共享账本
func NewWalletProcessor(holder *BalancesHolder, assets domain.AssetProvider, logger *slog.Logger, m *metrics.Metrics) *WalletProcessor {
	return &WalletProcessor{
		holder:  holder,
		assets:  assets,
		logger:  logger.With("module", "wallet_processor"),
		metrics: m,
		staged:  make(map[domain.BalanceKey]*stagedBalance),
	}
}

// Child 创建读穿透到本处理器的子处理器
func (p *WalletProcessor) Child() *WalletProcessor {
	return &WalletProcessor{
		parent:  p,
		holder:  p.holder,
		assets:  p.assets,
		logger:  p.logger,
		metrics: p.metrics,
		staged:  make(map[domain.BalanceKey]*stagedBalance),
	}
}

// Get 当前可见的余额与冻结
func (p *WalletProcessor) Get(clientID, assetID string) (balance, reserved decimal.Decimal) {
	return p.current(domain.BalanceKey{ClientID: clientID, AssetID: assetID})
}

// Available 当前可见的可用余额，受信任客户不计冻结
func (p *WalletProcessor) Available(clientID, assetID string) decimal.Decimal {
	balance, reserved := p.Get(clientID, assetID)
	if p.holder.IsTrusted(clientID) {
		return balance
	}
	return balance.Sub(reserved)
}

// IsTrusted 是否受信任客户
func (p *WalletProcessor) IsTrusted(clientID string) bool {
	return p.holder.IsTrusted(clientID)
}

func (p *WalletProcessor) current(key domain.BalanceKey) (decimal.Decimal, decimal.Decimal) {
	if st, ok := p.staged[key]; ok {
		return st.balance, st.reserved
	}
	if p.parent != nil {
		return p.parent.current(key)
	}
	return p.holder.Get(key.ClientID, key.AssetID)
}

type netChange struct {
	amount   decimal.Decimal
	reserved decimal.Decimal
}

// PreProcess 按（客户，资产）轧差后逐项校验，全部通过才暂存；
// ForceApply 时校验失败的项同样暂存。
func (p *WalletProcessor) PreProcess(ops []domain.WalletOperation, opts PreProcessOptions) error {
	if len(ops) == 0 {
		return nil
	}

	nets := make(map[domain.BalanceKey]*netChange, len(ops))
	keys := make([]domain.BalanceKey, 0, len(ops))
	for _, op := range ops {
		key := op.Key()
		n, ok := nets[key]
		if !ok {
			n = &netChange{amount: decimal.Zero, reserved: decimal.Zero}
			nets[key] = n
			keys = append(keys, key)
		}
		n.amount = n.amount.Add(op.Amount)
		if opts.AllowTrustedReserved || !p.holder.IsTrusted(op.ClientID) {
			n.reserved = n.reserved.Add(op.ReservedAmount)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ClientID != keys[j].ClientID {
			return keys[i].ClientID < keys[j].ClientID
		}
		return keys[i].AssetID < keys[j].AssetID
	})

	type change struct {
		key                     domain.BalanceKey
		oldBalance, oldReserved decimal.Decimal
		newBalance, newReserved decimal.Decimal
		forced                  bool
	}
	changes := make([]change, 0, len(keys))
	for _, key := range keys {
		n := nets[key]
		amount, reserved := n.amount, n.reserved
		if asset, ok := p.assets.Asset(key.AssetID); ok {
			amount = domain.RoundAmount(amount, asset.Accuracy, domain.RoundHalfUp)
			reserved = domain.RoundAmount(reserved, asset.Accuracy, domain.RoundHalfUp)
		}
		if amount.IsZero() && reserved.IsZero() {
			continue
		}

		oldBalance, oldReserved := p.current(key)
		newBalance, newReserved := oldBalance.Add(amount), oldReserved.Add(reserved)
		c := change{key: key, oldBalance: oldBalance, oldReserved: oldReserved, newBalance: newBalance, newReserved: newReserved}

		if err := domain.ValidateBalanceChange(key.ClientID, key.AssetID, oldBalance, oldReserved, newBalance, newReserved); err != nil {
			if !opts.ForceApply {
				p.metrics.BalanceInvariantViolations.WithLabelValues("false").Inc()
				p.logger.Debug("balance change rejected", "client_id", key.ClientID, "asset_id", key.AssetID, "error", err)
				return err
			}
			if !opts.propagated {
				p.metrics.BalanceInvariantViolations.WithLabelValues("true").Inc()
				p.logger.Error("force applying invalid balance change",
					"client_id", key.ClientID,
					"asset_id", key.AssetID,
					"old_balance", oldBalance,
					"new_balance", newBalance,
					"old_reserved", oldReserved,
					"new_reserved", newReserved,
					"error", err,
				)
			}
			c.forced = true
		}
		changes = append(changes, c)
	}

	for _, c := range changes {
		st, ok := p.staged[c.key]
		if !ok {
			st = &stagedBalance{oldBalance: c.oldBalance, oldReserved: c.oldReserved}
			p.staged[c.key] = st
			p.keys = append(p.keys, c.key)
		}
		st.balance = c.newBalance
		st.reserved = c.newReserved
		st.forced = st.forced || c.forced
	}
	return nil
}

// ApplyToParent 把暂存值还原为相对首次读取值的增量，在父处理器上重新轧差校验。
// 失败时父处理器不变。
func (p *WalletProcessor) ApplyToParent() error {
	if p.parent == nil {
		panic("execution: ApplyToParent on root wallet processor")
	}
	var ops, forced []domain.WalletOperation
	for _, key := range p.keys {
		st := p.staged[key]
		op := domain.WalletOperation{
			ClientID:       key.ClientID,
			AssetID:        key.AssetID,
			Amount:         st.balance.Sub(st.oldBalance),
			ReservedAmount: st.reserved.Sub(st.oldReserved),
		}
		if st.forced {
			forced = append(forced, op)
		} else {
			ops = append(ops, op)
		}
	}
	if err := p.parent.PreProcess(ops, PreProcessOptions{AllowTrustedReserved: true}); err != nil {
		return err
	}
	return p.parent.PreProcess(forced, PreProcessOptions{ForceApply: true, AllowTrustedReserved: true, propagated: true})
}

// BalanceUpdates 每个受影响位置的首次旧值与最新新值
func (p *WalletProcessor) BalanceUpdates() []domain.ClientBalanceUpdate {
	out := make([]domain.ClientBalanceUpdate, 0, len(p.keys))
	for _, key := range p.keys {
		st := p.staged[key]
		u := domain.ClientBalanceUpdate{
			ClientID:    key.ClientID,
			AssetID:     key.AssetID,
			OldBalance:  st.oldBalance,
			NewBalance:  st.balance,
			OldReserved: st.oldReserved,
			NewReserved: st.reserved,
		}
		if u.Changed() {
			out = append(out, u)
		}
	}
	return out
}

// Commit 根处理器把暂存值写入共享账本，返回余额变化与新值
func (p *WalletProcessor) Commit(at time.Time) ([]domain.ClientBalanceUpdate, []*domain.AssetBalance) {
	if p.parent != nil {
		panic("execution: Commit on child wallet processor")
	}
	updates := p.BalanceUpdates()
	balances := p.holder.Commit(updates, at)
	p.staged = make(map[domain.BalanceKey]*stagedBalance)
	p.keys = nil
	return updates, balances
}
