package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceKey 账本中一个（客户，资产）位置
type BalanceKey struct {
	ClientID string
	AssetID  string
}

// AssetBalance 某客户某资产的余额与冻结
type AssetBalance struct {
	ClientID  string          `json:"client_id"`
	AssetID   string          `json:"asset_id"`
	Balance   decimal.Decimal `json:"balance"`
	Reserved  decimal.Decimal `json:"reserved"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Available 可用余额
func (b AssetBalance) Available() decimal.Decimal {
	return b.Balance.Sub(b.Reserved)
}

// Wallet 客户钱包。存入账本后只读，更新时整体替换为新副本
type Wallet struct {
	ClientID string                   `json:"client_id"`
	Balances map[string]*AssetBalance `json:"balances"`
}

// NewWallet 创建空钱包
func NewWallet(clientID string) *Wallet {
	return &Wallet{ClientID: clientID, Balances: make(map[string]*AssetBalance)}
}

// Get 返回某资产余额，不存在时返回零值
func (w *Wallet) Get(assetID string) AssetBalance {
	if w != nil {
		if b, ok := w.Balances[assetID]; ok {
			return *b
		}
	}
	return AssetBalance{AssetID: assetID}
}

// Copy 深拷贝钱包
func (w *Wallet) Copy() *Wallet {
	cp := &Wallet{ClientID: w.ClientID, Balances: make(map[string]*AssetBalance, len(w.Balances))}
	for id, b := range w.Balances {
		v := *b
		cp.Balances[id] = &v
	}
	return cp
}

// WalletOperation 一笔余额/冻结变动，纯数据
type WalletOperation struct {
	ClientID string          `json:"client_id"`
	AssetID  string          `json:"asset_id"`
	// 余额变动
	Amount decimal.Decimal `json:"amount"`
	// 冻结变动
	ReservedAmount decimal.Decimal `json:"reserved_amount"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Key 返回操作对应的账本位置
func (op WalletOperation) Key() BalanceKey {
	return BalanceKey{ClientID: op.ClientID, AssetID: op.AssetID}
}

// ClientBalanceUpdate 一个（客户，资产）在一次提交中的前后值
type ClientBalanceUpdate struct {
	ClientID    string          `json:"client_id"`
	AssetID     string          `json:"asset_id"`
	OldBalance  decimal.Decimal `json:"old_balance"`
	NewBalance  decimal.Decimal `json:"new_balance"`
	OldReserved decimal.Decimal `json:"old_reserved"`
	NewReserved decimal.Decimal `json:"new_reserved"`
}

// Changed 前后值是否不同
func (u ClientBalanceUpdate) Changed() bool {
	return !u.OldBalance.Equal(u.NewBalance) || !u.OldReserved.Equal(u.NewReserved)
}
