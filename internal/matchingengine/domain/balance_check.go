package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BalanceError 余额变动违反账本不变量
type BalanceError struct {
	ClientID    string
	AssetID     string
	Rule        int
	OldBalance  decimal.Decimal
	OldReserved decimal.Decimal
	NewBalance  decimal.Decimal
	NewReserved decimal.Decimal
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("invalid balance change for client %s asset %s (rule %d): balance %s -> %s, reserved %s -> %s",
		e.ClientID, e.AssetID, e.Rule, e.OldBalance, e.NewBalance, e.OldReserved, e.NewReserved)
}

// Unwrap 使 errors.Is(err, ErrBalanceInvariant) 成立
func (e *BalanceError) Unwrap() error {
	return ErrBalanceInvariant
}

// ValidateBalanceChange 校验单个（客户，资产）轧差后的变动：
//  1. 新余额为负，且不是在已有负余额基础上持平或收窄亏空；
//  2. 冻结被减少到负数；
//  3. 余额低于冻结且两者差额扩大。
//
// 任一成立即拒绝。
func ValidateBalanceChange(clientID, assetID string, oldBalance, oldReserved, newBalance, newReserved decimal.Decimal) error {
	fail := func(rule int) error {
		return &BalanceError{
			ClientID:    clientID,
			AssetID:     assetID,
			Rule:        rule,
			OldBalance:  oldBalance,
			OldReserved: oldReserved,
			NewBalance:  newBalance,
			NewReserved: newReserved,
		}
	}

	if oldBalance.Equal(newBalance) && oldReserved.Equal(newReserved) {
		return nil
	}

	if newBalance.IsNegative() {
		deficitAllowed := oldBalance.IsNegative() &&
			(oldBalance.GreaterThanOrEqual(newBalance) ||
				oldReserved.Add(newBalance).GreaterThanOrEqual(newReserved.Add(oldBalance)))
		if !deficitAllowed {
			return fail(1)
		}
	}

	if newReserved.IsNegative() && oldReserved.GreaterThan(newReserved) {
		return fail(2)
	}

	if newBalance.LessThan(newReserved) && oldReserved.Add(newBalance).LessThan(newReserved.Add(oldBalance)) {
		return fail(3)
	}
	return nil
}
