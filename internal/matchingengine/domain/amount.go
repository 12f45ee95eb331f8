package domain

import "github.com/shopspring/decimal"

// RoundingMode 金额取整方式，每个调用点显式指定
type RoundingMode int

const (
	// RoundHalfUp 四舍五入（远离零），用于校验、轧差与成交金额
	RoundHalfUp RoundingMode = iota + 1
	// RoundUp 远离零进位，用于买单冻结金额与手续费
	RoundUp
	// RoundDown 向零截断，用于展示与数量换算
	RoundDown
)

// String 返回取整方式名称
func (m RoundingMode) String() string {
	switch m {
	case RoundHalfUp:
		return "HALF_UP"
	case RoundUp:
		return "UP"
	case RoundDown:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// RoundAmount 按资产精度取整
func RoundAmount(v decimal.Decimal, accuracy int32, mode RoundingMode) decimal.Decimal {
	switch mode {
	case RoundUp:
		return v.RoundUp(accuracy)
	case RoundDown:
		return v.RoundDown(accuracy)
	case RoundHalfUp:
		return v.Round(accuracy)
	default:
		panic("domain: unknown rounding mode")
	}
}

// IsValidAccuracy 判断 v 的小数位数是否不超过 accuracy
func IsValidAccuracy(v decimal.Decimal, accuracy int32) bool {
	return v.Equal(v.Truncate(accuracy))
}
