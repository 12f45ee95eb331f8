package domain

import (
	"errors"
	"fmt"
)

// RejectReason 指令或订单被拒绝的原因
type RejectReason string

const (
	RejectUnknownAsset             RejectReason = "UNKNOWN_ASSET"
	RejectDisabledAsset            RejectReason = "DISABLED_ASSET"
	RejectInvalidPrice             RejectReason = "INVALID_PRICE"
	RejectInvalidVolume            RejectReason = "INVALID_VOLUME"
	RejectInvalidPriceAccuracy     RejectReason = "INVALID_PRICE_ACCURACY"
	RejectInvalidVolumeAccuracy    RejectReason = "INVALID_VOLUME_ACCURACY"
	RejectTooSmallVolume           RejectReason = "TOO_SMALL_VOLUME"
	RejectTooLargeVolume           RejectReason = "TOO_LARGE_VOLUME"
	RejectInvalidValue             RejectReason = "INVALID_VALUE"
	RejectNotEnoughFunds           RejectReason = "NOT_ENOUGH_FUNDS"
	RejectNoLiquidity              RejectReason = "NO_LIQUIDITY"
	RejectLeadToNegativeSpread     RejectReason = "LEAD_TO_NEGATIVE_SPREAD"
	RejectExpired                  RejectReason = "EXPIRED"
	RejectNotFoundPrevious         RejectReason = "NOT_FOUND_PREVIOUS"
	RejectTooHighPriceDeviation    RejectReason = "TOO_HIGH_PRICE_DEVIATION"
	RejectTooHighMidPriceDeviation RejectReason = "TOO_HIGH_MID_PRICE_DEVIATION"
	RejectInvalidFee               RejectReason = "INVALID_FEE"
	RejectDuplicateOrder           RejectReason = "DUPLICATE_ORDER"
	RejectOrderNotFound            RejectReason = "ORDER_NOT_FOUND"
	RejectInvalidCommand           RejectReason = "INVALID_COMMAND"
	RejectCascadeFailed            RejectReason = "CASCADE_FAILED"
)

var (
	// ErrDuplicateMessage 消息 ID 已处理过
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrEngineStopped 撮合线程已停止
	ErrEngineStopped = errors.New("matching engine stopped")
	// ErrQueueFull 指令输入队列已满
	ErrQueueFull = errors.New("command queue full")
	// ErrAssetNotFound 资产不存在
	ErrAssetNotFound = errors.New("asset not found")
	// ErrAssetPairNotFound 交易对不存在
	ErrAssetPairNotFound = errors.New("asset pair not found")
	// ErrBalanceInvariant 余额不变量校验失败
	ErrBalanceInvariant = errors.New("balance invariant violated")
)

// RejectionError 结构化的业务拒绝，返回给指令发起方
type RejectionError struct {
	Reason  RejectReason
	Message string
}

// Reject 构造业务拒绝
func Reject(reason RejectReason, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// AsRejection 从错误链中提取业务拒绝
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
