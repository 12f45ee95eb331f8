package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CommandType 指令类型
type CommandType string

const (
	CommandLimitOrder   CommandType = "LIMIT_ORDER"
	CommandMarketOrder  CommandType = "MARKET_ORDER"
	CommandCancelOrder  CommandType = "CANCEL_ORDER"
	CommandMassCancel   CommandType = "MASS_CANCEL"
	CommandCashInOut    CommandType = "CASH_IN_OUT"
	CommandTransfer     CommandType = "TRANSFER"
	CommandExpireOrders CommandType = "EXPIRE_ORDERS"
)

// Command 撮合线程处理的指令，具体类型通过 type switch 区分
type Command interface {
	Type() CommandType
	Header() *CommandHeader
}

// CommandHeader 所有指令共有的字段
type CommandHeader struct {
	MessageID  string    `json:"message_id"`
	ClientID   string    `json:"client_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// Header 返回公共头
func (h *CommandHeader) Header() *CommandHeader { return h }

// LimitOrderCommand 限价单或止损限价单；ReplaceOrderID 非空时先撤销该订单
type LimitOrderCommand struct {
	CommandHeader
	Order          *Order `json:"order"`
	ReplaceOrderID string `json:"replace_order_id,omitempty"`
}

// Type 指令类型
func (*LimitOrderCommand) Type() CommandType { return CommandLimitOrder }

// MarketOrderCommand 市价单
type MarketOrderCommand struct {
	CommandHeader
	Order *Order `json:"order"`
}

// Type 指令类型
func (*MarketOrderCommand) Type() CommandType { return CommandMarketOrder }

// CancelOrderCommand 按外部订单 ID 撤单
type CancelOrderCommand struct {
	CommandHeader
	ExternalIDs []string `json:"external_ids"`
}

// Type 指令类型
func (*CancelOrderCommand) Type() CommandType { return CommandCancelOrder }

// MassCancelCommand 批量撤单，AssetPairID 与 Side 为空表示不限
type MassCancelCommand struct {
	CommandHeader
	AssetPairID string    `json:"asset_pair_id,omitempty"`
	Side        OrderSide `json:"side,omitempty"`
}

// Type 指令类型
func (*MassCancelCommand) Type() CommandType { return CommandMassCancel }

// CashInOutCommand 充值（正数）或提现（负数）
type CashInOutCommand struct {
	CommandHeader
	AssetID string          `json:"asset_id"`
	Amount  decimal.Decimal `json:"amount"`
}

// Type 指令类型
func (*CashInOutCommand) Type() CommandType { return CommandCashInOut }

// TransferCommand 客户间划转，OverdraftLimit 允许转出方透支的额度
type TransferCommand struct {
	CommandHeader
	FromClientID   string          `json:"from_client_id"`
	ToClientID     string          `json:"to_client_id"`
	AssetID        string          `json:"asset_id"`
	Amount         decimal.Decimal `json:"amount"`
	OverdraftLimit decimal.Decimal `json:"overdraft_limit"`
}

// Type 指令类型
func (*TransferCommand) Type() CommandType { return CommandTransfer }

// ExpireOrdersCommand 内部指令，撤销到期的 GTD 订单
type ExpireOrdersCommand struct {
	CommandHeader
	ExternalIDs []string  `json:"external_ids"`
	Now         time.Time `json:"now"`
}

// Type 指令类型
func (*ExpireOrdersCommand) Type() CommandType { return CommandExpireOrders }

// CommandStatus 指令处理结果
type CommandStatus string

const (
	CommandOK        CommandStatus = "OK"
	CommandRejected  CommandStatus = "REJECTED"
	CommandDuplicate CommandStatus = "DUPLICATE"
	CommandFailed    CommandStatus = "FAILED"
)

// CommandResult 返回给指令发起方的结果
type CommandResult struct {
	MessageID string        `json:"message_id"`
	Status    CommandStatus `json:"status"`
	Reason    RejectReason  `json:"reason,omitempty"`
	Message   string        `json:"message,omitempty"`
	Orders    []*Order      `json:"orders,omitempty"`
	Trades    []*Trade      `json:"trades,omitempty"`
}

// RejectedResult 根据错误构造拒绝结果
func RejectedResult(messageID string, err error) *CommandResult {
	res := &CommandResult{MessageID: messageID, Status: CommandFailed, Message: err.Error()}
	if rej, ok := AsRejection(err); ok {
		res.Status = CommandRejected
		res.Reason = rej.Reason
		res.Message = rej.Message
	}
	return res
}
