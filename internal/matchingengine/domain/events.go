package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event 撮合核心对外发布的领域事件
type Event interface {
	EventType() string
	OccurredAt() time.Time
}

// BaseEvent 基础事件结构
type BaseEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// OccurredAt 返回事件发生时间
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// ExecutionEvent 一条指令引起的订单状态变化与成交
type ExecutionEvent struct {
	BaseEvent
	Orders []*Order `json:"orders"`
	Trades []*Trade `json:"trades,omitempty"`
}

// EventType 返回事件类型
func (e ExecutionEvent) EventType() string { return "Execution" }

// BalanceUpdateEvent 一次提交内的余额变化
type BalanceUpdateEvent struct {
	BaseEvent
	Updates []ClientBalanceUpdate `json:"updates"`
}

// EventType 返回事件类型
func (e BalanceUpdateEvent) EventType() string { return "BalanceUpdate" }

// CashInOutEvent 充值提现
type CashInOutEvent struct {
	BaseEvent
	ClientID string          `json:"client_id"`
	AssetID  string          `json:"asset_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// EventType 返回事件类型
func (e CashInOutEvent) EventType() string { return "CashInOut" }

// TransferEvent 客户间划转
type TransferEvent struct {
	BaseEvent
	FromClientID string          `json:"from_client_id"`
	ToClientID   string          `json:"to_client_id"`
	AssetID      string          `json:"asset_id"`
	Amount       decimal.Decimal `json:"amount"`
	Overdraft    bool            `json:"overdraft"`
}

// EventType 返回事件类型
func (e TransferEvent) EventType() string { return "Transfer" }

// StopOrderTriggeredEvent 止损单被触发
type StopOrderTriggeredEvent struct {
	BaseEvent
	StopOrderID  string          `json:"stop_order_id"`
	ChildOrderID string          `json:"child_order_id"`
	AssetPairID  string          `json:"asset_pair_id"`
	Trigger      string          `json:"trigger"`
	Price        decimal.Decimal `json:"price"`
}

// EventType 返回事件类型
func (e StopOrderTriggeredEvent) EventType() string { return "StopOrderTriggered" }

// OutgoingEvent 发往事件出口的信封，Sequence 在撮合线程内单调递增
type OutgoingEvent struct {
	Sequence  int64     `json:"sequence"`
	MessageID string    `json:"message_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Event     `json:"payload"`
}

// Key 分区键，保证同一消息产生的事件有序
func (e *OutgoingEvent) Key() string {
	return e.MessageID
}
