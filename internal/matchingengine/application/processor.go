package application

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/execution"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/matching"
	"github.com/wyfcoding/matchingcore/pkg/metrics"
)

// OrderIDGenerator 订单内部 ID 生成器
type OrderIDGenerator interface {
	NextOrderID() string
}

// IDGenerator 同时生成订单与成交 ID
type IDGenerator interface {
	OrderIDGenerator
	matching.TradeIDGenerator
}

// Processor 在根执行上下文中处理一条指令。
// 指令本身在子上下文中执行，失败时整体丢弃，只在根上下文记录被拒绝的订单。
type Processor struct {
	engine          *matching.Engine
	ids             OrderIDGenerator
	maxCascadeSteps int
	logger          *slog.Logger
	metrics         *metrics.Metrics
}

// NewProcessor 创建指令处理器
func NewProcessor(ids IDGenerator, maxCascadeSteps int, logger *slog.Logger, m *metrics.Metrics) *Processor {
	return &Processor{
		engine:          matching.NewEngine(ids),
		ids:             ids,
		maxCascadeSteps: maxCascadeSteps,
		logger:          logger.With("module", "command_processor"),
		metrics:         m,
	}
}

// Process 处理指令并在需要时运行止损单级联，返回给发起方的结果。
// 调用方负责根上下文的 Apply。
func (p *Processor) Process(root *execution.Context, cmd domain.Command) *domain.CommandResult {
	work := root.Child()
	err := p.dispatch(work, cmd)
	if err == nil {
		if _, err = work.Apply(); err != nil {
			err = p.balanceRejection(err)
		}
	}

	msgID := cmd.Header().MessageID
	if err != nil {
		res := domain.RejectedResult(msgID, err)
		if o := rejectedOrder(cmd); o != nil && res.Status == domain.CommandRejected {
			o.Reject(res.Reason, root.Now())
			root.AddOrderUpdate(o)
			res.Orders = []*domain.Order{o}
		}
		p.logger.Debug("command rejected", "message_id", msgID, "type", cmd.Type(), "reason", res.Reason, "error", err)
		return res
	}

	if changesBooks(cmd) {
		p.runCascade(root)
	}
	return &domain.CommandResult{
		MessageID: msgID,
		Status:    domain.CommandOK,
		Orders:    root.OrderUpdates(),
		Trades:    root.Trades(),
	}
}

func (p *Processor) dispatch(ctx *execution.Context, cmd domain.Command) error {
	switch c := cmd.(type) {
	case *domain.LimitOrderCommand:
		return p.handleLimitOrder(ctx, c)
	case *domain.MarketOrderCommand:
		return p.handleMarketOrder(ctx, c)
	case *domain.CancelOrderCommand:
		return p.handleCancel(ctx, c)
	case *domain.MassCancelCommand:
		return p.handleMassCancel(ctx, c)
	case *domain.CashInOutCommand:
		return p.handleCashInOut(ctx, c)
	case *domain.TransferCommand:
		return p.handleTransfer(ctx, c)
	case *domain.ExpireOrdersCommand:
		return p.handleExpire(ctx, c)
	default:
		return domain.Reject(domain.RejectInvalidCommand, "unsupported command %T", cmd)
	}
}

// balanceRejection 把余额不变式失败转换为资金不足的业务拒绝
func (p *Processor) balanceRejection(err error) error {
	var balErr *domain.BalanceError
	if errors.As(err, &balErr) {
		return domain.Reject(domain.RejectNotEnoughFunds, "%s %s: %v", balErr.ClientID, balErr.AssetID, balErr)
	}
	return err
}

// preProcess 暂存钱包操作，失败时返回资金不足
func (p *Processor) preProcess(ctx *execution.Context, ops []domain.WalletOperation, opts execution.PreProcessOptions) error {
	if err := ctx.Wallet().PreProcess(ops, opts); err != nil {
		return p.balanceRejection(fmt.Errorf("stage wallet operations: %w", err))
	}
	return nil
}

func rejectedOrder(cmd domain.Command) *domain.Order {
	switch c := cmd.(type) {
	case *domain.LimitOrderCommand:
		if c.Order != nil {
			return c.Order.Copy()
		}
	case *domain.MarketOrderCommand:
		if c.Order != nil {
			return c.Order.Copy()
		}
	}
	return nil
}

func changesBooks(cmd domain.Command) bool {
	switch cmd.Type() {
	case domain.CommandLimitOrder, domain.CommandMarketOrder, domain.CommandCancelOrder,
		domain.CommandMassCancel, domain.CommandExpireOrders:
		return true
	default:
		return false
	}
}
