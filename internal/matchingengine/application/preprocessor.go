package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// releaseTimeout 撤销去重标记的超时，与发起方 ctx 无关
const releaseTimeout = 3 * time.Second

// Preprocessor 预处理线程池：结构校验、元数据查询、消息去重后送入撮合有序队列。
// 结构错误直接回复结构化拒绝，不进入撮合线程。
// 同一客户端的指令按 ClientID 哈希固定到一个 worker，保证其进入撮合的顺序与提交顺序一致。
type Preprocessor struct {
	workers int
	inbound []chan *Envelope
	meta    domain.MetadataProvider
	dedup   domain.Deduplicator
	matcher *Matcher
	ids     OrderIDGenerator
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPreprocessor 创建预处理线程池，dedup 可为空
func NewPreprocessor(workers, queueSize int, meta domain.MetadataProvider, dedup domain.Deduplicator, matcher *Matcher, ids OrderIDGenerator, logger *slog.Logger, m *metrics.Metrics) *Preprocessor {
	if workers <= 0 {
		workers = 1
	}
	inbound := make([]chan *Envelope, workers)
	for i := range inbound {
		inbound[i] = make(chan *Envelope, max(queueSize/workers, 1))
	}
	return &Preprocessor{
		workers: workers,
		inbound: inbound,
		meta:    meta,
		dedup:   dedup,
		matcher: matcher,
		ids:     ids,
		logger:  logger.With("module", "preprocessor"),
		metrics: m,
	}
}

// Submit 投递指令，结果写入 env.Reply。输入队列满时立即返回 ErrQueueFull，由调用方决定重试
func (p *Preprocessor) Submit(ctx context.Context, env *Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.route(env.Command) <- env:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Execute 投递指令并等待结果
func (p *Preprocessor) Execute(ctx context.Context, cmd domain.Command) (*domain.CommandResult, error) {
	reply := make(chan *domain.CommandResult, 1)
	if err := p.Submit(ctx, &Envelope{Command: cmd, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run 启动 workers 个预处理协程，ctx 结束时全部退出
func (p *Preprocessor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, inbound := range p.inbound {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case env := <-inbound:
					p.handle(gctx, env)
				}
			}
		})
	}
	p.logger.Info("preprocessor started", "workers", p.workers)
	return g.Wait()
}

// route 按 ClientID 选择 worker 队列，无 ClientID 的指令固定走第一个
func (p *Preprocessor) route(cmd domain.Command) chan *Envelope {
	if p.workers == 1 {
		return p.inbound[0]
	}
	clientID := cmd.Header().ClientID
	if clientID == "" {
		return p.inbound[0]
	}
	return p.inbound[xxhash.Sum64String(clientID)%uint64(p.workers)]
}

func (p *Preprocessor) handle(ctx context.Context, env *Envelope) {
	h := env.Command.Header()
	if err := p.prepare(env.Command); err != nil {
		p.metrics.CommandsTotal.WithLabelValues(string(env.Command.Type()), string(domain.CommandRejected)).Inc()
		reply(env, domain.RejectedResult(h.MessageID, err))
		return
	}

	if p.dedup != nil {
		fresh, err := p.dedup.MarkIfAbsent(ctx, h.MessageID)
		if err != nil {
			p.logger.Warn("dedup check failed, processing anyway", "message_id", h.MessageID, "error", err)
		} else if !fresh {
			p.metrics.DuplicateMessagesTotal.Inc()
			reply(env, &domain.CommandResult{MessageID: h.MessageID, Status: domain.CommandDuplicate, Message: domain.ErrDuplicateMessage.Error()})
			return
		} else {
			env.release = func() { p.forget(h.MessageID) }
		}
	}

	if err := p.matcher.Enqueue(ctx, env); err != nil {
		p.logger.Error("failed to enqueue command", "message_id", h.MessageID, "error", err)
		if env.release != nil {
			env.release()
		}
		reply(env, &domain.CommandResult{MessageID: h.MessageID, Status: domain.CommandFailed, Message: err.Error()})
	}
}

// forget 撤销去重标记，失败时重投的指令会被当作重复丢弃
func (p *Preprocessor) forget(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := p.dedup.Forget(ctx, messageID); err != nil {
		p.logger.Error("failed to release message id", "message_id", messageID, "error", err)
	}
}

// prepare 补全订单默认字段并做不依赖共享状态的校验
func (p *Preprocessor) prepare(cmd domain.Command) error {
	h := cmd.Header()
	if h.MessageID == "" {
		return domain.Reject(domain.RejectInvalidCommand, "message id is required")
	}
	if h.ReceivedAt.IsZero() {
		h.ReceivedAt = time.Now()
	}

	switch c := cmd.(type) {
	case *domain.LimitOrderCommand:
		return p.prepareOrder(h, c.Order)
	case *domain.MarketOrderCommand:
		return p.prepareOrder(h, c.Order)
	case *domain.CancelOrderCommand, *domain.MassCancelCommand:
		if h.ClientID == "" {
			return domain.Reject(domain.RejectInvalidCommand, "client id is required")
		}
	case *domain.CashInOutCommand:
		if h.ClientID == "" {
			return domain.Reject(domain.RejectInvalidCommand, "client id is required")
		}
		_, err := domain.ResolveAsset(p.meta, c.AssetID)
		return err
	case *domain.TransferCommand:
		_, err := domain.ResolveAsset(p.meta, c.AssetID)
		return err
	case *domain.ExpireOrdersCommand:
	default:
		return domain.Reject(domain.RejectInvalidCommand, "unsupported command %T", cmd)
	}
	return nil
}

func (p *Preprocessor) prepareOrder(h *domain.CommandHeader, o *domain.Order) error {
	if o == nil {
		return domain.Reject(domain.RejectInvalidCommand, "order is required")
	}
	if o.ClientID == "" {
		o.ClientID = h.ClientID
	}
	if o.ClientID == "" || (h.ClientID != "" && o.ClientID != h.ClientID) {
		return domain.Reject(domain.RejectInvalidCommand, "order client %q does not match sender %q", o.ClientID, h.ClientID)
	}
	if o.ID == "" {
		o.ID = p.ids.NextOrderID()
	}
	if o.ExternalID == "" {
		o.ExternalID = o.ID
	}
	if o.TimeInForce == 0 {
		o.TimeInForce = domain.TimeInForceGTC
	}
	if !o.Side.Valid() {
		return domain.Reject(domain.RejectInvalidCommand, "invalid side")
	}
	o.Remaining = o.Volume
	o.RegisteredAt = h.ReceivedAt
	o.UpdateStatus(domain.StatusNew, h.ReceivedAt)
	_, err := domain.ResolvePair(p.meta, o.AssetPairID)
	return err
}

func reply(env *Envelope, res *domain.CommandResult) {
	if env.Reply == nil {
		return
	}
	select {
	case env.Reply <- res:
	default:
	}
}
