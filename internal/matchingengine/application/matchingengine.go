package application

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/execution"
	"github.com/wyfcoding/matchingcore/pkg/logger"
	"github.com/wyfcoding/matchingcore/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// Options 撮合门面服务的运行参数
type Options struct {
	Preprocessors    int
	InboundQueueSize int
	MatcherQueueSize int
	EventQueueSize   int
	MaxCascadeSteps  int
	ExpiryInterval   time.Duration
}

// Dependencies 外部协作方
type Dependencies struct {
	Meta        domain.MetadataProvider
	Persistence domain.PersistenceSink
	Events      domain.EventSink
	// 可为空，表示不去重
	Dedup domain.Deduplicator
	IDs   IDGenerator
}

// MatchingEngineService 撮合门面服务，组装预处理线程池、撮合线程、事件出站与到期扫描
type MatchingEngineService struct {
	state        *execution.State
	matcher      *Matcher
	preprocessor *Preprocessor
	dispatcher   *EventDispatcher
	expiry       *ExpiryWatcher
	query        *QueryService
	logger       *slog.Logger
}

// NewMatchingEngineService 构造函数
func NewMatchingEngineService(opts Options, state *execution.State, deps Dependencies, logger *slog.Logger, m *metrics.Metrics) *MatchingEngineService {
	processor := NewProcessor(deps.IDs, opts.MaxCascadeSteps, logger, m)
	dispatcher := NewEventDispatcher(deps.Events, EventDispatcherConfig{QueueSize: opts.EventQueueSize}, logger, m)
	persistence := NewPersistenceManager(deps.Persistence, logger, m)

	s := &MatchingEngineService{
		state:      state,
		dispatcher: dispatcher,
		query:      NewQueryService(state, deps.Meta),
		logger:     logger.With("module", "matching_engine_service"),
	}
	s.expiry = NewExpiryWatcher(opts.ExpiryInterval, func(ctx context.Context, cmd domain.Command) error {
		return s.matcher.Submit(ctx, cmd)
	}, deps.IDs.NextOrderID, logger)
	s.matcher = NewMatcher(opts.MatcherQueueSize, state, deps.Meta, processor, persistence, dispatcher, s.expiry, logger, m)
	s.preprocessor = NewPreprocessor(opts.Preprocessors, opts.InboundQueueSize, deps.Meta, deps.Dedup, s.matcher, deps.IDs, logger, m)
	return s
}

// RecoverState 启动时从持久化加载余额与挂单，必须在 Run 之前调用
func (s *MatchingEngineService) RecoverState(ctx context.Context, loader domain.StateLoader) error {
	defer logger.LogDuration(ctx, s.logger, "state recovery finished")()

	balances, err := loader.LoadBalances(ctx)
	if err != nil {
		return fmt.Errorf("failed to load balances: %w", err)
	}
	orders, err := loader.LoadOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load orders: %w", err)
	}
	s.state.Balances.Load(balances)
	s.state.LoadOrders(orders)
	s.state.Publish()

	var refs []execution.OrderRef
	for _, o := range orders {
		refs = append(refs, execution.RefOf(o))
	}
	s.expiry.Load(refs)
	s.logger.Info("state recovered", "balances", len(balances), "orders", len(orders))
	return nil
}

// Run 启动全部后台协程，ctx 结束后等待退出
func (s *MatchingEngineService) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// 撮合线程固定在一个系统线程上
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		return s.matcher.Run(gctx)
	})
	g.Go(func() error { return s.preprocessor.Run(gctx) })
	g.Go(func() error { return s.dispatcher.Run(gctx) })
	g.Go(func() error { return s.expiry.Run(gctx) })
	return g.Wait()
}

// Execute 提交指令并等待撮合结果
func (s *MatchingEngineService) Execute(ctx context.Context, cmd domain.Command) (*domain.CommandResult, error) {
	return s.preprocessor.Execute(ctx, cmd)
}

// Submit 提交指令，结果写入 reply（可为空）
func (s *MatchingEngineService) Submit(ctx context.Context, cmd domain.Command, reply chan<- *domain.CommandResult) error {
	return s.preprocessor.Submit(ctx, &Envelope{Command: cmd, Reply: reply})
}

// Query 只读查询服务
func (s *MatchingEngineService) Query() *QueryService {
	return s.query
}
