package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/execution"
	"github.com/wyfcoding/matchingcore/pkg/metrics"
)

// Envelope 进入撮合有序队列的指令，Reply 可为空
type Envelope struct {
	Command domain.Command
	Reply   chan<- *domain.CommandResult

	// release 指令未被撮合处理时调用，撤销预处理阶段的去重标记
	release func()
}

// Matcher 唯一的撮合线程。按入队顺序逐条处理指令：根上下文内执行与级联、
// 提交共享状态、发布只读快照、同步持久化、排队事件并回复发起方
type Matcher struct {
	state       *execution.State
	meta        domain.MetadataProvider
	processor   *Processor
	persistence *PersistenceManager
	events      *EventDispatcher
	expiry      *ExpiryWatcher

	queue chan *Envelope
	done  chan struct{}
	// stopped 置位后不再接受入队，队列内容只剩待丢弃的指令
	mu      sync.RWMutex
	stopped bool

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewMatcher 创建撮合线程，expiry 可为空
func NewMatcher(
	queueSize int,
	state *execution.State,
	meta domain.MetadataProvider,
	processor *Processor,
	persistence *PersistenceManager,
	events *EventDispatcher,
	expiry *ExpiryWatcher,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Matcher {
	return &Matcher{
		state:       state,
		meta:        meta,
		processor:   processor,
		persistence: persistence,
		events:      events,
		expiry:      expiry,
		queue:       make(chan *Envelope, queueSize),
		done:        make(chan struct{}),
		now:         time.Now,
		logger:      logger.With("module", "matcher"),
		metrics:     m,
	}
}

// Enqueue 把指令放入有序队列，队列满时阻塞直到 ctx 结束
func (m *Matcher) Enqueue(ctx context.Context, env *Envelope) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return domain.ErrEngineStopped
	}
	select {
	case <-m.done:
		return domain.ErrEngineStopped
	default:
	}
	select {
	case m.queue <- env:
		m.metrics.MatcherQueueDepth.Set(float64(len(m.queue)))
		return nil
	case <-m.done:
		return domain.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit 以 SubmitFunc 形式入队，不等待结果
func (m *Matcher) Submit(ctx context.Context, cmd domain.Command) error {
	return m.Enqueue(ctx, &Envelope{Command: cmd})
}

// Run 撮合主循环，ctx 结束后退出。退出时仍在队列中的指令以 FAILED 回复
func (m *Matcher) Run(ctx context.Context) error {
	defer m.shutdown()
	m.logger.Info("matcher started", "resting_orders", m.state.Books.Size())
	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case env := <-m.queue:
			m.metrics.MatcherQueueDepth.Set(float64(len(m.queue)))
			m.Handle(ctx, env)
		}
	}
}

// shutdown 拒绝后续入队，丢弃队列中剩余的指令
func (m *Matcher) shutdown() {
	close(m.done)
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	dropped := 0
	for {
		select {
		case env := <-m.queue:
			dropped++
			m.abandon(env)
		default:
			m.metrics.MatcherQueueDepth.Set(0)
			m.logger.Info("matcher stopped", "dropped", dropped)
			return
		}
	}
}

// abandon 回复未处理的指令并撤销其去重标记，重投后可再次执行
func (m *Matcher) abandon(env *Envelope) {
	h := env.Command.Header()
	m.metrics.CommandsTotal.WithLabelValues(string(env.Command.Type()), string(domain.CommandFailed)).Inc()
	m.reply(env, &domain.CommandResult{MessageID: h.MessageID, Status: domain.CommandFailed, Message: domain.ErrEngineStopped.Error()})
	if env.release != nil {
		env.release()
	}
}

// Handle 处理单条指令，只能在撮合线程调用
func (m *Matcher) Handle(ctx context.Context, env *Envelope) *domain.CommandResult {
	start := time.Now()
	cmd := env.Command
	h := cmd.Header()

	root := execution.NewRootContext(m.state, m.meta, execution.Info{
		MessageID: h.MessageID,
		Command:   cmd.Type(),
		Now:       m.now(),
	}, m.logger, m.metrics)
	res := m.processor.Process(root, cmd)

	commit, err := root.Apply()
	if err != nil {
		m.logger.Error("root apply failed", "message_id", h.MessageID, "error", err)
		res = &domain.CommandResult{MessageID: h.MessageID, Status: domain.CommandFailed, Message: err.Error()}
		m.reply(env, res)
		return res
	}
	res.Orders = commit.Orders
	res.Trades = commit.Trades

	m.state.PublishChanged(commit.ChangedPairs)
	_ = m.persistence.Persist(ctx, commit.Persistence)
	if m.expiry != nil {
		m.expiry.Observe(commit.Orders)
	}
	m.events.Dispatch(commit)

	m.metrics.CommandsTotal.WithLabelValues(string(cmd.Type()), string(res.Status)).Inc()
	m.metrics.CommandDuration.WithLabelValues(string(cmd.Type())).Observe(time.Since(start).Seconds())
	m.metrics.TradesTotal.Add(float64(len(commit.Trades)))
	m.metrics.RestingOrders.Set(float64(m.state.Books.Size()))

	m.logger.Debug("command processed",
		"message_id", h.MessageID,
		"type", cmd.Type(),
		"status", res.Status,
		"trades", len(commit.Trades),
		"duration", time.Since(start),
	)
	m.reply(env, res)
	return res
}

func (m *Matcher) reply(env *Envelope, res *domain.CommandResult) {
	if env.Reply == nil {
		return
	}
	select {
	case env.Reply <- res:
	default:
		m.logger.Warn("reply channel full, result dropped", "message_id", res.MessageID)
	}
}
