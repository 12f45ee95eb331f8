package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/execution"
	"github.com/wyfcoding/matchingcore/pkg/metrics"
)

// EventDispatcherConfig 事件出站配置
type EventDispatcherConfig struct {
	QueueSize       int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// EventDispatcher 撮合线程把提交结果追加到出站队列，发布协程按顺序发送，
// 失败时以指数退避无限重试，保证每个事件至少尝试送达一次。
// 追加从不阻塞撮合线程；积压超过 QueueSize 后继续溢出暂存并计数告警。
type EventDispatcher struct {
	sink     domain.EventSink
	sequence int64
	cfg      EventDispatcherConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	pending []*domain.OutgoingEvent
	spilled bool
	notify  chan struct{}
}

// NewEventDispatcher 创建事件分发器
func NewEventDispatcher(sink domain.EventSink, cfg EventDispatcherConfig, logger *slog.Logger, m *metrics.Metrics) *EventDispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 50 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	return &EventDispatcher{
		sink:    sink,
		notify:  make(chan struct{}, 1),
		cfg:     cfg,
		logger:  logger.With("module", "event_dispatcher"),
		metrics: m,
	}
}

// Dispatch 由撮合线程调用，只追加不等待发布
func (d *EventDispatcher) Dispatch(commit *execution.CommitResult) {
	events := commitEvents(commit)
	if len(events) == 0 {
		return
	}
	d.mu.Lock()
	for _, ev := range events {
		d.sequence++
		d.pending = append(d.pending, &domain.OutgoingEvent{
			Sequence:  d.sequence,
			MessageID: commit.MessageID,
			Type:      ev.EventType(),
			Timestamp: ev.OccurredAt(),
			Payload:   ev,
		})
		if len(d.pending) > d.cfg.QueueSize {
			d.metrics.EventsSpilledTotal.Inc()
		}
	}
	depth := len(d.pending)
	crossed := depth > d.cfg.QueueSize && !d.spilled
	if crossed {
		d.spilled = true
	}
	d.mu.Unlock()

	d.metrics.EventQueueDepth.Set(float64(depth))
	if crossed {
		d.logger.Warn("event queue over capacity, spilling", "depth", depth, "queue_size", d.cfg.QueueSize, "message_id", commit.MessageID)
	}
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Pending 尚未发布成功的事件数
func (d *EventDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run 发布协程，ctx 结束时退出
func (d *EventDispatcher) Run(ctx context.Context) error {
	d.logger.Info("event dispatcher started", "queue_size", d.cfg.QueueSize)
	for {
		ev := d.head()
		if ev == nil {
			select {
			case <-ctx.Done():
				d.logger.Info("event dispatcher stopped", "pending", d.Pending())
				return nil
			case <-d.notify:
				continue
			}
		}
		if err := d.publish(ctx, ev); err != nil {
			d.logger.Info("event dispatcher stopped", "pending", d.Pending())
			return nil
		}
		d.pop()
	}
}

func (d *EventDispatcher) head() *domain.OutgoingEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return nil
	}
	return d.pending[0]
}

// pop 移除已发布的队首事件，积压回落到容量内时清除溢出标记
func (d *EventDispatcher) pop() {
	d.mu.Lock()
	d.pending[0] = nil
	d.pending = d.pending[1:]
	depth := len(d.pending)
	recovered := d.spilled && depth <= d.cfg.QueueSize
	if recovered {
		d.spilled = false
	}
	if depth == 0 {
		d.pending = nil
	}
	d.mu.Unlock()

	d.metrics.EventQueueDepth.Set(float64(depth))
	if recovered {
		d.logger.Info("event queue back within capacity", "depth", depth)
	}
}

func (d *EventDispatcher) publish(ctx context.Context, ev *domain.OutgoingEvent) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialInterval
	b.MaxInterval = d.cfg.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, d.sink.Publish(ctx, ev)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.metrics.EventsPublishedTotal.WithLabelValues("retry").Inc()
			d.logger.Warn("event publish failed, retrying", "sequence", ev.Sequence, "type", ev.Type, "next", next, "error", err)
		}),
	)
	if err != nil {
		d.logger.Error("event publish abandoned", "sequence", ev.Sequence, "message_id", ev.MessageID, "error", err)
		return err
	}
	d.metrics.EventsPublishedTotal.WithLabelValues("ok").Inc()
	return nil
}

// commitEvents 由一次提交生成对外事件：订单与成交、业务事件、余额变化
func commitEvents(c *execution.CommitResult) []domain.Event {
	ts := c.Persistence.Timestamp
	var out []domain.Event
	if len(c.Orders) > 0 || len(c.Trades) > 0 {
		out = append(out, domain.ExecutionEvent{
			BaseEvent: domain.BaseEvent{Timestamp: ts},
			Orders:    c.Orders,
			Trades:    c.Trades,
		})
	}
	out = append(out, c.Events...)
	if len(c.BalanceUpdates) > 0 {
		out = append(out, domain.BalanceUpdateEvent{
			BaseEvent: domain.BaseEvent{Timestamp: ts},
			Updates:   c.BalanceUpdates,
		})
	}
	return out
}
