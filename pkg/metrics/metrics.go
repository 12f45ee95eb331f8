// Package metrics 提供撮合核心的 Prometheus 指标集合
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 指标集合，由 main 构造后按引用传递
type Metrics struct {
	registry *prometheus.Registry

	// 处理的指令数，按类型与结果区分
	CommandsTotal *prometheus.CounterVec
	// 撮合线程单条指令处理耗时
	CommandDuration *prometheus.HistogramVec
	// 成交笔数
	TradesTotal prometheus.Counter
	// 余额不变式校验失败次数，forced 表示是否被强制应用
	BalanceInvariantViolations *prometheus.CounterVec
	// 止损单级联步数
	CascadeStepsTotal prometheus.Counter
	// 持久化重试次数
	PersistenceRetriesTotal prometheus.Counter
	// 重试后仍失败的持久化次数
	PersistenceFailuresTotal prometheus.Counter
	// 持久化耗时
	PersistenceDuration prometheus.Histogram
	// 事件发布结果
	EventsPublishedTotal *prometheus.CounterVec
	// 撮合队列深度
	MatcherQueueDepth prometheus.Gauge
	// 事件出站队列深度
	EventQueueDepth prometheus.Gauge
	// 超出出站队列容量后溢出暂存的事件数
	EventsSpilledTotal prometheus.Counter
	// 簿内挂单数
	RestingOrders prometheus.Gauge
	// 重复消息数
	DuplicateMessagesTotal prometheus.Counter
}

// New 创建指标实例并注册到独立的 registry
func New(serviceName string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "commands_total",
			Help:      "Total commands processed by the matcher",
		}, []string{"type", "status"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "command_duration_seconds",
			Help:      "Matcher processing time per command",
			Buckets:   []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
		}, []string{"type"}),
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "trades_total",
			Help:      "Total trades executed",
		}),
		BalanceInvariantViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "balance_invariant_violations_total",
			Help:      "Balance changes that failed the invariant check",
		}, []string{"forced"}),
		CascadeStepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "cascade_steps_total",
			Help:      "Stop orders triggered through cascades",
		}),
		PersistenceRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "persistence_retries_total",
			Help:      "Persistence calls retried after a first failure",
		}),
		PersistenceFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "persistence_failures_total",
			Help:      "Persistence calls that failed after the retry",
		}),
		PersistenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "persistence_duration_seconds",
			Help:      "Persistence call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "events_published_total",
			Help:      "Outgoing events publish attempts",
		}, []string{"result"}),
		MatcherQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "matcher_queue_depth",
			Help:      "Commands waiting for the matcher",
		}),
		EventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "event_queue_depth",
			Help:      "Events waiting for publication",
		}),
		EventsSpilledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "events_spilled_total",
			Help:      "Events queued beyond the outgoing queue capacity",
		}),
		RestingOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "resting_orders",
			Help:      "Number of resting limit orders",
		}),
		DuplicateMessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "duplicate_messages_total",
			Help:      "Inbound messages dropped by deduplication",
		}),
	}

	m.registry.MustRegister(
		m.CommandsTotal,
		m.CommandDuration,
		m.TradesTotal,
		m.BalanceInvariantViolations,
		m.CascadeStepsTotal,
		m.PersistenceRetriesTotal,
		m.PersistenceFailuresTotal,
		m.PersistenceDuration,
		m.EventsPublishedTotal,
		m.MatcherQueueDepth,
		m.EventQueueDepth,
		m.EventsSpilledTotal,
		m.RestingOrders,
		m.DuplicateMessagesTotal,
	)
	return m
}

// Handler 返回暴露该 registry 的 HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry 返回底层 registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
