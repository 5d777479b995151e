package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hedge-core/internal/dispatch"
	"hedge-core/internal/syncmgr"
	"hedge-core/internal/trailing"
)

// Sources 为指标采集时读取的只读状态，任一项为空时不注册对应指标。
type Sources struct {
	SyncStatus    func() syncmgr.Status
	DispatchStats func() dispatch.Stats
	TrailingStats func() trailing.Stats
}

// Metrics 在私有 registry 上暴露同步、执行与追踪止损指标。
type Metrics struct {
	registry *prometheus.Registry

	syncFailures   *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	stateChanges   *prometheus.CounterVec
	stepOutcomes   *prometheus.CounterVec
	runs           *prometheus.CounterVec
	safetyAlerts   prometheus.Counter
	emergencyStops prometheus.Counter
	stopUpdates    prometheus.Counter
	trailingIssues *prometheus.CounterVec
	bridgeEvents   *prometheus.CounterVec
}

// NewMetrics 创建并注册指标。
func NewMetrics(src Sources) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_sync_failures_total",
			Help: "Outbound sync delivery failures by outcome (retry|terminal).",
		}, []string{"outcome"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_sync_conflicts_total",
			Help: "Resolved conflicts by winning side.",
		}, []string{"winner"}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_sync_state_changes_total",
			Help: "Connection state transitions by target state.",
		}, []string{"state"}),
		stepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_execution_steps_total",
			Help: "Execution step events by kind.",
		}, []string{"kind"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_execution_runs_total",
			Help: "Execution runs by final outcome.",
		}, []string{"outcome"}),
		safetyAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hedge_safety_alerts_total",
			Help: "Safety check reports with findings.",
		}),
		emergencyStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hedge_emergency_stops_total",
			Help: "Emergency stops triggered.",
		}),
		stopUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hedge_trailing_stop_updates_total",
			Help: "Trailing stop tightenings published.",
		}),
		trailingIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_trailing_issues_total",
			Help: "Trailing validation issues by kind.",
		}, []string{"kind"}),
		bridgeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_bridge_connection_events_total",
			Help: "Terminal bridge connection status changes.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.syncFailures, m.conflicts, m.stateChanges,
		m.stepOutcomes, m.runs, m.safetyAlerts, m.emergencyStops,
		m.stopUpdates, m.trailingIssues, m.bridgeEvents,
	)

	if src.SyncStatus != nil {
		status := src.SyncStatus
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "hedge_sync_pending_changes",
				Help: "Local changes waiting for delivery.",
			}, func() float64 { return float64(status().PendingChanges) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "hedge_sync_connected",
				Help: "1 when the remote backend is connected.",
			}, func() float64 {
				if status().IsConnected {
					return 1
				}
				return 0
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "hedge_sync_errors",
				Help: "Sync events dropped after exhausting retries.",
			}, func() float64 { return float64(status().ErrorCount) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "hedge_sync_retries",
				Help: "Sync delivery retries scheduled.",
			}, func() float64 { return float64(status().RetryCount) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "hedge_sync_superseded_total",
				Help: "Local changes retired after losing a conflict.",
			}, func() float64 { return float64(status().Queue.Superseded) }),
		)
	}
	if src.DispatchStats != nil {
		stats := src.DispatchStats
		m.registry.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "hedge_dispatched_events_total",
				Help: "Events routed through the dispatcher.",
			}, func() float64 { return float64(stats().Dispatched) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "hedge_dispatch_handler_failures_total",
				Help: "Subscriber handlers that returned an error or panicked.",
			}, func() float64 { return float64(stats().HandlerFailures) }),
		)
	}
	if src.TrailingStats != nil {
		stats := src.TrailingStats
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hedge_trailing_active",
			Help: "Positions with an active trailing stop.",
		}, func() float64 { return float64(stats().ActiveTrails) }))
	}

	return m
}

// Registry 返回私有 registry。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
