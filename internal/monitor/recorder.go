package monitor

import (
	"hedge-core/internal/bridge"
	"hedge-core/internal/conflict"
	"hedge-core/internal/event"
	"hedge-core/internal/execution"
	"hedge-core/internal/syncmgr"
	"hedge-core/internal/trailing"
)

// Recorder 把各组件的回调转为持久化事件与指标；metrics 可为空。
type Recorder struct {
	svc     *Service
	metrics *Metrics
}

// NewRecorder 创建记录器。
func NewRecorder(svc *Service, metrics *Metrics) *Recorder {
	return &Recorder{svc: svc, metrics: metrics}
}

var _ syncmgr.Observer = (*Recorder)(nil)

// SyncFailed 实现 syncmgr.Observer。
func (r *Recorder) SyncFailed(ev event.SyncEvent, attempts int, err error, terminal bool) {
	if r.metrics != nil {
		outcome := "retry"
		if terminal {
			outcome = "terminal"
		}
		r.metrics.syncFailures.WithLabelValues(outcome).Inc()
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.svc.record(EventSyncError, SyncErrorPayload{
		SyncID:    ev.SyncID,
		EntityKey: ev.EntityKey(),
		Type:      ev.Type,
		Attempts:  attempts,
		Terminal:  terminal,
		Error:     msg,
	})
}

// ConflictResolved 实现 syncmgr.Observer。
func (r *Recorder) ConflictResolved(c conflict.Conflict, res conflict.Resolution) {
	if r.metrics != nil {
		r.metrics.conflicts.WithLabelValues(string(res.Winner)).Inc()
	}
	r.svc.record(EventConflict, ConflictPayload{
		EntityKey:    c.EntityKey,
		Reason:       res.Reason,
		Policy:       res.Policy,
		Winner:       res.Winner,
		LocalSyncID:  c.Local.SyncID,
		RemoteSyncID: c.Remote.SyncID,
	})
}

// StateChanged 实现 syncmgr.Observer。
func (r *Recorder) StateChanged(from, to syncmgr.State) {
	if r.metrics != nil {
		r.metrics.stateChanges.WithLabelValues(string(to)).Inc()
	}
	r.svc.record(EventSyncStatus, SyncStatusPayload{From: string(from), To: string(to)})
}

// ExecutionListener 返回执行引擎监听器。
func (r *Recorder) ExecutionListener() execution.Listener {
	return func(ev execution.Event) {
		switch ev.Kind {
		case execution.EventSafetyAlert:
			if r.metrics != nil {
				r.metrics.safetyAlerts.Inc()
			}
			payload := SafetyAlertPayload{PlanID: ev.PlanID}
			if ev.Safety != nil {
				payload.OverallRisk = ev.Safety.OverallRisk
				payload.Recommendation = ev.Safety.Recommendation
				payload.Findings = ev.Safety.Findings()
			}
			r.svc.record(EventSafetyAlert, payload)
			return
		case execution.EventEmergencyStop:
			if r.metrics != nil {
				r.metrics.emergencyStops.Inc()
			}
			r.svc.record(EventEmergencyStop, ExecutionPayload{Kind: ev.Kind, Message: ev.Message})
			return
		}

		payload := ExecutionPayload{
			Kind:    ev.Kind,
			RunID:   ev.RunID,
			PlanID:  ev.PlanID,
			StepID:  ev.StepID,
			Message: ev.Message,
			Metrics: ev.Metrics,
		}
		switch ev.Kind {
		case execution.EventStepStarted, execution.EventStepCompleted, execution.EventStepFailed, execution.EventStepRolledBack:
			if r.metrics != nil {
				r.metrics.stepOutcomes.WithLabelValues(string(ev.Kind)).Inc()
			}
			r.svc.record(EventStep, payload)
		case execution.EventExecutionCompleted, execution.EventExecutionFailed:
			if r.metrics != nil {
				r.metrics.runs.WithLabelValues(string(ev.Kind)).Inc()
			}
			r.svc.record(EventExecution, payload)
		default:
			r.svc.record(EventExecution, payload)
		}
	}
}

// TrailingUpdate 记录止损收紧。
func (r *Recorder) TrailingUpdate(u trailing.Update) {
	if r.metrics != nil {
		r.metrics.stopUpdates.Inc()
	}
	r.svc.record(EventTrailingUpdate, TrailingUpdatePayload{Update: u})
}

// TrailingIssues 记录校验问题。
func (r *Recorder) TrailingIssues(issues []trailing.Issue) {
	for _, issue := range issues {
		if r.metrics != nil {
			r.metrics.trailingIssues.WithLabelValues(string(issue.Kind)).Inc()
		}
		r.svc.record(EventTrailingIssue, TrailingIssuePayload{Issue: issue})
	}
}

// BridgeStatus 记录终端连接变化。
func (r *Recorder) BridgeStatus(msg bridge.Message) {
	if msg.Status == nil {
		return
	}
	if r.metrics != nil {
		r.metrics.bridgeEvents.WithLabelValues(msg.Status.Status).Inc()
	}
	r.svc.record(EventBridge, BridgePayload{
		ClientID:  msg.ClientID,
		AccountID: msg.AccountID,
		Status:    msg.Status.Status,
		Detail:    msg.Status.Detail,
	})
}
