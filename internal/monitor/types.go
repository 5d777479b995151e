package monitor

import (
	"time"

	"hedge-core/internal/conflict"
	"hedge-core/internal/event"
	"hedge-core/internal/execution"
	"hedge-core/internal/risk"
	"hedge-core/internal/trailing"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventSyncError      EventType = "sync_error"
	EventSyncStatus     EventType = "sync_status"
	EventConflict       EventType = "conflict"
	EventExecution      EventType = "execution"
	EventStep           EventType = "step"
	EventSafetyAlert    EventType = "safety_alert"
	EventEmergencyStop  EventType = "emergency_stop"
	EventTrailingUpdate EventType = "trailing_update"
	EventTrailingIssue  EventType = "trailing_issue"
	EventBridge         EventType = "bridge"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// SyncErrorPayload 记录同步发送失败。
type SyncErrorPayload struct {
	SyncID    string     `json:"syncId"`
	EntityKey string     `json:"entityKey"`
	Type      event.Type `json:"type"`
	Attempts  int        `json:"attempts"`
	Terminal  bool       `json:"terminal"`
	Error     string     `json:"error"`
}

// SyncStatusPayload 记录连接状态切换。
type SyncStatusPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ConflictPayload 记录冲突裁决。
type ConflictPayload struct {
	EntityKey    string          `json:"entityKey"`
	Reason       conflict.Reason `json:"reason"`
	Policy       string          `json:"policy"`
	Winner       event.Source    `json:"winner"`
	LocalSyncID  string          `json:"localSyncId"`
	RemoteSyncID string          `json:"remoteSyncId"`
}

// ExecutionPayload 记录执行遥测事件。
type ExecutionPayload struct {
	Kind    execution.EventKind   `json:"kind"`
	RunID   string                `json:"runId,omitempty"`
	PlanID  string                `json:"planId,omitempty"`
	StepID  string                `json:"stepId,omitempty"`
	Message string                `json:"message,omitempty"`
	Metrics *execution.RunMetrics `json:"metrics,omitempty"`
}

// SafetyAlertPayload 记录安全检查告警。
type SafetyAlertPayload struct {
	PlanID         string              `json:"planId"`
	OverallRisk    risk.Level          `json:"overallRisk"`
	Recommendation risk.Recommendation `json:"recommendation"`
	Findings       []risk.Check        `json:"findings"`
}

// TrailingUpdatePayload 记录止损收紧。
type TrailingUpdatePayload struct {
	Update trailing.Update `json:"update"`
}

// TrailingIssuePayload 记录追踪止损校验问题。
type TrailingIssuePayload struct {
	Issue trailing.Issue `json:"issue"`
}

// BridgePayload 记录终端连接变化与命令。
type BridgePayload struct {
	ClientID  string `json:"clientId,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}
