package execution

import (
	"errors"
	"time"

	"hedge-core/internal/position"
	"hedge-core/internal/risk"
)

var (
	// ErrSafetyRejected 表示安全检查建议中止或推迟，执行未开始。
	ErrSafetyRejected = errors.New("execution: rejected by safety check")
	// ErrDeadlock 表示仍有待执行步骤但没有任何步骤可以运行。
	ErrDeadlock = errors.New("execution: dependency deadlock")
	// ErrRunFailed 表示存在最终失败的步骤，已完成步骤被回滚。
	ErrRunFailed = errors.New("execution: run failed")
	// ErrEmergencyStopped 表示引擎处于紧急停止状态。
	ErrEmergencyStopped = errors.New("execution: emergency stopped")
	// ErrRunNotFound 表示运行 ID 不存在。
	ErrRunNotFound = errors.New("execution: run not found")
)

// StepStatus 表示步骤状态。
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepExecuting  StepStatus = "executing"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
	StepRolledBack StepStatus = "rolled_back"
)

// RunStatus 表示一次运行的状态。
type RunStatus string

const (
	RunRunning    RunStatus = "running"
	RunPaused     RunStatus = "paused"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunRolledBack RunStatus = "rolled_back"
	RunStopped    RunStatus = "emergency_stopped"
	RunRejected   RunStatus = "rejected"
)

// InverseAction 为撤销一个步骤所需的补偿操作。
type InverseAction struct {
	Action        risk.Action        `json:"action"`
	AccountID     string             `json:"accountId"`
	TargetAccount string             `json:"targetAccount,omitempty"`
	Symbol        string             `json:"symbol,omitempty"`
	Direction     position.Direction `json:"direction,omitempty"`
	PositionID    string             `json:"positionId,omitempty"`
	Amount        float64            `json:"amount"`
}

// RollbackData 在步骤执行前捕获，最多执行一次。
type RollbackData struct {
	StepID         string                             `json:"stepId"`
	PreSnapshot    map[string]position.AccountBalance `json:"preSnapshot,omitempty"`
	InverseActions []InverseAction                    `json:"inverseActions"`
	CapturedAt     time.Time                          `json:"capturedAt"`
	IsExecuted     bool                               `json:"isExecuted"`
}

// Step 为计划中的一个执行单元。
type Step struct {
	StepID       string                 `json:"stepId"`
	Strategy     risk.RebalanceStrategy `json:"strategy"`
	Status       StepStatus             `json:"status"`
	Dependencies []string               `json:"dependencies,omitempty"`
	RetryCount   int                    `json:"retryCount"`
	MaxRetries   int                    `json:"maxRetries"`
	Rollback     *RollbackData          `json:"rollbackData,omitempty"`
	StartedAt    time.Time              `json:"startedAt,omitempty"`
	CompletedAt  time.Time              `json:"completedAt,omitempty"`
	LastError    string                 `json:"lastError,omitempty"`
}

// RunMetrics 为运行中的实时指标。
type RunMetrics struct {
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Executing   int     `json:"executing"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	RolledBack  int     `json:"rolledBack"`
	SuccessRate float64 `json:"successRate"`
	Paused      bool    `json:"paused"`
}

// RunReport 为一次运行的最终结果。
type RunReport struct {
	RunID           string            `json:"runId"`
	PlanID          string            `json:"planId"`
	Status          RunStatus         `json:"status"`
	Safety          risk.SafetyReport `json:"safety"`
	Steps           []Step            `json:"steps"`
	CompletionOrder []string          `json:"completionOrder"`
	RollbackOrder   []string          `json:"rollbackOrder,omitempty"`
	Metrics         RunMetrics        `json:"metrics"`
	StartedAt       time.Time         `json:"startedAt"`
	FinishedAt      time.Time         `json:"finishedAt"`
	Error           string            `json:"error,omitempty"`
}

// Step 按 ID 查找步骤。
func (r RunReport) Step(id string) (Step, bool) {
	for _, s := range r.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return Step{}, false
}

// EventKind 为执行遥测事件类型。
type EventKind string

const (
	EventExecutionStarted   EventKind = "executionStarted"
	EventExecutionProgress  EventKind = "executionProgress"
	EventExecutionCompleted EventKind = "executionCompleted"
	EventExecutionFailed    EventKind = "executionFailed"
	EventStepStarted        EventKind = "stepStarted"
	EventStepCompleted      EventKind = "stepCompleted"
	EventStepFailed         EventKind = "stepFailed"
	EventStepRolledBack     EventKind = "stepRolledBack"
	EventSafetyAlert        EventKind = "safetyAlert"
	EventEmergencyStop      EventKind = "emergencyStop"
)

// Event 为执行过程中发出的遥测事件。
type Event struct {
	Kind    EventKind          `json:"kind"`
	RunID   string             `json:"runId,omitempty"`
	PlanID  string             `json:"planId,omitempty"`
	StepID  string             `json:"stepId,omitempty"`
	Message string             `json:"message,omitempty"`
	Metrics *RunMetrics        `json:"metrics,omitempty"`
	Safety  *risk.SafetyReport `json:"safety,omitempty"`
	At      time.Time          `json:"at"`
}

// Listener 接收遥测事件，需快速返回。
type Listener func(Event)

// AccountSource 提供当前账户快照，通常来自同步管理器的只读模型。
type AccountSource func() map[string]position.AccountBalance
