package risk

import (
	"time"

	"hedge-core/internal/position"
)

// Action 表示再平衡步骤的操作类型。
type Action string

const (
	ActionOpen     Action = "open"
	ActionClose    Action = "close"
	ActionTransfer Action = "transfer"
	ActionHedge    Action = "hedge"
	ActionReduce   Action = "reduce"
)

// RebalanceStrategy 为再平衡计划中的一个步骤。
type RebalanceStrategy struct {
	ID            string             `json:"id" yaml:"id"`
	SourceAccount string             `json:"sourceAccount" yaml:"source_account"`
	TargetAccount string             `json:"targetAccount,omitempty" yaml:"target_account"`
	Action        Action             `json:"action" yaml:"action"`
	Symbol        string             `json:"symbol,omitempty" yaml:"symbol"`
	Direction     position.Direction `json:"direction,omitempty" yaml:"direction"`
	PositionID    string             `json:"positionId,omitempty" yaml:"position_id"`
	Amount        float64            `json:"amount" yaml:"amount"`
	EstimatedCost float64            `json:"estimatedCost" yaml:"estimated_cost"`
	Dependencies  []string           `json:"dependencies,omitempty" yaml:"dependencies"`
	MaxRetries    int                `json:"maxRetries,omitempty" yaml:"max_retries"`
}

// Plan 为一次跨账户再平衡计划。
type Plan struct {
	ID         string              `json:"id" yaml:"id"`
	Name       string              `json:"name,omitempty" yaml:"name"`
	Strategies []RebalanceStrategy `json:"strategies" yaml:"strategies"`
}

// Severity 表示单项检查的严重程度。
type Severity string

const (
	SeverityPass     Severity = "pass"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Level 为整体风险等级。
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Recommendation 为安全检查给出的执行建议。
type Recommendation string

const (
	RecommendProceed            Recommendation = "proceed"
	RecommendProceedWithCaution Recommendation = "proceed_with_caution"
	RecommendDelay              Recommendation = "delay"
	RecommendAbort              Recommendation = "abort"
)

// Check 为一项安全检查结果。
type Check struct {
	Name      string   `json:"name"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	StepID    string   `json:"stepId,omitempty"`
	AccountID string   `json:"accountId,omitempty"`
}

// SafetyReport 汇总一次计划的安全检查。
type SafetyReport struct {
	PlanID             string         `json:"planId"`
	Checks             []Check        `json:"checks"`
	OverallRisk        Level          `json:"overallRisk"`
	Recommendation     Recommendation `json:"recommendation"`
	TotalEstimatedCost float64        `json:"totalEstimatedCost"`
	CheckedAt          time.Time      `json:"checkedAt"`
}

// Blocking 判断报告是否阻止执行开始。
func (r SafetyReport) Blocking() bool {
	return r.Recommendation == RecommendAbort || r.Recommendation == RecommendDelay
}

// Findings 返回未通过的检查项。
func (r SafetyReport) Findings() []Check {
	out := make([]Check, 0, len(r.Checks))
	for _, c := range r.Checks {
		if c.Severity != SeverityPass {
			out = append(out, c)
		}
	}
	return out
}
