package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"hedge-core/internal/config"
	"hedge-core/internal/position"
)

// SafetyChecker 在执行前按阈值检查再平衡计划，任何副作用发生之前给出建议。
type SafetyChecker struct {
	cfg       config.RiskConfig
	blacklist map[string]struct{}
	activity  *ActivityLog
	logger    *zap.Logger
}

// NewSafetyChecker 创建安全检查器，activity 为空时不写风险日志。
func NewSafetyChecker(cfg config.RiskConfig, activity *ActivityLog, logger *zap.Logger) *SafetyChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	blacklist := make(map[string]struct{}, len(cfg.Blacklist))
	for _, id := range cfg.Blacklist {
		blacklist[strings.TrimSpace(id)] = struct{}{}
	}
	return &SafetyChecker{
		cfg:       cfg,
		blacklist: blacklist,
		activity:  activity,
		logger:    logger.Named("risk"),
	}
}

// Config 返回检查器使用的风控配置。
func (c *SafetyChecker) Config() config.RiskConfig {
	return c.cfg
}

// Check 评估计划：总成本超过最大亏损为 critical，单步规模超限为 error，
// 黑名单账户为 critical，缺失账户为 error，保证金水平过低为 warning。
func (c *SafetyChecker) Check(ctx context.Context, plan Plan, accounts map[string]position.AccountBalance) SafetyReport {
	report := SafetyReport{
		PlanID:    plan.ID,
		Checks:    make([]Check, 0, len(plan.Strategies)+2),
		CheckedAt: time.Now().UTC(),
	}

	total := 0.0
	for _, s := range plan.Strategies {
		total += math.Abs(s.EstimatedCost)
	}
	report.TotalEstimatedCost = total

	costCheck := Check{Name: "max_loss", Severity: SeverityPass, Message: fmt.Sprintf("预计成本 %.2f", total)}
	if c.cfg.MaxLossThreshold > 0 && total > c.cfg.MaxLossThreshold {
		costCheck.Severity = SeverityCritical
		costCheck.Message = fmt.Sprintf("预计总成本 %.2f 超过最大亏损阈值 %.2f", total, c.cfg.MaxLossThreshold)
	}
	report.Checks = append(report.Checks, costCheck)

	report.Checks = append(report.Checks, c.checkStructure(plan)...)

	checkedAccounts := make(map[string]struct{})
	for _, s := range plan.Strategies {
		if s.Amount <= 0 {
			report.Checks = append(report.Checks, Check{
				Name: "position_size", Severity: SeverityError, StepID: s.ID,
				Message: fmt.Sprintf("步骤 %s 数量必须大于0", s.ID),
			})
		} else if c.cfg.MaxPositionSizeChange > 0 && s.Amount > c.cfg.MaxPositionSizeChange {
			report.Checks = append(report.Checks, Check{
				Name: "position_size", Severity: SeverityError, StepID: s.ID,
				Message: fmt.Sprintf("步骤 %s 数量 %.4f 超过单步上限 %.4f", s.ID, s.Amount, c.cfg.MaxPositionSizeChange),
			})
		}

		for _, accountID := range []string{s.SourceAccount, s.TargetAccount} {
			if accountID == "" {
				continue
			}
			if _, banned := c.blacklist[accountID]; banned {
				report.Checks = append(report.Checks, Check{
					Name: "blacklist", Severity: SeverityCritical, StepID: s.ID, AccountID: accountID,
					Message: fmt.Sprintf("账户 %s 在黑名单中", accountID),
				})
			}
			if _, done := checkedAccounts[accountID]; done {
				continue
			}
			checkedAccounts[accountID] = struct{}{}
			report.Checks = append(report.Checks, c.checkAccount(accountID, accounts)...)
		}
	}

	report.OverallRisk, report.Recommendation = aggregate(report.Checks)
	c.record(ctx, report)
	return report
}

func (c *SafetyChecker) checkStructure(plan Plan) []Check {
	var checks []Check
	ids := make(map[string]struct{}, len(plan.Strategies))
	for _, s := range plan.Strategies {
		if s.ID == "" {
			checks = append(checks, Check{Name: "plan_structure", Severity: SeverityError, Message: "步骤缺少 id"})
			continue
		}
		if _, dup := ids[s.ID]; dup {
			checks = append(checks, Check{Name: "plan_structure", Severity: SeverityError, StepID: s.ID,
				Message: fmt.Sprintf("步骤 id %s 重复", s.ID)})
		}
		ids[s.ID] = struct{}{}
	}
	for _, s := range plan.Strategies {
		for _, dep := range s.Dependencies {
			if _, ok := ids[dep]; !ok {
				checks = append(checks, Check{Name: "plan_structure", Severity: SeverityError, StepID: s.ID,
					Message: fmt.Sprintf("步骤 %s 依赖不存在的步骤 %s", s.ID, dep)})
			}
		}
	}
	return checks
}

func (c *SafetyChecker) checkAccount(accountID string, accounts map[string]position.AccountBalance) []Check {
	account, ok := accounts[accountID]
	if !ok {
		return []Check{{
			Name: "account_exists", Severity: SeverityError, AccountID: accountID,
			Message: fmt.Sprintf("账户 %s 无快照", accountID),
		}}
	}
	if c.cfg.MinMarginLevel > 0 && account.MarginLevel > 0 && account.MarginLevel < c.cfg.MinMarginLevel {
		return []Check{{
			Name: "margin_level", Severity: SeverityWarning, AccountID: accountID,
			Message: fmt.Sprintf("账户 %s 保证金水平 %.2f%% 低于 %.2f%%", accountID, account.MarginLevel, c.cfg.MinMarginLevel),
		}}
	}
	return nil
}

func aggregate(checks []Check) (Level, Recommendation) {
	worst := SeverityPass
	rank := map[Severity]int{SeverityPass: 0, SeverityWarning: 1, SeverityError: 2, SeverityCritical: 3}
	for _, c := range checks {
		if rank[c.Severity] > rank[worst] {
			worst = c.Severity
		}
	}
	switch worst {
	case SeverityCritical:
		return LevelCritical, RecommendAbort
	case SeverityError:
		return LevelHigh, RecommendDelay
	case SeverityWarning:
		return LevelMedium, RecommendProceedWithCaution
	default:
		return LevelLow, RecommendProceed
	}
}

func (c *SafetyChecker) record(ctx context.Context, report SafetyReport) {
	findings := report.Findings()
	if len(findings) > 0 {
		c.logger.Warn("安全检查发现风险",
			zap.String("plan_id", report.PlanID),
			zap.String("overall_risk", string(report.OverallRisk)),
			zap.String("recommendation", string(report.Recommendation)),
			zap.Int("findings", len(findings)),
		)
	}
	if c.activity == nil {
		return
	}
	for _, f := range findings {
		details, _ := json.Marshal(f)
		if err := c.activity.LogEvent(ctx, "safety_"+string(f.Severity), f.Message, string(details)); err != nil {
			c.logger.Warn("写入风险日志失败", zap.Error(err))
		}
	}
}
