package app

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"hedge-core/internal/position"
	"hedge-core/internal/risk"
)

// LoadPlan 从 YAML 文件读取再平衡计划。
func LoadPlan(path string) (risk.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return risk.Plan{}, fmt.Errorf("读取计划文件失败: %w", err)
	}
	var plan risk.Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return risk.Plan{}, fmt.Errorf("解析计划文件失败: %w", err)
	}
	if len(plan.Strategies) == 0 {
		return risk.Plan{}, errors.New("计划不包含任何步骤")
	}
	if plan.ID == "" {
		plan.ID = plan.Name
	}
	return plan, nil
}

type accountsFile struct {
	Accounts []struct {
		ID           string  `yaml:"id"`
		TotalEquity  float64 `yaml:"total_equity"`
		Balance      float64 `yaml:"balance"`
		MarginUsed   float64 `yaml:"margin_used"`
		MarginLevel  float64 `yaml:"margin_level"`
		RiskExposure float64 `yaml:"risk_exposure"`
	} `yaml:"accounts"`
}

// LoadAccounts 从 YAML 文件读取账户快照，供离线安全检查使用。
func LoadAccounts(path string) (map[string]position.AccountBalance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取账户文件失败: %w", err)
	}
	var file accountsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析账户文件失败: %w", err)
	}

	now := time.Now().UTC()
	out := make(map[string]position.AccountBalance, len(file.Accounts))
	for _, a := range file.Accounts {
		if a.ID == "" {
			return nil, errors.New("账户缺少 id")
		}
		out[a.ID] = position.AccountBalance{
			AccountID:    a.ID,
			TotalEquity:  a.TotalEquity,
			Balance:      a.Balance,
			MarginUsed:   a.MarginUsed,
			MarginLevel:  a.MarginLevel,
			RiskExposure: a.RiskExposure,
			Timestamp:    now,
		}
	}
	return out, nil
}
