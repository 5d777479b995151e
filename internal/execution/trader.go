package execution

import (
	"context"

	"hedge-core/internal/risk"
)

// StepRunner 抽象单个再平衡步骤的真实执行与补偿，方便切换终端桥接或模拟实现。
type StepRunner interface {
	// Run 执行步骤；返回非空补偿操作时替换预先推导的补偿操作。
	Run(ctx context.Context, step risk.RebalanceStrategy) ([]InverseAction, error)
	// Rollback 依次执行补偿操作。
	Rollback(ctx context.Context, stepID string, actions []InverseAction) error
}

// RollbackCapturer 在步骤执行前捕获回滚数据。
type RollbackCapturer interface {
	Capture(ctx context.Context, step risk.RebalanceStrategy) (RollbackData, error)
}
