package bridge

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hedge-core/internal/execution"
	"hedge-core/internal/position"
	"hedge-core/internal/risk"
)

// Sender 下发命令到终端。
type Sender interface {
	Send(accountID string, cmd Command) error
}

// StepRunner 将再平衡步骤翻译为终端命令。命令为单向下发，成交结果经 position_update 回流。
type StepRunner struct {
	sender Sender
	logger *zap.Logger
}

// NewStepRunner 创建基于桥接的步骤执行器。
func NewStepRunner(sender Sender, logger *zap.Logger) *StepRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StepRunner{sender: sender, logger: logger.Named("bridge_runner")}
}

// Run 下发步骤对应的命令，补偿操作沿用执行引擎的推导结果。
func (r *StepRunner) Run(ctx context.Context, s risk.RebalanceStrategy) ([]execution.InverseAction, error) {
	cmds, err := commandsFor(s.Action, s.SourceAccount, s.TargetAccount, s.Symbol, s.Direction, s.PositionID, s.Amount)
	if err != nil {
		return nil, fmt.Errorf("bridge: 步骤 %s: %w", s.ID, err)
	}
	sent := make([]Command, 0, len(cmds))
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return nil, r.compensate(s.ID, sent, err)
		}
		cmd.Reason = "rebalance:" + s.ID
		if err := r.sender.Send(cmd.AccountID, cmd); err != nil {
			return nil, r.compensate(s.ID, sent, err)
		}
		sent = append(sent, cmd)
	}
	r.logger.Debug("步骤命令已下发", zap.String("step_id", s.ID), zap.Int("commands", len(cmds)))
	return nil, nil
}

// Rollback 依次下发补偿命令，单个失败不影响后续命令。
func (r *StepRunner) Rollback(ctx context.Context, stepID string, actions []execution.InverseAction) error {
	var errs error
	for _, a := range actions {
		cmds, err := commandsFor(a.Action, a.AccountID, a.TargetAccount, a.Symbol, a.Direction, a.PositionID, a.Amount)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, cmd := range cmds {
			if err := ctx.Err(); err != nil {
				return multierr.Append(errs, err)
			}
			cmd.Reason = "rollback:" + stepID
			errs = multierr.Append(errs, r.sender.Send(cmd.AccountID, cmd))
		}
	}
	return errs
}

// compensate 逆序撤销步骤中已下发的命令，使失败步骤可以从头重试而不重复执行。
func (r *StepRunner) compensate(stepID string, sent []Command, cause error) error {
	if len(sent) == 0 {
		return cause
	}
	errs := cause
	for i := len(sent) - 1; i >= 0; i-- {
		undo := reverseCommand(sent[i])
		undo.Reason = "compensate:" + stepID
		if err := r.sender.Send(undo.AccountID, undo); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("bridge: 撤销 %s 失败: %w", sent[i].Type, err))
		}
	}
	r.logger.Warn("步骤部分命令下发失败，已撤销已下发命令",
		zap.String("step_id", stepID),
		zap.Int("compensated", len(sent)),
		zap.Error(cause),
	)
	return errs
}

func reverseCommand(cmd Command) Command {
	out := Command{AccountID: cmd.AccountID, Symbol: cmd.Symbol, Direction: cmd.Direction, Volume: cmd.Volume}
	if cmd.Type == CommandOpenPosition {
		out.Type = CommandClosePosition
	} else {
		out.Type = CommandOpenPosition
	}
	return out
}

func commandsFor(action risk.Action, source, target, symbol string, dir position.Direction, positionID string, amount float64) ([]Command, error) {
	open := func(account string, d position.Direction) Command {
		return Command{Type: CommandOpenPosition, AccountID: account, Symbol: symbol, Direction: d, Volume: amount}
	}
	closeCmd := func(account string) Command {
		return Command{Type: CommandClosePosition, AccountID: account, PositionID: positionID, Symbol: symbol, Direction: dir, Volume: amount}
	}

	switch action {
	case risk.ActionOpen:
		return []Command{open(source, dir)}, nil
	case risk.ActionClose, risk.ActionReduce:
		return []Command{closeCmd(source)}, nil
	case risk.ActionHedge:
		if target == "" {
			target = source
		}
		hedgeDir := position.DirectionShort
		if dir == position.DirectionShort {
			hedgeDir = position.DirectionLong
		}
		return []Command{open(target, hedgeDir)}, nil
	case risk.ActionTransfer:
		if target == "" {
			return nil, fmt.Errorf("transfer 缺少目标账户")
		}
		return []Command{closeCmd(source), open(target, dir)}, nil
	default:
		return nil, fmt.Errorf("不支持的动作 %q", action)
	}
}
