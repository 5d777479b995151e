package execution

import (
	"context"
	"time"

	"hedge-core/internal/position"
	"hedge-core/internal/risk"
)

// snapshotCapturer 从账户快照捕获步骤涉及账户的执行前状态，并按动作推导补偿操作。
type snapshotCapturer struct {
	accounts AccountSource
}

func (c snapshotCapturer) Capture(_ context.Context, s risk.RebalanceStrategy) (RollbackData, error) {
	data := RollbackData{
		StepID:         s.ID,
		InverseActions: InverseOf(s),
		CapturedAt:     time.Now().UTC(),
	}
	if c.accounts == nil {
		return data, nil
	}
	all := c.accounts()
	data.PreSnapshot = make(map[string]position.AccountBalance, 2)
	for _, id := range []string{s.SourceAccount, s.TargetAccount} {
		if acc, ok := all[id]; ok && id != "" {
			data.PreSnapshot[id] = acc.Clone()
		}
	}
	return data, nil
}

// InverseOf 推导撤销策略所需的补偿操作。
func InverseOf(s risk.RebalanceStrategy) []InverseAction {
	base := InverseAction{
		AccountID:  s.SourceAccount,
		Symbol:     s.Symbol,
		Direction:  s.Direction,
		PositionID: s.PositionID,
		Amount:     s.Amount,
	}
	switch s.Action {
	case risk.ActionOpen:
		base.Action = risk.ActionClose
	case risk.ActionClose, risk.ActionReduce:
		base.Action = risk.ActionOpen
	case risk.ActionHedge:
		base.Action = risk.ActionClose
		if s.TargetAccount != "" {
			base.AccountID = s.TargetAccount
		}
		base.Direction = opposite(s.Direction)
	case risk.ActionTransfer:
		base.Action = risk.ActionTransfer
		base.AccountID = s.TargetAccount
		base.TargetAccount = s.SourceAccount
	default:
		return nil
	}
	return []InverseAction{base}
}

func opposite(d position.Direction) position.Direction {
	switch d {
	case position.DirectionLong:
		return position.DirectionShort
	case position.DirectionShort:
		return position.DirectionLong
	default:
		return d
	}
}
