package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hedge-core/internal/config"
	"hedge-core/internal/position"
	"hedge-core/internal/store"
)

func riskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxLossThreshold:      1000,
		MaxPositionSizeChange: 10,
		MinMarginLevel:        150,
		Blacklist:             []string{"acc-banned"},
	}
}

func accounts() map[string]position.AccountBalance {
	return map[string]position.AccountBalance{
		"acc-a":      {AccountID: "acc-a", TotalEquity: 10000, MarginLevel: 400},
		"acc-b":      {AccountID: "acc-b", TotalEquity: 8000, MarginLevel: 300},
		"acc-low":    {AccountID: "acc-low", TotalEquity: 1000, MarginLevel: 120},
		"acc-banned": {AccountID: "acc-banned", TotalEquity: 1000, MarginLevel: 500},
	}
}

func step(id, src, dst string, amount, cost float64, deps ...string) RebalanceStrategy {
	return RebalanceStrategy{ID: id, SourceAccount: src, TargetAccount: dst, Action: ActionTransfer, Symbol: "EURUSD",
		Amount: amount, EstimatedCost: cost, Dependencies: deps}
}

func newActivityLog(t *testing.T) *ActivityLog {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	log, err := NewActivityLog(context.Background(), st, nil)
	require.NoError(t, err)
	return log
}

func TestCheck_CleanPlanProceeds(t *testing.T) {
	c := NewSafetyChecker(riskConfig(), nil, nil)
	report := c.Check(context.Background(), Plan{ID: "p1", Strategies: []RebalanceStrategy{
		step("a", "acc-a", "acc-b", 1, 100),
		step("b", "acc-b", "", 2, 50, "a"),
	}}, accounts())

	assert.Equal(t, LevelLow, report.OverallRisk)
	assert.Equal(t, RecommendProceed, report.Recommendation)
	assert.False(t, report.Blocking())
	assert.InDelta(t, 150, report.TotalEstimatedCost, 1e-9)
	assert.Empty(t, report.Findings())
}

func TestCheck_CostOverMaxLossAborts(t *testing.T) {
	log := newActivityLog(t)
	c := NewSafetyChecker(riskConfig(), log, nil)
	report := c.Check(context.Background(), Plan{ID: "p2", Strategies: []RebalanceStrategy{
		step("a", "acc-a", "acc-b", 1, 600),
		step("b", "acc-b", "acc-a", 1, 600),
	}}, accounts())

	assert.Equal(t, LevelCritical, report.OverallRisk)
	assert.Equal(t, RecommendAbort, report.Recommendation)
	assert.True(t, report.Blocking())

	entries, err := log.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "safety_critical", entries[0].EventType)
	assert.Contains(t, entries[0].Details, "max_loss")
}

func TestCheck_SeverityMapping(t *testing.T) {
	tests := []struct {
		name   string
		plan   Plan
		level  Level
		advice Recommendation
	}{
		{"oversized step", Plan{Strategies: []RebalanceStrategy{step("a", "acc-a", "", 11, 1)}}, LevelHigh, RecommendDelay},
		{"missing account", Plan{Strategies: []RebalanceStrategy{step("a", "acc-x", "", 1, 1)}}, LevelHigh, RecommendDelay},
		{"unknown dependency", Plan{Strategies: []RebalanceStrategy{step("a", "acc-a", "", 1, 1, "zz")}}, LevelHigh, RecommendDelay},
		{"low margin", Plan{Strategies: []RebalanceStrategy{step("a", "acc-low", "", 1, 1)}}, LevelMedium, RecommendProceedWithCaution},
		{"blacklisted", Plan{Strategies: []RebalanceStrategy{step("a", "acc-a", "acc-banned", 1, 1)}}, LevelCritical, RecommendAbort},
	}

	c := NewSafetyChecker(riskConfig(), nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := c.Check(context.Background(), tt.plan, accounts())
			assert.Equal(t, tt.level, report.OverallRisk)
			assert.Equal(t, tt.advice, report.Recommendation)
		})
	}
}

func TestActivityLog_RejectsEmptyType(t *testing.T) {
	log := newActivityLog(t)
	assert.Error(t, log.LogEvent(context.Background(), "", "x", ""))
	require.NoError(t, log.LogEvent(context.Background(), "emergency_stop", "manual", ""))

	entries, err := log.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].OccurredAt.IsZero())
}
