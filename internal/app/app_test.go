package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hedge-core/internal/bridge"
	"hedge-core/internal/config"
	"hedge-core/internal/monitor"
	"hedge-core/internal/position"
	"hedge-core/internal/risk"
	"hedge-core/internal/store"
)

func newTestOrchestrator(t *testing.T) *orchestrator {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Sync.DebounceWindow = 0

	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	o, err := newOrchestrator(context.Background(), cfg, nil, st)
	require.NoError(t, err)
	t.Cleanup(o.close)
	return o
}

func brokerPosition() *position.Position {
	return &position.Position{
		PositionID: "p-1",
		StrategyID: "s-1",
		AccountID:  "acc-1",
		Symbol:     "EURUSD",
		Direction:  position.DirectionLong,
		Volume:     1,
		EntryPrice: 1.1000,
		TrailWidth: 20,
		Status:     position.StatusOpen,
	}
}

func TestOrchestrator_BrokerPositionStartsTrail(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	o.handleBridge(ctx, bridge.Message{Type: bridge.MessagePositionUpdate, Position: brokerPosition()})

	state, ok := o.trailing.Get("p-1")
	require.True(t, ok)
	assert.Equal(t, "EURUSD", state.Symbol)

	cached, ok := o.sync.Cache().Position("p-1")
	require.True(t, ok)
	assert.Equal(t, "acc-1", cached.AccountID)
	assert.Equal(t, 1, o.sync.Status().PendingChanges)
}

func TestOrchestrator_TickTightensStopAndSyncs(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	o.handleBridge(ctx, bridge.Message{Type: bridge.MessagePositionUpdate, Position: brokerPosition()})
	o.handleBridge(ctx, bridge.Message{
		Type:   bridge.MessageMarketData,
		Market: &bridge.MarketData{Symbol: "EURUSD", Bid: 1.1050, Ask: 1.1050, Timestamp: time.Now().UTC()},
	})

	state, ok := o.trailing.Get("p-1")
	require.True(t, ok)
	assert.InDelta(t, 1.1030, state.CurrentStopLoss, 1e-9)

	cached, ok := o.sync.Cache().Position("p-1")
	require.True(t, ok)
	assert.InDelta(t, 1.1030, cached.StopLoss, 1e-9)

	events, err := o.monitor.ListEvents(ctx, monitor.EventTrailingUpdate, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestOrchestrator_ClosedPositionRemovesTrail(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	o.handleBridge(ctx, bridge.Message{Type: bridge.MessagePositionUpdate, Position: brokerPosition()})
	closed := brokerPosition()
	closed.Status = position.StatusClosed
	closed.ExitPrice = 1.1040
	o.handleBridge(ctx, bridge.Message{Type: bridge.MessagePositionUpdate, Position: closed})

	_, ok := o.trailing.Get("p-1")
	assert.False(t, ok)
	assert.Zero(t, o.trailing.Stats().ActiveTrails)

	cached, ok := o.sync.Cache().Position("p-1")
	require.True(t, ok)
	assert.Equal(t, position.StatusClosed, cached.Status)
}

func TestOrchestrator_AccountInfoReachesCacheAndBackend(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	acc := &position.AccountBalance{AccountID: "acc-1", TotalEquity: 10000, MarginLevel: 400, Timestamp: time.Now().UTC()}
	o.handleBridge(ctx, bridge.Message{Type: bridge.MessageAccountInfo, Account: acc})

	accounts := o.sync.Cache().Accounts()
	require.Contains(t, accounts, "acc-1")
	assert.Equal(t, 10000.0, accounts["acc-1"].TotalEquity)

	stored, err := o.backend.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "acc-1", stored[0].AccountID)
}

func TestMonitorMux_Endpoints(t *testing.T) {
	o := newTestOrchestrator(t)
	o.handleBridge(context.Background(), bridge.Message{Type: bridge.MessagePositionUpdate, Position: brokerPosition()})

	srv := httptest.NewServer(newMonitorMux(o))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, status.Trailing.ActiveTrails)
	assert.False(t, status.Halted)

	resp, err = http.Get(srv.URL + "/trails")
	require.NoError(t, err)
	var trails []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&trails))
	resp.Body.Close()
	require.Len(t, trails, 1)
	assert.Equal(t, "p-1", trails[0]["positionId"])

	resp, err = http.Get(srv.URL + "/runs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/emergency-stop?reason=drill", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	halted, reason := o.engine.Halted()
	assert.True(t, halted)
	assert.Equal(t, "drill", reason)

	events, err := o.monitor.ListEvents(context.Background(), monitor.EventEmergencyStop, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	resp, err = http.Post(srv.URL+"/reset", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	halted, _ = o.engine.Halted()
	assert.False(t, halted)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoadPlanAndAccounts(t *testing.T) {
	dir := t.TempDir()
	planPath := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(planPath, []byte(`
name: weekly-rebalance
strategies:
  - id: close-a
    source_account: acc-1
    action: close
    symbol: EURUSD
    direction: long
    amount: 1
  - id: open-b
    source_account: acc-2
    action: open
    symbol: EURUSD
    direction: long
    amount: 1
    dependencies: [close-a]
`), 0o600))

	plan, err := LoadPlan(planPath)
	require.NoError(t, err)
	assert.Equal(t, "weekly-rebalance", plan.ID)
	require.Len(t, plan.Strategies, 2)
	assert.Equal(t, risk.ActionClose, plan.Strategies[0].Action)
	assert.Equal(t, []string{"close-a"}, plan.Strategies[1].Dependencies)

	accPath := filepath.Join(dir, "accounts.yaml")
	require.NoError(t, os.WriteFile(accPath, []byte(`
accounts:
  - id: acc-1
    total_equity: 10000
    margin_level: 350
`), 0o600))

	accounts, err := LoadAccounts(accPath)
	require.NoError(t, err)
	require.Contains(t, accounts, "acc-1")
	assert.Equal(t, 350.0, accounts["acc-1"].MarginLevel)

	emptyPath := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(emptyPath, []byte("name: nothing\n"), 0o600))
	_, err = LoadPlan(emptyPath)
	assert.Error(t, err)
}
