package execution

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"hedge-core/internal/config"
	"hedge-core/internal/position"
	"hedge-core/internal/risk"
	"hedge-core/internal/store"
)

type fakeRunner struct {
	mu         sync.Mutex
	failures   map[string]int
	gates      map[string]chan struct{}
	started    chan string
	delay      time.Duration
	deps       map[string][]string
	runs       []string
	done       []string
	rollbacks  []string
	active     int
	maxActive  int
	violations []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		failures: make(map[string]int),
		gates:    make(map[string]chan struct{}),
		started:  make(chan string, 64),
		deps:     make(map[string][]string),
	}
}

func (f *fakeRunner) Run(ctx context.Context, s risk.RebalanceStrategy) ([]InverseAction, error) {
	f.mu.Lock()
	f.runs = append(f.runs, s.ID)
	for _, dep := range s.Dependencies {
		if !slices.Contains(f.done, dep) {
			f.violations = append(f.violations, s.ID+"<-"+dep)
		}
	}
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	gate := f.gates[s.ID]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	f.started <- s.ID
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.failures[s.ID]; ok && n != 0 {
		if n > 0 {
			f.failures[s.ID] = n - 1
		}
		return nil, errors.New("broker rejected order")
	}
	f.done = append(f.done, s.ID)
	return nil, nil
}

func (f *fakeRunner) Rollback(_ context.Context, stepID string, actions []InverseAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks = append(f.rollbacks, stepID)
	return nil
}

func (f *fakeRunner) ranCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.runs {
		if r == id {
			n++
		}
	}
	return n
}

func testAccounts() map[string]position.AccountBalance {
	return map[string]position.AccountBalance{
		"acc-a": {AccountID: "acc-a", TotalEquity: 10000, MarginLevel: 500},
		"acc-b": {AccountID: "acc-b", TotalEquity: 10000, MarginLevel: 500},
	}
}

func strat(id string, deps ...string) risk.RebalanceStrategy {
	return risk.RebalanceStrategy{
		ID: id, SourceAccount: "acc-a", TargetAccount: "acc-b", Action: risk.ActionOpen,
		Symbol: "EURUSD", Direction: position.DirectionLong, Amount: 1, EstimatedCost: 10,
		Dependencies: deps,
	}
}

func newTestEngine(t *testing.T, runner StepRunner) *Engine {
	t.Helper()
	return newEngineWithConfig(t, runner, config.ExecutionConfig{MaxConcurrency: 3, MaxRetries: 3})
}

func newEngineWithConfig(t *testing.T, runner StepRunner, cfg config.ExecutionConfig) *Engine {
	t.Helper()
	checker := risk.NewSafetyChecker(config.RiskConfig{
		MaxLossThreshold:      1000,
		MaxPositionSizeChange: 10,
		MinMarginLevel:        100,
	}, nil, nil)
	eng, err := NewEngine(cfg, checker, runner, testAccounts, nil)
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}
	return eng
}

func runIDs(eng *Engine) <-chan string {
	ch := make(chan string, 4)
	eng.AddListener(func(ev Event) {
		if ev.Kind == EventExecutionStarted {
			ch <- ev.RunID
		}
	})
	return ch
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestExecute_FailedStepSkipsDependentsAndRollsBack(t *testing.T) {
	runner := newFakeRunner()
	runner.failures["b"] = -1
	eng := newTestEngine(t, runner)

	report, err := eng.Execute(context.Background(), risk.Plan{ID: "plan-1", Strategies: []risk.RebalanceStrategy{
		strat("a"), strat("b", "a"), strat("c", "b"),
	}})
	if !errors.Is(err, ErrRunFailed) {
		t.Fatalf("expected ErrRunFailed, got %v", err)
	}
	if report.Status != RunRolledBack {
		t.Errorf("expected run status rolled_back, got %s", report.Status)
	}

	a, _ := report.Step("a")
	b, _ := report.Step("b")
	c, _ := report.Step("c")
	if a.Status != StepRolledBack {
		t.Errorf("expected a rolled back, got %s", a.Status)
	}
	if b.Status != StepFailed || b.RetryCount != 3 {
		t.Errorf("expected b failed after 3 attempts, got %s/%d", b.Status, b.RetryCount)
	}
	if c.Status != StepSkipped {
		t.Errorf("expected c skipped, got %s", c.Status)
	}
	if runner.ranCount("b") != 3 || runner.ranCount("c") != 0 {
		t.Errorf("unexpected run counts: b=%d c=%d", runner.ranCount("b"), runner.ranCount("c"))
	}
	if !slices.Equal(runner.rollbacks, []string{"a"}) {
		t.Errorf("expected rollback of a only, got %v", runner.rollbacks)
	}
	if a.Rollback == nil || !a.Rollback.IsExecuted {
		t.Errorf("expected rollback data of a to be marked executed")
	}
}

func TestExecute_RollbackInReverseCompletionOrder(t *testing.T) {
	runner := newFakeRunner()
	runner.failures["d"] = -1
	eng := newTestEngine(t, runner)

	report, err := eng.Execute(context.Background(), risk.Plan{ID: "plan-2", Strategies: []risk.RebalanceStrategy{
		strat("a"), strat("b", "a"), strat("c", "b"), strat("d", "c"),
	}})
	if err == nil {
		t.Fatal("expected run failure")
	}
	if !slices.Equal(report.CompletionOrder, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected completion order %v", report.CompletionOrder)
	}
	if !slices.Equal(runner.rollbacks, []string{"c", "b", "a"}) {
		t.Errorf("expected reverse rollback c,b,a, got %v", runner.rollbacks)
	}
	if !slices.Equal(report.RollbackOrder, runner.rollbacks) {
		t.Errorf("report rollback order %v differs from runner %v", report.RollbackOrder, runner.rollbacks)
	}
}

func TestExecute_RespectsDependenciesAndConcurrency(t *testing.T) {
	runner := newFakeRunner()
	runner.delay = 20 * time.Millisecond
	eng := newTestEngine(t, runner)

	plan := risk.Plan{ID: "plan-3"}
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		plan.Strategies = append(plan.Strategies, strat(id))
	}
	plan.Strategies = append(plan.Strategies, strat("final", "s1", "s2", "s3", "s4", "s5", "s6"))

	report, err := eng.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if report.Status != RunCompleted {
		t.Errorf("expected completed, got %s", report.Status)
	}
	if runner.maxActive > 3 {
		t.Errorf("expected at most 3 concurrent steps, got %d", runner.maxActive)
	}
	if len(runner.violations) > 0 {
		t.Errorf("steps started before dependencies completed: %v", runner.violations)
	}
	if report.CompletionOrder[len(report.CompletionOrder)-1] != "final" {
		t.Errorf("expected final to complete last, got %v", report.CompletionOrder)
	}
	if report.Metrics.SuccessRate != 1 {
		t.Errorf("expected success rate 1, got %f", report.Metrics.SuccessRate)
	}
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	runner := newFakeRunner()
	runner.failures["a"] = 2
	eng := newTestEngine(t, runner)

	report, err := eng.Execute(context.Background(), risk.Plan{ID: "plan-4", Strategies: []risk.RebalanceStrategy{strat("a")}})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	a, _ := report.Step("a")
	if a.Status != StepCompleted || a.RetryCount != 2 {
		t.Errorf("expected a completed after 2 retries, got %s/%d", a.Status, a.RetryCount)
	}
}

func TestExecute_RefusesCriticalPlanAndHalts(t *testing.T) {
	runner := newFakeRunner()
	eng := newTestEngine(t, runner)

	var alerts int
	eng.AddListener(func(ev Event) {
		if ev.Kind == EventSafetyAlert {
			alerts++
		}
	})

	expensive := strat("a")
	expensive.EstimatedCost = 1500
	report, err := eng.Execute(context.Background(), risk.Plan{ID: "plan-5", Strategies: []risk.RebalanceStrategy{expensive}})
	if !errors.Is(err, ErrSafetyRejected) {
		t.Fatalf("expected ErrSafetyRejected, got %v", err)
	}
	if report.Status != RunRejected || report.Safety.Recommendation != risk.RecommendAbort {
		t.Errorf("unexpected report %s/%s", report.Status, report.Safety.Recommendation)
	}
	if len(runner.runs) != 0 {
		t.Errorf("expected no steps to run, got %v", runner.runs)
	}
	if alerts != 1 {
		t.Errorf("expected one safety alert, got %d", alerts)
	}

	if halted, _ := eng.Halted(); !halted {
		t.Fatal("expected engine halted after critical safety check")
	}
	if _, err := eng.Execute(context.Background(), risk.Plan{ID: "plan-6", Strategies: []risk.RebalanceStrategy{strat("a")}}); !errors.Is(err, ErrEmergencyStopped) {
		t.Errorf("expected ErrEmergencyStopped while halted, got %v", err)
	}

	eng.Reset()
	if _, err := eng.Execute(context.Background(), risk.Plan{ID: "plan-7", Strategies: []risk.RebalanceStrategy{strat("a")}}); err != nil {
		t.Errorf("expected execution after reset, got %v", err)
	}
}

func TestExecute_DelayRecommendationDoesNotHalt(t *testing.T) {
	eng := newTestEngine(t, newFakeRunner())

	unknown := strat("a")
	unknown.SourceAccount = "acc-missing"
	_, err := eng.Execute(context.Background(), risk.Plan{ID: "plan-8", Strategies: []risk.RebalanceStrategy{unknown}})
	if !errors.Is(err, ErrSafetyRejected) {
		t.Fatalf("expected ErrSafetyRejected, got %v", err)
	}
	if halted, _ := eng.Halted(); halted {
		t.Error("delay recommendation must not halt the engine")
	}
}

func TestExecute_DetectsDeadlock(t *testing.T) {
	runner := newFakeRunner()
	eng := newTestEngine(t, runner)

	report, err := eng.Execute(context.Background(), risk.Plan{ID: "plan-9", Strategies: []risk.RebalanceStrategy{
		strat("a", "b"), strat("b", "a"),
	}})
	if !errors.Is(err, ErrDeadlock) {
		t.Fatalf("expected ErrDeadlock, got %v", err)
	}
	if len(runner.runs) != 0 {
		t.Errorf("expected nothing to run, got %v", runner.runs)
	}
	for _, s := range report.Steps {
		if s.Status != StepSkipped {
			t.Errorf("expected %s skipped, got %s", s.StepID, s.Status)
		}
	}
}

func TestPauseAndResume(t *testing.T) {
	runner := newFakeRunner()
	gate := make(chan struct{})
	runner.gates["a"] = gate
	eng := newTestEngine(t, runner)
	ids := runIDs(eng)

	type result struct {
		report RunReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := eng.Execute(context.Background(), risk.Plan{ID: "plan-10", Strategies: []risk.RebalanceStrategy{
			strat("a"), strat("b", "a"),
		}})
		done <- result{report, err}
	}()

	runID := <-ids
	waitFor(t, runner.started, "a")
	if err := eng.Pause(runID); err != nil {
		t.Fatalf("Pause returned error: %v", err)
	}
	close(gate)

	deadline := time.Now().Add(2 * time.Second)
	for {
		m, err := eng.Metrics(runID)
		if err != nil {
			t.Fatalf("Metrics returned error: %v", err)
		}
		if m.Completed == 1 {
			if !m.Paused {
				t.Fatal("expected run to report paused")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for step a")
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)
	if runner.ranCount("b") != 0 {
		t.Fatal("step b started while run was paused")
	}

	if err := eng.Resume(runID); err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Execute returned error: %v", res.err)
		}
		if res.report.Status != RunCompleted {
			t.Errorf("expected completed, got %s", res.report.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after resume")
	}

	if err := eng.Resume(runID); err == nil {
		t.Error("expected resume of finished run to fail")
	}
}

func TestEmergencyStopRollsBackActiveRun(t *testing.T) {
	st, err := store.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	activity, err := risk.NewActivityLog(context.Background(), st, nil)
	if err != nil {
		t.Fatalf("NewActivityLog returned error: %v", err)
	}

	runner := newFakeRunner()
	runner.gates["b"] = make(chan struct{})
	eng := newTestEngine(t, runner)
	eng.SetActivityLog(activity)

	done := make(chan RunReport, 1)
	errs := make(chan error, 1)
	go func() {
		report, err := eng.Execute(context.Background(), risk.Plan{ID: "plan-11", Strategies: []risk.RebalanceStrategy{
			strat("a"), strat("b", "a"),
		}})
		done <- report
		errs <- err
	}()

	waitFor(t, runner.started, "b")
	if n := eng.EmergencyStop(context.Background(), "operator halt"); n != 1 {
		t.Fatalf("expected one active run stopped, got %d", n)
	}

	var report RunReport
	select {
	case report = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	if err := <-errs; !errors.Is(err, ErrEmergencyStopped) {
		t.Fatalf("expected ErrEmergencyStopped, got %v", err)
	}
	if report.Status != RunStopped {
		t.Errorf("expected emergency_stopped, got %s", report.Status)
	}
	if !slices.Equal(runner.rollbacks, []string{"a"}) {
		t.Errorf("expected rollback of a, got %v", runner.rollbacks)
	}

	entries, err := activity.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent returned error: %v", err)
	}
	if len(entries) != 1 || entries[0].EventType != "emergency_stop" {
		t.Errorf("expected emergency_stop activity entry, got %+v", entries)
	}
}

func onceStrat(id string, deps ...string) risk.RebalanceStrategy {
	s := strat(id, deps...)
	s.MaxRetries = 1
	return s
}

type execResult struct {
	report RunReport
	err    error
}

func executeAsync(eng *Engine, plan risk.Plan) <-chan execResult {
	ch := make(chan execResult, 1)
	go func() {
		report, err := eng.Execute(context.Background(), plan)
		ch <- execResult{report, err}
	}()
	return ch
}

func TestExecute_FreedSlotStartsReadyStepImmediately(t *testing.T) {
	runner := newFakeRunner()
	gate := make(chan struct{})
	runner.gates["slow"] = gate
	eng := newTestEngine(t, runner)

	done := executeAsync(eng, risk.Plan{ID: "plan-12", Strategies: []risk.RebalanceStrategy{
		strat("slow"), strat("fast"), strat("next", "fast"),
	}})

	// next 只依赖 fast，不应等待 slow
	waitFor(t, runner.started, "next")
	if runner.ranCount("slow") != 1 {
		t.Fatalf("expected slow to still be running")
	}
	close(gate)

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Execute returned error: %v", res.err)
		}
		if res.report.CompletionOrder[len(res.report.CompletionOrder)-1] != "slow" {
			t.Errorf("expected slow to complete last, got %v", res.report.CompletionOrder)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestPause_HoldsStepsWaitingForSlot(t *testing.T) {
	runner := newFakeRunner()
	gates := []chan struct{}{make(chan struct{}), make(chan struct{}), make(chan struct{})}
	for i, id := range []string{"a", "b", "c"} {
		runner.gates[id] = gates[i]
	}
	eng := newTestEngine(t, runner)
	ids := runIDs(eng)

	done := executeAsync(eng, risk.Plan{ID: "plan-13", Strategies: []risk.RebalanceStrategy{
		strat("a"), strat("b"), strat("c"), strat("d"), strat("e"),
	}})

	runID := <-ids
	for _, id := range []string{"a", "b", "c"} {
		waitFor(t, runner.started, id)
	}
	if err := eng.Pause(runID); err != nil {
		t.Fatalf("Pause returned error: %v", err)
	}
	for _, g := range gates {
		close(g)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		m, err := eng.Metrics(runID)
		if err != nil {
			t.Fatalf("Metrics returned error: %v", err)
		}
		if m.Completed == 3 && m.Executing == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for in-flight steps, metrics %+v", m)
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if runner.ranCount("d") != 0 || runner.ranCount("e") != 0 {
		t.Fatalf("steps d/e started while paused: d=%d e=%d", runner.ranCount("d"), runner.ranCount("e"))
	}

	if err := eng.Resume(runID); err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Execute returned error: %v", res.err)
		}
		if res.report.Metrics.Completed != 5 {
			t.Errorf("expected 5 completed steps, got %d", res.report.Metrics.Completed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after resume")
	}
}

func TestExecute_LowSuccessRateWithNothingLeftRollsBack(t *testing.T) {
	runner := newFakeRunner()
	for _, id := range []string{"a", "b", "c"} {
		runner.failures[id] = -1
	}
	eng := newEngineWithConfig(t, runner, config.ExecutionConfig{MaxConcurrency: 6, MaxRetries: 1})

	done := executeAsync(eng, risk.Plan{ID: "plan-14", Strategies: []risk.RebalanceStrategy{
		onceStrat("a"), onceStrat("b"), onceStrat("c"), onceStrat("d"), onceStrat("e"), onceStrat("f", "a"),
	}})

	var res execResult
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute blocked although no steps were left to run")
	}
	if !errors.Is(res.err, ErrRunFailed) {
		t.Fatalf("expected ErrRunFailed, got %v", res.err)
	}
	if res.report.Status != RunRolledBack {
		t.Errorf("expected rolled_back, got %s", res.report.Status)
	}
	for _, id := range []string{"d", "e"} {
		if s, _ := res.report.Step(id); s.Status != StepRolledBack {
			t.Errorf("expected %s rolled back, got %s", id, s.Status)
		}
	}
	if f, _ := res.report.Step("f"); f.Status != StepSkipped {
		t.Errorf("expected f skipped, got %s", f.Status)
	}
	rolled := append([]string(nil), runner.rollbacks...)
	slices.Sort(rolled)
	if !slices.Equal(rolled, []string{"d", "e"}) {
		t.Errorf("expected rollback of d and e, got %v", runner.rollbacks)
	}
}

func TestExecute_MoreThanThreeFailuresRollsBack(t *testing.T) {
	runner := newFakeRunner()
	for _, id := range []string{"f1", "f2", "f3", "f4"} {
		runner.failures[id] = -1
	}
	eng := newEngineWithConfig(t, runner, config.ExecutionConfig{MaxConcurrency: 1, MaxRetries: 1})

	report, err := eng.Execute(context.Background(), risk.Plan{ID: "plan-15", Strategies: []risk.RebalanceStrategy{
		onceStrat("s1"), onceStrat("s2"), onceStrat("s3"),
		onceStrat("f1"), onceStrat("f2"), onceStrat("f3"), onceStrat("f4"),
		onceStrat("z"),
	}})
	if !errors.Is(err, ErrRunFailed) {
		t.Fatalf("expected ErrRunFailed, got %v", err)
	}
	if runner.ranCount("z") != 0 {
		t.Error("expected no steps to start after the failure limit was exceeded")
	}
	if z, _ := report.Step("z"); z.Status != StepSkipped {
		t.Errorf("expected z skipped, got %s", z.Status)
	}
	if !slices.Equal(runner.rollbacks, []string{"s3", "s2", "s1"}) {
		t.Errorf("expected reverse rollback s3,s2,s1, got %v", runner.rollbacks)
	}
	if report.Metrics.Failed != 4 {
		t.Errorf("expected 4 failed steps, got %d", report.Metrics.Failed)
	}
}

func TestExecute_LowSuccessRatePausesOnce(t *testing.T) {
	runner := newFakeRunner()
	runner.failures["f1"] = -1
	runner.failures["f2"] = -1
	eng := newEngineWithConfig(t, runner, config.ExecutionConfig{MaxConcurrency: 1, MaxRetries: 1})

	paused := make(chan string, 4)
	eng.AddListener(func(ev Event) {
		if ev.Kind == EventExecutionProgress && ev.Metrics != nil && ev.Metrics.Paused && ev.Message != "" {
			paused <- ev.RunID
		}
	})

	done := executeAsync(eng, risk.Plan{ID: "plan-16", Strategies: []risk.RebalanceStrategy{
		onceStrat("f1"), onceStrat("f2"),
		onceStrat("s1"), onceStrat("s2"), onceStrat("s3"), onceStrat("s4"),
	}})

	var runID string
	select {
	case runID = <-paused:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the run to pause on a low success rate")
	}
	time.Sleep(50 * time.Millisecond)
	if runner.ranCount("f2") != 0 {
		t.Fatal("step f2 started while paused")
	}
	if err := eng.Resume(runID); err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}

	var res execResult
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run paused a second time")
	}
	if !errors.Is(res.err, ErrRunFailed) {
		t.Fatalf("expected ErrRunFailed, got %v", res.err)
	}
	if len(paused) != 0 {
		t.Errorf("expected a single automatic pause, got %d more", len(paused))
	}
	if !slices.Equal(runner.rollbacks, []string{"s4", "s3", "s2", "s1"}) {
		t.Errorf("expected reverse rollback of s4..s1, got %v", runner.rollbacks)
	}
}

func TestInverseOf(t *testing.T) {
	tests := []struct {
		name    string
		action  risk.Action
		want    risk.Action
		account string
		dir     position.Direction
	}{
		{"open closes", risk.ActionOpen, risk.ActionClose, "acc-a", position.DirectionLong},
		{"close reopens", risk.ActionClose, risk.ActionOpen, "acc-a", position.DirectionLong},
		{"reduce reopens", risk.ActionReduce, risk.ActionOpen, "acc-a", position.DirectionLong},
		{"hedge closes on target", risk.ActionHedge, risk.ActionClose, "acc-b", position.DirectionShort},
		{"transfer reverses", risk.ActionTransfer, risk.ActionTransfer, "acc-b", position.DirectionLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := strat("x")
			s.Action = tt.action
			inv := InverseOf(s)
			if len(inv) != 1 {
				t.Fatalf("expected one inverse action, got %d", len(inv))
			}
			if inv[0].Action != tt.want || inv[0].AccountID != tt.account || inv[0].Direction != tt.dir {
				t.Errorf("unexpected inverse %+v", inv[0])
			}
		})
	}
}
