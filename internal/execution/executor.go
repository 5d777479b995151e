package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hedge-core/internal/config"
	"hedge-core/internal/position"
	"hedge-core/internal/risk"
)

// Engine 以依赖图方式执行再平衡计划：先做安全检查，再按依赖分批并发执行，
// 任何步骤最终失败时按完成顺序的逆序回滚已完成步骤。
type Engine struct {
	cfg      config.ExecutionConfig
	riskCfg  config.RiskConfig
	checker  *risk.SafetyChecker
	runner   StepRunner
	capturer RollbackCapturer
	accounts AccountSource
	activity *risk.ActivityLog
	logger   *zap.Logger

	mu         sync.Mutex
	listeners  []Listener
	runs       map[string]*run
	halted     bool
	haltReason string
}

// NewEngine 创建执行引擎。
func NewEngine(cfg config.ExecutionConfig, checker *risk.SafetyChecker, runner StepRunner, accounts AccountSource, logger *zap.Logger) (*Engine, error) {
	if checker == nil {
		return nil, errors.New("execution: checker 不能为空")
	}
	if runner == nil {
		return nil, errors.New("execution: runner 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	riskCfg := checker.Config()
	if riskCfg.MinSuccessRate <= 0 {
		riskCfg.MinSuccessRate = 0.5
	}
	if riskCfg.MinStepsForRate <= 0 {
		riskCfg.MinStepsForRate = 5
	}
	if riskCfg.MaxFailedSteps <= 0 {
		riskCfg.MaxFailedSteps = 3
	}

	if accounts == nil {
		accounts = func() map[string]position.AccountBalance { return nil }
	}

	return &Engine{
		cfg:      cfg,
		riskCfg:  riskCfg,
		checker:  checker,
		runner:   runner,
		capturer: snapshotCapturer{accounts: accounts},
		accounts: accounts,
		logger:   logger.Named("execution"),
		runs:     make(map[string]*run),
	}, nil
}

// SetActivityLog 设置紧急停止写入的风险日志。
func (e *Engine) SetActivityLog(a *risk.ActivityLog) {
	e.activity = a
}

// AddListener 注册遥测监听器。
func (e *Engine) AddListener(l Listener) {
	if l == nil {
		return
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

// Execute 执行计划并阻塞到运行结束，返回最终报告。
func (e *Engine) Execute(ctx context.Context, plan risk.Plan) (RunReport, error) {
	if halted, reason := e.Halted(); halted {
		return RunReport{PlanID: plan.ID, Status: RunRejected, Error: reason},
			fmt.Errorf("%w: %s", ErrEmergencyStopped, reason)
	}

	safety := e.checker.Check(ctx, plan, e.accounts())
	if len(safety.Findings()) > 0 {
		e.emit(Event{Kind: EventSafetyAlert, PlanID: plan.ID, Safety: &safety,
			Message: fmt.Sprintf("风险等级 %s，建议 %s", safety.OverallRisk, safety.Recommendation)})
	}
	if safety.Blocking() {
		now := time.Now().UTC()
		err := fmt.Errorf("%w: %s", ErrSafetyRejected, safety.Recommendation)
		if safety.OverallRisk == risk.LevelCritical {
			e.EmergencyStop(ctx, fmt.Sprintf("计划 %s 安全检查为 critical", plan.ID))
		}
		e.logger.Warn("安全检查拒绝执行计划",
			zap.String("plan_id", plan.ID),
			zap.String("recommendation", string(safety.Recommendation)),
		)
		return RunReport{PlanID: plan.ID, Status: RunRejected, Safety: safety,
			StartedAt: now, FinishedAt: now, Error: err.Error()}, err
	}

	r := e.newRun(ctx, plan, safety)
	defer r.cancel()

	e.logger.Info("开始执行再平衡计划",
		zap.String("run_id", r.id),
		zap.String("plan_id", plan.ID),
		zap.Int("steps", len(r.order)),
	)
	e.emit(Event{Kind: EventExecutionStarted, RunID: r.id, PlanID: plan.ID})

	runErr := e.schedule(r)
	if runErr == nil {
		r.finish(RunCompleted, "")
		m := r.metrics()
		e.emit(Event{Kind: EventExecutionCompleted, RunID: r.id, PlanID: plan.ID, Metrics: &m})
		e.logger.Info("再平衡计划执行完成", zap.String("run_id", r.id))
		return r.report(), nil
	}

	skipped := r.skipPending("运行已中止")
	rbErr := e.rollback(ctx, r)
	if rbErr != nil {
		e.logger.Error("回滚存在失败步骤", zap.String("run_id", r.id), zap.Error(rbErr))
		runErr = multierr.Append(runErr, rbErr)
	}

	status := RunFailed
	switch {
	case r.stopped():
		status = RunStopped
	case r.rolledBackCount() > 0:
		status = RunRolledBack
	}
	r.finish(status, runErr.Error())

	m := r.metrics()
	e.emit(Event{Kind: EventExecutionFailed, RunID: r.id, PlanID: plan.ID, Metrics: &m, Message: runErr.Error()})
	e.logger.Warn("再平衡计划执行失败",
		zap.String("run_id", r.id),
		zap.String("status", string(status)),
		zap.Strings("skipped", skipped),
		zap.Error(runErr),
	)
	return r.report(), runErr
}

func (e *Engine) newRun(ctx context.Context, plan risk.Plan, safety risk.SafetyReport) *run {
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		id:        ulid.Make().String(),
		planID:    plan.ID,
		safety:    safety,
		ctx:       runCtx,
		cancel:    cancel,
		steps:     make(map[string]*Step, len(plan.Strategies)),
		order:     make([]string, 0, len(plan.Strategies)),
		status:    RunRunning,
		startedAt: time.Now().UTC(),
	}
	for _, s := range plan.Strategies {
		maxRetries := s.MaxRetries
		if maxRetries <= 0 {
			maxRetries = e.cfg.MaxRetries
		}
		r.steps[s.ID] = &Step{
			StepID:       s.ID,
			Strategy:     s,
			Status:       StepPending,
			Dependencies: append([]string(nil), s.Dependencies...),
			MaxRetries:   maxRetries,
		}
		r.order = append(r.order, s.ID)
	}

	e.mu.Lock()
	e.runs[r.id] = r
	e.mu.Unlock()
	return r
}

// schedule 每当有步骤结束就重新挑选依赖已完成的步骤，在并发上限内立即启动。
// 暂停或出现致命错误后不再启动新步骤，但会等待执行中的步骤结束。
func (e *Engine) schedule(r *run) error {
	done := make(chan struct{}, e.cfg.MaxConcurrency)
	inflight := 0
	var fatal error

	for {
		if fatal == nil && r.ctx.Err() != nil {
			fatal = r.interruptErr()
		}
		if fatal == nil {
			for _, s := range r.claim(e.cfg.MaxConcurrency - inflight) {
				inflight++
				go func() {
					e.runStep(r, s)
					done <- struct{}{}
				}()
			}
		}

		if inflight == 0 {
			if fatal != nil {
				return fatal
			}
			pending, runnable := r.pendingIDs()
			if len(pending) == 0 {
				break
			}
			if r.isPaused() {
				if err := r.waitIfPaused(); err != nil {
					return r.interruptErr()
				}
				continue
			}
			if runnable {
				continue
			}
			return fmt.Errorf("%w: 待执行步骤 %s", ErrDeadlock, strings.Join(pending, ","))
		}

		if fatal != nil {
			<-done
			inflight--
			continue
		}
		select {
		case <-done:
			inflight--
		case <-r.ctx.Done():
			continue
		case <-r.resumed():
			continue
		}
		fatal = e.evaluate(r)
	}

	if failed := r.failedSteps(); len(failed) > 0 {
		return fmt.Errorf("%w: 步骤 %s 失败", ErrRunFailed, strings.Join(failed, ","))
	}
	return nil
}

// evaluate 在每个步骤结束后按实时指标判断是否中止或自动暂停。
func (e *Engine) evaluate(r *run) error {
	m := r.metrics()
	e.emit(Event{Kind: EventExecutionProgress, RunID: r.id, PlanID: r.planID, Metrics: &m})

	if m.Failed > e.riskCfg.MaxFailedSteps {
		return fmt.Errorf("%w: 失败步骤 %d 超过上限 %d", ErrRunFailed, m.Failed, e.riskCfg.MaxFailedSteps)
	}
	// 没有剩余步骤时暂停没有意义，交给结束时的失败检查处理
	if m.Pending == 0 || m.Total <= e.riskCfg.MinStepsForRate || m.Completed+m.Failed == 0 ||
		m.SuccessRate >= e.riskCfg.MinSuccessRate || !r.autoPause() {
		return nil
	}

	e.logger.Warn("成功率过低，暂停运行",
		zap.String("run_id", r.id),
		zap.Float64("success_rate", m.SuccessRate),
	)
	paused := r.metrics()
	e.emit(Event{Kind: EventExecutionProgress, RunID: r.id, PlanID: r.planID, Metrics: &paused,
		Message: fmt.Sprintf("成功率 %.2f 低于 %.2f，运行已暂停", m.SuccessRate, e.riskCfg.MinSuccessRate)})
	return nil
}

func (e *Engine) runStep(r *run, s *Step) {
	r.mu.Lock()
	retry := s.RetryCount > 0
	strategy := s.Strategy
	r.mu.Unlock()

	if retry && e.cfg.RetryDelay > 0 {
		if err := sleep(r.ctx, e.cfg.RetryDelay); err != nil {
			e.finishStep(r, s, nil, err)
			return
		}
	}

	data, err := e.capturer.Capture(r.ctx, strategy)
	if err != nil {
		e.finishStep(r, s, nil, fmt.Errorf("捕获回滚数据失败: %w", err))
		return
	}

	r.mu.Lock()
	data.StepID = s.StepID
	s.Rollback = &data
	s.StartedAt = time.Now().UTC()
	r.mu.Unlock()
	e.emit(Event{Kind: EventStepStarted, RunID: r.id, PlanID: r.planID, StepID: s.StepID})

	stepCtx, cancel := r.ctx, context.CancelFunc(func() {})
	if e.cfg.StepTimeout > 0 {
		stepCtx, cancel = context.WithTimeout(r.ctx, e.cfg.StepTimeout)
	}
	inverse, err := e.runner.Run(stepCtx, strategy)
	cancel()

	e.finishStep(r, s, inverse, err)
}

func (e *Engine) finishStep(r *run, s *Step, inverse []InverseAction, err error) {
	now := time.Now().UTC()

	r.mu.Lock()
	ev := Event{RunID: r.id, PlanID: r.planID, StepID: s.StepID, At: now}
	var skipped []string
	if err == nil {
		s.Status = StepCompleted
		s.CompletedAt = now
		s.LastError = ""
		if len(inverse) > 0 && s.Rollback != nil {
			s.Rollback.InverseActions = append([]InverseAction(nil), inverse...)
		}
		r.completion = append(r.completion, s.StepID)
		ev.Kind = EventStepCompleted
	} else {
		s.RetryCount++
		s.LastError = err.Error()
		ev.Kind = EventStepFailed
		if r.ctx.Err() == nil && s.RetryCount < s.MaxRetries {
			s.Status = StepPending
			ev.Message = fmt.Sprintf("第 %d 次失败，等待重试: %v", s.RetryCount, err)
		} else {
			s.Status = StepFailed
			s.CompletedAt = now
			skipped = r.skipDependents(s.StepID)
			ev.Message = fmt.Sprintf("重试 %d 次后失败: %v", s.RetryCount, err)
		}
	}
	r.mu.Unlock()

	if err != nil {
		e.logger.Warn("步骤执行失败",
			zap.String("run_id", r.id),
			zap.String("step_id", s.StepID),
			zap.Strings("skipped", skipped),
			zap.Error(err),
		)
	}
	e.emit(ev)
}

// rollback 按完成顺序的逆序回滚，每个步骤的回滚数据最多执行一次。
func (e *Engine) rollback(parent context.Context, r *run) error {
	base := context.WithoutCancel(parent)

	r.mu.Lock()
	order := append([]string(nil), r.completion...)
	r.mu.Unlock()

	var errs error
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]

		r.mu.Lock()
		s := r.steps[id]
		rb := s.Rollback
		if rb == nil || rb.IsExecuted || s.Status != StepCompleted {
			r.mu.Unlock()
			continue
		}
		rb.IsExecuted = true
		actions := append([]InverseAction(nil), rb.InverseActions...)
		r.mu.Unlock()

		ctx, cancel := context.WithCancel(base)
		if e.cfg.StepTimeout > 0 {
			ctx, cancel = context.WithTimeout(base, e.cfg.StepTimeout)
		}
		err := e.runner.Rollback(ctx, id, actions)
		cancel()

		ev := Event{Kind: EventStepRolledBack, RunID: r.id, PlanID: r.planID, StepID: id}
		r.mu.Lock()
		if err != nil {
			s.LastError = fmt.Sprintf("回滚失败: %v", err)
			ev.Message = s.LastError
			errs = multierr.Append(errs, fmt.Errorf("execution: 回滚步骤 %s: %w", id, err))
		} else {
			s.Status = StepRolledBack
			r.rollbacks = append(r.rollbacks, id)
		}
		r.mu.Unlock()
		e.emit(ev)
	}
	return errs
}

// Pause 暂停运行，不再启动新步骤，执行中的步骤继续完成。
func (e *Engine) Pause(runID string) error {
	r, err := e.lookup(runID)
	if err != nil {
		return err
	}
	if !r.pause() {
		return fmt.Errorf("execution: 运行 %s 状态 %s 无法暂停", runID, r.currentStatus())
	}
	m := r.metrics()
	e.emit(Event{Kind: EventExecutionProgress, RunID: r.id, PlanID: r.planID, Metrics: &m, Message: "运行已暂停"})
	return nil
}

// Resume 恢复已暂停的运行。
func (e *Engine) Resume(runID string) error {
	r, err := e.lookup(runID)
	if err != nil {
		return err
	}
	if !r.resumeRun() {
		return fmt.Errorf("execution: 运行 %s 未处于暂停状态", runID)
	}
	m := r.metrics()
	e.emit(Event{Kind: EventExecutionProgress, RunID: r.id, PlanID: r.planID, Metrics: &m, Message: "运行已恢复"})
	return nil
}

// EmergencyStop 立即停止引擎，取消所有活动运行并触发回滚，返回受影响的运行数。
// 停止后新计划被拒绝，直到调用 Reset。
func (e *Engine) EmergencyStop(ctx context.Context, reason string) int {
	if reason == "" {
		reason = "manual"
	}

	e.mu.Lock()
	e.halted = true
	e.haltReason = reason
	active := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		if r.active() {
			active = append(active, r)
		}
	}
	e.mu.Unlock()

	for _, r := range active {
		r.stop(reason)
	}

	e.logger.Error("触发紧急停止", zap.String("reason", reason), zap.Int("active_runs", len(active)))
	if e.activity != nil {
		details := fmt.Sprintf(`{"activeRuns":%d}`, len(active))
		if err := e.activity.LogEvent(ctx, "emergency_stop", reason, details); err != nil {
			e.logger.Warn("写入紧急停止日志失败", zap.Error(err))
		}
	}
	e.emit(Event{Kind: EventEmergencyStop, Message: reason})
	return len(active)
}

// Halted 返回引擎是否处于紧急停止状态及原因。
func (e *Engine) Halted() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted, e.haltReason
}

// Reset 解除紧急停止状态。
func (e *Engine) Reset() {
	e.mu.Lock()
	e.halted = false
	e.haltReason = ""
	e.mu.Unlock()
	e.logger.Info("紧急停止已解除")
}

// Metrics 返回运行的实时指标。
func (e *Engine) Metrics(runID string) (RunMetrics, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return RunMetrics{}, err
	}
	return r.metrics(), nil
}

// Report 返回运行的当前报告。
func (e *Engine) Report(runID string) (RunReport, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return RunReport{}, err
	}
	return r.report(), nil
}

// ActiveRuns 返回仍在运行或暂停的运行 ID。
func (e *Engine) ActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.runs))
	for id, r := range e.runs {
		if r.active() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (e *Engine) lookup(runID string) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

func (e *Engine) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	e.mu.Lock()
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
