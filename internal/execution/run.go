package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hedge-core/internal/risk"
)

// run 保存一次运行的可变状态，所有字段由 mu 保护。
type run struct {
	id     string
	planID string
	safety risk.SafetyReport
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	steps      map[string]*Step
	order      []string
	completion []string
	rollbacks  []string
	status     RunStatus
	paused     bool
	resume     chan struct{}
	autoPaused bool
	stopReason string
	errText    string
	startedAt  time.Time
	finishedAt time.Time
}

// claim 挑选最多 n 个依赖已完成的待执行步骤并标记为执行中。暂停或已取消时不挑选。
func (r *run) claim(n int) []*Step {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || r.paused || r.ctx.Err() != nil {
		return nil
	}
	var out []*Step
	for _, id := range r.order {
		if len(out) == n {
			break
		}
		s := r.steps[id]
		if s.Status == StepPending && r.depsCompleted(s) {
			s.Status = StepExecuting
			out = append(out, s)
		}
	}
	return out
}

// pendingIDs 返回仍为 pending 的步骤，以及其中是否有依赖已完成可以启动的步骤。
func (r *run) pendingIDs() ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		pending  []string
		runnable bool
	)
	for _, id := range r.order {
		s := r.steps[id]
		if s.Status == StepPending {
			pending = append(pending, id)
			runnable = runnable || r.depsCompleted(s)
		}
	}
	return pending, runnable
}

func (r *run) depsCompleted(s *Step) bool {
	for _, dep := range s.Dependencies {
		d, ok := r.steps[dep]
		if !ok || d.Status != StepCompleted {
			return false
		}
	}
	return true
}

// skipDependents 将依赖失败步骤的待执行步骤（传递地）标记为跳过，调用方持锁。
func (r *run) skipDependents(failedID string) []string {
	var skipped []string
	queue := []string{failedID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, id := range r.order {
			s := r.steps[id]
			if s.Status != StepPending {
				continue
			}
			for _, dep := range s.Dependencies {
				if dep == cur {
					s.Status = StepSkipped
					s.LastError = fmt.Sprintf("依赖步骤 %s 未完成", failedID)
					skipped = append(skipped, id)
					queue = append(queue, id)
					break
				}
			}
		}
	}
	return skipped
}

// skipPending 在运行中止时跳过全部剩余步骤。
func (r *run) skipPending(reason string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var skipped []string
	for _, id := range r.order {
		s := r.steps[id]
		if s.Status == StepPending {
			s.Status = StepSkipped
			s.LastError = reason
			skipped = append(skipped, id)
		}
	}
	return skipped
}

func (r *run) failedSteps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var failed []string
	for _, id := range r.order {
		if r.steps[id].Status == StepFailed {
			failed = append(failed, id)
		}
	}
	return failed
}

func (r *run) metrics() RunMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metricsLocked()
}

func (r *run) metricsLocked() RunMetrics {
	m := RunMetrics{Total: len(r.order), Paused: r.paused}
	for _, s := range r.steps {
		switch s.Status {
		case StepPending:
			m.Pending++
		case StepExecuting:
			m.Executing++
		case StepCompleted:
			m.Completed++
		case StepFailed:
			m.Failed++
		case StepSkipped:
			m.Skipped++
		case StepRolledBack:
			m.RolledBack++
		}
	}
	succeeded := m.Completed + m.RolledBack
	m.SuccessRate = 1
	if finished := succeeded + m.Failed; finished > 0 {
		m.SuccessRate = float64(succeeded) / float64(finished)
	}
	return m
}

func (r *run) pause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != RunRunning {
		return false
	}
	r.paused = true
	r.status = RunPaused
	r.resume = make(chan struct{})
	return true
}

// autoPause 仅在首次触发成功率阈值时暂停。
func (r *run) autoPause() bool {
	r.mu.Lock()
	if r.autoPaused {
		r.mu.Unlock()
		return false
	}
	r.autoPaused = true
	r.mu.Unlock()
	return r.pause()
}

func (r *run) resumeRun() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return false
	}
	r.paused = false
	r.status = RunRunning
	close(r.resume)
	return true
}

func (r *run) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// resumed 返回暂停期间在恢复时关闭的通道；未暂停时返回 nil。
func (r *run) resumed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return nil
	}
	return r.resume
}

func (r *run) waitIfPaused() error {
	r.mu.Lock()
	if !r.paused {
		r.mu.Unlock()
		return nil
	}
	ch := r.resume
	r.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

func (r *run) stop(reason string) {
	r.mu.Lock()
	r.stopReason = reason
	r.mu.Unlock()
	r.cancel()
}

func (r *run) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopReason != ""
}

func (r *run) interruptErr() error {
	r.mu.Lock()
	reason := r.stopReason
	r.mu.Unlock()
	if reason != "" {
		return fmt.Errorf("%w: %s", ErrEmergencyStopped, reason)
	}
	return fmt.Errorf("execution: 运行被取消: %w", r.ctx.Err())
}

func (r *run) active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == RunRunning || r.status == RunPaused
}

func (r *run) currentStatus() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *run) rolledBackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rollbacks)
}

func (r *run) finish(status RunStatus, errText string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.paused = false
	r.errText = errText
	r.finishedAt = time.Now().UTC()
}

func (r *run) report() RunReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	steps := make([]Step, 0, len(r.order))
	for _, id := range r.order {
		s := *r.steps[id]
		if s.Rollback != nil {
			rb := *s.Rollback
			rb.InverseActions = append([]InverseAction(nil), rb.InverseActions...)
			s.Rollback = &rb
		}
		s.Dependencies = append([]string(nil), s.Dependencies...)
		steps = append(steps, s)
	}

	out := RunReport{
		RunID:           r.id,
		PlanID:          r.planID,
		Status:          r.status,
		Safety:          r.safety,
		Steps:           steps,
		CompletionOrder: append([]string(nil), r.completion...),
		RollbackOrder:   append([]string(nil), r.rollbacks...),
		StartedAt:       r.startedAt,
		FinishedAt:      r.finishedAt,
		Metrics:         r.metricsLocked(),
		Error:           r.errText,
	}
	return out
}
