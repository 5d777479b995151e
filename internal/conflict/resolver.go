package conflict

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"hedge-core/internal/event"
)

// Reason 说明冲突成因。
type Reason string

const (
	ReasonPendingLocal Reason = "pending_local"
	ReasonNewerLocal   Reason = "newer_local"
	ReasonStaleWrite   Reason = "stale_write"
)

// Conflict 描述一次本地与远端对同一实体的竞争更新。
type Conflict struct {
	EntityKey  string
	Local      event.SyncEvent
	Remote     event.SyncEvent
	Reason     Reason
	DetectedAt time.Time
}

// Resolution 为冲突处理结果，Resolved 是需要下发的事件。
type Resolution struct {
	Resolved event.SyncEvent
	Winner   event.Source
	Policy   string
	Reason   Reason
}

// Stats 汇总冲突处理情况。
type Stats struct {
	Conflicts  uint64
	LocalWins  uint64
	RemoteWins uint64
	Tracked    int
}

type localVersion struct {
	ev      event.SyncEvent
	pending bool
}

// Resolver 跟踪本地变更版本，检测并裁决远端事件冲突。
type Resolver struct {
	mu     sync.Mutex
	policy Policy
	local  map[string]localVersion
	bySync map[string]string
	stats  Stats
	logger *zap.Logger
}

// NewResolver 创建冲突裁决器，policy 为空时使用时间戳优先。
func NewResolver(policy Policy, logger *zap.Logger) *Resolver {
	if policy == nil {
		policy = TimestampPriority{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		policy: policy,
		local:  make(map[string]localVersion),
		bySync: make(map[string]string),
		logger: logger.Named("conflict"),
	}
}

// Policy 返回当前策略名称。
func (r *Resolver) Policy() string {
	return r.policy.Name()
}

// TrackLocal 记录一条尚未送达远端的本地变更。
func (r *Resolver) TrackLocal(ev event.SyncEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ev.EntityKey()
	if prev, ok := r.local[key]; ok {
		delete(r.bySync, prev.ev.SyncID)
	}
	r.local[key] = localVersion{ev: ev, pending: true}
	r.bySync[ev.SyncID] = key
}

// ForgetLocal 在本地变更送达（或终止）后调用：实体不再视为待发送，
// 但保留其版本时间，用于判断迟到的旧远端事件。
func (r *Resolver) ForgetLocal(syncID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.bySync[syncID]
	if !ok {
		return
	}
	delete(r.bySync, syncID)
	if v, ok := r.local[key]; ok && v.ev.SyncID == syncID {
		v.pending = false
		r.local[key] = v
	}
}

// CheckConflict 判断远端事件是否与本地待发送或更新的版本冲突，无冲突返回 nil。
func (r *Resolver) CheckConflict(remote event.SyncEvent) *Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := remote.EntityKey()
	v, ok := r.local[key]
	if !ok || v.ev.SyncID == remote.SyncID {
		return nil
	}

	var reason Reason
	switch {
	case v.pending:
		reason = ReasonPendingLocal
	case v.ev.Timestamp.After(remote.Timestamp):
		reason = ReasonNewerLocal
	default:
		return nil
	}

	return &Conflict{
		EntityKey:  key,
		Local:      v.ev,
		Remote:     remote,
		Reason:     reason,
		DetectedAt: time.Now().UTC(),
	}
}

// Resolve 按策略裁决冲突，返回胜出的事件。
func (r *Resolver) Resolve(c Conflict) Resolution {
	winner := r.policy.Choose(c.Local, c.Remote)
	resolved := c.Remote
	if winner == event.SourceLocal {
		resolved = c.Local
	}

	r.mu.Lock()
	r.stats.Conflicts++
	if winner == event.SourceLocal {
		r.stats.LocalWins++
	} else {
		r.stats.RemoteWins++
	}
	r.mu.Unlock()

	r.logger.Info("冲突已裁决",
		zap.String("entity", c.EntityKey),
		zap.String("reason", string(c.Reason)),
		zap.String("policy", r.policy.Name()),
		zap.String("winner", string(winner)),
		zap.Time("local_ts", c.Local.Timestamp),
		zap.Time("remote_ts", c.Remote.Timestamp),
	)

	return Resolution{
		Resolved: resolved,
		Winner:   winner,
		Policy:   r.policy.Name(),
		Reason:   c.Reason,
	}
}

// ResolveStale 处理远端以版本过期拒绝本地写入的情况：远端已有更新的版本但内容未知，
// 按一条时间稍晚于本地事件的远端事件裁决。
func (r *Resolver) ResolveStale(local event.SyncEvent) event.Source {
	newer := event.SyncEvent{
		Type:      local.Type,
		Entity:    local.Entity,
		Data:      local.Data,
		Timestamp: local.Timestamp.Add(time.Nanosecond),
		Source:    event.SourceRemote,
	}
	return r.Resolve(Conflict{
		EntityKey:  local.EntityKey(),
		Local:      local,
		Remote:     newer,
		Reason:     ReasonStaleWrite,
		DetectedAt: time.Now().UTC(),
	}).Winner
}

// Stats 返回统计快照。
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Tracked = len(r.local)
	return s
}
