package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"hedge-core/internal/config"
	"hedge-core/internal/conflict"
	"hedge-core/internal/dispatch"
	"hedge-core/internal/event"
	"hedge-core/internal/position"
	"hedge-core/internal/queue"
	"hedge-core/internal/remote"
)

// State 表示与远端的连接状态。
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Status 为对外暴露的同步状态只读模型。
type Status struct {
	IsConnected          bool          `json:"isConnected"`
	State                State         `json:"state"`
	LastSyncTime         time.Time     `json:"lastSyncTime"`
	PendingChanges       int           `json:"pendingChanges"`
	ErrorCount           int           `json:"errorCount"`
	RetryCount           int           `json:"retryCount"`
	PersistentDisconnect bool          `json:"persistentDisconnect"`
	Queue                queue.Metrics `json:"queue"`
}

// Observer 接收同步过程中的关键事件，用于持久化监控与指标。
type Observer interface {
	SyncFailed(ev event.SyncEvent, attempts int, err error, terminal bool)
	ConflictResolved(c conflict.Conflict, res conflict.Resolution)
	StateChanged(from, to State)
}

type nopObserver struct{}

func (nopObserver) SyncFailed(event.SyncEvent, int, error, bool)                {}
func (nopObserver) ConflictResolved(conflict.Conflict, conflict.Resolution) {}
func (nopObserver) StateChanged(State, State)                                {}

// Manager 协调本地变更采集、队列发送、远端订阅、冲突裁决与事件分发。
type Manager struct {
	cfg        config.SyncConfig
	backend    remote.Backend
	queue      *queue.Queue
	resolver   *conflict.Resolver
	dispatcher *dispatch.Dispatcher
	cache      *Cache
	retry      RetryPolicy
	limiter    *rate.Limiter
	debounce   *debouncer
	seen       *recentIDs
	observer   Observer
	logger     *zap.Logger

	mu                   sync.Mutex
	state                State
	everConnected        bool
	persistentDisconnect bool
	lastContact          time.Time
	lastSync             time.Time
	errorCount           int
	retryCount           int
	subs                 []remote.Subscription

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager 创建同步管理器。resolver 与 dispatcher 由调用方构造并共享。
func NewManager(cfg config.SyncConfig, backend remote.Backend, resolver *conflict.Resolver, dispatcher *dispatch.Dispatcher, logger *zap.Logger) (*Manager, error) {
	if backend == nil {
		return nil, fmt.Errorf("syncmgr: backend 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = conflict.NewResolver(nil, logger)
	}
	if dispatcher == nil {
		dispatcher = dispatch.New(logger)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	m := &Manager{
		cfg:        cfg,
		backend:    backend,
		queue:      queue.New(cfg.LedgerSize),
		resolver:   resolver,
		dispatcher: dispatcher,
		cache:      NewCache(),
		retry:      NewRetryPolicy(cfg.Retry),
		limiter:    rate.NewLimiter(limit, burst),
		seen:       newRecentIDs(cfg.LedgerSize * 2),
		observer:   nopObserver{},
		logger:     logger.Named("syncmgr"),
		state:      StateDisconnected,
	}
	m.debounce = newDebouncer(cfg.DebounceWindow, m.commitLocal)
	return m, nil
}

// SetObserver 设置观察者，需在 Start 前调用。
func (m *Manager) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	m.observer = o
}

// Cache 返回本地只读模型。
func (m *Manager) Cache() *Cache { return m.cache }

// Dispatcher 返回事件分发器。
func (m *Manager) Dispatcher() *dispatch.Dispatcher { return m.dispatcher }

// Queue 返回发送队列，仅用于诊断查询。
func (m *Manager) Queue() *queue.Queue { return m.queue }

// Start 建立连接并启动发送与健康检查循环，立即返回。
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return fmt.Errorf("syncmgr: 已启动")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.loop(runCtx, m.cfg.DrainInterval, m.drain)
	}()
	go func() {
		defer m.wg.Done()
		m.reconnect(runCtx)
		m.loop(runCtx, m.cfg.HealthInterval, m.checkHealth)
	}()

	m.logger.Info("同步管理器已启动",
		zap.Duration("drain_interval", m.cfg.DrainInterval),
		zap.Int("batch_size", m.cfg.BatchSize),
		zap.String("conflict_policy", m.resolver.Policy()),
	)
	return nil
}

// Stop 停止后台循环，提交窗口内的本地变更并取消订阅。
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	m.wg.Wait()
	m.debounce.FlushAll()
	m.unsubscribeAll()
	m.setState(StateDisconnected)
	m.logger.Info("同步管理器已停止", zap.Int("pending", m.queue.PendingCount()))
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// RecordLocalChange 接收本地原始变更：校验不通过直接丢弃，通过后进入防抖窗口。
func (m *Manager) RecordLocalChange(raw event.RawEvent) error {
	if !event.IsSecure(raw) {
		m.logger.Warn("本地变更包含不安全内容，已丢弃")
		return event.ErrInsecurePayload
	}
	if res := event.ValidateWithDetails(raw); !res.IsValid {
		m.logger.Warn("本地变更校验失败，已丢弃", zap.Strings("errors", res.Errors))
		return res.Err()
	}
	m.debounce.Add(rawEntityKey(raw), raw)
	return nil
}

// RecordLocal 以强类型负载记录本地变更。
func (m *Manager) RecordLocal(typ event.Type, data event.Payload) error {
	raw, err := event.New(typ, data, event.SourceLocal).ToRaw()
	if err != nil {
		return err
	}
	return m.RecordLocalChange(raw)
}

// RecordAccount 更新账户快照。账户不经过远端同步，只进入本地只读模型。
func (m *Manager) RecordAccount(account position.AccountBalance) {
	if account.Timestamp.IsZero() {
		account.Timestamp = time.Now().UTC()
	}
	m.cache.SetAccount(account)
}

// FlushPending 立即提交防抖窗口内的变更。
func (m *Manager) FlushPending() {
	m.debounce.FlushAll()
}

func (m *Manager) commitLocal(raw event.RawEvent) {
	ev, err := event.Decode(raw)
	if err != nil {
		m.logger.Warn("本地变更解码失败，已丢弃", zap.Error(err))
		return
	}
	ev = ev.WithSource(event.SourceLocal)

	if m.seen.contains(ev.SyncID) || !m.queue.Enqueue(ev) {
		m.logger.Debug("重复的本地变更，已忽略", zap.String("sync_id", ev.SyncID))
		return
	}
	m.seen.add(ev.SyncID)
	m.resolver.TrackLocal(ev)
	m.cache.Apply(ev)
}

// drain 从队列取出一批事件推送到远端。
func (m *Manager) drain(ctx context.Context) {
	if !m.isConnected() {
		return
	}

	items := m.queue.Dequeue(m.cfg.BatchSize)
	for i, item := range items {
		if err := m.limiter.Wait(ctx); err != nil {
			// 退出时把未发送的事件放回队列
			for _, rest := range items[i:] {
				_ = m.queue.Requeue(rest.Event.SyncID, rest.RetryCount, time.Time{}, nil)
			}
			return
		}
		m.push(ctx, item)
	}
}

func (m *Manager) push(ctx context.Context, item queue.Item) {
	ev := item.Event
	err := m.backend.Mutate(ctx, ev)
	if err == nil {
		if markErr := m.queue.MarkAsCompleted(ev.SyncID); markErr != nil {
			m.logger.Warn("标记同步完成失败", zap.Error(markErr))
		}
		m.resolver.ForgetLocal(ev.SyncID)
		now := time.Now().UTC()
		m.mu.Lock()
		m.lastSync = now
		m.lastContact = now
		m.mu.Unlock()
		return
	}

	if errors.Is(err, remote.ErrStaleVersion) {
		m.settleStale(item)
		return
	}

	attempts := item.RetryCount + 1
	if m.retry.ShouldRetry(attempts, err) {
		wait := m.retry.Backoff(item.RetryCount)
		if reqErr := m.queue.Requeue(ev.SyncID, attempts, time.Now().UTC().Add(wait), err); reqErr != nil {
			m.logger.Warn("重新入队失败", zap.Error(reqErr))
		}
		m.mu.Lock()
		m.retryCount++
		m.mu.Unlock()
		m.logger.Warn("同步失败，稍后重试",
			zap.String("sync_id", ev.SyncID),
			zap.String("entity", ev.EntityKey()),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		m.observer.SyncFailed(ev, attempts, err, false)
		return
	}

	if markErr := m.queue.MarkAsError(ev.SyncID, err); markErr != nil {
		m.logger.Warn("标记同步失败出错", zap.Error(markErr))
	}
	m.resolver.ForgetLocal(ev.SyncID)
	m.mu.Lock()
	m.errorCount++
	m.mu.Unlock()
	m.logger.Error("同步最终失败，已停止重试",
		zap.String("sync_id", ev.SyncID),
		zap.String("entity", ev.EntityKey()),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	m.observer.SyncFailed(ev, attempts, err, true)
}

// settleStale 处理被远端以版本过期拒绝的本地事件。这是冲突而非同步失败，不计入错误数。
func (m *Manager) settleStale(item queue.Item) {
	ev := item.Event
	attempts := item.RetryCount + 1
	if m.resolver.ResolveStale(ev) == event.SourceLocal && attempts < m.retry.MaxAttempts {
		restamped, err := m.queue.Restamp(ev.SyncID, time.Now().UTC())
		if err == nil {
			err = m.queue.Requeue(ev.SyncID, attempts, time.Time{}, nil)
		}
		if err != nil {
			m.logger.Warn("重新入队失败", zap.String("sync_id", ev.SyncID), zap.Error(err))
			return
		}
		m.resolver.TrackLocal(restamped)
		m.cache.Apply(restamped)
		m.logger.Info("本地变更胜出，以新时间戳重新发送",
			zap.String("sync_id", ev.SyncID),
			zap.String("entity", ev.EntityKey()),
		)
		return
	}

	if err := m.queue.Drop(ev.SyncID); err != nil {
		m.logger.Warn("移除落败的本地变更失败", zap.String("sync_id", ev.SyncID), zap.Error(err))
	}
	m.resolver.ForgetLocal(ev.SyncID)
	m.logger.Info("远端版本更新，本地变更已撤下",
		zap.String("sync_id", ev.SyncID),
		zap.String("entity", ev.EntityKey()),
	)
}

// handleRemote 处理远端推送：校验、幂等检查、冲突裁决、写入缓存、分发。
func (m *Manager) handleRemote(raw event.RawEvent) {
	ev, err := event.Decode(raw)
	if err != nil {
		m.logger.Warn("远端事件校验失败，已丢弃", zap.Error(err))
		return
	}
	ev = ev.WithSource(event.SourceRemote)

	m.mu.Lock()
	m.lastContact = time.Now().UTC()
	m.mu.Unlock()

	if m.seen.contains(ev.SyncID) || m.queue.IsCompleted(ev.SyncID) {
		m.logger.Debug("重复的远端事件，已忽略", zap.String("sync_id", ev.SyncID))
		return
	}
	m.seen.add(ev.SyncID)
	m.applyRemote(ev)
}

func (m *Manager) applyRemote(ev event.SyncEvent) {
	resolved := ev
	if c := m.resolver.CheckConflict(ev); c != nil {
		res := m.resolver.Resolve(*c)
		resolved = res.Resolved
		if c.Reason == conflict.ReasonPendingLocal {
			resolved = m.settlePending(*c, res)
		}
		m.observer.ConflictResolved(*c, res)
		m.cache.Override(resolved)
		m.dispatcher.Dispatch(resolved)
		return
	}

	if !m.cache.Apply(resolved) {
		m.logger.Debug("远端事件早于本地版本，跳过",
			zap.String("entity", resolved.EntityKey()),
			zap.Time("timestamp", resolved.Timestamp),
		)
		return
	}
	m.dispatcher.Dispatch(resolved)
}

// settlePending 让发送队列与裁决结果一致。远端胜出时撤下该实体全部待发送的本地事件；
// 本地胜出但时间戳不晚于远端时，把待发送事件的时间戳推到远端之后，保证远端按版本接受。
func (m *Manager) settlePending(c conflict.Conflict, res conflict.Resolution) event.SyncEvent {
	if res.Winner == event.SourceRemote {
		dropped := m.queue.Supersede(c.EntityKey)
		m.resolver.ForgetLocal(c.Local.SyncID)
		m.logger.Debug("远端胜出，撤下本地待发送变更",
			zap.String("entity", c.EntityKey),
			zap.Strings("sync_ids", dropped),
		)
		return res.Resolved
	}

	if c.Local.Timestamp.After(c.Remote.Timestamp) {
		return res.Resolved
	}
	restamped, err := m.queue.Restamp(c.Local.SyncID, c.Remote.Timestamp.Add(time.Millisecond))
	if err != nil {
		// 已在发送中，由 settleStale 处理
		return res.Resolved
	}
	m.resolver.TrackLocal(restamped)
	return restamped
}

// ForceSyncAll 并行拉取远端全部状态，以 UPDATE 事件重放，修复订阅中断期间的遗漏。
// 仍有本地待发送变更的实体不会被覆盖。
func (m *Manager) ForceSyncAll(ctx context.Context) (int, error) {
	var (
		positions  []position.Position
		strategies []event.StrategyData
		actions    []event.ActionData
		accounts   []position.AccountBalance
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return m.retry.Do(groupCtx, func(ctx context.Context) (err error) {
			positions, err = m.backend.ListPositions(ctx)
			return err
		})
	})
	group.Go(func() error {
		return m.retry.Do(groupCtx, func(ctx context.Context) (err error) {
			strategies, err = m.backend.ListStrategies(ctx)
			return err
		})
	})
	group.Go(func() error {
		return m.retry.Do(groupCtx, func(ctx context.Context) (err error) {
			actions, err = m.backend.ListActions(ctx)
			return err
		})
	})
	group.Go(func() error {
		return m.retry.Do(groupCtx, func(ctx context.Context) (err error) {
			accounts, err = m.backend.ListAccounts(ctx)
			return err
		})
	})
	if err := group.Wait(); err != nil {
		return 0, fmt.Errorf("syncmgr: 全量同步失败: %w", err)
	}

	now := time.Now().UTC()
	payloads := make([]event.Payload, 0, len(positions)+len(strategies)+len(actions))
	for _, p := range positions {
		payloads = append(payloads, event.PositionData{Position: p})
	}
	for _, s := range strategies {
		payloads = append(payloads, s)
	}
	for _, a := range actions {
		payloads = append(payloads, a)
	}

	replayed := 0
	for _, payload := range payloads {
		ev := event.SyncEvent{
			Type:      event.TypeUpdate,
			Entity:    payload.Entity(),
			Data:      payload,
			Timestamp: now,
			Source:    event.SourceRemote,
			SyncID:    event.NewSyncID(),
		}
		if m.queue.HasPending(ev.EntityKey()) {
			continue
		}
		m.seen.add(ev.SyncID)
		m.applyRemote(ev)
		replayed++
	}
	for _, a := range accounts {
		m.RecordAccount(a)
	}

	m.mu.Lock()
	m.lastSync = now
	m.lastContact = now
	m.mu.Unlock()

	m.logger.Info("全量同步完成",
		zap.Int("replayed", replayed),
		zap.Int("accounts", len(accounts)),
	)
	return replayed, nil
}

// checkHealth 检查远端心跳，失联后转入断开状态并尝试重连。
func (m *Manager) checkHealth(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, m.pingTimeout())
	err := m.backend.Ping(pingCtx)
	cancel()

	now := time.Now().UTC()
	m.mu.Lock()
	if err == nil {
		m.lastContact = now
	}
	silent := m.cfg.HeartbeatTimeout > 0 && now.Sub(m.lastContact) > m.cfg.HeartbeatTimeout
	state := m.state
	m.mu.Unlock()

	if err == nil && !silent && state == StateConnected {
		return
	}
	if ctx.Err() != nil {
		return
	}

	if state == StateConnected {
		m.logger.Warn("远端心跳丢失，准备重新订阅", zap.Error(err), zap.Bool("silent", silent))
		m.setState(StateDisconnected)
	}
	m.reconnect(ctx)
}

// reconnect 有限次数地重新建立订阅，全部失败后标记为持续断开。
func (m *Manager) reconnect(ctx context.Context) {
	m.setState(StateConnecting)

	attempts := m.cfg.ResubscribeAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, m.retry.Backoff(attempt-1)); err != nil {
				m.setState(StateDisconnected)
				return
			}
		}

		if lastErr = m.connectOnce(ctx); lastErr == nil {
			m.mu.Lock()
			recovering := m.everConnected
			m.everConnected = true
			m.persistentDisconnect = false
			m.lastContact = time.Now().UTC()
			m.mu.Unlock()

			m.setState(StateConnected)
			if m.cfg.ForceSyncOnReconnect || !recovering {
				if _, err := m.ForceSyncAll(ctx); err != nil {
					m.logger.Warn("重连后全量同步失败", zap.Error(err))
				}
			}
			return
		}

		m.logger.Warn("订阅远端失败",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Error(lastErr),
		)
	}

	m.mu.Lock()
	m.persistentDisconnect = true
	m.mu.Unlock()
	m.setState(StateDisconnected)
	m.logger.Error("远端持续断开", zap.Error(lastErr))
}

func (m *Manager) connectOnce(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.pingTimeout())
	defer cancel()
	if err := m.backend.Ping(pingCtx); err != nil {
		return err
	}

	m.unsubscribeAll()
	subs := make([]remote.Subscription, 0, len(event.Entities)*len(event.Types))
	for _, entity := range event.Entities {
		for _, op := range event.Types {
			sub, err := m.backend.Subscribe(ctx, entity, op, m.handleRemote)
			if err != nil {
				for _, s := range subs {
					s.Unsubscribe()
				}
				return fmt.Errorf("syncmgr: 订阅 %s 失败: %w", event.ChannelKey(entity, op), err)
			}
			subs = append(subs, sub)
		}
	}

	m.mu.Lock()
	m.subs = subs
	m.mu.Unlock()
	return nil
}

func (m *Manager) unsubscribeAll() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (m *Manager) pingTimeout() time.Duration {
	if m.cfg.HealthInterval > 0 {
		return m.cfg.HealthInterval
	}
	return 5 * time.Second
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()

	if prev != next {
		m.logger.Info("连接状态变化", zap.String("from", string(prev)), zap.String("to", string(next)))
		m.observer.StateChanged(prev, next)
	}
}

func (m *Manager) isConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// Status 返回同步状态快照。
func (m *Manager) Status() Status {
	pending := m.queue.PendingCount() + m.debounce.Len()
	queueMetrics := m.queue.Metrics()

	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		IsConnected:          m.state == StateConnected,
		State:                m.state,
		LastSyncTime:         m.lastSync,
		PendingChanges:       pending,
		ErrorCount:           m.errorCount,
		RetryCount:           m.retryCount,
		PersistentDisconnect: m.persistentDisconnect,
		Queue:                queueMetrics,
	}
}
