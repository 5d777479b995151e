package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"hedge-core/internal/bridge"
	"hedge-core/internal/config"
	"hedge-core/internal/conflict"
	"hedge-core/internal/dispatch"
	"hedge-core/internal/event"
	"hedge-core/internal/execution"
	"hedge-core/internal/monitor"
	"hedge-core/internal/position"
	"hedge-core/internal/remote"
	"hedge-core/internal/risk"
	"hedge-core/internal/store"
	"hedge-core/internal/syncmgr"
	"hedge-core/internal/trailing"
)

// orchestrator 持有全部组件，并负责组件之间的事件转发。
type orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger

	backend    *remote.SQLiteBackend
	dispatcher *dispatch.Dispatcher
	sync       *syncmgr.Manager
	trailing   *trailing.Engine
	activity   *risk.ActivityLog
	checker    *risk.SafetyChecker
	engine     *execution.Engine
	bridge     *bridge.Server
	monitor    *monitor.Service
	metrics    *monitor.Metrics
	recorder   *monitor.Recorder

	unsubscribe []func()

	mu        sync.RWMutex
	positions map[string]position.Position
}

func newOrchestrator(ctx context.Context, cfg *config.Config, logger *zap.Logger, st *store.Store) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &orchestrator{
		cfg:       cfg,
		logger:    logger,
		positions: make(map[string]position.Position),
	}

	var err error
	if o.backend, err = remote.NewSQLiteBackend(ctx, st, logger); err != nil {
		return nil, fmt.Errorf("初始化远端存储失败: %w", err)
	}

	policy, err := conflict.PolicyByName(cfg.Sync.ConflictPolicy)
	if err != nil {
		return nil, err
	}
	resolver := conflict.NewResolver(policy, logger)
	o.dispatcher = dispatch.New(logger)

	if o.sync, err = syncmgr.NewManager(cfg.Sync, o.backend, resolver, o.dispatcher, logger); err != nil {
		return nil, fmt.Errorf("初始化同步管理器失败: %w", err)
	}

	o.trailing = trailing.NewEngine(cfg.Trailing, logger)

	if o.activity, err = risk.NewActivityLog(ctx, st, logger); err != nil {
		return nil, fmt.Errorf("初始化风险日志失败: %w", err)
	}
	o.checker = risk.NewSafetyChecker(cfg.Risk, o.activity, logger)

	o.bridge = bridge.NewServer(cfg.Bridge, bridge.HandlerFunc(o.handleBridge), logger)

	o.engine, err = execution.NewEngine(cfg.Execution, o.checker, bridge.NewStepRunner(o.bridge, logger), o.sync.Cache().Accounts, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化执行引擎失败: %w", err)
	}
	o.engine.SetActivityLog(o.activity)

	if o.monitor, err = monitor.NewService(ctx, st, logger); err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}
	o.metrics = monitor.NewMetrics(monitor.Sources{
		SyncStatus:    o.sync.Status,
		DispatchStats: o.dispatcher.Stats,
		TrailingStats: o.trailing.Stats,
	})
	o.recorder = monitor.NewRecorder(o.monitor, o.metrics)

	o.wire()
	return o, nil
}

func (o *orchestrator) wire() {
	o.sync.SetObserver(o.recorder)

	o.unsubscribe = append(o.unsubscribe,
		o.dispatcher.SubscribeToEntity(event.EntityPosition, o.trailing.HandleEvent),
		o.dispatcher.SubscribeToEntity(event.EntityStrategy, o.trailing.HandleEvent),
	)

	o.trailing.SetSink(o.onStopUpdate)

	o.engine.AddListener(o.recorder.ExecutionListener())
	o.engine.AddListener(func(ev execution.Event) {
		if ev.Kind != execution.EventEmergencyStop {
			return
		}
		sent := o.bridge.Broadcast(bridge.Command{Type: bridge.CommandEmergencyStop, Reason: ev.Message})
		o.logger.Warn("紧急停止已广播至终端", zap.Int("clients", sent))
	})
}

// handleBridge 把终端消息转为本地同步事件、账户快照与行情 tick。
func (o *orchestrator) handleBridge(ctx context.Context, msg bridge.Message) {
	switch msg.Type {
	case bridge.MessagePositionUpdate:
		o.applyBrokerPosition(*msg.Position)
	case bridge.MessageAccountInfo:
		acc := *msg.Account
		o.sync.RecordAccount(acc)
		if err := o.backend.PutAccount(ctx, acc); err != nil {
			o.logger.Warn("持久化账户快照失败", zap.String("account_id", acc.AccountID), zap.Error(err))
		}
	case bridge.MessageMarketData:
		o.trailing.OnSymbolTick(msg.Market.Symbol, msg.Market.Price(), msg.Market.Timestamp)
	case bridge.MessageConnectionStatus:
		o.recorder.BridgeStatus(msg)
	case bridge.MessageError:
		o.logger.Warn("终端上报错误", zap.String("client_id", msg.ClientID), zap.String("error", msg.Error))
	}
}

func (o *orchestrator) applyBrokerPosition(p position.Position) {
	if p.TrailWidth <= 0 && p.StrategyID != "" {
		if s, ok := o.sync.Cache().Strategy(p.StrategyID); ok {
			p.TrailWidth = s.TrailWidth
		}
	}

	o.mu.Lock()
	_, known := o.positions[p.PositionID]
	if p.IsOpen() {
		o.positions[p.PositionID] = p
	} else {
		delete(o.positions, p.PositionID)
	}
	o.mu.Unlock()
	if !known {
		_, known = o.sync.Cache().Position(p.PositionID)
	}

	if p.IsOpen() {
		o.trailing.Open(p)
	} else {
		o.trailing.Close(p.PositionID)
	}

	typ := event.TypeCreate
	if known {
		typ = event.TypeUpdate
	}
	if err := o.sync.RecordLocal(typ, event.PositionData{Position: p}); err != nil {
		o.logger.Warn("终端持仓变更未通过校验", zap.String("position_id", p.PositionID), zap.Error(err))
	}
}

// onStopUpdate 将收紧的止损下发终端，并作为本地变更同步到远端。
func (o *orchestrator) onStopUpdate(u trailing.Update) {
	o.recorder.TrailingUpdate(u)

	o.mu.Lock()
	p, ok := o.positions[u.PositionID]
	if ok {
		p.StopLoss = u.StopLoss
		o.positions[u.PositionID] = p
	}
	o.mu.Unlock()
	if !ok {
		if p, ok = o.sync.Cache().Position(u.PositionID); !ok {
			o.logger.Warn("止损更新找不到持仓", zap.String("position_id", u.PositionID))
			return
		}
		p.StopLoss = u.StopLoss
	}

	if p.AccountID != "" {
		err := o.bridge.Send(p.AccountID, bridge.Command{
			Type:       bridge.CommandSetTrail,
			PositionID: p.PositionID,
			Symbol:     p.Symbol,
			Direction:  p.Direction,
			StopLoss:   u.StopLoss,
			TrailWidth: p.TrailWidth,
		})
		if err != nil {
			o.logger.Warn("下发追踪止损失败", zap.String("position_id", p.PositionID), zap.Error(err))
		}
	}

	if err := o.sync.RecordLocal(event.TypeUpdate, event.PositionData{Position: p}); err != nil {
		o.logger.Warn("止损变更同步失败", zap.String("position_id", p.PositionID), zap.Error(err))
	}
}

func (o *orchestrator) validateTrails(now time.Time) int {
	issues := o.trailing.Validate(now)
	if len(issues) > 0 {
		o.recorder.TrailingIssues(issues)
		o.logger.Warn("追踪止损校验发现问题", zap.Int("issues", len(issues)))
	}
	return len(issues)
}

// housekeepingLoop 定期校验追踪止损并清理过期监控事件。
func (o *orchestrator) housekeepingLoop(ctx context.Context) {
	interval := o.cfg.Trailing.ValidationInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			now = now.UTC()
			o.validateTrails(now)
			o.pruneEvents(ctx, now)
		}
	}
}

func (o *orchestrator) pruneEvents(ctx context.Context, now time.Time) {
	if o.cfg.Monitor.Retention <= 0 {
		return
	}
	if _, err := o.monitor.Prune(ctx, now.Add(-o.cfg.Monitor.Retention)); err != nil {
		o.logger.Warn("清理监控事件失败", zap.Error(err))
	}
}

func (o *orchestrator) executePlanFile(ctx context.Context, path string) {
	plan, err := LoadPlan(path)
	if err != nil {
		o.logger.Error("加载再平衡计划失败", zap.String("path", path), zap.Error(err))
		return
	}
	report, err := o.engine.Execute(ctx, plan)
	if err != nil {
		o.logger.Error("再平衡计划未完成",
			zap.String("plan_id", plan.ID),
			zap.String("status", string(report.Status)),
			zap.Error(err),
		)
		return
	}
	o.logger.Info("再平衡计划已完成",
		zap.String("plan_id", plan.ID),
		zap.String("run_id", report.RunID),
		zap.Int("steps", len(report.Steps)),
	)
}

func (o *orchestrator) close() {
	for _, unsub := range o.unsubscribe {
		unsub()
	}
	o.unsubscribe = nil
}
