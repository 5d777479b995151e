package trailing

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"hedge-core/internal/config"
	"hedge-core/internal/event"
	"hedge-core/internal/position"
)

const (
	defaultPointValue = 0.0001
	jpyPointValue     = 0.01
	defaultStaleAfter = 24 * time.Hour
)

// State 为单个持仓的追踪止损状态。
type State struct {
	PositionID      string             `json:"positionId"`
	StrategyID      string             `json:"strategyId,omitempty"`
	Symbol          string             `json:"symbol"`
	Direction       position.Direction `json:"direction"`
	CurrentStopLoss float64            `json:"currentStopLoss"`
	HighestPrice    float64            `json:"highestPrice"`
	LowestPrice     float64            `json:"lowestPrice"`
	TrailWidth      float64            `json:"trailWidth"`
	LastUpdateTime  time.Time          `json:"lastUpdateTime"`
}

// Update 描述一次止损收紧。
type Update struct {
	PositionID string             `json:"positionId"`
	Symbol     string             `json:"symbol"`
	Direction  position.Direction `json:"direction"`
	StopLoss   float64            `json:"stopLoss"`
	Previous   float64            `json:"previous"`
	Price      float64            `json:"price"`
	At         time.Time          `json:"at"`
}

// IssueKind 标记校验问题类型。
type IssueKind string

const (
	IssueStale   IssueKind = "stale"
	IssueInvalid IssueKind = "invalid"
)

// Issue 为校验发现的问题，仅上报，不自动修正。
type Issue struct {
	PositionID string    `json:"positionId"`
	Kind       IssueKind `json:"kind"`
	Detail     string    `json:"detail"`
}

// Stats 追踪止损统计。
type Stats struct {
	ActiveTrails      int     `json:"activeTrails"`
	AverageTrailWidth float64 `json:"averageTrailWidth"`
}

// StopSink 接收止损变化，由调用方转发给终端桥接与同步管理器。
type StopSink func(Update)

type trail struct {
	positionID string
	strategyID string
	symbol     string
	direction  position.Direction
	width      decimal.Decimal
	point      decimal.Decimal
	stop       decimal.Decimal
	hasStop    bool
	highest    decimal.Decimal
	lowest     decimal.Decimal
	hasExtreme bool
	lastUpdate time.Time
}

// Engine 依据价格推送维护每个持仓的追踪止损，止损只收紧不放宽。
type Engine struct {
	mu     sync.RWMutex
	cfg    config.TrailingConfig
	trails map[string]*trail
	sink   StopSink
	logger *zap.Logger
}

// NewEngine 创建追踪止损引擎。
func NewEngine(cfg config.TrailingConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	return &Engine{
		cfg:    cfg,
		trails: make(map[string]*trail),
		logger: logger.Named("trailing"),
	}
}

// SetSink 设置止损变化的接收方。
func (e *Engine) SetSink(sink StopSink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

// PointValue 返回品种的最小价格单位：配置优先，其次 JPY 报价与黄金为 0.01，其余 0.0001。
func (e *Engine) PointValue(symbol string) float64 {
	upper := strings.ToUpper(strings.TrimSpace(symbol))
	for key, v := range e.cfg.PointValues {
		if strings.EqualFold(key, upper) && v > 0 {
			return v
		}
	}
	switch {
	case strings.Contains(upper, "JPY"), strings.HasPrefix(upper, "XAU"):
		return jpyPointValue
	default:
		return defaultPointValue
	}
}

// Open 为带追踪宽度的持仓建立状态；已存在时只更新宽度并吸收更紧的止损。
func (e *Engine) Open(p position.Position) (State, bool) {
	if p.TrailWidth <= 0 || p.Status == position.StatusClosed || p.PositionID == "" {
		return State{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.trails[p.PositionID]
	if !ok {
		t = &trail{
			positionID: p.PositionID,
			strategyID: p.StrategyID,
			symbol:     strings.ToUpper(p.Symbol),
			direction:  p.Direction,
			point:      decimal.NewFromFloat(e.PointValue(p.Symbol)),
			lastUpdate: time.Now().UTC(),
		}
		if t.direction == "" {
			t.direction = position.DirectionLong
		}
		if p.EntryPrice > 0 {
			entry := decimal.NewFromFloat(p.EntryPrice)
			t.highest, t.lowest, t.hasExtreme = entry, entry, true
		}
		e.trails[p.PositionID] = t
		e.logger.Info("追踪止损已建立",
			zap.String("position_id", p.PositionID),
			zap.String("symbol", t.symbol),
			zap.Float64("trail_width", p.TrailWidth),
		)
	}
	t.width = decimal.NewFromFloat(p.TrailWidth)
	if p.StopLoss > 0 {
		t.tighten(decimal.NewFromFloat(p.StopLoss))
	}
	return t.state(), true
}

// Close 移除持仓的追踪状态。
func (e *Engine) Close(positionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.trails[positionID]; !ok {
		return false
	}
	delete(e.trails, positionID)
	e.logger.Info("追踪止损已移除", zap.String("position_id", positionID))
	return true
}

// Get 返回持仓的追踪状态。
func (e *Engine) Get(positionID string) (State, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.trails[positionID]
	if !ok {
		return State{}, false
	}
	return t.state(), true
}

// Snapshot 返回全部追踪状态，按持仓 ID 排序。
func (e *Engine) Snapshot() []State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]State, 0, len(e.trails))
	for _, t := range e.trails {
		out = append(out, t.state())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// OnTick 处理单个持仓的价格推送，仅在止损变化时返回新止损与 true。
func (e *Engine) OnTick(positionID string, price float64, at time.Time) (float64, bool) {
	e.mu.Lock()
	t, ok := e.trails[positionID]
	var (
		upd     Update
		changed bool
	)
	if ok {
		upd, changed = t.tick(price, at)
	}
	sink := e.sink
	e.mu.Unlock()

	if !changed {
		return 0, false
	}
	e.publish(sink, []Update{upd})
	return upd.StopLoss, true
}

// OnSymbolTick 将品种价格推送给该品种下全部持仓，返回发生变化的止损。
func (e *Engine) OnSymbolTick(symbol string, price float64, at time.Time) []Update {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	e.mu.Lock()
	var updates []Update
	for _, t := range e.trails {
		if t.symbol != symbol {
			continue
		}
		if upd, changed := t.tick(price, at); changed {
			updates = append(updates, upd)
		}
	}
	sink := e.sink
	e.mu.Unlock()

	sort.Slice(updates, func(i, j int) bool { return updates[i].PositionID < updates[j].PositionID })
	e.publish(sink, updates)
	return updates
}

// SetStrategyTrailWidth 将策略的新追踪宽度应用到其名下全部持仓。
func (e *Engine) SetStrategyTrailWidth(strategyID string, width float64) int {
	if width <= 0 || strategyID == "" {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.trails {
		if t.strategyID == strategyID {
			t.width = decimal.NewFromFloat(width)
			n++
		}
	}
	return n
}

// HandleEvent 供事件分发器调用：持仓开启时建立追踪，关闭或删除时移除。
func (e *Engine) HandleEvent(ev event.SyncEvent) error {
	switch data := ev.Data.(type) {
	case event.PositionData:
		p := data.Position
		if ev.Type == event.TypeDelete || p.Status == position.StatusClosed {
			e.Close(p.PositionID)
			return nil
		}
		if p.TrailWidth <= 0 {
			e.Close(p.PositionID)
			return nil
		}
		if _, ok := e.Open(p); !ok {
			return fmt.Errorf("trailing: 无法为持仓 %s 建立追踪", p.PositionID)
		}
	case event.StrategyData:
		if ev.Type != event.TypeDelete {
			e.SetStrategyTrailWidth(data.StrategyID, data.TrailWidth)
		}
	}
	return nil
}

// Stats 返回统计信息。
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.trails) == 0 {
		return Stats{}
	}
	sum := decimal.Zero
	for _, t := range e.trails {
		sum = sum.Add(t.width)
	}
	avg, _ := sum.Div(decimal.NewFromInt(int64(len(e.trails)))).Float64()
	return Stats{ActiveTrails: len(e.trails), AverageTrailWidth: avg}
}

// Validate 找出长时间未更新或结构非法的追踪状态。
func (e *Engine) Validate(now time.Time) []Issue {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var issues []Issue
	for _, t := range e.trails {
		if !t.width.IsPositive() {
			issues = append(issues, Issue{PositionID: t.positionID, Kind: IssueInvalid, Detail: "trail width must be positive"})
		}
		if t.stop.IsNegative() || t.highest.IsNegative() || t.lowest.IsNegative() {
			issues = append(issues, Issue{PositionID: t.positionID, Kind: IssueInvalid, Detail: "negative price in trailing state"})
		}
		if age := now.Sub(t.lastUpdate); age > e.cfg.StaleAfter {
			issues = append(issues, Issue{
				PositionID: t.positionID,
				Kind:       IssueStale,
				Detail:     fmt.Sprintf("no update for %s", age.Truncate(time.Minute)),
			})
		}
	}
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].PositionID == issues[j].PositionID {
			return issues[i].Kind < issues[j].Kind
		}
		return issues[i].PositionID < issues[j].PositionID
	})
	return issues
}

func (e *Engine) publish(sink StopSink, updates []Update) {
	for _, upd := range updates {
		e.logger.Debug("追踪止损收紧",
			zap.String("position_id", upd.PositionID),
			zap.Float64("price", upd.Price),
			zap.Float64("previous", upd.Previous),
			zap.Float64("stop_loss", upd.StopLoss),
		)
		if sink != nil {
			sink(upd)
		}
	}
}

func (t *trail) tick(price float64, at time.Time) (Update, bool) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return Update{}, false
	}
	if at.After(t.lastUpdate) {
		t.lastUpdate = at
	}

	p := decimal.NewFromFloat(price)
	offset := t.width.Mul(t.point)
	previous, _ := t.stop.Float64()

	var candidate decimal.Decimal
	switch t.direction {
	case position.DirectionShort:
		if t.hasExtreme && !p.LessThan(t.lowest) {
			return Update{}, false
		}
		t.lowest, t.hasExtreme = p, true
		if t.highest.IsZero() {
			t.highest = p
		}
		candidate = p.Add(offset)
	default:
		if t.hasExtreme && !p.GreaterThan(t.highest) {
			return Update{}, false
		}
		t.highest, t.hasExtreme = p, true
		if t.lowest.IsZero() {
			t.lowest = p
		}
		candidate = p.Sub(offset)
	}

	if !t.tighten(candidate) {
		return Update{}, false
	}
	stop, _ := t.stop.Float64()
	return Update{
		PositionID: t.positionID,
		Symbol:     t.symbol,
		Direction:  t.direction,
		StopLoss:   stop,
		Previous:   previous,
		Price:      price,
		At:         at,
	}, true
}

// tighten 仅在候选止损更靠近市场时采用。
func (t *trail) tighten(candidate decimal.Decimal) bool {
	if t.hasStop {
		if t.direction == position.DirectionShort && !candidate.LessThan(t.stop) {
			return false
		}
		if t.direction != position.DirectionShort && !candidate.GreaterThan(t.stop) {
			return false
		}
	}
	t.stop, t.hasStop = candidate, true
	return true
}

func (t *trail) state() State {
	stop, _ := t.stop.Float64()
	high, _ := t.highest.Float64()
	low, _ := t.lowest.Float64()
	width, _ := t.width.Float64()
	return State{
		PositionID:      t.positionID,
		StrategyID:      t.strategyID,
		Symbol:          t.symbol,
		Direction:       t.direction,
		CurrentStopLoss: stop,
		HighestPrice:    high,
		LowestPrice:     low,
		TrailWidth:      width,
		LastUpdateTime:  t.lastUpdate,
	}
}
