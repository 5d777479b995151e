package syncmgr

import (
	"sort"
	"sync"
	"time"

	"hedge-core/internal/event"
	"hedge-core/internal/position"
)

// Cache 为本地只读模型，仅由同步事件写入，其余组件读取副本。
type Cache struct {
	mu         sync.RWMutex
	positions  map[string]position.Position
	strategies map[string]event.StrategyData
	actions    map[string]event.ActionData
	accounts   map[string]position.AccountBalance
	versions   map[string]time.Time
}

// NewCache 创建空缓存。
func NewCache() *Cache {
	return &Cache{
		positions:  make(map[string]position.Position),
		strategies: make(map[string]event.StrategyData),
		actions:    make(map[string]event.ActionData),
		accounts:   make(map[string]position.AccountBalance),
		versions:   make(map[string]time.Time),
	}
}

// Apply 应用事件。早于已缓存版本的事件不会覆盖，返回 false。
func (c *Cache) Apply(ev event.SyncEvent) bool {
	return c.apply(ev, false)
}

// Override 无视版本顺序写入冲突裁决的胜出事件，缓存版本取两者较晚者。
func (c *Cache) Override(ev event.SyncEvent) {
	c.apply(ev, true)
}

func (c *Cache) apply(ev event.SyncEvent, force bool) bool {
	key := ev.EntityKey()

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.versions[key]
	switch {
	case ok && ev.Timestamp.Before(prev) && !force:
		return false
	case !ok || ev.Timestamp.After(prev):
		c.versions[key] = ev.Timestamp
	}

	id := ev.EntityID()
	if ev.Type == event.TypeDelete {
		switch ev.Entity {
		case event.EntityPosition:
			delete(c.positions, id)
		case event.EntityStrategy:
			delete(c.strategies, id)
		case event.EntityAction:
			delete(c.actions, id)
		}
		return true
	}

	switch data := ev.Data.(type) {
	case event.PositionData:
		c.positions[id] = data.Position
	case event.StrategyData:
		c.strategies[id] = data
	case event.ActionData:
		c.actions[id] = data
	}
	return true
}

// SetAccount 写入账户快照，较旧的快照被忽略。
func (c *Cache) SetAccount(account position.AccountBalance) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.accounts[account.AccountID]; ok && account.Timestamp.Before(prev.Timestamp) {
		return false
	}
	c.accounts[account.AccountID] = account.Clone()
	return true
}

// Position 按 ID 读取持仓。
func (c *Cache) Position(id string) (position.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.positions[id]
	return p, ok
}

// Positions 返回全部持仓，按 ID 排序。
func (c *Cache) Positions() []position.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]position.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// Strategy 按 ID 读取策略。
func (c *Cache) Strategy(id string) (event.StrategyData, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.strategies[id]
	return s, ok
}

// Strategies 返回全部策略。
func (c *Cache) Strategies() []event.StrategyData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]event.StrategyData, 0, len(c.strategies))
	for _, s := range c.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}

// Actions 返回全部策略动作。
func (c *Cache) Actions() []event.ActionData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]event.ActionData, 0, len(c.actions))
	for _, a := range c.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionID < out[j].ActionID })
	return out
}

// Accounts 返回账户快照副本，键为账户 ID。
func (c *Cache) Accounts() map[string]position.AccountBalance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]position.AccountBalance, len(c.accounts))
	for id, a := range c.accounts {
		out[id] = a.Clone()
	}
	return out
}
