package syncmgr

import (
	"sync"
	"time"

	"hedge-core/internal/event"
)

// debouncer 按实体键合并窗口内的连续本地变更，窗口结束时只提交最后一条。
// 窗口从首条变更开始计时，不会因后续变更而延长。
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]*debounceEntry
	flush   func(event.RawEvent)
}

type debounceEntry struct {
	raw   event.RawEvent
	timer *time.Timer
}

func newDebouncer(window time.Duration, flush func(event.RawEvent)) *debouncer {
	return &debouncer{
		window:  window,
		pending: make(map[string]*debounceEntry),
		flush:   flush,
	}
}

func (d *debouncer) Add(key string, raw event.RawEvent) {
	if d.window <= 0 || key == "" {
		d.flush(raw)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.pending[key]; ok {
		entry.raw = raw
		return
	}
	d.pending[key] = &debounceEntry{
		raw:   raw,
		timer: time.AfterFunc(d.window, func() { d.fire(key) }),
	}
}

func (d *debouncer) fire(key string) {
	d.mu.Lock()
	entry, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if ok {
		d.flush(entry.raw)
	}
}

// FlushAll 立即提交所有尚在窗口内的变更。
func (d *debouncer) FlushAll() {
	d.mu.Lock()
	raws := make([]event.RawEvent, 0, len(d.pending))
	for key, entry := range d.pending {
		entry.timer.Stop()
		raws = append(raws, entry.raw)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, raw := range raws {
		d.flush(raw)
	}
}

func (d *debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// rawEntityKey 从原始事件中提取实体键，无法提取时返回空串。
func rawEntityKey(raw event.RawEvent) string {
	entity, _ := raw["entity"].(string)
	data, _ := raw["data"].(map[string]interface{})
	if entity == "" || data == nil {
		return ""
	}

	var idField string
	switch event.Entity(entity) {
	case event.EntityPosition:
		idField = "positionId"
	case event.EntityStrategy:
		idField = "strategyId"
	case event.EntityAction:
		idField = "actionId"
	default:
		return ""
	}
	id, _ := data[idField].(string)
	if id == "" {
		return ""
	}
	return event.KeyFor(event.Entity(entity), id)
}
