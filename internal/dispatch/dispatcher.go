package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"hedge-core/internal/event"
)

// Wildcard 订阅全部事件的通道键。
const Wildcard = "*"

// Handler 处理一条已裁决的同步事件，返回的错误只会被记录。
type Handler func(event.SyncEvent) error

// Stats 分发器统计。
type Stats struct {
	Handlers        int
	Dispatched      uint64
	Deliveries      uint64
	HandlerFailures uint64
}

type subscription struct {
	id      uint64
	handler Handler
}

// Dispatcher 进程内发布订阅中心。
// 键为 "{entity}:{type}"，另支持 "{entity}:*"、"*:{type}" 与 "*"。
type Dispatcher struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64

	dispatched atomic.Uint64
	deliveries atomic.Uint64
	failures   atomic.Uint64

	logger *zap.Logger
}

// New 创建分发器。
func New(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subs:   make(map[string][]subscription),
		logger: logger.Named("dispatch"),
	}
}

// Subscribe 在指定键上注册处理器，返回取消订阅函数（可重复调用）。
func (d *Dispatcher) Subscribe(key string, handler Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs[key] = append(d.subs[key], subscription{id: id, handler: handler})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(key, id) })
	}
}

// SubscribeToEntity 订阅某实体的全部操作。
func (d *Dispatcher) SubscribeToEntity(entity event.Entity, handler Handler) func() {
	return d.Subscribe(string(entity)+":*", handler)
}

// SubscribeToOperationType 订阅某操作类型的全部实体。
func (d *Dispatcher) SubscribeToOperationType(typ event.Type, handler Handler) func() {
	return d.Subscribe("*:"+string(typ), handler)
}

// SubscribeToAll 订阅全部事件。
func (d *Dispatcher) SubscribeToAll(handler Handler) func() {
	return d.Subscribe(Wildcard, handler)
}

// Dispatch 同步调用所有匹配的处理器。单个处理器出错或 panic 不影响其他处理器。
func (d *Dispatcher) Dispatch(ev event.SyncEvent) {
	d.dispatched.Add(1)

	keys := [...]string{
		ev.ChannelKey(),
		string(ev.Entity) + ":*",
		"*:" + string(ev.Type),
		Wildcard,
	}

	d.mu.RLock()
	var targets []subscription
	for _, key := range keys {
		targets = append(targets, d.subs[key]...)
	}
	d.mu.RUnlock()

	for _, sub := range targets {
		d.deliveries.Add(1)
		if err := d.invokeSafe(sub.handler, ev); err != nil {
			d.failures.Add(1)
			d.logger.Warn("事件处理器执行失败",
				zap.String("channel", ev.ChannelKey()),
				zap.String("sync_id", ev.SyncID),
				zap.Error(err),
			)
		}
	}
}

// Stats 返回统计快照。
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	handlers := 0
	for _, subs := range d.subs {
		handlers += len(subs)
	}
	d.mu.RUnlock()

	return Stats{
		Handlers:        handlers,
		Dispatched:      d.dispatched.Load(),
		Deliveries:      d.deliveries.Load(),
		HandlerFailures: d.failures.Load(),
	}
}

func (d *Dispatcher) invokeSafe(handler Handler, ev event.SyncEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: handler panic: %v", r)
		}
	}()
	return handler(ev)
}

func (d *Dispatcher) remove(key string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.subs[key]
	for i, sub := range subs {
		if sub.id == id {
			d.subs[key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(d.subs[key]) == 0 {
		delete(d.subs, key)
	}
}
