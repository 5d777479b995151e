package syncmgr

import (
	"context"
	"sync"

	"hedge-core/internal/event"
	"hedge-core/internal/position"
	"hedge-core/internal/remote"
)

type fakeBackend struct {
	mu         sync.Mutex
	pingErr    error
	mutateErrs []error
	mutated    []event.SyncEvent
	handlers   map[string]map[int]remote.Handler
	nextID     int
	positions  []position.Position
	strategies []event.StrategyData
	actions    []event.ActionData
	accounts   []position.AccountBalance
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{handlers: make(map[string]map[int]remote.Handler)}
}

func (f *fakeBackend) setPingErr(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

func (f *fakeBackend) failNext(errs ...error) {
	f.mu.Lock()
	f.mutateErrs = append(f.mutateErrs, errs...)
	f.mu.Unlock()
}

func (f *fakeBackend) mutations() []event.SyncEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.SyncEvent(nil), f.mutated...)
}

func (f *fakeBackend) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

func (f *fakeBackend) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeBackend) ListPositions(context.Context) ([]position.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
}

func (f *fakeBackend) ListStrategies(context.Context) ([]event.StrategyData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.strategies, nil
}

func (f *fakeBackend) ListActions(context.Context) ([]event.ActionData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.actions, nil
}

func (f *fakeBackend) ListAccounts(context.Context) ([]position.AccountBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts, nil
}

func (f *fakeBackend) Mutate(_ context.Context, ev event.SyncEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.mutateErrs) > 0 {
		err := f.mutateErrs[0]
		f.mutateErrs = f.mutateErrs[1:]
		return err
	}
	f.mutated = append(f.mutated, ev)
	return nil
}

func (f *fakeBackend) Subscribe(_ context.Context, entity event.Entity, op event.Type, h remote.Handler) (remote.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pingErr != nil {
		return nil, f.pingErr
	}
	key := event.ChannelKey(entity, op)
	if f.handlers[key] == nil {
		f.handlers[key] = make(map[int]remote.Handler)
	}
	f.nextID++
	id := f.nextID
	f.handlers[key][id] = h
	return fakeSub(func() {
		f.mu.Lock()
		delete(f.handlers[key], id)
		f.mu.Unlock()
	}), nil
}

func (f *fakeBackend) push(raw event.RawEvent) {
	key := event.ChannelKey(event.Entity(raw["entity"].(string)), event.Type(raw["type"].(string)))
	f.mu.Lock()
	hs := make([]remote.Handler, 0, len(f.handlers[key]))
	for _, h := range f.handlers[key] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

type fakeSub func()

func (s fakeSub) Unsubscribe() { s() }
