package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"hedge-core/internal/event"
)

var (
	// ErrNotFound 表示 syncId 不在待发送或发送中的集合内。
	ErrNotFound = errors.New("queue: sync event not found")
)

const defaultLedgerSize = 1000

// Item 为队列中的一条待同步事件。
type Item struct {
	Event      event.SyncEvent
	RetryCount int
	EnqueuedAt time.Time
	NotBefore  time.Time
	LastError  string
}

// LedgerEntry 记录已完成或最终失败的事件，用于诊断。
type LedgerEntry struct {
	SyncID     string    `json:"syncId"`
	EntityKey  string    `json:"entityKey"`
	Type       string    `json:"type"`
	RetryCount int       `json:"retryCount"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Metrics 统计队列吞吐。
type Metrics struct {
	Enqueued  uint64
	Duplicate uint64
	Completed uint64
	Failed     uint64
	Requeued   uint64
	Superseded uint64
}

// Queue 为本地到远端的有序待同步队列，按入队顺序 FIFO，不按实体去重。
type Queue struct {
	mu        sync.Mutex
	pending   []*Item
	inflight  map[string]*Item
	known     map[string]struct{}
	completed *ledger
	failed    *ledger
	metrics   Metrics
	now       func() time.Time
}

// New 创建队列，ledgerSize 控制完成/失败台账容量。
func New(ledgerSize int) *Queue {
	if ledgerSize <= 0 {
		ledgerSize = defaultLedgerSize
	}
	return &Queue{
		inflight:  make(map[string]*Item),
		known:     make(map[string]struct{}),
		completed: newLedger(ledgerSize),
		failed:    newLedger(ledgerSize),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue 追加事件；若同一 syncId 正在排队或已完成则忽略并返回 false。
func (q *Queue) Enqueue(ev event.SyncEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.known[ev.SyncID]; ok || q.completed.contains(ev.SyncID) {
		q.metrics.Duplicate++
		return false
	}

	q.pending = append(q.pending, &Item{Event: ev, EnqueuedAt: q.now()})
	q.known[ev.SyncID] = struct{}{}
	q.metrics.Enqueued++
	return true
}

// Dequeue 按顺序取出最多 maxBatch 条已到达重试时间的事件，转入发送中状态。
func (q *Queue) Dequeue(maxBatch int) []Item {
	if maxBatch <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	out := make([]Item, 0, maxBatch)
	remaining := q.pending[:0]
	for _, item := range q.pending {
		if len(out) < maxBatch && !item.NotBefore.After(now) {
			q.inflight[item.Event.SyncID] = item
			out = append(out, *item)
			continue
		}
		remaining = append(remaining, item)
	}
	// 清理尾部引用
	for i := len(remaining); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = remaining
	return out
}

// Requeue 将发送失败的事件放回队尾，并设置下一次可发送的时间。
func (q *Queue) Requeue(syncID string, retryCount int, notBefore time.Time, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.inflight[syncID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, syncID)
	}
	delete(q.inflight, syncID)

	item.RetryCount = retryCount
	item.NotBefore = notBefore
	if cause != nil {
		item.LastError = cause.Error()
	}
	q.pending = append(q.pending, item)
	q.metrics.Requeued++
	return nil
}

// MarkAsCompleted 标记事件已成功写入远端。
func (q *Queue) MarkAsCompleted(syncID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.takeLocked(syncID)
	if err != nil {
		return err
	}
	q.completed.add(entryFor(item, q.now(), ""))
	q.metrics.Completed++
	return nil
}

// MarkAsError 标记事件最终失败，移出重试流程。
func (q *Queue) MarkAsError(syncID string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.takeLocked(syncID)
	if err != nil {
		return err
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	q.failed.add(entryFor(item, q.now(), msg))
	q.metrics.Failed++
	return nil
}

// Supersede 移除某实体所有排队中的事件，不计入失败台账，返回被移除的 syncId。
// 发送中的事件不受影响，由发送结果决定去向。
func (q *Queue) Supersede(entityKey string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped []string
	remaining := q.pending[:0]
	for _, item := range q.pending {
		if item.Event.EntityKey() == entityKey {
			delete(q.known, item.Event.SyncID)
			dropped = append(dropped, item.Event.SyncID)
			continue
		}
		remaining = append(remaining, item)
	}
	for i := len(remaining); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = remaining
	q.metrics.Superseded += uint64(len(dropped))
	return dropped
}

// Drop 移除一条排队中或发送中的事件，不计入失败台账。
func (q *Queue) Drop(syncID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.takeLocked(syncID); err != nil {
		return err
	}
	q.metrics.Superseded++
	return nil
}

// Restamp 修改排队中或发送中事件的时间戳，返回修改后的事件。
func (q *Queue) Restamp(syncID string, ts time.Time) (event.SyncEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.inflight[syncID]
	if !ok {
		for _, p := range q.pending {
			if p.Event.SyncID == syncID {
				item = p
				break
			}
		}
	}
	if item == nil {
		return event.SyncEvent{}, fmt.Errorf("%w: %s", ErrNotFound, syncID)
	}
	item.Event.Timestamp = ts
	return item.Event, nil
}

// PendingCount 返回尚未完成的事件数（排队中 + 发送中）。
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inflight)
}

// IsCompleted 判断 syncId 是否已在完成台账中。
func (q *Queue) IsCompleted(syncID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed.contains(syncID)
}

// HasPending 判断某实体是否存在未完成的本地变更。
func (q *Queue) HasPending(entityKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.pending {
		if item.Event.EntityKey() == entityKey {
			return true
		}
	}
	for _, item := range q.inflight {
		if item.Event.EntityKey() == entityKey {
			return true
		}
	}
	return false
}

// Completed 返回完成台账副本，按时间先后排列。
func (q *Queue) Completed() []LedgerEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed.snapshot()
}

// Errors 返回失败台账副本。
func (q *Queue) Errors() []LedgerEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed.snapshot()
}

// Metrics 返回统计快照。
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.metrics
}

func (q *Queue) takeLocked(syncID string) (*Item, error) {
	if item, ok := q.inflight[syncID]; ok {
		delete(q.inflight, syncID)
		delete(q.known, syncID)
		return item, nil
	}
	for i, item := range q.pending {
		if item.Event.SyncID == syncID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			delete(q.known, syncID)
			return item, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, syncID)
}

func entryFor(item *Item, at time.Time, errMsg string) LedgerEntry {
	return LedgerEntry{
		SyncID:     item.Event.SyncID,
		EntityKey:  item.Event.EntityKey(),
		Type:       string(item.Event.Type),
		RetryCount: item.RetryCount,
		Error:      errMsg,
		At:         at,
	}
}
