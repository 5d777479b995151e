package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"hedge-core/internal/event"
	"hedge-core/internal/position"
	"hedge-core/internal/store"
)

const entityAccount = "account"

const remoteSchema = `
CREATE TABLE IF NOT EXISTS remote_entities (
	entity TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	version INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	sync_id TEXT,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (entity, entity_id)
);
`

// SQLiteBackend 以本地 SQLite 表模拟远端，写入后向进程内订阅者推送变更。
type SQLiteBackend struct {
	db     *sql.DB
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[string]map[uint64]Handler
	nextID uint64
}

// NewSQLiteBackend 创建本地远端实现并初始化表结构。
func NewSQLiteBackend(ctx context.Context, st *store.Store, logger *zap.Logger) (*SQLiteBackend, error) {
	if st == nil {
		return nil, fmt.Errorf("remote: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := st.Migrate(ctx, "remote", remoteSchema); err != nil {
		return nil, err
	}
	return &SQLiteBackend{
		db:     st.DB(),
		logger: logger.Named("remote"),
		subs:   make(map[string]map[uint64]Handler),
	}, nil
}

// Ping 检查数据库可用性。
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// ListPositions 返回全部未删除的持仓。
func (b *SQLiteBackend) ListPositions(ctx context.Context) ([]position.Position, error) {
	var out []position.Position
	err := b.list(ctx, string(event.EntityPosition), func(raw []byte) error {
		var p position.Position
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// ListStrategies 返回全部未删除的策略。
func (b *SQLiteBackend) ListStrategies(ctx context.Context) ([]event.StrategyData, error) {
	var out []event.StrategyData
	err := b.list(ctx, string(event.EntityStrategy), func(raw []byte) error {
		var s event.StrategyData
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

// ListActions 返回全部未删除的策略动作。
func (b *SQLiteBackend) ListActions(ctx context.Context) ([]event.ActionData, error) {
	var out []event.ActionData
	err := b.list(ctx, string(event.EntityAction), func(raw []byte) error {
		var a event.ActionData
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

// ListAccounts 返回账户快照。
func (b *SQLiteBackend) ListAccounts(ctx context.Context) ([]position.AccountBalance, error) {
	var out []position.AccountBalance
	err := b.list(ctx, entityAccount, func(raw []byte) error {
		var a position.AccountBalance
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

// PutAccount 写入账户快照，账户不属于同步实体，不产生推送。
func (b *SQLiteBackend) PutAccount(ctx context.Context, account position.AccountBalance) error {
	if account.AccountID == "" {
		return fmt.Errorf("remote: accountId 不能为空")
	}
	payload, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("remote: 序列化账户失败: %w", err)
	}
	ts := account.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = b.db.ExecContext(ctx, `
INSERT INTO remote_entities (entity, entity_id, payload, version, deleted, sync_id, updated_at)
VALUES (?, ?, ?, ?, 0, NULL, ?)
ON CONFLICT(entity, entity_id) DO UPDATE SET payload = excluded.payload, version = excluded.version,
	deleted = 0, updated_at = excluded.updated_at`,
		entityAccount, account.AccountID, string(payload), ts.UnixNano(), ts.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("remote: 写入账户失败: %w", err)
	}
	return nil
}

// Mutate 按版本写入实体。版本早于已有记录时返回 ErrStaleVersion。
func (b *SQLiteBackend) Mutate(ctx context.Context, ev event.SyncEvent) error {
	raw, err := ev.ToRaw()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(raw["data"])
	if err != nil {
		return fmt.Errorf("remote: 序列化负载失败: %w", err)
	}

	err = store.WithTx(ctx, b.db, func(tx *sql.Tx) error {
		var current int64
		scanErr := tx.QueryRowContext(ctx,
			`SELECT version FROM remote_entities WHERE entity = ? AND entity_id = ?`,
			string(ev.Entity), ev.EntityID(),
		).Scan(&current)
		switch {
		case scanErr == nil:
			if current > ev.Timestamp.UnixNano() {
				return fmt.Errorf("%w: %s", ErrStaleVersion, ev.EntityKey())
			}
		case errors.Is(scanErr, sql.ErrNoRows):
		default:
			return fmt.Errorf("remote: 查询版本失败: %w", scanErr)
		}

		deleted := 0
		if ev.Type == event.TypeDelete {
			deleted = 1
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO remote_entities (entity, entity_id, payload, version, deleted, sync_id, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(entity, entity_id) DO UPDATE SET payload = excluded.payload, version = excluded.version,
	deleted = excluded.deleted, sync_id = excluded.sync_id, updated_at = excluded.updated_at`,
			string(ev.Entity), ev.EntityID(), string(payload), ev.Timestamp.UnixNano(), deleted, ev.SyncID,
			time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("remote: 写入实体失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	raw["source"] = string(event.SourceRemote)
	b.notify(ev.Entity, ev.Type, raw)
	return nil
}

// Subscribe 注册推送处理器，ctx 结束时自动取消。
func (b *SQLiteBackend) Subscribe(ctx context.Context, entity event.Entity, op event.Type, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("remote: handler 不能为空")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	key := event.ChannelKey(entity, op)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[key] == nil {
		b.subs[key] = make(map[uint64]Handler)
	}
	b.subs[key][id] = handler
	b.mu.Unlock()

	sub := &subscription{backend: b, key: key, id: id}
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return sub, nil
}

// Subscribers 返回某通道当前订阅数。
func (b *SQLiteBackend) Subscribers(entity event.Entity, op event.Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event.ChannelKey(entity, op)])
}

func (b *SQLiteBackend) notify(entity event.Entity, op event.Type, raw event.RawEvent) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[event.ChannelKey(entity, op)]))
	for _, h := range b.subs[event.ChannelKey(entity, op)] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(copyRaw(raw))
	}
}

func (b *SQLiteBackend) list(ctx context.Context, entity string, decode func([]byte) error) error {
	rows, err := b.db.QueryContext(ctx,
		`SELECT entity_id, payload FROM remote_entities WHERE entity = ? AND deleted = 0 ORDER BY entity_id`,
		entity,
	)
	if err != nil {
		return fmt.Errorf("remote: 查询 %s 失败: %w", entity, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return fmt.Errorf("remote: 解析 %s 失败: %w", entity, err)
		}
		if err := decode([]byte(payload)); err != nil {
			b.logger.Warn("远端记录解码失败，已跳过",
				zap.String("entity", entity),
				zap.String("id", id),
				zap.Error(err),
			)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("remote: 读取 %s 失败: %w", entity, err)
	}
	return nil
}

type subscription struct {
	backend *SQLiteBackend
	key     string
	id      uint64
	once    sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.backend.mu.Lock()
		defer s.backend.mu.Unlock()
		delete(s.backend.subs[s.key], s.id)
		if len(s.backend.subs[s.key]) == 0 {
			delete(s.backend.subs, s.key)
		}
	})
}

func copyRaw(raw event.RawEvent) event.RawEvent {
	out := make(event.RawEvent, len(raw))
	for k, v := range raw {
		if m, ok := v.(map[string]interface{}); ok {
			inner := make(map[string]interface{}, len(m))
			for ik, iv := range m {
				inner[ik] = iv
			}
			out[k] = inner
			continue
		}
		out[k] = v
	}
	return out
}
