package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"hedge-core/internal/store"
)

const maxQueryLimit = 1000

// Filter 为事件检索条件，零值表示不限。
type Filter struct {
	Type  EventType
	Since time.Time
	Limit int
}

// Service 将监控事件以 JSON 行写入 monitor_events。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 初始化监控表。
func NewService(ctx context.Context, st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	err := st.Migrate(ctx, "monitor",
		`CREATE TABLE IF NOT EXISTS monitor_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_created ON monitor_events(created_at);`,
	)
	if err != nil {
		return nil, err
	}

	return &Service{
		db:     st.DB(),
		logger: logger.Named("monitor"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Record 写入单个事件，时间戳为空时取当前时间。
func (s *Service) Record(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(ev.Type), string(payload), formatTime(ts),
	); err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}
	return nil
}

// record 供回调使用，失败只记日志。
func (s *Service) record(typ EventType, payload any) {
	if err := s.Record(context.Background(), Event{Type: typ, Payload: payload}); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", string(typ)), zap.Error(err))
	}
}

// ListEvents 返回最近的事件，类型为空时不过滤。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	return s.Query(ctx, Filter{Type: eventType, Limit: limit})
}

// Query 按条件检索事件，最新的在前。Payload 以 json.RawMessage 返回。
func (s *Service) Query(ctx context.Context, f Filter) ([]Event, error) {
	limit := f.Limit
	switch {
	case limit <= 0:
		limit = 100
	case limit > maxQueryLimit:
		limit = maxQueryLimit
	}

	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	query := `SELECT event_type, payload, created_at FROM monitor_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var typ, payload, created string
		if err := rows.Scan(&typ, &payload, &created); err != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", err)
		}
		ts, _ := time.Parse(time.RFC3339Nano, created)
		events = append(events, Event{Type: EventType(typ), Timestamp: ts, Payload: json.RawMessage(payload)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}
	return events, nil
}

// Counts 统计 since 之后各类型事件数量。
func (s *Service) Counts(ctx context.Context, since time.Time) (map[EventType]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM monitor_events WHERE created_at >= ? GROUP BY event_type`,
		formatTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("monitor: 统计事件失败: %w", err)
	}
	defer rows.Close()

	out := make(map[EventType]int)
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("monitor: 解析统计失败: %w", err)
		}
		out[EventType(typ)] = n
	}
	return out, rows.Err()
}

// Prune 删除 before 之前的事件，返回删除条数。
func (s *Service) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM monitor_events WHERE created_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("monitor: 清理事件失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("monitor: 清理事件失败: %w", err)
	}
	if n > 0 {
		s.logger.Info("已清理过期监控事件", zap.Int64("deleted", n))
	}
	return n, nil
}

// 固定宽度的纳秒格式保证按字符串比较即按时间比较
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
