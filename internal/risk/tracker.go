package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hedge-core/internal/store"
)

// Activity 为风险日志中的一条记录。
type Activity struct {
	OccurredAt  time.Time `json:"occurredAt"`
	EventType   string    `json:"eventType"`
	Message     string    `json:"message"`
	Details     string    `json:"details,omitempty"`
	TradingDate string    `json:"tradingDate"`
}

// ActivityLog 持久化安全检查发现与紧急停止等风控事件。
type ActivityLog struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewActivityLog 创建风险日志并初始化表结构。
func NewActivityLog(ctx context.Context, st *store.Store, logger *zap.Logger) (*ActivityLog, error) {
	if st == nil {
		return nil, errors.New("risk: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	err := st.Migrate(ctx, "risk",
		`CREATE TABLE IF NOT EXISTS risk_activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			trading_date TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_activity_date ON risk_activity_log(trading_date);`,
	)
	if err != nil {
		return nil, err
	}

	return &ActivityLog{db: st.DB(), logger: logger}, nil
}

// LogEvent 记录风控事件。
func (l *ActivityLog) LogEvent(ctx context.Context, eventType, message, details string) error {
	if eventType == "" {
		return errors.New("risk: eventType 不能为空")
	}

	now := time.Now().UTC()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?)`,
		now.Format(time.RFC3339Nano), eventType, message, details, tradingDay(now),
	)
	if err != nil {
		return fmt.Errorf("risk: 写入风险事件日志失败: %w", err)
	}
	return nil
}

// Recent 返回最近的风险日志，按时间倒序。
func (l *ActivityLog) Recent(ctx context.Context, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT occurred_at, event_type, message, COALESCE(details, ''), COALESCE(trading_date, '')
		 FROM risk_activity_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("risk: 查询风险日志失败: %w", err)
	}
	defer rows.Close()

	out := make([]Activity, 0, limit)
	for rows.Next() {
		var (
			a        Activity
			occurred string
		)
		if err := rows.Scan(&occurred, &a.EventType, &a.Message, &a.Details, &a.TradingDate); err != nil {
			return nil, fmt.Errorf("risk: 解析风险日志失败: %w", err)
		}
		a.OccurredAt, _ = time.Parse(time.RFC3339Nano, occurred)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("risk: 读取风险日志失败: %w", err)
	}
	return out, nil
}

func tradingDay(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}
