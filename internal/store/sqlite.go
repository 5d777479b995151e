package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"

	"hedge-core/internal/config"
)

const versionsSchema = `CREATE TABLE IF NOT EXISTS schema_versions (
	component TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	applied_at TEXT NOT NULL
);`

// Store 持有唯一的 SQLite 连接池。监控事件、风控日志与本地远端表共用同一个库，
// 各组件通过 Migrate 以组件名登记自己的表结构版本。
type Store struct {
	db *sql.DB
}

// NewSQLite 根据配置打开数据库；InMemory 时忽略 Path。
func NewSQLite(cfg config.DatabaseConfig) (*Store, error) {
	path := cfg.Path
	if cfg.InMemory {
		path = ":memory:"
		// :memory: 的每个连接都是独立库
		cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime = 1, 1, 0
	} else if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn(path, !cfg.InMemory))
	if err != nil {
		return nil, fmt.Errorf("store: 打开数据库失败: %w", err)
	}
	db.SetMaxOpenConns(max(cfg.MaxOpenConns, 1))
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &Store{db: db}
	if err := s.Migrate(context.Background(), "store", versionsSchema); err != nil {
		return nil, multierr.Append(err, db.Close())
	}
	return s, nil
}

// NewMemory 创建内存数据库，供测试使用。
func NewMemory() (*Store, error) {
	return NewSQLite(config.DatabaseConfig{InMemory: true})
}

func dsn(path string, wal bool) string {
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	if wal {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return path + "?" + q.Encode()
}

// DB 返回底层连接池。
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate 以组件为单位执行建表语句。已登记版本之前的语句跳过，
// 因此语句只能追加，不能调整顺序。
func (s *Store) Migrate(ctx context.Context, component string, stmts ...string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		applied := 0
		if component != "store" {
			err := tx.QueryRowContext(ctx,
				`SELECT version FROM schema_versions WHERE component = ?`, component,
			).Scan(&applied)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%s: 读取表结构版本失败: %w", component, err)
			}
		}
		if applied >= len(stmts) {
			return nil
		}

		for _, stmt := range stmts[applied:] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%s: 初始化表结构失败: %w", component, err)
			}
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO schema_versions (component, version, applied_at) VALUES (?, ?, ?)
ON CONFLICT(component) DO UPDATE SET version = excluded.version, applied_at = excluded.applied_at`,
			component, len(stmts), time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("%s: 登记表结构版本失败: %w", component, err)
		}
		return nil
	})
}

// SchemaVersion 返回组件已登记的语句数，未登记时为 0。
func (s *Store) SchemaVersion(ctx context.Context, component string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM schema_versions WHERE component = ?`, component,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: 读取表结构版本失败: %w", err)
	}
	return v, nil
}

// WithTx 在事务中执行 fn，fn 返回错误时回滚并原样返回该错误。
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return WithTx(ctx, s.db, fn)
}

// WithTx 为只持有 *sql.DB 的组件提供同样的事务封装。
func WithTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, ignoreDone(tx.Rollback()))
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: 提交事务失败: %w", err)
	}
	return nil
}

func ignoreDone(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// Close 关闭连接池。
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: 创建目录 %q 失败: %w", dir, err)
	}
	return nil
}
