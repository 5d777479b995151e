package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"hedge-core/internal/config"
)

func TestNewMemory_Migrate(t *testing.T) {
	s, err := NewMemory()
	require.NoError(t, err)
	defer s.Close()

	err = s.Migrate(context.Background(), "test",
		`CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT NOT NULL);`,
	)
	require.NoError(t, err)

	_, err = s.DB().Exec(`INSERT INTO kv (k, v) VALUES ('a', '1')`)
	require.NoError(t, err)

	var v string
	require.NoError(t, s.DB().QueryRow(`SELECT v FROM kv WHERE k = 'a'`).Scan(&v))
	require.Equal(t, "1", v)
}

func TestNewSQLite_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "core.db")
	s, err := NewSQLite(config.DatabaseConfig{Path: path, MaxOpenConns: 2, MaxIdleConns: 1})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.FileExists(t, path)
}

func TestMigrate_ReportsComponent(t *testing.T) {
	s, err := NewMemory()
	require.NoError(t, err)
	defer s.Close()

	err = s.Migrate(context.Background(), "monitor", `CREATE TABLE broken (`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "monitor:")
}

func TestMigrate_SkipsAppliedStatements(t *testing.T) {
	s, err := NewMemory()
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	create := `CREATE TABLE items (id TEXT PRIMARY KEY);`
	require.NoError(t, s.Migrate(ctx, "items", create))

	// 非幂等的建表语句再次出现也不会重复执行
	require.NoError(t, s.Migrate(ctx, "items", create, `ALTER TABLE items ADD COLUMN name TEXT;`))

	v, err := s.SchemaVersion(ctx, "items")
	require.NoError(t, err)
	require.Equal(t, 2, v)

	_, err = s.DB().Exec(`INSERT INTO items (id, name) VALUES ('x', 'y')`)
	require.NoError(t, err)

	v, err = s.SchemaVersion(ctx, "unknown")
	require.NoError(t, err)
	require.Zero(t, v)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s, err := NewMemory()
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx, "kv", `CREATE TABLE kv (k TEXT PRIMARY KEY);`))

	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO kv (k) VALUES ('a')`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n))
	require.Zero(t, n)
}
