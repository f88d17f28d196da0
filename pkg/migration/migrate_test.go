package migration

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestRun はマイグレーションの適用順序と冪等性を検証する。
func TestRun(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/000002_add_column.up.sql":     {Data: []byte("ALTER TABLE items ADD COLUMN note TEXT;")},
		"sql/000001_create_items.up.sql":   {Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY);")},
		"sql/000001_create_items.down.sql": {Data: []byte("DROP TABLE items;")},
		"sql/README.md":                    {Data: []byte("ignored")},
	}

	t.Run("バージョン順に適用されること", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		require.NoError(t, Run(context.Background(), db, fsys, "sql"))

		_, err := db.Exec("INSERT INTO items (id, note) VALUES (1, 'ok')")
		require.NoError(t, err)

		var n int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
		assert.Equal(t, 2, n)
	})

	t.Run("2回実行しても適用済みのものはスキップされること", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		require.NoError(t, Run(context.Background(), db, fsys, "sql"))
		require.NoError(t, Run(context.Background(), db, fsys, "sql"))
	})

	t.Run("SQLが不正な場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		broken := fstest.MapFS{
			"sql/000001_broken.up.sql": {Data: []byte("CREATE TABLE")},
		}
		assert.Error(t, Run(context.Background(), db, broken, "sql"))

		var n int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
		assert.Zero(t, n)
	})
}
