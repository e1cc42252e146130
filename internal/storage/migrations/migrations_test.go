package migrations

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var exampleMigration = Migration{
	Version:     1,
	Description: "Add example test table",
	Up: `
		CREATE TABLE IF NOT EXISTS test_table (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_test_name ON test_table(name);
	`,
	Down: `DROP TABLE IF EXISTS test_table`,
}

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteMigrations(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	manager := NewManager(exampleMigration)

	applied, err := manager.ApplySQLite(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	version, err := SQLiteVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	_, err = db.Exec("INSERT INTO test_table (id, name) VALUES (1, 'test')")
	require.NoError(t, err)

	applied, err = manager.ApplySQLite(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, applied, "second apply is a no-op")

	require.NoError(t, manager.RollbackSQLite(ctx, db))
	version, err = SQLiteVersion(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, version)

	_, err = db.Exec("INSERT INTO test_table (id, name) VALUES (2, 'test')")
	assert.Error(t, err, "test table should have been dropped")

	assert.ErrorContains(t, manager.RollbackSQLite(ctx, db), "no migrations")
}

func TestSQLiteMigrationFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	manager := NewManager(exampleMigration, Migration{Version: 2, Description: "broken", Up: "CREATE TABLEX nope"})

	applied, err := manager.ApplySQLite(ctx, db)
	require.Error(t, err)
	assert.Equal(t, 1, applied)

	version, err := SQLiteVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestApplySQLiteVersionTableError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_version").WillReturnError(errors.New("disk full"))

	_, err = NewManager(exampleMigration).ApplySQLite(context.Background(), db)
	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationOrdering(t *testing.T) {
	manager := NewManager()
	manager.Register(Migration{Version: 3, Description: "Third"})
	manager.Register(Migration{Version: 1, Description: "First"})
	manager.Register(Migration{Version: 2, Description: "Second"})

	require.Len(t, manager.migrations, 3)
	for i, m := range manager.migrations {
		assert.Equal(t, i+1, m.Version)
	}
	assert.Equal(t, 3, manager.Latest())
	assert.Zero(t, NewManager().Latest())
}
