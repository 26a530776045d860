package contactsdb

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func TestOpenDatabase_AppliesPragmasAndMigrations(t *testing.T) {
	ctx := context.Background()

	db, err := openDatabase(ctx, ":memory:", discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	version, err := schemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(currentSchemaVersion), version)

	var foreignKeys int
	require.NoError(t, db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT count(*) FROM Contacts").Scan(&count))
}

func TestRunMigrations_IsIdempotentOnAlreadyCurrentSchema(t *testing.T) {
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, runMigrations(ctx, db, discardLogger()))
	require.NoError(t, runMigrations(ctx, db, discardLogger()))

	version, err := schemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(currentSchemaVersion), version)
}

func TestRunMigrations_RejectsNewerThanSupportedSchema(t *testing.T) {
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// Force goose's own version table into existence, then stamp a version
	// number no migration in this build provides.
	_, err = schemaVersion(ctx, db)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, "INSERT INTO goose_db_version (version_id, is_applied) VALUES (999, 1)")
	require.NoError(t, err)

	err = runMigrations(ctx, db, discardLogger())
	assert.Error(t, err)
}
