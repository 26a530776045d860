package contactsdb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// Embed migration SQL files for schema versioning.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	walJournalSizeLimit  = 67108864 // 64 MiB WAL journal size limit
	currentSchemaVersion = 1
)

// openDatabase opens path (or ":memory:" for tests), applies pragmas and
// pending migrations, and returns the ready *sql.DB. Locale collation
// registration is attempted here; modernc.org/sqlite exposes no documented
// hook for it, so COLLATE clauses in SQL fall back to RTRIM/NOCASE. In a
// non-"C" locale, localised-field sort terms are left out of ORDER BY (see
// compileSortOrders) and no locale-aware ordering is applied to them.
func openDatabase(ctx context.Context, path string, logger *slog.Logger) (*sql.DB, error) {
	logger.Info("opening contacts database", slog.String("path", path))

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("contactsdb: open: %w", err)
	}

	if err := setPragmas(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("contacts database ready", slog.String("path", path))

	return db, nil
}

func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = NORMAL", "synchronous NORMAL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("contactsdb: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", slog.String("pragma", p.desc))
	}

	return nil
}

// newMigrationProvider builds the goose provider over the embedded
// migrations, stripping the "migrations/" prefix so goose sees files at the
// root of the FS (mirrors the sync adapter's own migration runner).
func newMigrationProvider(db *sql.DB) (*goose.Provider, error) {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("contactsdb: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return nil, fmt.Errorf("contactsdb: creating migration provider: %w", err)
	}

	return provider, nil
}

// schemaVersion returns the highest migration version goose has recorded as
// applied against db, 0 for a brand new database.
func schemaVersion(ctx context.Context, db *sql.DB) (int64, error) {
	provider, err := newMigrationProvider(db)
	if err != nil {
		return 0, err
	}

	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("contactsdb: read schema version: %w", err)
	}

	return version, nil
}

// runMigrations applies all pending schema migrations to db via goose.
// Rejects a database stamped with a version this build has no migration
// for, rather than silently treating it as already current.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}

	logger.Debug("current schema version", slog.Int64("version", current))

	if current > currentSchemaVersion {
		return fmt.Errorf("contactsdb: database schema version %d is newer than this build supports (%d)", current, currentSchemaVersion)
	}

	provider, err := newMigrationProvider(db)
	if err != nil {
		return err
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("contactsdb: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied schema migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}
