package contactsdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// Store is the top-level handle wiring every component of spec §2: schema,
// process mutex, transient overlay, filter compiler, reader, writer,
// aggregator, sync reconciler and OOB store all operate against one Store.
type Store struct {
	db        *sql.DB
	transient *transientStore
	mutex     *ProcessMutex
	filters   *FilterCompiler
	notifier  *notificationAccumulator
	labels    *displayLabelRegistry

	logger *slog.Logger

	batchSize     int
	locale        string
	aggregation   bool
	oobThresholdB int
}

// Options configures Open; all fields have defaults matching config.DefaultConfig.
type Options struct {
	DatabasePath       string
	BatchSize          int
	MaxBoundParameters int
	Locale             string
	AggregationEnabled bool
	OOBCompressionThresholdBytes int
	PluginPaths        []string
	Logger             *slog.Logger
}

// Open prepares the process mutex, runs pending migrations (every opener
// does), attaches the transient overlay, and returns a ready
// Store (spec §4.A, §4.B, §5 "Resource lifecycle").
func Open(ctx context.Context, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pm, err := newProcessMutex(opts.DatabasePath)
	if err != nil {
		return nil, err
	}

	// Slot 0 / slot 1 bookkeeping (spec §4.A): the first process to attach
	// is responsible for running migrations. We approximate "observe slot 1
	// == 0" with a best-effort non-blocking TryLock probe; every opener
	// still attempts migrations, but runMigrations (goose's Up) is
	// idempotent so a second opener racing in is harmless.
	locked, err := pm.TryLock()
	if err != nil {
		return nil, err
	}

	if locked {
		defer pm.Unlock()
	}

	db, err := openDatabase(ctx, opts.DatabasePath, logger)
	if err != nil {
		pm.Close()
		return nil, err
	}

	ts, err := newTransientStore(ctx, opts.DatabasePath, logger)
	if err != nil {
		db.Close()
		pm.Close()
		return nil, err
	}

	maxBound := opts.MaxBoundParameters
	if maxBound <= 0 {
		maxBound = defaultMaxInlineBoundParameters
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	locale := opts.Locale
	if locale == "" {
		locale = "C"
	}

	s := &Store{
		db:            db,
		transient:     ts,
		mutex:         pm,
		filters:       newFilterCompiler(maxBound),
		notifier:      newNotificationAccumulator(),
		labels:        newDisplayLabelRegistry(opts.PluginPaths, logger),
		logger:        logger,
		batchSize:     batchSize,
		locale:        locale,
		aggregation:   opts.AggregationEnabled,
		oobThresholdB: opts.OOBCompressionThresholdBytes,
	}

	return s, nil
}

// Close runs PRAGMA optimize, detaches the transient store and releases the
// process mutex (spec §5 "Resource lifecycle"). Safe to call once.
func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA optimize"); err != nil {
		s.logger.Warn("pragma optimize failed", slog.Any("error", err))
	}

	var firstErr error

	if err := s.labels.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := s.transient.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := s.mutex.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// refreshTransientTempTables empties and repopulates the two overlay temp
// tables from the current transient snapshot (spec §4.C). Called once per
// read operation that a compiled filter/sort marked as needing overlay
// data.
func (s *Store) refreshTransientTempTables(ctx context.Context, tx *sql.Tx, needsTimestamp, needsPresence bool) error {
	if !needsTimestamp && !needsPresence {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS Timestamps (contactId INTEGER PRIMARY KEY, modified INTEGER)`); err != nil {
		return fmt.Errorf("contactsdb: create temp Timestamps: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS GlobalPresenceStates (contactId INTEGER PRIMARY KEY, presence_state INTEGER, isOnline INTEGER)`); err != nil {
		return fmt.Errorf("contactsdb: create temp GlobalPresenceStates: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM temp.Timestamps`); err != nil {
		return fmt.Errorf("contactsdb: clear temp Timestamps: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM temp.GlobalPresenceStates`); err != nil {
		return fmt.Errorf("contactsdb: clear temp GlobalPresenceStates: %w", err)
	}

	presence, err := s.transient.presenceMap(ctx)
	if err != nil {
		return err
	}

	stmtTS, err := tx.PrepareContext(ctx, `INSERT INTO temp.Timestamps (contactId, modified) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("contactsdb: prepare temp Timestamps insert: %w", err)
	}
	defer stmtTS.Close()

	stmtPresence, err := tx.PrepareContext(ctx, `INSERT INTO temp.GlobalPresenceStates (contactId, presence_state, isOnline) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("contactsdb: prepare temp GlobalPresenceStates insert: %w", err)
	}
	defer stmtPresence.Close()

	for contactID, online := range presence {
		_, lastModified, err := s.transient.presence(ctx, contactID)
		if err != nil {
			return err
		}

		if needsTimestamp && lastModified > 0 {
			if _, err := stmtTS.ExecContext(ctx, contactID, lastModified); err != nil {
				return fmt.Errorf("contactsdb: populate temp Timestamps: %w", err)
			}
		}

		if needsPresence {
			if _, err := stmtPresence.ExecContext(ctx, contactID, boolToInt(online), boolToInt(online)); err != nil {
				return fmt.Errorf("contactsdb: populate temp GlobalPresenceStates: %w", err)
			}
		}
	}

	return nil
}

// createTempIDTable materialises a spilled Id filter's id list
// into a temp table, matching FilterCompiler's tempTableSpec naming (spec
// §4.D boundary behaviour, §8 scenario 4).
func (s *Store) createTempIDTable(ctx context.Context, tx *sql.Tx, spec tempTableSpec) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TEMP TABLE %s (contactId INTEGER PRIMARY KEY)`, spec.Name)); err != nil {
		return fmt.Errorf("contactsdb: create temp id table %s: %w", spec.Name, err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO temp.%s (contactId) VALUES (?)`, spec.Name))
	if err != nil {
		return fmt.Errorf("contactsdb: prepare temp id table insert %s: %w", spec.Name, err)
	}
	defer stmt.Close()

	for _, id := range spec.IDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("contactsdb: populate temp id table %s: %w", spec.Name, err)
		}
	}

	return nil
}
