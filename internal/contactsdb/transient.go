package contactsdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// transientSchema is the overlay table, created in a named, cache-shared
// in-memory database that every in-process connection attaches to, so
// presence updates made by one goroutine are visible to reads from another
// without touching disk (spec §4.C). The name is fixed per-store rather than
// per-process: multiple Store instances opened against different database
// files in the same process would otherwise collide on one shared memory
// database, so newTransientStore derives it from the target database path.
const transientSchema = `
CREATE TABLE IF NOT EXISTS TransientPresence (
	contactId     INTEGER PRIMARY KEY,
	isOnline      INTEGER NOT NULL DEFAULT 0,
	presenceState TEXT,
	nickname      TEXT,
	customMessage TEXT,
	lastModified  INTEGER NOT NULL
);
`

// transientStore is the overlay database backing the presence/activity
// fields that are never persisted to the durable database (spec §4.C):
// writes to it are visible immediately but vanish on process restart.
type transientStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// transientPresenceRow is one contact's full overlay content: the fields a
// GlobalPresence detail carries (spec §4.C) plus the rollup online flag and
// the timestamp that feeds the ChangeLog filter.
type transientPresenceRow struct {
	Online        bool
	PresenceState string
	Nickname      string
	CustomMessage string
	LastModified  int64
}

func newTransientStore(ctx context.Context, dbPath string, logger *slog.Logger) (*transientStore, error) {
	dsn := fmt.Sprintf("file:contactsdb-transient-%s?mode=memory&cache=shared", hashPath(dbPath))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("contactsdb: open transient store: %w", err)
	}

	// A shared in-memory database is only kept alive while at least one
	// connection is open; pin exactly one so sql.DB's idle-connection
	// reaping never drops the data between calls.
	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, transientSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("contactsdb: init transient schema: %w", err)
	}

	return &transientStore{db: db, logger: logger}, nil
}

// setPresence records contactID's full GlobalPresence content without
// touching the durable database. modifiedUnix feeds read_contacts'
// ChangeLog filter for presence-only changes (spec §4.C, §4.H).
func (ts *transientStore) setPresence(ctx context.Context, contactID int64, online bool, presenceState, nickname, customMessage string, modifiedUnix int64) error {
	_, err := ts.db.ExecContext(ctx, `
		INSERT INTO TransientPresence (contactId, isOnline, presenceState, nickname, customMessage, lastModified)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(contactId) DO UPDATE SET
			isOnline = excluded.isOnline,
			presenceState = excluded.presenceState,
			nickname = excluded.nickname,
			customMessage = excluded.customMessage,
			lastModified = excluded.lastModified
	`, contactID, boolToInt(online), presenceState, nickname, customMessage, modifiedUnix)
	if err != nil {
		return fmt.Errorf("contactsdb: set presence for contact %d: %w", contactID, err)
	}

	return nil
}

// presence returns the overlay's online flag for contactID, defaulting to
// false when no transient row exists.
func (ts *transientStore) presence(ctx context.Context, contactID int64) (online bool, lastModified int64, err error) {
	var onlineInt int

	row := ts.db.QueryRowContext(ctx, `SELECT isOnline, lastModified FROM TransientPresence WHERE contactId = ?`, contactID)
	if scanErr := row.Scan(&onlineInt, &lastModified); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return false, 0, nil
		}

		return false, 0, fmt.Errorf("contactsdb: read presence for contact %d: %w", contactID, scanErr)
	}

	return onlineInt != 0, lastModified, nil
}

// presenceMap loads the full overlay in one query, used by the Reader to
// populate IsOnline across a batch without one round trip per contact.
func (ts *transientStore) presenceMap(ctx context.Context) (map[int64]bool, error) {
	rows, err := ts.db.QueryContext(ctx, `SELECT contactId, isOnline FROM TransientPresence`)
	if err != nil {
		return nil, fmt.Errorf("contactsdb: load presence overlay: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]bool)

	for rows.Next() {
		var id int64
		var onlineInt int

		if err := rows.Scan(&id, &onlineInt); err != nil {
			return nil, fmt.Errorf("contactsdb: scan presence overlay row: %w", err)
		}

		out[id] = onlineInt != 0
	}

	return out, rows.Err()
}

// presenceRows loads the full overlay in one query, used by the Reader to
// substitute a synthesized GlobalPresence detail for the durable row when
// an overlay entry exists (spec §4.C, §4.E).
func (ts *transientStore) presenceRows(ctx context.Context) (map[int64]transientPresenceRow, error) {
	rows, err := ts.db.QueryContext(ctx, `SELECT contactId, isOnline, presenceState, nickname, customMessage, lastModified FROM TransientPresence`)
	if err != nil {
		return nil, fmt.Errorf("contactsdb: load presence overlay: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]transientPresenceRow)

	for rows.Next() {
		var (
			id            int64
			onlineInt     int
			presenceState sql.NullString
			nickname      sql.NullString
			customMsg     sql.NullString
			lastModified  int64
		)

		if err := rows.Scan(&id, &onlineInt, &presenceState, &nickname, &customMsg, &lastModified); err != nil {
			return nil, fmt.Errorf("contactsdb: scan presence overlay row: %w", err)
		}

		out[id] = transientPresenceRow{
			Online:        onlineInt != 0,
			PresenceState: presenceState.String,
			Nickname:      nickname.String,
			CustomMessage: customMsg.String,
			LastModified:  lastModified,
		}
	}

	return out, rows.Err()
}

// clearPresence removes contactID's overlay row, used when a contact is
// deleted so stale presence rows never accumulate.
func (ts *transientStore) clearPresence(ctx context.Context, contactID int64) error {
	if _, err := ts.db.ExecContext(ctx, `DELETE FROM TransientPresence WHERE contactId = ?`, contactID); err != nil {
		return fmt.Errorf("contactsdb: clear presence for contact %d: %w", contactID, err)
	}

	return nil
}

func (ts *transientStore) Close() error {
	return ts.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
