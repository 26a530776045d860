package contactsdb

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestStore opens a fresh Store backed by a temp-dir database file, with
// logging discarded. Every contactsdb _test.go file uses this instead of
// repeating Open boilerplate.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "contacts.db")

	s, err := Open(ctx, Options{
		DatabasePath:       dbPath,
		AggregationEnabled: true,
		Locale:             "C",
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

// newLocalContact builds a minimal, valid Local-collection contact with a
// Name detail, ready to pass to SaveContacts.
func newLocalContact(first, last string) *Contact {
	return &Contact{
		CollectionID: LocalCollectionID,
		Type:         "person",
		Details: []*Detail{
			{Kind: KindName, Fields: map[string]any{"FirstName": first, "LastName": last}},
		},
	}
}
