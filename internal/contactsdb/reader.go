package contactsdb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// maxConcurrentDetailJoins bounds how many per-kind detail tables are joined
// against Contacts concurrently in loadContactsByID. Each join runs its own
// round trip against the shared *sql.Tx, so this also caps how many
// statements the driver multiplexes at once.
const maxConcurrentDetailJoins = 4

// ContactBatchFunc receives one streamed batch from ReadContacts (spec
// §4.E "Streams in batches of 50 (configurable)").
type ContactBatchFunc func(batch []*Contact) error

// ReadContacts materialises contacts matching filter in order, honouring
// hint's max count and detail-type selection, streaming batches of
// s.batchSize to onBatch (spec §4.E).
func (s *Store) ReadContacts(ctx context.Context, filter Filter, orders []SortOrder, hint FetchHint, onBatch ContactBatchFunc) error {
	ids, err := s.ReadContactIDs(ctx, filter, orders)
	if err != nil {
		return err
	}

	if hint.MaxCount > 0 && len(ids) > hint.MaxCount {
		ids = ids[:hint.MaxCount]
	}

	for start := 0; start < len(ids); start += s.batchSize {
		end := start + s.batchSize
		if end > len(ids) {
			end = len(ids)
		}

		contacts, _, err := s.readContactsByIDPreservingOrder(ctx, ids[start:end], hint, false)
		if err != nil {
			return err
		}

		if err := onBatch(contacts); err != nil {
			return err
		}
	}

	return nil
}

// ReadContactIDs returns ids only, in the compiled order.
func (s *Store) ReadContactIDs(ctx context.Context, filter Filter, orders []SortOrder) ([]int64, error) {
	cf := s.filters.Compile(filter)
	if cf.Failed {
		return nil, newErr("ReadContactIDs", Unspecified, fmt.Errorf("%s", cf.FailReason))
	}

	cs := s.filters.compileSortOrders(orders, s.locale)
	if cs.NeedsTimestamp {
		cf.NeedsTransientTimestamp = true
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, unspecified("ReadContactIDs", err)
	}
	defer tx.Rollback()

	if err := s.prepareSpills(ctx, tx, cf); err != nil {
		return nil, unspecified("ReadContactIDs", err)
	}

	if err := s.refreshTransientTempTables(ctx, tx, cf.NeedsTransientTimestamp, cf.NeedsTransientPresence); err != nil {
		return nil, unspecified("ReadContactIDs", err)
	}

	joins := s.sortJoins(orders) + " " + cf.Join

	query := fmt.Sprintf(`SELECT Contacts.contactId FROM Contacts %s WHERE %s ORDER BY %s`, joins, cf.Where, cs.OrderBy)

	rows, err := tx.QueryContext(ctx, query, cf.Bindings...)
	if err != nil {
		return nil, unspecified("ReadContactIDs", err)
	}
	defer rows.Close()

	var ids []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, unspecified("ReadContactIDs", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, unspecified("ReadContactIDs", err)
	}

	return ids, nil
}

// prepareSpills materialises every temp id table a compiled filter needed.
func (s *Store) prepareSpills(ctx context.Context, tx *sql.Tx, cf *compiledFilter) error {
	for _, spec := range cf.tempTables {
		if err := s.createTempIDTable(ctx, tx, spec); err != nil {
			return err
		}
	}

	return nil
}

// sortJoins returns the LEFT JOINs against each per-type table referenced
// by orders, aliased d_<Kind> to match sort.go's column references.
func (s *Store) sortJoins(orders []SortOrder) string {
	seen := make(map[DetailKind]bool)
	joins := ""

	for _, o := range orders {
		if seen[o.Kind] {
			continue
		}

		seen[o.Kind] = true

		desc, ok := descriptor(o.Kind)
		if !ok {
			continue
		}

		joins += fmt.Sprintf(" LEFT JOIN %s d_%s ON d_%s.contactId = Contacts.contactId", desc.Table, o.Kind, o.Kind)
	}

	return joins
}

// ReadContactsByID returns contacts in the same order as ids; a missing id
// yields an empty contact at that position and a DoesNotExist entry in the
// returned BatchErrors (spec §4.E).
func (s *Store) ReadContactsByID(ctx context.Context, ids []int64, hint FetchHint, relaxConstraints bool) ([]*Contact, BatchErrors, error) {
	return s.readContactsByIDPreservingOrder(ctx, ids, hint, relaxConstraints)
}

func (s *Store) readContactsByIDPreservingOrder(ctx context.Context, ids []int64, hint FetchHint, relaxConstraints bool) ([]*Contact, BatchErrors, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, unspecified("ReadContactsByID", err)
	}
	defer tx.Rollback()

	byID, err := s.loadContactsByID(ctx, tx, ids, hint)
	if err != nil {
		return nil, nil, unspecified("ReadContactsByID", err)
	}

	presence, err := s.transient.presenceRows(ctx)
	if err != nil {
		return nil, nil, unspecified("ReadContactsByID", err)
	}

	out := make([]*Contact, len(ids))
	errs := make(BatchErrors)

	for i, id := range ids {
		c, ok := byID[id]
		if !ok {
			out[i] = &Contact{ID: id}
			errs[i] = DoesNotExist
			continue
		}

		if row, ok := presence[id]; ok {
			c.IsOnline = row.Online
			applyPresenceOverlay(c, row)
		}

		if c.IsAggregate() && !relaxConstraints {
			applyAggregateReadOnly(c)
		}

		out[i] = c
	}

	return out, errs, nil
}

// applyPresenceOverlay substitutes row's content for c's GlobalPresence
// detail: the overlay is authoritative over whatever is durably stored for
// that kind (spec §4.C, §4.E). A contact with no durable GlobalPresence row
// gets one synthesized so overlay-only presence is still visible to readers.
func applyPresenceOverlay(c *Contact, row transientPresenceRow) {
	gp := c.DetailOfKind(KindGlobalPresence)
	if gp == nil {
		gp = &Detail{ContactID: c.ID, Kind: KindGlobalPresence, Fields: make(map[string]any)}
		c.Details = append(c.Details, gp)
	}

	gp.Fields["PresenceState"] = row.PresenceState
	gp.Fields["Nickname"] = row.Nickname
	gp.Fields["CustomMessage"] = row.CustomMessage
}

// loadContactsByID loads core rows plus requested details and relationships
// for ids, keyed by id.
func (s *Store) loadContactsByID(ctx context.Context, tx *sql.Tx, ids []int64, hint FetchHint) (map[int64]*Contact, error) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))

	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT contactId, collectionId, created, modified, deleted, type,
			has_phone_number, has_email_address, has_online_account, is_online, is_deactivated,
			change_flags, unhandled_change_flags
		FROM Contacts WHERE contactId IN (%s)
	`, joinPlaceholders(placeholders))

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]*Contact, len(ids))

	for rows.Next() {
		c := &Contact{}

		var (
			created, modified int64
			deleted           sql.NullInt64
		)

		if err := rows.Scan(&c.ID, &c.CollectionID, &created, &modified, &deleted, &c.Type,
			&c.HasPhoneNumber, &c.HasEmailAddress, &c.HasOnlineAccount, &c.IsOnline, &c.IsDeactivated,
			&c.ChangeFlags, &c.UnhandledChangeFlags); err != nil {
			return nil, err
		}

		c.Created = time.Unix(created, 0).UTC()
		c.Modified = time.Unix(modified, 0).UTC()

		if deleted.Valid {
			t := time.Unix(deleted.Int64, 0).UTC()
			c.Deleted = &t
		}

		out[c.ID] = c
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	kinds := hint.DetailTypes
	if len(kinds) == 0 {
		kinds = SupportedKinds()
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(maxConcurrentDetailJoins)

	var detailsMu sync.Mutex

	for _, kind := range kinds {
		kind := kind

		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}

		g.Go(func() error {
			defer sem.Release(1)
			return s.loadDetailsOfKind(gctx, tx, kind, out, hint.KeepChangeFlags, &detailsMu)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := s.loadRelationships(ctx, tx, out); err != nil {
		return nil, err
	}

	return out, nil
}

func joinPlaceholders(p []string) string {
	out := ""
	for i, v := range p {
		if i > 0 {
			out += ", "
		}
		out += v
	}

	return out
}

// loadDetailsOfKind joins Details against kind's per-type table for every
// contact present in byID, skipping deleted details unless keepChangeFlags
// (spec §4.E).
func (s *Store) loadDetailsOfKind(ctx context.Context, tx *sql.Tx, kind DetailKind, byID map[int64]*Contact, keepChangeFlags bool, mu *sync.Mutex) error {
	desc, ok := descriptor(kind)
	if !ok {
		return nil
	}

	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))

	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	cols := "Details.detailId, Details.contactId, Details.detailUri, Details.linkedDetailUris, Details.contexts, Details.accessConstraints, Details.provenance, Details.modifiable, Details.nonexportable, Details.change_flags"
	for _, c := range desc.Columns {
		cols += ", t." + c.SQLColumn
	}

	query := fmt.Sprintf(`
		SELECT %s FROM Details
		JOIN %s t ON t.detailId = Details.detailId
		WHERE Details.contactId IN (%s) AND Details.detailType = ?
	`, cols, desc.Table, joinPlaceholders(placeholders))

	args = append(args, string(kind))

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	dest := make([]any, 10+len(desc.Columns))

	for rows.Next() {
		var (
			detailID, contactID                      int64
			uri, linkedURIs, contexts, provenance     sql.NullString
			access                                    int
			modifiable, nonExportable, changeFlagsRaw int
		)

		dest[0] = &detailID
		dest[1] = &contactID
		dest[2] = &uri
		dest[3] = &linkedURIs
		dest[4] = &contexts
		dest[5] = &access
		dest[6] = &provenance
		dest[7] = &modifiable
		dest[8] = &nonExportable
		dest[9] = &changeFlagsRaw

		fieldVals := make([]sql.NullString, len(desc.Columns))
		for i := range desc.Columns {
			dest[10+i] = &fieldVals[i]
		}

		if err := rows.Scan(dest...); err != nil {
			return err
		}

		if ChangeFlags(changeFlagsRaw).Has(IsDeleted) && !keepChangeFlags {
			continue
		}

		c, ok := byID[contactID]
		if !ok {
			continue
		}

		d := &Detail{
			ID:            detailID,
			ContactID:     contactID,
			Kind:          kind,
			URI:           uri.String,
			Access:        AccessConstraint(access),
			Provenance:    provenance.String,
			Modifiable:    modifiable != 0,
			NonExportable: nonExportable != 0,
			ChangeFlags:   ChangeFlags(changeFlagsRaw),
			Fields:        make(map[string]any, len(desc.Columns)),
		}

		if linkedURIs.Valid && linkedURIs.String != "" {
			d.LinkedURIs = splitNonEmpty(linkedURIs.String, ",")
		}

		if contexts.Valid && contexts.String != "" {
			for _, cs := range splitNonEmpty(contexts.String, ",") {
				d.Contexts = append(d.Contexts, parseDetailContext(cs))
			}
		}

		for i, col := range desc.Columns {
			if fieldVals[i].Valid {
				d.Fields[col.Name] = fieldVals[i].String
			}
		}

		mu.Lock()
		c.Details = append(c.Details, d)
		mu.Unlock()
	}

	return rows.Err()
}

func (s *Store) loadRelationships(ctx context.Context, tx *sql.Tx, byID map[int64]*Contact) error {
	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))

	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`SELECT firstId, secondId, type FROM Relationships WHERE firstId IN (%[1]s) OR secondId IN (%[1]s)`, joinPlaceholders(placeholders))

	rows, err := tx.QueryContext(ctx, query, append(args, args...)...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var r Relationship
		var typeStr string

		if err := rows.Scan(&r.FirstContactID, &r.SecondContactID, &typeStr); err != nil {
			return err
		}

		r.Type = RelationshipType(typeStr)

		if c, ok := byID[r.FirstContactID]; ok {
			c.Relationships = append(c.Relationships, r)
		}

		if c, ok := byID[r.SecondContactID]; ok && r.SecondContactID != r.FirstContactID {
			c.Relationships = append(c.Relationships, r)
		}
	}

	return rows.Err()
}

func applyAggregateReadOnly(c *Contact) {
	for _, d := range c.Details {
		d.Access = AccessReadOnly | AccessIrremovable
		d.Modifiable = false
	}
}

func splitNonEmpty(s, sep string) []string {
	var out []string

	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || string(s[i]) == sep {
			if i > start {
				out = append(out, s[start:i])
			}

			start = i + 1
		}
	}

	return out
}

func parseDetailContext(s string) DetailContext {
	switch s {
	case "Work":
		return ContextWork
	case "Other":
		return ContextOther
	default:
		return ContextHome
	}
}

// ReadDeletedContactIDs returns tombstoned ids matching filter, which must
// be built only from ChangeLog/Collection/SyncTarget terms (spec §4.E);
// anything else is reported as Unspecified by the caller's filter compile
// step, so this method trusts its caller to have validated filter shape.
func (s *Store) ReadDeletedContactIDs(ctx context.Context, filter Filter) ([]int64, error) {
	cf := s.filters.Compile(filterWithDeletedVisible(filter))
	if cf.Failed {
		return nil, newErr("ReadDeletedContactIDs", Unspecified, fmt.Errorf("%s", cf.FailReason))
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT Contacts.contactId FROM Contacts %s WHERE %s`, cf.Join, cf.Where), cf.Bindings...)
	if err != nil {
		return nil, unspecified("ReadDeletedContactIDs", err)
	}
	defer rows.Close()

	var ids []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, unspecified("ReadDeletedContactIDs", err)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// filterWithDeletedVisible wraps filter in an intersection that explicitly
// tests IsDeleted, so the default-visibility wrapper does not exclude
// tombstones (spec §4.D).
func filterWithDeletedVisible(filter Filter) Filter {
	return IntersectionFilter{Children: []Filter{
		filter,
		DetailEqualsFilter{Kind: KindStatusFlags, Field: "IsDeleted", Value: "1"},
	}}
}

// ReadRelationships returns relationships matching any supplied criterion,
// excluding rows whose participants are deleted.
func (s *Store) ReadRelationships(ctx context.Context, relType *RelationshipType, first, second *int64) ([]Relationship, error) {
	query := `SELECT r.firstId, r.secondId, r.type FROM Relationships r
		WHERE NOT EXISTS (SELECT 1 FROM Contacts p WHERE p.contactId = r.firstId AND (p.change_flags & 4) != 0)
		AND NOT EXISTS (SELECT 1 FROM Contacts p WHERE p.contactId = r.secondId AND (p.change_flags & 4) != 0)`

	var args []any

	if relType != nil {
		query += " AND r.type = ?"
		args = append(args, string(*relType))
	}

	if first != nil {
		query += " AND r.firstId = ?"
		args = append(args, *first)
	}

	if second != nil {
		query += " AND r.secondId = ?"
		args = append(args, *second)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unspecified("ReadRelationships", err)
	}
	defer rows.Close()

	var out []Relationship

	for rows.Next() {
		var r Relationship
		var typeStr string

		if err := rows.Scan(&r.FirstContactID, &r.SecondContactID, &typeStr); err != nil {
			return nil, unspecified("ReadRelationships", err)
		}

		r.Type = RelationshipType(typeStr)
		out = append(out, r)
	}

	return out, rows.Err()
}

// ReadDetails returns unique values of kind's append-unique fields matching
// filter (spec §4.E).
func (s *Store) ReadDetails(ctx context.Context, kind DetailKind, fields []string, filter Filter) ([]*Detail, error) {
	desc, ok := descriptor(kind)
	if !ok || !desc.CanAppendUnique {
		return nil, newErr("ReadDetails", NotSupported, fmt.Errorf("kind %q is not append-unique", kind))
	}

	ids, err := s.ReadContactIDs(ctx, filter, nil)
	if err != nil {
		return nil, err
	}

	byID, err := s.loadContactsByIDOnly(ctx, ids, []DetailKind{kind})
	if err != nil {
		return nil, unspecified("ReadDetails", err)
	}

	seen := make(map[string]bool)
	var out []*Detail

	for _, c := range byID {
		for _, d := range c.DetailsOfKind(kind) {
			key := d.Kind.fieldsKey(fields, d)
			if seen[key] {
				continue
			}

			seen[key] = true
			out = append(out, d)
		}
	}

	return out, nil
}

func (k DetailKind) fieldsKey(fields []string, d *Detail) string {
	key := string(k)

	for _, f := range fields {
		key += "|" + f + "=" + d.Get(f)
	}

	return key
}

func (s *Store) loadContactsByIDOnly(ctx context.Context, ids []int64, kinds []DetailKind) (map[int64]*Contact, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	return s.loadContactsByID(ctx, tx, ids, FetchHint{DetailTypes: kinds})
}
