package contactsdb

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"
)

// ConflictPolicy selects how syncUpdate resolves a detail that changed on
// both the device and the remote side between snapshots (spec §4.H).
type ConflictPolicy int

const (
	// PreserveLocalChanges keeps the device's value on conflict.
	PreserveLocalChanges ConflictPolicy = iota
	// PreserveRemoteChanges keeps the incoming value and promotes stray
	// remote modifications to additions.
	PreserveRemoteChanges
)

// SyncPair is one before/after snapshot passed to syncUpdate. An empty Old
// means addition, an empty New means deletion, otherwise it is an in-place
// update (spec §4.H).
type SyncPair struct {
	Old *Contact
	New *Contact
}

// SyncFetch enumerates aggregates touched since `since` for collectionID,
// returning partial aggregate views built only from that collection's own
// constituent and the Local constituent (spec §4.H). Exported entry point
// for sync adapters (CLI, daemon) outside this package.
func (s *Store) SyncFetch(ctx context.Context, collectionID int64, since int64, exportedIDs []int64) (updated, added []*Contact, deletedIDs []int64, maxTS int64, err error) {
	return s.syncFetch(ctx, collectionID, since, exportedIDs)
}

// SyncUpdate applies a batch of addition/deletion/update pairs reported by a
// sync adapter for collectionID, resolving same-field conflicts per policy
// (spec §4.H). Exported entry point for sync adapters outside this package.
func (s *Store) SyncUpdate(ctx context.Context, collectionID int64, policy ConflictPolicy, pairs []SyncPair) (BatchErrors, error) {
	return s.syncUpdate(ctx, collectionID, policy, pairs)
}

// syncFetch enumerates aggregates touched since `since` for collectionID,
// returning partial aggregate views built only from that collection's own
// constituent and the Local constituent (spec §4.H).
func (s *Store) syncFetch(ctx context.Context, collectionID int64, since int64, exportedIDs []int64) (updated, added []*Contact, deletedIDs []int64, maxTS int64, err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, nil, 0, unspecified("syncFetch", err)
	}
	defer tx.Rollback()

	exported := make(map[int64]bool, len(exportedIDs))
	for _, id := range exportedIDs {
		exported[id] = true
	}

	candidates := make(map[int64]bool)

	rows, err := tx.QueryContext(ctx, `
		SELECT r.firstId, c.contactId FROM Relationships r
		JOIN Contacts c ON c.contactId = r.secondId
		WHERE r.type = ? AND c.collectionId = ?
	`, string(RelationshipAggregates), collectionID)
	if err != nil {
		return nil, nil, nil, 0, unspecified("syncFetch", err)
	}

	type pair struct{ aggID, constituentID int64 }
	var touched []pair

	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.aggID, &p.constituentID); err != nil {
			rows.Close()
			return nil, nil, nil, 0, unspecified("syncFetch", err)
		}

		touched = append(touched, p)
	}
	rows.Close()

	for _, p := range touched {
		ts, err := s.coalescedModified(ctx, tx, p.constituentID)
		if err != nil {
			return nil, nil, nil, 0, unspecified("syncFetch", err)
		}

		if ts > since {
			candidates[p.aggID] = true
		}
	}

	for id := range exported {
		candidates[id] = true
	}

	for id := range candidates {
		active, err := s.aggregateActive(ctx, tx, id)
		if err != nil {
			return nil, nil, nil, 0, unspecified("syncFetch", err)
		}

		hasConstituent := false

		if active {
			hasConstituent, err = s.hasActiveConstituentIn(ctx, tx, id, collectionID)
			if err != nil {
				return nil, nil, nil, 0, unspecified("syncFetch", err)
			}
		}

		if !active || !hasConstituent {
			if exported[id] {
				deletedIDs = append(deletedIDs, id)

				if ts, err := s.coalescedModified(ctx, tx, id); err == nil && ts > maxTS {
					maxTS = ts
				}
			}

			continue
		}

		view, ts, err := s.partialAggregateView(ctx, tx, id, collectionID)
		if err != nil {
			return nil, nil, nil, 0, unspecified("syncFetch", err)
		}

		if ts > maxTS {
			maxTS = ts
		}

		if exported[id] {
			updated = append(updated, view)
		} else {
			added = append(added, view)
		}
	}

	return updated, added, deletedIDs, maxTS, nil
}

// coalescedModified returns max(Contacts.modified, Contacts.deleted,
// transient overlay timestamp) for id (spec §4.C "overlay-coalesced").
func (s *Store) coalescedModified(ctx context.Context, tx *sql.Tx, id int64) (int64, error) {
	var modified int64
	var deleted sql.NullInt64

	if err := tx.QueryRowContext(ctx, `SELECT modified, deleted FROM Contacts WHERE contactId = ?`, id).Scan(&modified, &deleted); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}

		return 0, err
	}

	if deleted.Valid && deleted.Int64 > modified {
		modified = deleted.Int64
	}

	_, transientTS, err := s.transient.presence(ctx, id)
	if err != nil {
		return 0, err
	}

	if transientTS > modified {
		modified = transientTS
	}

	return modified, nil
}

func (s *Store) aggregateActive(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	var flags int

	err := tx.QueryRowContext(ctx, `SELECT change_flags FROM Contacts WHERE contactId = ?`, id).Scan(&flags)
	if err == sql.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return ChangeFlags(flags)&IsDeleted == 0, nil
}

func (s *Store) hasActiveConstituentIn(ctx context.Context, tx *sql.Tx, aggregateID, collectionID int64) (bool, error) {
	var exists int

	err := tx.QueryRowContext(ctx, `
		SELECT 1 FROM Relationships r
		JOIN Contacts c ON c.contactId = r.secondId
		WHERE r.firstId = ? AND r.type = ? AND c.collectionId = ? AND (c.change_flags & 4) = 0
		LIMIT 1
	`, aggregateID, string(RelationshipAggregates), collectionID).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return exists == 1, nil
}

// partialAggregateView rebuilds a synthetic aggregate from only the
// target collection's own constituent and the Local constituent, Local
// first, so other sync collections are never leaked (spec §4.H).
func (s *Store) partialAggregateView(ctx context.Context, tx *sql.Tx, aggregateID, collectionID int64) (*Contact, int64, error) {
	constituentIDs, err := s.activeConstituents(ctx, tx, aggregateID)
	if err != nil {
		return nil, 0, err
	}

	constituents, err := s.loadContactsByID(ctx, tx, constituentIDs, FetchHint{})
	if err != nil {
		return nil, 0, err
	}

	var relevant []int64

	for _, id := range constituentIDs {
		c, ok := constituents[id]
		if ok && (c.CollectionID == collectionID || c.CollectionID == LocalCollectionID) {
			relevant = append(relevant, id)
		}
	}

	ordered := orderLocalFirst(relevant, constituents)

	view := &Contact{ID: aggregateID, CollectionID: AggregateCollectionID}

	var maxTS int64

	for _, id := range ordered {
		c := constituents[id]
		promoteDetails(view, c)

		if ts, err := s.coalescedModified(ctx, tx, id); err == nil && ts > maxTS {
			maxTS = ts
		}
	}

	prefixAggregateURIs(view)

	group := s.labels.GroupFor(bestDisplayLabel(view), s.locale)
	setDisplayLabel(view, bestDisplayLabel(view), group, s.labels.SortOrderFor(group))

	return view, maxTS, nil
}

// syncUpdate applies a batch of before/after pairs to collectionID's
// constituents, suppressing the notification flush back to collectionID's
// own adapter (spec §4.H).
func (s *Store) syncUpdate(ctx context.Context, collectionID int64, policy ConflictPolicy, pairs []SyncPair) (BatchErrors, error) {
	errs := make(BatchErrors)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unspecified("syncUpdate", err)
	}

	if err := s.mutex.Lock(ctx); err != nil {
		tx.Rollback()
		return nil, err
	}
	defer s.mutex.Unlock()

	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
			s.notifier.clear()
		}
	}()

	s.notifier.suppressFor(collectionID)

	for i, p := range pairs {
		switch {
		case p.Old == nil && p.New != nil:
			if err := s.syncAdd(ctx, tx, collectionID, p.New); err != nil {
				errs[i] = errCode(err)
			}
		case p.Old != nil && p.New == nil:
			if err := s.syncRemove(ctx, tx, collectionID, p.Old); err != nil {
				errs[i] = errCode(err)
			}
		default:
			if err := s.syncMerge(ctx, tx, collectionID, policy, p.Old, p.New); err != nil {
				errs[i] = errCode(err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, unspecified("syncUpdate", err)
	}

	committed = true
	s.notifier.flush()

	return errs, nil
}

func errCode(err error) ErrorCode {
	if ce, ok := err.(*Error); ok {
		return ce.Code
	}

	return Unspecified
}

// syncAdd creates a new constituent of collectionID for an addition pair,
// assigning the created id back onto c so the caller can correlate it with
// the aggregate the Upsert algorithm attached it to.
func (s *Store) syncAdd(ctx context.Context, tx *sql.Tx, collectionID int64, c *Contact) error {
	c.CollectionID = collectionID

	if err := s.saveOneContact(ctx, tx, c, nil); err != nil {
		return err
	}

	if s.aggregation {
		return s.upsertAggregate(ctx, tx, c.ID)
	}

	return nil
}

// syncRemove tombstones the constituent of collectionID matched by old's
// provenance (or, absent that, by id), then regenerates or drops its
// aggregate.
func (s *Store) syncRemove(ctx context.Context, tx *sql.Tx, collectionID int64, old *Contact) error {
	constituentID := resolveConstituentID(old, collectionID)
	if constituentID == 0 {
		return nil
	}

	now := time.Now().UTC().Unix()

	if _, err := tx.ExecContext(ctx, `UPDATE Contacts SET change_flags = change_flags | 4, unhandled_change_flags = unhandled_change_flags | 4, modified = ?, deleted = ? WHERE contactId = ?`, now, now, constituentID); err != nil {
		return unspecified("syncRemove", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE Details SET change_flags = change_flags | 4 WHERE contactId = ?`, constituentID); err != nil {
		return unspecified("syncRemove", err)
	}

	if err := s.transient.clearPresence(ctx, constituentID); err != nil {
		return unspecified("syncRemove", err)
	}

	s.notifier.record(NotifyContactsRemoved, constituentID)

	if !s.aggregation {
		return nil
	}

	if _, err := s.cleanupChildlessAggregates(ctx, tx); err != nil {
		return err
	}

	return nil
}

// resolveConstituentID finds the contact id a sync snapshot refers to:
// old.ID names the aggregate, so the actual constituent is located by
// provenance if any detail carries one, falling back to the aggregate id
// itself (treated as the constituent id when the pair targets a
// non-aggregating collection with exactly one constituent).
func resolveConstituentID(old *Contact, collectionID int64) int64 {
	for _, d := range old.Details {
		collection, contactID, ok := splitProvenance(d.Provenance)
		if ok && collection == collectionID {
			return contactID
		}
	}

	return old.ID
}

// splitProvenance parses the "<collectionId>:<contactId>:<detailId>"
// provenance format of spec §3.
func splitProvenance(p string) (collection, contact int64, ok bool) {
	parts := strings.Split(p, ":")
	if len(parts) != 3 {
		return 0, 0, false
	}

	collection, err1 := strconv.ParseInt(parts[0], 10, 64)
	contact, err2 := strconv.ParseInt(parts[1], 10, 64)

	if err1 != nil || err2 != nil {
		return 0, 0, false
	}

	return collection, contact, true
}

// syncMerge computes per-detail deltas between old and new and applies
// them to collectionID's constituent under policy (spec §4.H).
func (s *Store) syncMerge(ctx context.Context, tx *sql.Tx, collectionID int64, policy ConflictPolicy, old, newC *Contact) error {
	constituentID := resolveConstituentID(old, collectionID)
	if constituentID == 0 {
		return s.syncAdd(ctx, tx, collectionID, newC)
	}

	loaded, err := s.loadContactsByID(ctx, tx, []int64{constituentID}, FetchHint{})
	if err != nil {
		return unspecified("syncMerge", err)
	}

	current, ok := loaded[constituentID]
	if !ok {
		return s.syncAdd(ctx, tx, collectionID, newC)
	}

	merged := mergeDetailSets(current, old, newC, policy)
	merged.ID = constituentID
	merged.CollectionID = collectionID

	if err := s.writeDetails(ctx, tx, merged, nil); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE Contacts SET modified = ? WHERE contactId = ?`, time.Now().UTC().Unix(), constituentID); err != nil {
		return unspecified("syncMerge", err)
	}

	s.notifier.record(NotifyContactsChanged, constituentID)

	if s.aggregation {
		return s.upsertAggregate(ctx, tx, constituentID)
	}

	return nil
}

// mergeDetailSets applies policy to the three-way diff of current (the
// device's live constituent), old (the last-synced snapshot) and newC (the
// incoming remote snapshot), keyed by detail kind (spec §4.H).
//
// Composed kinds are merged field-by-field since they are singular and
// provenance-less; all other kinds are merged by whole-detail equivalence.
func mergeDetailSets(current, old, newC *Contact, policy ConflictPolicy) *Contact {
	out := &Contact{ID: current.ID, CollectionID: current.CollectionID}

	for _, kind := range SupportedKinds() {
		mergeKind(out, current, old, newC, kind, policy)
	}

	return out
}

func mergeKind(out, current, old, newC *Contact, kind DetailKind, policy ConflictPolicy) {
	desc, ok := descriptor(kind)
	if !ok {
		return
	}

	if desc.Composed {
		mergeComposedKind(out, current, old, newC, kind, policy)
		return
	}

	curSet := current.DetailsOfKind(kind)
	oldSet := old.DetailsOfKind(kind)
	newSet := newC.DetailsOfKind(kind)

	localChanged := !detailSetsEqual(curSet, oldSet)
	remoteChanged := !detailSetsEqual(oldSet, newSet)

	switch {
	case localChanged && remoteChanged:
		if policy == PreserveLocalChanges {
			out.Details = append(out.Details, cloneAll(curSet)...)
		} else {
			out.Details = append(out.Details, cloneAll(newSet)...)
		}
	case remoteChanged:
		out.Details = append(out.Details, cloneAll(newSet)...)
	default:
		out.Details = append(out.Details, cloneAll(curSet)...)
	}
}

func mergeComposedKind(out, current, old, newC *Contact, kind DetailKind, policy ConflictPolicy) {
	cur := current.DetailOfKind(kind)
	prev := old.DetailOfKind(kind)
	next := newC.DetailOfKind(kind)

	if cur == nil && next == nil {
		return
	}

	if cur == nil {
		out.Details = append(out.Details, next.clone())
		return
	}

	if next == nil {
		out.Details = append(out.Details, cur.clone())
		return
	}

	merged := cur.clone()
	fieldNames := make(map[string]bool)

	for k := range cur.Fields {
		fieldNames[k] = true
	}

	for k := range next.Fields {
		fieldNames[k] = true
	}

	for field := range fieldNames {
		localVal := cur.Fields[field]

		var prevVal any
		if prev != nil {
			prevVal = prev.Fields[field]
		}

		remoteVal := next.Fields[field]

		localChanged := localVal != prevVal
		remoteChanged := remoteVal != prevVal

		switch {
		case !localChanged && remoteChanged:
			merged.Fields[field] = remoteVal
		case localChanged && remoteChanged:
			if policy == PreserveRemoteChanges {
				merged.Fields[field] = remoteVal
			}
		}
	}

	out.Details = append(out.Details, merged)
}

func cloneAll(details []*Detail) []*Detail {
	out := make([]*Detail, len(details))
	for i, d := range details {
		out[i] = d.clone()
	}

	return out
}

func detailSetsEqual(a, b []*Detail) bool {
	if len(a) != len(b) {
		return false
	}

	for _, da := range a {
		found := false

		for _, db := range b {
			if fieldsEqual(da.Fields, db.Fields) {
				found = true
				break
			}
		}

		if !found {
			return false
		}
	}

	return true
}
