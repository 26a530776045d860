package contactsdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// transientOnlyKinds is the detail cluster whose changes are applied as a
// transient-overlay update rather than a durable write when they are the
// only kinds touched by a save (spec §4.F "Update-contact algorithm").
var transientOnlyKinds = map[DetailKind]bool{
	KindPresence:       true,
	KindGlobalPresence: true,
	KindOnlineAccount:  true,
	KindOriginMetadata: true,
}

// SaveContacts creates or updates contacts, enforcing the rule that a
// heterogeneous batch may only span one collection id (spec §4.F).
func (s *Store) SaveContacts(ctx context.Context, contacts []*Contact, mask []DetailKind) (BatchErrors, error) {
	errs := make(BatchErrors)

	if err := validateSingleCollection(contacts); err != nil {
		for i := range contacts {
			errs[i] = BadArgument
		}

		return errs, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unspecified("SaveContacts", err)
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

	for i, c := range contacts {
		if c.IsAggregate() {
			errs[i] = BadArgument
			continue
		}

		if err := s.saveOneContact(ctx, tx, c, mask); err != nil {
			if ce, ok := err.(*Error); ok {
				errs[i] = ce.Code
			} else {
				errs[i] = Unspecified
			}

			continue
		}
	}

	if errs.Worst() == Unspecified {
		return errs, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, unspecified("SaveContacts", err)
	}

	committed = true
	s.notifier.flush()

	return errs, nil
}

func validateSingleCollection(contacts []*Contact) error {
	var seen int64 = -1

	for _, c := range contacts {
		if c.CollectionID == 0 {
			continue
		}

		if seen == -1 {
			seen = c.CollectionID
			continue
		}

		if c.CollectionID != seen {
			return fmt.Errorf("contactsdb: batch spans multiple collections")
		}
	}

	return nil
}

// saveOneContact implements the create/update-contact algorithm of spec
// §4.F.
func (s *Store) saveOneContact(ctx context.Context, tx *sql.Tx, c *Contact, mask []DetailKind) error {
	isCreate := c.ID == 0
	now := time.Now().UTC()

	if c.CollectionID == 0 {
		c.CollectionID = LocalCollectionID
	}

	if !isCreate {
		var existingCollection int64

		if err := tx.QueryRowContext(ctx, `SELECT collectionId FROM Contacts WHERE contactId = ?`, c.ID).Scan(&existingCollection); err != nil {
			if err == sql.ErrNoRows {
				return newErr("saveOneContact", DoesNotExist, nil)
			}

			return unspecified("saveOneContact", err)
		}

		if existingCollection != c.CollectionID {
			return newErr("saveOneContact", Unspecified, fmt.Errorf("move between collections is not supported"))
		}
	}

	if isCreate && c.CollectionID == LocalCollectionID && c.DetailOfKind(KindGuid) == nil {
		c.Details = append(c.Details, &Detail{Kind: KindGuid, Fields: map[string]any{"Guid": uuid.NewString()}})
	}

	if maskEmpty(mask) || maskContains(mask, KindPresence) {
		recomputeGlobalPresence(c)
	}

	group := s.labels.GroupFor(bestDisplayLabel(c), s.locale)
	setDisplayLabel(c, bestDisplayLabel(c), group, s.labels.SortOrderFor(group))

	c.Modified = now
	if isCreate {
		c.Created = now
	}

	if err := validateDetailConstraints(c); err != nil {
		return err
	}

	if !isCreate && onlyTransientKindsTouched(mask) {
		return s.applyTransientUpdate(ctx, c, now)
	}

	if !isCreate {
		if err := s.transient.clearPresence(ctx, c.ID); err != nil {
			return unspecified("saveOneContact", err)
		}
	}

	recomputeRollups(c)

	if isCreate {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO Contacts (collectionId, created, modified, type, has_phone_number, has_email_address, has_online_account, is_online, is_deactivated, change_flags, unhandled_change_flags)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.CollectionID, c.Created.Unix(), c.Modified.Unix(), orDefault(c.Type, "person"),
			boolToInt(c.HasPhoneNumber), boolToInt(c.HasEmailAddress), boolToInt(c.HasOnlineAccount), boolToInt(c.IsOnline), boolToInt(c.IsDeactivated),
			int(IsAdded), int(IsAdded))
		if err != nil {
			return unspecified("saveOneContact", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return unspecified("saveOneContact", err)
		}

		c.ID = id
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE Contacts SET modified = ?, has_phone_number = ?, has_email_address = ?, has_online_account = ?, is_online = ?, is_deactivated = ?,
				change_flags = change_flags | ?, unhandled_change_flags = unhandled_change_flags | ?
			WHERE contactId = ?
		`, c.Modified.Unix(), boolToInt(c.HasPhoneNumber), boolToInt(c.HasEmailAddress), boolToInt(c.HasOnlineAccount), boolToInt(c.IsOnline), boolToInt(c.IsDeactivated),
			int(IsModified), int(IsModified), c.ID); err != nil {
			return unspecified("saveOneContact", err)
		}
	}

	if err := s.writeDetails(ctx, tx, c, mask); err != nil {
		if isCreate {
			tx.ExecContext(ctx, `DELETE FROM Contacts WHERE contactId = ?`, c.ID)
		}

		return err
	}

	if isCreate {
		s.notifier.record(NotifyContactsAdded, c.ID)
	} else {
		s.notifier.record(NotifyContactsChanged, c.ID)
	}

	if s.aggregation && !c.IsAggregate() {
		if err := s.upsertAggregate(ctx, tx, c.ID); err != nil {
			return err
		}
	}

	return nil
}

func maskEmpty(mask []DetailKind) bool { return len(mask) == 0 }

func maskContains(mask []DetailKind, kind DetailKind) bool {
	for _, k := range mask {
		if k == kind {
			return true
		}
	}

	return false
}

func onlyTransientKindsTouched(mask []DetailKind) bool {
	if len(mask) == 0 {
		return false
	}

	for _, k := range mask {
		if !transientOnlyKinds[k] {
			return false
		}
	}

	return true
}

// applyTransientUpdate refreshes the overlay only, leaving durable rows
// untouched (spec §4.F, §4.C, §8 scenario 3).
func (s *Store) applyTransientUpdate(ctx context.Context, c *Contact, now time.Time) error {
	var online bool
	var presenceState, nickname, customMessage string

	if gp := c.DetailOfKind(KindGlobalPresence); gp != nil {
		presenceState = gp.Get("PresenceState")
		nickname = gp.Get("Nickname")
		customMessage = gp.Get("CustomMessage")
		online = isOnlinePresenceState(presenceState)
	}

	if err := s.transient.setPresence(ctx, c.ID, online, presenceState, nickname, customMessage, now.Unix()); err != nil {
		return unspecified("applyTransientUpdate", err)
	}

	s.notifier.record(NotifyContactsPresenceChanged, c.ID)

	return nil
}

func isOnlinePresenceState(state string) bool {
	return state != "" && state != "0" && state != "Offline" && state != "5"
}

// recomputeGlobalPresence chooses the "best" presence across Presence
// details using the fixed total order of spec §4.F step 3.
var presenceOrder = map[string]int{
	"Available": 0, "Away": 1, "ExtendedAway": 2, "Busy": 3, "Hidden": 4, "Offline": 5, "Unknown": 6,
}

func recomputeGlobalPresence(c *Contact) {
	presences := c.DetailsOfKind(KindPresence)
	if len(presences) == 0 {
		return
	}

	best := presences[0]
	bestRank := presenceOrder[best.Get("PresenceState")]

	for _, p := range presences[1:] {
		rank, ok := presenceOrder[p.Get("PresenceState")]
		if !ok {
			rank = presenceOrder["Unknown"]
		}

		if rank < bestRank {
			best = p
			bestRank = rank
		}
	}

	for _, d := range c.Details {
		if d.Kind == KindGlobalPresence {
			d.Fields["PresenceState"] = best.Get("PresenceState")
			d.Fields["Nickname"] = best.Get("Nickname")
			d.Fields["CustomMessage"] = best.Get("CustomMessage")
			return
		}
	}

	c.Details = append(c.Details, &Detail{Kind: KindGlobalPresence, Fields: map[string]any{
		"PresenceState": best.Get("PresenceState"),
		"Nickname":      best.Get("Nickname"),
		"CustomMessage": best.Get("CustomMessage"),
	}})
}

func bestDisplayLabel(c *Contact) string {
	if n := c.DetailOfKind(KindName); n != nil {
		label := strings.TrimSpace(n.Get("FirstName") + " " + n.Get("LastName"))
		if label != "" {
			return label
		}
	}

	if o := c.DetailOfKind(KindOrganization); o != nil && o.Get("Name") != "" {
		return o.Get("Name")
	}

	for _, kind := range []DetailKind{KindEmailAddress, KindPhoneNumber, KindNickname} {
		if d := c.DetailOfKind(kind); d != nil {
			for _, v := range d.Fields {
				if s, ok := v.(string); ok && s != "" {
					return s
				}
			}
		}
	}

	return "(Unnamed)"
}

func setDisplayLabel(c *Contact, label, group string, sortOrder int) {
	for _, d := range c.Details {
		if d.Kind == KindDisplayLabel {
			d.Fields["Label"] = label
			d.Fields["Group"] = group
			d.Fields["GroupSortOrder"] = sortOrder
			return
		}
	}

	c.Details = append(c.Details, &Detail{Kind: KindDisplayLabel, Fields: map[string]any{
		"Label": label, "Group": group, "GroupSortOrder": sortOrder,
	}})
}

// validateDetailConstraints enforces spec §4.F step 6: supported kinds
// only, singular kinds at most once, unique detail URIs.
func validateDetailConstraints(c *Contact) error {
	counts := make(map[DetailKind]int)
	uris := make(map[string]bool)

	for _, d := range c.Details {
		desc, ok := descriptor(d.Kind)
		if !ok {
			return newErr("validateDetailConstraints", InvalidDetail, fmt.Errorf("unsupported detail kind %q", d.Kind))
		}

		counts[d.Kind]++
		if desc.Singular && counts[d.Kind] > 1 {
			return newErr("validateDetailConstraints", LimitReached, fmt.Errorf("kind %q is singular", d.Kind))
		}

		if d.URI != "" {
			if uris[d.URI] {
				return newErr("validateDetailConstraints", InvalidDetail, fmt.Errorf("duplicate detail uri %q", d.URI))
			}

			uris[d.URI] = true
		}
	}

	return nil
}

// writeDetails reinserts every detail kind touched by mask (or all kinds,
// if mask is empty), writing provenance back onto each detail (spec §4.F
// step 7).
func (s *Store) writeDetails(ctx context.Context, tx *sql.Tx, c *Contact, mask []DetailKind) error {
	kinds := mask
	if len(kinds) == 0 {
		kinds = SupportedKinds()
	}

	for _, kind := range kinds {
		desc, ok := descriptor(kind)
		if !ok {
			continue
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE contactId = ?`, desc.Table), c.ID); err != nil {
			return unspecified("writeDetails", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM Details WHERE contactId = ? AND detailType = ?`, c.ID, string(kind)); err != nil {
			return unspecified("writeDetails", err)
		}

		for _, d := range c.DetailsOfKind(kind) {
			if err := s.insertDetail(ctx, tx, c.CollectionID, c.ID, d, desc); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *Store) insertDetail(ctx context.Context, tx *sql.Tx, collectionID, contactID int64, d *Detail, desc DetailKindDescriptor) error {
	if d.Kind == KindPhoneNumber {
		if v, ok := d.Fields["PhoneNumber"].(string); ok {
			d.Fields["NormalizedNumber"] = normalizePhoneNumber(v)
		}
	}

	var uri any
	if d.URI != "" {
		uri = d.URI
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO Details (contactId, detailType, detailUri, linkedDetailUris, contexts, accessConstraints, provenance, modifiable, nonexportable, change_flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, contactID, string(d.Kind), uri, strings.Join(d.LinkedURIs, ","), contextsToString(d.Contexts),
		int(d.Access), d.Provenance, boolToInt(d.Modifiable), boolToInt(d.NonExportable), int(d.ChangeFlags))
	if err != nil {
		return unspecified("insertDetail", err)
	}

	detailID, err := res.LastInsertId()
	if err != nil {
		return unspecified("insertDetail", err)
	}

	d.ID = detailID

	if d.Provenance == "" {
		d.Provenance = fmt.Sprintf("%d:%d:%d", collectionID, contactID, detailID)
		tx.ExecContext(ctx, `UPDATE Details SET provenance = ? WHERE detailId = ?`, d.Provenance, detailID)
	}

	if len(desc.Columns) == 0 {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (detailId, contactId) VALUES (?, ?)`, desc.Table), detailID, contactID)
		return unwrapInsertErr(err)
	}

	colNames := make([]string, 0, len(desc.Columns)+2)
	placeholders := make([]string, 0, len(desc.Columns)+2)
	args := make([]any, 0, len(desc.Columns)+2)

	colNames = append(colNames, "detailId", "contactId")
	placeholders = append(placeholders, "?", "?")
	args = append(args, detailID, contactID)

	for _, col := range desc.Columns {
		colNames = append(colNames, col.SQLColumn)
		placeholders = append(placeholders, "?")
		args = append(args, d.Fields[col.Name])

		if col.LowerColumn != "" {
			colNames = append(colNames, col.LowerColumn)
			placeholders = append(placeholders, "?")

			if str, ok := d.Fields[col.Name].(string); ok {
				args = append(args, strings.ToLower(str))
			} else {
				args = append(args, nil)
			}
		}
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, desc.Table, strings.Join(colNames, ", "), strings.Join(placeholders, ", "))

	_, err = tx.ExecContext(ctx, query, args...)

	return unwrapInsertErr(err)
}

func unwrapInsertErr(err error) error {
	if err != nil {
		return unspecified("insertDetail", err)
	}

	return nil
}

func contextsToString(contexts []DetailContext) string {
	parts := make([]string, len(contexts))

	for i, c := range contexts {
		switch c {
		case ContextWork:
			parts[i] = "Work"
		case ContextOther:
			parts[i] = "Other"
		default:
			parts[i] = "Home"
		}
	}

	return strings.Join(parts, ",")
}

func recomputeRollups(c *Contact) {
	c.HasPhoneNumber = len(c.DetailsOfKind(KindPhoneNumber)) > 0
	c.HasEmailAddress = len(c.DetailsOfKind(KindEmailAddress)) > 0
	c.HasOnlineAccount = len(c.DetailsOfKind(KindOnlineAccount)) > 0
	c.IsOnline = false

	if gp := c.DetailOfKind(KindGlobalPresence); gp != nil {
		c.IsOnline = isOnlinePresenceState(gp.Get("PresenceState"))
	}

	c.IsDeactivated = c.DetailOfKind(KindDeactivated) != nil
	if c.CollectionID == LocalCollectionID || c.IsAggregate() {
		c.IsDeactivated = false
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}

	return s
}

// RemoveContacts tombstones non-aggregate contacts, flagging their detail
// rows as deleted (spec §4.F).
func (s *Store) RemoveContacts(ctx context.Context, ids []int64) (BatchErrors, error) {
	errs := make(BatchErrors)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unspecified("RemoveContacts", err)
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

	var removedIDs []int64

	for i, id := range ids {
		if IsReserved(id) || id == LocalSelfContactID || id == AggregateSelfContactID {
			errs[i] = BadArgument
			continue
		}

		var collectionID int64

		if err := tx.QueryRowContext(ctx, `SELECT collectionId FROM Contacts WHERE contactId = ?`, id).Scan(&collectionID); err != nil {
			errs[i] = DoesNotExist
			continue
		}

		if collectionID == AggregateCollectionID {
			errs[i] = BadArgument
			continue
		}

		if _, err := tx.ExecContext(ctx, `UPDATE Contacts SET change_flags = change_flags | 4, unhandled_change_flags = unhandled_change_flags | 4, modified = ? WHERE contactId = ?`, time.Now().UTC().Unix(), id); err != nil {
			errs[i] = Unspecified
			continue
		}

		if _, err := tx.ExecContext(ctx, `UPDATE Details SET change_flags = change_flags | 4 WHERE contactId = ?`, id); err != nil {
			errs[i] = Unspecified
			continue
		}

		if err := s.transient.clearPresence(ctx, id); err != nil {
			errs[i] = Unspecified
			continue
		}

		removedIDs = append(removedIDs, id)
	}

	childless, err := s.cleanupChildlessAggregates(ctx, tx)
	if err != nil {
		return nil, unspecified("RemoveContacts", err)
	}

	s.notifier.record(NotifyContactsRemoved, removedIDs...)
	s.notifier.record(NotifyContactsRemoved, childless...)

	if err := tx.Commit(); err != nil {
		return nil, unspecified("RemoveContacts", err)
	}

	committed = true
	s.notifier.flush()

	return errs, nil
}

// SaveRelationships inserts relationships, silently skipping duplicates and
// marking invalid participants on that index (spec §4.F).
func (s *Store) SaveRelationships(ctx context.Context, rels []Relationship) (BatchErrors, error) {
	errs := make(BatchErrors)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unspecified("SaveRelationships", err)
	}

	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	for i, r := range rels {
		if r.FirstContactID == r.SecondContactID {
			errs[i] = InvalidRelationship
			continue
		}

		if !contactExists(ctx, tx, r.FirstContactID) || !contactExists(ctx, tx, r.SecondContactID) {
			errs[i] = InvalidRelationship
			continue
		}

		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO Relationships (firstId, secondId, type) VALUES (?, ?, ?)`, r.FirstContactID, r.SecondContactID, string(r.Type)); err != nil {
			errs[i] = Unspecified
			continue
		}

		if r.Type == RelationshipIsNot && s.aggregation {
			if err := s.upsertAggregate(ctx, tx, r.FirstContactID); err != nil {
				errs[i] = Unspecified
			}

			if err := s.upsertAggregate(ctx, tx, r.SecondContactID); err != nil {
				errs[i] = Unspecified
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, unspecified("SaveRelationships", err)
	}

	committed = true

	return errs, nil
}

func contactExists(ctx context.Context, tx *sql.Tx, id int64) bool {
	var exists int

	err := tx.QueryRowContext(ctx, `SELECT 1 FROM Contacts WHERE contactId = ?`, id).Scan(&exists)

	return err == nil
}

// RemoveRelationships removes relationships, triggering aggregate
// regeneration for any removed Aggregates edge (spec §4.F).
func (s *Store) RemoveRelationships(ctx context.Context, rels []Relationship) (BatchErrors, error) {
	errs := make(BatchErrors)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unspecified("RemoveRelationships", err)
	}

	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	for i, r := range rels {
		if _, err := tx.ExecContext(ctx, `DELETE FROM Relationships WHERE firstId = ? AND secondId = ? AND type = ?`, r.FirstContactID, r.SecondContactID, string(r.Type)); err != nil {
			errs[i] = Unspecified
			continue
		}

		if r.Type == RelationshipAggregates && s.aggregation {
			var firstCollectionID int64
			if r.FirstContactID != AggregateSelfContactID &&
				tx.QueryRowContext(ctx, `SELECT collectionId FROM Contacts WHERE contactId = ?`, r.FirstContactID).Scan(&firstCollectionID) == nil &&
				firstCollectionID == AggregateCollectionID {
				if err := s.regenerateAggregate(ctx, tx, r.FirstContactID); err != nil {
					errs[i] = Unspecified
				}
			}

			if _, err := s.cleanupChildlessAggregates(ctx, tx); err != nil {
				errs[i] = Unspecified
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, unspecified("RemoveRelationships", err)
	}

	committed = true

	return errs, nil
}

// SaveCollections inserts/updates collections. The Aggregate collection (id
// 1) is rejected with BadArgument; Local (id 2) may be updated but is never
// created anew outside migrations (spec §4.F).
func (s *Store) SaveCollections(ctx context.Context, collections []*Collection) (BatchErrors, error) {
	errs := make(BatchErrors)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unspecified("SaveCollections", err)
	}

	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	var added, changed []int64

	for i, col := range collections {
		if col.ID == AggregateCollectionID {
			errs[i] = BadArgument
			continue
		}

		isCreate := col.ID == 0

		if isCreate {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO Collections (name, description, colourFg, colourBg, image, accountId, applicationName, remotePath, aggregable, change_flags, unhandled_change_flags)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, col.Name, col.Description, col.ColourFg, col.ColourBg, col.Image, col.AccountID, col.ApplicationName, col.RemotePath, boolToInt(col.Aggregable), int(IsAdded), int(IsAdded))
			if err != nil {
				errs[i] = Unspecified
				continue
			}

			id, _ := res.LastInsertId()
			col.ID = id
			added = append(added, id)
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE Collections SET name = ?, description = ?, colourFg = ?, colourBg = ?, image = ?, accountId = ?, applicationName = ?, remotePath = ?, aggregable = ?,
					change_flags = change_flags | ?, unhandled_change_flags = unhandled_change_flags | ?
				WHERE collectionId = ?
			`, col.Name, col.Description, col.ColourFg, col.ColourBg, col.Image, col.AccountID, col.ApplicationName, col.RemotePath, boolToInt(col.Aggregable),
				int(IsModified), int(IsModified), col.ID); err != nil {
				errs[i] = Unspecified
				continue
			}

			changed = append(changed, col.ID)
		}

		for k, v := range col.Metadata {
			tx.ExecContext(ctx, `INSERT INTO CollectionsMetadata (collectionId, key, value) VALUES (?, ?, ?) ON CONFLICT(collectionId, key) DO UPDATE SET value = excluded.value`, col.ID, k, v)
		}
	}

	s.notifier.record(NotifyCollectionsAdded, added...)
	s.notifier.record(NotifyCollectionsChanged, changed...)

	if err := tx.Commit(); err != nil {
		return nil, unspecified("SaveCollections", err)
	}

	committed = true
	s.notifier.flush()

	return errs, nil
}

// RemoveCollections deletes collections (never 1 or 2), cascading to their
// contacts (spec §4.F).
func (s *Store) RemoveCollections(ctx context.Context, ids []int64) (BatchErrors, error) {
	errs := make(BatchErrors)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unspecified("RemoveCollections", err)
	}

	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	var removed []int64

	for i, id := range ids {
		if IsReserved(id) {
			errs[i] = BadArgument
			continue
		}

		rows, err := tx.QueryContext(ctx, `SELECT contactId FROM Contacts WHERE collectionId = ?`, id)
		if err != nil {
			errs[i] = Unspecified
			continue
		}

		var contactIDs []int64
		for rows.Next() {
			var cid int64
			rows.Scan(&cid)
			contactIDs = append(contactIDs, cid)
		}
		rows.Close()

		for _, cid := range contactIDs {
			tx.ExecContext(ctx, `UPDATE Contacts SET change_flags = change_flags | 4, unhandled_change_flags = unhandled_change_flags | 4 WHERE contactId = ?`, cid)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM Collections WHERE collectionId = ?`, id); err != nil {
			errs[i] = Unspecified
			continue
		}

		s.notifier.record(NotifyContactsRemoved, contactIDs...)
		removed = append(removed, id)
	}

	s.notifier.record(NotifyCollectionsRemoved, removed...)

	if err := tx.Commit(); err != nil {
		return nil, unspecified("RemoveCollections", err)
	}

	committed = true
	s.notifier.flush()

	return errs, nil
}

// SetIdentity writes an identity slot mapping; SelfContactIdentity is
// read-only (spec §3).
func (s *Store) SetIdentity(ctx context.Context, slot IdentitySlot, contactID int64) error {
	if slot == SelfContactIdentity {
		return newErr("SetIdentity", BadArgument, fmt.Errorf("slot %q is read-only", slot))
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO Identities (slot, contactId) VALUES (?, ?) ON CONFLICT(slot) DO UPDATE SET contactId = excluded.contactId`, string(slot), contactID)
	if err != nil {
		return unspecified("SetIdentity", err)
	}

	return nil
}
