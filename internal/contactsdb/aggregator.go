package contactsdb

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// aggregateMatchThreshold is the minimum score for a constituent to attach
// to an existing aggregate rather than starting a new one (spec §4.G).
const aggregateMatchThreshold = 15

// composedKinds lists the detail types promoted field-wise rather than by
// duplication (spec §4.G step 5).
var composedKinds = map[DetailKind]bool{
	KindName: true, KindTimestamp: true, KindGender: true, KindFavorite: true, KindBirthday: true,
}

// copyForwardKinds lists the detail types that identify the aggregate
// itself and are never re-derived from constituents (spec §4.G step 3).
var copyForwardKinds = map[DetailKind]bool{
	KindSyncTarget: true, KindGuid: true,
}

// upsertAggregate runs the Upsert algorithm for constituent contactID,
// scoring it against existing aggregates and attaching or creating one,
// then regenerating that aggregate (spec §4.G).
func (s *Store) upsertAggregate(ctx context.Context, tx *sql.Tx, contactID int64) error {
	defer s.clearMatchTempTables(ctx, tx)

	constituent, err := s.loadContactsByID(ctx, tx, []int64{contactID}, FetchHint{})
	if err != nil {
		return unspecified("upsertAggregate", err)
	}

	c, ok := constituent[contactID]
	if !ok || c.IsAggregate() {
		return nil
	}

	keys := matchKeysFor(c)

	candidates, err := s.candidateAggregates(ctx, tx, c, keys)
	if err != nil {
		return unspecified("upsertAggregate", err)
	}

	var bestID int64
	bestScore := -1

	for _, candidateID := range candidates {
		score, err := s.scoreCandidate(ctx, tx, candidateID, c, keys)
		if err != nil {
			return unspecified("upsertAggregate", err)
		}

		if score > bestScore {
			bestScore = score
			bestID = candidateID
		}
	}

	var aggregateID int64

	if bestScore >= aggregateMatchThreshold {
		aggregateID = bestID
	} else {
		id, err := s.createAggregate(ctx, tx)
		if err != nil {
			return err
		}

		aggregateID = id
	}

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO Relationships (firstId, secondId, type) VALUES (?, ?, ?)`, aggregateID, contactID, string(RelationshipAggregates)); err != nil {
		return unspecified("upsertAggregate", err)
	}

	return s.regenerateAggregate(ctx, tx, aggregateID)
}

type matchKeys struct {
	lowerFirst, lowerLast, lowerNickname string
	phones, emails, accounts            []string
	gender                              string
}

func matchKeysFor(c *Contact) matchKeys {
	mk := matchKeys{}

	if n := c.DetailOfKind(KindName); n != nil {
		mk.lowerFirst = strings.ToLower(n.Get("FirstName"))
		mk.lowerLast = strings.ToLower(n.Get("LastName"))
	}

	if nn := c.DetailOfKind(KindNickname); nn != nil {
		mk.lowerNickname = strings.ToLower(nn.Get("Nickname"))
	}

	for _, d := range c.DetailsOfKind(KindPhoneNumber) {
		if n, ok := d.Fields["NormalizedNumber"].(string); ok && n != "" {
			mk.phones = append(mk.phones, n)
		}
	}

	for _, d := range c.DetailsOfKind(KindEmailAddress) {
		mk.emails = append(mk.emails, strings.ToLower(d.Get("EmailAddress")))
	}

	for _, d := range c.DetailsOfKind(KindOnlineAccount) {
		mk.accounts = append(mk.accounts, strings.ToLower(d.Get("AccountUri")))
	}

	if g := c.DetailOfKind(KindGender); g != nil {
		mk.gender = g.Get("Gender")
	}

	return mk
}

// candidateAggregates builds the candidate set of spec §4.G step 2.
func (s *Store) candidateAggregates(ctx context.Context, tx *sql.Tx, c *Contact, keys matchKeys) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT r.firstId FROM Relationships r
		JOIN Contacts agg ON agg.contactId = r.firstId
		WHERE r.type = ? AND agg.collectionId = ? AND (agg.change_flags & 4) = 0
	`, string(RelationshipAggregates), AggregateCollectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		if id == AggregateSelfContactID {
			continue
		}

		if notRelated, err := s.isNotRelated(ctx, tx, id, c.ID); err == nil && notRelated {
			continue
		}

		qualifies, err := s.hasQualifyingConstituent(ctx, tx, id, keys)
		if err != nil {
			return nil, err
		}

		if !qualifies {
			continue
		}

		out = append(out, id)
	}

	return out, rows.Err()
}

// hasQualifyingConstituent reports whether aggregateID has at least one
// active, non-deactivated constituent whose last name is empty or equal to
// keys.lowerLast, and whose gender is not the opposite of keys.gender (spec
// §4.G step 2's candidate pre-filter, applied before scoreCandidate's point
// table runs).
func (s *Store) hasQualifyingConstituent(ctx context.Context, tx *sql.Tx, aggregateID int64, keys matchKeys) (bool, error) {
	constituentIDs, err := s.activeConstituents(ctx, tx, aggregateID)
	if err != nil {
		return false, err
	}

	if len(constituentIDs) == 0 {
		return false, nil
	}

	loaded, err := s.loadContactsByID(ctx, tx, constituentIDs, FetchHint{})
	if err != nil {
		return false, err
	}

	for _, cid := range constituentIDs {
		other, ok := loaded[cid]
		if !ok || other.IsDeactivated {
			continue
		}

		otherKeys := matchKeysFor(other)

		if otherKeys.lowerLast != "" && keys.lowerLast != "" && otherKeys.lowerLast != keys.lowerLast {
			continue
		}

		if otherKeys.gender != "" && keys.gender != "" && otherKeys.gender != keys.gender {
			continue
		}

		return true, nil
	}

	return false, nil
}

// isNotRelated checks whether any constituent of aggregateID carries
// an IsNot edge to candidateContactID (spec §4.G step 2).
func (s *Store) isNotRelated(ctx context.Context, tx *sql.Tx, aggregateID, candidateContactID int64) (bool, error) {
	var exists int

	err := tx.QueryRowContext(ctx, `
		SELECT 1 FROM Relationships ragg
		JOIN Relationships rnot ON (
			(rnot.firstId = ragg.secondId AND rnot.secondId = ?) OR
			(rnot.secondId = ragg.secondId AND rnot.firstId = ?)
		)
		WHERE ragg.firstId = ? AND ragg.type = ? AND rnot.type = ?
		LIMIT 1
	`, candidateContactID, candidateContactID, aggregateID, string(RelationshipAggregates), string(RelationshipIsNot)).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return exists == 1, nil
}

// scoreCandidate sums points across the matching criteria table of spec
// §4.G step 3.
func (s *Store) scoreCandidate(ctx context.Context, tx *sql.Tx, aggregateID int64, c *Contact, keys matchKeys) (int, error) {
	constituentIDs, err := s.activeConstituents(ctx, tx, aggregateID)
	if err != nil {
		return 0, err
	}

	score := 0

	for _, cid := range constituentIDs {
		loaded, err := s.loadContactsByID(ctx, tx, []int64{cid}, FetchHint{})
		if err != nil {
			return 0, err
		}

		other, ok := loaded[cid]
		if !ok {
			continue
		}

		otherKeys := matchKeysFor(other)

		if g := otherKeys.gender; g != "" && keys.gender != "" && g != keys.gender {
			continue
		}

		bothNamesEqual := keys.lowerFirst != "" && keys.lowerLast != "" && keys.lowerFirst == otherKeys.lowerFirst && keys.lowerLast == otherKeys.lowerLast
		if bothNamesEqual {
			score += 20
		}

		bothNamesEmpty := keys.lowerFirst == "" && keys.lowerLast == "" && otherKeys.lowerFirst == "" && otherKeys.lowerLast == ""
		if bothNamesEmpty && keys.lowerNickname != "" && keys.lowerNickname == otherKeys.lowerNickname {
			score += 15
		}

		if keys.lowerFirst != "" && keys.lowerFirst == otherKeys.lowerFirst && (keys.lowerLast == "" || otherKeys.lowerLast == "") && !bothNamesEqual {
			score += 12
		}

		if keys.lowerLast != "" && keys.lowerLast == otherKeys.lowerLast && (keys.lowerFirst == "" || otherKeys.lowerFirst == "") && !bothNamesEqual {
			score += 12
		}

		score += 3 * countMatches(keys.emails, otherKeys.emails)
		score += 3 * countMatches(keys.phones, otherKeys.phones)
		score += 3 * countMatches(keys.accounts, otherKeys.accounts)

		if !bothNamesEmpty && keys.lowerNickname != "" && keys.lowerNickname == otherKeys.lowerNickname {
			score += 1
		}
	}

	return score, nil
}

// truthy reports whether v represents a boolean field's "true" value,
// accepting either a bool or the "1"/"0" string convention used elsewhere
// for IsEnum-style fields.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "1" || t == "true"
	case int64:
		return t != 0
	default:
		return false
	}
}

func countMatches(a, b []string) int {
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[v] = true
	}

	n := 0

	for _, v := range a {
		if v != "" && set[v] {
			n++
		}
	}

	return n
}

func (s *Store) activeConstituents(ctx context.Context, tx *sql.Tx, aggregateID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT r.secondId FROM Relationships r
		JOIN Contacts c ON c.contactId = r.secondId
		WHERE r.firstId = ? AND r.type = ? AND (c.change_flags & 4) = 0
	`, aggregateID, string(RelationshipAggregates))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		out = append(out, id)
	}

	return out, rows.Err()
}

func (s *Store) createAggregate(ctx context.Context, tx *sql.Tx) (int64, error) {
	now := nowUnix()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO Contacts (collectionId, created, modified, change_flags, unhandled_change_flags)
		VALUES (?, ?, ?, ?, ?)
	`, AggregateCollectionID, now, now, int(IsAdded), int(IsAdded))
	if err != nil {
		return 0, unspecified("createAggregate", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, unspecified("createAggregate", err)
	}

	s.notifier.record(NotifyContactsAdded, id)

	return id, nil
}

// regenerateAggregate rebuilds aggregate A's detail set from its active
// constituents, Local first (spec §4.G "Regeneration").
func (s *Store) regenerateAggregate(ctx context.Context, tx *sql.Tx, aggregateID int64) error {
	constituentIDs, err := s.activeConstituents(ctx, tx, aggregateID)
	if err != nil {
		return unspecified("regenerateAggregate", err)
	}

	if len(constituentIDs) == 0 {
		return s.deleteAggregate(ctx, tx, aggregateID)
	}

	constituents, err := s.loadContactsByID(ctx, tx, constituentIDs, FetchHint{})
	if err != nil {
		return unspecified("regenerateAggregate", err)
	}

	ordered := orderLocalFirst(constituentIDs, constituents)

	prevAggregate, err := s.loadContactsByID(ctx, tx, []int64{aggregateID}, FetchHint{})
	if err != nil {
		return unspecified("regenerateAggregate", err)
	}

	agg := &Contact{ID: aggregateID, CollectionID: AggregateCollectionID}

	if prev, ok := prevAggregate[aggregateID]; ok {
		for _, kind := range []DetailKind{KindSyncTarget, KindGuid} {
			for _, d := range prev.DetailsOfKind(kind) {
				agg.Details = append(agg.Details, d.clone())
			}
		}
	}

	for _, cid := range ordered {
		c := constituents[cid]
		promoteDetails(agg, c)
	}

	prefixAggregateURIs(agg)

	group := s.labels.GroupFor(bestDisplayLabel(agg), s.locale)
	setDisplayLabel(agg, bestDisplayLabel(agg), group, s.labels.SortOrderFor(group))

	if err := s.writeDetails(ctx, tx, agg, nil); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE Contacts SET modified = ? WHERE contactId = ?`, nowUnix(), aggregateID); err != nil {
		return unspecified("regenerateAggregate", err)
	}

	s.notifier.record(NotifyContactsChanged, aggregateID)

	return nil
}

func orderLocalFirst(ids []int64, constituents map[int64]*Contact) []int64 {
	var local []int64
	var rest []int64

	for _, id := range ids {
		if c, ok := constituents[id]; ok && c.CollectionID == LocalCollectionID {
			local = append(local, id)
		} else {
			rest = append(rest, id)
		}
	}

	return append(local, rest...)
}

// promoteDetails applies the composed/duplicated promotion rules of spec
// §4.G step 5 to agg, sourced from constituent c.
func promoteDetails(agg *Contact, c *Contact) {
	for _, d := range c.Details {
		if excludedFromAggregatePromotion[d.Kind] || copyForwardKinds[d.Kind] {
			continue
		}

		if composedKinds[d.Kind] {
			promoteComposed(agg, d)
			continue
		}

		if aggregateHasEquivalent(agg, d) {
			continue
		}

		clone := d.clone()
		clone.Access = AccessReadOnly | AccessIrremovable
		clone.Provenance = d.Provenance
		agg.Details = append(agg.Details, clone)
	}
}

func promoteComposed(agg *Contact, d *Detail) {
	existing := agg.DetailOfKind(d.Kind)

	if existing == nil {
		clone := d.clone()
		clone.Access = AccessReadOnly | AccessIrremovable
		clone.Provenance = d.Provenance
		agg.Details = append(agg.Details, clone)
		return
	}

	switch d.Kind {
	case KindName:
		for _, field := range []string{"Prefix", "FirstName", "MiddleName", "LastName", "Suffix", "CustomLabel"} {
			if existing.Get(field) == "" && d.Get(field) != "" {
				existing.Fields[field] = d.Get(field)
			}
		}
	case KindGender:
		if (existing.Get("Gender") == "" || existing.Get("Gender") == "0") && d.Get("Gender") != "" {
			existing.Fields["Gender"] = d.Get("Gender")
		}
	case KindFavorite:
		if truthy(d.Fields["IsFavorite"]) {
			existing.Fields["IsFavorite"] = d.Fields["IsFavorite"]
		}
	case KindBirthday:
		if existing.Fields["Birthday"] == nil && d.Fields["Birthday"] != nil {
			existing.Fields["Birthday"] = d.Fields["Birthday"]
		}
	case KindTimestamp:
		// created = min, modified = max, compared as stored text.
		if c := d.Get("Created"); c != "" && (existing.Get("Created") == "" || c < existing.Get("Created")) {
			existing.Fields["Created"] = d.Fields["Created"]
		}
		if m := d.Get("LastModified"); m != "" && m > existing.Get("LastModified") {
			existing.Fields["LastModified"] = d.Fields["LastModified"]
		}
	}
}

func aggregateHasEquivalent(agg *Contact, d *Detail) bool {
	for _, existing := range agg.DetailsOfKind(d.Kind) {
		if fieldsEqual(existing.Fields, d.Fields) {
			return true
		}
	}

	return false
}

func fieldsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}

	for k, v := range a {
		if b[k] != v {
			return false
		}
	}

	return true
}

// prefixAggregateURIs rewrites every detail URI/linked URI on agg with the
// "aggregate:" prefix, stripping any stale prefix first (spec §4.G step 7).
func prefixAggregateURIs(agg *Contact) {
	const prefix = "aggregate:"

	for _, d := range agg.Details {
		if d.URI != "" {
			d.URI = prefix + strings.TrimPrefix(d.URI, prefix)
		}

		for i, u := range d.LinkedURIs {
			d.LinkedURIs[i] = prefix + strings.TrimPrefix(u, prefix)
		}
	}
}

func (s *Store) deleteAggregate(ctx context.Context, tx *sql.Tx, aggregateID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM Relationships WHERE firstId = ? AND type = ?`, aggregateID, string(RelationshipAggregates)); err != nil {
		return unspecified("deleteAggregate", err)
	}

	for _, kind := range SupportedKinds() {
		desc, ok := descriptor(kind)
		if !ok {
			continue
		}

		tx.ExecContext(ctx, "DELETE FROM "+desc.Table+" WHERE contactId = ?", aggregateID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM Details WHERE contactId = ?`, aggregateID); err != nil {
		return unspecified("deleteAggregate", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM Contacts WHERE contactId = ?`, aggregateID); err != nil {
		return unspecified("deleteAggregate", err)
	}

	s.notifier.record(NotifyContactsRemoved, aggregateID)

	return nil
}

// cleanupChildlessAggregates scans collection 1 for aggregates with no
// Aggregates children and deletes them (spec §4.G "Childless cleanup").
func (s *Store) cleanupChildlessAggregates(ctx context.Context, tx *sql.Tx) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT contactId FROM Contacts
		WHERE collectionId = ? AND contactId != ?
		AND NOT EXISTS (
			SELECT 1 FROM Relationships r JOIN Contacts cc ON cc.contactId = r.secondId
			WHERE r.firstId = Contacts.contactId AND r.type = ? AND (cc.change_flags & 4) = 0
		)
	`, AggregateCollectionID, AggregateSelfContactID, string(RelationshipAggregates))
	if err != nil {
		return nil, err
	}

	var childless []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}

		childless = append(childless, id)
	}
	rows.Close()

	for _, id := range childless {
		if err := s.deleteAggregate(ctx, tx, id); err != nil {
			return nil, err
		}
	}

	return childless, nil
}

// clearMatchTempTables drops any match-value/possibleAggregates temp
// tables created during Upsert, on both success and failure (spec §9 "do
// not guess" note). The current implementation scores candidates with
// plain queries rather than materialised temp tables, so this is a no-op
// placeholder kept for symmetry with future temp-table based scoring.
func (s *Store) clearMatchTempTables(ctx context.Context, tx *sql.Tx) {
}

func nowUnix() int64 {
	return time.Now().UTC().Unix()
}
