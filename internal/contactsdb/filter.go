package contactsdb

import (
	"fmt"
	"strconv"
	"strings"
)

// defaultMaxInlineBoundParameters is the bound-parameter count above which an
// Id filter spills to a temporary table instead of an inline IN list, and a
// Collection filter fails compilation (spec §4.D, §8 boundary behaviour). Configurable via
// config.Config.MaxBoundParameters; the FilterCompiler is constructed with
// the resolved value.
const defaultMaxInlineBoundParameters = 800

// compiledFilter is the output of FilterCompiler.Compile (spec §4.D).
type compiledFilter struct {
	Where                   string
	Join                    string
	Bindings                []any
	NeedsTransientTimestamp bool
	NeedsTransientPresence  bool
	Failed                  bool
	FailReason              string

	// tempTables lists temp-table statements that must run before Where is
	// used, one per spilled Id filter.
	tempTables []tempTableSpec
}

type tempTableSpec struct {
	Name string
	IDs  []int64
}

// FilterCompiler translates filter trees and sort-order lists into SQL
// fragments (spec §4.D). It holds no database handle: temp-table creation
// is the caller's responsibility, driven by the tempTables it returns.
type FilterCompiler struct {
	maxInlineBoundParameters int
	tempTableSeq             int
}

func newFilterCompiler(maxInlineBoundParameters int) *FilterCompiler {
	if maxInlineBoundParameters <= 0 {
		maxInlineBoundParameters = defaultMaxInlineBoundParameters
	}

	return &FilterCompiler{maxInlineBoundParameters: maxInlineBoundParameters}
}

// Compile produces the WHERE/JOIN/bindings for filter, then wraps the result
// in the default visibility constraints unless the filter already implies
// them (spec §4.D).
func (fc *FilterCompiler) Compile(filter Filter) *compiledFilter {
	if filter == nil {
		filter = DefaultFilter{}
	}

	cf := &compiledFilter{}
	where := fc.compileNode(filter, cf)

	if cf.Failed {
		return cf
	}

	defaults := fc.defaultVisibilityConstraints(filter)
	if where == "" {
		where = strings.Join(defaults, " AND ")
	} else if len(defaults) > 0 {
		where = "(" + where + ") AND " + strings.Join(defaults, " AND ")
	}

	cf.Where = where
	cf.Join = fc.joinFragment(cf)

	return cf
}

// joinFragment returns the LEFT JOINs against the transient overlay temp
// tables (spec §4.C) needed by cf's where/order fragments. The temp tables
// themselves are emptied and repopulated by the caller before the query
// runs (see (*Store).refreshTransientTempTables).
func (fc *FilterCompiler) joinFragment(cf *compiledFilter) string {
	var parts []string

	if cf.NeedsTransientTimestamp {
		parts = append(parts, "LEFT JOIN temp.Timestamps transient_ts ON transient_ts.contactId = Contacts.contactId")
	}

	if cf.NeedsTransientPresence {
		parts = append(parts, "LEFT JOIN temp.GlobalPresenceStates transient_presence ON transient_presence.contactId = Contacts.contactId")
	}

	return strings.Join(parts, " ")
}

// defaultVisibilityConstraints implements spec §4.D's "after compilation"
// wrapping rules.
func (fc *FilterCompiler) defaultVisibilityConstraints(filter Filter) []string {
	var out []string

	if !filterReferencesSelfIDs(filter) {
		out = append(out, fmt.Sprintf("Contacts.contactId > %d", AggregateSelfContactID))
	}

	if !filterHasCollectionOrIDFilter(filter) {
		out = append(out, fmt.Sprintf("Contacts.collectionId = %d", AggregateCollectionID))
	}

	if !filterTestsIsDeactivated(filter) {
		out = append(out, "Contacts.is_deactivated = 0")
	}

	if !filterTestsIsDeleted(filter) {
		out = append(out, "Contacts.change_flags < 4")
	}

	return out
}

func filterReferencesSelfIDs(f Filter) bool {
	switch v := f.(type) {
	case IDFilter:
		for _, id := range v.IDs {
			if id == AggregateSelfContactID || id == LocalSelfContactID {
				return true
			}
		}
	case UnionFilter:
		for _, c := range v.Children {
			if filterReferencesSelfIDs(c) {
				return true
			}
		}
	case IntersectionFilter:
		for _, c := range v.Children {
			if filterReferencesSelfIDs(c) {
				return true
			}
		}
	}

	return false
}

func filterHasCollectionOrIDFilter(f Filter) bool {
	switch v := f.(type) {
	case CollectionFilter, IDFilter:
		return true
	case UnionFilter:
		for _, c := range v.Children {
			if filterHasCollectionOrIDFilter(c) {
				return true
			}
		}
	case IntersectionFilter:
		for _, c := range v.Children {
			if filterHasCollectionOrIDFilter(c) {
				return true
			}
		}
	}

	return false
}

func filterTestsIsDeactivated(f Filter) bool {
	return filterTestsField(f, func(d DetailEqualsFilter) bool { return d.Kind == KindStatusFlags && d.Field == "IsDeactivated" })
}

func filterTestsIsDeleted(f Filter) bool {
	return filterTestsField(f, func(d DetailEqualsFilter) bool { return d.Kind == KindStatusFlags && d.Field == "IsDeleted" })
}

func filterTestsField(f Filter, match func(DetailEqualsFilter) bool) bool {
	switch v := f.(type) {
	case DetailEqualsFilter:
		return match(v)
	case ChangeLogFilter:
		return v.Event == ChangeLogRemoved
	case UnionFilter:
		for _, c := range v.Children {
			if filterTestsField(c, match) {
				return true
			}
		}
	case IntersectionFilter:
		for _, c := range v.Children {
			if filterTestsField(c, match) {
				return true
			}
		}
	}

	return false
}

// compileNode dispatches by concrete filter type, recording any bindings,
// joins or failures on cf and returning this node's WHERE fragment.
func (fc *FilterCompiler) compileNode(f Filter, cf *compiledFilter) string {
	switch v := f.(type) {
	case DefaultFilter:
		return ""

	case DetailExistsFilter:
		desc, ok := descriptor(v.Kind)
		if !ok {
			cf.Failed = true
			cf.FailReason = fmt.Sprintf("unknown detail kind %q", v.Kind)
			return ""
		}

		return fmt.Sprintf("EXISTS (SELECT 1 FROM %s WHERE contactId = Contacts.contactId)", desc.Table)

	case DetailEqualsFilter:
		return fc.compileDetailEquals(v, cf)

	case DetailRangeFilter:
		return fc.compileDetailRange(v, cf)

	case IDFilter:
		return fc.compileIDList("Contacts.contactId", v.IDs, cf)

	case CollectionFilter:
		if len(v.CollectionIDs) > fc.maxInlineBoundParameters {
			cf.Failed = true
			cf.FailReason = "collection filter exceeds maximum id count"
			return ""
		}

		return fc.compileIDList("Contacts.collectionId", v.CollectionIDs, cf)

	case ChangeLogFilter:
		return fc.compileChangeLog(v, cf)

	case RelationshipFilter:
		return fc.compileRelationship(v, cf)

	case UnionFilter:
		var parts []string

		for _, c := range v.Children {
			part := fc.compileNode(c, cf)
			if cf.Failed {
				return ""
			}

			if part != "" {
				parts = append(parts, part)
			}
		}

		if len(parts) == 0 {
			return ""
		}

		return "(" + strings.Join(parts, " OR ") + ")"

	case IntersectionFilter:
		var parts []string

		for _, c := range v.Children {
			if _, ok := c.(DefaultFilter); ok {
				continue
			}

			part := fc.compileNode(c, cf)
			if cf.Failed {
				return ""
			}

			if part != "" {
				parts = append(parts, part)
			}
		}

		if len(parts) == 0 {
			return ""
		}

		return strings.Join(parts, " AND ")

	default:
		cf.Failed = true
		cf.FailReason = fmt.Sprintf("unsupported filter node %T", f)
		return ""
	}
}

func (fc *FilterCompiler) compileIDList(column string, ids []int64, cf *compiledFilter) string {
	if len(ids) == 0 {
		return "0"
	}

	if len(ids) <= fc.maxInlineBoundParameters {
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			cf.Bindings = append(cf.Bindings, id)
		}

		return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", "))
	}

	fc.tempTableSeq++
	name := fmt.Sprintf("idspill_%d", fc.tempTableSeq)
	cf.tempTables = append(cf.tempTables, tempTableSpec{Name: name, IDs: append([]int64(nil), ids...)})

	return fmt.Sprintf("%s IN (SELECT contactId FROM temp.%s)", column, name)
}

// compileDetailEquals implements the field-type and match-flag dispatch of
// spec §4.D, including the phone-number, enum, case-insensitive-sibling and
// status-flag special cases.
func (fc *FilterCompiler) compileDetailEquals(v DetailEqualsFilter, cf *compiledFilter) string {
	if v.Kind == KindStatusFlags {
		return fc.compileStatusFlag(v, cf)
	}

	desc, ok := descriptor(v.Kind)
	if !ok {
		cf.Failed = true
		cf.FailReason = fmt.Sprintf("unknown detail kind %q", v.Kind)
		return ""
	}

	var col *FieldColumn

	for i := range desc.Columns {
		if desc.Columns[i].Name == v.Field {
			col = &desc.Columns[i]
			break
		}
	}

	if col == nil {
		cf.Failed = true
		cf.FailReason = fmt.Sprintf("detail kind %q has no field %q", v.Kind, v.Field)
		return ""
	}

	value := v.Value
	sqlCol := col.SQLColumn

	phoneExact := col.IsPhone && v.Match == MatchExact

	switch {
	case phoneExact:
		value = normalizePhoneNumber(v.Value)
		sqlCol = "normalizedNumber"
	case col.IsEnum:
		value = enumToString(v.Value)
	}

	var comparisonCol string

	if phoneExact {
		comparisonCol = sqlCol
	} else if col.IsPhone {
		// Non-equality phone matches strip common punctuation noise from the
		// stored value at compare time.
		comparisonCol = fmt.Sprintf("replace(replace(replace(replace(replace(replace(%s, '+', ''), '-', ''), ' ', ''), '#', ''), '(', ''), ')', '')", sqlCol)
	} else if !v.CaseSensitive && col.LowerColumn != "" {
		comparisonCol = col.LowerColumn
		value = strings.ToLower(value)
	} else if !v.CaseSensitive {
		comparisonCol = fmt.Sprintf("lower(%s)", sqlCol)
		value = strings.ToLower(value)
	} else {
		comparisonCol = sqlCol
	}

	if value == "" {
		return fmt.Sprintf("EXISTS (SELECT 1 FROM %s d WHERE d.contactId = Contacts.contactId AND COALESCE(d.%s,'') = '')", desc.Table, sqlCol)
	}

	var op string

	switch v.Match {
	case MatchStartsWith:
		op = "GLOB ?"
		cf.Bindings = append(cf.Bindings, value+"*")
	case MatchContains:
		op = "GLOB ?"
		cf.Bindings = append(cf.Bindings, "*"+value+"*")
	case MatchEndsWith:
		op = "GLOB ?"
		cf.Bindings = append(cf.Bindings, "*"+value)
	default:
		op = "= ?"
		cf.Bindings = append(cf.Bindings, value)
	}

	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s d WHERE d.contactId = Contacts.contactId AND d.%s %s)", desc.Table, comparisonCol, op)
}

func (fc *FilterCompiler) compileStatusFlag(v DetailEqualsFilter, cf *compiledFilter) string {
	switch v.Field {
	case "IsOnline":
		cf.NeedsTransientPresence = true
		return "COALESCE(transient_presence.isOnline, Contacts.is_online) = 1"
	case "IsAdded":
		return "(Contacts.change_flags & 1) != 0"
	case "IsModified":
		return "(Contacts.change_flags & 2) != 0"
	case "IsDeleted":
		return "(Contacts.change_flags & 4) != 0"
	case "IsDeactivated":
		return "Contacts.is_deactivated = 1"
	default:
		cf.Failed = true
		cf.FailReason = fmt.Sprintf("unknown status flag field %q", v.Field)
		return ""
	}
}

func (fc *FilterCompiler) compileDetailRange(v DetailRangeFilter, cf *compiledFilter) string {
	desc, ok := descriptor(v.Kind)
	if !ok {
		cf.Failed = true
		cf.FailReason = fmt.Sprintf("unknown detail kind %q", v.Kind)
		return ""
	}

	var col *FieldColumn

	for i := range desc.Columns {
		if desc.Columns[i].Name == v.Field {
			col = &desc.Columns[i]
			break
		}
	}

	if col == nil {
		cf.Failed = true
		cf.FailReason = fmt.Sprintf("detail kind %q has no field %q", v.Kind, v.Field)
		return ""
	}

	if v.Min == nil && v.Max == nil {
		return fmt.Sprintf("EXISTS (SELECT 1 FROM %s d WHERE d.contactId = Contacts.contactId AND d.%s IS NOT NULL)", desc.Table, col.SQLColumn)
	}

	var clauses []string

	if v.Min != nil {
		op := ">="
		if v.LowerFlag == ExcludeLower {
			op = ">"
		}

		clauses = append(clauses, fmt.Sprintf("d.%s %s ?", col.SQLColumn, op))
		cf.Bindings = append(cf.Bindings, *v.Min)
	}

	if v.Max != nil {
		op := "<="
		if v.UpperFlag == ExcludeUpper {
			op = "<"
		}

		clauses = append(clauses, fmt.Sprintf("d.%s %s ?", col.SQLColumn, op))
		cf.Bindings = append(cf.Bindings, *v.Max)
	}

	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s d WHERE d.contactId = Contacts.contactId AND %s)", desc.Table, strings.Join(clauses, " AND "))
}

func (fc *FilterCompiler) compileChangeLog(v ChangeLogFilter, cf *compiledFilter) string {
	switch v.Event {
	case ChangeLogAdded:
		cf.Bindings = append(cf.Bindings, v.Since)
		return "Contacts.created >= ?"
	case ChangeLogChanged:
		cf.NeedsTransientTimestamp = true
		cf.Bindings = append(cf.Bindings, v.Since)
		return "COALESCE(transient_ts.modified, Contacts.modified) >= ?"
	case ChangeLogRemoved:
		cf.Bindings = append(cf.Bindings, v.Since)
		return "(Contacts.change_flags & 4) != 0 AND Contacts.modified >= ?"
	default:
		cf.Failed = true
		cf.FailReason = "unknown change-log event"
		return ""
	}
}

func (fc *FilterCompiler) compileRelationship(v RelationshipFilter, cf *compiledFilter) string {
	var cond []string

	switch v.Role {
	case RoleFirst:
		cond = append(cond, "r.firstId = Contacts.contactId")
	case RoleSecond:
		cond = append(cond, "r.secondId = Contacts.contactId")
	default:
		cond = append(cond, "(r.firstId = Contacts.contactId OR r.secondId = Contacts.contactId)")
	}

	if v.HasType {
		cond = append(cond, "r.type = ?")
		cf.Bindings = append(cf.Bindings, string(v.Type))
	}

	if v.HasID {
		switch v.Role {
		case RoleFirst:
			cond = append(cond, "r.secondId = ?")
		case RoleSecond:
			cond = append(cond, "r.firstId = ?")
		default:
			cond = append(cond, "(r.firstId = ? OR r.secondId = ?)")
			cf.Bindings = append(cf.Bindings, v.ID)
		}

		cf.Bindings = append(cf.Bindings, v.ID)
	}

	cond = append(cond, `
		NOT EXISTS (SELECT 1 FROM Contacts p WHERE p.contactId = r.firstId AND (p.change_flags & 4) != 0)
		AND NOT EXISTS (SELECT 1 FROM Contacts p WHERE p.contactId = r.secondId AND (p.change_flags & 4) != 0)
	`)

	return fmt.Sprintf("EXISTS (SELECT 1 FROM Relationships r WHERE %s)", strings.Join(cond, " AND "))
}

// enumToString passes a caller-supplied enum value through for binding
// against the numeric text the per-type table stores (spec §4.D). The value
// is returned unchanged whether or not it is decimal text; symbolic names are
// not translated to numbers.
func enumToString(v string) string {
	if _, err := strconv.Atoi(v); err == nil {
		return v
	}

	return v
}
