package contactsdb

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// stableSortBy is a tiny generic wrapper around sort.SliceStable, kept
// separate so reorderByLocale reads as a single domain-level operation.
func stableSortBy[T any](rows []T, less func(i, j int) bool) {
	sort.SliceStable(rows, less)
}

// compiledSort is the ORDER BY fragment plus the locale-sensitive terms left
// out of it (spec §9 Open Question: modernc.org/sqlite has no documented
// custom-collation hook, so no SQL `localeCollation` sequence exists). The
// read paths do not apply LocaleTerms; reorderByLocale can re-sort rows by
// them but has no caller outside tests, so those terms do not affect the
// order of results.
type compiledSort struct {
	OrderBy       string
	NeedsTimestamp bool
	NeedsPresence  bool
	LocaleTerms    []localeSortTerm
}

type localeSortTerm struct {
	Kind       DetailKind
	Field      string
	Descending bool
}

// compileSortOrders builds the ORDER BY clause for orders, always
// terminating in Contacts.contactId for determinism (spec §4.D). locale is
// the active locale tag; non-"C" locales route localised-field terms
// through LocaleTerms instead of a SQL COLLATE clause.
func (fc *FilterCompiler) compileSortOrders(orders []SortOrder, locale string) *compiledSort {
	cs := &compiledSort{}

	var terms []string

	for _, o := range orders {
		desc, ok := descriptor(o.Kind)
		if !ok {
			continue
		}

		var col *FieldColumn

		for i := range desc.Columns {
			if desc.Columns[i].Name == o.Field {
				col = &desc.Columns[i]
				break
			}
		}

		if col == nil {
			continue
		}

		dir := "ASC"
		if o.Descending {
			dir = "DESC"
		}

		nullsTerm := fmt.Sprintf("(d_%s.%s IS NULL) ASC", o.Kind, col.SQLColumn)
		if o.Blanks == BlanksLast {
			nullsTerm = fmt.Sprintf("(d_%s.%s IS NULL) DESC", o.Kind, col.SQLColumn)
		}

		terms = append(terms, nullsTerm)

		if col.Type == FieldLocalizedString || col.Type == FieldLocalizedStringList {
			if locale != "" && locale != "C" {
				cs.LocaleTerms = append(cs.LocaleTerms, localeSortTerm{Kind: o.Kind, Field: o.Field, Descending: o.Descending})
				continue
			}
		}

		collateClause := "COLLATE RTRIM"
		if !o.CaseSensitive {
			collateClause = "COLLATE NOCASE"
		}

		terms = append(terms, fmt.Sprintf("d_%s.%s %s %s", o.Kind, col.SQLColumn, collateClause, dir))
	}

	terms = append(terms, "Contacts.contactId ASC")
	cs.OrderBy = strings.Join(terms, ", ")

	return cs
}

// localeCollator builds a golang.org/x/text/collate.Collator for locale,
// falling back to und (root collation) on an unparseable tag rather than
// failing the read outright.
func localeCollator(locale string) *collate.Collator {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.Und
	}

	return collate.New(tag)
}

// reorderByLocale performs the stable Go-side re-sort for sort terms that
// reference a localised field in a non-"C" locale. It is applied to an
// already SQL-ordered batch as the final pass, keeping the relative order
// SQL established for ties.
func reorderByLocale[T any](rows []T, key func(T) string, locale string, descending bool) {
	c := localeCollator(locale)

	less := func(i, j int) bool {
		cmp := c.CompareString(key(rows[i]), key(rows[j]))
		if descending {
			return cmp > 0
		}

		return cmp < 0
	}

	stableSortBy(rows, less)
}
