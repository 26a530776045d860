package contactsdb

// Filter is the recursive filter-tree node type compiled to SQL by
// FilterCompiler (spec §4.D). Each concrete type below is one of the ten
// node kinds named in the spec; Filter itself is a closed, unexported
// marker interface so only this package's node types satisfy it.
type Filter interface {
	isFilter()
}

// MatchFlag selects the string-comparison semantics of a DetailEqualsFilter.
type MatchFlag int

const (
	MatchExact MatchFlag = iota
	MatchStartsWith
	MatchContains
	MatchEndsWith
)

// DefaultFilter matches every contact subject to the compiler's default
// visibility constraints.
type DefaultFilter struct{}

func (DefaultFilter) isFilter() {}

// DetailExistsFilter matches contacts carrying at least one detail of Kind.
type DetailExistsFilter struct {
	Kind DetailKind
}

func (DetailExistsFilter) isFilter() {}

// DetailEqualsFilter matches contacts with a detail field equal to (or
// matching, per Match) Value.
type DetailEqualsFilter struct {
	Kind           DetailKind
	Field          string
	Value          string
	Match          MatchFlag
	CaseSensitive  bool
}

func (DetailEqualsFilter) isFilter() {}

// RangeBoundFlag controls whether a DetailRangeFilter bound is inclusive.
type RangeBoundFlag int

const (
	IncludeLower RangeBoundFlag = iota
	ExcludeLower
)

const (
	IncludeUpper RangeBoundFlag = iota
	ExcludeUpper
)

// DetailRangeFilter matches a numeric/date field against an optional
// [min, max) or (min, max] style range; a nil bound means unset.
type DetailRangeFilter struct {
	Kind       DetailKind
	Field      string
	Min, Max   *string
	LowerFlag RangeBoundFlag
	UpperFlag RangeBoundFlag
}

func (DetailRangeFilter) isFilter() {}

// IDFilter matches contacts by primary key.
type IDFilter struct {
	IDs []int64
}

func (IDFilter) isFilter() {}

// CollectionFilter matches contacts belonging to any of CollectionIDs.
type CollectionFilter struct {
	CollectionIDs []int64
}

func (CollectionFilter) isFilter() {}

// ChangeLogEventType selects which change-log edge a ChangeLogFilter tests.
type ChangeLogEventType int

const (
	ChangeLogAdded ChangeLogEventType = iota
	ChangeLogChanged
	ChangeLogRemoved
)

// ChangeLogFilter matches contacts added/changed/removed since Since (Unix
// seconds).
type ChangeLogFilter struct {
	Event ChangeLogEventType
	Since int64
}

func (ChangeLogFilter) isFilter() {}

// RelationshipRole selects which side of a Relationship row the id applies
// to.
type RelationshipRole int

const (
	RoleEither RelationshipRole = iota
	RoleFirst
	RoleSecond
)

// RelationshipFilter matches contacts participating in a relationship
// matching the given (optional) id and (optional) type, in the given role.
type RelationshipFilter struct {
	HasID   bool
	ID      int64
	HasType bool
	Type    RelationshipType
	Role    RelationshipRole
}

func (RelationshipFilter) isFilter() {}

// UnionFilter ORs its children.
type UnionFilter struct {
	Children []Filter
}

func (UnionFilter) isFilter() {}

// IntersectionFilter ANDs its children; DefaultFilter children are skipped.
type IntersectionFilter struct {
	Children []Filter
}

func (IntersectionFilter) isFilter() {}

// SortBlankPolicy controls where rows with an empty sort key land.
type SortBlankPolicy int

const (
	BlanksFirst SortBlankPolicy = iota
	BlanksLast
)

// SortOrder is one term of a read operation's compiled ORDER BY.
type SortOrder struct {
	Kind          DetailKind
	Field         string
	Descending    bool
	Blanks        SortBlankPolicy
	CaseSensitive bool
}

// FetchHint narrows a read operation's shape (spec §4.E).
type FetchHint struct {
	MaxCount        int
	DetailTypes     []DetailKind // empty means "all supported kinds"
	KeepChangeFlags bool
}
