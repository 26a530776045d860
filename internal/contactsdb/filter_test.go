package contactsdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterCompiler_DefaultFilterAppliesVisibilityConstraints(t *testing.T) {
	fc := newFilterCompiler(0)

	cf := fc.Compile(DefaultFilter{})
	require.False(t, cf.Failed)

	assert.Contains(t, cf.Where, "Contacts.collectionId = 1")
	assert.Contains(t, cf.Where, "Contacts.is_deactivated = 0")
	assert.Contains(t, cf.Where, "Contacts.change_flags < 4")
}

func TestFilterCompiler_IDFilterSkipsCollectionDefault(t *testing.T) {
	fc := newFilterCompiler(0)

	cf := fc.Compile(IDFilter{IDs: []int64{10, 20}})
	require.False(t, cf.Failed)

	assert.Contains(t, cf.Where, "Contacts.contactId IN (?, ?)")
	assert.NotContains(t, cf.Where, "collectionId = 1")
	assert.Equal(t, []any{int64(10), int64(20)}, cf.Bindings)
}

func TestFilterCompiler_IDFilterReferencingSelfSkipsSelfExclusion(t *testing.T) {
	fc := newFilterCompiler(0)

	cf := fc.Compile(IDFilter{IDs: []int64{LocalSelfContactID}})
	require.False(t, cf.Failed)
	assert.NotContains(t, cf.Where, "Contacts.contactId >")
}

func TestFilterCompiler_LargeIDListSpillsToTempTable(t *testing.T) {
	fc := newFilterCompiler(4)

	ids := []int64{1, 2, 3, 4, 5, 6}
	cf := fc.Compile(IDFilter{IDs: ids})
	require.False(t, cf.Failed)

	require.Len(t, cf.tempTables, 1)
	assert.Equal(t, ids, cf.tempTables[0].IDs)
	assert.Contains(t, cf.Where, "SELECT contactId FROM temp.idspill_1")
}

func TestFilterCompiler_DetailEqualsUnknownKindFails(t *testing.T) {
	fc := newFilterCompiler(0)

	cf := fc.Compile(DetailEqualsFilter{Kind: DetailKind("Bogus"), Field: "X", Value: "y"})
	assert.True(t, cf.Failed)
	assert.Contains(t, cf.FailReason, "unknown detail kind")
}

func TestFilterCompiler_DetailEqualsUnknownFieldFails(t *testing.T) {
	fc := newFilterCompiler(0)

	cf := fc.Compile(DetailEqualsFilter{Kind: KindEmailAddress, Field: "Bogus", Value: "y"})
	assert.True(t, cf.Failed)
	assert.Contains(t, cf.FailReason, "no field")
}

func TestFilterCompiler_DetailEqualsMatchFlagsUseGlob(t *testing.T) {
	fc := newFilterCompiler(0)

	cf := fc.Compile(DetailEqualsFilter{Kind: KindEmailAddress, Field: "EmailAddress", Value: "ada", Match: MatchContains})
	require.False(t, cf.Failed)
	assert.Contains(t, cf.Where, "GLOB ?")
	assert.Contains(t, cf.Bindings, "*ada*")
}

func TestFilterCompiler_PhoneFieldNormalizesValue(t *testing.T) {
	fc := newFilterCompiler(0)

	cf := fc.Compile(DetailEqualsFilter{Kind: KindPhoneNumber, Field: "PhoneNumber", Value: "+1 555-0100"})
	require.False(t, cf.Failed)
	assert.Contains(t, cf.Bindings, "15550100")
}

func TestFilterCompiler_StatusFlagIsOnlineNeedsTransientPresence(t *testing.T) {
	fc := newFilterCompiler(0)

	cf := fc.Compile(DetailEqualsFilter{Kind: KindStatusFlags, Field: "IsOnline"})
	require.False(t, cf.Failed)
	assert.True(t, cf.NeedsTransientPresence)
}

func TestFilterCompiler_StatusFlagIsDeletedSkipsDefaultDeletedExclusion(t *testing.T) {
	fc := newFilterCompiler(0)

	cf := fc.Compile(DetailEqualsFilter{Kind: KindStatusFlags, Field: "IsDeleted"})
	require.False(t, cf.Failed)
	assert.NotContains(t, cf.Where, "change_flags < 4")
}

func TestFilterCompiler_ChangeLogChangedNeedsTransientTimestamp(t *testing.T) {
	fc := newFilterCompiler(0)

	cf := fc.Compile(ChangeLogFilter{Event: ChangeLogChanged, Since: 100})
	require.False(t, cf.Failed)
	assert.True(t, cf.NeedsTransientTimestamp)
	assert.Contains(t, cf.Where, "transient_ts.modified")
}

func TestFilterCompiler_IntersectionFilterSkipsDefaultFilterChildren(t *testing.T) {
	fc := newFilterCompiler(0)

	cf := fc.Compile(IntersectionFilter{Children: []Filter{
		DefaultFilter{},
		CollectionFilter{CollectionIDs: []int64{LocalCollectionID}},
	}})
	require.False(t, cf.Failed)
	assert.Contains(t, cf.Where, "Contacts.collectionId IN (?)")
}

func TestFilterCompiler_UnionFilterOrsChildren(t *testing.T) {
	fc := newFilterCompiler(0)

	cf := fc.Compile(UnionFilter{Children: []Filter{
		DetailExistsFilter{Kind: KindEmailAddress},
		DetailExistsFilter{Kind: KindPhoneNumber},
	}})
	require.False(t, cf.Failed)
	assert.Contains(t, cf.Where, " OR ")
}

func TestFilterCompiler_NilFilterDefaultsToDefaultFilter(t *testing.T) {
	fc := newFilterCompiler(0)

	cf := fc.Compile(nil)
	require.False(t, cf.Failed)
	assert.Contains(t, cf.Where, "Contacts.collectionId = 1")
}

func TestFilterCompiler_UnsupportedNodeFails(t *testing.T) {
	fc := newFilterCompiler(0)

	type bogusFilter struct{ Filter }

	cf := fc.Compile(bogusFilter{})
	assert.True(t, cf.Failed)
	assert.Contains(t, cf.FailReason, "unsupported filter node")
}
