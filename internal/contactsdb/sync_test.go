package contactsdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncUpdate_AdditionCreatesConstituent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	col := &Collection{Name: "Remote", ApplicationName: "test-sync", Aggregable: true}
	_, err := s.SaveCollections(ctx, []*Collection{col})
	require.NoError(t, err)

	newC := newLocalContact("Ada", "Lovelace")

	errs, err := s.SyncUpdate(ctx, col.ID, PreserveLocalChanges, []SyncPair{{Old: nil, New: newC}})
	require.NoError(t, err)
	assert.Equal(t, NoError, errs.Worst())

	ids, err := s.ReadContactIDs(ctx, CollectionFilter{CollectionIDs: []int64{col.ID}}, nil)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestSyncUpdate_DeletionTombstonesConstituent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	col := &Collection{Name: "Remote", ApplicationName: "test-sync", Aggregable: true}
	_, err := s.SaveCollections(ctx, []*Collection{col})
	require.NoError(t, err)

	added := newLocalContact("Ada", "Lovelace")
	_, err = s.SyncUpdate(ctx, col.ID, PreserveLocalChanges, []SyncPair{{Old: nil, New: added}})
	require.NoError(t, err)

	ids, err := s.ReadContactIDs(ctx, CollectionFilter{CollectionIDs: []int64{col.ID}}, nil)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	constituentID := ids[0]

	old := &Contact{ID: constituentID}
	errs, err := s.SyncUpdate(ctx, col.ID, PreserveLocalChanges, []SyncPair{{Old: old, New: nil}})
	require.NoError(t, err)
	assert.Equal(t, NoError, errs.Worst())

	deleted, err := s.ReadDeletedContactIDs(ctx, CollectionFilter{CollectionIDs: []int64{col.ID}})
	require.NoError(t, err)
	assert.Contains(t, deleted, constituentID)
}

func TestSyncUpdate_MergeUpdatesConstituentNotAggregate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	col := &Collection{Name: "Remote", ApplicationName: "test-sync", Aggregable: true}
	_, err := s.SaveCollections(ctx, []*Collection{col})
	require.NoError(t, err)

	added := newLocalContact("Ada", "Lovelace")
	errs, err := s.SyncUpdate(ctx, col.ID, PreserveLocalChanges, []SyncPair{{Old: nil, New: added}})
	require.NoError(t, err)
	require.Equal(t, NoError, errs.Worst())

	ids, err := s.ReadContactIDs(ctx, CollectionFilter{CollectionIDs: []int64{col.ID}}, nil)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	constituentID := ids[0]

	aggregatesRelType := RelationshipAggregates
	aggregates, err := s.ReadRelationships(ctx, &aggregatesRelType, nil, &constituentID)
	require.NoError(t, err)
	require.Len(t, aggregates, 1)
	aggregateID := aggregates[0].FirstContactID
	require.NotEqual(t, constituentID, aggregateID, "aggregation must assign the aggregate a distinct contact id")

	_, fetched, _, _, err := s.SyncFetch(ctx, col.ID, 0, nil)
	require.NoError(t, err)
	require.Len(t, fetched, 1)

	view := fetched[0]
	require.Equal(t, aggregateID, view.ID, "SyncFetch reports partial views under the aggregate id")

	mutated := &Contact{ID: view.ID, CollectionID: view.CollectionID, Details: cloneAll(view.Details)}
	name := mutated.DetailOfKind(KindName)
	require.NotNil(t, name)
	name.Fields["FirstName"] = "Augusta"

	errs, err = s.SyncUpdate(ctx, col.ID, PreserveLocalChanges, []SyncPair{{Old: view, New: mutated}})
	require.NoError(t, err)
	assert.Equal(t, NoError, errs.Worst())

	contacts, batchErrs, err := s.ReadContactsByID(ctx, []int64{constituentID, aggregateID}, FetchHint{}, true)
	require.NoError(t, err)
	require.Empty(t, batchErrs)
	require.Len(t, contacts, 2)

	byID := make(map[int64]*Contact, 2)
	for _, c := range contacts {
		byID[c.ID] = c
	}

	constituent := byID[constituentID]
	require.NotNil(t, constituent)
	assert.Equal(t, col.ID, constituent.CollectionID, "the constituent must still belong to the remote collection")
	cName := constituent.DetailOfKind(KindName)
	require.NotNil(t, cName)
	assert.Equal(t, "Augusta", cName.Get("FirstName"), "the update must land on the real constituent")

	aggregate := byID[aggregateID]
	require.NotNil(t, aggregate)
	assert.Equal(t, AggregateCollectionID, aggregate.CollectionID, "the aggregate row must never be overwritten with the sync collection id")
}

func TestSyncFetch_ReturnsAddedSinceZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	col := &Collection{Name: "Remote", ApplicationName: "test-sync", Aggregable: true}
	_, err := s.SaveCollections(ctx, []*Collection{col})
	require.NoError(t, err)

	added := newLocalContact("Ada", "Lovelace")
	_, err = s.SyncUpdate(ctx, col.ID, PreserveLocalChanges, []SyncPair{{Old: nil, New: added}})
	require.NoError(t, err)

	updated, newlyAdded, deletedIDs, maxTS, err := s.SyncFetch(ctx, col.ID, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, updated)
	assert.Len(t, newlyAdded, 1)
	assert.Empty(t, deletedIDs)
	assert.Positive(t, maxTS)
}

func TestMergeDetailSets_PreserveLocalChangesKeepsDeviceValueOnConflict(t *testing.T) {
	current := &Contact{ID: 1, Details: []*Detail{
		{Kind: KindName, Fields: map[string]any{"FirstName": "DeviceName", "LastName": ""}},
	}}
	old := &Contact{ID: 1, Details: []*Detail{
		{Kind: KindName, Fields: map[string]any{"FirstName": "Original", "LastName": ""}},
	}}
	remote := &Contact{ID: 1, Details: []*Detail{
		{Kind: KindName, Fields: map[string]any{"FirstName": "RemoteName", "LastName": ""}},
	}}

	merged := mergeDetailSets(current, old, remote, PreserveLocalChanges)

	name := merged.DetailOfKind(KindName)
	require.NotNil(t, name)
	assert.Equal(t, "DeviceName", name.Get("FirstName"))
}

func TestMergeDetailSets_PreserveRemoteChangesTakesIncomingValueOnConflict(t *testing.T) {
	current := &Contact{ID: 1, Details: []*Detail{
		{Kind: KindName, Fields: map[string]any{"FirstName": "DeviceName", "LastName": ""}},
	}}
	old := &Contact{ID: 1, Details: []*Detail{
		{Kind: KindName, Fields: map[string]any{"FirstName": "Original", "LastName": ""}},
	}}
	remote := &Contact{ID: 1, Details: []*Detail{
		{Kind: KindName, Fields: map[string]any{"FirstName": "RemoteName", "LastName": ""}},
	}}

	merged := mergeDetailSets(current, old, remote, PreserveRemoteChanges)

	name := merged.DetailOfKind(KindName)
	require.NotNil(t, name)
	assert.Equal(t, "RemoteName", name.Get("FirstName"))
}

func TestMergeDetailSets_UnchangedRemoteKeepsDeviceValue(t *testing.T) {
	current := &Contact{ID: 1, Details: []*Detail{
		{Kind: KindName, Fields: map[string]any{"FirstName": "DeviceName", "LastName": ""}},
	}}
	old := &Contact{ID: 1, Details: []*Detail{
		{Kind: KindName, Fields: map[string]any{"FirstName": "Original", "LastName": ""}},
	}}
	remote := &Contact{ID: 1, Details: []*Detail{
		{Kind: KindName, Fields: map[string]any{"FirstName": "Original", "LastName": ""}},
	}}

	merged := mergeDetailSets(current, old, remote, PreserveLocalChanges)

	name := merged.DetailOfKind(KindName)
	require.NotNil(t, name)
	assert.Equal(t, "DeviceName", name.Get("FirstName"), "device changed, remote did not: device value wins regardless of policy")
}

func TestSplitProvenance(t *testing.T) {
	collection, contact, ok := splitProvenance("2:7:3")
	require.True(t, ok)
	assert.Equal(t, int64(2), collection)
	assert.Equal(t, int64(7), contact)

	_, _, ok = splitProvenance("not-a-provenance-string")
	assert.False(t, ok)
}
