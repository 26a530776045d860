package contactsdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveContacts_CreateAssignsIDAndGuid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newLocalContact("Ada", "Lovelace")

	errs, err := s.SaveContacts(ctx, []*Contact{c}, nil)
	require.NoError(t, err)
	assert.Equal(t, NoError, errs.Worst())
	assert.NotZero(t, c.ID)

	guid := c.DetailOfKind(KindGuid)
	require.NotNil(t, guid)
	assert.NotEmpty(t, guid.Get("Guid"))

	label := c.DetailOfKind(KindDisplayLabel)
	require.NotNil(t, label)
	assert.Equal(t, "Ada Lovelace", label.Get("Label"))
}

func TestSaveContacts_RejectsMixedCollectionBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newLocalContact("Ada", "Lovelace")
	a.CollectionID = LocalCollectionID

	b := newLocalContact("Grace", "Hopper")
	b.CollectionID = 42

	errs, err := s.SaveContacts(ctx, []*Contact{a, b}, nil)
	require.NoError(t, err)
	assert.Equal(t, BadArgument, errs.Worst())
}

func TestSaveContacts_RejectsDirectAggregateWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agg := newLocalContact("Ada", "Lovelace")
	agg.CollectionID = AggregateCollectionID

	errs, err := s.SaveContacts(ctx, []*Contact{agg}, nil)
	require.NoError(t, err)
	assert.Equal(t, BadArgument, errs[0])
}

func TestSaveContacts_UpdateRejectsCollectionMove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newLocalContact("Ada", "Lovelace")
	_, err := s.SaveContacts(ctx, []*Contact{c}, nil)
	require.NoError(t, err)

	c.CollectionID = 999

	errs, err := s.SaveContacts(ctx, []*Contact{c}, nil)
	require.NoError(t, err)
	assert.Equal(t, Unspecified, errs.Worst())
}

func TestSaveContacts_ValidatesSingularDetailKinds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newLocalContact("Ada", "Lovelace")
	c.Details = append(c.Details,
		&Detail{Kind: KindFavorite, Fields: map[string]any{"IsFavorite": true}},
		&Detail{Kind: KindFavorite, Fields: map[string]any{"IsFavorite": false}},
	)

	errs, err := s.SaveContacts(ctx, []*Contact{c}, nil)
	require.NoError(t, err)
	assert.Equal(t, LimitReached, errs[0])
}

func TestSaveContacts_RejectsUnsupportedDetailKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newLocalContact("Ada", "Lovelace")
	c.Details = append(c.Details, &Detail{Kind: DetailKind("Bogus"), Fields: map[string]any{}})

	errs, err := s.SaveContacts(ctx, []*Contact{c}, nil)
	require.NoError(t, err)
	assert.Equal(t, InvalidDetail, errs[0])
}

func TestSaveContacts_NormalizesPhoneNumberOnInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newLocalContact("Ada", "Lovelace")
	c.Details = append(c.Details, &Detail{Kind: KindPhoneNumber, Fields: map[string]any{"PhoneNumber": "+1 555-0100"}})

	_, err := s.SaveContacts(ctx, []*Contact{c}, nil)
	require.NoError(t, err)

	phone := c.DetailOfKind(KindPhoneNumber)
	require.NotNil(t, phone)
	assert.Equal(t, "15550100", phone.Get("NormalizedNumber"))
}

func TestRemoveContacts_RejectsReservedAndSelfIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	errs, err := s.RemoveContacts(ctx, []int64{LocalCollectionID, AggregateCollectionID, LocalSelfContactID, AggregateSelfContactID})
	require.NoError(t, err)

	for i := range []int64{0, 1, 2, 3} {
		assert.Equal(t, BadArgument, errs[i])
	}
}

func TestRemoveContacts_TombstonesExistingContact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newLocalContact("Ada", "Lovelace")
	_, err := s.SaveContacts(ctx, []*Contact{c}, nil)
	require.NoError(t, err)

	errs, err := s.RemoveContacts(ctx, []int64{c.ID})
	require.NoError(t, err)
	assert.Equal(t, NoError, errs.Worst())

	deletedIDs, err := s.ReadDeletedContactIDs(ctx, CollectionFilter{CollectionIDs: []int64{LocalCollectionID}})
	require.NoError(t, err)
	assert.Contains(t, deletedIDs, c.ID)
}

func TestRemoveContacts_UnknownIDReportsDoesNotExist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	errs, err := s.RemoveContacts(ctx, []int64{123456})
	require.NoError(t, err)
	assert.Equal(t, DoesNotExist, errs[0])
}

func TestSaveRelationships_RejectsSelfRelationship(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newLocalContact("Ada", "Lovelace")
	_, err := s.SaveContacts(ctx, []*Contact{c}, nil)
	require.NoError(t, err)

	errs, err := s.SaveRelationships(ctx, []Relationship{{FirstContactID: c.ID, SecondContactID: c.ID, Type: RelationshipIsNot}})
	require.NoError(t, err)
	assert.Equal(t, InvalidRelationship, errs[0])
}

func TestSaveRelationships_RejectsUnknownParticipant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newLocalContact("Ada", "Lovelace")
	_, err := s.SaveContacts(ctx, []*Contact{c}, nil)
	require.NoError(t, err)

	errs, err := s.SaveRelationships(ctx, []Relationship{{FirstContactID: c.ID, SecondContactID: 987654, Type: RelationshipIsNot}})
	require.NoError(t, err)
	assert.Equal(t, InvalidRelationship, errs[0])
}

func TestSaveRelationships_InsertsValidEdge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newLocalContact("Ada", "Lovelace")
	b := newLocalContact("Grace", "Hopper")
	_, err := s.SaveContacts(ctx, []*Contact{a}, nil)
	require.NoError(t, err)
	_, err = s.SaveContacts(ctx, []*Contact{b}, nil)
	require.NoError(t, err)

	errs, err := s.SaveRelationships(ctx, []Relationship{{FirstContactID: a.ID, SecondContactID: b.ID, Type: RelationshipIsNot}})
	require.NoError(t, err)
	assert.Equal(t, NoError, errs.Worst())

	rels, err := s.ReadRelationships(ctx, nil, &a.ID, nil)
	require.NoError(t, err)
	assert.Len(t, rels, 1)
	assert.Equal(t, RelationshipIsNot, rels[0].Type)
}

func TestSaveCollections_RejectsWriteToAggregateCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	col := &Collection{ID: AggregateCollectionID, Name: "bogus"}

	errs, err := s.SaveCollections(ctx, []*Collection{col})
	require.NoError(t, err)
	assert.Equal(t, BadArgument, errs[0])
}

func TestSaveCollections_CreateAssignsID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	col := &Collection{Name: "Work", ApplicationName: "test-suite", Aggregable: true}

	errs, err := s.SaveCollections(ctx, []*Collection{col})
	require.NoError(t, err)
	assert.Equal(t, NoError, errs.Worst())
	assert.NotZero(t, col.ID)
}

func TestRemoveCollections_RejectsReservedIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	errs, err := s.RemoveCollections(ctx, []int64{LocalCollectionID, AggregateCollectionID})
	require.NoError(t, err)
	assert.Equal(t, BadArgument, errs[0])
	assert.Equal(t, BadArgument, errs[1])
}

func TestSetIdentity_RejectsSelfContactSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.SetIdentity(ctx, SelfContactIdentity, 5)
	require.Error(t, err)

	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, BadArgument, ce.Code)
}

func TestSetIdentity_WritesCustomSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newLocalContact("Ada", "Lovelace")
	_, err := s.SaveContacts(ctx, []*Contact{c}, nil)
	require.NoError(t, err)

	err = s.SetIdentity(ctx, IdentitySlot("FavoriteContact"), c.ID)
	require.NoError(t, err)
}
