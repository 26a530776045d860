package contactsdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveContacts_CreatesAggregateForNewLocalContact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newLocalContact("Ada", "Lovelace")

	_, err := s.SaveContacts(ctx, []*Contact{c}, nil)
	require.NoError(t, err)

	rels, err := s.ReadRelationships(ctx, nil, nil, &c.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, RelationshipAggregates, rels[0].Type)

	aggregates, errs, err := s.ReadContactsByID(ctx, []int64{rels[0].FirstContactID}, FetchHint{}, true)
	require.NoError(t, err)
	require.Equal(t, NoError, errs.Worst())
	require.Len(t, aggregates, 1)

	label := aggregates[0].DetailOfKind(KindDisplayLabel)
	require.NotNil(t, label)
	assert.Equal(t, "Ada Lovelace", label.Get("Label"))
}

func TestSaveContacts_MatchingNameAttachesToSameAggregate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newLocalContact("Ada", "Lovelace")
	first.Details = append(first.Details, &Detail{Kind: KindEmailAddress, Fields: map[string]any{"EmailAddress": "ada@example.com"}})
	_, err := s.SaveContacts(ctx, []*Contact{first}, nil)
	require.NoError(t, err)

	second := newLocalContact("Ada", "Lovelace")
	second.Details = append(second.Details, &Detail{Kind: KindPhoneNumber, Fields: map[string]any{"PhoneNumber": "555-0100"}})
	_, err = s.SaveContacts(ctx, []*Contact{second}, nil)
	require.NoError(t, err)

	relsFirst, err := s.ReadRelationships(ctx, nil, nil, &first.ID)
	require.NoError(t, err)
	relsSecond, err := s.ReadRelationships(ctx, nil, nil, &second.ID)
	require.NoError(t, err)

	require.Len(t, relsFirst, 1)
	require.Len(t, relsSecond, 1)
	assert.Equal(t, relsFirst[0].FirstContactID, relsSecond[0].FirstContactID, "same-name constituents should attach to one aggregate")

	aggregates, _, err := s.ReadContactsByID(ctx, []int64{relsFirst[0].FirstContactID}, FetchHint{}, true)
	require.NoError(t, err)
	require.Len(t, aggregates, 1)

	assert.NotNil(t, aggregates[0].DetailOfKind(KindEmailAddress), "composed aggregate should carry the email from the first constituent")
	assert.NotNil(t, aggregates[0].DetailOfKind(KindPhoneNumber), "composed aggregate should carry the phone number from the second constituent")
}

func TestSaveRelationships_IsNotSplitsAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newLocalContact("Ada", "Lovelace")
	_, err := s.SaveContacts(ctx, []*Contact{first}, nil)
	require.NoError(t, err)

	second := newLocalContact("Ada", "Lovelace")
	_, err = s.SaveContacts(ctx, []*Contact{second}, nil)
	require.NoError(t, err)

	relsBefore, err := s.ReadRelationships(ctx, nil, nil, &first.ID)
	require.NoError(t, err)
	require.Len(t, relsBefore, 1)
	sharedAggregate := relsBefore[0].FirstContactID

	errs, err := s.SaveRelationships(ctx, []Relationship{{FirstContactID: first.ID, SecondContactID: second.ID, Type: RelationshipIsNot}})
	require.NoError(t, err)
	require.Equal(t, NoError, errs.Worst())

	_, err = s.SaveContacts(ctx, []*Contact{second}, nil)
	require.NoError(t, err)

	relsFirst, err := s.ReadRelationships(ctx, nil, nil, &first.ID)
	require.NoError(t, err)
	relsSecond, err := s.ReadRelationships(ctx, nil, nil, &second.ID)
	require.NoError(t, err)

	require.Len(t, relsFirst, 1)
	require.Len(t, relsSecond, 1)
	assert.Equal(t, sharedAggregate, relsFirst[0].FirstContactID, "IsNot should not move the existing constituent's aggregate")
	assert.NotEqual(t, relsFirst[0].FirstContactID, relsSecond[0].FirstContactID, "IsNot-linked constituents must end up in different aggregates")
}

func TestRemoveContacts_CleansUpChildlessAggregate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newLocalContact("Ada", "Lovelace")
	_, err := s.SaveContacts(ctx, []*Contact{c}, nil)
	require.NoError(t, err)

	rels, err := s.ReadRelationships(ctx, nil, nil, &c.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	aggregateID := rels[0].FirstContactID

	_, err = s.RemoveContacts(ctx, []int64{c.ID})
	require.NoError(t, err)

	contacts, errs, err := s.ReadContactsByID(ctx, []int64{aggregateID}, FetchHint{}, true)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, DoesNotExist, errs[0], "childless aggregate should have been deleted")
}

func TestPromoteDetails_SkipsExcludedKinds(t *testing.T) {
	agg := &Contact{ID: 1, CollectionID: AggregateCollectionID}
	c := &Contact{Details: []*Detail{
		{Kind: KindGlobalPresence, Fields: map[string]any{"PresenceState": "Available"}},
		{Kind: KindStatusFlags, Fields: map[string]any{"Flags": int64(0)}},
		{Kind: KindEmailAddress, Fields: map[string]any{"EmailAddress": "a@b.com"}},
	}}

	promoteDetails(agg, c)

	assert.Nil(t, agg.DetailOfKind(KindGlobalPresence))
	assert.Nil(t, agg.DetailOfKind(KindStatusFlags))
	assert.NotNil(t, agg.DetailOfKind(KindEmailAddress))
}

func TestPromoteComposed_NameFillsMissingFieldsOnly(t *testing.T) {
	agg := &Contact{}
	first := &Detail{Kind: KindName, Fields: map[string]any{"FirstName": "Ada", "LastName": ""}}
	second := &Detail{Kind: KindName, Fields: map[string]any{"FirstName": "Ignored", "LastName": "Lovelace"}}

	promoteComposed(agg, first)
	promoteComposed(agg, second)

	name := agg.DetailOfKind(KindName)
	require.NotNil(t, name)
	assert.Equal(t, "Ada", name.Get("FirstName"), "first value wins, not overwritten by a later constituent")
	assert.Equal(t, "Lovelace", name.Get("LastName"), "empty field is filled in by a later constituent")
}

func TestPrefixAggregateURIs_AddsPrefixOnceIdempotently(t *testing.T) {
	agg := &Contact{Details: []*Detail{
		{URI: "local:1:2", LinkedURIs: []string{"local:1:3"}},
	}}

	prefixAggregateURIs(agg)
	prefixAggregateURIs(agg)

	assert.Equal(t, "aggregate:local:1:2", agg.Details[0].URI)
	assert.Equal(t, "aggregate:local:1:3", agg.Details[0].LinkedURIs[0])
}

func TestCountMatches(t *testing.T) {
	assert.Equal(t, 2, countMatches([]string{"a", "b", "c"}, []string{"b", "c", "d"}))
	assert.Equal(t, 0, countMatches(nil, []string{"a"}))
	assert.Equal(t, 0, countMatches([]string{""}, []string{""}), "empty strings never count as a match")
}
