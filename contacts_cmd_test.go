package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/qtcontacts-sqlite/internal/contactsdb"
)

func TestBuildFilter_NoTermsReturnsDefaultFilter(t *testing.T) {
	f, err := buildFilter(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, contactsdb.DefaultFilter{}, f)
}

func TestBuildFilter_SingleTermReturnsDetailEqualsFilter(t *testing.T) {
	f, err := buildFilter([]string{"EmailAddress.EmailAddress=ada@example.com"}, 0)
	require.NoError(t, err)

	eq, ok := f.(contactsdb.DetailEqualsFilter)
	require.True(t, ok)
	assert.Equal(t, contactsdb.DetailKind("EmailAddress"), eq.Kind)
	assert.Equal(t, "EmailAddress", eq.Field)
	assert.Equal(t, "ada@example.com", eq.Value)
}

func TestBuildFilter_MultipleTermsIntersect(t *testing.T) {
	f, err := buildFilter([]string{"Name.FirstName=Ada", "Name.LastName=Lovelace"}, 0)
	require.NoError(t, err)

	inter, ok := f.(contactsdb.IntersectionFilter)
	require.True(t, ok)
	assert.Len(t, inter.Children, 2)
}

func TestBuildFilter_CollectionAddsCollectionFilter(t *testing.T) {
	f, err := buildFilter(nil, 42)
	require.NoError(t, err)

	col, ok := f.(contactsdb.CollectionFilter)
	require.True(t, ok)
	assert.Equal(t, []int64{42}, col.CollectionIDs)
}

func TestBuildFilter_RejectsTermWithoutEquals(t *testing.T) {
	_, err := buildFilter([]string{"Name.FirstName"}, 0)
	assert.Error(t, err)
}

func TestBuildFilter_RejectsTermWithoutKindFieldDot(t *testing.T) {
	_, err := buildFilter([]string{"Bogus=value"}, 0)
	assert.Error(t, err)
}

func TestBuildSortOrders_ParsesAscendingAndDescending(t *testing.T) {
	orders, err := buildSortOrders([]string{"Name.FirstName", "Name.LastName:desc"})
	require.NoError(t, err)
	require.Len(t, orders, 2)

	assert.Equal(t, contactsdb.DetailKind("Name"), orders[0].Kind)
	assert.Equal(t, "FirstName", orders[0].Field)
	assert.False(t, orders[0].Descending)

	assert.Equal(t, "LastName", orders[1].Field)
	assert.True(t, orders[1].Descending)
}

func TestBuildSortOrders_RejectsTermWithoutDot(t *testing.T) {
	_, err := buildSortOrders([]string{"Bogus"})
	assert.Error(t, err)
}

func TestWithoutKind_RemovesOnlyMatchingKind(t *testing.T) {
	details := []*contactsdb.Detail{
		{Kind: contactsdb.KindPhoneNumber, Fields: map[string]any{"Number": "1"}},
		{Kind: contactsdb.KindEmailAddress, Fields: map[string]any{"EmailAddress": "a@b.com"}},
		{Kind: contactsdb.KindPhoneNumber, Fields: map[string]any{"Number": "2"}},
	}

	out := withoutKind(details, contactsdb.KindPhoneNumber)

	require.Len(t, out, 1)
	assert.Equal(t, contactsdb.KindEmailAddress, out[0].Kind)
}

func TestDisplayLabelOf_ReturnsEmptyWhenNoDisplayLabelDetail(t *testing.T) {
	c := &contactsdb.Contact{}
	assert.Empty(t, displayLabelOf(c))
}

func TestDisplayLabelOf_ReturnsLabelField(t *testing.T) {
	c := &contactsdb.Contact{Details: []*contactsdb.Detail{
		{Kind: contactsdb.KindDisplayLabel, Fields: map[string]any{"Label": "Ada Lovelace"}},
	}}
	assert.Equal(t, "Ada Lovelace", displayLabelOf(c))
}
