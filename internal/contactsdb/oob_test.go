package contactsdb

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreOOBFetchOOB_RoundTripsShortStringUncompressed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	errs, err := s.StoreOOB(ctx, "scope-a", map[string]OOBEntry{
		"greeting": {Value: []byte("hello"), IsString: true},
	})
	require.NoError(t, err)
	assert.Equal(t, NoError, errs.Worst())

	got, err := s.FetchOOB(ctx, "scope-a", nil)
	require.NoError(t, err)
	require.Contains(t, got, "greeting")
	assert.Equal(t, "hello", string(got["greeting"].Value))
	assert.Equal(t, OOBNone, got["greeting"].Compression)
}

func TestStoreOOBFetchOOB_CompressesLongLowEntropyString(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	long := strings.Repeat("a", oobStringLengthThreshold+1)

	_, err := s.StoreOOB(ctx, "scope-b", map[string]OOBEntry{
		"blob": {Value: []byte(long), IsString: true},
	})
	require.NoError(t, err)

	got, err := s.FetchOOB(ctx, "scope-b", nil)
	require.NoError(t, err)
	require.Contains(t, got, "blob")
	assert.Equal(t, long, string(got["blob"].Value), "decompression must restore the original value")
	assert.Equal(t, OOBDeflateUTF8, got["blob"].Compression)
}

func TestStoreOOBFetchOOB_LeavesHighEntropyBytesUncompressed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dense := make([]byte, oobEntropySampleSize)
	for i := range dense {
		dense[i] = byte(i * 97)
	}

	_, err := s.StoreOOB(ctx, "scope-c", map[string]OOBEntry{
		"dense": {Value: dense, IsString: false},
	})
	require.NoError(t, err)

	got, err := s.FetchOOB(ctx, "scope-c", nil)
	require.NoError(t, err)
	require.Contains(t, got, "dense")
	assert.Equal(t, dense, got["dense"].Value)
}

func TestFetchOOBKeys_ListsOnlyRequestedScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreOOB(ctx, "scope-x", map[string]OOBEntry{"k1": {Value: []byte("v1"), IsString: true}})
	require.NoError(t, err)
	_, err = s.StoreOOB(ctx, "scope-y", map[string]OOBEntry{"k2": {Value: []byte("v2"), IsString: true}})
	require.NoError(t, err)

	keys, err := s.FetchOOBKeys(ctx, "scope-x")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, keys)
}

func TestRemoveOOB_DeletesSingleKeyWithoutAffectingOthers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreOOB(ctx, "scope-z", map[string]OOBEntry{
		"keep": {Value: []byte("a"), IsString: true},
		"drop": {Value: []byte("b"), IsString: true},
	})
	require.NoError(t, err)

	err = s.RemoveOOB(ctx, "scope-z", []string{"drop"})
	require.NoError(t, err)

	got, err := s.FetchOOB(ctx, "scope-z", nil)
	require.NoError(t, err)
	assert.Contains(t, got, "keep")
	assert.NotContains(t, got, "drop")
}

func TestRemoveOOB_EmptyKeysClearsEntireScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreOOB(ctx, "scope-w", map[string]OOBEntry{
		"a": {Value: []byte("1"), IsString: true},
		"b": {Value: []byte("2"), IsString: true},
	})
	require.NoError(t, err)

	err = s.RemoveOOB(ctx, "scope-w", nil)
	require.NoError(t, err)

	got, err := s.FetchOOB(ctx, "scope-w", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestShannonEntropy(t *testing.T) {
	assert.Equal(t, 0.0, shannonEntropy(nil))

	uniform := make([]byte, 256)
	for i := range uniform {
		uniform[i] = byte(i)
	}
	assert.InDelta(t, 1.0, shannonEntropy(uniform), 0.01)

	allSame := []byte{7, 7, 7, 7, 7}
	assert.Equal(t, 0.0, shannonEntropy(allSame))
}

func TestDeflateInflateBytes_RoundTrips(t *testing.T) {
	original := []byte(strings.Repeat("round trip me ", 20))

	compressed, err := deflateBytes(original)
	require.NoError(t, err)
	assert.NotEqual(t, original, compressed)

	restored, err := inflateBytes(compressed)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}
