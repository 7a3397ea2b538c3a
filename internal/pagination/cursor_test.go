package pagination

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	id := "acct_ab12-42"

	cursor, err := Decode(Encode(ts, id))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, id, cursor.ID)
}

func TestDecodeEmptyMeansFirstPage(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, in := range []string{
		"not-base64!!!",
		"bm9waXBl",         // valid base64, no separator
		"bm90YW51bWJlcnxh", // "notanumber|a"
	} {
		_, err := Decode(in)
		assert.Error(t, err, "input %q", in)
		assert.Contains(t, err.Error(), "invalid cursor")
	}
}

func TestComputePageUnderLimit(t *testing.T) {
	items := txnIDs(3)
	page, cursor, hasMore := ComputePage(items, 5, txnKey)
	assert.Len(t, page, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}

func TestComputePageOverLimit(t *testing.T) {
	items := txnIDs(4)
	page, cursor, hasMore := ComputePage(items, 3, txnKey)
	assert.Len(t, page, 3)
	assert.True(t, hasMore)

	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "acct_test-3", c.ID, "cursor names the last item kept")
}

func TestComputePageExactLimit(t *testing.T) {
	items := txnIDs(3)
	page, cursor, hasMore := ComputePage(items, 3, txnKey)
	assert.Len(t, page, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}

func txnIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("acct_test-%d", i+1)
	}
	return ids
}

func txnKey(id string) (time.Time, string) {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), id
}
