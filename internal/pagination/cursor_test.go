package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 9, 14, 0, 0, 123456789, time.UTC)

	cur, err := Decode(Encode(at, "txn_9f2"))
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, at, cur.CreatedAt)
	assert.Equal(t, "txn_9f2", cur.ID)
}

func TestDecodeFirstPage(t *testing.T) {
	cur, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for name, in := range map[string]string{
		"not base64":   "%%%",
		"no separator": "dHhuXzFubw==", // "txn_1no"
		"bad nanos":    "eHx0eG5fMQ==", // "x|txn_1"
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestComputePageTrimsOverflow(t *testing.T) {
	key := func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	}

	// Four rows against a limit of three means one page plus a cursor.
	page, next, more := ComputePage([]string{"a", "b", "c", "d"}, 3, key)
	require.Len(t, page, 3)
	assert.True(t, more)
	cur, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", cur.ID)

	// At or under the limit there is no next page.
	for _, items := range [][]string{{"a", "b"}, {"a", "b", "c"}} {
		page, next, more = ComputePage(items, 3, key)
		assert.Len(t, page, len(items))
		assert.Empty(t, next)
		assert.False(t, more)
	}
}
