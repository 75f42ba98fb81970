// Package pagination implements opaque keyset cursors for list endpoints.
//
// A cursor names the (createdAt, id) pair of the last row on a page.
// Stores fetch limit+1 rows ordered by that pair; ComputePage trims the
// overflow row and emits the cursor for the next request.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned when a cursor string cannot be decoded.
// Callers surface it as a client error rather than a server fault.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the decoded position within a result set.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs the keyset position into an opaque URL-safe string.
func Encode(createdAt time.Time, id string) string {
	return base64.URLEncoding.EncodeToString(
		[]byte(fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)))
}

// Decode unpacks a cursor produced by Encode. An empty string decodes to
// a nil cursor, meaning "first page".
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanosStr, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims a limit+1 fetch down to the page and derives the next
// cursor. keyOf extracts the (createdAt, id) pair from an item. The bool
// reports whether more rows exist past this page.
func ComputePage[T any](items []T, limit int, keyOf func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	page := items[:limit]
	createdAt, id := keyOf(page[len(page)-1])
	return page, Encode(createdAt, id), true
}
