package query

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// Cursors are opaque tokens encoding the offset of the next page so
// pagination stays stable for a fixed corpus and query.

// EncodeCursor produces the continuation token for an offset.
func EncodeCursor(offset int) string {
	return base64.URLEncoding.EncodeToString([]byte("o:" + strconv.Itoa(offset)))
}

// DecodeCursor recovers the offset from a continuation token.
func DecodeCursor(cursor string) (int, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("malformed cursor: %w", err)
	}
	s := string(raw)
	if len(s) < 2 || s[:2] != "o:" {
		return 0, fmt.Errorf("malformed cursor %q", cursor)
	}
	offset, err := strconv.Atoi(s[2:])
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("malformed cursor %q", cursor)
	}
	return offset, nil
}
