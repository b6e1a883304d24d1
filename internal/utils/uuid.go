// Package utils provides small shared helpers: identifier generation and
// validation, and a fixed-size worker pool.
package utils

import (
	"regexp"

	"github.com/google/uuid"
)

// canonicalUUID is the strict wire form: lower-case hex, hyphenated
// 8-4-4-4-12. Identifiers arriving over the RPC surface must match exactly;
// uuid.Parse alone would also admit braced, URN and un-hyphenated forms.
var canonicalUUID = regexp.MustCompile(
	`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// GenerateUUID generates a new UUID v4 string.
func GenerateUUID() string {
	return uuid.New().String()
}

// IsCanonicalUUID reports whether s is a canonical lower-case UUID string.
func IsCanonicalUUID(s string) bool {
	return canonicalUUID.MatchString(s)
}
