package trust

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// maxServerIDLen bounds identities so they stay usable as request id prefixes
// and storage keys.
const maxServerIDLen = 256

// NormalizeServerID returns the canonical form of a tool server identity.
//
// Two identities that differ only in Unicode composition or surrounding
// whitespace map to the same certificate. Control characters are rejected.
func NormalizeServerID(id string) (string, error) {
	n := norm.NFC.String(strings.TrimSpace(id))
	if n == "" {
		return "", ErrInvalidServerID
	}
	if len(n) > maxServerIDLen {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidServerID, maxServerIDLen)
	}
	for _, r := range n {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains control characters", ErrInvalidServerID)
		}
	}
	return n, nil
}
