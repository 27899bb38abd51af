// Package trust is the per-server certificate store for MCP tool servers.
//
// Every tool server identity owns at most one Certificate. The certificate
// carries the server's trust tier, which decides what its content may do
// once rendered (see package contentpolicy).
package trust

import (
	"fmt"
	"strings"
)

// Tier classifies what a tool server's content is permitted to do.
//
// Tiers are ordered by capability, not by cryptographic strength: Trusted is
// granted by the user and sits above Verified even though it carries no
// third-party attestation.
type Tier string

const (
	TierUnverified Tier = "unverified"
	TierVerified   Tier = "verified"
	TierTrusted    Tier = "trusted"
)

var tierRank = map[Tier]int{
	TierUnverified: 0,
	TierVerified:   1,
	TierTrusted:    2,
}

// Rank returns the capability rank of the tier. Unknown tiers rank below
// Unverified.
func (t Tier) Rank() int {
	r, ok := tierRank[t]
	if !ok {
		return -1
	}
	return r
}

// AtLeast reports whether t grants at least the capabilities of min.
func (t Tier) AtLeast(min Tier) bool {
	return t.Rank() >= min.Rank()
}

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

func (t Tier) String() string { return string(t) }

// ParseTier parses a tier name, case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown trust tier %q", s)
	}
	return t, nil
}
