//go:build property
// +build property

package contentpolicy_test

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/mcphost/pkg/contentpolicy"
	"github.com/Mindburn-Labs/mcphost/pkg/trust"
)

var tiers = []trust.Tier{trust.TierUnverified, trust.TierVerified, trust.TierTrusted}

// TestDecideDeterminism verifies the policy is a pure function of its inputs.
// Property: Digest(Decide(t, i)) == Digest(Decide(t, i))
func TestDecideDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Decide is deterministic", prop.ForAll(
		func(idx int, interactive bool) bool {
			tier := tiers[idx]
			a := contentpolicy.Decide(tier, interactive)
			b := contentpolicy.Decide(tier, interactive)
			return a.Ruleset.Digest() == b.Ruleset.Digest() &&
				a.SandboxAttribute() == b.SandboxAttribute() &&
				a.ContentSecurityPolicy() == b.ContentSecurityPolicy()
		},
		gen.IntRange(0, len(tiers)-1),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestStrictSanitizeNeverEmitsActiveMarkup wraps arbitrary text in hostile
// markup and checks the strict ruleset removes it.
func TestStrictSanitizeNeverEmitsActiveMarkup(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	d := contentpolicy.Decide(trust.TierUnverified, true)
	properties.Property("strict output has no script, form or handler", prop.ForAll(
		func(text string) bool {
			in := "<div onmouseover=\"" + text + "\"><script>" + text + "</script>" +
				"<form><input value=\"" + text + "\"></form>" + text + "</div>"
			out, _ := contentpolicy.Sanitize(d, in)
			lower := strings.ToLower(out)
			return !strings.Contains(lower, "<script") &&
				!strings.Contains(lower, "<form") &&
				!strings.Contains(lower, "<input") &&
				!strings.Contains(lower, "onmouseover")
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
