// Package contentpolicy maps a server's trust tier to how its HTML may be
// rendered: which markup survives sanitisation, which sandbox capabilities
// the rendering surface gets, and whether the surface may reach the secure
// response channel.
//
// Decide is pure. Sanitisation is the only defence for Unverified content, so
// nothing supplied by the content itself can widen an Unverified decision.
package contentpolicy

import (
	"strings"

	"github.com/Mindburn-Labs/mcphost/pkg/trust"
)

// Capability is one token of an iframe sandbox attribute.
type Capability string

const (
	AllowScripts    Capability = "allow-scripts"
	AllowForms      Capability = "allow-forms"
	AllowSameOrigin Capability = "allow-same-origin"
)

// Decision is the rendering verdict for one (tier, interactive) pair.
type Decision struct {
	Tier                 trust.Tier   `json:"tier"`
	InteractiveRequested bool         `json:"interactive_requested"`
	Ruleset              Ruleset      `json:"ruleset"`
	Sandbox              []Capability `json:"sandbox"`
	// SecureChannel reports whether the surface may submit responses
	// directly to the backend.
	SecureChannel bool `json:"secure_channel"`
	// Interactive is false when the host must fall back to native controls.
	Interactive bool `json:"interactive"`
}

var fullSandbox = []Capability{AllowScripts, AllowForms, AllowSameOrigin}

// Decide returns the policy for tier. Unknown tiers are treated as Unverified.
func Decide(tier trust.Tier, interactiveRequested bool) Decision {
	if !tier.Valid() || !tier.AtLeast(trust.TierVerified) {
		return Decision{
			Tier:                 trust.TierUnverified,
			InteractiveRequested: interactiveRequested,
			Ruleset:              StrictRuleset(),
			Sandbox:              []Capability{},
		}
	}
	return Decision{
		Tier:                 tier,
		InteractiveRequested: interactiveRequested,
		Ruleset:              PassthroughRuleset(),
		Sandbox:              append([]Capability(nil), fullSandbox...),
		SecureChannel:        true,
		Interactive:          interactiveRequested,
	}
}

// Allows reports whether the sandbox grants c.
func (d Decision) Allows(c Capability) bool {
	for _, have := range d.Sandbox {
		if have == c {
			return true
		}
	}
	return false
}

// SandboxAttribute renders the value of the iframe sandbox attribute. The
// empty string is the most restrictive sandbox.
func (d Decision) SandboxAttribute() string {
	parts := make([]string, len(d.Sandbox))
	for i, c := range d.Sandbox {
		parts[i] = string(c)
	}
	return strings.Join(parts, " ")
}

// ContentSecurityPolicy renders the CSP header for the rendering surface.
// Unverified surfaces get no script and no network at all.
func (d Decision) ContentSecurityPolicy() string {
	directives := []string{"default-src 'none'", "style-src 'unsafe-inline'"}
	if d.SecureChannel {
		directives = append(directives, "img-src data: https:", "connect-src 'self'", "form-action 'self'")
		if d.Interactive {
			directives = append(directives, "script-src 'unsafe-inline'")
		}
	} else {
		directives = append(directives, "img-src data:", "form-action 'none'")
	}
	directives = append(directives, "base-uri 'none'", "frame-ancestors 'self'")
	return strings.Join(directives, "; ")
}
