package contentpolicy

import (
	"sort"
	"sync"

	"github.com/microcosm-cc/bluemonday"

	"github.com/Mindburn-Labs/mcphost/pkg/canonicalize"
)

// Ruleset names.
const (
	RulesetStrict      = "strict"
	RulesetPassthrough = "none"
)

// AttributeRule allows Attribute on Elements, or globally when Elements is
// empty.
type AttributeRule struct {
	Attribute string   `json:"attribute"`
	Elements  []string `json:"elements,omitempty"`
}

// Ruleset is a sanitisation allowlist. All slices are kept sorted so equal
// rulesets serialise identically.
type Ruleset struct {
	Name       string          `json:"name"`
	Sanitize   bool            `json:"sanitize"`
	Elements   []string        `json:"elements,omitempty"`
	Attributes []AttributeRule `json:"attributes,omitempty"`
}

var strictElements = []string{
	"b", "blockquote", "br", "caption", "code", "dd", "div", "dl", "dt", "em",
	"h1", "h2", "h3", "h4", "h5", "h6", "hr", "i", "li", "ol", "p", "pre",
	"s", "small", "span", "strong", "sub", "sup", "table", "tbody", "td",
	"tfoot", "th", "thead", "tr", "u", "ul",
}

// StrictRuleset keeps structural and presentational markup only: no script,
// no form, no link, no embedded resource.
func StrictRuleset() Ruleset {
	r := Ruleset{
		Name:     RulesetStrict,
		Sanitize: true,
		Elements: append([]string(nil), strictElements...),
		Attributes: []AttributeRule{
			{Attribute: "class"},
			{Attribute: "colspan", Elements: []string{"td", "th"}},
			{Attribute: "dir"},
			{Attribute: "lang"},
			{Attribute: "rowspan", Elements: []string{"td", "th"}},
			{Attribute: "scope", Elements: []string{"th"}},
			{Attribute: "start", Elements: []string{"ol"}},
			{Attribute: "title"},
		},
	}
	r.normalize()
	return r
}

// PassthroughRuleset performs no sanitisation.
func PassthroughRuleset() Ruleset {
	return Ruleset{Name: RulesetPassthrough}
}

func (r *Ruleset) normalize() {
	sort.Strings(r.Elements)
	for i := range r.Attributes {
		sort.Strings(r.Attributes[i].Elements)
	}
	sort.Slice(r.Attributes, func(i, j int) bool {
		return r.Attributes[i].Attribute < r.Attributes[j].Attribute
	})
}

// Digest is the sha256 of the ruleset's canonical JSON form.
func (r Ruleset) Digest() string {
	h, err := canonicalize.CanonicalHash(r)
	if err != nil {
		// Ruleset holds only strings and bools.
		panic("contentpolicy: ruleset digest: " + err.Error())
	}
	return "sha256:" + h
}

// Policy compiles the ruleset into a bluemonday policy. It returns nil for a
// ruleset that does not sanitise.
func (r Ruleset) Policy() *bluemonday.Policy {
	if !r.Sanitize {
		return nil
	}
	p := bluemonday.NewPolicy()
	p.AllowElements(r.Elements...)
	for _, a := range r.Attributes {
		if len(a.Elements) == 0 {
			p.AllowAttrs(a.Attribute).Globally()
			continue
		}
		p.AllowAttrs(a.Attribute).OnElements(a.Elements...)
	}
	return p
}

var strictPolicy = sync.OnceValue(func() *bluemonday.Policy {
	return StrictRuleset().Policy()
})

// Sanitize applies the decision's ruleset to html. changed reports whether
// anything was stripped; callers must render out, never the input.
func Sanitize(d Decision, html string) (out string, changed bool) {
	if !d.Ruleset.Sanitize {
		return html, false
	}
	var p *bluemonday.Policy
	if d.Ruleset.Name == RulesetStrict && d.Ruleset.Digest() == strictDigest() {
		p = strictPolicy()
	} else {
		p = d.Ruleset.Policy()
	}
	out = p.Sanitize(html)
	return out, out != html
}

var strictDigest = sync.OnceValue(func() string {
	return StrictRuleset().Digest()
})
