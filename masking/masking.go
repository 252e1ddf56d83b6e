// Package masking decides which captured values are sensitive and redacts
// them before a batch leaves the server.
//
// A Classifier is immutable once built and safe for concurrent use. The
// zero-configuration Default classifier covers password inputs, fields
// whose name or id looks like a password, one-time code, card number, CVV
// or PIN, and elements carrying an explicit mask marker.
package masking

import (
	"strings"
	"unicode"

	"github.com/samber/lo"

	"github.com/ggoodman/cobrowse-go/envelope"
)

// Redacted replaces every masked value. It is never empty so a replaying
// peer cannot learn that a sensitive field was cleared.
const Redacted = "••••••"

// Rules configures a Classifier. All comparisons are case-insensitive.
type Rules struct {
	// Types are matched as substrings of the node's type attribute.
	Types []string `yaml:"types"`
	// Substrings are matched anywhere in the node's name or id.
	Substrings []string `yaml:"substrings"`
	// Tokens must equal one whole word of the name or id, where words are
	// split on non-alphanumerics and case transitions.
	Tokens []string `yaml:"tokens"`
	// Affixes match a word that starts or ends with them, so "pincode" and
	// "newpwd" are caught without a delimiter.
	Affixes []string `yaml:"affixes"`
	// Exclude lists whole words that never match an affix.
	Exclude []string `yaml:"exclude"`
	// Markers are matched as substrings of any selector hint.
	Markers []string `yaml:"markers"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		Types:      []string{"password"},
		Substrings: []string{"password", "passwd", "passcode", "card", "cvv", "cvc"},
		Tokens:     []string{"pass", "pwd", "otp", "totp", "pin", "csc", "ssn"},
		Affixes:    []string{"pass", "pwd", "otp", "pin"},
		Exclude: []string{
			"passenger", "passengers", "passage", "passive", "passport",
			"pinch", "pine", "pineapple", "ping", "pink", "pinned", "pinterest",
			"spin", "spinner", "shipping", "footprint",
		},
		Markers: []string{"data-mask", "cobrowse-mask"},
	}
}

// Merge returns the union of r and other.
func (r Rules) Merge(other Rules) Rules {
	return Rules{
		Types:      lo.Uniq(append(append([]string(nil), r.Types...), other.Types...)),
		Substrings: lo.Uniq(append(append([]string(nil), r.Substrings...), other.Substrings...)),
		Tokens:     lo.Uniq(append(append([]string(nil), r.Tokens...), other.Tokens...)),
		Affixes:    lo.Uniq(append(append([]string(nil), r.Affixes...), other.Affixes...)),
		Exclude:    lo.Uniq(append(append([]string(nil), r.Exclude...), other.Exclude...)),
		Markers:    lo.Uniq(append(append([]string(nil), r.Markers...), other.Markers...)),
	}
}

// Classifier applies a rule set to node descriptors.
type Classifier struct {
	types      []string
	substrings []string
	tokens     map[string]struct{}
	affixes    []string
	exclude    map[string]struct{}
	markers    []string
}

// New builds a Classifier from rules.
func New(rules Rules) *Classifier {
	return &Classifier{
		types:      normalize(rules.Types),
		substrings: normalize(rules.Substrings),
		tokens:     toSet(normalize(rules.Tokens)),
		affixes:    normalize(rules.Affixes),
		exclude:    toSet(normalize(rules.Exclude)),
		markers:    normalize(rules.Markers),
	}
}

var defaultClassifier = New(DefaultRules())

// Default returns the classifier built from DefaultRules.
func Default() *Classifier { return defaultClassifier }

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return lo.Uniq(out)
}

func toSet(in []string) map[string]struct{} {
	return lo.SliceToMap(in, func(s string) (string, struct{}) { return s, struct{}{} })
}

// ShouldMask reports whether values captured from n must be redacted. A
// nil descriptor is never masked.
func (c *Classifier) ShouldMask(n *envelope.Node) bool {
	if n == nil {
		return false
	}
	if typ := strings.ToLower(n.Type); typ != "" {
		for _, p := range c.types {
			if strings.Contains(typ, p) {
				return true
			}
		}
	}
	if c.matchesIdent(n.Name) || c.matchesIdent(n.ID) {
		return true
	}
	for _, sel := range n.Selectors {
		sel = strings.ToLower(sel)
		for _, m := range c.markers {
			if strings.Contains(sel, m) {
				return true
			}
		}
	}
	return false
}

func (c *Classifier) matchesIdent(ident string) bool {
	if ident == "" {
		return false
	}
	lower := strings.ToLower(ident)
	for _, s := range c.substrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	for _, w := range words(ident) {
		if _, ok := c.tokens[w]; ok {
			return true
		}
		if _, ok := c.exclude[w]; ok {
			continue
		}
		for _, a := range c.affixes {
			if strings.HasPrefix(w, a) || strings.HasSuffix(w, a) {
				return true
			}
		}
	}
	return false
}

// words splits an identifier such as "user_pinCode" into lower-cased
// words ("user", "pin", "code"). An upper-case run ends before its last
// letter when a lower-case letter follows, so "OTPInput" is ("otp",
// "input").
func words(s string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	rs := []rune(s)
	for i, r := range rs {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
			continue
		case i > 0 && unicode.IsUpper(r) && unicode.IsLower(rs[i-1]):
			flush()
		case i > 0 && i+1 < len(rs) && unicode.IsUpper(r) && unicode.IsUpper(rs[i-1]) && unicode.IsLower(rs[i+1]):
			flush()
		}
		cur.WriteRune(r)
	}
	flush()
	return out
}

// ApplyEvent returns a copy of e with its value redacted when the event's
// node is sensitive or the agent flagged the value as masked.
func (c *Classifier) ApplyEvent(e envelope.Event) envelope.Event {
	out := e.Clone()
	if out.Value != nil && (out.ValueMasked || c.ShouldMask(out.Node)) {
		out.Value = lo.ToPtr(Redacted)
	}
	return out
}

// ApplyMutation returns a copy of m with its text or value redacted when
// its node is sensitive.
func (c *Classifier) ApplyMutation(m envelope.Mutation) envelope.Mutation {
	out := m.Clone()
	if !c.ShouldMask(out.Node) {
		return out
	}
	if out.Text != nil {
		out.Text = lo.ToPtr(Redacted)
	}
	if out.Value != nil {
		out.Value = lo.ToPtr(Redacted)
	}
	return out
}

// Apply returns a structurally identical copy of b in which every
// sensitive value has been replaced by Redacted. b is not modified.
func (c *Classifier) Apply(b envelope.Batch) envelope.Batch {
	var out envelope.Batch
	if b.Events != nil {
		out.Events = make([]envelope.Event, len(b.Events))
		for i, e := range b.Events {
			out.Events[i] = c.ApplyEvent(e)
		}
	}
	if b.Mutations != nil {
		out.Mutations = make([]envelope.Mutation, len(b.Mutations))
		for i, m := range b.Mutations {
			out.Mutations[i] = c.ApplyMutation(m)
		}
	}
	return out
}
