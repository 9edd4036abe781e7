package transcript

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

// defaultFuzzyThreshold is the minimum Jaro-Winkler score for a narrated
// name to be accepted as a known tool when the names are not identical.
const defaultFuzzyThreshold = 0.85

// callPattern matches a narrated pseudo call: an identifier immediately
// followed by a parenthesized argument list, e.g. `get_weather({"city":"X"})`.
var callPattern = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\(([^()]*)\)`)

// PseudoCall is a tool call extracted from narrated agent text.
type PseudoCall struct {
	// Name is the resolved registered tool name, which may differ from the
	// narrated spelling if it was fuzzy-matched.
	Name string

	// Args is the raw argument text between the parentheses.
	Args string
}

// ToolNamer enumerates the registered tool names the scanner resolves
// against. Implemented by [tooldispatch.Registry].
type ToolNamer interface {
	Names() []string
}

// ScannerOption is a functional option for configuring a [Scanner].
type ScannerOption func(*Scanner)

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for accepting a
// non-exact name match. Default: 0.85.
func WithFuzzyThreshold(threshold float64) ScannerOption {
	return func(s *Scanner) { s.threshold = threshold }
}

// Scanner finds pseudo calls in finalized agent text and resolves their
// names against the registered tools. Agents that narrate calls instead of
// issuing them structurally also tend to misspell the tool name, so
// resolution combines Double Metaphone overlap with Jaro-Winkler ranking.
//
// Safe for concurrent use; the Scanner is read-only after construction.
type Scanner struct {
	tools     ToolNamer
	threshold float64
}

// NewScanner returns a Scanner resolving against tools.
func NewScanner(tools ToolNamer, opts ...ScannerOption) *Scanner {
	s := &Scanner{tools: tools, threshold: defaultFuzzyThreshold}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Scan extracts all pseudo calls whose name resolves to a known tool and
// returns the text with those calls removed, plus the extracted calls in
// order of appearance. Parenthesized text that does not resolve to any tool
// is left untouched.
func (s *Scanner) Scan(text string) (cleaned string, calls []PseudoCall) {
	known := s.tools.Names()
	if len(known) == 0 {
		return strings.TrimSpace(text), nil
	}

	cleaned = callPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := callPattern.FindStringSubmatch(match)
		resolved, ok := s.resolve(sub[1], known)
		if !ok {
			return match
		}
		calls = append(calls, PseudoCall{Name: resolved, Args: strings.TrimSpace(sub[2])})
		return ""
	})

	return strings.TrimSpace(collapseWhitespace(cleaned)), calls
}

// resolve maps a narrated name to a registered tool name: exact match
// first, then phonetic-gated Jaro-Winkler ranking.
func (s *Scanner) resolve(name string, known []string) (string, bool) {
	nameLower := strings.ToLower(name)
	for _, k := range known {
		if strings.ToLower(k) == nameLower {
			return k, true
		}
	}

	p1, s1 := matchr.DoubleMetaphone(nameLower)

	var best string
	var bestScore float64
	for _, k := range known {
		kLower := strings.ToLower(k)
		p2, s2 := matchr.DoubleMetaphone(kLower)
		phonetic := (p1 != "" && (p1 == p2 || p1 == s2)) ||
			(s1 != "" && (s1 == p2 || s1 == s2))
		if !phonetic {
			continue
		}
		if score := matchr.JaroWinkler(nameLower, kLower, false); score >= s.threshold && score > bestScore {
			best = k
			bestScore = score
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}

// collapseWhitespace squeezes runs of spaces and tabs left behind by call
// removal into single spaces, preserving newlines.
func collapseWhitespace(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	space := false
	for _, r := range text {
		if r == ' ' || r == '\t' {
			space = true
			continue
		}
		if space && sb.Len() > 0 && r != '\n' {
			sb.WriteByte(' ')
		}
		space = false
		sb.WriteRune(r)
	}
	return sb.String()
}
