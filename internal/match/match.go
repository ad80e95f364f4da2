// Package match provides case-insensitive collection-name matching and
// scoring. All functions are pure; the router and registry use them to
// decide whether a node's advertised collection satisfies a requested one.
package match

import "strings"

// Score values returned by Score, strongest first.
const (
	ScoreExact             = 100
	ScorePlural            = 90
	ScoreNormalized        = 85
	ScoreAlias             = 80
	ScoreCandidateContains = 70
	ScoreQueryContains     = 50
	ScoreAliasPartial      = 40
)

// irregularPlurals lists the singular/plural pairs the suffix rules miss.
var irregularPlurals = map[string]string{
	"person":   "people",
	"child":    "children",
	"man":      "men",
	"woman":    "women",
	"foot":     "feet",
	"tooth":    "teeth",
	"goose":    "geese",
	"mouse":    "mice",
	"datum":    "data",
	"index":    "indices",
	"matrix":   "matrices",
	"analysis": "analyses",
	"crisis":   "crises",
	"status":   "statuses",
}

var irregularSingulars = func() map[string]string {
	m := make(map[string]string, len(irregularPlurals))
	for s, p := range irregularPlurals {
		m[p] = s
	}
	return m
}()

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Matches reports whether two collection names refer to the same thing:
// equal after folding, equal up to a single trailing "s", or sharing the
// same linguistic singular form.
func Matches(a, b string) bool {
	a, b = fold(a), fold(b)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if a+"s" == b || a == b+"s" {
		return true
	}
	return Singularize(a) == Singularize(b)
}

// Contains reports whether any candidate matches the requested name.
func Contains(candidates []string, requested string) bool {
	for _, c := range candidates {
		if Matches(c, requested) {
			return true
		}
	}
	return false
}

// Normalize lowercases s and strips every non-alphanumeric rune.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizedMatch reports equality after Normalize. Empty normal forms
// never match.
func NormalizedMatch(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}

// Singularize returns the linguistic singular of a folded word. Words that
// look singular already are returned unchanged.
func Singularize(w string) string {
	if s, ok := irregularSingulars[w]; ok {
		return s
	}
	if _, ok := irregularPlurals[w]; ok {
		return w
	}
	switch {
	case strings.HasSuffix(w, "ies") && len(w) > 3:
		return w[:len(w)-3] + "y"
	case strings.HasSuffix(w, "ves") && len(w) > 3:
		return w[:len(w)-3] + "f"
	case strings.HasSuffix(w, "oes") && len(w) > 3:
		return w[:len(w)-2]
	case strings.HasSuffix(w, "ses") || strings.HasSuffix(w, "xes") ||
		strings.HasSuffix(w, "zes") || strings.HasSuffix(w, "ches") ||
		strings.HasSuffix(w, "shes"):
		return strings.TrimSuffix(w, "es")
	case strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") && len(w) > 1:
		return w[:len(w)-1]
	}
	return w
}

// Pluralize returns the linguistic plural of a folded word.
func Pluralize(w string) string {
	if p, ok := irregularPlurals[w]; ok {
		return p
	}
	if _, ok := irregularSingulars[w]; ok {
		return w
	}
	switch {
	case strings.HasSuffix(w, "y") && len(w) > 1 && !isVowel(w[len(w)-2]):
		return w[:len(w)-1] + "ies"
	case strings.HasSuffix(w, "f"):
		return w[:len(w)-1] + "ves"
	case strings.HasSuffix(w, "fe"):
		return w[:len(w)-2] + "ves"
	case strings.HasSuffix(w, "o") && len(w) > 1 && !isVowel(w[len(w)-2]):
		return w + "es"
	case strings.HasSuffix(w, "s") || strings.HasSuffix(w, "x") ||
		strings.HasSuffix(w, "z") || strings.HasSuffix(w, "ch") ||
		strings.HasSuffix(w, "sh"):
		return w + "es"
	}
	return w + "s"
}

func isVowel(b byte) bool {
	switch b {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	}
	return false
}

// Score rates how well a candidate name answers a query. The maximum of
// all applicable rules wins; 0 means no relation.
func Score(candidate, query string, aliases []string) int {
	c, q := fold(candidate), fold(query)
	if c == "" || q == "" {
		return 0
	}

	best := 0
	apply := func(s int) {
		if s > best {
			best = s
		}
	}

	if c == q {
		apply(ScoreExact)
	}
	if c+"s" == q || c == q+"s" || Singularize(c) == Singularize(q) {
		apply(ScorePlural)
	}
	if NormalizedMatch(c, q) {
		apply(ScoreNormalized)
	}
	if strings.Contains(c, q) {
		apply(ScoreCandidateContains)
	}
	if strings.Contains(q, c) {
		apply(ScoreQueryContains)
	}
	for _, alias := range aliases {
		a := fold(alias)
		if a == "" {
			continue
		}
		if a == q || Matches(a, q) {
			apply(ScoreAlias)
		} else if strings.Contains(a, q) || strings.Contains(q, a) {
			apply(ScoreAliasPartial)
		}
	}
	return best
}
