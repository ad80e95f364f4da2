package routing

import (
	"strings"

	"github.com/weftworks/weft/internal/match"
	"github.com/weftworks/weft/internal/model"
)

// Keyword weights, strongest category first. A query term counts once,
// under the strongest category it matches.
const (
	weightCollection = 15
	weightKeyword    = 10
	weightDataType   = 8
	weightDomain     = 5
)

// stopwords are query terms that never carry routing signal.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "about": {},
	"all": {}, "any": {}, "are": {}, "was": {}, "can": {}, "how": {},
	"what": {}, "which": {}, "show": {}, "find": {}, "get": {}, "list": {},
	"give": {}, "tell": {}, "please": {},
}

// KeywordScore rates how strongly a node's advertised metadata answers a
// free-text query. Each distinct query term scores under the strongest
// matching category; the per-node total is compared against the
// configured minimum.
func KeywordScore(rec model.Node, query string) int {
	score := 0
	for _, term := range queryTerms(query) {
		switch {
		case matchesCollections(rec.Collections, term):
			score += weightCollection
		case matchesAny(rec.Keywords, term):
			score += weightKeyword
		case matchesAny(rec.DataTypes, term):
			score += weightDataType
		case matchesAny(rec.Domains, term):
			score += weightDomain
		}
	}
	return score
}

// queryTerms lowercases, splits on non-alphanumeric runs, and drops
// stopwords, short tokens and duplicates.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	terms := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

func matchesAny(candidates []string, term string) bool {
	for _, c := range candidates {
		if match.Matches(c, term) {
			return true
		}
	}
	return false
}

// matchesCollections checks the term against each collection's basename
// and display name, so both "Invoice" and "invoices" hit
// `App\Models\Invoice`.
func matchesCollections(refs []model.CollectionRef, term string) bool {
	for _, ref := range refs {
		if ref.Name != "" && match.Matches(ref.Basename(), term) {
			return true
		}
		if ref.DisplayName != "" && match.Matches(ref.DisplayName, term) {
			return true
		}
	}
	return false
}
