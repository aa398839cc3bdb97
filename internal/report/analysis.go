package report

import (
	"strings"

	"github.com/maneesh/labimport/internal/models"
)

// Analysis is the per-term coverage of a bulk search
type Analysis struct {
	Matched      []string       `json:"matchedTerms"`
	Unmatched    []string       `json:"unmatchedTerms"`
	TermMatches  map[string]int `json:"termMatches"`
	TotalMatches int            `json:"totalMatches"`
}

// FuzzyFragments returns the extra substrings a fuzzy search also looks
// for: up to three windows of at most three characters starting at the
// first offsets of the term. Terms of two characters or fewer have none.
func FuzzyFragments(term string) []string {
	r := []rune(term)
	if len(r) <= 2 {
		return nil
	}
	var out []string
	for i := 0; i <= min(2, len(r)-2); i++ {
		out = append(out, string(r[i:i+min(3, len(r)-i)]))
	}
	return out
}

// BuildQuery translates search terms and a mode into a lookup query
func BuildQuery(columns, terms []string, mode models.SearchMode) models.SearchQuery {
	q := models.SearchQuery{Columns: columns}
	switch mode {
	case models.SearchPartial:
		q.Contains = append(q.Contains, terms...)
	case models.SearchFuzzy:
		seen := map[string]bool{}
		for _, t := range terms {
			for _, p := range append([]string{t}, FuzzyFragments(t)...) {
				key := strings.ToLower(p)
				if !seen[key] {
					seen[key] = true
					q.Contains = append(q.Contains, p)
				}
			}
		}
	default:
		q.Exact = append(q.Exact, terms...)
	}
	return q
}

// Analyze counts, for every term, the result cells in columns that contain
// it case-insensitively. A record matching in two columns counts twice.
func Analyze(results []*models.LookupRecord, terms, columns []string) *Analysis {
	a := &Analysis{
		Matched:     []string{},
		Unmatched:   []string{},
		TermMatches: make(map[string]int, len(terms)),
	}
	for _, term := range terms {
		needle := strings.ToLower(term)
		n := 0
		for _, r := range results {
			for _, col := range columns {
				v := r.Value(col)
				if v != "" && strings.Contains(strings.ToLower(v), needle) {
					n++
				}
			}
		}
		a.TermMatches[term] = n
		a.TotalMatches += n
		if n > 0 {
			a.Matched = append(a.Matched, term)
		} else {
			a.Unmatched = append(a.Unmatched, term)
		}
	}
	return a
}
