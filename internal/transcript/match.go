package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// term is a vocabulary entry prepared for matching.
type term struct {
	canonical string
	lower     string
	concat    string // lower with spaces removed
	words     int
	codes     map[string]struct{}
}

func newTerm(s string) (term, bool) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return term{}, false
	}
	lower := strings.ToLower(s)
	concat := strings.ReplaceAll(lower, " ", "")
	return term{
		canonical: s,
		lower:     lower,
		concat:    concat,
		words:     strings.Count(s, " ") + 1,
		codes:     metaphone(concat),
	}, true
}

// metaphone returns the non-empty Double Metaphone codes of s.
func metaphone(s string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, sec := matchr.DoubleMetaphone(s)
	if p != "" {
		codes[p] = struct{}{}
	}
	if sec != "" {
		codes[sec] = struct{}{}
	}
	return codes
}

func overlap(a, b map[string]struct{}) bool {
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score of the spoken phrase against t,
// comparing both the spaced and the concatenated forms.
func similarity(phrase, concat string, t term) float64 {
	score := matchr.JaroWinkler(phrase, t.lower, false)
	if s := matchr.JaroWinkler(concat, t.concat, false); s > score {
		score = s
	}
	return score
}
