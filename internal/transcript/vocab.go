// Package transcript fixes domain vocabulary in transcripts.
//
// Speech-to-text output often mangles product names, street names and other
// proper nouns ("vox gate" for "Voxgate"). A [Corrector] scans a transcript
// for word windows that sound like or are spelled close to a configured term
// and replaces them with the term's canonical spelling.
//
// Matching runs in two stages. A window whose Double Metaphone code overlaps
// the term's is accepted above the phonetic threshold; any other window needs
// the higher fuzzy threshold. Both compare Jaro-Winkler similarity on the
// lower-cased spaced and concatenated forms.
package transcript

import (
	"cmp"
	"slices"
	"strings"
	"unicode"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.92

	// minWindowLen is the shortest concatenated window considered, so that
	// short function words are never rewritten.
	minWindowLen = 3
)

// Correction records one substitution.
type Correction struct {
	// Original is the spoken phrase without surrounding punctuation.
	Original string

	// Corrected is the canonical vocabulary term.
	Corrected string

	// Confidence is the Jaro-Winkler similarity of the match (0.0-1.0).
	Confidence float64
}

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the similarity required for windows that share a
// phonetic code with the term. Default: 0.80.
func WithPhoneticThreshold(v float64) Option {
	return func(c *Corrector) { c.phonetic = v }
}

// WithFuzzyThreshold sets the similarity required for windows without a
// phonetic match. Default: 0.92.
func WithFuzzyThreshold(v float64) Option {
	return func(c *Corrector) { c.fuzzy = v }
}

// Corrector rewrites transcripts against a fixed vocabulary. It is read-only
// after construction and safe for concurrent use.
type Corrector struct {
	terms    []term
	maxWords int
	phonetic float64
	fuzzy    float64
}

// NewCorrector prepares vocabulary for matching. Blank entries are ignored.
func NewCorrector(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{
		phonetic: defaultPhoneticThreshold,
		fuzzy:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	for _, v := range vocabulary {
		t, ok := newTerm(v)
		if !ok {
			continue
		}
		c.terms = append(c.terms, t)
		// A term may be heard split into one more word than it has.
		c.maxWords = max(c.maxWords, t.words+1)
	}
	return c
}

// Len returns the number of vocabulary terms.
func (c *Corrector) Len() int { return len(c.terms) }

// Correct returns text with matched word windows replaced by their terms.
// Overlapping candidates are resolved by highest similarity, then by length;
// a window never spans punctuation. Whitespace in a corrected result is
// normalised to single spaces.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if len(c.terms) == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	chosen := selectMatches(c.candidates(tokens), len(tokens))

	out := make([]string, 0, len(tokens))
	var corrections []Correction
	next := 0
	for _, m := range chosen {
		out = append(out, tokens[next:m.start]...)
		window := tokens[m.start : m.start+m.size]
		lead, _ := splitPunct(window[0])
		_, trail := splitTrailing(window[len(window)-1])
		spoken := strings.TrimFunc(strings.Join(window, " "), isPunct)
		if spoken != m.term.canonical {
			corrections = append(corrections, Correction{Original: spoken, Corrected: m.term.canonical, Confidence: m.score})
		}
		out = append(out, lead+m.term.canonical+trail)
		next = m.start + m.size
	}
	if len(corrections) == 0 {
		return text, nil
	}
	out = append(out, tokens[next:]...)
	return strings.Join(out, " "), corrections
}

// match is a candidate replacement of tokens[start:start+size].
type match struct {
	start, size int
	term        term
	score       float64
}

// candidates returns the best matching term of every word window.
func (c *Corrector) candidates(tokens []string) []match {
	var out []match
	for i := range tokens {
		for size := 1; size <= c.maxWords && i+size <= len(tokens); size++ {
			words, ok := windowWords(tokens[i : i+size])
			if !ok {
				break
			}
			phrase := strings.Join(words, " ")
			concat := strings.Join(words, "")
			if len(concat) < minWindowLen {
				continue
			}
			codes := metaphone(concat)

			best := match{start: i, size: size}
			for _, t := range c.terms {
				if size > t.words+1 || size < t.words-1 {
					continue
				}
				s := similarity(phrase, concat, t)
				threshold := c.fuzzy
				if overlap(codes, t.codes) {
					threshold = c.phonetic
				}
				if s >= threshold && s > best.score {
					best.term, best.score = t, s
				}
			}
			if best.score > 0 {
				out = append(out, best)
			}
		}
	}
	return out
}

// selectMatches picks non-overlapping candidates, best score first, and
// returns them in transcript order.
func selectMatches(cands []match, n int) []match {
	slices.SortStableFunc(cands, func(a, b match) int {
		if a.score != b.score {
			return cmp.Compare(b.score, a.score)
		}
		return cmp.Compare(b.size, a.size)
	})
	taken := make([]bool, n)
	var chosen []match
	for _, m := range cands {
		if slices.Contains(taken[m.start:m.start+m.size], true) {
			continue
		}
		for j := m.start; j < m.start+m.size; j++ {
			taken[j] = true
		}
		chosen = append(chosen, m)
	}
	slices.SortFunc(chosen, func(a, b match) int { return cmp.Compare(a.start, b.start) })
	return chosen
}

// windowWords lower-cases the window and strips its outer punctuation. It
// reports false when punctuation separates two of its words, which also
// rules out every longer window from the same start.
func windowWords(window []string) ([]string, bool) {
	words := make([]string, len(window))
	for j, tok := range window {
		lead, rest := splitPunct(tok)
		core, trail := splitTrailing(rest)
		if core == "" {
			return nil, false
		}
		if (lead != "" && j > 0) || (trail != "" && j < len(window)-1) {
			return nil, false
		}
		words[j] = strings.ToLower(core)
	}
	return words, true
}

func isPunct(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }

// splitPunct splits leading punctuation off tok.
func splitPunct(tok string) (lead, rest string) {
	rest = strings.TrimLeftFunc(tok, isPunct)
	return tok[:len(tok)-len(rest)], rest
}

// splitTrailing splits trailing punctuation off tok.
func splitTrailing(tok string) (core, trail string) {
	core = strings.TrimRightFunc(tok, isPunct)
	return core, tok[len(core):]
}
