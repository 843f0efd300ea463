// Package phonetic implements a sound-alike phrase judge using Double
// Metaphone encoding combined with Jaro-Winkler string similarity.
//
// Recognition backends that re-announce a phrase after a reconnect do not
// always spell it the same way ("their" and "there", "4" and "for" after a
// different number formatting pass). Two words are treated as the same word
// when:
//
//  1. they are equal, or
//  2. their Double Metaphone codes overlap (primary or alternate), or
//  3. neither has a phonetic code and their Jaro-Winkler similarity reaches
//     the fuzzy threshold (default 0.90).
//
// The phrase score is the number of one-to-one word matches divided by the
// size of the larger word set, the same ratio used for exact token overlap.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultThreshold      = 0.8
	defaultFuzzyThreshold = 0.90
)

// Option is a functional option for configuring a [Judge].
type Option func(*Judge)

// WithThreshold sets the phrase score that must be exceeded for two phrases
// to be similar. Default: 0.8.
func WithThreshold(threshold float64) Option {
	return func(j *Judge) {
		if threshold > 0 {
			j.threshold = threshold
		}
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for words that have
// no phonetic code. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(j *Judge) {
		j.fuzzyThreshold = threshold
	}
}

// Judge compares phrases by phonetic word overlap. It is read-only after
// construction and safe for concurrent use.
type Judge struct {
	tokenize       func(string) []string
	threshold      float64
	fuzzyThreshold float64
}

// New returns a Judge that splits phrases with tokenize. tokenize must return
// unique, normalized words; a nil tokenize falls back to lowercased
// whitespace splitting.
func New(tokenize func(string) []string, opts ...Option) *Judge {
	if tokenize == nil {
		tokenize = func(s string) []string { return strings.Fields(strings.ToLower(s)) }
	}
	j := &Judge{
		tokenize:       tokenize,
		threshold:      defaultThreshold,
		fuzzyThreshold: defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Similar reports whether a and b sound alike.
func (j *Judge) Similar(a, b string) bool {
	return j.Score(a, b) > j.threshold
}

// Score returns the phonetic overlap ratio of a and b in [0, 1]. Two empty
// phrases score 1.
func (j *Judge) Score(a, b string) float64 {
	ta, tb := j.tokenize(a), j.tokenize(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	ca, cb := codesForTokens(ta), codesForTokens(tb)
	used := make([]bool, len(tb))
	matches := 0
	for i, wa := range ta {
		for k, wb := range tb {
			if used[k] {
				continue
			}
			if j.wordsMatch(wa, wb, ca[i], cb[k]) {
				used[k] = true
				matches++
				break
			}
		}
	}
	return float64(matches) / float64(max(len(ta), len(tb)))
}

func (j *Judge) wordsMatch(a, b string, ca, cb map[string]struct{}) bool {
	if a == b {
		return true
	}
	if len(ca) > 0 && len(cb) > 0 {
		return codesOverlap(ca, cb)
	}
	return matchr.JaroWinkler(a, b, false) >= j.fuzzyThreshold
}

// codesForTokens returns the Double Metaphone code set of every token.
// Empty codes (produced when the word has no consonants or is a number) are
// excluded.
func codesForTokens(tokens []string) []map[string]struct{} {
	out := make([]map[string]struct{}, len(tokens))
	for i, t := range tokens {
		codes := make(map[string]struct{}, 2)
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
		out[i] = codes
	}
	return out
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
