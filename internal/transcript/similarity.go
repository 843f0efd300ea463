package transcript

import (
	"strings"
	"unicode"
)

// DefaultThreshold is the overlap ratio a phrase must exceed to count as a
// duplicate.
const DefaultThreshold = 0.8

// Judge decides whether two finalized phrases say the same thing.
// Implementations must be safe for concurrent use.
type Judge interface {
	Similar(a, b string) bool
}

// NormalizePhrase lowercases s, removes every character that is not a
// letter, digit or whitespace, and trims surrounding whitespace.
func NormalizePhrase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokens returns the unique words of the normalized form of s, in order of
// first appearance.
func Tokens(s string) []string {
	fields := strings.Fields(NormalizePhrase(s))
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Overlap returns |A∩B| / max(|A|,|B|) for the token sets of a and b.
// Two empty phrases overlap completely.
func Overlap(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	set := make(map[string]struct{}, len(tb))
	for _, t := range tb {
		set[t] = struct{}{}
	}
	common := 0
	for _, t := range ta {
		if _, ok := set[t]; ok {
			common++
		}
	}
	return float64(common) / float64(max(len(ta), len(tb)))
}

// Similar reports whether a and b overlap by more than DefaultThreshold.
func Similar(a, b string) bool {
	return Overlap(a, b) > DefaultThreshold
}

// TokenJudge compares phrases by exact word overlap.
type TokenJudge struct {
	// Threshold is the overlap ratio that must be exceeded. Zero means
	// DefaultThreshold.
	Threshold float64
}

// Ensure TokenJudge implements Judge at compile time.
var _ Judge = TokenJudge{}

// Similar implements Judge.
func (j TokenJudge) Similar(a, b string) bool {
	th := j.Threshold
	if th == 0 {
		th = DefaultThreshold
	}
	return Overlap(a, b) > th
}
