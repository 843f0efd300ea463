package transcript_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/livescribe/internal/transcript"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

func TestNormalizePhrase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"Hello, World!", "hello world"},
		{"  It's 5 o'clock.  ", "its 5 oclock"},
		{"Ça va?", "ça va"},
		{"...", ""},
		{"", ""},
	}
	for _, tc := range tests {
		if got := transcript.NormalizePhrase(tc.in); got != tc.want {
			t.Errorf("NormalizePhrase(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTokens_Unique(t *testing.T) {
	t.Parallel()

	got := transcript.Tokens("the cat and THE dog")
	want := []string{"the", "cat", "and", "dog"}
	if !slices.Equal(got, want) {
		t.Errorf("Tokens = %q, want %q", got, want)
	}
}

func TestOverlap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want float64
	}{
		{"hello world today", "Hello world, today!", 1},
		{"hello world", "hello world today", 2.0 / 3.0},
		{"hello", "hello there", 0.5},
		{"", "", 1},
		{"", "word", 0},
		{"a a a b", "a b", 1},
	}
	for _, tc := range tests {
		if got := transcript.Overlap(tc.a, tc.b); got != tc.want {
			t.Errorf("Overlap(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestSimilar(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want bool
	}{
		{"hello world today", "Hello world, today!", true},
		{"hello world", "hello world today", false},
		{"hello", "hello there", false},
		{"", "", true},
		{"!!!", "   ", true},
		// 4 of 5 shared is exactly 0.8, which is not above the threshold.
		{"one two three four five", "one two three four six", false},
	}
	for _, tc := range tests {
		if got := transcript.Similar(tc.a, tc.b); got != tc.want {
			t.Errorf("Similar(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestTokenJudge_Threshold(t *testing.T) {
	t.Parallel()

	loose := transcript.TokenJudge{Threshold: 0.6}
	if !loose.Similar("hello world", "hello world today") {
		t.Error("0.67 should exceed a 0.6 threshold")
	}
	if (transcript.TokenJudge{}).Similar("hello world", "hello world today") {
		t.Error("zero threshold should fall back to the default")
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	b := stt.ResultBatch{
		ResultIndex: 1,
		Results: []stt.Result{
			final("zero"),
			final("one"),
			{IsFinal: true},
			interim("three"),
		},
	}

	tests := []struct {
		name      string
		lastIndex int
		want      []int
	}{
		{"fresh session", -1, []int{1, 3}},
		{"index at result offset", 1, []int{3}},
		{"index past batch", 5, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var got []int
			for _, r := range transcript.Normalize(b, tc.lastIndex) {
				got = append(got, r.Index)
			}
			if !slices.Equal(got, tc.want) {
				t.Errorf("indices = %v, want %v", got, tc.want)
			}
		})
	}

	recs := transcript.Normalize(b, -1)
	if recs[0].Transcript != "one" || !recs[0].IsFinal || recs[0].Confidence != 0.9 {
		t.Errorf("unexpected record: %+v", recs[0])
	}
	if recs[1].IsFinal {
		t.Errorf("record %d should be interim", recs[1].Index)
	}
}

func TestNormalize_UsesBestAlternative(t *testing.T) {
	t.Parallel()

	b := stt.ResultBatch{Results: []stt.Result{{
		IsFinal: true,
		Alternatives: []stt.Alternative{
			{Transcript: "recognize speech", Confidence: 0.8},
			{Transcript: "wreck a nice beach", Confidence: 0.2},
		},
	}}}
	recs := transcript.Normalize(b, -1)
	if len(recs) != 1 || recs[0].Transcript != "recognize speech" {
		t.Errorf("records = %+v", recs)
	}
}
