package transcript_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/livescribe/internal/transcript"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

func final(text string) stt.Result {
	return stt.Result{IsFinal: true, Alternatives: []stt.Alternative{{Transcript: text, Confidence: 0.9}}}
}

func interim(text string) stt.Result {
	return stt.Result{Alternatives: []stt.Alternative{{Transcript: text, Confidence: 0.5}}}
}

// batch places results at positions index, index+1, ... of a cumulative
// result list. Earlier positions are left empty; Normalize never reads them.
func batch(index int, results ...stt.Result) stt.ResultBatch {
	return stt.ResultBatch{ResultIndex: index, Results: append(make([]stt.Result, index), results...)}
}

func newEngine(t *testing.T, p transcript.Policy) *transcript.Engine {
	t.Helper()
	e, err := transcript.NewEngine(p)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func assertChunks(t *testing.T, e *transcript.Engine, want ...string) {
	t.Helper()
	got := e.State().Chunks()
	if len(want) == 0 && len(got) == 0 {
		return
	}
	if !slices.Equal(got, want) {
		t.Errorf("chunks = %q, want %q", got, want)
	}
}

func TestEngine_EndToEnd(t *testing.T) {
	t.Parallel()

	e := newEngine(t, transcript.DefaultPolicy())

	e.Apply(batch(0, interim("hel")))
	if got := e.Render(true); got != "hel" {
		t.Errorf("after interim: Render = %q, want %q", got, "hel")
	}

	e.Apply(batch(0, final("hello")))
	if got := e.Render(true); got != "hello" {
		t.Errorf("after final: Render = %q, want %q", got, "hello")
	}
	assertChunks(t, e, "hello")

	// The source restarts: a new session with indices starting at zero.
	if _, sealed := e.Seal(); sealed {
		t.Error("nothing should be sealed without an interim")
	}
	e.Boundary()

	out := e.Apply(batch(0, final("hello there")))
	if len(out.Appended) != 1 {
		t.Fatalf("hello there should be appended, outcome %+v", out)
	}
	assertChunks(t, e, "hello", "hello there")
	if got := e.Render(false); got != "hello hello there" {
		t.Errorf("Render = %q", got)
	}
}

func TestEngine_MonotonicIndexSkip(t *testing.T) {
	t.Parallel()

	e := newEngine(t, transcript.Policy{Mode: transcript.DedupIndexOnly})

	e.Apply(batch(0, final("first phrase")))
	if got := e.State().LastIndex(); got != 0 {
		t.Fatalf("LastIndex = %d, want 0", got)
	}

	// The backend re-sends the whole cumulative list.
	out := e.Apply(batch(0, final("first phrase"), final("second phrase"), interim("third")))
	if out.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", out.Skipped)
	}
	if out.Records != 2 {
		t.Errorf("Records = %d, want 2", out.Records)
	}
	assertChunks(t, e, "first phrase", "second phrase")
	if got := e.State().Interim(); got != "third" {
		t.Errorf("Interim = %q, want %q", got, "third")
	}
	if got := e.State().LastIndex(); got != 1 {
		t.Errorf("LastIndex = %d, want 1", got)
	}
}

func TestEngine_DuplicateSuppression(t *testing.T) {
	t.Parallel()

	e := newEngine(t, transcript.DefaultPolicy())

	e.Apply(batch(0, final("hello world")))

	// 2 of 3 words shared: 0.67 is not above 0.8.
	out := e.Apply(batch(1, final("hello world today")))
	if len(out.Appended) != 1 {
		t.Fatalf("expected 'hello world today' to be appended, outcome %+v", out)
	}

	e.Apply(batch(2, interim("hello world")))
	out = e.Apply(batch(2, final("Hello world, today!")))
	if out.Suppressed != 1 {
		t.Fatalf("expected duplicate to be suppressed, outcome %+v", out)
	}
	if e.State().Interim() != "" {
		t.Error("suppressed final must clear the interim")
	}
	if got := e.State().LastIndex(); got != 1 {
		t.Errorf("suppressed final must not advance LastIndex: got %d, want 1", got)
	}
	assertChunks(t, e, "hello world", "hello world today")
}

func TestEngine_DuplicatesWithinOneBatch(t *testing.T) {
	t.Parallel()

	e := newEngine(t, transcript.DefaultPolicy())

	out := e.Apply(batch(0, final("turn left here"), final("Turn left, here.")))
	if len(out.Appended) != 1 || out.Suppressed != 1 {
		t.Errorf("outcome = %+v, want one appended and one suppressed", out)
	}
	assertChunks(t, e, "turn left here")
}

func TestEngine_BoundedHistory(t *testing.T) {
	t.Parallel()

	e := newEngine(t, transcript.DefaultPolicy())

	phrases := []string{"alpha one", "bravo two", "charlie three", "delta four", "echo five", "foxtrot six"}
	for i, p := range phrases {
		e.Apply(batch(i, final(p)))
	}

	recent := e.State().Recent()
	if !slices.Equal(recent, phrases[1:]) {
		t.Fatalf("Recent = %q, want %q", recent, phrases[1:])
	}

	// The evicted first phrase is no longer suppressed.
	out := e.Apply(batch(6, final("Alpha one")))
	if len(out.Appended) != 1 {
		t.Errorf("evicted phrase should be appended again, outcome %+v", out)
	}
	// A phrase still in history is suppressed.
	out = e.Apply(batch(7, final("foxtrot six")))
	if out.Suppressed != 1 {
		t.Errorf("phrase in history should be suppressed, outcome %+v", out)
	}
}

func TestEngine_SessionBoundaryResetsIndex(t *testing.T) {
	t.Parallel()

	e := newEngine(t, transcript.Policy{Mode: transcript.DedupIndexOnly})

	e.Apply(batch(0, final("one"), final("two"), final("three")))
	e.Apply(batch(3, interim("fou")))

	text, sealed := e.Seal()
	if !sealed || text != "fou" {
		t.Fatalf("Seal = (%q, %v), want (\"fou\", true)", text, sealed)
	}
	e.Boundary()

	if got := e.State().LastIndex(); got != -1 {
		t.Errorf("LastIndex after boundary = %d, want -1", got)
	}
	if got := e.State().Recent(); len(got) != 0 {
		t.Errorf("Recent after boundary = %q, want empty", got)
	}

	e.Apply(batch(0, final("five")))
	assertChunks(t, e, "one", "two", "three", "fou", "five")
}

func TestEngine_IndexOnlyAppendsReannouncements(t *testing.T) {
	t.Parallel()

	e := newEngine(t, transcript.Policy{Mode: transcript.DedupIndexOnly})

	e.Apply(batch(0, final("hello world")))
	out := e.Apply(batch(1, final("hello world")))
	if len(out.Appended) != 1 {
		t.Errorf("index_only mode must not suppress by similarity, outcome %+v", out)
	}
}

func TestEngine_PhoneticMode(t *testing.T) {
	t.Parallel()

	e := newEngine(t, transcript.Policy{Mode: transcript.DedupPhonetic})

	e.Apply(batch(0, final("put it over there now")))
	out := e.Apply(batch(1, final("Put it over their now.")))
	if out.Suppressed != 1 {
		t.Errorf("homophone re-announcement should be suppressed, outcome %+v", out)
	}

	s := newEngine(t, transcript.DefaultPolicy())
	s.Apply(batch(0, final("put it over there now")))
	out = s.Apply(batch(1, final("Put it over their now.")))
	if out.Suppressed != 0 {
		t.Errorf("similarity mode scores 4/5 = 0.8, which is not above the threshold; outcome %+v", out)
	}
}

func TestEngine_EmptyFinalClearsInterim(t *testing.T) {
	t.Parallel()

	e := newEngine(t, transcript.DefaultPolicy())

	e.Apply(batch(0, interim("uh")))
	out := e.Apply(batch(0, final(" ... ")))
	if out.Empty != 1 {
		t.Errorf("Empty = %d, want 1", out.Empty)
	}
	if e.State().Interim() != "" {
		t.Error("empty final must clear the interim")
	}
	assertChunks(t, e)
}

func TestEngine_PunctuationOnlyFinalDropped(t *testing.T) {
	t.Parallel()

	e := newEngine(t, transcript.DefaultPolicy())

	e.Apply(batch(0, final("hello")))
	out := e.Apply(batch(1, final("?!")))
	if out.Empty != 1 || len(out.Appended) != 0 {
		t.Errorf("outcome = %+v, want one empty final and nothing appended", out)
	}
	assertChunks(t, e, "hello")
}

func TestEngine_InterimTrimmedAndHiddenWhenIdle(t *testing.T) {
	t.Parallel()

	e := newEngine(t, transcript.DefaultPolicy())

	e.Apply(batch(0, final("  first  ")))
	e.Apply(batch(1, interim("  second ")))

	if got := e.Render(true); got != "first second" {
		t.Errorf("Render(listening) = %q, want %q", got, "first second")
	}
	if got := e.Render(false); got != "first" {
		t.Errorf("Render(idle) = %q, want %q", got, "first")
	}
}

func TestEngine_ResetIsIdempotent(t *testing.T) {
	t.Parallel()

	e := newEngine(t, transcript.DefaultPolicy())
	e.Apply(batch(0, final("something"), interim("more")))

	e.Reset()
	once := snapshot(e)
	e.Reset()
	twice := snapshot(e)

	if once != twice {
		t.Errorf("state after second reset differs: %+v vs %+v", once, twice)
	}
	if once != (engineSnapshot{lastIndex: -1}) {
		t.Errorf("state after reset = %+v, want empty", once)
	}
}

type engineSnapshot struct {
	chunks    int
	interim   string
	lastIndex int
	recent    int
}

func snapshot(e *transcript.Engine) engineSnapshot {
	s := e.State()
	return engineSnapshot{
		chunks:    len(s.Chunks()),
		interim:   s.Interim(),
		lastIndex: s.LastIndex(),
		recent:    len(s.Recent()),
	}
}

func TestEngine_SetPolicy(t *testing.T) {
	t.Parallel()

	e := newEngine(t, transcript.DefaultPolicy())
	for i, p := range []string{"a b", "c d", "e f", "g h"} {
		e.Apply(batch(i, final(p)))
	}

	if err := e.SetPolicy(transcript.Policy{Mode: transcript.DedupSimilarity, HistorySize: 2}); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	if got := e.State().Recent(); !slices.Equal(got, []string{"e f", "g h"}) {
		t.Errorf("Recent after shrink = %q", got)
	}
	assertChunks(t, e, "a b", "c d", "e f", "g h")

	if err := e.SetPolicy(transcript.Policy{Mode: "fuzzy"}); err == nil {
		t.Error("expected error for unknown mode")
	}
	if e.Policy().HistorySize != 2 {
		t.Error("invalid policy must not replace the active one")
	}
}

func TestPolicy_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		policy  transcript.Policy
		wantErr bool
	}{
		{"zero value uses defaults", transcript.Policy{}, false},
		{"default", transcript.DefaultPolicy(), false},
		{"phonetic", transcript.Policy{Mode: transcript.DedupPhonetic}, false},
		{"unknown mode", transcript.Policy{Mode: "exact"}, true},
		{"negative history", transcript.Policy{HistorySize: -1}, true},
		{"threshold too high", transcript.Policy{Threshold: 1}, true},
		{"negative threshold", transcript.Policy{Threshold: -0.1}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.policy.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
