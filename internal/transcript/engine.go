package transcript

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/livescribe/internal/transcript/phonetic"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// DedupMode selects how finalized phrases are checked for repetition.
type DedupMode string

const (
	// DedupIndexOnly relies on result indices alone. Re-announced phrases
	// after a restart are appended again.
	DedupIndexOnly DedupMode = "index_only"

	// DedupSimilarity suppresses finals whose word overlap with a recent
	// phrase exceeds the threshold.
	DedupSimilarity DedupMode = "similarity"

	// DedupPhonetic is like DedupSimilarity but counts sound-alike words as
	// overlapping.
	DedupPhonetic DedupMode = "phonetic"
)

// IsValid reports whether m is a known mode.
func (m DedupMode) IsValid() bool {
	switch m {
	case DedupIndexOnly, DedupSimilarity, DedupPhonetic:
		return true
	}
	return false
}

// Policy configures an Engine.
type Policy struct {
	// Mode is the duplicate detection strategy. Default: DedupSimilarity.
	Mode DedupMode

	// HistorySize is the number of recent phrases compared against.
	// Default: DefaultHistorySize.
	HistorySize int

	// Threshold is the overlap ratio that must be exceeded for a duplicate.
	// Default: DefaultThreshold.
	Threshold float64
}

// DefaultPolicy returns the similarity policy with default parameters.
func DefaultPolicy() Policy {
	return Policy{
		Mode:        DedupSimilarity,
		HistorySize: DefaultHistorySize,
		Threshold:   DefaultThreshold,
	}
}

func (p Policy) withDefaults() Policy {
	if p.Mode == "" {
		p.Mode = DedupSimilarity
	}
	if p.HistorySize == 0 {
		p.HistorySize = DefaultHistorySize
	}
	if p.Threshold == 0 {
		p.Threshold = DefaultThreshold
	}
	return p
}

// Validate reports every problem with p after defaults are applied.
func (p Policy) Validate() error {
	p = p.withDefaults()
	var errs []error
	if !p.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("transcript: unknown dedup mode %q", p.Mode))
	}
	if p.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("transcript: history size must be >= 1, got %d", p.HistorySize))
	}
	if p.Threshold <= 0 || p.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("transcript: threshold must be in (0, 1), got %v", p.Threshold))
	}
	return errors.Join(errs...)
}

func (p Policy) judge() Judge {
	switch p.Mode {
	case DedupSimilarity:
		return TokenJudge{Threshold: p.Threshold}
	case DedupPhonetic:
		return phonetic.New(Tokens, phonetic.WithThreshold(p.Threshold))
	default:
		return nil
	}
}

// Outcome summarizes what one Apply call did.
type Outcome struct {
	// Records is the number of records extracted from the batch.
	Records int

	// Skipped counts results ignored because they were already committed.
	Skipped int

	// Appended holds the chunks committed by this batch, in order.
	Appended []string

	// Suppressed counts finals dropped as duplicates of recent phrases.
	Suppressed int

	// Empty counts finals dropped because they contained no words.
	Empty int

	// InterimChanged reports whether the interim text was replaced.
	InterimChanged bool
}

// Engine folds recognition batches into a State.
type Engine struct {
	policy Policy
	judge  Judge
	state  *State
}

// NewEngine returns an Engine for policy.
func NewEngine(policy Policy) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	policy = policy.withDefaults()
	return &Engine{
		policy: policy,
		judge:  policy.judge(),
		state:  NewState(policy.HistorySize),
	}, nil
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy { return e.policy }

// SetPolicy switches the dedup policy. Accumulated text is kept; the phrase
// history is trimmed to the new size.
func (e *Engine) SetPolicy(policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	policy = policy.withDefaults()
	e.policy = policy
	e.judge = policy.judge()
	e.state.resize(policy.HistorySize)
	return nil
}

// State exposes the accumulated state for read access.
func (e *Engine) State() *State { return e.state }

// Apply folds batch into the state. Records are processed in order, each
// final compared against the history as updated by the finals before it.
func (e *Engine) Apply(batch stt.ResultBatch) Outcome {
	out := Outcome{Skipped: skipped(batch, e.state.lastIndex)}
	records := Normalize(batch, e.state.lastIndex)
	out.Records = len(records)

	for _, r := range records {
		if !r.IsFinal {
			e.state.setInterim(strings.TrimSpace(r.Transcript))
			out.InterimChanged = true
			continue
		}

		norm := NormalizePhrase(r.Transcript)
		// A final with nothing left after normalization ("?!") is dropped,
		// never appended, so the judges never compare two empty phrases.
		if norm == "" {
			e.state.clearInterim()
			out.Empty++
			continue
		}
		if e.isDuplicate(norm) {
			e.state.clearInterim()
			out.Suppressed++
			continue
		}
		raw := strings.TrimSpace(r.Transcript)
		e.state.commit(raw, norm, r.Index)
		out.Appended = append(out.Appended, raw)
	}
	return out
}

func (e *Engine) isDuplicate(norm string) bool {
	if e.judge == nil {
		return false
	}
	for _, p := range e.state.recent.entries {
		if e.judge.Similar(norm, p) {
			return true
		}
	}
	return false
}

// Seal commits a pending interim as-is, bypassing duplicate detection. It is
// used when a session ends before the backend finalized the interim.
func (e *Engine) Seal() (string, bool) { return e.state.seal() }

// Boundary marks the start of a new recognition session: indices restart at
// zero and the phrase history is forgotten.
func (e *Engine) Boundary() { e.state.boundary() }

// Reset discards all accumulated text and session bookkeeping.
func (e *Engine) Reset() { e.state.reset() }

// Render returns the display text. The interim is shown only while
// listening.
func (e *Engine) Render(listening bool) string {
	return Project(e.state.chunks, e.state.interim, listening)
}

// Project joins chunks with single spaces and, while listening, appends the
// interim text.
func Project(chunks []string, interim string, listening bool) string {
	text := strings.Join(chunks, " ")
	if !listening || interim == "" {
		return text
	}
	if text == "" {
		return interim
	}
	return text + " " + interim
}
