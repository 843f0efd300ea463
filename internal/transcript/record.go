// Package transcript reconciles a stream of overlapping, partially-final
// recognition results into a single append-only text.
//
// A recognition backend re-announces the same utterance many times: interim
// guesses are replaced by better guesses, a final result commits the
// utterance, and after a reconnect the backend may announce an already
// committed phrase again with different punctuation or casing. The [Engine]
// folds all of that into a list of finalized chunks plus one interim line:
//
//  1. [Normalize] turns a cumulative result batch into [Record] values,
//     skipping indices that were already committed in the current session.
//  2. Interim records replace the interim line.
//  3. Final records are compared against the last few committed phrases by a
//     [Judge]; near-duplicates are suppressed, everything else is appended.
//
// The Engine is not safe for concurrent use. The session controller owns it
// and serializes access.
package transcript

import "github.com/MrWong99/livescribe/pkg/provider/stt"

// Record is one recognition result extracted from a batch.
type Record struct {
	// Index is the position of the result within the current session.
	Index int

	// IsFinal reports whether the backend committed to this result.
	IsFinal bool

	// Transcript is the text of the best alternative, as received.
	Transcript string

	// Confidence is the confidence of the best alternative (0.0–1.0).
	Confidence float64
}

// Normalize extracts the records of batch that have not yet been committed.
// Only results at positions greater than lastIndex, starting at
// batch.ResultIndex, are returned, in their original order. The best
// alternative is used; results without alternatives are skipped.
func Normalize(batch stt.ResultBatch, lastIndex int) []Record {
	start := max(batch.ResultIndex, lastIndex+1, 0)
	if start >= len(batch.Results) {
		return nil
	}
	records := make([]Record, 0, len(batch.Results)-start)
	for i := start; i < len(batch.Results); i++ {
		r := batch.Results[i]
		if len(r.Alternatives) == 0 {
			continue
		}
		records = append(records, Record{
			Index:      i,
			IsFinal:    r.IsFinal,
			Transcript: r.Alternatives[0].Transcript,
			Confidence: r.Alternatives[0].Confidence,
		})
	}
	return records
}

// skipped counts the results of batch that Normalize ignores because they
// were already committed.
func skipped(batch stt.ResultBatch, lastIndex int) int {
	from := max(batch.ResultIndex, 0)
	to := min(lastIndex+1, len(batch.Results))
	return max(to-from, 0)
}
