package transcript

import "slices"

// DefaultHistorySize is the number of recent finalized phrases kept for
// duplicate detection.
const DefaultHistorySize = 5

// State is the accumulated transcript of one display.
//
// Chunks only ever grow. lastIndex only grows within a session and is reset
// at a session boundary. The phrase history holds at most its capacity,
// evicting the oldest phrase first.
type State struct {
	chunks    []string
	interim   string
	lastIndex int
	recent    history
}

// NewState returns an empty State whose phrase history holds size entries.
// A size below 1 is treated as 1.
func NewState(size int) *State {
	return &State{
		lastIndex: -1,
		recent:    newHistory(size),
	}
}

// Chunks returns a copy of the finalized chunks.
func (s *State) Chunks() []string { return slices.Clone(s.chunks) }

// Interim returns the current interim text.
func (s *State) Interim() string { return s.interim }

// LastIndex returns the highest result index committed this session, or -1.
func (s *State) LastIndex() int { return s.lastIndex }

// Recent returns the remembered normalized phrases, oldest first.
func (s *State) Recent() []string { return s.recent.items() }

func (s *State) setInterim(text string) { s.interim = text }

func (s *State) clearInterim() { s.interim = "" }

// commit appends a finalized phrase. index never moves backwards.
func (s *State) commit(raw, normalized string, index int) {
	s.chunks = append(s.chunks, raw)
	s.recent.push(normalized)
	if index > s.lastIndex {
		s.lastIndex = index
	}
	s.interim = ""
}

// seal moves a non-empty interim into the chunks. It reports whether
// anything was sealed.
func (s *State) seal() (string, bool) {
	if s.interim == "" {
		return "", false
	}
	text := s.interim
	s.chunks = append(s.chunks, text)
	s.interim = ""
	return text, true
}

// boundary prepares for a new recognition session whose indices restart at
// zero.
func (s *State) boundary() {
	s.lastIndex = -1
	s.recent.clear()
}

func (s *State) reset() {
	s.chunks = nil
	s.interim = ""
	s.boundary()
}

func (s *State) resize(size int) { s.recent.resize(size) }

// history is a fixed-capacity FIFO of phrases.
type history struct {
	size    int
	entries []string
}

func newHistory(size int) history {
	return history{size: max(size, 1)}
}

func (h *history) push(p string) {
	h.entries = append(h.entries, p)
	if over := len(h.entries) - h.size; over > 0 {
		h.entries = slices.Delete(h.entries, 0, over)
	}
}

func (h *history) items() []string { return slices.Clone(h.entries) }

func (h *history) clear() { h.entries = h.entries[:0] }

func (h *history) resize(size int) {
	h.size = max(size, 1)
	if over := len(h.entries) - h.size; over > 0 {
		h.entries = slices.Delete(h.entries, 0, over)
	}
}
