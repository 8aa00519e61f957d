// Package transcript holds the per-conversation segment store and the
// beautification pass that runs against it.
package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// UnknownSpeaker is used when no speaker could be attributed.
const UnknownSpeaker = "Unknown"

// RawSegment is a fragment as delivered by the speech-to-text provider.
// Audio offsets are milliseconds since the start of the session audio.
type RawSegment struct {
	Text       string
	AudioStart int64
	AudioEnd   int64
	AddedAt    time.Time
	Finalized  bool
}

// BeautifiedSegment is cleaned, speaker attributed text derived from a
// contiguous run of finalized raw segments.
type BeautifiedSegment struct {
	Text       string `json:"transcript"`
	AudioStart int64  `json:"audioStart"`
	AudioEnd   int64  `json:"audioEnd"`
	Speaker    string `json:"speaker"`
}

// Stats summarizes a store.
type Stats struct {
	FinalizedSegments  int           `json:"finalized_segments"`
	BeautifiedSegments int           `json:"beautified_segments"`
	PendingSegments    int           `json:"pending_segments"`
	HasPartial         bool          `json:"has_partial"`
	TotalTextLength    int           `json:"total_text_length"`
	AudioDuration      time.Duration `json:"audio_duration"`
	SessionDuration    time.Duration `json:"session_duration"`
}

// Store is the in-memory transcript of one conversation. It is safe for
// concurrent use.
type Store struct {
	mu         sync.Mutex
	finalized  []RawSegment
	partial    *RawSegment
	beautified []BeautifiedSegment
	cursor     int // lastBeautifiedIndex into finalized
	startedAt  time.Time
	lastAdded  time.Time
	now        func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return newStoreWithClock(time.Now)
}

func newStoreWithClock(now func() time.Time) *Store {
	return &Store{now: now, startedAt: now()}
}

// AppendRaw records a provider fragment. A provisional fragment replaces
// the current unfinalized tail; a finalized one is appended to the history
// and clears the tail. Empty text is ignored.
func (s *Store) AppendRaw(text string, audioStart, audioEnd int64, finalized bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if audioEnd < audioStart {
		audioEnd = audioStart
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	addedAt := s.now()
	if addedAt.Before(s.lastAdded) {
		addedAt = s.lastAdded
	}
	s.lastAdded = addedAt

	seg := RawSegment{
		Text:       text,
		AudioStart: audioStart,
		AudioEnd:   audioEnd,
		AddedAt:    addedAt,
		Finalized:  finalized,
	}
	if !finalized {
		s.partial = &seg
		return
	}
	s.finalized = append(s.finalized, seg)
	s.partial = nil
}

// PlainTranscript joins the text of the last maxSegments finalized segments
// followed by the provisional tail, if any. maxSegments <= 0 means all.
func (s *Store) PlainTranscript(maxSegments int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	texts := make([]string, 0, len(s.finalized)+1)
	for _, seg := range tail(s.finalized, maxSegments) {
		texts = append(texts, seg.Text)
	}
	if s.partial != nil {
		texts = append(texts, s.partial.Text)
	}
	return strings.Join(texts, " ")
}

// BeautifiedPlainTranscript joins the text of the last maxSegments
// beautified segments, one per line. maxSegments <= 0 means all.
func (s *Store) BeautifiedPlainTranscript(maxSegments int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	texts := make([]string, 0, len(s.beautified))
	for _, seg := range tail(s.beautified, maxSegments) {
		texts = append(texts, seg.Text)
	}
	return strings.Join(texts, "\n")
}

// TimestampedTranscript renders beautified segments as
// "[HH:MM:SS - HH:MM:SS] text" lines.
func (s *Store) TimestampedTranscript() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := make([]string, 0, len(s.beautified))
	for _, seg := range s.beautified {
		lines = append(lines, fmt.Sprintf("[%s - %s] %s", FormatClock(seg.AudioStart), FormatClock(seg.AudioEnd), seg.Text))
	}
	return strings.Join(lines, "\n")
}

// BeautifiedSegments returns a copy of all beautified segments.
func (s *Store) BeautifiedSegments() []BeautifiedSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BeautifiedSegment(nil), s.beautified...)
}

// BeautifiedCount returns the number of beautified segments.
func (s *Store) BeautifiedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.beautified)
}

// BeautifiedRange returns the audio range covered by beautified text.
func (s *Store) BeautifiedRange() (start, end int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.beautified) == 0 {
		return 0, 0, false
	}
	start = s.beautified[0].AudioStart
	for _, seg := range s.beautified {
		if seg.AudioStart < start {
			start = seg.AudioStart
		}
		if seg.AudioEnd > end {
			end = seg.AudioEnd
		}
	}
	return start, end, true
}

// JSONTranscript encodes the beautified segments for persistence.
func (s *Store) JSONTranscript() (string, error) {
	segs := s.BeautifiedSegments()
	if segs == nil {
		segs = []BeautifiedSegment{}
	}
	data, err := json.Marshal(segs)
	if err != nil {
		return "", fmt.Errorf("encode transcript: %w", err)
	}
	return string(data), nil
}

// Cursor returns lastBeautifiedIndex.
func (s *Store) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// FinalizedCount returns the number of finalized raw segments.
func (s *Store) FinalizedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.finalized)
}

// Stats returns counters for logging and diagnostics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		FinalizedSegments:  len(s.finalized),
		BeautifiedSegments: len(s.beautified),
		PendingSegments:    len(s.finalized) - s.cursor,
		HasPartial:         s.partial != nil,
		SessionDuration:    s.now().Sub(s.startedAt),
	}
	var maxEnd int64
	for _, seg := range s.finalized {
		st.TotalTextLength += len(seg.Text)
		if seg.AudioEnd > maxEnd {
			maxEnd = seg.AudioEnd
		}
	}
	st.AudioDuration = time.Duration(maxEnd) * time.Millisecond
	return st
}

// pending returns a copy of the finalized segments not yet beautified and
// the cursor they start at.
func (s *Store) pending() ([]RawSegment, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RawSegment(nil), s.finalized[s.cursor:]...), s.cursor
}

// commit appends beautified output for the consumed raw segments starting
// at from. It fails if another pass moved the cursor in the meantime.
// Segments are clamped in place so none starts before the end of the one
// committed before it.
func (s *Store) commit(from, consumed int, segs []BeautifiedSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cursor != from {
		return fmt.Errorf("cursor moved from %d to %d", from, s.cursor)
	}
	if from+consumed > len(s.finalized) {
		return fmt.Errorf("consumed %d past %d finalized segments", from+consumed, len(s.finalized))
	}

	var prevEnd int64
	if n := len(s.beautified); n > 0 {
		prevEnd = s.beautified[n-1].AudioEnd
	}
	for i := range segs {
		seg := &segs[i]
		if seg.AudioStart < prevEnd {
			seg.AudioStart = prevEnd
		}
		if seg.AudioEnd < seg.AudioStart {
			seg.AudioEnd = seg.AudioStart
		}
		prevEnd = seg.AudioEnd
	}

	s.beautified = append(s.beautified, segs...)
	s.cursor += consumed
	return nil
}

// FormatClock renders milliseconds as HH:MM:SS.
func FormatClock(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	sec := ms / 1000
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, (sec/60)%60, sec%60)
}

func tail[T any](items []T, n int) []T {
	if n <= 0 || n >= len(items) {
		return items
	}
	return items[len(items)-n:]
}
