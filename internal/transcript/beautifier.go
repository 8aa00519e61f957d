package transcript

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/otohq/voiceapi/internal/llm"
)

// ErrParse is returned when a completion reply has no usable blocks.
var ErrParse = errors.New("transcript: unparseable beautification reply")

// DefaultMinBatchSize is used when BeautifierConfig.MinBatchSize is unset.
const DefaultMinBatchSize = 3

// BeautifyResult describes the segments produced by one pass.
type BeautifyResult struct {
	Segments   []BeautifiedSegment
	AudioStart int64
	AudioEnd   int64
	Consumed   int  // raw segments covered
	Fallback   bool // true when the raw text was passed through
}

// BeautifierConfig holds tuning for the beautification pass.
type BeautifierConfig struct {
	MinBatchSize int
}

// Beautifier turns finalized raw segments into beautified ones.
type Beautifier struct {
	store    *Store
	llm      llm.Completer
	logger   *log.Logger
	minBatch int

	passMu sync.Mutex
}

// NewBeautifier creates a beautification pass over store.
func NewBeautifier(store *Store, completer llm.Completer, cfg BeautifierConfig, logger *log.Logger) *Beautifier {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	minBatch := cfg.MinBatchSize
	if minBatch <= 0 {
		minBatch = DefaultMinBatchSize
	}
	return &Beautifier{
		store:    store,
		llm:      completer,
		logger:   logger,
		minBatch: minBatch,
	}
}

// Beautify runs one pass. It reports false when nothing was produced:
// no new finalized segments, a batch below the minimum size without force,
// or ctx cancelled while waiting for the completion service.
func (b *Beautifier) Beautify(ctx context.Context, force bool) (BeautifyResult, bool) {
	b.passMu.Lock()
	defer b.passMu.Unlock()

	batch, from := b.store.pending()
	if len(batch) == 0 {
		return BeautifyResult{}, false
	}
	if len(batch) < b.minBatch && !force {
		return BeautifyResult{}, false
	}

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].AudioStart < batch[j].AudioStart
	})

	segs, err := b.complete(ctx, batch)
	fallback := false
	if err != nil {
		if ctx.Err() != nil {
			return BeautifyResult{}, false
		}
		b.logger.Printf("beautify: falling back to raw text for %d segments: %v", len(batch), err)
		segs = passThrough(batch)
		fallback = true
	}

	if err := b.store.commit(from, len(batch), segs); err != nil {
		b.logger.Printf("beautify: commit failed: %v", err)
		return BeautifyResult{}, false
	}

	lo, hi := bounds(batch)
	if first := segs[0].AudioStart; first > lo {
		lo = first
	}
	if last := segs[len(segs)-1].AudioEnd; last > hi {
		hi = last
	}
	return BeautifyResult{
		Segments:   segs,
		AudioStart: lo,
		AudioEnd:   hi,
		Consumed:   len(batch),
		Fallback:   fallback,
	}, true
}

func (b *Beautifier) complete(ctx context.Context, batch []RawSegment) ([]BeautifiedSegment, error) {
	if b.llm == nil {
		return nil, errors.New("no completion service configured")
	}

	lines := make([]string, len(batch))
	for i, seg := range batch {
		lines[i] = fmt.Sprintf("[%s - %s] %s", FormatClock(seg.AudioStart), FormatClock(seg.AudioEnd), seg.Text)
	}

	reply, err := b.llm.Complete(ctx, llm.Request{
		System:      llm.BeautifyPrompt,
		User:        strings.Join(lines, "\n"),
		Temperature: 0.3,
		MaxTokens:   3000,
	})
	if err != nil {
		return nil, err
	}

	lo, hi := bounds(batch)
	return ParseBeautified(reply, lo, hi)
}

var blockHeader = regexp.MustCompile(`^\[\s*(\d{1,2}:\d{2}:\d{2}(?:\.\d+)?)\s*-\s*(\d{1,2}:\d{2}:\d{2}(?:\.\d+)?)\s*\]\s*(.*)$`)

// speakerLabel matches a header remainder that is only a "Name:" label.
var speakerLabel = regexp.MustCompile(`^[\p{L}\p{N}][\p{L}\p{N}._'-]*(?: [\p{L}\p{N}._'-]+){0,2}:$`)

type block struct {
	start, end int64
	label      string
	body       []string
}

// ParseBeautified parses "[HH:MM:SS - HH:MM:SS] speaker\nbody" blocks and
// fits them into [lo, hi]: blocks are ordered, made non-overlapping, and the
// first and last snap to the batch bounds.
func ParseBeautified(reply string, lo, hi int64) ([]BeautifiedSegment, error) {
	var blocks []*block
	scanner := bufio.NewScanner(strings.NewReader(llm.StripCodeFence(reply)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if m := blockHeader.FindStringSubmatch(line); m != nil {
			start, err1 := parseClock(m[1])
			end, err2 := parseClock(m[2])
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("%w: bad time range %q", ErrParse, line)
			}
			blocks = append(blocks, &block{start: start, end: end, label: strings.TrimSpace(m[3])})
			continue
		}
		if line == "" || len(blocks) == 0 {
			continue
		}
		cur := blocks[len(blocks)-1]
		cur.body = append(cur.body, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	var segs []BeautifiedSegment
	for _, bl := range blocks {
		speaker := UnknownSpeaker
		text := strings.Join(bl.body, "\n")
		if len(bl.body) == 0 {
			if speakerLabel.MatchString(bl.label) {
				continue
			}
			// Text on the header line, no speaker label.
			text = bl.label
		} else if bl.label != "" {
			speaker = strings.TrimSuffix(bl.label, ":")
		}
		if text = strings.TrimSpace(text); text == "" {
			continue
		}
		segs = append(segs, BeautifiedSegment{Text: text, AudioStart: bl.start, AudioEnd: bl.end, Speaker: speaker})
	}
	if len(segs) == 0 {
		return nil, ErrParse
	}

	sort.SliceStable(segs, func(i, j int) bool {
		return segs[i].AudioStart < segs[j].AudioStart
	})

	prevEnd := lo
	for i := range segs {
		s := &segs[i]
		if i == 0 || s.AudioStart < prevEnd {
			s.AudioStart = prevEnd
		}
		if s.AudioStart > hi {
			s.AudioStart = hi
		}
		if s.AudioEnd > hi {
			s.AudioEnd = hi
		}
		if s.AudioEnd < s.AudioStart {
			s.AudioEnd = s.AudioStart
		}
		prevEnd = s.AudioEnd
	}
	segs[len(segs)-1].AudioEnd = hi
	return segs, nil
}

// parseClock converts HH:MM:SS[.fff] to milliseconds.
func parseClock(v string) (int64, error) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("bad clock %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}
	return int64(h)*3600000 + int64(m)*60000 + int64(sec*1000), nil
}

func passThrough(batch []RawSegment) []BeautifiedSegment {
	segs := make([]BeautifiedSegment, len(batch))
	for i, raw := range batch {
		segs[i] = BeautifiedSegment{
			Text:       raw.Text,
			AudioStart: raw.AudioStart,
			AudioEnd:   raw.AudioEnd,
			Speaker:    UnknownSpeaker,
		}
	}
	return segs
}

func bounds(batch []RawSegment) (lo, hi int64) {
	lo, hi = batch[0].AudioStart, batch[0].AudioEnd
	for _, seg := range batch[1:] {
		if seg.AudioStart < lo {
			lo = seg.AudioStart
		}
		if seg.AudioEnd > hi {
			hi = seg.AudioEnd
		}
	}
	return lo, hi
}
