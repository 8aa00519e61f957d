// Package actions extracts actionable items from a live transcript.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/otohq/voiceapi/internal/llm"
	"github.com/otohq/voiceapi/internal/transcript"
)

// ErrParse is returned when a completion reply holds no JSON array.
var ErrParse = errors.New("actions: unparseable detection reply")

// Type is the kind of a detected action.
type Type string

const (
	TypeTodo     Type = "todo"
	TypeCalendar Type = "calendar"
	TypeResearch Type = "research"
)

// Inner holds the user facing content of an action.
type Inner struct {
	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
	Query    string `json:"query,omitempty"`
	Datetime string `json:"datetime,omitempty"`
}

// Relate ties an action to the audio range and text that justified it.
type Relate struct {
	Start      int64  `json:"start"`
	End        int64  `json:"end"`
	Transcript string `json:"transcript"`
}

// Action is a detected action. It is not modified after it is returned.
type Action struct {
	Type   Type   `json:"type"`
	ID     string `json:"id"`
	Inner  Inner  `json:"inner"`
	Relate Relate `json:"relate"`
}

// Config holds tuning for the detector.
type Config struct {
	// MinTextLength is the minimum beautified text length for a batch pass.
	MinTextLength int
	// MinSegmentLength is the minimum segment length for the immediate path.
	MinSegmentLength int
	// Location interprets datetimes the completion service returns without
	// a zone offset, and dates the prompt's current time. Defaults to UTC.
	Location *time.Location
}

// Detector runs action detection for one session. The periodic pass and
// the immediate per-segment path share one detected list.
type Detector struct {
	store     *transcript.Store
	llm       llm.Completer
	logger    *log.Logger
	minText   int
	minSeg    int
	loc       *time.Location
	now       func() time.Time
	newID     func() string
	passMu    sync.Mutex
	mu        sync.Mutex
	detected  []Action
	watermark int
}

// NewDetector creates a detector reading beautified text from store.
func NewDetector(store *transcript.Store, completer llm.Completer, cfg Config, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.MinTextLength <= 0 {
		cfg.MinTextLength = 30
	}
	if cfg.MinSegmentLength <= 0 {
		cfg.MinSegmentLength = 10
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Detector{
		store:   store,
		llm:     completer,
		logger:  logger,
		minText: cfg.MinTextLength,
		minSeg:  cfg.MinSegmentLength,
		loc:     cfg.Location,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Detect runs one batch pass over the full beautified transcript and
// returns the actions not seen before in this session.
func (d *Detector) Detect(ctx context.Context) []Action {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	count := d.store.BeautifiedCount()
	d.mu.Lock()
	seen := d.watermark
	d.mu.Unlock()
	if count == seen {
		return nil
	}

	text := d.store.BeautifiedPlainTranscript(0)
	if len(text) < d.minText {
		return nil
	}
	start, end, _ := d.store.BeautifiedRange()

	found, err := d.extract(ctx, text, Relate{Start: start, End: end, Transcript: text})
	if err != nil {
		if errors.Is(err, ErrParse) {
			d.logger.Printf("actions: %v", err)
			d.advance(count)
		} else if ctx.Err() == nil {
			d.logger.Printf("actions: detection failed, retrying next tick: %v", err)
		}
		return nil
	}

	added := d.add(found)
	d.advance(count)
	return added
}

// DetectSegment is the low latency path for a single final segment.
func (d *Detector) DetectSegment(ctx context.Context, text string, start, end int64) []Action {
	text = strings.TrimSpace(text)
	if len(text) < d.minSeg {
		return nil
	}

	found, err := d.extract(ctx, text, Relate{Start: start, End: end, Transcript: text})
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Printf("actions: segment detection failed: %v", err)
		}
		return nil
	}
	return d.add(found)
}

// Detected returns a copy of every action emitted so far.
func (d *Detector) Detected() []Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Action(nil), d.detected...)
}

func (d *Detector) extract(ctx context.Context, text string, relate Relate) ([]Action, error) {
	if d.llm == nil {
		return nil, errors.New("no completion service configured")
	}

	d.mu.Lock()
	known := make([]llm.KnownAction, len(d.detected))
	for i, a := range d.detected {
		known[i] = llm.KnownAction{Type: string(a.Type), Title: a.Inner.Title}
	}
	d.mu.Unlock()

	reply, err := d.llm.Complete(ctx, llm.Request{
		System:      llm.ActionDetectionPrompt(d.now().In(d.loc), known),
		User:        text,
		Temperature: 0.1,
		MaxTokens:   2000,
	})
	if err != nil {
		return nil, err
	}
	return parseActions(reply, relate, d.newID, d.loc)
}

// add appends the actions that are not duplicates and returns them.
func (d *Detector) add(found []Action) []Action {
	d.mu.Lock()
	defer d.mu.Unlock()

	before := len(d.detected)
	var added []Action
	for _, a := range found {
		if d.isDuplicateLocked(a, before) {
			d.logger.Printf("actions: skipping duplicate %s %q", a.Type, a.Inner.Title)
			continue
		}
		d.detected = append(d.detected, a)
		added = append(added, a)
	}
	return added
}

func (d *Detector) advance(count int) {
	d.mu.Lock()
	if count > d.watermark {
		d.watermark = count
	}
	d.mu.Unlock()
}

// isDuplicateLocked reports whether a matches an already detected action:
// same type and identity, or same type and justifying excerpt as an action
// from an earlier pass (index < before).
func (d *Detector) isDuplicateLocked(a Action, before int) bool {
	key := identity(a)
	for i, e := range d.detected {
		if e.Type != a.Type {
			continue
		}
		if identity(e) == key {
			return true
		}
		if i < before && e.Relate.Transcript == a.Relate.Transcript {
			return true
		}
	}
	return false
}

func identity(a Action) string {
	key := string(a.Type) + "|" + normalize(a.Inner.Title)
	if a.Type == TypeCalendar {
		key += "|" + a.Inner.Datetime
	}
	return key
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".!?")
	return strings.Join(strings.Fields(s), " ")
}

var jsonArray = regexp.MustCompile(`(?s)\[.*\]`)

// ParseActions validates a completion reply. Items without a known type
// or a title are dropped, as are calendar items without a parseable date.
// Datetimes without a zone offset are read as UTC.
func ParseActions(reply string, relate Relate, newID func() string) ([]Action, error) {
	return parseActions(reply, relate, newID, time.UTC)
}

func parseActions(reply string, relate Relate, newID func() string, loc *time.Location) ([]Action, error) {
	match := jsonArray.FindString(reply)
	if match == "" {
		return nil, fmt.Errorf("%w: no JSON array in %q", ErrParse, truncate(reply, 200))
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(match), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	var out []Action
	for _, raw := range items {
		var item map[string]any
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		a, ok := toAction(item, loc)
		if !ok {
			continue
		}
		a.ID = newID()
		a.Relate = relate
		out = append(out, a)
	}
	return out, nil
}

func toAction(item map[string]any, loc *time.Location) (Action, bool) {
	typ := Type(str(item["type"]))
	title := strings.TrimSpace(str(item["title"]))
	if title == "" {
		return Action{}, false
	}

	a := Action{Type: typ, Inner: Inner{Title: title}}
	switch typ {
	case TypeTodo:
		a.Inner.Body = strings.TrimSpace(str(item["body"]))
	case TypeCalendar:
		dt, ok := normalizeDatetime(str(item["datetime"]), loc)
		if !ok {
			return Action{}, false
		}
		a.Inner.Datetime = dt
	case TypeResearch:
		a.Inner.Query = strings.TrimSpace(str(item["query"]))
		if a.Inner.Query == "" {
			a.Inner.Query = title
		}
	default:
		return Action{}, false
	}
	return a, true
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// normalizeDatetime parses common ISO 8601 forms and renders UTC RFC 3339.
// Forms without an offset are wall-clock times in loc.
func normalizeDatetime(v string, loc *time.Location) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t.UTC().Format(time.RFC3339), true
		}
	}
	return "", false
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
