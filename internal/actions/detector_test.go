package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/otohq/voiceapi/internal/llm"
	"github.com/otohq/voiceapi/internal/transcript"
)

type fakeCompleter struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests []llm.Request
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "[]", nil
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r, nil
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// beautified appends texts as finalized segments and beautifies them verbatim.
func beautified(s *transcript.Store, texts ...string) {
	base := int64(s.FinalizedCount()) * 1000
	for i, text := range texts {
		s.AppendRaw(text, base+int64(i)*1000, base+int64(i+1)*1000, true)
	}
	transcript.NewBeautifier(s, nil, transcript.BeautifierConfig{MinBatchSize: 1}, nil).Beautify(context.Background(), true)
}

func newTestDetector(s *transcript.Store, fc *fakeCompleter) *Detector {
	d := NewDetector(s, fc, Config{MinTextLength: 30}, nil)
	d.now = func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }
	n := 0
	d.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return d
}

func TestDetect_DentistCalendar(t *testing.T) {
	s := transcript.NewStore()
	beautified(s, "I should call the dentist tomorrow at 3pm")
	fc := &fakeCompleter{replies: []string{
		`[{"type":"calendar","title":"Call the dentist","datetime":"2024-05-02T15:00:00"}]`,
	}}
	d := newTestDetector(s, fc)

	got := d.Detect(context.Background())
	if len(got) != 1 {
		t.Fatalf("Detect() returned %d actions, want 1", len(got))
	}
	a := got[0]
	if a.Type != TypeCalendar {
		t.Errorf("type = %q, want calendar", a.Type)
	}
	if a.Inner.Datetime != "2024-05-02T15:00:00Z" {
		t.Errorf("datetime = %q", a.Inner.Datetime)
	}
	if a.ID == "" {
		t.Error("action should have an id")
	}
	if a.Relate.Start != 0 || a.Relate.End != 1000 || a.Relate.Transcript != "I should call the dentist tomorrow at 3pm" {
		t.Errorf("relate = %+v", a.Relate)
	}
	if fc.requests[0].User != "I should call the dentist tomorrow at 3pm" {
		t.Errorf("detection input = %q", fc.requests[0].User)
	}
}

func TestDetect_ZonelessDatetimeUsesLocation(t *testing.T) {
	s := transcript.NewStore()
	beautified(s, "I should call the dentist tomorrow at 3pm")
	fc := &fakeCompleter{replies: []string{
		`[{"type":"calendar","title":"Call the dentist","datetime":"2024-05-02T15:00:00"}]`,
	}}
	berlin := time.FixedZone("CEST", 2*60*60)
	d := NewDetector(s, fc, Config{MinTextLength: 30, Location: berlin}, nil)
	d.now = func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }

	got := d.Detect(context.Background())
	if len(got) != 1 {
		t.Fatalf("Detect() returned %d actions, want 1", len(got))
	}
	if got[0].Inner.Datetime != "2024-05-02T13:00:00Z" {
		t.Errorf("datetime = %q, want 2024-05-02T13:00:00Z", got[0].Inner.Datetime)
	}
	if !strings.Contains(fc.requests[0].System, "2024-05-01T11:00:00+02:00") {
		t.Errorf("prompt should carry the local current time:\n%s", fc.requests[0].System)
	}
}

func TestDetect_SkipsWithoutNewSegments(t *testing.T) {
	s := transcript.NewStore()
	beautified(s, "We need to send the quarterly report to Anna")
	fc := &fakeCompleter{replies: []string{`[{"type":"todo","title":"Send quarterly report"}]`}}
	d := newTestDetector(s, fc)

	if got := d.Detect(context.Background()); len(got) != 1 {
		t.Fatalf("first Detect() = %d actions, want 1", len(got))
	}
	if got := d.Detect(context.Background()); got != nil {
		t.Errorf("second Detect() = %+v, want nil", got)
	}
	if fc.calls() != 1 {
		t.Errorf("completion calls = %d, want 1", fc.calls())
	}
}

func TestDetect_SkipsShortText(t *testing.T) {
	s := transcript.NewStore()
	beautified(s, "ok sure")
	fc := &fakeCompleter{}
	d := newTestDetector(s, fc)

	if got := d.Detect(context.Background()); got != nil {
		t.Errorf("Detect() = %+v, want nil", got)
	}
	if fc.calls() != 0 {
		t.Errorf("completion calls = %d, want 0", fc.calls())
	}
}

func TestDetect_IgnoresRawText(t *testing.T) {
	s := transcript.NewStore()
	s.AppendRaw("I need to remember to buy groceries on the way home", 0, 3000, true)
	fc := &fakeCompleter{}
	d := newTestDetector(s, fc)

	if got := d.Detect(context.Background()); got != nil {
		t.Errorf("Detect() = %+v, want nil", got)
	}
	if fc.calls() != 0 {
		t.Errorf("completion calls = %d, want 0", fc.calls())
	}
}

func TestDetect_DedupAcrossPasses(t *testing.T) {
	s := transcript.NewStore()
	beautified(s, "Remind me to renew the car insurance this week")
	fc := &fakeCompleter{replies: []string{
		`[{"type":"todo","title":"Renew car insurance"}]`,
		`[{"type":"todo","title":"renew car insurance."},{"type":"research","title":"Best insurance rates"}]`,
	}}
	d := newTestDetector(s, fc)

	first := d.Detect(context.Background())
	if len(first) != 1 {
		t.Fatalf("first Detect() = %d actions, want 1", len(first))
	}

	beautified(s, "and also look up which company has the best rates")
	second := d.Detect(context.Background())
	if len(second) != 1 || second[0].Type != TypeResearch {
		t.Fatalf("second Detect() = %+v, want only the research item", second)
	}
	if second[0].Inner.Query != "Best insurance rates" {
		t.Errorf("research query = %q, want title", second[0].Inner.Query)
	}

	// The known list is passed to the model.
	if !strings.Contains(fc.requests[1].System, "- [todo] Renew car insurance") {
		t.Error("second request should list the known action")
	}
	if n := len(d.Detected()); n != 2 {
		t.Errorf("Detected() = %d, want 2", n)
	}
}

func TestDetect_RetriesAfterTransportError(t *testing.T) {
	s := transcript.NewStore()
	beautified(s, "Schedule the design review with the team on Friday")
	fc := &fakeCompleter{err: errors.New("timeout")}
	d := newTestDetector(s, fc)

	if got := d.Detect(context.Background()); got != nil {
		t.Errorf("Detect() = %+v, want nil", got)
	}

	fc.mu.Lock()
	fc.err = nil
	fc.replies = []string{`[{"type":"todo","title":"Schedule design review"}]`}
	fc.mu.Unlock()

	if got := d.Detect(context.Background()); len(got) != 1 {
		t.Errorf("Detect() after recovery = %+v, want 1 action", got)
	}
}

func TestDetect_ParseFailureAdvancesWatermark(t *testing.T) {
	s := transcript.NewStore()
	beautified(s, "Schedule the design review with the team on Friday")
	fc := &fakeCompleter{replies: []string{"I could not find anything."}}
	d := newTestDetector(s, fc)

	if got := d.Detect(context.Background()); got != nil {
		t.Errorf("Detect() = %+v, want nil", got)
	}
	if got := d.Detect(context.Background()); got != nil {
		t.Errorf("Detect() = %+v, want nil", got)
	}
	if fc.calls() != 1 {
		t.Errorf("completion calls = %d, want 1", fc.calls())
	}
}

func TestDetectSegment_SharesDetectedList(t *testing.T) {
	s := transcript.NewStore()
	fc := &fakeCompleter{replies: []string{
		`[{"type":"todo","title":"Call mom","body":"About the weekend"}]`,
		`[{"type":"todo","title":"Call Mom"}]`,
	}}
	d := newTestDetector(s, fc)

	seg := d.DetectSegment(context.Background(), "I have to call mom about the weekend", 0, 2500)
	if len(seg) != 1 {
		t.Fatalf("DetectSegment() = %d actions, want 1", len(seg))
	}
	if seg[0].Relate.Start != 0 || seg[0].Relate.End != 2500 || seg[0].Relate.Transcript != "I have to call mom about the weekend" {
		t.Errorf("relate = %+v", seg[0].Relate)
	}
	if seg[0].Inner.Body != "About the weekend" {
		t.Errorf("body = %q", seg[0].Inner.Body)
	}

	beautified(s, "I have to call mom about the weekend")
	if got := d.Detect(context.Background()); got != nil {
		t.Errorf("batch pass re-emitted %+v", got)
	}
}

func TestDetectSegment_SameExcerptNotReEmitted(t *testing.T) {
	s := transcript.NewStore()
	fc := &fakeCompleter{replies: []string{
		`[{"type":"todo","title":"Water the plants"}]`,
		`[{"type":"todo","title":"Plants need water"}]`,
	}}
	d := newTestDetector(s, fc)

	text := "don't forget to water the plants tonight"
	if got := d.DetectSegment(context.Background(), text, 0, 1000); len(got) != 1 {
		t.Fatalf("first DetectSegment() = %+v", got)
	}
	if got := d.DetectSegment(context.Background(), text, 0, 1000); got != nil {
		t.Errorf("second DetectSegment() = %+v, want nil", got)
	}
}

func TestDetectSegment_SkipsShortSegments(t *testing.T) {
	fc := &fakeCompleter{}
	d := newTestDetector(transcript.NewStore(), fc)
	if got := d.DetectSegment(context.Background(), "yes", 0, 100); got != nil {
		t.Errorf("DetectSegment() = %+v", got)
	}
	if fc.calls() != 0 {
		t.Errorf("completion calls = %d, want 0", fc.calls())
	}
}

func TestParseActions(t *testing.T) {
	relate := Relate{Start: 10, End: 20, Transcript: "t"}
	id := func() string { return "x" }

	tests := []struct {
		name  string
		reply string
		want  []Action
	}{
		{
			name:  "empty array",
			reply: "[]",
		},
		{
			name:  "code fenced",
			reply: "```json\n[{\"type\":\"todo\",\"title\":\" Buy milk \"}]\n```",
			want:  []Action{{Type: TypeTodo, ID: "x", Inner: Inner{Title: "Buy milk"}, Relate: relate}},
		},
		{
			name:  "invalid type and missing title dropped",
			reply: `[{"type":"note","title":"x"},{"type":"todo","title":""},{"type":"todo"},42,{"type":"research","title":"Capital of France","query":"capital of france"}]`,
			want:  []Action{{Type: TypeResearch, ID: "x", Inner: Inner{Title: "Capital of France", Query: "capital of france"}, Relate: relate}},
		},
		{
			name:  "calendar without date rejected",
			reply: `[{"type":"calendar","title":"Team sync"},{"type":"calendar","title":"Lunch","datetime":"sometime"}]`,
		},
		{
			name:  "calendar with offset normalized to UTC",
			reply: `Sure: [{"type":"calendar","title":"Standup","datetime":"2024-05-02T09:30:00+02:00"}]`,
			want:  []Action{{Type: TypeCalendar, ID: "x", Inner: Inner{Title: "Standup", Datetime: "2024-05-02T07:30:00Z"}, Relate: relate}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseActions(tt.reply, relate, id)
			if err != nil {
				t.Fatalf("ParseActions() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("action[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}

	for _, bad := range []string{"", "no actions", "[not json]"} {
		if _, err := ParseActions(bad, relate, id); !errors.Is(err, ErrParse) {
			t.Errorf("ParseActions(%q) error = %v, want ErrParse", bad, err)
		}
	}
}
