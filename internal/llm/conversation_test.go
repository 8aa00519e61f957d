package llm

import (
	"context"
	"errors"
	"testing"
)

type stubCompleter struct {
	reply string
	err   error
	got   Request
}

func (s *stubCompleter) Complete(_ context.Context, r Request) (string, error) {
	s.got = r
	return s.reply, s.err
}

func TestGenerateTitle(t *testing.T) {
	tests := []struct {
		reply string
		want  string
	}{
		{"Dentist appointment", "Dentist appointment"},
		{`"Dentist appointment"`, "Dentist appointment"},
		{"Dentist appointment\nextra line", "Dentist appointment"},
	}
	for _, tt := range tests {
		c := &stubCompleter{reply: tt.reply}
		got, err := GenerateTitle(context.Background(), c, "transcript")
		if err != nil {
			t.Fatalf("GenerateTitle(%q) error = %v", tt.reply, err)
		}
		if got != tt.want {
			t.Errorf("GenerateTitle(%q) = %q, want %q", tt.reply, got, tt.want)
		}
		if c.got.System != TitlePrompt || c.got.User != "transcript" {
			t.Errorf("request = %+v", c.got)
		}
	}

	if _, err := GenerateTitle(context.Background(), &stubCompleter{reply: "  "}, "x"); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("empty reply error = %v, want ErrEmptyResponse", err)
	}
}

func TestGenerateSummary(t *testing.T) {
	c := &stubCompleter{reply: " Talked about the dentist. "}
	got, err := GenerateSummary(context.Background(), c, "t")
	if err != nil || got != "Talked about the dentist." {
		t.Errorf("GenerateSummary = %q, %v", got, err)
	}

	boom := errors.New("boom")
	if _, err := GenerateSummary(context.Background(), &stubCompleter{err: boom}, "t"); !errors.Is(err, boom) {
		t.Errorf("error = %v, want boom", err)
	}
}

func TestGenerateLogs(t *testing.T) {
	reply := "Here you go:\n```json\n[" +
		`{"speaker":"User","summary":"Greeting","transcript_excerpt":"hi","start_time":0,"end_time":4000},` +
		`{"speaker":"robot","summary":"Dentist","start_time":4000,"end_time":99999},` +
		`{"speaker":"assistant","summary":"  ","start_time":1,"end_time":2}` +
		"]\n```"
	logs, err := GenerateLogs(context.Background(), &stubCompleter{reply: reply}, "[00:00:00 - 00:00:04] hi", 10000)
	if err != nil {
		t.Fatalf("GenerateLogs error = %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("got %d logs, want 2: %+v", len(logs), logs)
	}
	if logs[0].Speaker != "user" || logs[0].TranscriptExcerpt != "hi" || logs[0].EndTime != 4000 {
		t.Errorf("logs[0] = %+v", logs[0])
	}
	if logs[1].Speaker != "user" || logs[1].EndTime != 10000 {
		t.Errorf("logs[1] = %+v", logs[1])
	}

	if _, err := GenerateLogs(context.Background(), &stubCompleter{reply: "no logs"}, "t", 0); err == nil {
		t.Error("expected error for reply without JSON array")
	}
}
