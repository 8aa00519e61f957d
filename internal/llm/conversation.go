package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// LogEntry is one topic segment of a finished conversation.
type LogEntry struct {
	Speaker           string `json:"speaker"`
	Summary           string `json:"summary"`
	TranscriptExcerpt string `json:"transcript_excerpt"`
	StartTime         int64  `json:"start_time"`
	EndTime           int64  `json:"end_time"`
}

var jsonArrayRe = regexp.MustCompile(`(?s)\[.*\]`)

// GenerateTitle returns a short title for a transcript.
func GenerateTitle(ctx context.Context, c Completer, transcript string) (string, error) {
	content, err := c.Complete(ctx, Request{
		System:      TitlePrompt,
		User:        transcript,
		Temperature: 0.3,
		MaxTokens:   50,
	})
	if err != nil {
		return "", err
	}
	title := strings.Trim(strings.TrimSpace(StripCodeFence(content)), `"'`)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if title == "" {
		return "", ErrEmptyResponse
	}
	return title, nil
}

// GenerateSummary returns a short prose summary of a transcript.
func GenerateSummary(ctx context.Context, c Completer, transcript string) (string, error) {
	content, err := c.Complete(ctx, Request{
		System:      SummaryPrompt,
		User:        "Please summarize this conversation transcript:\n\n" + transcript,
		Temperature: 0.3,
		MaxTokens:   300,
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(content)
	if summary == "" {
		return "", ErrEmptyResponse
	}
	return summary, nil
}

// GenerateLogs splits a timestamped transcript into topic segments.
// Entries with an invalid speaker or empty summary are dropped and time
// ranges are clamped to [0, durationMs].
func GenerateLogs(ctx context.Context, c Completer, timestamped string, durationMs int64) ([]LogEntry, error) {
	content, err := c.Complete(ctx, Request{
		System:      LogsPrompt,
		User:        timestamped,
		Temperature: 0.2,
		MaxTokens:   1500,
	})
	if err != nil {
		return nil, err
	}

	match := jsonArrayRe.FindString(content)
	if match == "" {
		return nil, fmt.Errorf("no JSON array in logs response")
	}
	var raw []LogEntry
	if err := json.Unmarshal([]byte(match), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse logs: %w", err)
	}

	logs := make([]LogEntry, 0, len(raw))
	for _, e := range raw {
		e.Speaker = strings.ToLower(strings.TrimSpace(e.Speaker))
		if e.Speaker != "user" && e.Speaker != "assistant" {
			e.Speaker = "user"
		}
		e.Summary = strings.TrimSpace(e.Summary)
		if e.Summary == "" {
			continue
		}
		e.StartTime = clamp(e.StartTime, 0, durationMs)
		e.EndTime = clamp(e.EndTime, e.StartTime, durationMs)
		logs = append(logs, e)
	}
	return logs, nil
}

func clamp(v, lo, hi int64) int64 {
	if hi < lo {
		hi = lo
	}
	return min(max(v, lo), hi)
}
