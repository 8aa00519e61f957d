package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewOpenAIClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		client := NewOpenAIClient(OpenAIConfig{
			APIKey: "test-key",
		})

		if client.model != "gpt-4o-mini" {
			t.Errorf("model = %q, want %q", client.model, "gpt-4o-mini")
		}
		if client.url != openaiAPIURL {
			t.Errorf("url = %q, want %q", client.url, openaiAPIURL)
		}
		if client.apiKey != "test-key" {
			t.Errorf("apiKey = %q, want %q", client.apiKey, "test-key")
		}
	})

	t.Run("custom model", func(t *testing.T) {
		client := NewOpenAIClient(OpenAIConfig{
			APIKey: "test-key",
			Model:  "gpt-4o",
		})

		if client.model != "gpt-4o" {
			t.Errorf("model = %q, want %q", client.model, "gpt-4o")
		}
	})
}

func TestComplete(t *testing.T) {
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}]}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", URL: srv.URL})
	text, err := client.Complete(context.Background(), Request{
		System:      "sys",
		User:        "usr",
		Temperature: 0.3,
		MaxTokens:   100,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if text != "hello" {
		t.Errorf("Complete() = %q, want %q", text, "hello")
	}
	if auth != "Bearer test-key" {
		t.Errorf("Authorization = %q", auth)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "usr" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.Temperature != 0.3 || got.MaxTokens != 100 {
		t.Errorf("temperature/max_tokens = %v/%d", got.Temperature, got.MaxTokens)
	}
}

func TestComplete_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		empty  bool
	}{
		{"api error", http.StatusTooManyRequests, `{"error":"rate limited"}`, false},
		{"no choices", http.StatusOK, `{"choices":[]}`, true},
		{"empty content", http.StatusOK, `{"choices":[{"message":{"content":""}}]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewOpenAIClient(OpenAIConfig{APIKey: "k", URL: srv.URL})
			_, err := client.Complete(context.Background(), Request{User: "x"})
			if err == nil {
				t.Fatal("Complete() should fail")
			}
			if errors.Is(err, ErrEmptyResponse) != tt.empty {
				t.Errorf("errors.Is(ErrEmptyResponse) = %v, want %v (err: %v)", !tt.empty, tt.empty, err)
			}
		})
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"[1,2]", "[1,2]"},
		{"```json\n[1,2]\n```", "[1,2]"},
		{"```\n[1,2]\n```", "[1,2]"},
		{"  plain text  ", "plain text"},
	}
	for _, tt := range tests {
		if got := StripCodeFence(tt.in); got != tt.want {
			t.Errorf("StripCodeFence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestActionDetectionPrompt(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	empty := ActionDetectionPrompt(now, nil)
	if !strings.Contains(empty, "2024-05-01T09:00:00Z") {
		t.Error("prompt should contain the current time")
	}
	if !strings.Contains(empty, "(none)") {
		t.Error("prompt should mark an empty known list")
	}

	withKnown := ActionDetectionPrompt(now, []KnownAction{{Type: "todo", Title: "Buy milk"}})
	if !strings.Contains(withKnown, "- [todo] Buy milk") {
		t.Errorf("prompt should list known actions:\n%s", withKnown)
	}
}
