package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Discord is a simple Discord webhook notifier.
type Discord struct {
	webhookURL string
	logger     *log.Logger
	client     *http.Client
}

// NewDiscord creates a new Discord notifier. If webhookURL is empty,
// notifications are silently skipped.
func NewDiscord(webhookURL string, logger *log.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d != nil && d.webhookURL != ""
}

// discordMessage is the payload for Discord webhook.
type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// send posts a message to Discord webhook asynchronously.
// Errors are logged but don't affect caller.
func (d *Discord) send(ctx context.Context, msg discordMessage) {
	if !d.Enabled() {
		return
	}

	// The session that triggered the alert is usually gone by the time the
	// webhook fires, so the request must not inherit its cancellation.
	ctx = context.WithoutCancel(ctx)

	go func() {
		body, err := json.Marshal(msg)
		if err != nil {
			d.logger.Printf("discord: failed to marshal message: %v", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", d.webhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Printf("discord: failed to create request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Printf("discord: failed to send webhook: %v", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			d.logger.Printf("discord: webhook returned status %d", resp.StatusCode)
		}
	}()
}

// NotifySessionError reports a live session that ended in the errored state.
func (d *Discord) NotifySessionError(ctx context.Context, conversationID, userID string, cause error) {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	if len(reason) > 1000 {
		reason = reason[:1000]
	}
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Session errored",
			Description: fmt.Sprintf("```%s```", reason),
			Color:       0xFF0000, // Red
			Fields: []embedField{
				{Name: "Conversation", Value: fmt.Sprintf("`%s`", conversationID), Inline: true},
				{Name: "User", Value: fmt.Sprintf("`%s`", userID), Inline: true},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}

// NotifyDraining announces that the server stopped accepting sessions.
func (d *Discord) NotifyDraining(ctx context.Context, active int) {
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Server draining",
			Description: fmt.Sprintf("Waiting for %d active session(s) to finish.", active),
			Color:       0xFFA500, // Orange
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}
