package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const deepgramWSURL = "wss://api.deepgram.com/v1/listen"

// DeepgramClient implements Provider using Deepgram's streaming API.
type DeepgramClient struct {
	*stream
	cfg DeepgramConfig
}

// DeepgramConfig holds configuration for the Deepgram client.
type DeepgramConfig struct {
	APIKey      string
	URL         string // defaults to the public listen endpoint
	Language    string // e.g., "en"
	Model       string // e.g., "nova-3"
	SampleRate  int    // e.g., 16000
	Encoding    string // e.g., "linear16"
	Channels    int    // e.g., 1 for mono
	Punctuate   bool
	Endpointing int // milliseconds of silence for endpointing, 0 for default

	// MaxStreamDuration forces a fresh upstream stream after this long.
	// Timestamps stay continuous across restarts.
	MaxStreamDuration time.Duration
	MaxReconnects     int
}

// deepgramResponse represents a Deepgram WebSocket response.
type deepgramResponse struct {
	Type     string  `json:"type"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Description string `json:"description"`
}

// NewDeepgramClient creates a new Deepgram streaming STT client. Nothing is
// dialed until Start.
func NewDeepgramClient(cfg DeepgramConfig, logger *log.Logger) *DeepgramClient {
	if cfg.URL == "" {
		cfg.URL = deepgramWSURL
	}
	if cfg.Model == "" {
		cfg.Model = "nova-3"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	c := &DeepgramClient{cfg: cfg}
	c.stream = newStream(c, streamOptions{
		bytesPerMs:        int64(cfg.SampleRate) * 2 * int64(cfg.Channels) / 1000,
		maxStreamDuration: cfg.MaxStreamDuration,
		maxReconnects:     cfg.MaxReconnects,
		logger:            logger,
	})
	return c
}

func (c *DeepgramClient) name() string { return "deepgram" }

func (c *DeepgramClient) dial(ctx context.Context) (*websocket.Conn, string, error) {
	q := url.Values{}
	q.Set("model", c.cfg.Model)
	if c.cfg.Language != "" {
		q.Set("language", c.cfg.Language)
	}
	q.Set("encoding", c.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(c.cfg.SampleRate))
	q.Set("channels", strconv.Itoa(c.cfg.Channels))
	q.Set("punctuate", strconv.FormatBool(c.cfg.Punctuate))
	q.Set("interim_results", "true")
	if c.cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(c.cfg.Endpointing))
	}

	// Set up headers with API key
	headers := http.Header{}
	headers.Set("Authorization", "Token "+c.cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL+"?"+q.Encode(), headers)
	if err != nil {
		return nil, "", fmt.Errorf("failed to connect to Deepgram: %w", err)
	}
	return conn, resp.Header.Get("dg-request-id"), nil
}

func (c *DeepgramClient) frame(audio []byte) (int, []byte) {
	return websocket.BinaryMessage, audio
}

func (c *DeepgramClient) terminateMessage() []byte {
	return []byte(`{"type": "CloseStream"}`)
}

func (c *DeepgramClient) parse(msg []byte, offsetMs int64) ([]Event, bool, error) {
	var resp deepgramResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil, false, err
	}

	switch resp.Type {
	case "Results":
	case "Error":
		return nil, false, &upstreamError{msg: resp.Description}
	case "Metadata":
		// Sent once the stream is closed and all results were flushed.
		return nil, true, nil
	default:
		return nil, false, nil
	}

	// Extract transcript from first alternative (can be empty).
	var transcript string
	var confidence float64
	if len(resp.Channel.Alternatives) > 0 {
		alt := resp.Channel.Alternatives[0]
		transcript = alt.Transcript
		confidence = alt.Confidence
	}
	if transcript == "" {
		return nil, false, nil
	}

	if !resp.IsFinal {
		return []Event{{Type: EventPartial, Text: transcript, Confidence: confidence}}, false, nil
	}

	start := int64(resp.Start*1000) + offsetMs
	end := int64((resp.Start+resp.Duration)*1000) + offsetMs
	return []Event{{
		Type:       EventFinal,
		Text:       transcript,
		Confidence: confidence,
		AudioStart: start,
		AudioEnd:   end,
	}}, false, nil
}
