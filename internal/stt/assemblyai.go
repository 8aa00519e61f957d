package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const assemblyAIWSURL = "wss://api.assemblyai.com/v2/realtime/ws"

// AssemblyAIConfig holds configuration for the AssemblyAI realtime client.
type AssemblyAIConfig struct {
	APIKey        string
	URL           string // defaults to the public realtime endpoint
	SampleRate    int    // e.g., 16000
	WordBoost     []string
	MaxReconnects int
}

// AssemblyAIClient implements Provider using AssemblyAI's realtime API.
type AssemblyAIClient struct {
	*stream
	cfg AssemblyAIConfig
}

type assemblyAIMessage struct {
	MessageType string  `json:"message_type"`
	SessionID   string  `json:"session_id"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	AudioStart  int64   `json:"audio_start"`
	AudioEnd    int64   `json:"audio_end"`
	Error       string  `json:"error"`
}

// NewAssemblyAIClient creates a new AssemblyAI streaming client. Nothing is
// dialed until Start.
func NewAssemblyAIClient(cfg AssemblyAIConfig, logger *log.Logger) *AssemblyAIClient {
	if cfg.URL == "" {
		cfg.URL = assemblyAIWSURL
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	c := &AssemblyAIClient{cfg: cfg}
	c.stream = newStream(c, streamOptions{
		bytesPerMs:    int64(cfg.SampleRate) * 2 / 1000,
		maxReconnects: cfg.MaxReconnects,
		logger:        logger,
	})
	return c
}

func (c *AssemblyAIClient) name() string { return "assemblyai" }

func (c *AssemblyAIClient) dial(ctx context.Context) (*websocket.Conn, string, error) {
	q := url.Values{}
	q.Set("sample_rate", strconv.Itoa(c.cfg.SampleRate))
	if len(c.cfg.WordBoost) > 0 {
		boost, _ := json.Marshal(c.cfg.WordBoost)
		q.Set("word_boost", string(boost))
	}

	headers := http.Header{}
	headers.Set("Authorization", c.cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL+"?"+q.Encode(), headers)
	if err != nil {
		return nil, "", fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}

	// The session id arrives in the first message. Cancelling ctx closes the
	// socket so the read returns before the deadline.
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	_, msg, err := conn.ReadMessage()
	if !stop() || err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("waiting for SessionBegins: %w", ctx.Err())
		}
		return nil, "", fmt.Errorf("waiting for SessionBegins: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var begin assemblyAIMessage
	if err := json.Unmarshal(msg, &begin); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("decode SessionBegins: %w", err)
	}
	if begin.Error != "" {
		conn.Close()
		return nil, "", &upstreamError{msg: begin.Error}
	}
	if begin.MessageType != "SessionBegins" {
		conn.Close()
		return nil, "", fmt.Errorf("unexpected first message %q", begin.MessageType)
	}
	return conn, begin.SessionID, nil
}

func (c *AssemblyAIClient) frame(audio []byte) (int, []byte) {
	data, _ := json.Marshal(struct {
		AudioData string `json:"audio_data"`
	}{base64.StdEncoding.EncodeToString(audio)})
	return websocket.TextMessage, data
}

func (c *AssemblyAIClient) terminateMessage() []byte {
	return []byte(`{"terminate_session": true}`)
}

func (c *AssemblyAIClient) parse(msg []byte, offsetMs int64) ([]Event, bool, error) {
	var m assemblyAIMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil, false, err
	}
	if m.Error != "" {
		return nil, false, &upstreamError{msg: m.Error}
	}

	switch m.MessageType {
	case "PartialTranscript":
		if m.Text == "" {
			return nil, false, nil
		}
		return []Event{{Type: EventPartial, Text: m.Text, Confidence: m.Confidence}}, false, nil
	case "FinalTranscript":
		if m.Text == "" {
			return nil, false, nil
		}
		return []Event{{
			Type:       EventFinal,
			Text:       m.Text,
			Confidence: m.Confidence,
			AudioStart: m.AudioStart + offsetMs,
			AudioEnd:   m.AudioEnd + offsetMs,
		}}, false, nil
	case "SessionTerminated":
		return nil, true, nil
	}
	return nil, false, nil
}
