package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var discard = log.New(io.Discard, "", 0)

// fakeUpstream runs handler for every upstream connection; n counts from 1.
func fakeUpstream(t *testing.T, handler func(n int, conn *websocket.Conn)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var count atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := http.Header{}
		header.Set("dg-request-id", "req-1")
		conn, err := upgrader.Upgrade(w, r, header)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(int(count.Add(1)), conn)
	}))
	t.Cleanup(srv.Close)
	return srv, &count
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("events channel was not closed")
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func TestAssemblyAI_BuffersUntilConnectedAndStops(t *testing.T) {
	received := make(chan string, 10)
	srv, _ := fakeUpstream(t, func(n int, conn *websocket.Conn) {
		writeJSON(conn, map[string]any{"message_type": "SessionBegins", "session_id": "sess-1"})
		chunks := 0
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var in struct {
				AudioData        string `json:"audio_data"`
				TerminateSession bool   `json:"terminate_session"`
			}
			if err := json.Unmarshal(msg, &in); err != nil {
				return
			}
			if in.TerminateSession {
				writeJSON(conn, map[string]any{"message_type": "FinalTranscript", "text": "world", "confidence": 0.8, "audio_start": 500, "audio_end": 1000})
				writeJSON(conn, map[string]any{"message_type": "SessionTerminated"})
				return
			}
			audio, _ := base64.StdEncoding.DecodeString(in.AudioData)
			received <- string(audio)
			chunks++
			if chunks == 3 {
				writeJSON(conn, map[string]any{"message_type": "PartialTranscript", "text": "hel", "confidence": 0.5})
				writeJSON(conn, map[string]any{"message_type": "FinalTranscript", "text": "hello", "confidence": 0.9, "audio_start": 0, "audio_end": 500})
			}
		}
	})

	c := NewAssemblyAIClient(AssemblyAIConfig{APIKey: "k", URL: wsURL(srv)}, discard)
	ctx := context.Background()

	// Queued before the connection exists.
	if err := c.SendAudio(ctx, []byte("a")); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	if err := c.SendAudio(ctx, []byte("b")); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ev := nextEvent(t, c.Events())
	if ev.Type != EventConnected || ev.SessionID != "sess-1" {
		t.Fatalf("first event = %+v, want connected sess-1", ev)
	}
	if err := c.SendAudio(ctx, []byte("c")); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}

	for _, want := range []string{"a", "b", "c"} {
		select {
		case got := <-received:
			if got != want {
				t.Fatalf("upstream received %q, want %q", got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for audio upstream")
		}
	}

	// Wait for the first final so Stop does not race it.
	for {
		ev = nextEvent(t, c.Events())
		if ev.Type == EventFinal {
			break
		}
		if ev.Type != EventPartial || ev.Text != "hel" {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
	if ev.Text != "hello" || ev.AudioStart != 0 || ev.AudioEnd != 500 {
		t.Errorf("final = %+v", ev)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	text, err := c.Stop(stopCtx)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if text != "hello world" {
		t.Errorf("Stop() = %q, want %q", text, "hello world")
	}

	rest := collect(t, c.Events())
	if len(rest) != 2 || rest[0].Type != EventFinal || rest[0].Text != "world" || rest[1].Type != EventDisconnected {
		t.Errorf("remaining events = %+v", rest)
	}

	if err := c.SendAudio(ctx, []byte("d")); !errors.Is(err, ErrStopped) {
		t.Errorf("SendAudio after Stop error = %v, want ErrStopped", err)
	}
}

func TestAssemblyAI_StartIsIdempotent(t *testing.T) {
	srv, count := fakeUpstream(t, func(n int, conn *websocket.Conn) {
		writeJSON(conn, map[string]any{"message_type": "SessionBegins", "session_id": "s"})
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(msg), "terminate_session") {
				writeJSON(conn, map[string]any{"message_type": "SessionTerminated"})
				return
			}
		}
	})

	c := NewAssemblyAIClient(AssemblyAIConfig{APIKey: "k", URL: wsURL(srv)}, discard)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := c.Start(ctx); err != nil {
			t.Fatalf("Start() #%d error = %v", i, err)
		}
	}
	if ev := nextEvent(t, c.Events()); ev.Type != EventConnected {
		t.Fatalf("event = %+v, want connected", ev)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := c.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	collect(t, c.Events())

	if got := count.Load(); got != 1 {
		t.Errorf("upstream connections = %d, want 1", got)
	}
}

func TestAssemblyAI_UpstreamErrorIsFatal(t *testing.T) {
	srv, _ := fakeUpstream(t, func(n int, conn *websocket.Conn) {
		writeJSON(conn, map[string]any{"message_type": "SessionBegins", "session_id": "s"})
		writeJSON(conn, map[string]any{"error": "Insufficient account balance"})
		time.Sleep(100 * time.Millisecond)
	})

	c := NewAssemblyAIClient(AssemblyAIConfig{APIKey: "k", URL: wsURL(srv), MaxReconnects: 3}, discard)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	events := collect(t, c.Events())
	var gotErr error
	for _, ev := range events {
		if ev.Type == EventError {
			gotErr = ev.Err
		}
	}
	if !errors.Is(gotErr, ErrTransport) {
		t.Fatalf("error event = %v, want ErrTransport", gotErr)
	}
	if last := events[len(events)-1]; last.Type != EventDisconnected {
		t.Errorf("last event = %+v, want disconnected", last)
	}
}

func TestAssemblyAI_StopWhileWaitingForSessionBegins(t *testing.T) {
	srv, _ := fakeUpstream(t, func(n int, conn *websocket.Conn) {
		// Never send SessionBegins; hold the socket until the client leaves.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := NewAssemblyAIClient(AssemblyAIConfig{APIKey: "k", URL: wsURL(srv)}, discard)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err := c.Stop(stopCtx)
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("Stop() took %v, want it bounded by the stop context", elapsed)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() error = %v, want deadline exceeded", err)
	}
	collect(t, c.Events())
}

func TestStopBeforeStart(t *testing.T) {
	c := NewDeepgramClient(DeepgramConfig{APIKey: "k", URL: "ws://127.0.0.1:1"}, discard)
	text, err := c.Stop(context.Background())
	if err != nil || text != "" {
		t.Fatalf("Stop() = %q, %v", text, err)
	}
	if _, ok := <-c.Events(); ok {
		t.Error("events channel should be closed")
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop error = %v, want ErrStopped", err)
	}
}

func deepgramResult(text string, start, duration float64, final bool) map[string]any {
	return map[string]any{
		"type":     "Results",
		"start":    start,
		"duration": duration,
		"is_final": final,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": text, "confidence": 0.9}},
		},
	}
}

func TestDeepgramParse(t *testing.T) {
	c := NewDeepgramClient(DeepgramConfig{APIKey: "k"}, discard)

	tests := []struct {
		name   string
		msg    any
		offset int64
		want   []Event
		done   bool
	}{
		{
			name: "interim",
			msg:  deepgramResult("hel", 0, 0.5, false),
			want: []Event{{Type: EventPartial, Text: "hel", Confidence: 0.9}},
		},
		{
			name:   "final with offset",
			msg:    deepgramResult("hello", 1.25, 0.5, true),
			offset: 10000,
			want:   []Event{{Type: EventFinal, Text: "hello", Confidence: 0.9, AudioStart: 11250, AudioEnd: 11750}},
		},
		{
			name: "empty final skipped",
			msg:  deepgramResult("", 0, 1, true),
		},
		{
			name: "metadata ends stream",
			msg:  map[string]any{"type": "Metadata"},
			done: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, _ := json.Marshal(tt.msg)
			got, done, err := c.parse(data, tt.offset)
			if err != nil {
				t.Fatalf("parse() error = %v", err)
			}
			if done != tt.done {
				t.Errorf("done = %v, want %v", done, tt.done)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("events = %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("event[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}

	var ue *upstreamError
	if _, _, err := c.parse([]byte(`{"type":"Error","description":"bad"}`), 0); !errors.As(err, &ue) {
		t.Errorf("Error message should yield upstreamError, got %v", err)
	}
}

// deepgramHandler answers CloseStream with Metadata and sends the given
// results right after the connection opens.
func deepgramHandler(results map[int][]map[string]any) func(int, *websocket.Conn) {
	return func(n int, conn *websocket.Conn) {
		for _, r := range results[n] {
			writeJSON(conn, r)
		}
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage && strings.Contains(string(msg), "CloseStream") {
				writeJSON(conn, map[string]any{"type": "Metadata"})
				return
			}
		}
	}
}

func TestDeepgram_RotationKeepsTimestampsContinuous(t *testing.T) {
	srv, count := fakeUpstream(t, deepgramHandler(map[int][]map[string]any{
		2: {deepgramResult("after restart", 0.5, 0.5, true)},
	}))

	c := NewDeepgramClient(DeepgramConfig{
		APIKey:            "k",
		URL:               wsURL(srv),
		SampleRate:        16000,
		MaxStreamDuration: 300 * time.Millisecond,
	}, discard)
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if ev := nextEvent(t, c.Events()); ev.Type != EventConnected || ev.SessionID != "req-1" {
		t.Fatalf("event = %+v, want connected req-1", ev)
	}

	// One second of 16kHz 16-bit audio on the first stream.
	if err := c.SendAudio(ctx, make([]byte, 32000)); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}

	ev := nextEvent(t, c.Events())
	if ev.Type != EventFinal {
		t.Fatalf("event = %+v, want final", ev)
	}
	if ev.AudioStart != 1500 || ev.AudioEnd != 2000 {
		t.Errorf("final range = [%d, %d], want [1500, 2000]", ev.AudioStart, ev.AudioEnd)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := c.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	for _, ev := range collect(t, c.Events()) {
		if ev.Type == EventError {
			t.Errorf("unexpected error event: %v", ev.Err)
		}
	}
	if got := count.Load(); got < 2 {
		t.Errorf("upstream connections = %d, want at least 2", got)
	}
}

func TestDeepgram_ReconnectsAfterAbnormalClose(t *testing.T) {
	srv, _ := fakeUpstream(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			// Drop the TCP connection without a close frame.
			conn.UnderlyingConn().Close()
			return
		}
		deepgramHandler(map[int][]map[string]any{
			n: {deepgramResult("recovered", 0, 1, true)},
		})(n, conn)
	})

	c := NewDeepgramClient(DeepgramConfig{APIKey: "k", URL: wsURL(srv), MaxReconnects: 2}, discard)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var final Event
	for final.Type != EventFinal {
		ev := nextEvent(t, c.Events())
		if ev.Type == EventError {
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
		if ev.Type == EventFinal {
			final = ev
		}
	}
	if final.Text != "recovered" {
		t.Errorf("final = %+v", final)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	text, err := c.Stop(stopCtx)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if text != "recovered" {
		t.Errorf("Stop() = %q, want %q", text, "recovered")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default assemblyai", Config{AssemblyAIKey: "k"}, false},
		{"deepgram", Config{Provider: "Deepgram", DeepgramKey: "k"}, false},
		{"missing key", Config{Provider: "deepgram"}, true},
		{"unknown", Config{Provider: "whisper"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg, discard)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p == nil {
				t.Error("New() returned nil provider")
			}
		})
	}
}
