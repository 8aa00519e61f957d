package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestEncodeWAVHeader(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3} // odd trailing byte dropped
	wav := EncodeWAV(pcm, 16000)

	if len(wav) != 44+4 {
		t.Fatalf("len = %d, want 48", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Errorf("bad chunk ids: %q", wav[:40])
	}
	if got := binary.LittleEndian.Uint32(wav[24:]); got != 16000 {
		t.Errorf("sample rate = %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:]); got != 32000 {
		t.Errorf("byte rate = %d", got)
	}
	if got := binary.LittleEndian.Uint16(wav[22:]); got != 1 {
		t.Errorf("channels = %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:]); got != 4 {
		t.Errorf("data size = %d", got)
	}
	if !bytes.Equal(wav[44:], pcm[:4]) {
		t.Errorf("payload = %v", wav[44:])
	}
}

func TestRecorderLimit(t *testing.T) {
	r := NewRecorder(16000, 6)
	n, err := r.Write([]byte{1, 2, 3, 4})
	if err != nil || n != 4 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if _, err := r.Write([]byte{5, 6, 7, 8}); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 6 {
		t.Errorf("Len = %d, want 6", r.Len())
	}
	if !r.Truncated() {
		t.Error("expected truncated")
	}
	if _, err := r.Write([]byte{9}); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 6 {
		t.Errorf("Len after full = %d, want 6", r.Len())
	}
	if wav := r.WAV(); len(wav) != 44+6 {
		t.Errorf("WAV len = %d", len(wav))
	}
}

func TestSupabaseConfigEnabled(t *testing.T) {
	if (SupabaseConfig{URL: "https://x", ServiceKey: "k"}).Enabled() {
		t.Error("missing bucket should be disabled")
	}
	if !(SupabaseConfig{URL: "https://x", ServiceKey: "k", Bucket: "b"}).Enabled() {
		t.Error("full config should be enabled")
	}
}

func TestSupabaseUpload(t *testing.T) {
	var gotPath, gotAuth, gotKey, gotType, gotUpsert string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("apikey")
		gotType = r.Header.Get("Content-Type")
		gotUpsert = r.Header.Get("x-upsert")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"Key":"audio/conversations/c1/audio-s1.wav"}`))
	}))
	defer srv.Close()

	c := NewSupabaseClient(SupabaseConfig{URL: srv.URL + "/", ServiceKey: "secret", Bucket: "audio"}, log.New(io.Discard, "", 0))
	u, err := c.Upload(context.Background(), AudioObjectPath("c1", "s1"), []byte("wavdata"), "audio/wav")
	if err != nil {
		t.Fatalf("Upload error = %v", err)
	}

	if gotPath != "/storage/v1/object/audio/conversations/c1/audio-s1.wav" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" || gotKey != "secret" {
		t.Errorf("auth headers = %q, %q", gotAuth, gotKey)
	}
	if gotType != "audio/wav" || gotUpsert != "true" {
		t.Errorf("content-type = %q, upsert = %q", gotType, gotUpsert)
	}
	if string(gotBody) != "wavdata" {
		t.Errorf("body = %q", gotBody)
	}
	want := srv.URL + "/storage/v1/object/public/audio/conversations/c1/audio-s1.wav"
	if u != want {
		t.Errorf("url = %q, want %q", u, want)
	}
}

func TestSupabaseUploadRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewSupabaseClient(SupabaseConfig{
		URL: srv.URL, ServiceKey: "k", Bucket: "b", MaxRetries: 3, RetryDelay: time.Millisecond,
	}, log.New(io.Discard, "", 0))
	if _, err := c.Upload(context.Background(), "x.wav", nil, "audio/wav"); err != nil {
		t.Fatalf("Upload error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestSupabaseUploadFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewSupabaseClient(SupabaseConfig{
		URL: srv.URL, ServiceKey: "k", Bucket: "b", MaxRetries: 1, RetryDelay: time.Millisecond,
	}, log.New(io.Discard, "", 0))
	_, err := c.Upload(context.Background(), "x.wav", nil, "audio/wav")
	if !errors.Is(err, ErrUpload) {
		t.Errorf("error = %v, want ErrUpload", err)
	}
}
