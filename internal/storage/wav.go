package storage

import (
	"encoding/binary"
	"sync"
)

const wavHeaderSize = 44

// Recorder accumulates 16-bit little-endian mono PCM and renders it as WAV.
type Recorder struct {
	mu         sync.Mutex
	sampleRate int
	maxBytes   int
	pcm        []byte
	truncated  bool
}

// NewRecorder creates a recorder. maxBytes <= 0 means unbounded.
func NewRecorder(sampleRate, maxBytes int) *Recorder {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Recorder{sampleRate: sampleRate, maxBytes: maxBytes}
}

// Write appends a PCM chunk. Data beyond maxBytes is dropped.
func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chunk := p
	if r.maxBytes > 0 && len(r.pcm)+len(chunk) > r.maxBytes {
		chunk = chunk[:max(0, r.maxBytes-len(r.pcm))]
		r.truncated = true
	}
	r.pcm = append(r.pcm, chunk...)
	return len(p), nil
}

// Len returns the number of buffered PCM bytes.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pcm)
}

// Truncated reports whether audio was dropped for exceeding maxBytes.
func (r *Recorder) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.truncated
}

// WAV returns the buffered audio with a RIFF header.
func (r *Recorder) WAV() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return EncodeWAV(r.pcm, r.sampleRate)
}

// EncodeWAV wraps 16-bit mono PCM in a canonical 44-byte WAV header.
// An odd trailing byte is dropped.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	n := len(pcm) &^ 1
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	out := make([]byte, wavHeaderSize+n)
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+n))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:], 1)  // PCM
	binary.LittleEndian.PutUint16(out[22:], channels)
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], bitsPerSample)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(n))
	copy(out[wavHeaderSize:], pcm[:n])
	return out
}
