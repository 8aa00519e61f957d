package httpapi

import (
	"encoding/json"
	"strings"

	"github.com/otohq/voiceapi/internal/actions"
	"github.com/otohq/voiceapi/internal/transcript"
)

// Stream message types.
const (
	msgAuth               = "auth"
	msgAudio              = "audio"
	msgComplete           = "complete"
	msgTranscribe         = "transcribe"
	msgTranscriptBeautify = "transcript-beautify"
	msgDetectAction       = "detect-action"
	msgError              = "error"
)

// inboundMessage is the envelope of every client frame.
type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type authRequest struct {
	UserID string `json:"userId"`
	APIKey string `json:"apiKey"`
}

// outboundMessage is the envelope of every server frame. Error frames carry
// Message instead of Data.
type outboundMessage struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type authAck struct {
	UserID string `json:"userId"`
}

type transcribeData struct {
	Finalized  bool   `json:"finalized"`
	Transcript string `json:"transcript"`
	AudioStart int64  `json:"audioStart"`
	AudioEnd   int64  `json:"audioEnd"`
}

type beautifyData struct {
	Transcript string                         `json:"transcript"`
	AudioStart int64                          `json:"audioStart"`
	AudioEnd   int64                          `json:"audioEnd"`
	Segments   []transcript.BeautifiedSegment `json:"segments"`
}

func newBeautifyData(res transcript.BeautifyResult) beautifyData {
	texts := make([]string, 0, len(res.Segments))
	for _, seg := range res.Segments {
		texts = append(texts, seg.Text)
	}
	return beautifyData{
		Transcript: strings.Join(texts, "\n"),
		AudioStart: res.AudioStart,
		AudioEnd:   res.AudioEnd,
		Segments:   res.Segments,
	}
}

func newDetectAction(a actions.Action) outboundMessage {
	return outboundMessage{Type: msgDetectAction, Data: a}
}
