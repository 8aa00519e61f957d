package costs

import (
	"context"
	"sync/atomic"

	"github.com/otohq/voiceapi/internal/llm"
)

// Meter wraps a completer and counts estimated tokens in both directions.
type Meter struct {
	next   llm.Completer
	input  atomic.Int64
	output atomic.Int64
	calls  atomic.Int64
}

func NewMeter(next llm.Completer) *Meter {
	return &Meter{next: next}
}

// Complete forwards to the wrapped completer.
func (m *Meter) Complete(ctx context.Context, req llm.Request) (string, error) {
	m.calls.Add(1)
	m.input.Add(EstimateTokens(req.System) + EstimateTokens(req.User))
	reply, err := m.next.Complete(ctx, req)
	if err == nil {
		m.output.Add(EstimateTokens(reply))
	}
	return reply, err
}

// Usage returns the number of calls and the estimated input and output tokens.
func (m *Meter) Usage() (calls, input, output int64) {
	return m.calls.Load(), m.input.Load(), m.output.Load()
}
