// Package costs provides cost estimation for a streaming session.
package costs

import (
	"os"
	"strconv"
)

// Pricing constants (in cents per unit for precision).
// These are based on 2026 market rates and can be overridden via environment variables.
var (
	// AssemblyAICentsPerMinute is the cost per minute for AssemblyAI streaming STT.
	// Default: $0.15/hour = 0.25 cents/min
	AssemblyAICentsPerMinute = getEnvFloat("COST_ASSEMBLYAI_CENTS_PER_MIN", 0.25)

	// DeepgramCentsPerMinute is the cost per minute for Deepgram Nova-3 streaming STT.
	// Default: $0.0077/min = 0.77 cents/min
	DeepgramCentsPerMinute = getEnvFloat("COST_DEEPGRAM_CENTS_PER_MIN", 0.77)

	// OpenAICentsPerThousandInputTokens is the cost per 1K input tokens for GPT-4o-mini.
	// Default: $0.15/1M = $0.00015/1K = 0.015 cents/1K tokens
	OpenAICentsPerThousandInputTokens = getEnvFloat("COST_OPENAI_INPUT_CENTS_PER_1K", 0.015)

	// OpenAICentsPerThousandOutputTokens is the cost per 1K output tokens for GPT-4o-mini.
	// Default: $0.60/1M = $0.0006/1K = 0.06 cents/1K tokens
	OpenAICentsPerThousandOutputTokens = getEnvFloat("COST_OPENAI_OUTPUT_CENTS_PER_1K", 0.06)
)

// SessionMetrics contains the raw usage of one session.
type SessionMetrics struct {
	STTProvider     string // "assemblyai" or "deepgram"
	AudioSeconds    float64
	LLMInputTokens  int64
	LLMOutputTokens int64
}

// SessionCosts contains the estimated costs of a session in hundredths of a
// cent, since a single session is usually well below one cent.
type SessionCosts struct {
	STTCostMilli   int
	LLMCostMilli   int
	TotalCostMilli int
}

// TotalCents returns the total as fractional cents.
func (c SessionCosts) TotalCents() float64 {
	return float64(c.TotalCostMilli) / 100
}

// CalculateSessionCosts computes the costs for a session based on usage metrics.
func CalculateSessionCosts(m SessionMetrics) SessionCosts {
	sttMinutes := m.AudioSeconds / 60.0

	rate := AssemblyAICentsPerMinute
	if m.STTProvider == "deepgram" {
		rate = DeepgramCentsPerMinute
	}
	sttCents := sttMinutes * rate

	// LLM costs: per 1K tokens
	llmInputCents := (float64(m.LLMInputTokens) / 1000.0) * OpenAICentsPerThousandInputTokens
	llmOutputCents := (float64(m.LLMOutputTokens) / 1000.0) * OpenAICentsPerThousandOutputTokens
	llmCents := llmInputCents + llmOutputCents

	costs := SessionCosts{
		STTCostMilli: roundToInt(sttCents * 100),
		LLMCostMilli: roundToInt(llmCents * 100),
	}
	costs.TotalCostMilli = costs.STTCostMilli + costs.LLMCostMilli
	return costs
}

// EstimateTokens approximates the token count of text (about four
// characters per token for English).
func EstimateTokens(text string) int64 {
	n := int64(len([]rune(text)))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// roundToInt rounds a float to the nearest integer.
func roundToInt(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
