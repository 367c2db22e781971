package llm

import (
	"context"
	"time"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk is one increment of a streaming chat response. The final chunk
// (Done=true) carries token counts and GPU durations used for metering.
type Chunk struct {
	Token          string
	Done           bool
	InputTokens    int
	OutputTokens   int
	PromptDuration time.Duration
	EvalDuration   time.Duration
}

// StreamFunc receives each chunk in arrival order. Returning an error
// aborts the stream.
type StreamFunc func(Chunk) error

// Client is the generation service boundary. Implementations never retry;
// a failed call surfaces as-is to the caller.
type Client interface {
	Chat(ctx context.Context, model string, messages []Message, fn StreamFunc) error
}
