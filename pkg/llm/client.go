// Package llm abstracts chat-completion providers behind one channel-based
// streaming interface. Two adapters ship: the Anthropic SDK and a generic
// OpenAI-compatible HTTP client (covers vLLM, Ollama and friends).
package llm

import (
	"context"
	"fmt"

	"github.com/docket-ai/docket/pkg/models"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	// ParametersSchema is the JSON Schema of the tool arguments.
	ParametersSchema string
}

// Request is one completion call. Model must be a concrete model id; tier
// resolution happens upstream in the model-selection middleware.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Completion is a finished non-streaming response.
type Completion struct {
	Text  string
	Usage Usage
}

// Client is the provider interface. Stream returns a channel closed when
// the stream completes; provider failures arrive as ErrorChunk values.
// Cancelling ctx tears the stream down.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Completion, error)
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
	Close() error
}

// Chunk is the interface for streaming chunk variants.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText  ChunkType = "text"
	ChunkTypeUsage ChunkType = "usage"
	ChunkTypeError ChunkType = "error"
)

// TextChunk is an incremental piece of the model's text output.
type TextChunk struct{ Delta string }

// UsageChunk reports token consumption, typically once near the end.
type UsageChunk struct{ Usage Usage }

// ErrorChunk terminates a stream with a provider failure.
type ErrorChunk struct{ Err error }

func (c *TextChunk) chunkType() ChunkType  { return ChunkTypeText }
func (c *UsageChunk) chunkType() ChunkType { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType { return ChunkTypeError }

// ProviderError is a failure reported by an LLM backend. It carries enough
// structure for the error classifier to pick a strategy without string
// matching.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
}

// Error formats the provider failure.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrorKind classifies provider failures as llm errors.
func (e *ProviderError) ErrorKind() models.ErrorKind {
	return models.ErrKindLLM
}

// retryableStatus reports whether an HTTP status is worth retrying.
func retryableStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}
