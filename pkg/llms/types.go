// Package llms hosts the model provider abstraction and the OpenAI and
// Anthropic implementations. Providers stream typed chunks over a channel;
// transport failures surface as upstream errors the caller may retry.
package llms

import (
	"context"

	"github.com/gomaestro/maestro/pkg/protocol"
)

// ToolDefinition is the provider-neutral description of a callable tool.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one generation call: the conversation so far plus the tools
// the model may invoke.
type Request struct {
	// System is the system prompt, kept separate from the turn history.
	System string

	// Messages is the conversation in protocol form.
	Messages []protocol.Message

	// Tools the model may call this turn.
	Tools []ToolDefinition

	// ForceJSON asks the provider to steer output toward a JSON object.
	ForceJSON bool
}

// ChunkType discriminates StreamChunk.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkThinking ChunkType = "thinking"
	ChunkToolCall ChunkType = "tool_call"
	ChunkDone     ChunkType = "done"
	ChunkError    ChunkType = "error"
)

// StreamChunk is one increment of a streaming generation.
type StreamChunk struct {
	Type ChunkType

	// Text carries a content delta for text chunks and the reasoning
	// delta for thinking chunks.
	Text string

	// ToolCall is a completed tool invocation request.
	ToolCall *protocol.ToolCall

	// Tokens is the total output token count, set on the done chunk.
	Tokens int

	// Err terminates the stream on error chunks.
	Err error
}

// Provider is a streaming LLM backend. The returned channel is closed
// after a done or error chunk; cancelling ctx aborts the stream.
type Provider interface {
	Name() string
	Model() string
	GenerateStreaming(ctx context.Context, req Request) (<-chan StreamChunk, error)
	Close() error
}
