// Package testutils provides fakes shared by package tests, most notably a
// scripted LLM provider that replays predetermined turns.
package testutils

import (
	"context"
	"strings"
	"sync"

	"github.com/gomaestro/maestro/pkg/llms"
	"github.com/gomaestro/maestro/pkg/protocol"
)

// ScriptedTurn is one canned generation. Text is streamed in two deltas so
// consumers exercise their accumulation path; tool calls follow the text.
type ScriptedTurn struct {
	Thinking  string
	Text      string
	ToolCalls []protocol.ToolCall
	Tokens    int

	// Err, when set, terminates the stream with an error chunk after any
	// text has been emitted.
	Err error

	// Hang blocks the stream until the context is cancelled, then emits
	// the context error.
	Hang bool
}

// ScriptedProvider replays turns in order and records every request it
// receives. Safe for concurrent use.
type ScriptedProvider struct {
	mu       sync.Mutex
	turns    []ScriptedTurn
	requests []llms.Request
}

// NewScriptedProvider creates a provider that will play the given turns.
func NewScriptedProvider(turns ...ScriptedTurn) *ScriptedProvider {
	return &ScriptedProvider{turns: turns}
}

// Requests returns a copy of the requests seen so far.
func (p *ScriptedProvider) Requests() []llms.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llms.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *ScriptedProvider) Name() string  { return "scripted" }
func (p *ScriptedProvider) Model() string { return "scripted-1" }
func (p *ScriptedProvider) Close() error  { return nil }

// GenerateStreaming pops the next scripted turn and streams it.
func (p *ScriptedProvider) GenerateStreaming(ctx context.Context, req llms.Request) (<-chan llms.StreamChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if len(p.turns) == 0 {
		p.mu.Unlock()
		return nil, protocol.NewError(protocol.KindUpstream, "scripted provider has no turns left")
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]
	p.mu.Unlock()

	ch := make(chan llms.StreamChunk, 16)
	go func() {
		defer close(ch)
		if turn.Hang {
			<-ctx.Done()
			ch <- llms.StreamChunk{Type: llms.ChunkError,
				Err: protocol.NewError(protocol.KindUpstream, "stream aborted: %v", ctx.Err())}
			return
		}
		if turn.Thinking != "" {
			ch <- llms.StreamChunk{Type: llms.ChunkThinking, Text: turn.Thinking}
		}
		for _, part := range splitDeltas(turn.Text) {
			ch <- llms.StreamChunk{Type: llms.ChunkText, Text: part}
		}
		if turn.Err != nil {
			ch <- llms.StreamChunk{Type: llms.ChunkError, Err: turn.Err}
			return
		}
		for i := range turn.ToolCalls {
			call := turn.ToolCalls[i]
			ch <- llms.StreamChunk{Type: llms.ChunkToolCall, ToolCall: &call}
		}
		ch <- llms.StreamChunk{Type: llms.ChunkDone, Tokens: turn.Tokens}
	}()
	return ch, nil
}

// splitDeltas breaks text roughly in half so streams carry more than one
// text chunk.
func splitDeltas(text string) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) < 2 {
		return []string{text}
	}
	mid := len(runes) / 2
	// Prefer splitting after a space so deltas look like real stream output.
	if i := strings.LastIndex(string(runes[:mid]), " "); i > 0 {
		mid = len([]rune(string(runes)[:i+1]))
	}
	return []string{string(runes[:mid]), string(runes[mid:])}
}
