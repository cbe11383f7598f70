package llms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomaestro/maestro/pkg/config"
	"github.com/gomaestro/maestro/pkg/protocol"
)

func testLLMConfig(provider config.LLMProvider, baseURL string) *config.LLMConfig {
	cfg := &config.LLMConfig{
		Provider: provider,
		Model:    "test-model",
		APIKey:   "sk-test",
		BaseURL:  baseURL,
	}
	cfg.SetDefaults()
	cfg.BaseURL = baseURL
	return cfg
}

func drain(t *testing.T, ch <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var out []StreamChunk
	for chunk := range ch {
		out = append(out, chunk)
	}
	return out
}

func sseLines(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}
}

func TestAnthropicStreamingTextAndToolCall(t *testing.T) {
	srv := httptest.NewServer(sseLines(
		`{"type":"message_start"}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me check."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"call_1","name":"read_file"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"a.md\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","usage":{"output_tokens":42}}`,
		`{"type":"message_stop"}`,
	))
	defer srv.Close()

	p, err := NewAnthropicProvider(testLLMConfig(config.LLMProviderAnthropic, srv.URL))
	require.NoError(t, err)

	ch, err := p.GenerateStreaming(context.Background(), Request{
		System:   "be brief",
		Messages: []protocol.Message{{Role: protocol.RoleUser, Parts: []protocol.Part{protocol.TextPart("hi")}}},
	})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, ChunkText, chunks[0].Type)
	assert.Equal(t, "Let me check.", chunks[0].Text)
	require.Equal(t, ChunkToolCall, chunks[1].Type)
	assert.Equal(t, "call_1", chunks[1].ToolCall.ID)
	assert.Equal(t, "read_file", chunks[1].ToolCall.Name)
	assert.Equal(t, map[string]any{"path": "a.md"}, chunks[1].ToolCall.Args)
	assert.Equal(t, ChunkDone, chunks[2].Type)
	assert.Equal(t, 42, chunks[2].Tokens)
}

func TestAnthropicTruncatedStreamIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(sseLines(
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`,
	))
	defer srv.Close()

	p, err := NewAnthropicProvider(testLLMConfig(config.LLMProviderAnthropic, srv.URL))
	require.NoError(t, err)

	ch, err := p.GenerateStreaming(context.Background(), Request{})
	require.NoError(t, err)

	chunks := drain(t, ch)
	last := chunks[len(chunks)-1]
	require.Equal(t, ChunkError, last.Type)
	var perr *protocol.Error
	require.True(t, errors.As(last.Err, &perr))
	assert.Equal(t, protocol.KindUpstream, perr.Kind)
}

func TestAnthropicServerErrorRetriedThenUpstream(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testLLMConfig(config.LLMProviderAnthropic, srv.URL)
	cfg.MaxRetries = 2
	p, err := NewAnthropicProvider(cfg)
	require.NoError(t, err)

	ch, err := p.GenerateStreaming(context.Background(), Request{})
	require.NoError(t, err)

	chunks := drain(t, ch)
	last := chunks[len(chunks)-1]
	require.Equal(t, ChunkError, last.Type)
	var perr *protocol.Error
	require.True(t, errors.As(last.Err, &perr))
	assert.Equal(t, protocol.KindUpstream, perr.Kind)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAIStreamingTextAndToolCall(t *testing.T) {
	var gotReq openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`{"choices":[{"delta":{"content":"Working"}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","type":"function","function":{"name":"write_file","arguments":"{\"path\""}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":":\"b.md\",\"content\":\"x\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"choices":[],"usage":{"completion_tokens":17}}`,
			`[DONE]`,
		}
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(testLLMConfig(config.LLMProviderOpenAI, srv.URL))
	require.NoError(t, err)

	ch, err := p.GenerateStreaming(context.Background(), Request{
		System: "be brief",
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Parts: []protocol.Part{protocol.TextPart("go")}},
		},
		Tools: []ToolDefinition{{Name: "write_file", Description: "writes", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, ChunkText, chunks[0].Type)
	require.Equal(t, ChunkToolCall, chunks[1].Type)
	assert.Equal(t, "call_9", chunks[1].ToolCall.ID)
	assert.Equal(t, "write_file", chunks[1].ToolCall.Name)
	assert.Equal(t, map[string]any{"path": "b.md", "content": "x"}, chunks[1].ToolCall.Args)
	assert.Equal(t, ChunkDone, chunks[2].Type)
	assert.Equal(t, 17, chunks[2].Tokens)

	// The system prompt rides as the first message; tools are declared.
	require.NotEmpty(t, gotReq.Messages)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	require.Len(t, gotReq.Tools, 1)
	assert.Equal(t, "write_file", gotReq.Tools[0].Function.Name)
}

func TestOpenAIForceJSONSetsResponseFormat(t *testing.T) {
	var gotReq openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"{}\"},\"finish_reason\":\"stop\"}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(testLLMConfig(config.LLMProviderOpenAI, srv.URL))
	require.NoError(t, err)

	ch, err := p.GenerateStreaming(context.Background(), Request{ForceJSON: true})
	require.NoError(t, err)
	drain(t, ch)

	require.NotNil(t, gotReq.ResponseFormat)
	assert.Equal(t, "json_object", gotReq.ResponseFormat.Type)
}

func TestRegistryFromConfig(t *testing.T) {
	llms := map[string]*config.LLMConfig{
		"fast": {Provider: config.LLMProviderOpenAI, Model: "gpt-4o-mini", APIKey: "sk-a"},
		"deep": {Provider: config.LLMProviderAnthropic, Model: "claude-sonnet-4-20250514", APIKey: "sk-b"},
	}
	for _, cfg := range llms {
		cfg.SetDefaults()
	}

	r, err := NewFromConfig(llms)
	require.NoError(t, err)
	defer r.Close()

	fast, err := r.Get("fast")
	require.NoError(t, err)
	assert.Equal(t, "openai", fast.Name())

	_, err = r.Get("missing")
	assert.Error(t, err)

	_, err = NewFromConfig(map[string]*config.LLMConfig{
		"bad": {Provider: "nope", Model: "x", APIKey: "k"},
	})
	assert.Error(t, err)
}
