package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gomaestro/maestro/pkg/config"
	"github.com/gomaestro/maestro/pkg/httpclient"
	"github.com/gomaestro/maestro/pkg/protocol"
)

// OpenAIProvider talks to the OpenAI Chat Completions API over raw HTTP.
type OpenAIProvider struct {
	cfg    *config.LLMConfig
	client *httpclient.Client
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIRequest struct {
	Model          string               `json:"model"`
	Messages       []openAIMessage      `json:"messages"`
	MaxTokens      int                  `json:"max_tokens,omitempty"`
	Temperature    float64              `json:"temperature,omitempty"`
	Stream         bool                 `json:"stream"`
	StreamOptions  *openAIStreamOptions `json:"stream_options,omitempty"`
	Tools          []openAITool         `json:"tools,omitempty"`
	ResponseFormat *openAIRespFormat    `json:"response_format,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIRespFormat struct {
	Type string `json:"type"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	Index    int                `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIToolCallFunc `json:"function"`
}

type openAIToolCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewOpenAIProvider creates a provider from config.
func NewOpenAIProvider(cfg *config.LLMConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OpenAI")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	return &OpenAIProvider{
		cfg: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}, nil
}

func (p *OpenAIProvider) Name() string  { return "openai" }
func (p *OpenAIProvider) Model() string { return p.cfg.Model }
func (p *OpenAIProvider) Close() error  { return nil }

// GenerateStreaming starts one streaming generation.
func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	body := p.buildRequest(req)

	out := make(chan StreamChunk, 100)
	go func() {
		defer close(out)
		if err := p.stream(ctx, body, out); err != nil {
			out <- StreamChunk{Type: ChunkError, Err: protocol.AsError(err)}
		}
	}()
	return out, nil
}

func (p *OpenAIProvider) buildRequest(req Request) openAIRequest {
	msgs := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case protocol.RoleUser:
			msgs = append(msgs, openAIMessage{Role: "user", Content: m.Text()})
		case protocol.RoleAssistant:
			msg := openAIMessage{Role: "assistant", Content: m.Text()}
			for _, tc := range m.ToolCalls() {
				args, _ := json.Marshal(tc.Args)
				msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openAIToolCallFunc{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			msgs = append(msgs, msg)
		case protocol.RoleTool:
			for _, part := range m.Parts {
				if part.ToolResult == nil {
					continue
				}
				msgs = append(msgs, openAIMessage{
					Role:       "tool",
					Content:    part.ToolResult.Content,
					ToolCallID: part.ToolResult.CallID,
				})
			}
		}
	}

	out := openAIRequest{
		Model:         p.cfg.Model,
		Messages:      msgs,
		MaxTokens:     p.cfg.MaxTokens,
		Stream:        true,
		StreamOptions: &openAIStreamOptions{IncludeUsage: true},
	}
	if p.cfg.Temperature != nil {
		out.Temperature = *p.cfg.Temperature
	}
	if req.ForceJSON {
		out.ResponseFormat = &openAIRespFormat{Type: "json_object"}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func (p *OpenAIProvider) stream(ctx context.Context, body openAIRequest, out chan<- StreamChunk) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return protocol.NewError(protocol.KindUpstream, "openai request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return protocol.NewError(protocol.KindUpstream,
			"openai returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	// Tool call fragments arrive keyed by index; the id and name come in
	// the first fragment, argument JSON accumulates across the rest.
	pending := make(map[int]*protocol.ToolCall)
	argJSON := make(map[int]*strings.Builder)
	var totalTokens int
	done := false

	flushToolCalls := func() {
		for i := 0; i < len(pending); i++ {
			tc, ok := pending[i]
			if !ok {
				continue
			}
			if b := argJSON[i]; b != nil && b.Len() > 0 {
				var args map[string]any
				if err := json.Unmarshal([]byte(b.String()), &args); err == nil {
					tc.Args = args
				}
			}
			out <- StreamChunk{Type: ChunkToolCall, ToolCall: tc}
		}
		pending = make(map[int]*protocol.ToolCall)
		argJSON = make(map[int]*strings.Builder)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			if !done {
				flushToolCalls()
			}
			out <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
			return nil
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return protocol.NewError(protocol.KindUpstream, "openai sent malformed chunk: %v", err)
		}
		if chunk.Error != nil {
			return protocol.NewError(protocol.KindUpstream, "openai error: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			totalTokens = chunk.Usage.CompletionTokens
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				out <- StreamChunk{Type: ChunkText, Text: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				if _, ok := pending[tc.Index]; !ok {
					pending[tc.Index] = &protocol.ToolCall{Args: map[string]any{}}
					argJSON[tc.Index] = &strings.Builder{}
				}
				if tc.ID != "" {
					pending[tc.Index].ID = tc.ID
				}
				if tc.Function.Name != "" {
					pending[tc.Index].Name = tc.Function.Name
				}
				argJSON[tc.Index].WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				flushToolCalls()
				done = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return protocol.NewError(protocol.KindUpstream, "openai stream read failed: %v", err)
	}
	return protocol.NewError(protocol.KindUpstream, "openai stream ended without [DONE]")
}
