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

// AnthropicProvider talks to the Anthropic Messages API over raw HTTP.
type AnthropicProvider struct {
	cfg    *config.LLMConfig
	client *httpclient.Client
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     *map[string]any `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicStreamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index,omitempty"`
	Delta        *anthropicDelta   `json:"delta,omitempty"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Usage        *anthropicUsage   `json:"usage,omitempty"`
	Error        *anthropicError   `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewAnthropicProvider creates a provider from config.
func NewAnthropicProvider(cfg *config.LLMConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	return &AnthropicProvider{
		cfg: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}, nil
}

func (p *AnthropicProvider) Name() string  { return "anthropic" }
func (p *AnthropicProvider) Model() string { return p.cfg.Model }
func (p *AnthropicProvider) Close() error  { return nil }

// GenerateStreaming starts one streaming generation. Provider failures
// after the channel is returned arrive as an error chunk with upstream
// kind.
func (p *AnthropicProvider) GenerateStreaming(ctx context.Context, req Request) (<-chan StreamChunk, error) {
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

func (p *AnthropicProvider) buildRequest(req Request) anthropicRequest {
	msgs := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case protocol.RoleUser:
			msgs = append(msgs, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{{Type: "text", Text: m.Text()}},
			})
		case protocol.RoleAssistant:
			var contents []anthropicContent
			if text := m.Text(); text != "" {
				contents = append(contents, anthropicContent{Type: "text", Text: text})
			}
			for _, tc := range m.ToolCalls() {
				input := tc.Args
				if input == nil {
					input = map[string]any{}
				}
				contents = append(contents, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: &input,
				})
			}
			if len(contents) > 0 {
				msgs = append(msgs, anthropicMessage{Role: "assistant", Content: contents})
			}
		case protocol.RoleTool:
			for _, part := range m.Parts {
				if part.ToolResult == nil {
					continue
				}
				msgs = append(msgs, anthropicMessage{
					Role: "user",
					Content: []anthropicContent{{
						Type:      "tool_result",
						ToolUseID: part.ToolResult.CallID,
						Content:   part.ToolResult.Content,
						IsError:   part.ToolResult.IsError,
					}},
				})
			}
		}
	}

	system := req.System
	if req.ForceJSON {
		system = strings.TrimSpace(system + "\n\nRespond with a single valid JSON object and nothing else.")
	}

	out := anthropicRequest{
		Model:     p.cfg.Model,
		Messages:  msgs,
		MaxTokens: p.cfg.MaxTokens,
		Stream:    true,
		System:    system,
	}
	if p.cfg.Temperature != nil {
		out.Temperature = *p.cfg.Temperature
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return out
}

func (p *AnthropicProvider) stream(ctx context.Context, body anthropicRequest, out chan<- StreamChunk) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return protocol.NewError(protocol.KindUpstream, "anthropic request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return protocol.NewError(protocol.KindUpstream,
			"anthropic returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	toolCalls := make(map[int]*protocol.ToolCall)
	toolJSON := make(map[int]*strings.Builder)
	var totalTokens int

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return protocol.NewError(protocol.KindUpstream, "anthropic sent malformed event: %v", err)
		}

		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				toolCalls[ev.Index] = &protocol.ToolCall{
					ID:   ev.ContentBlock.ID,
					Name: ev.ContentBlock.Name,
					Args: map[string]any{},
				}
				toolJSON[ev.Index] = &strings.Builder{}
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			if ev.Delta.Text != "" {
				out <- StreamChunk{Type: ChunkText, Text: ev.Delta.Text}
			}
			if ev.Delta.Thinking != "" {
				out <- StreamChunk{Type: ChunkThinking, Text: ev.Delta.Thinking}
			}
			if ev.Delta.Type == "input_json_delta" && ev.Delta.PartialJSON != "" {
				if b, ok := toolJSON[ev.Index]; ok {
					b.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "content_block_stop":
			tc, ok := toolCalls[ev.Index]
			if !ok {
				continue
			}
			if b := toolJSON[ev.Index]; b != nil && b.Len() > 0 {
				var args map[string]any
				if err := json.Unmarshal([]byte(b.String()), &args); err == nil {
					tc.Args = args
				}
			}
			out <- StreamChunk{Type: ChunkToolCall, ToolCall: tc}
		case "message_delta":
			if ev.Usage != nil {
				totalTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			out <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
			return nil
		case "error":
			msg := "unknown error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			return protocol.NewError(protocol.KindUpstream, "anthropic error: %s", msg)
		}
	}
	if err := scanner.Err(); err != nil {
		return protocol.NewError(protocol.KindUpstream, "anthropic stream read failed: %v", err)
	}
	return protocol.NewError(protocol.KindUpstream, "anthropic stream ended without message_stop")
}
