// Package protocol defines the wire-level types shared by every component
// of the engine: conversation messages and their tagged parts, tool calls
// and results, and the structured error taxonomy.
//
// Everything here is a plain value with direct JSON serialization. Steps,
// events and messages reference each other by id, never by pointer, so the
// whole model is cycle-free and can be persisted line by line.
package protocol

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartType discriminates the variants of a message Part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartReasoning  PartType = "reasoning"
	PartStepStart  PartType = "step_start"
	PartError      PartType = "error"
)

// Part is one element of a message. It is a tagged union: Type selects the
// variant and exactly one of the optional fields is populated.
type Part struct {
	Type PartType `json:"type"`

	// Text carries the content for text and reasoning parts.
	Text string `json:"text,omitempty"`

	// ToolCall is set for tool_call parts.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// ToolResult is set for tool_result parts.
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	// StepID is set for step_start parts.
	StepID string `json:"step_id,omitempty"`

	// Error is set for error parts.
	Error *Error `json:"error,omitempty"`
}

// TextPart creates a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ReasoningPart creates a reasoning part.
func ReasoningPart(text string) Part {
	return Part{Type: PartReasoning, Text: text}
}

// ToolCallPart creates a tool_call part.
func ToolCallPart(call *ToolCall) Part {
	return Part{Type: PartToolCall, ToolCall: call}
}

// ToolResultPart creates a tool_result part.
func ToolResultPart(result *ToolResult) Part {
	return Part{Type: PartToolResult, ToolResult: result}
}

// StepStartPart creates a step_start marker part.
func StepStartPart(stepID string) Part {
	return Part{Type: PartStepStart, StepID: stepID}
}

// ErrorPart creates an error part.
func ErrorPart(err *Error) Part {
	return Part{Type: PartError, Error: err}
}

// Message is one element of a task's conversation log.
// Seq is assigned by the taskspace store and is gap-free per task.
type Message struct {
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
}

// Text concatenates the text parts of the message.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns the tool_call parts of the message.
func (m *Message) ToolCalls() []*ToolCall {
	var calls []*ToolCall
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			calls = append(calls, p.ToolCall)
		}
	}
	return calls
}

// ToolCall is a model-issued request to invoke a tool.
type ToolCall struct {
	// ID uniquely identifies this invocation within the task.
	ID string `json:"id"`

	// Name is the registered tool name.
	Name string `json:"name"`

	// Args are the raw arguments as emitted by the model.
	Args map[string]any `json:"args"`
}

// ToolResult is the outcome of a tool invocation. Validation, policy and
// runtime failures are carried here with IsError set rather than raised,
// so the model can observe them and self-correct.
type ToolResult struct {
	// CallID links this result to its ToolCall.
	CallID string `json:"call_id"`

	// Name is the tool that produced the result.
	Name string `json:"name"`

	// Content is the tool output, clipped to the configured size.
	Content string `json:"content"`

	// IsError indicates Content describes a failure.
	IsError bool `json:"is_error,omitempty"`

	// Kind classifies the failure when IsError is set.
	Kind ErrorKind `json:"kind,omitempty"`

	// Detail carries structured failure information (field, reason).
	Detail string `json:"detail,omitempty"`

	// Duration is the wall-clock execution time.
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// Err converts an error result to an *Error, or nil for success results.
func (r *ToolResult) Err() *Error {
	if !r.IsError {
		return nil
	}
	detail := r.Detail
	if detail == "" {
		detail = r.Content
	}
	return &Error{Kind: r.Kind, Detail: detail}
}
