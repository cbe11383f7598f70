package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartRoundTrip(t *testing.T) {
	msg := Message{
		Seq:  3,
		Role: RoleAssistant,
		Parts: []Part{
			TextPart("hello"),
			ToolCallPart(&ToolCall{ID: "c1", Name: "write_file", Args: map[string]any{"path": "a.md"}}),
			ToolResultPart(&ToolResult{CallID: "c1", Name: "write_file", Content: "ok"}),
			StepStartPart("s1"),
			ErrorPart(NewError(KindValidation, "bad args")),
		},
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var got Message
	require.NoError(t, json.Unmarshal(data, &got))

	require.Len(t, got.Parts, 5)
	assert.Equal(t, PartText, got.Parts[0].Type)
	assert.Equal(t, "write_file", got.Parts[1].ToolCall.Name)
	assert.Equal(t, "c1", got.Parts[2].ToolResult.CallID)
	assert.Equal(t, "s1", got.Parts[3].StepID)
	assert.Equal(t, KindValidation, got.Parts[4].Error.Kind)
}

func TestMessageText(t *testing.T) {
	msg := Message{Parts: []Part{TextPart("a"), ReasoningPart("x"), TextPart("b")}}
	assert.Equal(t, "ab", msg.Text())
}

func TestMessageToolCalls(t *testing.T) {
	msg := Message{Parts: []Part{
		TextPart("thinking"),
		ToolCallPart(&ToolCall{ID: "c1", Name: "search"}),
		ToolCallPart(&ToolCall{ID: "c2", Name: "write_file"}),
	}}
	calls := msg.ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Equal(t, "c2", calls[1].ID)
}

func TestErrorKindRecoverable(t *testing.T) {
	tests := []struct {
		kind        ErrorKind
		recoverable bool
	}{
		{KindValidation, true},
		{KindPolicy, true},
		{KindRuntime, true},
		{KindUpstream, true},
		{KindLimitExceeded, false},
		{KindInvariantViolated, false},
		{KindStorage, false},
		{KindCancelled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.recoverable, tt.kind.Recoverable(), string(tt.kind))
	}
}

func TestErrorIs(t *testing.T) {
	err := NewError(KindPolicy, "path escapes workspace")
	assert.True(t, errors.Is(err, &Error{Kind: KindPolicy}))
	assert.False(t, errors.Is(err, &Error{Kind: KindRuntime}))
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))

	typed := NewError(KindStorage, "disk gone")
	assert.Same(t, typed, AsError(typed))

	plain := AsError(errors.New("boom"))
	assert.Equal(t, KindRuntime, plain.Kind)
	assert.Equal(t, "boom", plain.Detail)
}

func TestToolResultErr(t *testing.T) {
	ok := &ToolResult{CallID: "c1", Content: "fine"}
	assert.Nil(t, ok.Err())

	bad := &ToolResult{CallID: "c2", IsError: true, Kind: KindValidation, Detail: "path: required"}
	err := bad.Err()
	require.NotNil(t, err)
	assert.Equal(t, KindValidation, err.Kind)
	assert.Equal(t, "path: required", err.Detail)
}
