package event

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomaestro/maestro/pkg/protocol"
)

func TestNewSetsTimestamp(t *testing.T) {
	e := New("t1", KindTaskUpdate)
	assert.Equal(t, "t1", e.TaskID)
	assert.Equal(t, KindTaskUpdate, e.Kind)
	assert.WithinDuration(t, time.Now(), e.Timestamp, time.Second)
	assert.Zero(t, e.Seq)
}

func TestSSEFraming(t *testing.T) {
	e := New("t1", KindToolCallResult)
	e.Seq = 42
	e.ToolResult = &protocol.ToolResult{CallID: "c1", Name: "search", Content: "done"}

	raw, err := e.SSE()
	require.NoError(t, err)
	text := string(raw)

	lines := strings.SplitN(text, "\n", 4)
	assert.Equal(t, "id: 42", lines[0])
	assert.Equal(t, "event: tool_call_result", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "data: "))
	assert.True(t, strings.HasSuffix(text, "\n\n"))

	var got Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "data: ")), &got))
	assert.Equal(t, int64(42), got.Seq)
	assert.Equal(t, "c1", got.ToolResult.CallID)
}

func TestEventJSONCarriesRequiredFields(t *testing.T) {
	e := New("t9", KindStepStatusChanged)
	e.Seq = 7
	e.StepID = "s2"
	e.StepStatus = "completed"

	data, err := json.Marshal(&e)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "t9", m["task_id"])
	assert.Equal(t, float64(7), m["seq"])
	assert.Contains(t, m, "timestamp")
	assert.Equal(t, "step_status_changed", m["kind"])
	assert.Equal(t, "s2", m["step_id"])
}
