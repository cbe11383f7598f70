// Package event defines the immutable, seq-stamped records broadcast on the
// event bus and appended to each taskspace's event log.
//
// Events carry identifiers, not entity data: consumers re-fetch the plan,
// messages or artifacts from the taskspace when they need the full state.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gomaestro/maestro/pkg/protocol"
)

// Kind discriminates event variants.
type Kind string

const (
	KindMessageStart      Kind = "message_start"
	KindPartDelta         Kind = "part_delta"
	KindPartComplete      Kind = "part_complete"
	KindMessageComplete   Kind = "message_complete"
	KindToolCallStart     Kind = "tool_call_start"
	KindToolCallResult    Kind = "tool_call_result"
	KindStepStatusChanged Kind = "step_status_changed"
	KindPlanUpdated       Kind = "plan_updated"
	KindTaskUpdate        Kind = "task_update"
	KindArtifactUpdate    Kind = "artifact_update"
	KindError             Kind = "error"
)

// Event is an immutable record of something that happened inside a task.
// Seq is assigned by the taskspace store when the event is durably appended
// and is strictly increasing, gap-free, per task.
type Event struct {
	TaskID    string    `json:"task_id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`

	// MessageSeq links message lifecycle events to the message log.
	MessageSeq int64 `json:"message_seq,omitempty"`

	// Role is set on message_start events.
	Role protocol.Role `json:"role,omitempty"`

	// Part carries the delta or completed part for part_* events.
	Part *protocol.Part `json:"part,omitempty"`

	// ToolCall is set on tool_call_start events.
	ToolCall *protocol.ToolCall `json:"tool_call,omitempty"`

	// ToolResult is set on tool_call_result events.
	ToolResult *protocol.ToolResult `json:"tool_result,omitempty"`

	// StepID and StepStatus are set on step_status_changed events.
	StepID     string `json:"step_id,omitempty"`
	StepStatus string `json:"step_status,omitempty"`

	// PlanVersion is set on plan_updated events.
	PlanVersion int `json:"plan_version,omitempty"`

	// TaskStatus and Reason are set on task_update events.
	TaskStatus string `json:"task_status,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// ArtifactPath, ArtifactSize and ArtifactVersion are set on
	// artifact_update events.
	ArtifactPath    string `json:"artifact_path,omitempty"`
	ArtifactSize    int64  `json:"artifact_size,omitempty"`
	ArtifactVersion int    `json:"artifact_version,omitempty"`

	// Error is set on error events.
	Error *protocol.Error `json:"error,omitempty"`
}

// New creates an event of the given kind with the timestamp set.
// Seq is zero until the store assigns it.
func New(taskID string, kind Kind) Event {
	return Event{TaskID: taskID, Kind: kind, Timestamp: time.Now().UTC()}
}

// SSE renders the event as a single server-sent-events record:
//
//	id: <seq>
//	event: <kind>
//	data: <json>
//
// The id line lets clients resume with Last-Event-ID.
func (e *Event) SSE() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %d\n", e.Seq)
	fmt.Fprintf(&buf, "event: %s\n", e.Kind)
	fmt.Fprintf(&buf, "data: %s\n\n", payload)
	return buf.Bytes(), nil
}
