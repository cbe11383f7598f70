// Package tool defines the capability surface workers can invoke: tool
// descriptors with JSON Schema parameters, a registry with per-task
// visibility, and an executor that validates, polices and runs calls.
package tool

import (
	"context"

	"github.com/gomaestro/maestro/pkg/taskspace"
)

// EffectClass declares the side effects a tool may have. The executor uses
// it to decide which policy checks and post-processing apply.
type EffectClass string

const (
	// EffectReadOnly tools observe state without changing it.
	EffectReadOnly EffectClass = "read_only"

	// EffectWorkspaceWrite tools write artifacts inside the taskspace.
	EffectWorkspaceWrite EffectClass = "workspace_write"

	// EffectNetwork tools reach outside the process over the network.
	EffectNetwork EffectClass = "network"

	// EffectShell tools run subprocesses.
	EffectShell EffectClass = "shell"
)

// Descriptor is the model-facing contract of a tool.
type Descriptor struct {
	// Name is the unique registered name.
	Name string `json:"name"`

	// Description tells the model when to use the tool.
	Description string `json:"description"`

	// ParameterSchema is a JSON Schema (draft 2020-12) for the arguments.
	ParameterSchema map[string]any `json:"parameter_schema"`

	// EffectClass declares the tool's side effects.
	EffectClass EffectClass `json:"effect_class"`

	// RequiresSandbox marks tools that must only run confined to the
	// taskspace (shell, subprocess).
	RequiresSandbox bool `json:"requires_sandbox,omitempty"`
}

// Invocation identifies one tool call within a task.
type Invocation struct {
	TaskID string
	CallID string
	StepID string
}

// Result is a successful tool execution outcome.
type Result struct {
	// Content is the textual output returned to the model.
	Content string

	// Artifacts lists taskspace files this call created or updated.
	Artifacts []taskspace.ArtifactInfo
}

// Tool is a callable capability. Call returns recoverable failures as
// errors with a protocol kind; the executor folds them into the ToolResult
// instead of raising them.
type Tool interface {
	Descriptor() Descriptor
	Call(ctx context.Context, inv Invocation, args map[string]any) (*Result, error)
}
