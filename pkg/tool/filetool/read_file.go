// Package filetool provides the builtin file tools. All paths are
// relative to the task's artifacts directory; the taskspace store rejects
// anything that would escape it.
package filetool

import (
	"context"

	"github.com/gomaestro/maestro/pkg/protocol"
	"github.com/gomaestro/maestro/pkg/taskspace"
	"github.com/gomaestro/maestro/pkg/tool"
)

// ReadFileArgs defines the parameters for reading an artifact.
type ReadFileArgs struct {
	Path string `json:"path" jsonschema:"required,description=Artifact path relative to the task workspace"`
}

// ReadFile reads task artifacts.
type ReadFile struct {
	store *taskspace.Store
}

// NewReadFile creates the read_file tool over the store.
func NewReadFile(store *taskspace.Store) *ReadFile {
	return &ReadFile{store: store}
}

func (t *ReadFile) Descriptor() tool.Descriptor {
	return tool.Descriptor{
		Name:            "read_file",
		Description:     "Read the content of a file in the task workspace.",
		ParameterSchema: tool.MustSchemaFor[ReadFileArgs](),
		EffectClass:     tool.EffectReadOnly,
	}
}

func (t *ReadFile) Call(ctx context.Context, inv tool.Invocation, args map[string]any) (*tool.Result, error) {
	a, err := tool.DecodeArgs[ReadFileArgs](args)
	if err != nil {
		return nil, protocol.NewError(protocol.KindValidation, "read_file: %v", err)
	}
	data, err := t.store.ReadArtifact(inv.TaskID, a.Path)
	if err != nil {
		return nil, err
	}
	return &tool.Result{Content: string(data)}, nil
}

// Register adds all file tools to the registry.
func Register(reg *tool.Registry, store *taskspace.Store) error {
	for _, t := range []tool.Tool{NewReadFile(store), NewWriteFile(store), NewListFiles(store)} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
