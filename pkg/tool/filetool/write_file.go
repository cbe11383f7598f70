package filetool

import (
	"context"
	"fmt"

	"github.com/gomaestro/maestro/pkg/protocol"
	"github.com/gomaestro/maestro/pkg/taskspace"
	"github.com/gomaestro/maestro/pkg/tool"
)

// WriteFileArgs defines the parameters for writing an artifact.
type WriteFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=Artifact path relative to the task workspace"`
	Content string `json:"content" jsonschema:"required,description=Full content to write"`
}

// WriteFile creates or overwrites task artifacts. Every write produces a
// new artifact version; prior versions stay retrievable.
type WriteFile struct {
	store *taskspace.Store
}

// NewWriteFile creates the write_file tool over the store.
func NewWriteFile(store *taskspace.Store) *WriteFile {
	return &WriteFile{store: store}
}

func (t *WriteFile) Descriptor() tool.Descriptor {
	return tool.Descriptor{
		Name:            "write_file",
		Description:     "Create or overwrite a file in the task workspace. Writes are versioned.",
		ParameterSchema: tool.MustSchemaFor[WriteFileArgs](),
		EffectClass:     tool.EffectWorkspaceWrite,
	}
}

func (t *WriteFile) Call(ctx context.Context, inv tool.Invocation, args map[string]any) (*tool.Result, error) {
	a, err := tool.DecodeArgs[WriteFileArgs](args)
	if err != nil {
		return nil, protocol.NewError(protocol.KindValidation, "write_file: %v", err)
	}
	info, err := t.store.WriteArtifact(inv.TaskID, a.Path, []byte(a.Content))
	if err != nil {
		return nil, err
	}
	return &tool.Result{
		Content:   fmt.Sprintf("wrote %s (%d bytes, version %d)", info.Path, info.Size, info.Version),
		Artifacts: []taskspace.ArtifactInfo{info},
	}, nil
}
