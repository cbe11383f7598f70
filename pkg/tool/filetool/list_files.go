package filetool

import (
	"context"
	"fmt"
	"strings"

	"github.com/gomaestro/maestro/pkg/taskspace"
	"github.com/gomaestro/maestro/pkg/tool"
)

// ListFilesArgs defines the parameters for listing artifacts.
type ListFilesArgs struct{}

// ListFiles lists the task's artifacts.
type ListFiles struct {
	store *taskspace.Store
}

// NewListFiles creates the list_files tool over the store.
func NewListFiles(store *taskspace.Store) *ListFiles {
	return &ListFiles{store: store}
}

func (t *ListFiles) Descriptor() tool.Descriptor {
	return tool.Descriptor{
		Name:            "list_files",
		Description:     "List the files in the task workspace with sizes and versions.",
		ParameterSchema: tool.MustSchemaFor[ListFilesArgs](),
		EffectClass:     tool.EffectReadOnly,
	}
}

func (t *ListFiles) Call(ctx context.Context, inv tool.Invocation, args map[string]any) (*tool.Result, error) {
	infos, err := t.store.ListArtifacts(inv.TaskID)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return &tool.Result{Content: "the workspace is empty"}, nil
	}
	var b strings.Builder
	for _, info := range infos {
		fmt.Fprintf(&b, "%s\t%d bytes\tv%d\n", info.Path, info.Size, info.Version)
	}
	return &tool.Result{Content: b.String()}, nil
}
