package shelltool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomaestro/maestro/pkg/protocol"
	"github.com/gomaestro/maestro/pkg/taskspace"
	"github.com/gomaestro/maestro/pkg/tool"
)

func newFixture(t *testing.T, allowed []string) (*Shell, tool.Invocation) {
	t.Helper()
	store, err := taskspace.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	_, err = store.Create("t1", "goal", "u1")
	require.NoError(t, err)
	return New(store, allowed), tool.Invocation{TaskID: "t1", CallID: "c1"}
}

func TestAllowedCommandRuns(t *testing.T) {
	sh, inv := newFixture(t, nil)
	res, err := sh.Call(context.Background(), inv, map[string]any{"command": "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Content)
}

func TestPipelineSegmentsAllChecked(t *testing.T) {
	sh, inv := newFixture(t, []string{"echo"})

	_, err := sh.Call(context.Background(), inv, map[string]any{"command": "echo hi | wc -l"})
	require.Error(t, err)
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.KindPolicy, perr.Kind)
	assert.Contains(t, perr.Detail, "wc")
}

func TestDisallowedCommandIsPolicyError(t *testing.T) {
	sh, inv := newFixture(t, nil)
	_, err := sh.Call(context.Background(), inv, map[string]any{"command": "rm -rf /"})
	require.Error(t, err)
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.KindPolicy, perr.Kind)
}

func TestSubstitutionRejected(t *testing.T) {
	sh, inv := newFixture(t, nil)
	for _, cmd := range []string{"echo $(date)", "echo `date`"} {
		_, err := sh.Call(context.Background(), inv, map[string]any{"command": cmd})
		require.Error(t, err, cmd)
		var perr *protocol.Error
		require.True(t, errors.As(err, &perr), cmd)
		assert.Equal(t, protocol.KindPolicy, perr.Kind, cmd)
	}
}

func TestNonZeroExitIsRuntimeError(t *testing.T) {
	sh, inv := newFixture(t, []string{"grep", "echo"})
	_, err := sh.Call(context.Background(), inv, map[string]any{"command": "echo x | grep nomatch"})
	require.Error(t, err)
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.KindRuntime, perr.Kind)
}

func TestRunsInArtifactsDirectory(t *testing.T) {
	store, err := taskspace.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	_, err = store.Create("t1", "goal", "u1")
	require.NoError(t, err)
	_, err = store.WriteArtifact("t1", "hello.txt", []byte("hi"))
	require.NoError(t, err)

	sh := New(store, nil)
	res, err := sh.Call(context.Background(), tool.Invocation{TaskID: "t1"},
		map[string]any{"command": "cat hello.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Content)
}
