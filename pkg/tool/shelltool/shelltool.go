// Package shelltool provides the sandboxed shell tool. Commands run with
// the task's artifacts directory as working directory, a scrubbed
// environment, and an allowlist over every command in the pipeline.
package shelltool

import (
	"context"
	"os/exec"
	"strings"
	"syscall"

	"github.com/gomaestro/maestro/pkg/protocol"
	"github.com/gomaestro/maestro/pkg/taskspace"
	"github.com/gomaestro/maestro/pkg/tool"
)

// DefaultAllowedCommands is the builtin allowlist: read-mostly text
// utilities that are useful for inspecting workspace files.
var DefaultAllowedCommands = []string{
	"ls", "cat", "head", "tail", "wc", "grep", "sort", "uniq",
	"cut", "find", "echo", "date", "diff",
}

// ShellArgs defines the parameters for running a shell command.
type ShellArgs struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to run in the task workspace"`
}

// Shell runs allowlisted shell commands confined to the task workspace.
type Shell struct {
	store   *taskspace.Store
	allowed map[string]bool
}

// New creates the run_shell tool. A nil or empty allowlist falls back to
// DefaultAllowedCommands.
func New(store *taskspace.Store, allowedCommands []string) *Shell {
	if len(allowedCommands) == 0 {
		allowedCommands = DefaultAllowedCommands
	}
	allowed := make(map[string]bool, len(allowedCommands))
	for _, c := range allowedCommands {
		allowed[c] = true
	}
	return &Shell{store: store, allowed: allowed}
}

// Register adds the shell tool to the registry.
func Register(reg *tool.Registry, store *taskspace.Store, allowedCommands []string) error {
	return reg.Register(New(store, allowedCommands))
}

func (t *Shell) Descriptor() tool.Descriptor {
	return tool.Descriptor{
		Name:            "run_shell",
		Description:     "Run an allowlisted shell command in the task workspace and return its combined output.",
		ParameterSchema: tool.MustSchemaFor[ShellArgs](),
		EffectClass:     tool.EffectShell,
		RequiresSandbox: true,
	}
}

func (t *Shell) Call(ctx context.Context, inv tool.Invocation, args map[string]any) (*tool.Result, error) {
	a, err := tool.DecodeArgs[ShellArgs](args)
	if err != nil {
		return nil, protocol.NewError(protocol.KindValidation, "run_shell: %v", err)
	}
	if strings.TrimSpace(a.Command) == "" {
		return nil, protocol.NewError(protocol.KindValidation, "run_shell: command is empty")
	}
	if err := t.checkPolicy(a.Command); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", a.Command)
	cmd.Dir = t.store.ArtifactsRoot(inv.TaskID)
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + cmd.Dir,
		"LANG=C.UTF-8",
	}
	// Run in its own process group so a timeout kills the whole pipeline,
	// not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, protocol.NewError(protocol.KindRuntime,
				"command exited with status %d: %s", exitErr.ExitCode(), tail(output, 2048))
		}
		return nil, protocol.NewError(protocol.KindRuntime, "command failed: %v", err)
	}
	return &tool.Result{Content: string(output)}, nil
}

// checkPolicy verifies every command in the pipeline against the
// allowlist and rejects substitution constructs outright.
func (t *Shell) checkPolicy(command string) error {
	if strings.Contains(command, "`") || strings.Contains(command, "$(") {
		return protocol.NewError(protocol.KindPolicy,
			"command substitution is not allowed")
	}
	for _, base := range baseCommands(command) {
		if !t.allowed[base] {
			return protocol.NewError(protocol.KindPolicy,
				"command not allowed: %s", base)
		}
	}
	return nil
}

// baseCommands extracts the first word of each pipeline segment.
func baseCommands(command string) []string {
	segments := strings.FieldsFunc(command, func(r rune) bool {
		return r == '|' || r == ';' || r == '&' || r == '\n'
	})
	var out []string
	for _, seg := range segments {
		fields := strings.Fields(seg)
		if len(fields) == 0 {
			continue
		}
		out = append(out, fields[0])
	}
	if len(out) == 0 {
		return []string{command}
	}
	return out
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return "..." + string(b[len(b)-n:])
}
