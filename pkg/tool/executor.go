package tool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/gomaestro/maestro/pkg/observability"
	"github.com/gomaestro/maestro/pkg/protocol"
	"github.com/gomaestro/maestro/pkg/taskspace"
)

const (
	// MaxOutputBytes is the clip limit for tool output fed back to the
	// model. Clipped results carry a marker so the model knows.
	MaxOutputBytes = 256 * 1024

	// DefaultTimeout bounds a single tool execution.
	DefaultTimeout = 120 * time.Second
)

// Executor runs tool calls through the full pipeline: resolution, argument
// validation, policy, bounded execution, output clipping. Recoverable
// failures come back as error-flagged results so the model can observe
// them and self-correct; only infrastructure failures are raised.
type Executor struct {
	registry *Registry
	sem      *semaphore.Weighted
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTimeout overrides the per-call execution timeout.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithConcurrency overrides the global in-flight call cap.
func WithConcurrency(n int64) ExecutorOption {
	return func(e *Executor) { e.sem = semaphore.NewWeighted(n) }
}

// WithLogger sets the executor's logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithTracer records a span per tool call on the given tracer. A nil
// tracer leaves tracing disabled.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// NewExecutor creates an executor over the registry. The default
// concurrency cap is min(32, 4×GOMAXPROCS).
func NewExecutor(reg *Registry, opts ...ExecutorOption) *Executor {
	limit := int64(4 * runtime.GOMAXPROCS(0))
	if limit > 32 {
		limit = 32
	}
	e := &Executor{
		registry: reg,
		sem:      semaphore.NewWeighted(limit),
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
		tracer:   noop.NewTracerProvider().Tracer("maestro"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Invoke executes one tool call. Artifacts written by workspace_write
// tools come back alongside the result. The returned error is non-nil
// only for non-recoverable failures (cancellation, invariant or storage
// errors); everything the model can act on is folded into the ToolResult.
func (e *Executor) Invoke(ctx context.Context, inv Invocation, call protocol.ToolCall) (protocol.ToolResult, []taskspace.ArtifactInfo, error) {
	ctx, span := e.tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(
			attribute.String("task.id", inv.TaskID),
			attribute.String("tool.name", call.Name),
			attribute.String("call.id", call.ID),
		))
	defer span.End()

	entry, known, visible := e.registry.lookup(inv.TaskID, call.Name)
	if !known {
		return e.errResult(call, protocol.NewError(protocol.KindValidation,
			"unknown_tool: %s is not a registered tool", call.Name)), nil, nil
	}
	if !visible {
		return e.errResult(call, protocol.NewError(protocol.KindPolicy,
			"tool %s is not available to this task", call.Name)), nil, nil
	}

	if entry.schema != nil {
		if err := entry.schema.Validate(normalizeArgs(call.Args)); err != nil {
			return e.errResult(call, protocol.NewError(protocol.KindValidation,
				"invalid arguments for %s: %v", call.Name, err)), nil, nil
		}
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return protocol.ToolResult{}, nil, protocol.NewError(protocol.KindCancelled,
			"tool call %s cancelled while queued", call.Name)
	}
	defer e.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	res, err := entry.tool.Call(callCtx, inv, call.Args)
	duration := time.Since(start)

	e.logger.Debug("tool call finished",
		"task_id", inv.TaskID,
		"tool", call.Name,
		"call_id", call.ID,
		"duration", duration,
		"error", err != nil)

	if err != nil {
		if ctx.Err() != nil {
			return protocol.ToolResult{}, nil, protocol.NewError(protocol.KindCancelled,
				"tool call %s cancelled", call.Name)
		}
		if callCtx.Err() == context.DeadlineExceeded {
			err = protocol.NewError(protocol.KindRuntime,
				"tool %s timed out after %s", call.Name, e.timeout)
		}
		perr := protocol.AsError(err)
		if !perr.Kind.Recoverable() {
			return protocol.ToolResult{}, nil, perr
		}
		r := e.errResult(call, perr)
		r.Duration = duration
		return r, nil, nil
	}

	content, clipped := clip(res.Content, MaxOutputBytes)
	if clipped {
		e.logger.Warn("tool output clipped",
			"tool", call.Name, "call_id", call.ID, "limit", MaxOutputBytes)
	}
	return protocol.ToolResult{
		CallID:   call.ID,
		Name:     call.Name,
		Content:  content,
		Duration: duration,
	}, res.Artifacts, nil
}

func (e *Executor) errResult(call protocol.ToolCall, perr *protocol.Error) protocol.ToolResult {
	return protocol.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: perr.Detail,
		IsError: true,
		Kind:    perr.Kind,
		Detail:  perr.Detail,
	}
}

// clip truncates s to limit bytes on a rune boundary, appending a marker.
func clip(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	cut := limit
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n[output clipped at %d bytes]", limit), true
}

// normalizeArgs round-trips argument values so schema validation sees the
// same shapes regardless of how the call was decoded.
func normalizeArgs(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	return args
}
