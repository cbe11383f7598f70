// Package worker executes one step turn: it takes a briefing, streams the
// model's generation, runs any tool calls it emits, feeds results back, and
// returns a terminal result. Workers hold no state between runs; everything
// durable lives in the taskspace.
package worker

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/gomaestro/maestro/pkg/bus"
	"github.com/gomaestro/maestro/pkg/event"
	"github.com/gomaestro/maestro/pkg/llms"
	"github.com/gomaestro/maestro/pkg/observability"
	"github.com/gomaestro/maestro/pkg/protocol"
	"github.com/gomaestro/maestro/pkg/taskspace"
	"github.com/gomaestro/maestro/pkg/tool"
)

// Limits bounds one turn. A breach surfaces as a limit_exceeded failure,
// never as a hang.
type Limits struct {
	// MaxToolCallsPerTurn caps tool executions across all generations of
	// the turn.
	MaxToolCallsPerTurn int

	// MaxRetryCorrections caps how many recoverable tool errors are fed
	// back to the model before the turn fails.
	MaxRetryCorrections int

	// WallClock bounds the whole turn.
	WallClock time.Duration
}

// DefaultLimits returns the standard turn budget.
func DefaultLimits() Limits {
	return Limits{
		MaxToolCallsPerTurn: 16,
		MaxRetryCorrections: 3,
		WallClock:           10 * time.Minute,
	}
}

// Briefing is everything a worker needs for one turn. The orchestrator
// assembles it; the worker never reaches back into the plan.
type Briefing struct {
	TaskID string
	StepID string

	// Role and RolePrompt identify the agent persona running this step.
	Role       string
	RolePrompt string

	// StepGoal is the concrete objective for this turn.
	StepGoal string

	// ContextBlocks carry memory context and upstream step summaries,
	// already trimmed to budget.
	ContextBlocks []string

	// Tools the model may call this turn.
	Tools []tool.Descriptor

	// ConversationTail is the recent message history.
	ConversationTail []protocol.Message

	// ForceJSON steers the model toward a single JSON object reply.
	ForceJSON bool
}

// Status is the terminal state of a turn.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Result is what a finished turn reports back to the orchestrator.
type Result struct {
	Status           Status
	FinalText        string
	ArtifactsWritten []taskspace.ArtifactInfo
	TokensUsed       int

	// Error is set when Status is failed or cancelled.
	Error *protocol.Error
}

// Worker runs turns against one provider and one tool executor.
type Worker struct {
	provider llms.Provider
	executor *tool.Executor
	store    *taskspace.Store
	emitter  *bus.Emitter
	limits   Limits
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures a Worker.
type Option func(*Worker)

// WithLimits overrides the turn budget.
func WithLimits(l Limits) Option {
	return func(w *Worker) { w.limits = l }
}

// WithLogger sets the worker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithTracer records a span per turn on the given tracer. A nil tracer
// leaves tracing disabled.
func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) {
		if t != nil {
			w.tracer = t
		}
	}
}

// New creates a worker.
func New(provider llms.Provider, executor *tool.Executor, store *taskspace.Store, emitter *bus.Emitter, opts ...Option) *Worker {
	w := &Worker{
		provider: provider,
		executor: executor,
		store:    store,
		emitter:  emitter,
		limits:   DefaultLimits(),
		logger:   slog.Default(),
		tracer:   noop.NewTracerProvider().Tracer("maestro"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// generation is the accumulated output of one streamed model call.
type generation struct {
	thinking string
	text     string
	calls    []protocol.ToolCall
	tokens   int
	err      *protocol.Error
}

// Run executes one turn to completion. The returned error is non-nil only
// when the worker's own persistence fails; model and tool failures are
// folded into the Result.
func (w *Worker) Run(ctx context.Context, b Briefing) (*Result, error) {
	turnCtx, cancel := context.WithTimeout(ctx, w.limits.WallClock)
	defer cancel()

	res := &Result{Status: StatusCompleted}

	var span trace.Span
	turnCtx, span = w.tracer.Start(turnCtx, observability.SpanWorkerTurn,
		trace.WithAttributes(
			attribute.String("task.id", b.TaskID),
			attribute.String("step.id", b.StepID),
			attribute.String("agent.role", b.Role),
		))
	defer func() {
		span.SetAttributes(attribute.String("turn.status", string(res.Status)))
		span.End()
	}()

	req := llms.Request{
		System:    w.systemPrompt(b),
		Tools:     toolDefs(b.Tools),
		ForceJSON: b.ForceJSON,
	}
	messages := make([]protocol.Message, 0, len(b.ConversationTail)+4)
	messages = append(messages, b.ConversationTail...)
	messages = append(messages, protocol.Message{
		Role:  protocol.RoleUser,
		Parts: []protocol.Part{protocol.TextPart(b.StepGoal)},
	})

	callsUsed := 0
	corrections := 0
	upstreamRetried := false

	for {
		req.Messages = messages
		gen, err := w.generate(turnCtx, b.TaskID, req)
		if err != nil {
			return nil, err
		}
		res.TokensUsed += gen.tokens

		if gen.err != nil {
			if perr, status := w.interruption(ctx, turnCtx); perr != nil {
				if err := w.finalizePartial(b.TaskID, gen); err != nil {
					return nil, err
				}
				res.Status = status
				res.Error = perr
				return res, nil
			}
			if gen.empty() && gen.err.Kind == protocol.KindUpstream && !upstreamRetried {
				upstreamRetried = true
				w.logger.Warn("generation failed before producing output, retrying",
					"task_id", b.TaskID, "step_id", b.StepID, "error", gen.err)
				continue
			}
			if err := w.finalizePartial(b.TaskID, gen); err != nil {
				return nil, err
			}
			res.Status = StatusFailed
			res.Error = gen.err
			return res, nil
		}

		assistant := gen.message()
		if _, err := w.appendMessage(b.TaskID, &assistant); err != nil {
			return nil, err
		}
		messages = append(messages, assistant)

		if len(gen.calls) == 0 {
			res.FinalText = gen.text
			return res, nil
		}

		var toolParts []protocol.Part
		for i, call := range gen.calls {
			if callsUsed >= w.limits.MaxToolCallsPerTurn {
				perr := protocol.NewError(protocol.KindLimitExceeded,
					"tool call budget of %d exhausted", w.limits.MaxToolCallsPerTurn)
				toolParts, err = w.resolveRemaining(b.TaskID, gen.calls[i:], toolParts, perr.Kind, perr.Detail)
				if err != nil {
					return nil, err
				}
				return w.failTurn(b.TaskID, messages, toolParts, res, StatusFailed, perr)
			}
			callsUsed++

			ev := event.New(b.TaskID, event.KindToolCallStart)
			callCopy := call
			ev.ToolCall = &callCopy
			if err := w.emit(ev); err != nil {
				return nil, err
			}

			tr, artifacts, invokeErr := w.executor.Invoke(turnCtx,
				tool.Invocation{TaskID: b.TaskID, CallID: call.ID, StepID: b.StepID}, call)
			if invokeErr != nil {
				perr := protocol.AsError(invokeErr)
				status := StatusFailed
				if perr.Kind == protocol.KindCancelled {
					if iperr, istatus := w.interruption(ctx, turnCtx); iperr != nil {
						perr, status = iperr, istatus
					}
				}
				toolParts, err = w.resolveRemaining(b.TaskID, gen.calls[i:], toolParts, perr.Kind, perr.Detail)
				if err != nil {
					return nil, err
				}
				return w.failTurn(b.TaskID, messages, toolParts, res, status, perr)
			}

			rev := event.New(b.TaskID, event.KindToolCallResult)
			trCopy := tr
			rev.ToolResult = &trCopy
			if err := w.emit(rev); err != nil {
				return nil, err
			}
			toolParts = append(toolParts, protocol.ToolResultPart(&trCopy))

			for _, art := range artifacts {
				aev := event.New(b.TaskID, event.KindArtifactUpdate)
				aev.ArtifactPath = art.Path
				aev.ArtifactSize = art.Size
				aev.ArtifactVersion = art.Version
				if err := w.emit(aev); err != nil {
					return nil, err
				}
				res.ArtifactsWritten = append(res.ArtifactsWritten, art)
			}

			if tr.IsError {
				corrections++
				if corrections > w.limits.MaxRetryCorrections {
					perr := protocol.NewError(protocol.KindLimitExceeded,
						"correction budget of %d exhausted, last error: %s",
						w.limits.MaxRetryCorrections, tr.Detail)
					toolParts, err = w.resolveRemaining(b.TaskID, gen.calls[i+1:], toolParts,
						perr.Kind, perr.Detail)
					if err != nil {
						return nil, err
					}
					return w.failTurn(b.TaskID, messages, toolParts, res, StatusFailed, perr)
				}
			}
		}

		toolMsg := protocol.Message{Role: protocol.RoleTool, Parts: toolParts}
		if _, err := w.appendMessage(b.TaskID, &toolMsg); err != nil {
			return nil, err
		}
		messages = append(messages, toolMsg)
	}
}

// generate runs one streamed model call, emitting message_start and
// part_delta events as output arrives.
func (w *Worker) generate(ctx context.Context, taskID string, req llms.Request) (*generation, error) {
	sev := event.New(taskID, event.KindMessageStart)
	sev.Role = protocol.RoleAssistant
	if err := w.emit(sev); err != nil {
		return nil, err
	}

	gen := &generation{}
	ch, err := w.provider.GenerateStreaming(ctx, req)
	if err != nil {
		gen.err = protocol.AsError(err)
		return gen, nil
	}
	for chunk := range ch {
		switch chunk.Type {
		case llms.ChunkText:
			gen.text += chunk.Text
			part := protocol.TextPart(chunk.Text)
			ev := event.New(taskID, event.KindPartDelta)
			ev.Part = &part
			if err := w.emit(ev); err != nil {
				return nil, err
			}
		case llms.ChunkThinking:
			gen.thinking += chunk.Text
			part := protocol.ReasoningPart(chunk.Text)
			ev := event.New(taskID, event.KindPartDelta)
			ev.Part = &part
			if err := w.emit(ev); err != nil {
				return nil, err
			}
		case llms.ChunkToolCall:
			gen.calls = append(gen.calls, *chunk.ToolCall)
		case llms.ChunkDone:
			gen.tokens = chunk.Tokens
		case llms.ChunkError:
			gen.err = protocol.AsError(chunk.Err)
			return gen, nil
		}
	}
	return gen, nil
}

func (g *generation) empty() bool {
	return g.text == "" && g.thinking == "" && len(g.calls) == 0
}

// message assembles the completed assistant message from the generation.
func (g *generation) message() protocol.Message {
	var parts []protocol.Part
	if g.thinking != "" {
		parts = append(parts, protocol.ReasoningPart(g.thinking))
	}
	if g.text != "" {
		parts = append(parts, protocol.TextPart(g.text))
	}
	for i := range g.calls {
		parts = append(parts, protocol.ToolCallPart(&g.calls[i]))
	}
	return protocol.Message{Role: protocol.RoleAssistant, Parts: parts}
}

// interruption classifies a context stop: caller cancellation wins over the
// wall clock. Returns nil when neither context has fired.
func (w *Worker) interruption(ctx, turnCtx context.Context) (*protocol.Error, Status) {
	if ctx.Err() != nil {
		return protocol.NewError(protocol.KindCancelled, "turn cancelled"), StatusCancelled
	}
	if turnCtx.Err() == context.DeadlineExceeded {
		return protocol.NewError(protocol.KindLimitExceeded,
			"turn wall clock of %s exceeded", w.limits.WallClock), StatusFailed
	}
	return nil, ""
}

// finalizePartial persists whatever an interrupted generation produced so
// the transcript never loses streamed output.
func (w *Worker) finalizePartial(taskID string, gen *generation) error {
	if gen.empty() {
		return nil
	}
	msg := gen.message()
	_, err := w.appendMessage(taskID, &msg)
	return err
}

// failTurn persists outstanding tool results and returns the failed result.
// Every emitted tool call is resolved before the turn ends, even on abort.
func (w *Worker) failTurn(taskID string, messages []protocol.Message, toolParts []protocol.Part, res *Result, status Status, perr *protocol.Error) (*Result, error) {
	if len(toolParts) > 0 {
		toolMsg := protocol.Message{Role: protocol.RoleTool, Parts: toolParts}
		if _, err := w.appendMessage(taskID, &toolMsg); err != nil {
			return nil, err
		}
	}
	res.Status = status
	res.Error = perr
	return res, nil
}

// resolveRemaining emits synthetic error results for calls that will not
// execute, so no emitted call is left dangling.
func (w *Worker) resolveRemaining(taskID string, calls []protocol.ToolCall, parts []protocol.Part, kind protocol.ErrorKind, detail string) ([]protocol.Part, error) {
	for _, call := range calls {
		tr := protocol.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: detail,
			IsError: true,
			Kind:    kind,
			Detail:  detail,
		}
		ev := event.New(taskID, event.KindToolCallResult)
		trCopy := tr
		ev.ToolResult = &trCopy
		if err := w.emit(ev); err != nil {
			return nil, err
		}
		parts = append(parts, protocol.ToolResultPart(&trCopy))
	}
	return parts, nil
}

// appendMessage durably appends the message and emits message_complete with
// the assigned seq.
func (w *Worker) appendMessage(taskID string, msg *protocol.Message) (int64, error) {
	seq, err := w.store.AppendMessage(taskID, msg)
	if err != nil {
		return 0, protocol.NewError(protocol.KindStorage, "failed to append message: %v", err)
	}
	ev := event.New(taskID, event.KindMessageComplete)
	ev.MessageSeq = seq
	ev.Role = msg.Role
	if err := w.emit(ev); err != nil {
		return 0, err
	}
	return seq, nil
}

func (w *Worker) emit(ev event.Event) error {
	if _, err := w.emitter.Emit(ev); err != nil {
		return protocol.NewError(protocol.KindStorage, "failed to record event: %v", err)
	}
	return nil
}

func (w *Worker) systemPrompt(b Briefing) string {
	var sb strings.Builder
	sb.WriteString(b.RolePrompt)
	for _, block := range b.ContextBlocks {
		if strings.TrimSpace(block) == "" {
			continue
		}
		sb.WriteString("\n\n")
		sb.WriteString(block)
	}
	return sb.String()
}

func toolDefs(descriptors []tool.Descriptor) []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, 0, len(descriptors))
	for _, d := range descriptors {
		defs = append(defs, llms.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.ParameterSchema,
		})
	}
	return defs
}
