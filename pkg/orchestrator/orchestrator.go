// Package orchestrator drives a task's lifecycle: it owns the plan, feeds
// ready steps to workers one at a time, applies retry bookkeeping, and
// exposes the conversational surface (chat, step, run, cancel). One
// orchestrator owns one task; the Manager enforces single ownership.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/gomaestro/maestro/pkg/bus"
	"github.com/gomaestro/maestro/pkg/config"
	"github.com/gomaestro/maestro/pkg/event"
	"github.com/gomaestro/maestro/pkg/llms"
	"github.com/gomaestro/maestro/pkg/memory"
	"github.com/gomaestro/maestro/pkg/observability"
	"github.com/gomaestro/maestro/pkg/plan"
	"github.com/gomaestro/maestro/pkg/protocol"
	"github.com/gomaestro/maestro/pkg/taskspace"
	"github.com/gomaestro/maestro/pkg/tool"
	"github.com/gomaestro/maestro/pkg/worker"
)

// Scope selects what a cancellation applies to.
type Scope string

const (
	// ScopeTurn aborts the currently running worker turn; the step is
	// requeued without consuming an attempt.
	ScopeTurn Scope = "turn"

	// ScopeTask additionally pauses the task and exits the dispatch loop.
	ScopeTask Scope = "task"
)

// StepReport describes the outcome of one dispatched step.
type StepReport struct {
	StepID   string
	Status   plan.StepStatus
	Attempts int
	Error    *protocol.Error
}

// Deps are the shared services an orchestrator operates over.
type Deps struct {
	Store     *taskspace.Store
	Emitter   *bus.Emitter
	Registry  *tool.Registry
	Executor  *tool.Executor
	Providers *llms.Registry
	Memory    *memory.Gateway
	Config    *config.Config
	Logger    *slog.Logger

	// Metrics is optional; a nil value disables instrumentation.
	Metrics *observability.Metrics

	// Tracer is optional; a nil value disables span recording.
	Tracer trace.Tracer
}

// Orchestrator owns one task.
type Orchestrator struct {
	taskID string
	deps   Deps
	logger *slog.Logger

	// runMu serializes dispatch: at most one step executes at a time.
	runMu sync.Mutex

	mu         sync.Mutex
	turnCancel context.CancelFunc
	paused     bool

	wg sync.WaitGroup
}

func newOrchestrator(taskID string, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		taskID: taskID,
		deps:   deps,
		logger: logger.With("task_id", taskID),
	}
}

// TaskID returns the owned task's id.
func (o *Orchestrator) TaskID() string { return o.taskID }

// Wait blocks until all background processing spawned by Start or Chat has
// finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Start kicks off the task: a non-empty goal triggers plan generation and
// then the dispatch loop in the background. Start returns immediately; the
// caller tails the event stream for progress.
func (o *Orchestrator) Start(goal string) {
	if strings.TrimSpace(goal) == "" {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx := context.Background()
		if err := o.generatePlan(ctx, goal); err != nil {
			o.logger.Error("plan generation failed", "error", err)
			o.failTask(protocol.AsError(err))
			return
		}
		o.runLoop(ctx)
	}()
}

// Chat persists the user message, classifies it, and processes the intent
// in the background. The returned intent is what the classifier decided.
func (o *Orchestrator) Chat(ctx context.Context, text string) (Intent, error) {
	if strings.TrimSpace(text) == "" {
		return "", protocol.NewError(protocol.KindValidation, "message text is empty")
	}
	msg := protocol.Message{Role: protocol.RoleUser, Parts: []protocol.Part{protocol.TextPart(text)}}
	if _, err := o.appendMessage(&msg); err != nil {
		return "", err
	}

	snap, err := o.deps.Store.Snapshot(o.taskID)
	if err != nil {
		return "", o.storageFault(err)
	}

	var intent Intent
	if snap.Plan == nil {
		// Nothing to revise or continue yet; a first message is the goal.
		intent = IntentNewGoal
	} else {
		intent = o.classify(ctx, text, snap.Plan)
	}

	o.resume()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		bg := context.Background()
		switch intent {
		case IntentNewGoal:
			if err := o.generatePlan(bg, text); err != nil {
				o.logger.Error("plan generation failed", "error", err)
				o.failTask(protocol.AsError(err))
				return
			}
			o.runLoop(bg)
		case IntentRevision:
			if err := o.revisePlan(bg, text); err != nil {
				o.logger.Error("plan revision failed", "error", err)
				o.emitError(protocol.AsError(err))
				return
			}
			o.runLoop(bg)
		case IntentInformational:
			o.answerDirect(bg, text)
		case IntentContinue:
			o.runLoop(bg)
		}
	}()
	return intent, nil
}

// Step advances exactly one ready step and returns its report. It fails if
// a dispatch loop already runs.
func (o *Orchestrator) Step(ctx context.Context) (*StepReport, error) {
	if !o.runMu.TryLock() {
		return nil, protocol.NewError(protocol.KindValidation, "task is already executing")
	}
	defer o.runMu.Unlock()

	for {
		report, done, err := o.dispatchOne(ctx)
		if err != nil {
			return nil, err
		}
		if report != nil || done {
			return report, nil
		}
		// A bookkeeping pass (retry requeue) made progress without
		// executing a step; go around again.
	}
}

// Run drives the dispatch loop until the plan is terminal, the task is
// paused, or ctx is cancelled. It returns the task status at exit.
func (o *Orchestrator) Run(ctx context.Context) (taskspace.Status, error) {
	if !o.runMu.TryLock() {
		return "", protocol.NewError(protocol.KindValidation, "task is already executing")
	}
	defer o.runMu.Unlock()
	return o.loop(ctx)
}

// runLoop is the internal blocking variant used by background processing.
func (o *Orchestrator) runLoop(ctx context.Context) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if _, err := o.loop(ctx); err != nil {
		o.logger.Error("dispatch loop stopped", "error", err)
	}
}

func (o *Orchestrator) loop(ctx context.Context) (taskspace.Status, error) {
	if err := o.setStatus(taskspace.StatusRunning, "dispatching"); err != nil {
		return "", err
	}
	for {
		if ctx.Err() != nil || o.isPaused() {
			if err := o.setStatus(taskspace.StatusPaused, "paused"); err != nil {
				return "", err
			}
			return taskspace.StatusPaused, nil
		}
		_, done, err := o.dispatchOne(ctx)
		if err != nil {
			return "", err
		}
		if done {
			snap, serr := o.deps.Store.Snapshot(o.taskID)
			if serr != nil {
				return "", o.storageFault(serr)
			}
			return snap.State.Status, nil
		}
	}
}

// Cancel requests cancellation. ScopeTurn aborts the in-flight worker;
// ScopeTask also pauses the task. Honored within the worker's cancellation
// bound.
func (o *Orchestrator) Cancel(scope Scope) error {
	o.mu.Lock()
	cancel := o.turnCancel
	if scope == ScopeTask {
		o.paused = true
	}
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if scope == ScopeTask {
		return o.setStatus(taskspace.StatusPaused, "cancelled by user")
	}
	return nil
}

func (o *Orchestrator) isPaused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

func (o *Orchestrator) resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
}

// dispatchOne makes one unit of progress: executes a ready step, requeues a
// retryable failure, or concludes the task. done is true when the task
// reached a terminal state or has no plan to run.
func (o *Orchestrator) dispatchOne(ctx context.Context) (*StepReport, bool, error) {
	snap, err := o.deps.Store.Snapshot(o.taskID)
	if err != nil {
		return nil, false, o.storageFault(err)
	}
	pl := snap.Plan
	if pl == nil {
		return nil, true, nil
	}

	stepID, state := pl.NextReady()
	switch state {
	case plan.StateReady:
		report, err := o.executeStep(ctx, pl, stepID)
		return report, false, err

	case plan.StateBlocked:
		// Failed steps with attempts left go back to pending.
		next := pl
		for _, s := range pl.Steps {
			if s.Status != plan.StatusFailed || s.Attempts >= plan.MaxAttempts {
				continue
			}
			next, err = next.Mark(s.ID, plan.StatusPending, plan.MarkOptions{})
			if err != nil {
				return nil, false, o.invariantFault(err)
			}
			if err := o.writePlan(next); err != nil {
				return nil, false, err
			}
			o.emitStepStatus(s.ID, plan.StatusPending)
		}
		return nil, false, nil

	case plan.StateCompleted:
		if err := o.setStatus(taskspace.StatusCompleted, "all steps completed"); err != nil {
			return nil, false, err
		}
		return nil, true, nil

	case plan.StateFailed:
		if err := o.setStatus(taskspace.StatusFailed, "plan cannot progress"); err != nil {
			return nil, false, err
		}
		return nil, true, nil

	default:
		// StateBusy cannot occur under single ownership; a step left
		// in_progress means the state machine was bypassed.
		return nil, false, o.invariantFault(protocol.NewError(
			protocol.KindInvariantViolated, "step in progress outside the dispatch loop"))
	}
}

func (o *Orchestrator) executeStep(ctx context.Context, pl *plan.Plan, stepID string) (*StepReport, error) {
	marked, err := pl.Mark(stepID, plan.StatusInProgress, plan.MarkOptions{})
	if err != nil {
		return nil, o.invariantFault(err)
	}
	if err := o.writePlan(marked); err != nil {
		return nil, err
	}
	o.emitStepStatus(stepID, plan.StatusInProgress)

	step := marked.Step(stepID)
	agent := o.deps.Config.Team.Agent(step.AssignedRole)
	provider, err := o.deps.Providers.Get(agent.Model)
	if err != nil {
		return o.concludeStep(step, &worker.Result{
			Status: worker.StatusFailed,
			Error:  protocol.NewError(protocol.KindRuntime, "no provider for model %q: %v", agent.Model, err),
		})
	}

	briefing, err := o.assembleBriefing(ctx, marked, step, agent)
	if err != nil {
		return nil, err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.turnCancel = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		o.turnCancel = nil
		o.mu.Unlock()
	}()

	defaults := o.deps.Config.Team.Defaults
	w := worker.New(provider, o.deps.Executor, o.deps.Store, o.deps.Emitter,
		worker.WithLogger(o.logger),
		worker.WithTracer(o.deps.Tracer),
		worker.WithLimits(worker.Limits{
			MaxToolCallsPerTurn: defaults.MaxToolCallsPerTurn,
			MaxRetryCorrections: defaults.MaxRetryCorrections,
			WallClock:           time.Duration(defaults.StepTimeoutSeconds) * time.Second,
		}))

	start := time.Now()
	result, err := w.Run(turnCtx, briefing)
	if result != nil {
		o.deps.Metrics.ObserveTurn(agent.Role, time.Since(start))
		o.deps.Metrics.RecordTokens(provider.Model(), result.TokensUsed)
	}
	if err != nil {
		// Worker persistence failed; requeue and pause rather than lose
		// the step.
		if _, _, merr := o.markCurrent(stepID, plan.StatusPending, plan.MarkOptions{}); merr != nil {
			o.logger.Error("failed to requeue step", "step_id", stepID, "error", merr)
		}
		return nil, o.storageFault(err)
	}
	return o.concludeStep(step, result)
}

// markCurrent transitions a step against the currently persisted plan. A
// chat revision may rewrite the plan while a worker turn is in flight;
// marking against a pre-turn snapshot would clobber it. The transition is
// skipped (ok false) when the step no longer exists or was reset by a
// revision, so a superseded turn concludes as a no-op.
func (o *Orchestrator) markCurrent(stepID string, status plan.StepStatus, opts plan.MarkOptions) (*plan.Plan, bool, error) {
	snap, err := o.deps.Store.Snapshot(o.taskID)
	if err != nil {
		return nil, false, o.storageFault(err)
	}
	pl := snap.Plan
	if pl == nil {
		return nil, false, nil
	}
	s := pl.Step(stepID)
	if s == nil || s.Status != plan.StatusInProgress {
		return nil, false, nil
	}
	next, err := pl.Mark(stepID, status, opts)
	if err != nil {
		return nil, false, o.invariantFault(err)
	}
	if err := o.writePlan(next); err != nil {
		return nil, false, err
	}
	return next, true, nil
}

// concludeStep applies the worker result to the plan and emits the status
// transitions. Failures with attempts left are requeued immediately.
func (o *Orchestrator) concludeStep(step *plan.Step, result *worker.Result) (*StepReport, error) {
	superseded := &StepReport{StepID: step.ID, Status: plan.StatusSkipped, Error: result.Error}

	switch result.Status {
	case worker.StatusCompleted:
		ref := o.latestMessageRef()
		next, ok, err := o.markCurrent(step.ID, plan.StatusCompleted, plan.MarkOptions{ResultRef: ref})
		if err != nil {
			return nil, err
		}
		if !ok {
			return superseded, nil
		}
		o.emitStepStatus(step.ID, plan.StatusCompleted)
		if err := o.deps.Memory.ClearHotIssue(o.taskID, step.ID); err != nil {
			o.logger.Warn("failed to clear hot issues", "step_id", step.ID, "error", err)
		}
		o.deps.Memory.Ingest(o.taskID, "step-"+step.ID, result.FinalText,
			map[string]string{"step": step.ID, "role": step.AssignedRole})
		return &StepReport{StepID: step.ID, Status: plan.StatusCompleted,
			Attempts: next.Step(step.ID).Attempts}, nil

	case worker.StatusCancelled:
		// The attempt is refunded; the step will rerun when resumed.
		next, ok, err := o.markCurrent(step.ID, plan.StatusPending, plan.MarkOptions{})
		if err != nil {
			return nil, err
		}
		if !ok {
			return superseded, nil
		}
		o.emitStepStatus(step.ID, plan.StatusPending)
		return &StepReport{StepID: step.ID, Status: plan.StatusPending,
			Attempts: next.Step(step.ID).Attempts, Error: result.Error}, nil

	default:
		if result.Error != nil && result.Error.Kind == protocol.KindInvariantViolated {
			return nil, o.invariantFault(result.Error)
		}
		next, ok, err := o.markCurrent(step.ID, plan.StatusFailed, plan.MarkOptions{Error: result.Error})
		if err != nil {
			return nil, err
		}
		if !ok {
			return superseded, nil
		}
		o.emitStepStatus(step.ID, plan.StatusFailed)

		failed := next.Step(step.ID)
		if failed.Attempts < plan.MaxAttempts {
			o.recordHotIssue(step.ID, result.Error)
			requeued, err := next.Mark(step.ID, plan.StatusPending, plan.MarkOptions{})
			if err != nil {
				return nil, o.invariantFault(err)
			}
			if err := o.writePlan(requeued); err != nil {
				return nil, err
			}
			o.emitStepStatus(step.ID, plan.StatusPending)
			return &StepReport{StepID: step.ID, Status: plan.StatusPending,
				Attempts: failed.Attempts, Error: result.Error}, nil
		}
		return &StepReport{StepID: step.ID, Status: plan.StatusFailed,
			Attempts: failed.Attempts, Error: result.Error}, nil
	}
}

// recordHotIssue keeps the failure visible to the next attempt's briefing.
func (o *Orchestrator) recordHotIssue(stepID string, perr *protocol.Error) {
	if perr == nil {
		return
	}
	_, err := o.deps.Memory.RecordRule(o.taskID, memory.Rule{
		Kind:         memory.RuleHotIssue,
		Text:         fmt.Sprintf("previous attempt failed: %s", perr.Detail),
		OriginStepID: stepID,
	})
	if err != nil {
		o.logger.Warn("failed to record hot issue", "step_id", stepID, "error", err)
	}
}

// latestMessageRef points at the newest message in the log, which after a
// completed turn is the worker's final assistant message.
func (o *Orchestrator) latestMessageRef() string {
	snap, err := o.deps.Store.Snapshot(o.taskID)
	if err != nil {
		return ""
	}
	return "message:" + strconv.FormatInt(snap.State.LastMessageSeq, 10)
}

func (o *Orchestrator) writePlan(pl *plan.Plan) error {
	version, err := o.deps.Store.WritePlan(o.taskID, pl)
	if err != nil {
		if perr := protocol.AsError(err); perr.Kind == protocol.KindInvariantViolated {
			return o.invariantFault(err)
		}
		return o.storageFault(err)
	}
	ev := event.New(o.taskID, event.KindPlanUpdated)
	ev.PlanVersion = version
	o.emit(ev)
	return nil
}

func (o *Orchestrator) appendMessage(msg *protocol.Message) (int64, error) {
	seq, err := o.deps.Store.AppendMessage(o.taskID, msg)
	if err != nil {
		return 0, o.storageFault(err)
	}
	ev := event.New(o.taskID, event.KindMessageComplete)
	ev.MessageSeq = seq
	ev.Role = msg.Role
	o.emit(ev)
	return seq, nil
}

func (o *Orchestrator) setStatus(status taskspace.Status, reason string) error {
	snap, err := o.deps.Store.Snapshot(o.taskID)
	if err != nil {
		return o.storageFault(err)
	}
	if snap.State.Status == status || snap.State.Status.IsTerminal() {
		return nil
	}
	if err := o.deps.Store.SetStatus(o.taskID, status); err != nil {
		return o.storageFault(err)
	}
	ev := event.New(o.taskID, event.KindTaskUpdate)
	ev.TaskStatus = string(status)
	ev.Reason = reason
	o.emit(ev)
	return nil
}

func (o *Orchestrator) emitStepStatus(stepID string, status plan.StepStatus) {
	ev := event.New(o.taskID, event.KindStepStatusChanged)
	ev.StepID = stepID
	ev.StepStatus = string(status)
	o.emit(ev)
}

func (o *Orchestrator) emitError(perr *protocol.Error) {
	ev := event.New(o.taskID, event.KindError)
	ev.Error = perr
	o.emit(ev)
}

func (o *Orchestrator) emit(ev event.Event) {
	if _, err := o.deps.Emitter.Emit(ev); err != nil {
		o.logger.Error("failed to emit event", "kind", ev.Kind, "error", err)
	}
}

// failTask is the terminal path for non-recoverable faults.
func (o *Orchestrator) failTask(perr *protocol.Error) {
	o.emitError(perr)
	if err := o.setStatus(taskspace.StatusFailed, perr.Detail); err != nil {
		o.logger.Error("failed to mark task failed", "error", err)
	}
}

// invariantFault aborts the task and returns the error for the caller.
func (o *Orchestrator) invariantFault(err error) error {
	perr := protocol.AsError(err)
	o.failTask(perr)
	return perr
}

// storageFault pauses the task so no progress is lost while the store is
// unavailable.
func (o *Orchestrator) storageFault(err error) error {
	perr := protocol.AsError(err)
	if perr.Kind != protocol.KindStorage {
		perr = protocol.NewError(protocol.KindStorage, "%v", err)
	}
	if serr := o.deps.Store.SetStatus(o.taskID, taskspace.StatusPaused); serr != nil {
		o.logger.Error("failed to pause task after storage fault", "error", serr)
	}
	return perr
}
