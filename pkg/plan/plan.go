// Package plan provides the plan data model and the algorithms that create,
// advance and revise it.
//
// A plan is a dependency DAG of steps stored as an ordered slice; steps
// reference their dependencies by id, never by pointer. All operations are
// value-oriented: Mark and ApplyProposal return a new plan and leave the
// input untouched, so the orchestrator can persist atomically and roll back
// on validation failure.
package plan

import (
	"fmt"
	"sort"

	"github.com/gomaestro/maestro/pkg/protocol"
)

// MaxAttempts is the default number of executions a step may consume before
// it is terminally failed.
const MaxAttempts = 3

// StepStatus is the state of a single step.
type StepStatus string

const (
	StatusPending    StepStatus = "pending"
	StatusInProgress StepStatus = "in_progress"
	StatusCompleted  StepStatus = "completed"
	StatusFailed     StepStatus = "failed"
	StatusSkipped    StepStatus = "skipped"
)

// Step is a unit of work executed by a specialist worker.
type Step struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Goal         string          `json:"goal"`
	AssignedRole string          `json:"assigned_role"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Status       StepStatus      `json:"status"`
	Attempts     int             `json:"attempts"`
	ResultRef    string          `json:"result_ref,omitempty"`
	Error        *protocol.Error `json:"error,omitempty"`
}

// Plan is an ordered collection of steps forming a DAG.
type Plan struct {
	Version     int     `json:"version"`
	GoalSummary string  `json:"goal_summary"`
	Steps       []*Step `json:"steps"`
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	out := &Plan{Version: p.Version, GoalSummary: p.GoalSummary}
	out.Steps = make([]*Step, len(p.Steps))
	for i, s := range p.Steps {
		c := *s
		c.Dependencies = append([]string(nil), s.Dependencies...)
		if s.Error != nil {
			e := *s.Error
			c.Error = &e
		}
		out.Steps[i] = &c
	}
	return out
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Validate enforces the structural invariants:
// unique step ids, dependencies referring to existing steps, no cycles,
// and at most one step in progress.
func (p *Plan) Validate() error {
	seen := make(map[string]*Step, len(p.Steps))
	inProgress := 0
	for _, s := range p.Steps {
		if s.ID == "" {
			return protocol.NewError(protocol.KindInvariantViolated, "step with empty id")
		}
		if _, dup := seen[s.ID]; dup {
			return protocol.NewError(protocol.KindInvariantViolated, "duplicate step id %q", s.ID)
		}
		seen[s.ID] = s
		if s.Status == StatusInProgress {
			inProgress++
		}
	}
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			if _, ok := seen[dep]; !ok {
				return protocol.NewError(protocol.KindInvariantViolated,
					"step %q depends on unknown step %q", s.ID, dep)
			}
			if dep == s.ID {
				return protocol.NewError(protocol.KindInvariantViolated,
					"step %q depends on itself", s.ID)
			}
		}
	}
	if err := p.checkAcyclic(seen); err != nil {
		return err
	}
	if inProgress > 1 {
		return protocol.NewError(protocol.KindInvariantViolated,
			"%d steps in progress, at most one allowed", inProgress)
	}
	return nil
}

func (p *Plan) checkAcyclic(steps map[string]*Step) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return protocol.NewError(protocol.KindInvariantViolated, "dependency cycle through step %q", id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range steps[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	// Deterministic traversal order keeps error messages stable.
	ids := make([]string, 0, len(steps))
	for id := range steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// depsSatisfied reports whether every dependency of s is completed.
// Skipped dependencies count as satisfied: a step skipped during revision
// must not block work that survived the revision.
func (p *Plan) depsSatisfied(s *Step) bool {
	for _, dep := range s.Dependencies {
		d := p.Step(dep)
		if d == nil {
			return false
		}
		if d.Status != StatusCompleted && d.Status != StatusSkipped {
			return false
		}
	}
	return true
}

// State summarizes where the plan is in its lifecycle.
type State string

const (
	// StateReady means NextReady will return a step.
	StateReady State = "ready"

	// StateBusy means a step is in progress and nothing else is ready.
	StateBusy State = "busy"

	// StateBlocked means no step is ready or in progress, but a failed
	// step still has attempts left.
	StateBlocked State = "blocked"

	// StateCompleted means every step is completed or skipped.
	StateCompleted State = "completed"

	// StateFailed means no progress is possible and at least one step is
	// terminally failed.
	StateFailed State = "failed"
)

// NextReady returns the first step (in plan order) whose status is pending
// and whose dependencies are all satisfied, together with the plan state.
// The step id is empty unless the state is StateReady.
func (p *Plan) NextReady() (string, State) {
	busy := false
	retryable := false
	terminalFailed := false
	allDone := true

	for _, s := range p.Steps {
		switch s.Status {
		case StatusPending:
			allDone = false
			if p.depsSatisfied(s) {
				return s.ID, StateReady
			}
		case StatusInProgress:
			allDone = false
			busy = true
		case StatusFailed:
			allDone = false
			if s.Attempts < MaxAttempts {
				retryable = true
			} else {
				terminalFailed = true
			}
		}
	}

	switch {
	case busy:
		return "", StateBusy
	case allDone:
		return "", StateCompleted
	case terminalFailed:
		return "", StateFailed
	case retryable:
		return "", StateBlocked
	default:
		// Pending steps remain but none can ever become ready.
		return "", StateFailed
	}
}

// MarkOptions carries the optional fields of a status transition.
type MarkOptions struct {
	// ResultRef points to the message or artifact holding the step output.
	ResultRef string

	// Error records why the step failed.
	Error *protocol.Error

	// ConsumeAttempt keeps the attempt counter when an in_progress step
	// goes back to pending; left unset, such a requeue refunds the
	// attempt. Attempts are consumed on the pending -> in_progress
	// transition, so a failed -> pending retry never reads this flag.
	ConsumeAttempt bool
}

// Mark returns a copy of the plan with the step transitioned to newStatus,
// enforcing the step state machine:
//
//	pending     -> in_progress            (deps satisfied, nothing else running)
//	in_progress -> completed | failed | pending
//	failed      -> pending                (retry while attempts < MaxAttempts)
//
// pending -> skipped is reserved for plan revision and rejected here.
func (p *Plan) Mark(stepID string, newStatus StepStatus, opts MarkOptions) (*Plan, error) {
	out := p.Clone()
	s := out.Step(stepID)
	if s == nil {
		return nil, protocol.NewError(protocol.KindInvariantViolated, "unknown step %q", stepID)
	}

	switch {
	case s.Status == StatusPending && newStatus == StatusInProgress:
		if !out.depsSatisfied(s) {
			return nil, protocol.NewError(protocol.KindInvariantViolated,
				"step %q has unfinished dependencies", stepID)
		}
		for _, other := range out.Steps {
			if other.Status == StatusInProgress {
				return nil, protocol.NewError(protocol.KindInvariantViolated,
					"step %q already in progress", other.ID)
			}
		}
		s.Attempts++
	case s.Status == StatusInProgress && newStatus == StatusCompleted:
		s.ResultRef = opts.ResultRef
		s.Error = nil
	case s.Status == StatusInProgress && newStatus == StatusFailed:
		s.Error = opts.Error
	case s.Status == StatusInProgress && newStatus == StatusPending:
		// Transient requeue (cancellation, storage stall). The attempt
		// is refunded unless the caller says otherwise.
		if !opts.ConsumeAttempt && s.Attempts > 0 {
			s.Attempts--
		}
		s.Error = nil
	case s.Status == StatusFailed && newStatus == StatusPending:
		if s.Attempts >= MaxAttempts {
			return nil, protocol.NewError(protocol.KindLimitExceeded,
				"step %q exhausted %d attempts", stepID, MaxAttempts)
		}
		s.Error = nil
	default:
		return nil, protocol.NewError(protocol.KindInvariantViolated,
			"illegal transition %s -> %s for step %q", s.Status, newStatus, stepID)
	}

	s.Status = newStatus
	return out, nil
}

// Terminal reports whether the plan can make no further progress.
func (p *Plan) Terminal() bool {
	_, st := p.NextReady()
	return st == StateCompleted || st == StateFailed
}

// Summary renders a compact human-readable outline used in worker briefings.
func (p *Plan) Summary() string {
	out := fmt.Sprintf("Plan v%d: %s\n", p.Version, p.GoalSummary)
	for _, s := range p.Steps {
		out += fmt.Sprintf("  [%s] %s (%s", s.Status, s.Name, s.AssignedRole)
		if len(s.Dependencies) > 0 {
			out += fmt.Sprintf(", after %v", s.Dependencies)
		}
		out += ")\n"
	}
	return out
}
