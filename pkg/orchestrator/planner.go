package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gomaestro/maestro/pkg/plan"
	"github.com/gomaestro/maestro/pkg/protocol"
	"github.com/gomaestro/maestro/pkg/worker"
)

const plannerPromptTemplate = `You are the planning lead of a team of
specialist agents. Break the user's goal into a dependency-ordered plan.

Available roles:
%s

Answer with a single JSON object:
{
  "goal_summary": "<one sentence>",
  "steps": [
    {"id": "s1", "name": "<short name>", "goal": "<what to do>",
     "role": "<one of the roles above>", "dependencies": []}
  ]
}

Rules: step ids must be unique; dependencies reference earlier step ids;
keep the plan as small as the goal allows. Output only the JSON object.`

const reviserPromptAddendum = `

You are revising an existing plan. The current plan is provided as JSON.
For every step you keep, include a "verdict" field: "preserve" when its
completed output is still valid, "regenerate" when it must be redone.
Steps you omit are dropped. New steps need no verdict.`

// generatePlan asks the planner for a fresh plan and installs it.
func (o *Orchestrator) generatePlan(ctx context.Context, goal string) error {
	proposal, err := o.propose(ctx, goal, nil)
	if err != nil {
		return err
	}
	pl, err := plan.NewFromProposal(proposal)
	if err != nil {
		return err
	}
	return o.writePlan(pl)
}

// revisePlan asks the planner for a revision and reconciles it with the
// current plan, preserving completed work the planner judged valid.
func (o *Orchestrator) revisePlan(ctx context.Context, instruction string) error {
	snap, err := o.deps.Store.Snapshot(o.taskID)
	if err != nil {
		return o.storageFault(err)
	}
	if snap.Plan == nil {
		return o.generatePlan(ctx, instruction)
	}
	proposal, err := o.propose(ctx, instruction, snap.Plan)
	if err != nil {
		return err
	}
	// The planner turn takes a while; a worker turn may have concluded a
	// step meanwhile. Reconcile against the plan as persisted now, not the
	// pre-turn snapshot.
	current := snap.Plan
	if fresh, err := o.deps.Store.Snapshot(o.taskID); err == nil && fresh.Plan != nil {
		current = fresh.Plan
	}
	next, err := plan.ApplyProposal(current, proposal)
	if err != nil {
		return err
	}
	return o.writePlan(next)
}

// propose runs one planner turn and parses its structured output. A parse
// or validation failure is fed back to the planner once before giving up.
func (o *Orchestrator) propose(ctx context.Context, goal string, current *plan.Plan) (*plan.Proposal, error) {
	lead := o.deps.Config.Team.Agent(o.deps.Config.Team.Lead)
	provider, err := o.deps.Providers.Get(lead.Model)
	if err != nil {
		return nil, protocol.NewError(protocol.KindRuntime, "planner has no provider: %v", err)
	}

	prompt := fmt.Sprintf(plannerPromptTemplate, o.roleCatalog())
	var blocks []string
	if current != nil {
		prompt += reviserPromptAddendum
		doc, err := json.MarshalIndent(current, "", "  ")
		if err != nil {
			return nil, protocol.NewError(protocol.KindRuntime, "failed to encode current plan: %v", err)
		}
		blocks = append(blocks, "Current plan JSON:\n"+string(doc))
	}

	w := worker.New(provider, o.deps.Executor, o.deps.Store, o.deps.Emitter,
		worker.WithLogger(o.logger), worker.WithTracer(o.deps.Tracer))

	stepGoal := goal
	for attempt := 0; attempt < 2; attempt++ {
		result, err := w.Run(ctx, worker.Briefing{
			TaskID:        o.taskID,
			StepID:        "planning",
			Role:          lead.Role,
			RolePrompt:    prompt,
			StepGoal:      stepGoal,
			ContextBlocks: blocks,
			ForceJSON:     true,
		})
		if err != nil {
			return nil, err
		}
		if result.Status != worker.StatusCompleted {
			if result.Error != nil {
				return nil, result.Error
			}
			return nil, protocol.NewError(protocol.KindRuntime, "planner turn did not complete")
		}

		proposal, perr := parseAndCheck(result.FinalText, current)
		if perr == nil {
			return proposal, nil
		}
		if !perr.Kind.Recoverable() {
			return nil, perr
		}
		stepGoal = goal + "\n\nYour previous plan was rejected: " + perr.Detail +
			"\nProduce a corrected plan."
	}
	return nil, protocol.NewError(protocol.KindRuntime, "planner failed to produce a valid plan")
}

// parseAndCheck parses the planner output and dry-runs installation so a
// structurally invalid plan is rejected before it is written.
func parseAndCheck(raw string, current *plan.Plan) (*plan.Proposal, *protocol.Error) {
	proposal, err := plan.ParseProposal(raw)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	if current == nil {
		if _, err := plan.NewFromProposal(proposal); err != nil {
			return nil, protocol.AsError(err)
		}
	} else {
		if _, err := plan.ApplyProposal(current, proposal); err != nil {
			return nil, protocol.AsError(err)
		}
	}
	return proposal, nil
}

func (o *Orchestrator) roleCatalog() string {
	team := o.deps.Config.Team
	roles := make([]string, 0, len(team.Agents))
	for role := range team.Agents {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	var sb strings.Builder
	for _, role := range roles {
		agent := team.Agents[role]
		line := "- " + role
		if agent.Prompt != "" {
			summary := agent.Prompt
			if idx := strings.IndexByte(summary, '\n'); idx > 0 {
				summary = summary[:idx]
			}
			line += ": " + summary
		}
		sb.WriteString(line + "\n")
	}
	return sb.String()
}

// answerDirect handles informational messages with a plain conversational
// turn: no tools, no plan changes.
func (o *Orchestrator) answerDirect(ctx context.Context, text string) {
	lead := o.deps.Config.Team.Agent(o.deps.Config.Team.Lead)
	provider, err := o.deps.Providers.Get(lead.Model)
	if err != nil {
		o.emitError(protocol.NewError(protocol.KindRuntime, "no provider for model %q: %v", lead.Model, err))
		return
	}

	tail, err := o.conversationTail()
	if err != nil {
		o.logger.Warn("failed to load conversation tail", "error", err)
	}
	blocks, err := o.memoryBlocks(ctx, text)
	if err != nil {
		o.logger.Warn("failed to load memory context", "error", err)
	}

	w := worker.New(provider, o.deps.Executor, o.deps.Store, o.deps.Emitter,
		worker.WithLogger(o.logger), worker.WithTracer(o.deps.Tracer))
	result, err := w.Run(ctx, worker.Briefing{
		TaskID:           o.taskID,
		StepID:           "chat",
		Role:             lead.Role,
		RolePrompt:       lead.Prompt + "\nAnswer the user's question from the conversation and task context.",
		StepGoal:         text,
		ContextBlocks:    blocks,
		ConversationTail: tail,
	})
	if err != nil {
		o.logger.Error("informational answer failed", "error", err)
		return
	}
	if result.Status != worker.StatusCompleted && result.Error != nil {
		o.emitError(result.Error)
	}
}
