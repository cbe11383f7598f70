package orchestrator

import (
	"context"
	"strconv"
	"strings"

	"github.com/gomaestro/maestro/pkg/config"
	"github.com/gomaestro/maestro/pkg/plan"
	"github.com/gomaestro/maestro/pkg/protocol"
	"github.com/gomaestro/maestro/pkg/worker"
)

// conversationTailLen bounds the message history carried into a briefing.
const conversationTailLen = 20

// assembleBriefing gathers everything the worker needs for one step: the
// role prompt, the plan outline, memory context, completed dependency
// results, the visible tools and the recent conversation.
func (o *Orchestrator) assembleBriefing(ctx context.Context, pl *plan.Plan, step *plan.Step, agent *config.AgentConfig) (worker.Briefing, error) {
	if len(agent.Tools) > 0 {
		o.deps.Registry.Restrict(o.taskID, agent.Tools)
	} else {
		o.deps.Registry.Release(o.taskID)
	}

	blocks := []string{"Plan outline:\n" + pl.Summary()}

	memBlocks, err := o.memoryBlocks(ctx, step.Goal)
	if err != nil {
		o.logger.Warn("failed to load memory context", "step_id", step.ID, "error", err)
	}
	blocks = append(blocks, memBlocks...)

	if dep := o.dependencyResults(pl, step); dep != "" {
		blocks = append(blocks, dep)
	}

	tail, err := o.conversationTail()
	if err != nil {
		return worker.Briefing{}, o.storageFault(err)
	}

	return worker.Briefing{
		TaskID:           o.taskID,
		StepID:           step.ID,
		Role:             agent.Role,
		RolePrompt:       agent.Prompt,
		StepGoal:         step.Goal,
		ContextBlocks:    blocks,
		Tools:            o.deps.Registry.ListVisible(o.taskID),
		ConversationTail: tail,
	}, nil
}

// memoryBlocks returns the memory context trimmed to the configured token
// budget, or nothing when memory is empty.
func (o *Orchestrator) memoryBlocks(ctx context.Context, query string) ([]string, error) {
	if o.deps.Memory == nil {
		return nil, nil
	}
	out, err := o.deps.Memory.ContextFor(ctx, o.taskID, query, o.deps.Config.Memory.TokenBudget)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return []string{"Task memory:\n" + out}, nil
}

// dependencyResults summarizes the outputs of the step's completed
// dependencies so the worker does not have to dig through the transcript.
func (o *Orchestrator) dependencyResults(pl *plan.Plan, step *plan.Step) string {
	var sb strings.Builder
	for _, depID := range step.Dependencies {
		dep := pl.Step(depID)
		if dep == nil || dep.Status != plan.StatusCompleted {
			continue
		}
		text := o.resolveResultRef(dep.ResultRef)
		if text == "" {
			continue
		}
		sb.WriteString("Result of step \"" + dep.Name + "\":\n")
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return ""
	}
	return "Upstream results:\n" + out
}

// resolveResultRef dereferences a "message:<seq>" result reference to the
// message's text.
func (o *Orchestrator) resolveResultRef(ref string) string {
	seqStr, ok := strings.CutPrefix(ref, "message:")
	if !ok {
		return ""
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil || seq <= 0 {
		return ""
	}
	msgs, err := o.deps.Store.Messages(o.taskID, seq-1)
	if err != nil || len(msgs) == 0 {
		return ""
	}
	return msgs[0].Text()
}

// conversationTail returns the most recent messages, oldest first.
func (o *Orchestrator) conversationTail() ([]protocol.Message, error) {
	msgs, err := o.deps.Store.Messages(o.taskID, 0)
	if err != nil {
		return nil, err
	}
	if len(msgs) > conversationTailLen {
		msgs = msgs[len(msgs)-conversationTailLen:]
	}
	return msgs, nil
}
