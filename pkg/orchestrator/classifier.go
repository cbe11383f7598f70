package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/gomaestro/maestro/pkg/llms"
	"github.com/gomaestro/maestro/pkg/plan"
	"github.com/gomaestro/maestro/pkg/protocol"
)

// Intent is the classified purpose of a user message.
type Intent string

const (
	// IntentNewGoal discards the plan and generates a fresh one.
	IntentNewGoal Intent = "new_goal"

	// IntentRevision revises the current plan, preserving valid work.
	IntentRevision Intent = "revision"

	// IntentInformational answers from the transcript; the plan is
	// untouched.
	IntentInformational Intent = "informational"

	// IntentContinue resumes dispatching without plan changes.
	IntentContinue Intent = "continue"
)

const classifierPrompt = `You route user messages for a task orchestrator.
Given the current plan and the user's message, answer with a single JSON
object of the form {"intent": "<tag>"} where <tag> is exactly one of:

- "new_goal": the message asks for something unrelated to the current plan.
- "revision": the message changes, adds or removes parts of the current work.
- "informational": the message asks a question or comments without changing
  the work.
- "continue": the message tells you to proceed, resume or keep going.

Output only the JSON object.`

const classifyTimeout = 30 * time.Second

// classify runs the lightweight intent classifier. Any failure or output
// outside the enumerated tags falls back to informational, which never
// mutates the plan.
func (o *Orchestrator) classify(ctx context.Context, text string, pl *plan.Plan) Intent {
	lead := o.deps.Config.Team.Agent(o.deps.Config.Team.Lead)
	provider, err := o.deps.Providers.Get(lead.Model)
	if err != nil {
		o.logger.Warn("classifier has no provider", "error", err)
		return IntentInformational
	}

	cctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	prompt := "Current plan:\n" + pl.Summary() + "\nUser message:\n" + text
	ch, err := provider.GenerateStreaming(cctx, llms.Request{
		System: classifierPrompt,
		Messages: []protocol.Message{{
			Role:  protocol.RoleUser,
			Parts: []protocol.Part{protocol.TextPart(prompt)},
		}},
		ForceJSON: true,
	})
	if err != nil {
		o.logger.Warn("classifier call failed", "error", err)
		return IntentInformational
	}

	var out strings.Builder
	for chunk := range ch {
		switch chunk.Type {
		case llms.ChunkText:
			out.WriteString(chunk.Text)
		case llms.ChunkError:
			o.logger.Warn("classifier stream failed", "error", chunk.Err)
			return IntentInformational
		}
	}
	return parseIntent(out.String())
}

// parseIntent extracts the intent tag, tolerating prose and slightly broken
// JSON. Unknown tags map to informational.
func parseIntent(raw string) Intent {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return IntentInformational
	}
	payload := raw[start : end+1]

	var doc struct {
		Intent string `json:"intent"`
	}
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		fixed, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			return IntentInformational
		}
		if err := json.Unmarshal([]byte(fixed), &doc); err != nil {
			return IntentInformational
		}
	}
	switch Intent(doc.Intent) {
	case IntentNewGoal, IntentRevision, IntentInformational, IntentContinue:
		return Intent(doc.Intent)
	}
	return IntentInformational
}
