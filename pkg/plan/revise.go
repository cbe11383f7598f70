package plan

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/gomaestro/maestro/pkg/protocol"
)

// Verdict is the planner's judgement on a step that exists in both the
// current and the proposed plan.
type Verdict string

const (
	// VerdictPreserve keeps the step's completed output.
	VerdictPreserve Verdict = "preserve"

	// VerdictRegenerate discards prior work and reruns the step.
	VerdictRegenerate Verdict = "regenerate"
)

// ProposedStep is one step of a planner-produced plan document.
type ProposedStep struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Goal         string   `json:"goal"`
	Role         string   `json:"role"`
	Dependencies []string `json:"dependencies,omitempty"`
	Verdict      Verdict  `json:"verdict,omitempty"`
}

// Proposal is the structured output of the planner worker, either for a
// fresh plan or for a revision of an existing one.
type Proposal struct {
	GoalSummary string         `json:"goal_summary"`
	Steps       []ProposedStep `json:"steps"`
}

// ParseProposal extracts the proposal JSON from raw planner output.
// Models wrap JSON in prose or code fences and occasionally emit slightly
// broken documents, so the payload is located first and repaired with
// jsonrepair before decoding.
func ParseProposal(raw string) (*Proposal, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, protocol.NewError(protocol.KindValidation, "planner output contains no JSON object")
	}

	var p Proposal
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		fixed, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			return nil, protocol.NewError(protocol.KindValidation, "planner output is not valid JSON: %v", err)
		}
		if err := json.Unmarshal([]byte(fixed), &p); err != nil {
			return nil, protocol.NewError(protocol.KindValidation, "planner output is not valid JSON after repair: %v", err)
		}
	}
	if len(p.Steps) == 0 {
		return nil, protocol.NewError(protocol.KindValidation, "planner proposed an empty plan")
	}
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Verdict != "" && s.Verdict != VerdictPreserve && s.Verdict != VerdictRegenerate {
			// Unknown verdicts are treated conservatively.
			s.Verdict = VerdictRegenerate
		}
	}
	return &p, nil
}

// extractJSON returns the outermost {...} block of s, tolerating code
// fences and surrounding prose.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			s = rest[:end]
		} else {
			s = rest
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// NewFromProposal builds a fresh plan from a proposal: every step starts
// pending with zero attempts. The result is validated before being returned.
func NewFromProposal(p *Proposal) (*Plan, error) {
	out := &Plan{GoalSummary: p.GoalSummary}
	for _, ps := range p.Steps {
		out.Steps = append(out.Steps, &Step{
			ID:           ps.ID,
			Name:         ps.Name,
			Goal:         ps.Goal,
			AssignedRole: ps.Role,
			Dependencies: append([]string(nil), ps.Dependencies...),
			Status:       StatusPending,
		})
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyProposal reconciles a planner revision with the current plan,
// preserving completed work wherever the planner judged it still valid:
//
//   - step in both plans, verdict preserve, output still present: status
//     and result_ref copied from the current plan
//   - step in both plans, verdict regenerate: reset to pending, attempts 0
//   - step only in the proposal: new, pending
//   - step only in the current plan: kept, marked skipped, for audit
//
// After assembly, any preserved step whose dependency is no longer
// completed is downgraded to regenerate; downgrades cascade.
func ApplyProposal(current *Plan, p *Proposal) (*Plan, error) {
	byID := make(map[string]*Step, len(current.Steps))
	for _, s := range current.Steps {
		byID[s.ID] = s
	}

	out := &Plan{Version: current.Version, GoalSummary: p.GoalSummary}
	if out.GoalSummary == "" {
		out.GoalSummary = current.GoalSummary
	}

	proposed := make(map[string]bool, len(p.Steps))
	for _, ps := range p.Steps {
		proposed[ps.ID] = true
		next := &Step{
			ID:           ps.ID,
			Name:         ps.Name,
			Goal:         ps.Goal,
			AssignedRole: ps.Role,
			Dependencies: append([]string(nil), ps.Dependencies...),
			Status:       StatusPending,
		}
		if prev, exists := byID[ps.ID]; exists {
			if next.Name == "" {
				next.Name = prev.Name
			}
			if next.Goal == "" {
				next.Goal = prev.Goal
			}
			if next.AssignedRole == "" {
				next.AssignedRole = prev.AssignedRole
			}
			switch {
			case ps.Verdict == VerdictPreserve && prev.Status == StatusCompleted && prev.ResultRef != "":
				next.Status = StatusCompleted
				next.ResultRef = prev.ResultRef
				next.Attempts = prev.Attempts
			case ps.Verdict == VerdictPreserve && prev.Status != StatusInProgress:
				// Nothing completed to preserve; keep the step's
				// position in the lifecycle.
				next.Status = prev.Status
				next.Attempts = prev.Attempts
				next.Error = prev.Error
			default:
				// regenerate, or preserve of a step that was mid-flight
			}
		}
		out.Steps = append(out.Steps, next)
	}

	// Steps dropped by the revision stay in the plan for audit.
	for _, s := range current.Steps {
		if proposed[s.ID] {
			continue
		}
		kept := *s
		kept.Dependencies = nil
		kept.Status = StatusSkipped
		out.Steps = append(out.Steps, &kept)
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}

	downgradeBrokenPreserves(out)

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// downgradeBrokenPreserves resets completed steps whose dependencies are no
// longer completed. Because a downgrade can invalidate steps that depended
// on the downgraded one, the pass repeats until a fixpoint.
func downgradeBrokenPreserves(p *Plan) {
	for changed := true; changed; {
		changed = false
		for _, s := range p.Steps {
			if s.Status != StatusCompleted {
				continue
			}
			for _, dep := range s.Dependencies {
				d := p.Step(dep)
				if d == nil || (d.Status != StatusCompleted && d.Status != StatusSkipped) {
					s.Status = StatusPending
					s.Attempts = 0
					s.ResultRef = ""
					s.Error = nil
					changed = true
					break
				}
			}
		}
	}
}
