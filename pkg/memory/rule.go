// Package memory is the task memory gateway: durable rules that always
// reach the model, plus an optional semantic index over past material
// consulted within a token budget.
package memory

import (
	"time"

	"github.com/gomaestro/maestro/pkg/protocol"
)

// RuleKind discriminates Rule.
type RuleKind string

const (
	// RuleConstraint is a hard requirement the user stated.
	RuleConstraint RuleKind = "constraint"

	// RulePreference is a soft preference.
	RulePreference RuleKind = "preference"

	// RuleHotIssue is a currently unresolved problem, tied to the step
	// that surfaced it and cleared when that step completes.
	RuleHotIssue RuleKind = "hot_issue"
)

// Rule is one durable memory entry. Rules are small and always injected
// into briefings ahead of semantic recall.
type Rule struct {
	ID           string    `json:"id"`
	Kind         RuleKind  `json:"kind"`
	Text         string    `json:"text"`
	OriginStepID string    `json:"origin_step_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks the rule's shape.
func (r *Rule) Validate() error {
	switch r.Kind {
	case RuleConstraint, RulePreference:
		if r.OriginStepID != "" {
			return protocol.NewError(protocol.KindValidation,
				"origin_step_id is only valid for hot_issue rules")
		}
	case RuleHotIssue:
		if r.OriginStepID == "" {
			return protocol.NewError(protocol.KindValidation,
				"hot_issue rules require origin_step_id")
		}
	default:
		return protocol.NewError(protocol.KindValidation,
			"unknown rule kind %q", r.Kind)
	}
	if r.Text == "" {
		return protocol.NewError(protocol.KindValidation, "rule text is empty")
	}
	return nil
}
