package domain

import "time"

// RuleKind distinguishes scoring rules from risk factors.
type RuleKind string

const (
	// KindRule adds Points and Reason to the verdict when its expression holds.
	KindRule RuleKind = "rule"

	// KindFactor contributes one to risk_factors when its expression holds.
	// Factors carry no points of their own.
	KindFactor RuleKind = "factor"
)

// RuleConfig is one row of the rule table.
type RuleConfig struct {
	ID   string   `json:"id"`
	Kind RuleKind `json:"kind"`

	// Rules sharing a Group form an else-if chain: only the first match
	// (lowest Position) fires. An empty Group means the rule stands alone.
	Group string `json:"group,omitempty"`

	Name string `json:"name"`

	// CEL expression; must evaluate to bool
	Expression string `json:"expression"`

	Points   int    `json:"points"`
	Reason   string `json:"reason,omitempty"`
	Position int    `json:"position"`
	Enabled  bool   `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RuleHit records a rule that fired during scoring.
type RuleHit struct {
	RuleID string `json:"ruleId"`
	Points int    `json:"points"`
	Reason string `json:"reason"`
}
