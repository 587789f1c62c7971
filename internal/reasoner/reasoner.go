// Package reasoner wraps the opaque LLM collaborator behind a typed,
// retrying client. Workers never see provider-specific JSON shapes; the
// normalizer maps every reply onto the canonical records.
package reasoner

import (
	"context"

	"github.com/artemis/modernizer/internal/migration"
)

// TaskKind selects the system prompt, output schema, and normalizer for
// one reasoner call.
type TaskKind string

const (
	TaskPlan          TaskKind = "plan"
	TaskDiagnose      TaskKind = "diagnose"
	TaskDeployMessage TaskKind = "deploy_message"
)

// Usage reports token consumption and money cost for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Input carries the structured request for any task kind. Only the fields
// relevant to the task are consulted.
type Input struct {
	// TaskPlan
	Manifest    string
	ProjectType migration.ProjectType

	// TaskDiagnose
	Errors []string
	Logs   map[string]string
	Plan   *migration.Plan

	// TaskDeployMessage
	Outcome *migration.ValidationOutcome
}

// Result is the normalized reply. Exactly one of Plan, Diagnosis, or
// Message is populated, matching the task kind.
type Result struct {
	Plan      *migration.Plan
	Diagnosis *migration.ErrorDiagnosis
	Message   string
	Usage     Usage
}

// Reasoner is the contract workers consume. The production implementation
// is Client; tests inject fakes.
type Reasoner interface {
	Reason(ctx context.Context, task TaskKind, input Input) (*Result, error)
}
