// Package workers holds the four stateless units of work the workflow
// engine schedules: planner, validator, analyzer, and deployer. Workers
// mutate the state snapshot they are handed and never touch its phase.
package workers

import (
	"path/filepath"

	"github.com/artemis/modernizer/internal/migration"
	"github.com/artemis/modernizer/internal/reasoner"
	"github.com/artemis/modernizer/internal/repo"
)

// Worker names used as event sources and cost accounting keys.
const (
	NamePlanner   = "planner"
	NameValidator = "validator"
	NameAnalyzer  = "analyzer"
	NameDeployer  = "deployer"
)

// Publisher is the event surface workers emit through. The event bus
// satisfies it.
type Publisher interface {
	Publish(migrationID string, event migration.Event) migration.Event
}

// GatewayFunc selects the repository gateway and reference for a
// migration. Remote sources get the host gateway; local sources get the
// filesystem-backed one.
type GatewayFunc func(st *migration.State) (repo.Gateway, repo.Ref, error)

// LocalRef builds the pseudo-reference used for local-path migrations.
func LocalRef(projectRoot string) repo.Ref {
	return repo.Ref{Owner: "local", Name: filepath.Base(projectRoot)}
}

// recordUsage folds one reasoner call's consumption into the state's cost
// accumulator under the worker's name.
func recordUsage(st *migration.State, worker string, usage reasoner.Usage) {
	st.Cost.Add(worker, migration.TokenUsage{
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      usage.CostUSD,
	})
}
