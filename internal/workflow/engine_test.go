package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/artemis/modernizer/internal/events"
	"github.com/artemis/modernizer/internal/migration"
	"github.com/artemis/modernizer/internal/observability"
	"github.com/artemis/modernizer/internal/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// workerFunc adapts a function to the Worker interface for scripting.
type workerFunc func(ctx context.Context, st *migration.State) error

func (f workerFunc) Run(ctx context.Context, st *migration.State) error {
	return f(ctx, st)
}

func passingOutcome() *migration.ValidationOutcome {
	return &migration.ValidationOutcome{
		InstallOK: true, StartOK: true, HealthOK: true,
		TestsFound: true, TestsOK: true, VersionsMatch: true,
	}
}

func failingOutcome() *migration.ValidationOutcome {
	return &migration.ValidationOutcome{
		InstallOK: true, StartOK: false,
		Errors: []string{"start: application exited during startup"},
	}
}

// engineHarness wires an engine over a real store and bus with scripted
// workers.
type engineHarness struct {
	store  *Store
	bus    *events.Bus
	engine *Engine

	plannerCalls   int
	validatorCalls int
	analyzerCalls  int
	deployerCalls  int
}

func newHarness(t *testing.T, set Set) *engineHarness {
	t.Helper()
	logger, err := observability.NewLogger("error")
	require.NoError(t, err)

	store := newTestStore(t)
	bus := events.NewBus(store, store.TerminalEvent, logger)

	h := &engineHarness{store: store, bus: bus}

	counted := Set{
		Planner: workerFunc(func(ctx context.Context, st *migration.State) error {
			h.plannerCalls++
			return set.Planner.Run(ctx, st)
		}),
		Validator: workerFunc(func(ctx context.Context, st *migration.State) error {
			h.validatorCalls++
			return set.Validator.Run(ctx, st)
		}),
		Analyzer: workerFunc(func(ctx context.Context, st *migration.State) error {
			h.analyzerCalls++
			return set.Analyzer.Run(ctx, st)
		}),
		Deployer: workerFunc(func(ctx context.Context, st *migration.State) error {
			h.deployerCalls++
			return set.Deployer.Run(ctx, st)
		}),
	}

	h.engine = NewEngine(store, bus, counted, logger, nil)
	return h
}

func noopWorker() workerFunc {
	return func(ctx context.Context, st *migration.State) error { return nil }
}

func planningWorker() workerFunc {
	return func(ctx context.Context, st *migration.State) error {
		st.Plan = &migration.Plan{
			Dependencies: map[string]migration.DependencyChange{
				"express": {CurrentVersion: "4.17.1", TargetVersion: "4.19.2", Action: migration.ActionUpgrade},
			},
		}
		return nil
	}
}

func deployingWorker() workerFunc {
	return func(ctx context.Context, st *migration.State) error {
		st.Deployment = &migration.DeploymentRecord{
			BranchName: "upgrade/dependencies-20260824",
			PRURL:      "https://github.com/acme/demo/pull/1",
		}
		return nil
	}
}

// collectEvents subscribes before the run so the full stream is observed.
func collectEvents(t *testing.T, h *engineHarness, id string) *events.Subscription {
	t.Helper()
	h.bus.Register(id)
	sub, err := h.bus.Subscribe(id)
	require.NoError(t, err)
	return sub
}

func drainKinds(sub *events.Subscription) []migration.EventKind {
	var kinds []migration.EventKind
	for ev := range sub.C {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func TestEngineHappyPath(t *testing.T) {
	h := newHarness(t, Set{
		Planner: planningWorker(),
		Validator: workerFunc(func(ctx context.Context, st *migration.State) error {
			st.Outcome = passingOutcome()
			return nil
		}),
		Analyzer: noopWorker(),
		Deployer: deployingWorker(),
	})

	st := &migration.State{ID: "m1", ProjectType: migration.ProjectNode, RetriesMax: 3}
	sub := collectEvents(t, h, "m1")

	final := h.engine.Run(context.Background(), st)

	assert.Equal(t, migration.PhaseTerminalSuccess, final.Phase)
	assert.NotNil(t, final.FinishedAt)
	assert.Equal(t, 1, h.plannerCalls)
	assert.Equal(t, 1, h.validatorCalls)
	assert.Zero(t, h.analyzerCalls)
	assert.Equal(t, 1, h.deployerCalls)

	kinds := drainKinds(sub)
	assert.Equal(t, migration.EventWorkflowStart, kinds[0])
	assert.Equal(t, migration.EventTerminalSuccess, kinds[len(kinds)-1])

	// The terminal state is on disk.
	persisted, err := h.store.LoadState("m1")
	require.NoError(t, err)
	assert.Equal(t, migration.PhaseTerminalSuccess, persisted.Phase)
	require.NotNil(t, persisted.Deployment)
	assert.Equal(t, "https://github.com/acme/demo/pull/1", persisted.Deployment.PRURL)

	// The persisted event log resolves the terminal event for late
	// subscribers.
	terminal, found := h.store.TerminalEvent("m1")
	require.True(t, found)
	assert.Equal(t, migration.EventTerminalSuccess, terminal.Kind)
}

func TestEngineRetryLoopRecovers(t *testing.T) {
	attempts := 0
	h := newHarness(t, Set{
		Planner: planningWorker(),
		Validator: workerFunc(func(ctx context.Context, st *migration.State) error {
			attempts++
			if attempts == 1 {
				st.Outcome = failingOutcome()
			} else {
				st.Outcome = passingOutcome()
			}
			return nil
		}),
		Analyzer: workerFunc(func(ctx context.Context, st *migration.State) error {
			st.Plan.Apply(migration.PlanPatch{Op: migration.PatchKeepDep, Dependency: "express"})
			return nil
		}),
		Deployer: deployingWorker(),
	})

	st := &migration.State{ID: "m1", ProjectType: migration.ProjectNode, RetriesMax: 3}
	sub := collectEvents(t, h, "m1")

	final := h.engine.Run(context.Background(), st)

	assert.Equal(t, migration.PhaseTerminalSuccess, final.Phase)
	assert.Equal(t, 1, final.RetriesUsed)
	assert.Equal(t, 2, h.validatorCalls)
	assert.Equal(t, 1, h.analyzerCalls)

	assert.Contains(t, drainKinds(sub), migration.EventRetryScheduled)
}

func TestEngineEscalatesWhenBudgetExhausted(t *testing.T) {
	h := newHarness(t, Set{
		Planner: planningWorker(),
		Validator: workerFunc(func(ctx context.Context, st *migration.State) error {
			st.Outcome = failingOutcome()
			return nil
		}),
		Analyzer: workerFunc(func(ctx context.Context, st *migration.State) error {
			st.Plan.Apply(migration.PlanPatch{Op: migration.PatchKeepDep, Dependency: "express"})
			return nil
		}),
		Deployer: deployingWorker(),
	})

	st := &migration.State{ID: "m1", ProjectType: migration.ProjectNode, RetriesMax: 1}
	final := h.engine.Run(context.Background(), st)

	assert.Equal(t, migration.PhaseTerminalEscalated, final.Phase)
	assert.Equal(t, 1, final.RetriesUsed)
	assert.Equal(t, 2, h.validatorCalls)
	assert.Equal(t, 1, h.analyzerCalls)
	assert.Zero(t, h.deployerCalls)
	assert.Contains(t, final.Errors[len(final.Errors)-1], "retry budget exhausted")
}

func TestEngineZeroRetriesEscalatesImmediately(t *testing.T) {
	h := newHarness(t, Set{
		Planner: planningWorker(),
		Validator: workerFunc(func(ctx context.Context, st *migration.State) error {
			st.Outcome = failingOutcome()
			return nil
		}),
		Analyzer: noopWorker(),
		Deployer: deployingWorker(),
	})

	st := &migration.State{ID: "m1", ProjectType: migration.ProjectNode, RetriesMax: 0}
	final := h.engine.Run(context.Background(), st)

	assert.Equal(t, migration.PhaseTerminalEscalated, final.Phase)
	assert.Zero(t, h.analyzerCalls, "a zero budget never enters analysis")
	assert.Equal(t, 1, h.validatorCalls)
}

func TestEngineEscalatesWhenNoPatchApplies(t *testing.T) {
	h := newHarness(t, Set{
		Planner: planningWorker(),
		Validator: workerFunc(func(ctx context.Context, st *migration.State) error {
			st.Outcome = failingOutcome()
			return nil
		}),
		Analyzer: workerFunc(func(ctx context.Context, st *migration.State) error {
			return workers.ErrNoApplicablePatch
		}),
		Deployer: deployingWorker(),
	})

	st := &migration.State{ID: "m1", ProjectType: migration.ProjectNode, RetriesMax: 3}
	final := h.engine.Run(context.Background(), st)

	assert.Equal(t, migration.PhaseTerminalEscalated, final.Phase)
	assert.Zero(t, final.RetriesUsed, "an unapplied patch consumes no retry")
	assert.Equal(t, 1, h.validatorCalls)
}

func TestEnginePlannerFailureIsTerminal(t *testing.T) {
	h := newHarness(t, Set{
		Planner: workerFunc(func(ctx context.Context, st *migration.State) error {
			st.AddError("planner: read manifest: no such file")
			return errors.New("read manifest: no such file")
		}),
		Validator: noopWorker(),
		Analyzer:  noopWorker(),
		Deployer:  deployingWorker(),
	})

	st := &migration.State{ID: "m1", ProjectType: migration.ProjectNode, RetriesMax: 3}
	final := h.engine.Run(context.Background(), st)

	assert.Equal(t, migration.PhaseTerminalFailure, final.Phase)
	assert.Zero(t, h.validatorCalls)
	assert.Contains(t, final.Errors[0], "planner:")
}

func TestEngineDeployerFailureIsTerminal(t *testing.T) {
	h := newHarness(t, Set{
		Planner: planningWorker(),
		Validator: workerFunc(func(ctx context.Context, st *migration.State) error {
			st.Outcome = passingOutcome()
			return nil
		}),
		Analyzer: noopWorker(),
		Deployer: workerFunc(func(ctx context.Context, st *migration.State) error {
			return errors.New("push failed")
		}),
	})

	st := &migration.State{ID: "m1", ProjectType: migration.ProjectNode, RetriesMax: 3}
	final := h.engine.Run(context.Background(), st)

	assert.Equal(t, migration.PhaseTerminalFailure, final.Phase)
	assert.Nil(t, final.Deployment)
}

func TestEngineCancellation(t *testing.T) {
	h := newHarness(t, Set{
		Planner:   planningWorker(),
		Validator: noopWorker(),
		Analyzer:  noopWorker(),
		Deployer:  deployingWorker(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := &migration.State{ID: "m1", ProjectType: migration.ProjectNode, RetriesMax: 3}
	final := h.engine.Run(ctx, st)

	assert.Equal(t, migration.PhaseTerminalFailure, final.Phase)
	assert.Contains(t, final.Errors, "CANCELED")
}

func TestEngineResumesFromCheckpointPhase(t *testing.T) {
	h := newHarness(t, Set{
		Planner: planningWorker(),
		Validator: workerFunc(func(ctx context.Context, st *migration.State) error {
			st.Outcome = passingOutcome()
			return nil
		}),
		Analyzer: noopWorker(),
		Deployer: deployingWorker(),
	})

	// A state checkpointed mid-flight: planning already happened.
	st := &migration.State{
		ID:          "m1",
		ProjectType: migration.ProjectNode,
		RetriesMax:  3,
		Phase:       migration.PhaseValidating,
		Plan: &migration.Plan{
			Dependencies: map[string]migration.DependencyChange{
				"express": {CurrentVersion: "4.17.1", TargetVersion: "4.19.2", Action: migration.ActionUpgrade},
			},
		},
	}

	final := h.engine.Run(context.Background(), st)

	assert.Equal(t, migration.PhaseTerminalSuccess, final.Phase)
	assert.Zero(t, h.plannerCalls, "resume never replans a checkpointed phase")
	assert.Equal(t, 1, h.validatorCalls)
	assert.Equal(t, 1, h.deployerCalls)
}

func TestEngineWorkerPhaseWritesAreDiscarded(t *testing.T) {
	h := newHarness(t, Set{
		Planner: workerFunc(func(ctx context.Context, st *migration.State) error {
			st.Plan = &migration.Plan{Dependencies: map[string]migration.DependencyChange{}}
			st.Phase = migration.PhaseTerminalSuccess // workers may not steer the workflow
			return nil
		}),
		Validator: workerFunc(func(ctx context.Context, st *migration.State) error {
			st.Outcome = passingOutcome()
			return nil
		}),
		Analyzer: noopWorker(),
		Deployer: deployingWorker(),
	})

	st := &migration.State{ID: "m1", ProjectType: migration.ProjectNode, RetriesMax: 3}
	final := h.engine.Run(context.Background(), st)

	// The workflow still went through validation and deployment.
	assert.Equal(t, 1, h.validatorCalls)
	assert.Equal(t, 1, h.deployerCalls)
	assert.Equal(t, migration.PhaseTerminalSuccess, final.Phase)
}
