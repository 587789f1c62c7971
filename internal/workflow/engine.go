package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artemis/modernizer/internal/events"
	"github.com/artemis/modernizer/internal/migration"
	"github.com/artemis/modernizer/internal/observability"
	"github.com/artemis/modernizer/internal/workers"
	"go.uber.org/zap"
)

// Worker is one unit of work scheduled by the engine. Workers mutate the
// snapshot they receive and never write its phase.
type Worker interface {
	Run(ctx context.Context, st *migration.State) error
}

// Set bundles the four workers the engine schedules.
type Set struct {
	Planner   Worker
	Validator Worker
	Analyzer  Worker
	Deployer  Worker
}

// Engine is the per-migration state machine. It is the only component
// that writes MigrationState.phase, and it checkpoints the state before
// every worker invocation.
type Engine struct {
	store   *Store
	bus     *events.Bus
	workers Set
	logger  *observability.Logger

	// onUpdate receives a clone of the state after each checkpoint so the
	// service can refresh its registry without sharing mutable memory.
	onUpdate func(*migration.State)
}

// NewEngine creates a workflow engine.
func NewEngine(store *Store, bus *events.Bus, set Set, logger *observability.Logger, onUpdate func(*migration.State)) *Engine {
	return &Engine{
		store:    store,
		bus:      bus,
		workers:  set,
		logger:   logger,
		onUpdate: onUpdate,
	}
}

// Run drives st from its current phase to a terminal one and returns the
// final state. A fresh state enters planning; a persisted non-terminal
// state resumes by re-invoking the worker for its phase. Cancellation via
// ctx transitions to terminal failure with a CANCELED error.
func (e *Engine) Run(ctx context.Context, st *migration.State) *migration.State {
	e.bus.Register(st.ID)

	if st.Phase == "" {
		st.Phase = migration.PhasePlanning
		st.StartedAt = time.Now().UTC()
		e.checkpoint(st)
		e.bus.Publish(st.ID, migration.NewEvent(st.ID, migration.EventWorkflowStart, "", map[string]any{
			"project_type": st.ProjectType,
			"retries_max":  st.RetriesMax,
		}))
	} else {
		e.logger.Info("resuming migration from checkpoint",
			zap.String("migration_id", st.ID),
			zap.String("phase", string(st.Phase)),
		)
	}

	for !st.Phase.Terminal() {
		if ctx.Err() != nil {
			e.cancel(st)
			break
		}

		e.bus.Publish(st.ID, migration.NewEvent(st.ID, migration.EventPhaseEnter, "", map[string]string{
			"phase": string(st.Phase),
		}))

		switch st.Phase {
		case migration.PhasePlanning:
			e.stepPlanning(ctx, st)
		case migration.PhaseValidating:
			e.stepValidating(ctx, st)
		case migration.PhaseAnalyzing:
			e.stepAnalyzing(ctx, st)
		case migration.PhaseDeploying:
			e.stepDeploying(ctx, st)
		default:
			st.AddError(fmt.Sprintf("engine: unknown phase %q", st.Phase))
			e.transition(st, migration.PhaseTerminalFailure)
		}
	}

	e.finish(st)
	return st
}

// invoke runs one worker against a snapshot and adopts the snapshot's
// mutations. The phase is owned by the engine and restored afterward.
func (e *Engine) invoke(ctx context.Context, name string, w Worker, st *migration.State) error {
	snap := st.Clone()

	start := time.Now()
	err := w.Run(ctx, snap)
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.WorkerDuration.WithLabelValues(name, status).Observe(time.Since(start).Seconds())

	snap.Phase = st.Phase
	*st = *snap
	return err
}

func (e *Engine) stepPlanning(ctx context.Context, st *migration.State) {
	err := e.invoke(ctx, workers.NamePlanner, e.workers.Planner, st)
	if err != nil {
		if ctx.Err() != nil {
			e.cancel(st)
			return
		}
		e.transition(st, migration.PhaseTerminalFailure)
		return
	}
	e.transition(st, migration.PhaseValidating)
}

func (e *Engine) stepValidating(ctx context.Context, st *migration.State) {
	err := e.invoke(ctx, workers.NameValidator, e.workers.Validator, st)
	if err != nil || ctx.Err() != nil {
		e.cancel(st)
		return
	}

	switch {
	case st.Outcome != nil && st.Outcome.OK():
		e.transition(st, migration.PhaseDeploying)
	case st.RetriesUsed < st.RetriesMax:
		e.transition(st, migration.PhaseAnalyzing)
	default:
		st.AddError(fmt.Sprintf("engine: retry budget exhausted (%d/%d)", st.RetriesUsed, st.RetriesMax))
		observability.RetryAttempts.WithLabelValues("exhausted").Inc()
		e.transition(st, migration.PhaseTerminalEscalated)
	}
}

func (e *Engine) stepAnalyzing(ctx context.Context, st *migration.State) {
	err := e.invoke(ctx, workers.NameAnalyzer, e.workers.Analyzer, st)
	if err != nil {
		if ctx.Err() != nil {
			e.cancel(st)
			return
		}
		if errors.Is(err, workers.ErrNoApplicablePatch) {
			st.AddError("engine: " + err.Error())
			e.transition(st, migration.PhaseTerminalEscalated)
			return
		}
		e.transition(st, migration.PhaseTerminalFailure)
		return
	}

	// The analyzer->validator edge is the only place the retry counter
	// moves.
	st.RetriesUsed++
	observability.RetryAttempts.WithLabelValues("scheduled").Inc()
	e.bus.Publish(st.ID, migration.NewEvent(st.ID, migration.EventRetryScheduled, workers.NameAnalyzer, map[string]any{
		"retries_used": st.RetriesUsed,
		"retries_max":  st.RetriesMax,
	}))
	e.transition(st, migration.PhaseValidating)
}

func (e *Engine) stepDeploying(ctx context.Context, st *migration.State) {
	err := e.invoke(ctx, workers.NameDeployer, e.workers.Deployer, st)
	if err != nil {
		if ctx.Err() != nil {
			e.cancel(st)
			return
		}
		e.transition(st, migration.PhaseTerminalFailure)
		return
	}
	e.transition(st, migration.PhaseTerminalSuccess)
}

// transition commits the phase change before the next worker can run, so
// a crash resumes from this boundary.
func (e *Engine) transition(st *migration.State, next migration.Phase) {
	e.logger.Info("phase transition",
		zap.String("migration_id", st.ID),
		zap.String("from", string(st.Phase)),
		zap.String("to", string(next)),
	)
	st.Phase = next
	e.checkpoint(st)
}

func (e *Engine) cancel(st *migration.State) {
	st.AddError("CANCELED")
	e.transition(st, migration.PhaseTerminalFailure)
}

func (e *Engine) finish(st *migration.State) {
	now := time.Now().UTC()
	st.FinishedAt = &now
	st.ReportPaths = e.store.ReportPaths(st.ID)

	if st.Outcome != nil {
		for stage, content := range st.Outcome.Logs {
			if err := e.store.WriteStageLog(st.ID, stage, content); err != nil {
				e.logger.Warn("failed to persist stage log",
					zap.String("migration_id", st.ID),
					zap.String("stage", stage),
					zap.Error(err),
				)
			}
		}
	}

	e.checkpoint(st)

	payload := map[string]any{
		"phase":        st.Phase,
		"errors":       st.Errors,
		"retries_used": st.RetriesUsed,
		"cost_total":   st.Cost.Total(),
	}
	if st.Deployment != nil {
		payload["pr_url"] = st.Deployment.PRURL
	}
	e.bus.Publish(st.ID, migration.NewEvent(st.ID, migration.TerminalEventKind(st.Phase), "", payload))

	observability.MigrationsTotal.WithLabelValues(string(st.Phase), string(st.ProjectType)).Inc()
	e.logger.Info("migration finished",
		zap.String("migration_id", st.ID),
		zap.String("phase", string(st.Phase)),
		zap.Int("retries_used", st.RetriesUsed),
		zap.Duration("elapsed", now.Sub(st.StartedAt)),
	)
}

func (e *Engine) checkpoint(st *migration.State) {
	if err := e.store.SaveState(st); err != nil {
		e.logger.Error("checkpoint failed",
			zap.String("migration_id", st.ID),
			zap.String("phase", string(st.Phase)),
			zap.Error(err),
		)
	}
	if e.onUpdate != nil {
		e.onUpdate(st.Clone())
	}
}
