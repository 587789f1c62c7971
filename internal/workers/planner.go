package workers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/artemis/modernizer/internal/migration"
	"github.com/artemis/modernizer/internal/observability"
	"github.com/artemis/modernizer/internal/reasoner"
	"github.com/artemis/modernizer/internal/validation"
	"go.uber.org/zap"
)

// Planner reads the dependency manifest and produces the upgrade plan.
// When reasoning is degraded it falls back to a no-op heuristic plan so
// the workflow still reaches validation.
type Planner struct {
	reasoner        reasoner.Reasoner
	gatewayFor      GatewayFunc
	bus             Publisher
	logger          *observability.Logger
	reasonerTimeout time.Duration
}

// NewPlanner creates a planner worker.
func NewPlanner(r reasoner.Reasoner, gatewayFor GatewayFunc, bus Publisher, logger *observability.Logger, reasonerTimeout time.Duration) *Planner {
	return &Planner{
		reasoner:        r,
		gatewayFor:      gatewayFor,
		bus:             bus,
		logger:          logger,
		reasonerTimeout: reasonerTimeout,
	}
}

// Run produces st.Plan. A missing or unreadable manifest is fatal; the
// returned error routes the workflow to terminal failure. The planner is
// idempotent: any partial plan is overwritten.
func (p *Planner) Run(ctx context.Context, st *migration.State) error {
	manifest, err := p.readManifest(ctx, st)
	if err != nil {
		st.AddError("planner: " + err.Error())
		return fmt.Errorf("read manifest: %w", err)
	}

	p.bus.Publish(st.ID, migration.NewEvent(st.ID, migration.EventWorkerThinking, NamePlanner, map[string]string{
		"task": string(reasoner.TaskPlan),
	}))

	rctx := ctx
	if p.reasonerTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, p.reasonerTimeout)
		defer cancel()
	}

	result, err := p.reasoner.Reason(rctx, reasoner.TaskPlan, reasoner.Input{
		Manifest:    string(manifest),
		ProjectType: st.ProjectType,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		kind := "REASONER_UNAVAILABLE"
		if reasoner.IsMalformed(err) {
			kind = "REASONER_MALFORMED"
		}
		st.AddError(fmt.Sprintf("planner: %s: %v", kind, err))
		p.logger.Warn("planner falling back to heuristic plan",
			zap.String("migration_id", st.ID),
			zap.String("kind", kind),
			zap.Error(err),
		)
		st.Plan = heuristicPlan(st.ProjectType, manifest)
	} else {
		recordUsage(st, NamePlanner, result.Usage)
		st.Plan = result.Plan
	}

	p.bus.Publish(st.ID, migration.NewEvent(st.ID, migration.EventWorkerDone, NamePlanner, map[string]any{
		"dependencies": len(st.Plan.Dependencies),
		"phases":       len(st.Plan.Phases),
		"overall_risk": st.Plan.OverallRisk,
	}))
	return nil
}

func (p *Planner) readManifest(ctx context.Context, st *migration.State) ([]byte, error) {
	manifestPath := st.ProjectType.ManifestPath()

	if st.Source.Remote() {
		gw, ref, err := p.gatewayFor(st)
		if err != nil {
			return nil, err
		}
		p.bus.Publish(st.ID, migration.NewEvent(st.ID, migration.EventToolUse, NamePlanner, map[string]string{
			"tool": "repo.read_file",
			"path": manifestPath,
		}))
		return gw.ReadFile(ctx, ref, manifestPath, ref.Base())
	}

	return os.ReadFile(filepath.Join(st.ProjectRoot, manifestPath))
}

// heuristicPlan is the deterministic degraded-mode plan: every dependency
// pinned at its current version in a single low-risk phase. Validation
// still runs, so the workflow keeps moving without reasoning.
func heuristicPlan(projectType migration.ProjectType, manifest []byte) *migration.Plan {
	versions := validation.ManifestVersions(projectType, manifest)

	plan := &migration.Plan{
		Dependencies: make(map[string]migration.DependencyChange, len(versions)),
		OverallRisk:  migration.RiskLow,
	}

	names := make([]string, 0, len(versions))
	for name, version := range versions {
		plan.Dependencies[name] = migration.DependencyChange{
			CurrentVersion: version,
			TargetVersion:  version,
			Action:         migration.ActionUpgrade,
			Risk:           migration.RiskLow,
		}
		names = append(names, name)
	}
	sort.Strings(names)

	plan.Phases = []migration.PlanPhase{{
		Name:            "hold current versions",
		DependencyNames: names,
		RollbackNote:    "no changes applied",
	}}
	return plan
}
