package workers

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/artemis/modernizer/internal/migration"
	"github.com/artemis/modernizer/internal/observability"
	"github.com/artemis/modernizer/internal/reasoner"
	"go.uber.org/zap"
)

// ErrNoApplicablePatch signals that diagnosis produced nothing the plan
// can absorb; the workflow escalates to a human.
var ErrNoApplicablePatch = errors.New("diagnosis has no applicable patch")

var missingModuleRe = regexp.MustCompile(`cannot find module '([^']+)'`)

// errorPattern is one row of the deterministic classification table,
// ordered most-specific first. Matching runs over lowercased text.
type errorPattern struct {
	match      func(text string) bool
	category   migration.Category
	confidence float64
}

// patternTable classifies failures without any reasoning. Note "peer dep"
// rather than "peer": the bare word false-positives against unrelated
// log text.
var patternTable = []errorPattern{
	{
		match:      func(t string) bool { return strings.Contains(t, "cannot find module") },
		category:   migration.CategoryMissingDep,
		confidence: 0.9,
	},
	{
		match: func(t string) bool {
			return strings.Contains(t, "typeerror:") && strings.Contains(t, "is not a function")
		},
		category:   migration.CategoryAPIBreaking,
		confidence: 0.8,
	},
	{
		match:      func(t string) bool { return strings.Contains(t, "peer dep") },
		category:   migration.CategoryPeerConflict,
		confidence: 0.85,
	},
	{
		match:      func(t string) bool { return strings.Contains(t, "incompatible with") },
		category:   migration.CategoryVersionConflict,
		confidence: 0.8,
	},
}

// Analyzer turns a failed validation into a diagnosis and mutates the plan
// with the best fix so the next validation attempt differs from the last.
type Analyzer struct {
	reasoner        reasoner.Reasoner
	bus             Publisher
	logger          *observability.Logger
	reasonerTimeout time.Duration
}

// NewAnalyzer creates an analyzer worker.
func NewAnalyzer(r reasoner.Reasoner, bus Publisher, logger *observability.Logger, reasonerTimeout time.Duration) *Analyzer {
	return &Analyzer{
		reasoner:        r,
		bus:             bus,
		logger:          logger,
		reasonerTimeout: reasonerTimeout,
	}
}

// Run sets st.Diagnosis and applies the highest-confidence fix to st.Plan.
// Returns ErrNoApplicablePatch when nothing can be changed.
func (a *Analyzer) Run(ctx context.Context, st *migration.State) error {
	if st.Outcome == nil {
		return fmt.Errorf("analyzer requires a validation outcome")
	}

	diag := a.patternDiagnosis(st)

	// The reasoner enriches the fix list when available; the pattern
	// result stays as the baseline fallback either way.
	a.enrich(ctx, st, diag)

	sort.SliceStable(diag.Fixes, func(i, j int) bool {
		return diag.Fixes[i].Confidence > diag.Fixes[j].Confidence
	})
	st.Diagnosis = diag

	fix, ok := diag.BestApplicableFix()
	if !ok {
		a.bus.Publish(st.ID, migration.NewEvent(st.ID, migration.EventWorkerDone, NameAnalyzer, map[string]any{
			"category":   diag.Category,
			"root_cause": diag.RootCause,
			"applied":    false,
		}))
		return ErrNoApplicablePatch
	}

	if st.Plan == nil {
		st.Plan = &migration.Plan{}
	}
	st.Plan.Apply(fix.Patch)

	a.bus.Publish(st.ID, migration.NewEvent(st.ID, migration.EventWorkerDone, NameAnalyzer, map[string]any{
		"category":   diag.Category,
		"root_cause": diag.RootCause,
		"applied":    true,
		"patch_op":   fix.Patch.Op,
		"dependency": fix.Patch.Dependency,
	}))
	return nil
}

// patternDiagnosis runs the deterministic classification table and builds
// baseline fixes that keep the retry loop moving without reasoning.
func (a *Analyzer) patternDiagnosis(st *migration.State) *migration.ErrorDiagnosis {
	text := a.failureText(st.Outcome)

	diag := &migration.ErrorDiagnosis{
		Category:  migration.CategoryUnknown,
		RootCause: "unclassified validation failure",
	}
	for _, p := range patternTable {
		if p.match(text) {
			diag.Category = p.category
			diag.RootCause = fmt.Sprintf("pattern match: %s", p.category)
			break
		}
	}

	if diag.Category == migration.CategoryMissingDep {
		if m := missingModuleRe.FindStringSubmatch(text); m != nil {
			diag.RootCause = fmt.Sprintf("module %q is imported but not installed", m[1])
			diag.Fixes = append(diag.Fixes, migration.Fix{
				Description: fmt.Sprintf("add %s to the dependency set", m[1]),
				Confidence:  0.6,
				Patch: migration.PlanPatch{
					Op:            migration.PatchAddDep,
					Dependency:    m[1],
					TargetVersion: "latest",
					Note:          "inserted by missing-module pattern",
				},
			})
		}
	}

	// Baseline fix: revert the riskiest pending upgrade. Low confidence so
	// any reasoner suggestion outranks it, but it guarantees the plan
	// changes between attempts.
	if name, ok := riskiestUpgrade(st.Plan); ok {
		diag.Fixes = append(diag.Fixes, migration.Fix{
			Description: fmt.Sprintf("hold %s at its current version", name),
			Confidence:  0.3,
			Patch: migration.PlanPatch{
				Op:         migration.PatchKeepDep,
				Dependency: name,
				Note:       "baseline rollback of the riskiest change",
			},
		})
	}

	return diag
}

func (a *Analyzer) enrich(ctx context.Context, st *migration.State, diag *migration.ErrorDiagnosis) {
	a.bus.Publish(st.ID, migration.NewEvent(st.ID, migration.EventWorkerThinking, NameAnalyzer, map[string]string{
		"task": string(reasoner.TaskDiagnose),
	}))

	rctx := ctx
	if a.reasonerTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, a.reasonerTimeout)
		defer cancel()
	}

	result, err := a.reasoner.Reason(rctx, reasoner.TaskDiagnose, reasoner.Input{
		Errors: st.Outcome.Errors,
		Logs:   st.Outcome.Logs,
		Plan:   st.Plan,
	})
	if err != nil {
		st.AddError("analyzer: reasoner diagnosis unavailable: " + err.Error())
		a.logger.Warn("analyzer using pattern diagnosis only",
			zap.String("migration_id", st.ID),
			zap.Error(err),
		)
		return
	}

	recordUsage(st, NameAnalyzer, result.Usage)
	if result.Diagnosis == nil {
		return
	}

	// A reasoner root cause with real substance replaces the pattern text;
	// the category is only upgraded away from unknown.
	if result.Diagnosis.RootCause != "" {
		diag.RootCause = result.Diagnosis.RootCause
	}
	if diag.Category == migration.CategoryUnknown && result.Diagnosis.Category != migration.CategoryUnknown {
		diag.Category = result.Diagnosis.Category
	}
	diag.Fixes = append(diag.Fixes, result.Diagnosis.Fixes...)
}

// failureText flattens the outcome's errors and stage logs into one
// lowercased haystack for the pattern table.
func (a *Analyzer) failureText(outcome *migration.ValidationOutcome) string {
	var b strings.Builder
	for _, e := range outcome.Errors {
		b.WriteString(e)
		b.WriteString("\n")
	}
	stages := make([]string, 0, len(outcome.Logs))
	for stage := range outcome.Logs {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		b.WriteString(outcome.Logs[stage])
		b.WriteString("\n")
	}
	return strings.ToLower(b.String())
}

// riskiestUpgrade picks the pending upgrade with the highest risk, ties
// broken alphabetically for determinism.
func riskiestUpgrade(plan *migration.Plan) (string, bool) {
	if plan == nil {
		return "", false
	}

	names := make([]string, 0, len(plan.Dependencies))
	for name := range plan.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)

	best := ""
	bestRisk := migration.RiskLow
	for _, name := range names {
		dep := plan.Dependencies[name]
		if dep.Action != migration.ActionUpgrade && dep.Action != migration.ActionAdd {
			continue
		}
		if dep.Action == migration.ActionUpgrade && dep.TargetVersion == dep.CurrentVersion {
			// Already a no-op; reverting changes nothing.
			continue
		}
		if best == "" || (dep.Risk != bestRisk && dep.Risk.Max(bestRisk) == dep.Risk) {
			best = name
			bestRisk = dep.Risk
		}
	}
	return best, best != ""
}
