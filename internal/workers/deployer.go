package workers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/artemis/modernizer/internal/migration"
	"github.com/artemis/modernizer/internal/observability"
	"github.com/artemis/modernizer/internal/reasoner"
	"github.com/artemis/modernizer/internal/repo"
	"github.com/artemis/modernizer/internal/validation"
	"go.uber.org/zap"
)

// branchAttempts bounds the suffix search when the dated branch name is
// taken by an earlier run on the same day.
const branchAttempts = 10

// Deployer publishes the validated upgrade: a timestamped branch, the
// mutated manifest, and a pull request.
type Deployer struct {
	reasoner        reasoner.Reasoner
	gatewayFor      GatewayFunc
	bus             Publisher
	logger          *observability.Logger
	reasonerTimeout time.Duration

	// now is stubbed in tests.
	now func() time.Time
}

// NewDeployer creates a deployer worker.
func NewDeployer(r reasoner.Reasoner, gatewayFor GatewayFunc, bus Publisher, logger *observability.Logger, reasonerTimeout time.Duration) *Deployer {
	return &Deployer{
		reasoner:        r,
		gatewayFor:      gatewayFor,
		bus:             bus,
		logger:          logger,
		reasonerTimeout: reasonerTimeout,
		now:             time.Now,
	}
}

// Run creates the branch, pushes the mutated manifest, and opens the pull
// request. Any gateway failure leaves st.Deployment unset and returns an
// error; the workflow transitions to terminal failure.
func (d *Deployer) Run(ctx context.Context, st *migration.State) error {
	gw, ref, err := d.gatewayFor(st)
	if err != nil {
		st.AddError("deployer: " + err.Error())
		return err
	}

	manifest, err := d.mutatedManifest(st)
	if err != nil {
		st.AddError("deployer: " + err.Error())
		return err
	}

	branch, err := d.createBranch(ctx, st, gw, ref)
	if err != nil {
		st.AddError("deployer: " + err.Error())
		return err
	}

	commitMessage := fmt.Sprintf("chore(deps): automated dependency upgrades (%s)", d.now().UTC().Format("2006-01-02"))

	d.bus.Publish(st.ID, migration.NewEvent(st.ID, migration.EventToolUse, NameDeployer, map[string]string{
		"tool":   "repo.push_files",
		"branch": branch,
	}))
	files := map[string][]byte{st.ProjectType.ManifestPath(): manifest}
	if err := gw.PushFiles(ctx, ref, branch, files, commitMessage); err != nil {
		st.AddError("deployer: " + err.Error())
		return err
	}

	title := fmt.Sprintf("Automated dependency upgrades (%s)", d.now().UTC().Format("2006-01-02"))
	body := d.composeBody(ctx, st)

	d.bus.Publish(st.ID, migration.NewEvent(st.ID, migration.EventToolUse, NameDeployer, map[string]string{
		"tool":   "repo.open_pull_request",
		"branch": branch,
	}))
	prURL, err := gw.OpenPullRequest(ctx, ref, title, body, branch, ref.Base())
	if err != nil {
		st.AddError("deployer: " + err.Error())
		return err
	}

	st.Deployment = &migration.DeploymentRecord{
		BranchName:    branch,
		CommitMessage: commitMessage,
		PRURL:         prURL,
	}

	d.bus.Publish(st.ID, migration.NewEvent(st.ID, migration.EventWorkerDone, NameDeployer, map[string]string{
		"branch": branch,
		"pr_url": prURL,
	}))
	return nil
}

// mutatedManifest applies the validated plan to the working tree's
// manifest and writes it back, so the pushed bytes and the local tree
// agree.
func (d *Deployer) mutatedManifest(st *migration.State) ([]byte, error) {
	manifestPath := filepath.Join(st.ProjectRoot, st.ProjectType.ManifestPath())
	current, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	mutated, err := validation.ApplyPlan(st.ProjectType, current, st.Plan)
	if err != nil {
		return nil, fmt.Errorf("apply plan to manifest: %w", err)
	}

	if err := os.WriteFile(manifestPath, mutated, 0o644); err != nil {
		return nil, fmt.Errorf("write mutated manifest: %w", err)
	}
	return mutated, nil
}

// createBranch finds a free dated branch name, suffixing -001, -002, ...
// when today's name is taken.
func (d *Deployer) createBranch(ctx context.Context, st *migration.State, gw repo.Gateway, ref repo.Ref) (string, error) {
	base := "upgrade/dependencies-" + d.now().UTC().Format("20060102")

	for i := 0; i < branchAttempts; i++ {
		branch := base
		if i > 0 {
			branch = fmt.Sprintf("%s-%03d", base, i)
		}

		d.bus.Publish(st.ID, migration.NewEvent(st.ID, migration.EventToolUse, NameDeployer, map[string]string{
			"tool":   "repo.create_branch",
			"branch": branch,
		}))

		err := gw.CreateBranch(ctx, ref, branch, ref.Base())
		if err == nil {
			return branch, nil
		}
		if repo.KindOf(err) == repo.KindConflict {
			d.logger.Debug("branch name taken, trying next suffix",
				zap.String("migration_id", st.ID),
				zap.String("branch", branch),
			)
			continue
		}
		return "", err
	}
	return "", fmt.Errorf("no free branch name after %d attempts under %s", branchAttempts, base)
}

// composeBody asks the reasoner for a PR description and falls back to a
// deterministic template assembled from the plan and outcome.
func (d *Deployer) composeBody(ctx context.Context, st *migration.State) string {
	d.bus.Publish(st.ID, migration.NewEvent(st.ID, migration.EventWorkerThinking, NameDeployer, map[string]string{
		"task": string(reasoner.TaskDeployMessage),
	}))

	rctx := ctx
	if d.reasonerTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, d.reasonerTimeout)
		defer cancel()
	}

	result, err := d.reasoner.Reason(rctx, reasoner.TaskDeployMessage, reasoner.Input{
		Plan:    st.Plan,
		Outcome: st.Outcome,
	})
	if err == nil && result.Message != "" {
		recordUsage(st, NameDeployer, result.Usage)
		return result.Message
	}
	if err != nil {
		st.AddError("deployer: reasoner message unavailable: " + err.Error())
	}
	return templatedBody(st)
}

// templatedBody is the degraded-mode PR description.
func templatedBody(st *migration.State) string {
	var b strings.Builder
	b.WriteString("## Automated dependency upgrades\n\n")
	b.WriteString("This pull request was produced by an automated upgrade run. ")
	b.WriteString("Every change below was validated in a sandbox container.\n\n")

	if st.Plan != nil && len(st.Plan.Dependencies) > 0 {
		b.WriteString("| Package | From | To | Risk |\n|---|---|---|---|\n")
		names := make([]string, 0, len(st.Plan.Dependencies))
		for name := range st.Plan.Dependencies {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			dep := st.Plan.Dependencies[name]
			if dep.Action == migration.ActionKeep {
				continue
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", name, dep.CurrentVersion, dep.TargetVersion, dep.Risk)
		}
		b.WriteString("\n")
	}

	if st.Outcome != nil {
		b.WriteString("### Validation\n\n")
		fmt.Fprintf(&b, "- install: %s\n", passFail(st.Outcome.InstallOK))
		fmt.Fprintf(&b, "- start: %s\n", passFail(st.Outcome.StartOK))
		fmt.Fprintf(&b, "- health: %s\n", passFail(st.Outcome.HealthOK))
		if st.Outcome.TestsFound {
			fmt.Fprintf(&b, "- tests: %s (%s)\n", passFail(st.Outcome.TestsOK), st.Outcome.TestSummary)
		} else {
			b.WriteString("- tests: none present\n")
		}
		fmt.Fprintf(&b, "- versions verified: %s\n", passFail(st.Outcome.VersionsMatch))
	}

	return b.String()
}

func passFail(ok bool) string {
	if ok {
		return "passed"
	}
	return "failed"
}
