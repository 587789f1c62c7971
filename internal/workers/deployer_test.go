package workers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artemis/modernizer/internal/migration"
	"github.com/artemis/modernizer/internal/reasoner"
	"github.com/artemis/modernizer/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deployableState(t *testing.T) *migration.State {
	t.Helper()
	return &migration.State{
		ID:          "m1",
		ProjectRoot: localProject(t, plannerManifest),
		ProjectType: migration.ProjectNode,
		Source:      migration.Source{GitURL: "https://github.com/acme/demo.git"},
		Plan: &migration.Plan{
			Dependencies: map[string]migration.DependencyChange{
				"express": {CurrentVersion: "4.17.1", TargetVersion: "4.19.2", Action: migration.ActionUpgrade, Risk: migration.RiskMedium},
				"lodash":  {CurrentVersion: "4.17.20", TargetVersion: "4.17.20", Action: migration.ActionKeep},
			},
		},
		Outcome: &migration.ValidationOutcome{
			InstallOK: true, StartOK: true, HealthOK: true,
			TestsFound: true, TestsOK: true, VersionsMatch: true,
			TestSummary: "12 passed, 12 total",
		},
	}
}

func newTestDeployer(t *testing.T, r reasoner.Reasoner, gw repo.Gateway, ref repo.Ref) (*Deployer, *fakePublisher) {
	t.Helper()
	bus := &fakePublisher{}
	d := NewDeployer(r, gatewayFor(gw, ref), bus, testLogger(t), 0)
	d.now = func() time.Time {
		return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	}
	return d, bus
}

func TestDeployerOpensPullRequest(t *testing.T) {
	gw := &fakeGateway{prURL: "https://github.com/acme/demo/pull/7"}
	ref := repo.Ref{Owner: "acme", Name: "demo", BaseBranch: "main"}
	r := &fakeReasoner{err: reasoner.ErrUnavailable}

	d, bus := newTestDeployer(t, r, gw, ref)
	st := deployableState(t)

	err := d.Run(context.Background(), st)
	require.NoError(t, err)

	require.NotNil(t, st.Deployment)
	assert.Equal(t, "upgrade/dependencies-20260824", st.Deployment.BranchName)
	assert.Equal(t, "chore(deps): automated dependency upgrades (2026-08-24)", st.Deployment.CommitMessage)
	assert.Equal(t, "https://github.com/acme/demo/pull/7", st.Deployment.PRURL)

	// The pushed manifest carries the upgrade and matches the working tree.
	pushed := gw.pushedFiles["package.json"]
	require.NotNil(t, pushed)
	assert.Contains(t, string(pushed), "4.19.2")
	onDisk, err := os.ReadFile(filepath.Join(st.ProjectRoot, "package.json"))
	require.NoError(t, err)
	assert.Equal(t, pushed, onDisk)

	assert.Equal(t, "upgrade/dependencies-20260824", gw.prHead)
	assert.Equal(t, "main", gw.prBase)

	// Degraded reasoner: the templated body lists the upgrade but skips
	// held dependencies.
	assert.Contains(t, gw.prBody, "| express | 4.17.1 | 4.19.2 | medium |")
	assert.NotContains(t, gw.prBody, "| lodash")
	assert.Contains(t, gw.prBody, "12 passed, 12 total")

	kinds := bus.kinds()
	assert.Contains(t, kinds, migration.EventToolUse)
	assert.Contains(t, kinds, migration.EventWorkerDone)
}

func TestDeployerSuffixesTakenBranchNames(t *testing.T) {
	gw := &fakeGateway{prURL: "https://github.com/acme/demo/pull/8", branchConflicts: 2}
	ref := repo.Ref{Owner: "acme", Name: "demo"}
	r := &fakeReasoner{err: reasoner.ErrUnavailable}

	d, _ := newTestDeployer(t, r, gw, ref)
	st := deployableState(t)

	err := d.Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, "upgrade/dependencies-20260824-002", st.Deployment.BranchName)
	assert.Equal(t, []string{"upgrade/dependencies-20260824-002"}, gw.createdBranches)
}

func TestDeployerGivesUpAfterBranchAttempts(t *testing.T) {
	gw := &fakeGateway{branchConflicts: branchAttempts + 1}
	ref := repo.Ref{Owner: "acme", Name: "demo"}
	r := &fakeReasoner{err: reasoner.ErrUnavailable}

	d, _ := newTestDeployer(t, r, gw, ref)
	st := deployableState(t)

	err := d.Run(context.Background(), st)
	require.Error(t, err)
	assert.Nil(t, st.Deployment)
	assert.Contains(t, st.Errors[len(st.Errors)-1], "no free branch name")
}

func TestDeployerPushFailureIsFatal(t *testing.T) {
	gw := &fakeGateway{pushErr: repo.NewError(repo.KindUnauthorized, "push_files", errors.New("bad credentials"))}
	ref := repo.Ref{Owner: "acme", Name: "demo"}
	r := &fakeReasoner{err: reasoner.ErrUnavailable}

	d, _ := newTestDeployer(t, r, gw, ref)
	st := deployableState(t)

	err := d.Run(context.Background(), st)
	require.Error(t, err)
	assert.Equal(t, repo.KindUnauthorized, repo.KindOf(err))
	assert.Nil(t, st.Deployment)
}

func TestDeployerUsesReasonedBody(t *testing.T) {
	gw := &fakeGateway{prURL: "https://github.com/acme/demo/pull/9"}
	ref := repo.Ref{Owner: "acme", Name: "demo"}
	r := &fakeReasoner{result: &reasoner.Result{
		Message: "## Upgrade summary\n\nexpress moves to 4.19.2.",
		Usage:   reasoner.Usage{InputTokens: 150, OutputTokens: 60, CostUSD: 0.001},
	}}

	d, _ := newTestDeployer(t, r, gw, ref)
	st := deployableState(t)

	err := d.Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, "## Upgrade summary\n\nexpress moves to 4.19.2.", gw.prBody)
	assert.Equal(t, 150, st.Cost.PerWorker[NameDeployer].InputTokens)
}

func TestDeployerMissingManifestIsFatal(t *testing.T) {
	gw := &fakeGateway{}
	ref := repo.Ref{Owner: "acme", Name: "demo"}
	d, _ := newTestDeployer(t, &fakeReasoner{}, gw, ref)

	st := deployableState(t)
	st.ProjectRoot = t.TempDir() // empty tree

	err := d.Run(context.Background(), st)
	require.Error(t, err)
	assert.Contains(t, st.Errors[0], "deployer: read manifest")
}
