package validation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/artemis/modernizer/internal/docker"
	"github.com/artemis/modernizer/internal/migration"
	"github.com/artemis/modernizer/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime scripts container behavior per command substring. Unmatched
// commands succeed with exit 0.
type fakeRuntime struct {
	files map[string][]byte

	// results maps a command substring to its scripted result.
	results map[string]docker.ExecResult
	// errs maps a command substring to a scripted error.
	errs map[string]error

	createErr error

	execLog        []string
	teardownCalls  int
	teardownPolicy docker.TeardownPolicy
}

func newFakeRuntime(manifest string) *fakeRuntime {
	return &fakeRuntime{
		files:   map[string][]byte{"/app/package.json": []byte(manifest)},
		results: make(map[string]docker.ExecResult),
		errs:    make(map[string]error),
	}
}

func (f *fakeRuntime) Create(ctx context.Context, name, image, workingDir string, hostPort, containerPort int, limits docker.ResourceLimits) (*docker.Handle, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &docker.Handle{ID: "fake-container-id", Name: name}, nil
}

func (f *fakeRuntime) CopyIn(ctx context.Context, h *docker.Handle, hostPath, containerPath string, exclude []string) error {
	return nil
}

func (f *fakeRuntime) WriteFile(ctx context.Context, h *docker.Handle, containerPath string, content []byte) error {
	f.files[containerPath] = append([]byte(nil), content...)
	return nil
}

func (f *fakeRuntime) ReadFile(ctx context.Context, h *docker.Handle, containerPath string) ([]byte, error) {
	data, ok := f.files[containerPath]
	if !ok {
		return nil, errors.New("no such file: " + containerPath)
	}
	return data, nil
}

func (f *fakeRuntime) Exec(ctx context.Context, h *docker.Handle, argv []string, env []string, timeout time.Duration) (docker.ExecResult, error) {
	cmd := strings.Join(argv, " ")
	f.execLog = append(f.execLog, cmd)

	for sub, err := range f.errs {
		if strings.Contains(cmd, sub) {
			return docker.ExecResult{ExitCode: -1}, err
		}
	}
	for sub, res := range f.results {
		if strings.Contains(cmd, sub) {
			return res, nil
		}
	}
	return docker.ExecResult{ExitCode: 0}, nil
}

func (f *fakeRuntime) Teardown(ctx context.Context, h *docker.Handle, policy docker.TeardownPolicy) error {
	f.teardownCalls++
	f.teardownPolicy = policy
	return nil
}

const validatableManifest = `{
  "name": "demo-api",
  "scripts": {"test": "jest"},
  "dependencies": {"express": "^4.17.1"}
}`

func upgradePlan() *migration.Plan {
	return &migration.Plan{
		Dependencies: map[string]migration.DependencyChange{
			"express": {CurrentVersion: "4.17.1", TargetVersion: "4.19.2", Action: migration.ActionUpgrade, Risk: migration.RiskLow},
		},
	}
}

func newTestEngine(t *testing.T, rt Runtime) *Engine {
	t.Helper()
	logger, err := observability.NewLogger("error")
	require.NoError(t, err)
	return NewEngine(rt, logger, Options{
		InstallTimeout: time.Second,
		TestTimeout:    time.Second,
		StartDelay:     time.Millisecond,
		Cleanup:        true,
	})
}

func TestValidateHappyPath(t *testing.T) {
	rt := newFakeRuntime(validatableManifest)
	rt.results["npm test"] = docker.ExecResult{ExitCode: 0, Stdout: "Tests:       12 passed, 12 total"}

	engine := newTestEngine(t, rt)

	var stages []string
	outcome := engine.Validate(context.Background(), Request{
		MigrationID: "abc12345-rest",
		ProjectRoot: "/tmp/demo_api",
		ProjectType: migration.ProjectNode,
		Plan:        upgradePlan(),
		OnStage: func(stage string, ok bool, detail string) {
			stages = append(stages, stage)
		},
	})

	assert.True(t, outcome.InstallOK)
	assert.True(t, outcome.StartOK)
	assert.True(t, outcome.HealthOK)
	assert.True(t, outcome.TestsFound)
	assert.True(t, outcome.TestsOK)
	assert.True(t, outcome.VersionsMatch)
	assert.True(t, outcome.OK())
	assert.Empty(t, outcome.Errors)
	assert.Equal(t, "12 passed, 12 total", outcome.TestSummary)
	assert.Equal(t, "ai-modernizer-demo-api-abc12345", outcome.ContainerName)

	assert.Equal(t, []string{"create", "inject", "apply_plan", "install", "start", "health", "test", "verify_versions"}, stages)

	// The manifest inside the container carries the upgrade.
	assert.Contains(t, string(rt.files["/app/package.json"]), "4.19.2")

	require.Equal(t, 1, rt.teardownCalls)
	assert.Equal(t, docker.TeardownRemove, rt.teardownPolicy)
}

func TestValidateInstallFailureSkipsToVerify(t *testing.T) {
	rt := newFakeRuntime(validatableManifest)
	rt.results["npm install"] = docker.ExecResult{ExitCode: 1, Stderr: "npm ERR! peer dep missing"}

	engine := newTestEngine(t, rt)
	outcome := engine.Validate(context.Background(), Request{
		MigrationID: "m1",
		ProjectRoot: "/tmp/demo",
		ProjectType: migration.ProjectNode,
		Plan:        upgradePlan(),
	})

	assert.False(t, outcome.InstallOK)
	assert.False(t, outcome.StartOK)
	assert.False(t, outcome.TestsFound, "tests never ran")
	assert.True(t, outcome.VersionsMatch, "the manifest write itself succeeded")
	assert.False(t, outcome.OK())

	require.NotEmpty(t, outcome.Errors)
	assert.Contains(t, outcome.Errors[0], "install:")
	assert.Contains(t, outcome.Errors[0], "peer dep missing")

	// The app was never started.
	for _, cmd := range rt.execLog {
		assert.NotContains(t, cmd, "nohup")
	}
	assert.Equal(t, 1, rt.teardownCalls)
}

func TestValidateCreateFailure(t *testing.T) {
	rt := newFakeRuntime(validatableManifest)
	rt.createErr = errors.New("daemon unavailable")

	engine := newTestEngine(t, rt)
	outcome := engine.Validate(context.Background(), Request{
		MigrationID: "m1",
		ProjectRoot: "/tmp/demo",
		ProjectType: migration.ProjectNode,
		Plan:        upgradePlan(),
	})

	assert.False(t, outcome.OK())
	require.NotEmpty(t, outcome.Errors)
	assert.Contains(t, outcome.Errors[0], "create: daemon unavailable")
	assert.Zero(t, rt.teardownCalls, "no container to tear down")
}

func TestValidateAppDiesDuringStartup(t *testing.T) {
	rt := newFakeRuntime(validatableManifest)
	rt.results["/proc/[0-9]*/cmdline"] = docker.ExecResult{ExitCode: 1}
	rt.results["cat /tmp/app.log"] = docker.ExecResult{ExitCode: 0, Stdout: "Error: Cannot find module 'express'"}

	engine := newTestEngine(t, rt)
	outcome := engine.Validate(context.Background(), Request{
		MigrationID: "m1",
		ProjectRoot: "/tmp/demo",
		ProjectType: migration.ProjectNode,
		Plan:        upgradePlan(),
	})

	assert.True(t, outcome.InstallOK)
	assert.False(t, outcome.StartOK)
	assert.False(t, outcome.OK())

	joined := strings.Join(outcome.Errors, "\n")
	assert.Contains(t, joined, "start:")
	assert.Contains(t, joined, "Cannot find module 'express'")

	// The crash log is captured for the analyzer.
	assert.Contains(t, outcome.Logs["start"], "Cannot find module")
}

func TestValidateVersionMismatch(t *testing.T) {
	rt := newFakeRuntime(validatableManifest)
	engine := newTestEngine(t, rt)

	// Simulate the installer rewriting the manifest back to the old pin.
	plan := upgradePlan()
	outcome := engine.Validate(context.Background(), Request{
		MigrationID: "m1",
		ProjectRoot: "/tmp/demo",
		ProjectType: migration.ProjectNode,
		Plan:        plan,
		OnStage: func(stage string, ok bool, detail string) {
			if stage == "test" {
				rt.files["/app/package.json"] = []byte(validatableManifest)
			}
		},
	})

	assert.False(t, outcome.VersionsMatch)
	assert.False(t, outcome.OK(), "a version mismatch fails validation even when every other stage passed")

	joined := strings.Join(outcome.Errors, "\n")
	assert.Contains(t, joined, "express")
	assert.Contains(t, joined, "4.19.2")
}

func TestValidateStrictTestsWithoutSuite(t *testing.T) {
	rt := newFakeRuntime(`{"name": "demo", "dependencies": {"express": "^4.17.1"}}`)
	logger, err := observability.NewLogger("error")
	require.NoError(t, err)
	engine := NewEngine(rt, logger, Options{
		InstallTimeout: time.Second,
		TestTimeout:    time.Second,
		StartDelay:     time.Millisecond,
		Cleanup:        true,
		StrictTests:    true,
	})

	outcome := engine.Validate(context.Background(), Request{
		MigrationID: "m1",
		ProjectRoot: "/tmp/demo",
		ProjectType: migration.ProjectNode,
		Plan:        upgradePlan(),
	})

	assert.True(t, outcome.TestsFound)
	assert.False(t, outcome.TestsOK)
	assert.False(t, outcome.OK())
	assert.Contains(t, strings.Join(outcome.Errors, "\n"), "no test suite found")
}

func TestValidateCleanupDisabledKeepsContainer(t *testing.T) {
	rt := newFakeRuntime(validatableManifest)
	logger, err := observability.NewLogger("error")
	require.NoError(t, err)
	engine := NewEngine(rt, logger, Options{
		InstallTimeout: time.Second,
		TestTimeout:    time.Second,
		StartDelay:     time.Millisecond,
		Cleanup:        false,
	})

	engine.Validate(context.Background(), Request{
		MigrationID: "m1",
		ProjectRoot: "/tmp/demo",
		ProjectType: migration.ProjectNode,
		Plan:        upgradePlan(),
	})

	require.Equal(t, 1, rt.teardownCalls)
	assert.Equal(t, docker.TeardownKeep, rt.teardownPolicy)
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "ai-modernizer-demo-api", ContainerName("/srv/projects/Demo_API", ""))
	assert.Equal(t, "ai-modernizer-demo-api-12345678", ContainerName("/srv/projects/demo-api", "123456789abc"))
	assert.Equal(t, "ai-modernizer-weird-name", ContainerName("/x/weird name", ""))
}
