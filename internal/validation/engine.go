package validation

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/artemis/modernizer/internal/docker"
	"github.com/artemis/modernizer/internal/migration"
	"github.com/artemis/modernizer/internal/observability"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// containerNamePrefix identifies sandbox containers created by this
// process so stale ones are recognizable.
const containerNamePrefix = "ai-modernizer-"

// appDir is where the project tree lives inside the sandbox.
const appDir = "/app"

// excludedDirs never travel into the sandbox.
var excludedDirs = []string{"node_modules", "venv", ".git", "__pycache__"}

// Runtime is the container surface the engine drives. *docker.Runtime
// satisfies it; tests substitute a fake.
type Runtime interface {
	Create(ctx context.Context, name, image, workingDir string, hostPort, containerPort int, limits docker.ResourceLimits) (*docker.Handle, error)
	CopyIn(ctx context.Context, h *docker.Handle, hostPath, containerPath string, exclude []string) error
	WriteFile(ctx context.Context, h *docker.Handle, containerPath string, content []byte) error
	ReadFile(ctx context.Context, h *docker.Handle, containerPath string) ([]byte, error)
	Exec(ctx context.Context, h *docker.Handle, argv []string, env []string, timeout time.Duration) (docker.ExecResult, error)
	Teardown(ctx context.Context, h *docker.Handle, policy docker.TeardownPolicy) error
}

// Options bound the engine's stage behavior.
type Options struct {
	InstallTimeout time.Duration
	TestTimeout    time.Duration
	// StartDelay is how long the engine waits after launching the app
	// before checking liveness.
	StartDelay time.Duration
	// Cleanup false keeps the container around for debugging.
	Cleanup bool
	// StrictTests treats a project without a test suite as a failing one.
	StrictTests bool
}

// Engine performs one validation attempt per call. A single engine is
// shared across workflows; each call uses its own container.
type Engine struct {
	runtime Runtime
	logger  *observability.Logger
	opts    Options
}

// NewEngine creates a validation engine over the given runtime.
func NewEngine(runtime Runtime, logger *observability.Logger, opts Options) *Engine {
	if opts.InstallTimeout <= 0 {
		opts.InstallTimeout = 4 * time.Minute
	}
	if opts.TestTimeout <= 0 {
		opts.TestTimeout = 90 * time.Second
	}
	if opts.StartDelay <= 0 {
		opts.StartDelay = 3 * time.Second
	}
	return &Engine{runtime: runtime, logger: logger, opts: opts}
}

// Request describes one validation attempt.
type Request struct {
	MigrationID string
	ProjectRoot string
	ProjectType migration.ProjectType
	Plan        *migration.Plan
	HostPort    int

	// OnStage receives a progress callback after each stage. Optional.
	OnStage func(stage string, ok bool, detail string)
}

// ContainerName derives the deterministic sandbox name from the project
// basename, suffixed with the migration id so concurrent workflows over
// the same project never collide.
func ContainerName(projectRoot, migrationID string) string {
	base := strings.ToLower(filepath.Base(projectRoot))
	base = strings.ReplaceAll(base, "_", "-")
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '.' {
			return r
		}
		return '-'
	}, base)

	name := containerNamePrefix + base
	if migrationID != "" {
		suffix := migrationID
		if len(suffix) > 8 {
			suffix = suffix[:8]
		}
		name += "-" + suffix
	}
	return name
}

// Validate runs the full stage sequence and always returns an outcome;
// failures are recorded inside it. The container is released on every
// path unless cleanup is disabled.
func (e *Engine) Validate(ctx context.Context, req Request) *migration.ValidationOutcome {
	outcome := &migration.ValidationOutcome{
		ContainerName: ContainerName(req.ProjectRoot, req.MigrationID),
		HostPort:      req.HostPort,
	}
	if outcome.HostPort == 0 {
		outcome.HostPort = req.ProjectType.DefaultPort()
	}

	h, ok := e.createStage(ctx, req, outcome)
	if !ok {
		return outcome
	}

	defer func() {
		policy := docker.TeardownRemove
		if !e.opts.Cleanup {
			policy = docker.TeardownKeep
		}
		// Teardown errors are logged only; they never replace a stage
		// error already recorded on the outcome.
		if err := e.runtime.Teardown(context.Background(), h, policy); err != nil {
			e.logger.Warn("sandbox teardown failed",
				zap.String("container", outcome.ContainerName),
				zap.Error(err),
			)
		}
		outcome.Logs = h.Logs()
	}()

	if !e.injectStage(ctx, req, outcome, h) {
		return outcome
	}

	written, ok := e.applyPlanStage(ctx, req, outcome, h)
	if !ok {
		return outcome
	}

	if e.installStage(ctx, req, outcome, h) {
		entry := e.startStage(ctx, req, outcome, h)
		if outcome.StartOK {
			e.healthStage(ctx, req, outcome, h, entry)
			e.testStage(ctx, req, outcome, h, written)
		}
	}

	e.verifyStage(ctx, req, outcome, h, written)
	return outcome
}

func (e *Engine) report(req Request, outcome *migration.ValidationOutcome, stage string, ok bool, detail string) {
	result := "pass"
	if !ok {
		result = "fail"
	}
	observability.ValidationStages.WithLabelValues(stage, result).Inc()
	e.logger.Debug("validation stage finished",
		zap.String("migration_id", req.MigrationID),
		zap.String("stage", stage),
		zap.Bool("ok", ok),
	)
	if req.OnStage != nil {
		req.OnStage(stage, ok, detail)
	}
}

func (e *Engine) createStage(ctx context.Context, req Request, outcome *migration.ValidationOutcome) (*docker.Handle, bool) {
	h, err := e.runtime.Create(ctx, outcome.ContainerName, req.ProjectType.Image(), appDir,
		outcome.HostPort, req.ProjectType.DefaultPort(), docker.ResourceLimits{})
	if err != nil {
		outcome.AddError("create", err.Error())
		e.report(req, outcome, "create", false, err.Error())
		return nil, false
	}
	e.report(req, outcome, "create", true, outcome.ContainerName)
	return h, true
}

func (e *Engine) injectStage(ctx context.Context, req Request, outcome *migration.ValidationOutcome, h *docker.Handle) bool {
	if err := e.runtime.CopyIn(ctx, h, req.ProjectRoot, appDir, excludedDirs); err != nil {
		outcome.AddError("inject", err.Error())
		e.report(req, outcome, "inject", false, err.Error())
		return false
	}
	e.report(req, outcome, "inject", true, "")
	return true
}

// applyPlanStage mutates the in-container manifest per the plan and
// returns the bytes that were written, for later read-back comparison.
func (e *Engine) applyPlanStage(ctx context.Context, req Request, outcome *migration.ValidationOutcome, h *docker.Handle) ([]byte, bool) {
	if req.Plan == nil || len(req.Plan.Dependencies) == 0 {
		return nil, true
	}

	manifestPath := appDir + "/" + req.ProjectType.ManifestPath()
	current, err := e.runtime.ReadFile(ctx, h, manifestPath)
	if err != nil {
		outcome.AddError("apply_plan", err.Error())
		e.report(req, outcome, "apply_plan", false, err.Error())
		return nil, false
	}

	mutated, err := ApplyPlan(req.ProjectType, current, req.Plan)
	if err != nil {
		outcome.AddError("apply_plan", err.Error())
		e.report(req, outcome, "apply_plan", false, err.Error())
		return nil, false
	}

	if err := e.runtime.WriteFile(ctx, h, manifestPath, mutated); err != nil {
		outcome.AddError("apply_plan", err.Error())
		e.report(req, outcome, "apply_plan", false, err.Error())
		return nil, false
	}

	e.report(req, outcome, "apply_plan", true, fmt.Sprintf("%d dependency changes", len(req.Plan.Dependencies)))
	return mutated, true
}

func (e *Engine) installStage(ctx context.Context, req Request, outcome *migration.ValidationOutcome, h *docker.Handle) bool {
	var argv []string
	if req.ProjectType == migration.ProjectPython {
		argv = []string{"pip", "install", "-r", "requirements.txt"}
	} else {
		// Not --production: devDependencies carry the test framework.
		argv = []string{"npm", "install"}
	}

	res, err := e.runtime.Exec(ctx, h, argv, nil, e.opts.InstallTimeout)
	h.RecordLog("install", res.Stdout+res.Stderr)

	outcome.InstallOK = err == nil && res.ExitCode == 0
	if !outcome.InstallOK {
		detail := tail(res.Stderr, 500)
		if err != nil {
			detail = err.Error()
		}
		outcome.AddError("install", fmt.Sprintf("exit %d: %s", res.ExitCode, detail))
	}
	e.report(req, outcome, "install", outcome.InstallOK, fmt.Sprintf("exit %d in %s", res.ExitCode, res.Duration.Round(time.Millisecond)))
	return outcome.InstallOK
}

// startStage launches the application in the background and returns the
// entry command used, for later process checks.
func (e *Engine) startStage(ctx context.Context, req Request, outcome *migration.ValidationOutcome, h *docker.Handle) string {
	entry, err := e.resolveEntry(ctx, req, h)
	if err != nil {
		outcome.AddError("start", err.Error())
		e.report(req, outcome, "start", false, err.Error())
		return ""
	}

	launch := fmt.Sprintf("nohup %s > /tmp/app.log 2>&1 & sleep 0.1", entry)
	res, err := e.runtime.Exec(ctx, h, []string{"sh", "-c", launch}, nil, 15*time.Second)
	if err != nil {
		outcome.AddError("start", err.Error())
		e.report(req, outcome, "start", false, err.Error())
		return entry
	}
	h.RecordLog("start", res.Stdout+res.Stderr)

	select {
	case <-ctx.Done():
		outcome.AddError("start", ctx.Err().Error())
		e.report(req, outcome, "start", false, ctx.Err().Error())
		return entry
	case <-time.After(e.opts.StartDelay):
	}

	alive := e.processAlive(ctx, h, entry)
	if !alive {
		appLog, _ := e.runtime.Exec(ctx, h, []string{"cat", "/tmp/app.log"}, nil, 10*time.Second)
		h.RecordLog("start", appLog.Stdout)
		outcome.AddError("start", "application exited during startup: "+tail(appLog.Stdout, 500))
	}
	outcome.StartOK = alive
	e.report(req, outcome, "start", alive, entry)
	return entry
}

// resolveEntry picks the conventional entrypoint for the project type.
func (e *Engine) resolveEntry(ctx context.Context, req Request, h *docker.Handle) (string, error) {
	if req.ProjectType == migration.ProjectPython {
		for _, candidate := range []string{"app.py", "main.py"} {
			res, err := e.runtime.Exec(ctx, h, []string{"sh", "-c", "test -f " + candidate}, nil, 10*time.Second)
			if err == nil && res.ExitCode == 0 {
				return "python " + candidate, nil
			}
		}
		return "", fmt.Errorf("no entrypoint found (tried app.py, main.py)")
	}

	res, err := e.runtime.Exec(ctx, h, []string{"sh", "-c", "test -f index.js"}, nil, 10*time.Second)
	if err == nil && res.ExitCode == 0 {
		return "node index.js", nil
	}
	return "", fmt.Errorf("no entrypoint found (tried index.js)")
}

// processAlive checks for the entry command among running processes. Slim
// images often ship without ps, so /proc is scanned directly when ps is
// unavailable.
func (e *Engine) processAlive(ctx context.Context, h *docker.Handle, entry string) bool {
	marker := entry
	if idx := strings.LastIndex(entry, " "); idx >= 0 {
		marker = entry[idx+1:]
	}

	script := fmt.Sprintf(
		"ps aux 2>/dev/null | grep -F %q | grep -v grep >/dev/null && exit 0; "+
			"for p in /proc/[0-9]*/cmdline; do tr '\\0' ' ' < \"$p\" 2>/dev/null | grep -qF %q && exit 0; done; exit 1",
		marker, marker)

	res, err := e.runtime.Exec(ctx, h, []string{"sh", "-c", script}, nil, 10*time.Second)
	return err == nil && res.ExitCode == 0
}

// healthStage probes the application over HTTP using the project's own
// runtime, since slim images carry no curl. A server answering anything,
// even an error page, counts as live. Health failure does not stop test
// execution; the analyzer wants both signals.
func (e *Engine) healthStage(ctx context.Context, req Request, outcome *migration.ValidationOutcome, h *docker.Handle, entry string) {
	port := req.ProjectType.DefaultPort()

	var argv []string
	if req.ProjectType == migration.ProjectPython {
		probe := fmt.Sprintf(
			"import urllib.request, urllib.error, sys\n"+
				"try:\n    urllib.request.urlopen('http://localhost:%d/', timeout=3)\n"+
				"except urllib.error.HTTPError:\n    pass\n"+
				"except Exception as e:\n    print(e); sys.exit(1)\n", port)
		argv = []string{"python", "-c", probe}
	} else {
		probe := fmt.Sprintf(
			"const req = require('http').get('http://localhost:%d/', () => process.exit(0));"+
				"req.on('error', e => { console.error(e.message); process.exit(1); });"+
				"req.setTimeout(3000, () => process.exit(1));", port)
		argv = []string{"node", "-e", probe}
	}

	res, err := e.runtime.Exec(ctx, h, argv, nil, 15*time.Second)
	h.RecordLog("health", res.Stdout+res.Stderr)

	httpOK := err == nil && res.ExitCode == 0
	if httpOK {
		outcome.HealthOK = true
	} else {
		// Fall back to process presence: some projects serve nothing on
		// the conventional port but are still alive.
		outcome.HealthOK = e.processAlive(ctx, h, entry)
		if !outcome.HealthOK {
			outcome.AddError("health", "liveness probe failed: "+tail(res.Stderr+res.Stdout, 300))
		}
	}
	e.report(req, outcome, "health", outcome.HealthOK, "")
}

func (e *Engine) testStage(ctx context.Context, req Request, outcome *migration.ValidationOutcome, h *docker.Handle, written []byte) {
	found, runArgv := e.discoverTests(ctx, req, h, written)
	if !found {
		if e.opts.StrictTests {
			// Strict mode treats a missing suite as a failing one.
			outcome.TestsFound = true
			outcome.TestsOK = false
			outcome.AddError("test", "no test suite found")
			e.report(req, outcome, "test", false, "no test suite found")
			return
		}
		outcome.TestsFound = false
		e.report(req, outcome, "test", true, "no tests present")
		return
	}

	outcome.TestsFound = true
	res, err := e.runtime.Exec(ctx, h, runArgv, []string{"CI=true"}, e.opts.TestTimeout)

	// pytest may be absent from the project's dependencies; fall back to
	// the standard library runner.
	if req.ProjectType == migration.ProjectPython && (res.ExitCode == 127 || strings.Contains(res.Stderr, "not found")) {
		res, err = e.runtime.Exec(ctx, h, []string{"python", "-m", "unittest", "discover", "-v"}, nil, e.opts.TestTimeout)
	}

	output := res.Stdout + res.Stderr
	h.RecordLog("test", output)

	outcome.TestsOK = err == nil && res.ExitCode == 0
	outcome.TestSummary = ParseTestSummary(output)
	if !outcome.TestsOK {
		outcome.AddError("test", fmt.Sprintf("exit %d: %s", res.ExitCode, tail(output, 500)))
	}
	e.report(req, outcome, "test", outcome.TestsOK, outcome.TestSummary)
}

func (e *Engine) discoverTests(ctx context.Context, req Request, h *docker.Handle, written []byte) (bool, []string) {
	if req.ProjectType == migration.ProjectPython {
		script := "test -d tests && exit 0; " +
			"ls test_*.py >/dev/null 2>&1 && exit 0; " +
			"ls *_test.py >/dev/null 2>&1 && exit 0; exit 1"
		res, err := e.runtime.Exec(ctx, h, []string{"sh", "-c", script}, nil, 10*time.Second)
		return err == nil && res.ExitCode == 0, []string{"pytest", "-v"}
	}

	manifest := written
	if manifest == nil {
		data, err := e.runtime.ReadFile(ctx, h, appDir+"/"+req.ProjectType.ManifestPath())
		if err != nil {
			return false, nil
		}
		manifest = data
	}
	return HasNodeTests(manifest), []string{"npm", "test"}
}

// verifyStage reads the manifest back out of the container and confirms
// every planned change landed. A mismatch always fails validation; this
// is what catches silent write corruption.
func (e *Engine) verifyStage(ctx context.Context, req Request, outcome *migration.ValidationOutcome, h *docker.Handle, written []byte) {
	if req.Plan == nil || len(req.Plan.Dependencies) == 0 {
		outcome.VersionsMatch = true
		e.report(req, outcome, "verify_versions", true, "no planned changes")
		return
	}

	manifestPath := appDir + "/" + req.ProjectType.ManifestPath()
	current, err := e.runtime.ReadFile(ctx, h, manifestPath)
	if err != nil {
		outcome.AddError("verify_versions", err.Error())
		e.report(req, outcome, "verify_versions", false, err.Error())
		return
	}

	if written != nil && xxhash.Sum64(current) != xxhash.Sum64(written) {
		// The installer rewrote the manifest; trust the parsed versions
		// below but record the divergence.
		e.logger.Debug("manifest bytes changed after install",
			zap.String("migration_id", req.MigrationID),
			zap.String("path", manifestPath),
		)
	}

	mismatches := VersionsSatisfied(req.Plan, ManifestVersions(req.ProjectType, current))
	for _, m := range mismatches {
		outcome.AddError("verify_versions", m)
	}
	outcome.VersionsMatch = len(mismatches) == 0
	e.report(req, outcome, "verify_versions", outcome.VersionsMatch, fmt.Sprintf("%d mismatches", len(mismatches)))
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
