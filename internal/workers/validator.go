package workers

import (
	"context"

	"github.com/artemis/modernizer/internal/migration"
	"github.com/artemis/modernizer/internal/observability"
	"github.com/artemis/modernizer/internal/validation"
)

// Validator drives one validation attempt inside the sandbox. It never
// retries; the workflow's analyzer loop owns retry.
type Validator struct {
	engine   *validation.Engine
	bus      Publisher
	logger   *observability.Logger
	hostPort func(migration.ProjectType) int
}

// NewValidator creates a validator worker. hostPort maps a project type to
// its configured host port; nil uses the project defaults.
func NewValidator(engine *validation.Engine, bus Publisher, logger *observability.Logger, hostPort func(migration.ProjectType) int) *Validator {
	return &Validator{
		engine:   engine,
		bus:      bus,
		logger:   logger,
		hostPort: hostPort,
	}
}

// Run populates st.Outcome with a fresh validation result. Idempotent: a
// previous outcome is replaced wholesale.
func (v *Validator) Run(ctx context.Context, st *migration.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	port := 0
	if v.hostPort != nil {
		port = v.hostPort(st.ProjectType)
	}

	req := validation.Request{
		MigrationID: st.ID,
		ProjectRoot: st.ProjectRoot,
		ProjectType: st.ProjectType,
		Plan:        st.Plan,
		HostPort:    port,
		OnStage: func(stage string, ok bool, detail string) {
			v.bus.Publish(st.ID, migration.NewEvent(st.ID, migration.EventStageResult, NameValidator, map[string]any{
				"stage":  stage,
				"ok":     ok,
				"detail": detail,
			}))
		},
	}

	v.bus.Publish(st.ID, migration.NewEvent(st.ID, migration.EventToolUse, NameValidator, map[string]string{
		"tool":      "container.validate",
		"container": validation.ContainerName(st.ProjectRoot, st.ID),
	}))

	outcome := v.engine.Validate(ctx, req)
	st.Outcome = outcome
	for _, e := range outcome.Errors {
		st.AddError("validator: " + e)
	}

	v.bus.Publish(st.ID, migration.NewEvent(st.ID, migration.EventWorkerDone, NameValidator, map[string]any{
		"ok":             outcome.OK(),
		"install_ok":     outcome.InstallOK,
		"start_ok":       outcome.StartOK,
		"health_ok":      outcome.HealthOK,
		"tests_found":    outcome.TestsFound,
		"tests_ok":       outcome.TestsOK,
		"versions_match": outcome.VersionsMatch,
		"test_summary":   outcome.TestSummary,
	}))
	return ctx.Err()
}
