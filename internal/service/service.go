// Package service exposes the migration orchestration API: start, status,
// listing, event subscription, and cancellation.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/artemis/modernizer/internal/config"
	"github.com/artemis/modernizer/internal/events"
	"github.com/artemis/modernizer/internal/migration"
	"github.com/artemis/modernizer/internal/observability"
	"github.com/artemis/modernizer/internal/repo"
	"github.com/artemis/modernizer/internal/workers"
	"github.com/artemis/modernizer/internal/workflow"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound is returned for unknown migration ids.
var ErrNotFound = errors.New("migration not found")

// maxRetryBound caps the per-request retry budget.
const maxRetryBound = 10

// StartRequest is the exhaustive set of fields accepted by StartMigration.
type StartRequest struct {
	ProjectPath string `json:"project_path,omitempty"`
	GitRepoURL  string `json:"git_repo_url,omitempty"`
	GitBranch   string `json:"git_branch,omitempty"`
	AuthToken   string `json:"auth_token,omitempty"`
	ProjectType string `json:"project_type"`
	MaxRetries  *int   `json:"max_retries,omitempty"`
}

// Service owns the registry of live workflows and spawns one goroutine per
// migration, bounded by the configured concurrency.
type Service struct {
	cfg    *config.Config
	store  *workflow.Store
	bus    *events.Bus
	github repo.Gateway
	logger *observability.Logger

	engine *workflow.Engine

	mu       sync.RWMutex
	registry map[string]*migration.State
	cancels  map[string]context.CancelFunc

	sem chan struct{}
	wg  sync.WaitGroup
}

// Deps are the collaborators the service wires into workers.
type Deps struct {
	Store     *workflow.Store
	Bus       *events.Bus
	GitHub    repo.Gateway
	Planner   workflow.Worker
	Validator workflow.Worker
	Analyzer  workflow.Worker
	Deployer  workflow.Worker
}

// New creates a migration service. The worker fields of deps must be
// constructed with the same bus and gateway selector returned by
// (*Service).GatewayFor; see cmd wiring.
func New(cfg *config.Config, deps Deps, logger *observability.Logger) *Service {
	s := &Service{
		cfg:      cfg,
		store:    deps.Store,
		bus:      deps.Bus,
		github:   deps.GitHub,
		logger:   logger,
		registry: make(map[string]*migration.State),
		cancels:  make(map[string]context.CancelFunc),
		sem:      make(chan struct{}, cfg.Concurrency),
	}

	s.engine = workflow.NewEngine(deps.Store, deps.Bus, workflow.Set{
		Planner:   deps.Planner,
		Validator: deps.Validator,
		Analyzer:  deps.Analyzer,
		Deployer:  deps.Deployer,
	}, logger, s.updateRegistry)

	return s
}

// GatewayFor selects the repository gateway for a migration: the host
// gateway for git sources, a filesystem-backed recorder for local paths.
func (s *Service) GatewayFor(st *migration.State) (repo.Gateway, repo.Ref, error) {
	if st.Source.Remote() {
		ref, err := repo.ParseRef(st.Source.GitURL, st.Source.GitBranch, st.Source.AuthToken)
		if err != nil {
			return nil, repo.Ref{}, err
		}
		return s.github, ref, nil
	}
	local := repo.NewLocalGateway(st.ProjectRoot, s.store.Dir(st.ID), s.logger)
	return local, workers.LocalRef(st.ProjectRoot), nil
}

// StartMigration validates the request, prepares the working copy, and
// schedules the workflow. It returns immediately with the migration id.
func (s *Service) StartMigration(ctx context.Context, req StartRequest) (string, error) {
	projectType := migration.ProjectType(strings.ToLower(req.ProjectType))
	if !projectType.Valid() {
		return "", fmt.Errorf("invalid project type %q (want node or python)", req.ProjectType)
	}

	retries := s.cfg.MaxRetries
	if req.MaxRetries != nil {
		retries = *req.MaxRetries
	}
	if retries < 0 || retries > maxRetryBound {
		return "", fmt.Errorf("max retries must be within [0, %d], got %d", maxRetryBound, retries)
	}

	id := uuid.NewString()

	root, source, err := s.resolveSource(ctx, id, req)
	if err != nil {
		return "", err
	}

	st := &migration.State{
		ID:          id,
		ProjectRoot: root,
		ProjectType: projectType,
		Source:      source,
		RetriesMax:  retries,
	}

	s.mu.Lock()
	s.registry[id] = st
	s.mu.Unlock()
	s.bus.Register(id)

	s.launch(st)

	s.logger.InfoRedacted("migration accepted",
		zap.String("migration_id", id),
		zap.String("project_type", string(projectType)),
		zap.String("project_root", root),
		zap.Int("retries_max", retries),
	)
	return id, nil
}

// resolveSource yields the writable project root: the given local path, or
// a fresh clone of the git source under the workspace root.
func (s *Service) resolveSource(ctx context.Context, id string, req StartRequest) (string, migration.Source, error) {
	if req.ProjectPath != "" {
		abs, err := filepath.Abs(req.ProjectPath)
		if err != nil {
			return "", migration.Source{}, err
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			return "", migration.Source{}, fmt.Errorf("project path %s is not a directory", abs)
		}
		return abs, migration.Source{LocalPath: abs}, nil
	}

	if req.GitRepoURL == "" {
		return "", migration.Source{}, fmt.Errorf("either project_path or git_repo_url is required")
	}

	branch := req.GitBranch
	if branch == "" {
		branch = "main"
	}

	dest := filepath.Join(s.cfg.WorkspaceRoot, id)
	if err := s.cloneRepo(ctx, req.GitRepoURL, branch, req.AuthToken, dest); err != nil {
		return "", migration.Source{}, fmt.Errorf("clone repository: %w", err)
	}

	return dest, migration.Source{
		GitURL:    req.GitRepoURL,
		GitBranch: branch,
		AuthToken: req.AuthToken,
	}, nil
}

// cloneRepo shallow-clones the source branch. The token rides in the URL
// for the single clone invocation and is never logged or persisted.
func (s *Service) cloneRepo(ctx context.Context, gitURL, branch, token, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	cloneURL := gitURL
	if token != "" && strings.HasPrefix(gitURL, "https://") {
		cloneURL = "https://x-access-token:" + token + "@" + strings.TrimPrefix(gitURL, "https://")
	}

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--branch", branch, cloneURL, dest)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone failed: %s", observability.RedactString(strings.TrimSpace(string(out))))
	}
	return nil
}

// launch schedules the workflow goroutine. The concurrency semaphore is
// acquired inside the goroutine so StartMigration never blocks; queued
// workflows simply wait their turn.
func (s *Service) launch(st *migration.State) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.cancels[st.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		s.sem <- struct{}{}
		defer func() { <-s.sem }()

		observability.ActiveWorkflows.Inc()
		defer observability.ActiveWorkflows.Dec()

		s.engine.Run(ctx, st.Clone())

		// The terminal state is checkpointed before Run returns; drop the
		// in-memory entries so long-running servers stay bounded. Reads fall
		// back to the store, subscriptions to the persisted terminal event.
		s.mu.Lock()
		delete(s.registry, st.ID)
		delete(s.cancels, st.ID)
		s.mu.Unlock()
		s.bus.Drop(st.ID)
	}()
}

// GetMigration returns a snapshot of the migration's state, consulting the
// persisted store for ids no longer in memory.
func (s *Service) GetMigration(id string) (*migration.State, error) {
	s.mu.RLock()
	st, ok := s.registry[id]
	s.mu.RUnlock()
	if ok {
		return st.Clone(), nil
	}

	st, err := s.store.LoadState(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return st, nil
}

// ListMigrations returns persisted snapshots ordered newest first. Live
// migrations are included because every phase boundary is checkpointed.
func (s *Service) ListMigrations(limit, offset int) ([]*migration.State, error) {
	states, err := s.store.ListStates()
	if err != nil {
		return nil, err
	}

	// Overlay in-memory registry entries, which may be ahead of the last
	// checkpoint for migrations mid-worker.
	s.mu.RLock()
	for i, st := range states {
		if live, ok := s.registry[st.ID]; ok {
			states[i] = live.Clone()
		}
	}
	s.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(states) {
		return nil, nil
	}
	states = states[offset:]
	if limit > 0 && limit < len(states) {
		states = states[:limit]
	}
	return states, nil
}

// SubscribeMigration attaches to the migration's event stream. Finished
// migrations deliver their terminal event immediately.
func (s *Service) SubscribeMigration(id string) (*events.Subscription, error) {
	sub, err := s.bus.Subscribe(id)
	if errors.Is(err, events.ErrUnknownMigration) {
		return nil, ErrNotFound
	}
	return sub, err
}

// Unsubscribe detaches a subscriber.
func (s *Service) Unsubscribe(id string, sub *events.Subscription) {
	s.bus.Unsubscribe(id, sub)
}

// Cancel aborts a live migration at its next cooperative check. Canceling
// a finished or unknown migration returns ErrNotFound.
func (s *Service) Cancel(id string) error {
	s.mu.RLock()
	cancel, ok := s.cancels[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	cancel()
	s.logger.Info("migration cancellation requested", zap.String("migration_id", id))
	return nil
}

// ResumeAll relaunches every persisted migration that never reached a
// terminal phase, re-invoking the worker for its committed phase.
func (s *Service) ResumeAll() error {
	states, err := s.store.ListStates()
	if err != nil {
		return err
	}

	for _, st := range states {
		if st.Phase.Terminal() {
			continue
		}
		s.mu.Lock()
		s.registry[st.ID] = st
		s.mu.Unlock()
		s.bus.Register(st.ID)

		s.logger.Info("resuming interrupted migration",
			zap.String("migration_id", st.ID),
			zap.String("phase", string(st.Phase)),
		)
		s.launch(st)
	}
	return nil
}

// Shutdown cancels every live workflow and waits for their goroutines.
func (s *Service) Shutdown() {
	s.mu.RLock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.RUnlock()
	s.wg.Wait()
}

func (s *Service) updateRegistry(st *migration.State) {
	s.mu.Lock()
	s.registry[st.ID] = st
	s.mu.Unlock()
}
