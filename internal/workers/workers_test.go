package workers

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/artemis/modernizer/internal/migration"
	"github.com/artemis/modernizer/internal/observability"
	"github.com/artemis/modernizer/internal/reasoner"
	"github.com/artemis/modernizer/internal/repo"
	"github.com/stretchr/testify/require"
)

// fakePublisher records published events in order.
type fakePublisher struct {
	mu     sync.Mutex
	events []migration.Event
}

func (p *fakePublisher) Publish(migrationID string, event migration.Event) migration.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	event.MigrationID = migrationID
	event.Seq = uint64(len(p.events) + 1)
	p.events = append(p.events, event)
	return event
}

func (p *fakePublisher) kinds() []migration.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]migration.EventKind, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Kind)
	}
	return out
}

// fakeReasoner returns a scripted result or error and records its inputs.
type fakeReasoner struct {
	result *reasoner.Result
	err    error

	calls     int
	lastTask  reasoner.TaskKind
	lastInput reasoner.Input
}

func (f *fakeReasoner) Reason(ctx context.Context, task reasoner.TaskKind, input reasoner.Input) (*reasoner.Result, error) {
	f.calls++
	f.lastTask = task
	f.lastInput = input
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// fakeGateway scripts the repository host surface.
type fakeGateway struct {
	readContent []byte
	readErr     error

	// branchConflicts is how many CreateBranch calls fail with a conflict
	// before one succeeds.
	branchConflicts int
	branchErr       error
	createdBranches []string

	pushErr     error
	pushedFiles map[string][]byte
	pushBranch  string
	commitMsg   string

	prURL  string
	prErr  error
	prHead string
	prBase string
	prBody string
}

func (g *fakeGateway) ReadFile(ctx context.Context, ref repo.Ref, path, branch string) ([]byte, error) {
	if g.readErr != nil {
		return nil, g.readErr
	}
	return g.readContent, nil
}

func (g *fakeGateway) CreateBranch(ctx context.Context, ref repo.Ref, branch, fromBranch string) error {
	if g.branchErr != nil {
		return g.branchErr
	}
	if g.branchConflicts > 0 {
		g.branchConflicts--
		return repo.NewError(repo.KindConflict, "create_branch", errors.New("reference already exists"))
	}
	g.createdBranches = append(g.createdBranches, branch)
	return nil
}

func (g *fakeGateway) PushFiles(ctx context.Context, ref repo.Ref, branch string, files map[string][]byte, commitMessage string) error {
	if g.pushErr != nil {
		return g.pushErr
	}
	g.pushedFiles = files
	g.pushBranch = branch
	g.commitMsg = commitMessage
	return nil
}

func (g *fakeGateway) OpenPullRequest(ctx context.Context, ref repo.Ref, title, body, head, base string) (string, error) {
	if g.prErr != nil {
		return "", g.prErr
	}
	g.prHead = head
	g.prBase = base
	g.prBody = body
	return g.prURL, nil
}

func gatewayFor(gw repo.Gateway, ref repo.Ref) GatewayFunc {
	return func(st *migration.State) (repo.Gateway, repo.Ref, error) {
		return gw, ref, nil
	}
}

func testLogger(t *testing.T) *observability.Logger {
	t.Helper()
	logger, err := observability.NewLogger("error")
	require.NoError(t, err)
	return logger
}
