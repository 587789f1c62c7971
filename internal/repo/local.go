package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/artemis/modernizer/internal/observability"
	"go.uber.org/zap"
)

// LocalGateway serves local-path migrations where no remote host exists.
// Reads come from the project working tree; branches and pull requests are
// recorded as directories under the persist root so a run against a local
// project still yields an inspectable deployment artifact.
type LocalGateway struct {
	projectRoot string
	recordRoot  string
	logger      *observability.Logger
}

// NewLocalGateway creates a gateway over the given working tree, recording
// deployment artifacts under recordRoot.
func NewLocalGateway(projectRoot, recordRoot string, logger *observability.Logger) *LocalGateway {
	return &LocalGateway{
		projectRoot: projectRoot,
		recordRoot:  recordRoot,
		logger:      logger,
	}
}

// ReadFile reads path from the working tree. The ref and branch arguments
// are ignored; a local tree has exactly one version.
func (g *LocalGateway) ReadFile(ctx context.Context, ref Ref, path, branch string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError(KindTransient, "read_file", err)
	}

	full := filepath.Join(g.projectRoot, filepath.Clean("/"+path))
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewError(KindNotFound, "read_file", err)
		}
		return nil, NewError(KindPermanent, "read_file", err)
	}
	observability.GatewayCalls.WithLabelValues("read_file", "success").Inc()
	return data, nil
}

// CreateBranch records the branch as a directory. Creating an existing
// branch is a no-op.
func (g *LocalGateway) CreateBranch(ctx context.Context, ref Ref, branch, fromBranch string) error {
	if err := ctx.Err(); err != nil {
		return NewError(KindTransient, "create_branch", err)
	}

	if err := os.MkdirAll(g.branchDir(branch), 0o755); err != nil {
		return NewError(KindPermanent, "create_branch", err)
	}
	observability.GatewayCalls.WithLabelValues("create_branch", "success").Inc()
	return nil
}

// PushFiles writes the changed files under the branch directory.
func (g *LocalGateway) PushFiles(ctx context.Context, ref Ref, branch string, files map[string][]byte, commitMessage string) error {
	if err := ctx.Err(); err != nil {
		return NewError(KindTransient, "push_files", err)
	}

	dir := g.branchDir(branch)
	for path, content := range files {
		full := filepath.Join(dir, filepath.Clean("/"+path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return NewError(KindPermanent, "push_files", err)
		}
		if err := os.WriteFile(full, content, 0o644); err != nil {
			return NewError(KindPermanent, "push_files", err)
		}
	}

	commitPath := filepath.Join(dir, "COMMIT_MESSAGE.txt")
	if err := os.WriteFile(commitPath, []byte(commitMessage+"\n"), 0o644); err != nil {
		return NewError(KindPermanent, "push_files", err)
	}

	observability.GatewayCalls.WithLabelValues("push_files", "success").Inc()
	return nil
}

// OpenPullRequest records the PR body next to the branch directory and
// returns a file URL pointing at it.
func (g *LocalGateway) OpenPullRequest(ctx context.Context, ref Ref, title, body, head, base string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", NewError(KindTransient, "open_pull_request", err)
	}

	dir := g.branchDir(head)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", NewError(KindPermanent, "open_pull_request", err)
	}

	prPath := filepath.Join(dir, "PULL_REQUEST.md")
	content := fmt.Sprintf("# %s\n\n%s\n", title, body)
	if err := os.WriteFile(prPath, []byte(content), 0o644); err != nil {
		return "", NewError(KindPermanent, "open_pull_request", err)
	}

	g.logger.Info("recorded local pull request",
		zap.String("branch", head),
		zap.String("path", prPath),
	)
	observability.GatewayCalls.WithLabelValues("open_pull_request", "success").Inc()
	return "file://" + prPath, nil
}

func (g *LocalGateway) branchDir(branch string) string {
	safe := strings.ReplaceAll(branch, "/", "__")
	return filepath.Join(g.recordRoot, "deploys", safe)
}
