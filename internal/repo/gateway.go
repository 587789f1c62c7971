package repo

import (
	"context"
	"fmt"
	"strings"
)

// Ref identifies a repository on the remote host.
type Ref struct {
	Owner string
	Name  string
	// BaseBranch is the branch pull requests target. Defaults to "main".
	BaseBranch string
	// Token authorizes API calls. Never persisted or logged.
	Token string
}

// String returns the owner/name slug.
func (r Ref) String() string {
	return r.Owner + "/" + r.Name
}

// Base returns the configured base branch or "main".
func (r Ref) Base() string {
	if r.BaseBranch == "" {
		return "main"
	}
	return r.BaseBranch
}

// ParseRef extracts owner and repository name from a git URL such as
// https://github.com/owner/repo.git or git@github.com:owner/repo.git.
func ParseRef(gitURL, branch, token string) (Ref, error) {
	s := strings.TrimSuffix(strings.TrimSpace(gitURL), ".git")
	s = strings.TrimSuffix(s, "/")

	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}
	if idx := strings.Index(s, "@"); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.ReplaceAll(s, ":", "/")

	parts := strings.Split(s, "/")
	if len(parts) < 3 || parts[len(parts)-2] == "" || parts[len(parts)-1] == "" {
		return Ref{}, fmt.Errorf("cannot parse repository from URL %q", gitURL)
	}

	return Ref{
		Owner:      parts[len(parts)-2],
		Name:       parts[len(parts)-1],
		BaseBranch: branch,
		Token:      token,
	}, nil
}

// Gateway is the repository host contract the deployer and planner consume.
// All failures are *Error values carrying a Kind.
type Gateway interface {
	// ReadFile fetches one file from the named branch.
	ReadFile(ctx context.Context, ref Ref, path, branch string) ([]byte, error)

	// CreateBranch creates branch from the tip of fromBranch.
	CreateBranch(ctx context.Context, ref Ref, branch, fromBranch string) error

	// PushFiles commits the given path-to-content map onto branch.
	PushFiles(ctx context.Context, ref Ref, branch string, files map[string][]byte, commitMessage string) error

	// OpenPullRequest opens a PR from head into base and returns its URL.
	OpenPullRequest(ctx context.Context, ref Ref, title, body, head, base string) (string, error)
}
