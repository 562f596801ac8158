package archival

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/apexlabs/infergate/gwerrors"
)

// GitWorktreeTarget is the optional secondary archival target from spec.md
// §4.13: an immutable append-only branch in an external version-controlled
// store, committed via a temporary worktree (no branch-switching on the
// live process) with fast-forward-only push to prevent divergence.
// Grounded on the teacher's internal/build tooling style of shelling out to
// git with a fixed, explicit argument list (never through a shell).
type GitWorktreeTarget struct {
	RepoDir string // path to the live repository's .git
	Branch  string
	Remote  string
}

// Commit checks out Branch into a temporary worktree (leaving the live
// repository's HEAD untouched), copies files into it, commits, and
// fast-forward-pushes. Per spec.md §9 Open Question, this is the only
// supported path - no synchronous execFileSync-style fallback exists.
func (t *GitWorktreeTarget) Commit(ctx context.Context, files map[string][]byte, message string) error {
	wtDir, err := os.MkdirTemp("", "infergate-archival-wt-*")
	if err != nil {
		return gwerrors.New(gwerrors.IO, "archival.worktree.mkdtemp", err)
	}
	defer os.RemoveAll(wtDir)

	if err := t.git(ctx, "worktree", "add", "--detach", wtDir, t.Branch); err != nil {
		return gwerrors.New(gwerrors.IO, "archival.worktree.add", err)
	}
	defer t.git(ctx, "worktree", "remove", "--force", wtDir)

	for name, data := range files {
		if err := os.WriteFile(filepath.Join(wtDir, name), data, 0o644); err != nil {
			return gwerrors.New(gwerrors.IO, "archival.worktree.write", err)
		}
	}

	if err := t.gitIn(ctx, wtDir, "add", "."); err != nil {
		return gwerrors.New(gwerrors.IO, "archival.worktree.add_files", err)
	}
	if err := t.gitIn(ctx, wtDir, "commit", "-m", message); err != nil {
		return gwerrors.New(gwerrors.IO, "archival.worktree.commit", err)
	}
	// --ff-only: never force; a rejected push means a concurrent writer
	// got there first and this run simply retries next cycle.
	if err := t.gitIn(ctx, wtDir, "push", t.Remote, "HEAD:"+t.Branch, "--ff-only"); err != nil {
		return gwerrors.New(gwerrors.IO, "archival.worktree.push", err)
	}
	return nil
}

func (t *GitWorktreeTarget) git(ctx context.Context, args ...string) error {
	return t.gitIn(ctx, t.RepoDir, args...)
}

func (t *GitWorktreeTarget) gitIn(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.Run()
}
