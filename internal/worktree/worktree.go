// Package worktree manages the isolated git worktrees workers execute in.
// Each section gets its own worktree and branch off the integration branch;
// the merge coordinator later cherry-picks the branch's commits back.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/foremanlabs/foreman/internal/logging"
)

// Worktree is one isolated checkout.
type Worktree struct {
	// Path is the worktree's directory on disk.
	Path string
	// Branch is the section branch the worktree has checked out.
	Branch string
	// Base is the commit the branch started from.
	Base string
}

// Git runs git commands. Abstracted for tests.
type Git interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit returns a Git that shells out to the git binary.
func ExecGit() Git { return execGit{} }

// execGit shells out to the git binary.
type execGit struct{}

func (execGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Manager creates and removes worktrees under a base directory.
type Manager struct {
	repoRoot string
	baseDir  string
	branch   string // integration branch sections fork from and merge into
	git      Git
	logger   *logging.Logger
}

// NewManager creates a worktree manager for the repository at repoRoot.
// Worktrees are placed under baseDir; sections fork from integrationBranch.
func NewManager(repoRoot, baseDir, integrationBranch string, logger *logging.Logger) *Manager {
	return &Manager{
		repoRoot: repoRoot,
		baseDir:  baseDir,
		branch:   integrationBranch,
		git:      execGit{},
		logger:   logger,
	}
}

// NewManagerWithGit creates a manager with a custom git implementation.
func NewManagerWithGit(repoRoot, baseDir, integrationBranch string, git Git, logger *logging.Logger) *Manager {
	m := NewManager(repoRoot, baseDir, integrationBranch, logger)
	m.git = git
	return m
}

// IntegrationBranch returns the branch sections merge into.
func (m *Manager) IntegrationBranch() string { return m.branch }

// BranchFor returns the branch name used for a section's worktree.
func (m *Manager) BranchFor(runID, sectionID string) string {
	return fmt.Sprintf("foreman/%s/%s", shortID(runID), sectionID)
}

// Create makes a fresh worktree and branch for a section. Any stale worktree
// from a previous attempt at the same path is removed first.
func (m *Manager) Create(ctx context.Context, runID, sectionID string) (*Worktree, error) {
	branch := m.BranchFor(runID, sectionID)
	path := filepath.Join(m.baseDir, shortID(runID), sectionID)

	if _, err := os.Stat(path); err == nil {
		if err := m.Remove(ctx, &Worktree{Path: path, Branch: branch}); err != nil {
			m.logger.Warn("failed to clean stale worktree", "path", path, "error", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree parent: %w", err)
	}

	base, err := m.git.Run(ctx, m.repoRoot, "rev-parse", m.branch)
	if err != nil {
		return nil, err
	}
	base = strings.TrimSpace(base)

	// -B resets the branch if a prior attempt left it behind.
	if _, err := m.git.Run(ctx, m.repoRoot,
		"worktree", "add", "-B", branch, path, base); err != nil {
		return nil, err
	}

	m.logger.Debug("worktree created", "path", path, "branch", branch, "base", base)
	return &Worktree{Path: path, Branch: branch, Base: base}, nil
}

// Remove deletes the worktree and its branch. Branch deletion failure is
// non-fatal; merged branches may already be gone.
func (m *Manager) Remove(ctx context.Context, wt *Worktree) error {
	if _, err := m.git.Run(ctx, m.repoRoot,
		"worktree", "remove", "--force", wt.Path); err != nil {
		return err
	}
	if wt.Branch != "" {
		if _, err := m.git.Run(ctx, m.repoRoot, "branch", "-D", wt.Branch); err != nil {
			m.logger.Debug("branch delete failed", "branch", wt.Branch, "error", err)
		}
	}
	return nil
}

// Commits returns the worktree branch's commits since its base, oldest
// first, ready for cherry-picking.
func (m *Manager) Commits(ctx context.Context, wt *Worktree) ([]string, error) {
	out, err := m.git.Run(ctx, m.repoRoot,
		"rev-list", "--reverse", wt.Base+".."+wt.Branch)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// ChangedFiles returns the paths the worktree branch touched relative to its
// base. Used for gate path filters and overlap diagnostics.
func (m *Manager) ChangedFiles(ctx context.Context, wt *Worktree) ([]string, error) {
	out, err := m.git.Run(ctx, m.repoRoot,
		"diff", "--name-only", wt.Base, wt.Branch)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// Prune removes the run's worktree directory and any git bookkeeping left
// behind. Called after a run reaches a terminal state.
func (m *Manager) Prune(ctx context.Context, runID string) error {
	dir := filepath.Join(m.baseDir, shortID(runID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove worktree dir: %w", err)
	}
	_, err := m.git.Run(ctx, m.repoRoot, "worktree", "prune")
	return err
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// shortID trims a ULID down to a filesystem-friendly prefix.
func shortID(id string) string {
	if len(id) > 10 {
		return strings.ToLower(id[:10])
	}
	return strings.ToLower(id)
}
