// Package merge integrates section branches into the integration branch.
// Integrations are strictly serialized: one mutex, one monotonic sequence
// counter, so the integration branch history is a total order of sections
// even when their gates ran concurrently.
package merge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/foremanlabs/foreman/internal/errors"
	"github.com/foremanlabs/foreman/internal/logging"
	"github.com/foremanlabs/foreman/internal/worktree"
)

// ConflictKind classifies a cherry-pick conflict from git's porcelain
// status codes.
type ConflictKind string

const (
	// ConflictContent means both sides modified the same lines (UU, AA, AU, UA).
	ConflictContent ConflictKind = "content"
	// ConflictDelete means one side deleted what the other changed (DD, DU, UD).
	ConflictDelete ConflictKind = "delete"
	// ConflictRename means a rename collided with an edit.
	ConflictRename ConflictKind = "rename"
)

// ConflictFile is one conflicted path with its classification.
type ConflictFile struct {
	Path string       `json:"path"`
	Kind ConflictKind `json:"kind"`
}

// Resolution is an operator's answer to a held conflict.
type Resolution string

const (
	// KeepOurs resolves every conflicted file in favor of the integration
	// branch.
	KeepOurs Resolution = "keep_ours"
	// KeepTheirs resolves every conflicted file in favor of the section
	// branch.
	KeepTheirs Resolution = "keep_theirs"
	// Manual means the operator edited the conflicted files in place; the
	// coordinator just stages and continues.
	Manual Resolution = "manual"
)

// Outcome is a successful integration.
type Outcome struct {
	SectionID string
	Seq       int64 // position in the integration order
	Commits   int   // commits cherry-picked
}

// Held is a pending conflict awaiting resolution.
type Held struct {
	SectionID string
	Files     []ConflictFile
}

// Coordinator serializes section integrations.
type Coordinator struct {
	repoRoot string
	branch   string
	git      worktree.Git
	logger   *logging.Logger

	mu   sync.Mutex // held across an entire integration attempt
	seq  atomic.Int64
	held *Held // at most one, because integrations are serial
}

// NewCoordinator creates a merge coordinator for the repository at repoRoot
// integrating into branch.
func NewCoordinator(repoRoot, branch string, git worktree.Git, logger *logging.Logger) *Coordinator {
	return &Coordinator{repoRoot: repoRoot, branch: branch, git: git, logger: logger}
}

// Integrate cherry-picks the worktree's commits onto the integration branch.
// Exactly one integration runs at a time. On conflict the cherry-pick is
// left in place, the conflict is held, and ErrMergeConflict is returned; the
// section is not failed.
func (c *Coordinator) Integrate(ctx context.Context, wt *worktree.Worktree, commits []string) (*Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.held != nil {
		return nil, errors.Wrap(errors.ErrMergeConflict,
			"integration blocked by unresolved conflict on section "+c.held.SectionID)
	}

	sectionID := sectionFromBranch(wt.Branch)
	log := c.logger.WithSection(sectionID)

	if _, err := c.git.Run(ctx, c.repoRoot, "checkout", c.branch); err != nil {
		return nil, err
	}

	for _, commit := range commits {
		if _, err := c.git.Run(ctx, c.repoRoot, "cherry-pick", commit); err != nil {
			files, listErr := c.conflictFiles(ctx)
			if listErr != nil || len(files) == 0 {
				// Not a conflict: abort and surface the raw failure.
				c.git.Run(ctx, c.repoRoot, "cherry-pick", "--abort")
				if listErr != nil {
					err = errors.Join(err, listErr)
				}
				return nil, err
			}

			c.held = &Held{SectionID: sectionID, Files: files}
			log.Warn("integration conflict held",
				"commit", commit, "files", len(files))

			paths := make([]string, len(files))
			for i, f := range files {
				paths[i] = f.Path
			}
			return nil, errors.NewMergeConflictError(sectionID, paths)
		}
	}

	seq := c.seq.Add(1)
	log.Info("section integrated", "seq", seq, "commits", len(commits))
	return &Outcome{SectionID: sectionID, Seq: seq, Commits: len(commits)}, nil
}

// HeldConflict returns the pending conflict, or nil.
func (c *Coordinator) HeldConflict() *Held {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held == nil {
		return nil
	}
	copied := *c.held
	copied.Files = append([]ConflictFile(nil), c.held.Files...)
	return &copied
}

// Resolve applies a resolution to the held conflict and continues the
// cherry-pick. If the continuation conflicts again the conflict stays held;
// the operator gets one more look rather than a silent force-through.
func (c *Coordinator) Resolve(ctx context.Context, resolution Resolution) (*Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.held == nil {
		return nil, errors.New("no conflict held")
	}
	held := c.held

	switch resolution {
	case KeepOurs, KeepTheirs:
		side := "--ours"
		if resolution == KeepTheirs {
			side = "--theirs"
		}
		for _, f := range held.Files {
			if f.Kind == ConflictDelete {
				// checkout --ours/--theirs cannot express a deletion. If the
				// chosen side has no blob for the path, the deletion wins.
				if _, err := c.git.Run(ctx, c.repoRoot, "checkout", side, "--", f.Path); err != nil {
					if _, err := c.git.Run(ctx, c.repoRoot, "rm", "--ignore-unmatch", f.Path); err != nil {
						return nil, err
					}
				}
				continue
			}
			if _, err := c.git.Run(ctx, c.repoRoot, "checkout", side, "--", f.Path); err != nil {
				return nil, err
			}
		}
	case Manual:
		// Files were edited in place; staging below picks them up.
	default:
		return nil, fmt.Errorf("unknown resolution %q", resolution)
	}

	if _, err := c.git.Run(ctx, c.repoRoot, "add", "-A"); err != nil {
		return nil, err
	}
	if _, err := c.git.Run(ctx, c.repoRoot, "cherry-pick", "--continue"); err != nil {
		files, listErr := c.conflictFiles(ctx)
		if listErr == nil && len(files) > 0 {
			c.held = &Held{SectionID: held.SectionID, Files: files}
			paths := make([]string, len(files))
			for i, f := range files {
				paths[i] = f.Path
			}
			return nil, errors.NewMergeConflictError(held.SectionID, paths)
		}
		return nil, err
	}

	c.held = nil
	seq := c.seq.Add(1)
	c.logger.WithSection(held.SectionID).Info("conflict resolved",
		"resolution", resolution, "seq", seq)
	return &Outcome{SectionID: held.SectionID, Seq: seq}, nil
}

// Abandon aborts the held cherry-pick and drops the conflict. The section is
// left to the scheduler to fail or retry.
func (c *Coordinator) Abandon(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held == nil {
		return nil
	}
	if _, err := c.git.Run(ctx, c.repoRoot, "cherry-pick", "--abort"); err != nil {
		return err
	}
	c.held = nil
	return nil
}

// conflictFiles parses `git status --porcelain` for unmerged entries.
func (c *Coordinator) conflictFiles(ctx context.Context) ([]ConflictFile, error) {
	out, err := c.git.Run(ctx, c.repoRoot, "status", "--porcelain")
	if err != nil {
		return nil, err
	}

	var files []ConflictFile
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		code := line[:2]
		path := strings.TrimSpace(line[3:])
		if kind, ok := classifyStatus(code); ok {
			files = append(files, ConflictFile{Path: path, Kind: kind})
		}
	}
	return files, nil
}

// classifyStatus maps a porcelain XY code to a conflict kind.
func classifyStatus(code string) (ConflictKind, bool) {
	switch code {
	case "UU", "AA", "AU", "UA":
		return ConflictContent, true
	case "DD", "DU", "UD":
		return ConflictDelete, true
	}
	if strings.HasPrefix(code, "R") {
		return ConflictRename, true
	}
	return "", false
}

// sectionFromBranch extracts the section ID from a worktree branch name.
func sectionFromBranch(branch string) string {
	if i := strings.LastIndex(branch, "/"); i >= 0 {
		return branch[i+1:]
	}
	return branch
}
