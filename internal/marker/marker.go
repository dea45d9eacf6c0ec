// Package marker records the repository state at session creation and
// offers rollback against it. The marker is an immutable commit reference;
// recovery compares current state to it instead of trying to reconstruct
// actor state.
package marker

import (
	"errors"
	"fmt"
	"sort"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var ErrDetachedHead = errors.New("repository HEAD is detached")

// Capture returns the current HEAD commit hash and branch name. The hash
// becomes the session's start marker.
func Capture(dir string) (commit, branch string, err error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", "", fmt.Errorf("open repository %s: %w", dir, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", "", fmt.Errorf("read HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return head.Hash().String(), "", ErrDetachedHead
	}
	return head.Hash().String(), head.Name().Short(), nil
}

// Report describes how the repository diverged from the start marker.
type Report struct {
	Marker      string   `json:"marker"`
	Head        string   `json:"head"`
	Committed   []string `json:"committed,omitempty"`
	Uncommitted []string `json:"uncommitted,omitempty"`
}

// Clean reports whether the repository matches the marker exactly.
func (r Report) Clean() bool {
	return r.Marker == r.Head && len(r.Uncommitted) == 0
}

// Inspect builds an inspect-only diff report against the marker: paths
// changed by commits since the marker plus uncommitted worktree changes.
func Inspect(dir, markerHash string) (Report, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return Report{}, fmt.Errorf("open repository %s: %w", dir, err)
	}
	head, err := repo.Head()
	if err != nil {
		return Report{}, fmt.Errorf("read HEAD: %w", err)
	}
	rep := Report{Marker: markerHash, Head: head.Hash().String()}

	if rep.Head != markerHash {
		markerTree, err := commitTree(repo, markerHash)
		if err != nil {
			return rep, err
		}
		headTree, err := commitTree(repo, rep.Head)
		if err != nil {
			return rep, err
		}
		changes, err := object.DiffTree(markerTree, headTree)
		if err != nil {
			return rep, fmt.Errorf("diff trees: %w", err)
		}
		seen := map[string]bool{}
		for _, ch := range changes {
			name := ch.To.Name
			if name == "" {
				name = ch.From.Name
			}
			if !seen[name] {
				seen[name] = true
				rep.Committed = append(rep.Committed, name)
			}
		}
		sort.Strings(rep.Committed)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return rep, fmt.Errorf("worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return rep, fmt.Errorf("worktree status: %w", err)
	}
	for name, st := range status {
		if st.Worktree != git.Unmodified || st.Staging != git.Unmodified {
			rep.Uncommitted = append(rep.Uncommitted, name)
		}
	}
	sort.Strings(rep.Uncommitted)
	return rep, nil
}

// SoftRevert moves HEAD back to the marker but leaves the working tree as
// is, preserving everything for inspection as uncommitted changes.
func SoftRevert(dir, markerHash string) error {
	return reset(dir, markerHash, git.MixedReset)
}

// HardRevert discards everything after the marker, restoring the working
// tree byte for byte.
func HardRevert(dir, markerHash string) error {
	return reset(dir, markerHash, git.HardReset)
}

func reset(dir, markerHash string, mode git.ResetMode) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open repository %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: plumbing.NewHash(markerHash), Mode: mode}); err != nil {
		return fmt.Errorf("reset to %s: %w", markerHash, err)
	}
	return nil
}

func commitTree(repo *git.Repository, hash string) (*object.Tree, error) {
	commit, err := repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("tree of %s: %w", hash, err)
	}
	return tree, nil
}
