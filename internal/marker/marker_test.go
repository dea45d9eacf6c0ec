package marker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitFile(t *testing.T, dir, name, content, msg string) string {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	commitFile(t, dir, "main.go", "package main\n", "initial")
	return dir
}

func TestCapture(t *testing.T) {
	dir := initRepo(t)
	commit, branch, err := Capture(dir)
	require.NoError(t, err)
	assert.Len(t, commit, 40)
	assert.NotEmpty(t, branch)
}

func TestInspectReportsDivergence(t *testing.T) {
	dir := initRepo(t)
	markerHash, _, err := Capture(dir)
	require.NoError(t, err)

	commitFile(t, dir, "feature.go", "package main\n\nfunc Feature() {}\n", "add feature")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("wip"), 0o644))

	rep, err := Inspect(dir, markerHash)
	require.NoError(t, err)
	assert.False(t, rep.Clean())
	assert.Equal(t, []string{"feature.go"}, rep.Committed)
	assert.Contains(t, rep.Uncommitted, "scratch.txt")
}

func TestHardRevertRestoresMarkerExactly(t *testing.T) {
	dir := initRepo(t)
	markerHash, _, err := Capture(dir)
	require.NoError(t, err)

	commitFile(t, dir, "main.go", "package main\n\n// changed\n", "mutate")
	commitFile(t, dir, "extra.go", "package main\n", "extra")

	require.NoError(t, HardRevert(dir, markerHash))

	rep, err := Inspect(dir, markerHash)
	require.NoError(t, err)
	assert.True(t, rep.Clean(), "diff against marker not empty: %+v", rep)

	content, err := os.ReadFile(filepath.Join(dir, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(content))
	_, err = os.Stat(filepath.Join(dir, "extra.go"))
	assert.True(t, os.IsNotExist(err), "extra.go survived hard revert")
}

func TestSoftRevertPreservesWorktree(t *testing.T) {
	dir := initRepo(t)
	markerHash, _, err := Capture(dir)
	require.NoError(t, err)

	commitFile(t, dir, "feature.go", "package main\n\nfunc Feature() {}\n", "add feature")
	require.NoError(t, SoftRevert(dir, markerHash))

	rep, err := Inspect(dir, markerHash)
	require.NoError(t, err)
	assert.Equal(t, markerHash, rep.Head)
	assert.Empty(t, rep.Committed)
	assert.Contains(t, rep.Uncommitted, "feature.go", "work should remain for inspection")

	_, err = os.Stat(filepath.Join(dir, "feature.go"))
	require.NoError(t, err)
}
