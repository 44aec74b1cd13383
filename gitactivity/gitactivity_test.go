package gitactivity

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-q")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	run("add", "a.txt")
	run("commit", "-q", "-m", "initial commit")
	return dir
}

func TestActivityReturnsRecentCommits(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := initRepo(t)
	src := NewSource(dir)

	commits, err := src.Activity(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	require.Equal(t, "initial commit", commits[0].Message)
	require.Contains(t, commits[0].ChangedPaths, "a.txt")
}

func TestActivityNonGitRepoReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	src := NewSource(dir)

	commits, err := src.Activity(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Empty(t, commits)
}

func TestWorkingTreeChanges(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("modified"), 0o644))

	src := NewSource(dir)
	changes, err := src.WorkingTreeChanges(context.Background())
	require.NoError(t, err)
	require.Contains(t, changes, "a.txt")
}
