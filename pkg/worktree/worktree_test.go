package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a bare-minimum git repository with one commit, returning
// its path and the commit hash.
func initRepo(t *testing.T) (path, commitHash string) {
	t.Helper()
	dir := t.TempDir()

	runGit(t, dir, "init", "-q", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("hello\n"), 0o644))
	runGit(t, dir, "add", "file.txt")
	runGit(t, dir, "commit", "-q", "-m", "initial")

	out := runGit(t, dir, "rev-parse", "HEAD")
	return dir, trim(out)
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func trim(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func TestManager_InitCreatesWorkTrees(t *testing.T) {
	repo, _ := initRepo(t)
	m := NewManager(repo, 3)

	require.NoError(t, m.Init(context.Background()))

	for i := 1; i <= 3; i++ {
		path := m.Path(i)
		assert.NotEmpty(t, path)
		_, err := os.Stat(path)
		assert.NoError(t, err)
	}
}

func TestManager_InitIdempotent(t *testing.T) {
	repo, _ := initRepo(t)
	m := NewManager(repo, 2)

	require.NoError(t, m.Init(context.Background()))
	require.NoError(t, m.Init(context.Background()))

	assert.NotEmpty(t, m.Path(1))
	assert.NotEmpty(t, m.Path(2))
}

func TestManager_CommitExists(t *testing.T) {
	repo, hash := initRepo(t)
	m := NewManager(repo, 1)
	require.NoError(t, m.Init(context.Background()))

	assert.True(t, m.CommitExists(context.Background(), 1, hash))
	assert.False(t, m.CommitExists(context.Background(), 1, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"))
}

func TestManager_ResetHard(t *testing.T) {
	repo, hash := initRepo(t)
	m := NewManager(repo, 1)
	require.NoError(t, m.Init(context.Background()))

	ok := m.ResetHard(context.Background(), m.Path(1), hash)
	assert.True(t, ok)
}

func TestManager_CreateAndRemoveSnapshot(t *testing.T) {
	repo, hash := initRepo(t)
	m := NewManager(repo, 1)
	require.NoError(t, m.Init(context.Background()))

	snapshot, err := m.CreateSnapshot(context.Background(), 1, hash)
	require.NoError(t, err)
	assert.Contains(t, snapshot, hash[:12])

	_, err = os.Stat(snapshot)
	assert.NoError(t, err)

	m.RemoveSnapshot(snapshot)
	_, err = os.Stat(snapshot)
	assert.True(t, os.IsNotExist(err))
}

func TestManager_RemoveSnapshot_MissingIsNoop(t *testing.T) {
	m := NewManager(t.TempDir(), 0)
	m.RemoveSnapshot(filepath.Join(t.TempDir(), "does-not-exist"))
}

func TestManager_AddRemote_ConcurrentCallsSerialize(t *testing.T) {
	repo, _ := initRepo(t)
	remoteSrc := t.TempDir()
	runGit(t, remoteSrc, "init", "-q", "--bare")

	m := NewManager(repo, 1)
	require.NoError(t, m.Init(context.Background()))

	const n = 8
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ok, err := m.AddRemote(context.Background(), "origin", remoteSrc)
			require.NoError(t, err)
			results[idx] = ok
		}(i)
	}
	wg.Wait()

	for _, ok := range results {
		assert.True(t, ok)
	}

	out := runGit(t, repo, "remote", "get-url", "origin")
	assert.Equal(t, remoteSrc, trim(out))
}

func TestManager_DefaultBranch(t *testing.T) {
	remote, _ := initRepo(t)
	repo := t.TempDir()
	runGit(t, repo, "init", "-q")
	runGit(t, repo, "remote", "add", "origin", remote)
	runGit(t, repo, "fetch", "-q", "origin")
	runGit(t, repo, "remote", "set-head", "origin", "main")
	runGit(t, repo, "checkout", "-q", "--detach", "origin/main")

	m := NewManager(repo, 1)
	require.NoError(t, m.Init(context.Background()))

	branch, ok := m.DefaultBranch(context.Background(), 1, "origin")
	require.True(t, ok)
	assert.Equal(t, "main", branch)
}
