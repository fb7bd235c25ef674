// Package worktree manages the pool of git work trees each setup worker is
// pinned to (C3), plus the copy-on-write snapshots carved out of them for
// review.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/air/pkg/log"
)

// Manager owns a fixed set of git work trees under one git_tree checkout,
// each identified by a 1-based id and sharing the checkout's .git via
// `git worktree add`. Per-tree git operations are lock-free: a tree is
// pinned 1:1 to a single setup worker, so nothing else mutates it
// concurrently. Only operations that touch the shared repository
// configuration (adding a remote) are serialized by treeMu.
type Manager struct {
	gitTree string
	count   int

	treeMu sync.Mutex
	paths  map[int]string
}

// NewManager constructs a Manager for count work trees rooted at gitTree.
// It does not touch disk; call Init to create the work trees.
func NewManager(gitTree string, count int) *Manager {
	return &Manager{
		gitTree: gitTree,
		count:   count,
		paths:   make(map[int]string, count),
	}
}

// Init ensures all work trees exist, creating any that are missing via
// `git worktree add --detach`. Safe to call repeatedly.
func (m *Manager) Init(ctx context.Context) error {
	for i := 1; i <= m.count; i++ {
		name := fmt.Sprintf("wt-%d", i)
		path := filepath.Join(m.gitTree, name)

		if _, err := os.Stat(path); os.IsNotExist(err) {
			log.Logger.Info().Str("worktree", name).Str("path", path).Msg("creating work tree")
			if _, _, err := run(ctx, m.gitTree, "git", "worktree", "add", "--detach", name); err != nil {
				return fmt.Errorf("creating work tree %s: %w", name, err)
			}
		}

		m.paths[i] = path
	}
	return nil
}

// Path returns the filesystem path of work tree id, or "" if unknown.
func (m *Manager) Path(id int) string {
	return m.paths[id]
}

// AddRemote adds a remote to the shared repository if it does not already
// exist. Serialized across callers since `git remote add` mutates the
// repository-global config shared by every work tree.
func (m *Manager) AddRemote(ctx context.Context, name, url string) (bool, error) {
	m.treeMu.Lock()
	defer m.treeMu.Unlock()

	if _, _, err := run(ctx, m.gitTree, "git", "remote", "get-url", name); err == nil {
		log.Logger.Debug().Str("remote", name).Msg("remote already exists")
		return true, nil
	}

	if _, stderr, err := run(ctx, m.gitTree, "git", "remote", "add", name, url); err != nil {
		log.Logger.Error().Str("remote", name).Str("stderr", stderr).Err(err).Msg("error adding remote")
		return false, nil
	}
	log.Logger.Info().Str("remote", name).Str("url", url).Msg("added remote")
	return true, nil
}

// Fetch runs `git fetch <remote>` in work tree id.
func (m *Manager) Fetch(ctx context.Context, id int, remote string) bool {
	path := m.Path(id)
	if path == "" {
		return false
	}
	if _, stderr, err := run(ctx, path, "git", "fetch", remote); err != nil {
		log.Logger.Error().Str("remote", remote).Str("stderr", stderr).Err(err).Msg("error fetching remote")
		return false
	}
	return true
}

// ResetHard runs `git reset --hard <ref>` against path, which may be a
// pinned work tree or a temporary snapshot copy.
func (m *Manager) ResetHard(ctx context.Context, path, ref string) bool {
	if _, stderr, err := run(ctx, path, "git", "reset", "--hard", ref); err != nil {
		log.Logger.Error().Str("ref", ref).Str("stderr", stderr).Err(err).Msg("error resetting work tree")
		return false
	}
	return true
}

// CommitExists reports whether commitHash is present in work tree id.
func (m *Manager) CommitExists(ctx context.Context, id int, commitHash string) bool {
	path := m.Path(id)
	if path == "" {
		return false
	}
	_, _, err := run(ctx, path, "git", "cat-file", "-e", commitHash)
	return err == nil
}

// DefaultBranch resolves the default branch of remote as seen from work
// tree id, trying the fast symbolic-ref path first and falling back to
// `git remote show`.
func (m *Manager) DefaultBranch(ctx context.Context, id int, remote string) (string, bool) {
	path := m.Path(id)
	if path == "" {
		return "", false
	}

	if stdout, _, err := run(ctx, path, "git", "symbolic-ref", fmt.Sprintf("refs/remotes/%s/HEAD", remote)); err == nil {
		ref := strings.TrimSpace(stdout)
		parts := strings.Split(ref, "/")
		return parts[len(parts)-1], true
	}

	stdout, _, err := run(ctx, path, "git", "remote", "show", remote)
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(stdout, "\n") {
		if idx := strings.Index(line, "HEAD branch:"); idx >= 0 {
			return strings.TrimSpace(line[idx+len("HEAD branch:"):]), true
		}
	}
	return "", false
}

// CreateSnapshot makes a copy-on-write copy of work tree id, named with the
// first 12 hex characters of commitHash, for a setup worker to reset and
// hand off to an LLM worker.
func (m *Manager) CreateSnapshot(ctx context.Context, id int, commitHash string) (string, error) {
	path := m.Path(id)
	if path == "" {
		return "", fmt.Errorf("work tree %d not found", id)
	}

	suffix := commitHash
	if len(suffix) > 12 {
		suffix = suffix[:12]
	}
	snapshotPath := fmt.Sprintf("%s.%s", path, suffix)

	log.Logger.Info().Str("snapshot", snapshotPath).Msg("creating snapshot")
	if _, stderr, err := run(ctx, "", "cp", "-a", "--reflink=auto", path, snapshotPath); err != nil {
		return "", fmt.Errorf("creating snapshot %s: %s: %w", snapshotPath, stderr, err)
	}
	return snapshotPath, nil
}

// RemoveSnapshot best-effort removes a snapshot directory. Errors are
// logged, never returned: a stray snapshot on disk is not fatal to the
// pipeline.
func (m *Manager) RemoveSnapshot(snapshotPath string) {
	if _, err := os.Stat(snapshotPath); os.IsNotExist(err) {
		return
	}
	log.Logger.Info().Str("snapshot", snapshotPath).Msg("removing snapshot")
	if err := os.RemoveAll(snapshotPath); err != nil {
		log.Logger.Error().Str("snapshot", snapshotPath).Err(err).Msg("error removing snapshot")
	}
}

// run executes name with args in dir (the process's own directory if dir
// is ""), bounded by a timeout, and returns captured stdout/stderr.
func run(ctx context.Context, dir string, name string, args ...string) (stdout, stderr string, err error) {
	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}
