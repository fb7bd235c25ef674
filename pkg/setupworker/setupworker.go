// Package setupworker implements C5: the pool of workers pinned 1:1 to a
// git work tree that turn a queued review request into one snapshot per
// reviewable commit, handed off to an LLM worker via the snapshot queue.
package setupworker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/air/pkg/config"
	"github.com/cuemby/air/pkg/log"
	"github.com/cuemby/air/pkg/metrics"
	"github.com/cuemby/air/pkg/queue"
	"github.com/cuemby/air/pkg/storage"
	"github.com/cuemby/air/pkg/tracker"
	"github.com/cuemby/air/pkg/worktree"
)

// Worker prepares review requests for a single pinned work tree.
type Worker struct {
	id     int
	treeID int

	cfg       *config.Config
	trees     *worktree.Manager
	store     *storage.Store
	requests  *queue.RequestQueue
	snapshots *queue.SnapshotQueue
	tracker   tracker.Client

	logger zerolog.Logger
}

// New constructs a setup worker with id bound to work tree treeID.
func New(id, treeID int, cfg *config.Config, trees *worktree.Manager, store *storage.Store,
	requests *queue.RequestQueue, snapshots *queue.SnapshotQueue, trackerClient tracker.Client) *Worker {
	return &Worker{
		id:        id,
		treeID:    treeID,
		cfg:       cfg,
		trees:     trees,
		store:     store,
		requests:  requests,
		snapshots: snapshots,
		tracker:   trackerClient,
		logger:    log.WithWorker("setup", id),
	}
}

// Run pulls requests off the request queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Int("work_tree", w.treeID).Msg("setup worker started")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, ok := w.requests.Get(time.Second)
		if !ok {
			continue
		}
		metrics.RequestQueueSize.Set(float64(w.requests.Size()))

		logger := w.logger.With().Str("review_id", item.ReviewID).Logger()
		logger.Info().Msg("processing review")

		metrics.WorkersBusy.WithLabelValues("setup").Inc()
		timer := metrics.NewTimer()
		err := w.processReview(ctx, *item)
		timer.ObserveDuration(metrics.SetupDuration)
		metrics.WorkersBusy.WithLabelValues("setup").Dec()

		if err != nil {
			logger.Error().Err(err).Msg("setup failed")
			_ = w.store.SetStatus(item.ReviewID, "error", fmt.Sprintf("Setup failed: %v", err))
		}
	}
}

// processReview runs the full setup state machine for one request:
// configure the remote, derive the commits to review, record the patch
// count, and emit one snapshot per unmasked commit.
func (w *Worker) processReview(ctx context.Context, item queue.Item) error {
	reviewID := item.ReviewID
	token := item.Token

	if err := w.store.SetStatus(reviewID, "in-progress", ""); err != nil {
		return fmt.Errorf("updating status: %w", err)
	}

	remoteName, branch, ok := w.setupRemote(ctx, item)
	if !ok {
		w.fail(token, reviewID, "Failed to setup git remote")
		return nil
	}

	hashes, ok := w.getCommitHashes(ctx, item, remoteName, branch)
	if !ok {
		return nil
	}

	if err := w.store.SetPatchCount(reviewID, len(hashes)); err != nil {
		return fmt.Errorf("setting patch count: %w", err)
	}

	if !w.cfg.SkipIndexer {
		gitRange := fmt.Sprintf("%s/%s..HEAD", remoteName, branch)
		if len(hashes) > 0 {
			gitRange = fmt.Sprintf("%s^..%s", hashes[0], hashes[len(hashes)-1])
		}
		if !w.runIndexer(ctx, gitRange) {
			w.fail(token, reviewID, "Failed to run semcode indexing")
			return nil
		}
	} else {
		w.logger.Debug().Msg("skipping indexer (skip_indexer enabled)")
	}

	for i, hash := range hashes {
		patchNum := i + 1

		if patchNum-1 < len(item.Mask) && !item.Mask[patchNum-1] {
			w.logger.Info().Int("patch", patchNum).Msg("skipping masked patch")
			w.markPatchComplete(reviewID, patchNum, true, "skipped")
			continue
		}

		snapTimer := metrics.NewTimer()
		snapshotPath, err := w.trees.CreateSnapshot(ctx, w.treeID, hash)
		snapTimer.ObserveDuration(metrics.SnapshotCreateDuration)
		if err != nil {
			// Open question resolved: a snapshot failure still counts the
			// slot so patch_count stays reachable instead of leaving the
			// review stuck in-progress forever.
			w.logger.Error().Int("patch", patchNum).Err(err).Msg("failed to create snapshot")
			w.markPatchComplete(reviewID, patchNum, false, "failed")
			continue
		}

		if !w.trees.ResetHard(ctx, snapshotPath, hash) {
			w.logger.Error().Int("patch", patchNum).Msg("failed to reset snapshot to commit")
			w.trees.RemoveSnapshot(snapshotPath)
			w.markPatchComplete(reviewID, patchNum, false, "failed")
			continue
		}

		w.snapshots.Put(queue.Snapshot{
			Path:       snapshotPath,
			Token:      token,
			ReviewID:   reviewID,
			PatchNum:   patchNum,
			CommitHash: hash,
		})
		metrics.SnapshotQueueSize.Set(float64(w.snapshots.Size()))
		w.logger.Info().Int("patch", patchNum).Msg("queued snapshot")
	}

	w.logger.Info().Int("patch_count", len(hashes)).Msg("setup complete")
	return nil
}

func (w *Worker) fail(token, reviewID, message string) {
	_ = w.store.SetStatus(reviewID, "error", message)
	_ = w.store.WriteMessage(token, reviewID, message)
}

// markPatchComplete records a patch slot's outcome in storage and in
// metrics.PatchesTotal.
func (w *Worker) markPatchComplete(reviewID string, patchNum int, success bool, outcome string) {
	_ = w.store.MarkPatchComplete(reviewID, patchNum, success)
	metrics.PatchesTotal.WithLabelValues(outcome).Inc()
}

// setupRemote adds (if needed) and fetches the review's tree remote, and
// resolves the branch to review against.
func (w *Worker) setupRemote(ctx context.Context, item queue.Item) (remoteName, branch string, ok bool) {
	remoteName = item.Tree
	remoteURL := w.cfg.RemoteURL(item.Tree)

	added, err := w.trees.AddRemote(ctx, remoteName, remoteURL)
	if err != nil || !added {
		w.logger.Error().Str("remote", remoteName).Err(err).Msg("failed to add remote")
		return "", "", false
	}

	if !w.trees.Fetch(ctx, w.treeID, remoteName) {
		w.logger.Error().Str("remote", remoteName).Msg("failed to fetch remote")
		return "", "", false
	}

	branch = item.Branch
	if branch == "" {
		var found bool
		branch, found = w.trees.DefaultBranch(ctx, w.treeID, remoteName)
		if !found {
			w.logger.Error().Str("remote", remoteName).Msg("failed to determine default branch")
			return "", "", false
		}
	}

	return remoteName, branch, true
}

// getCommitHashes derives the ordered list of commits to review, dispatching
// on the request's origin kind.
func (w *Worker) getCommitHashes(ctx context.Context, item queue.Item, remoteName, branch string) ([]string, bool) {
	wtPath := w.trees.Path(w.treeID)
	origin := item.Origin()

	if origin.Kind == "hash" {
		hashStr := origin.Hash
		gitRange := hashStr
		firstHash := hashStr
		if idx := strings.Index(hashStr, ".."); idx >= 0 {
			firstHash = hashStr[:idx]
		} else {
			gitRange = fmt.Sprintf("%s^..%s", hashStr, hashStr)
		}

		if !w.trees.CommitExists(ctx, w.treeID, firstHash) {
			w.fail(item.Token, item.ReviewID, fmt.Sprintf("Commit %s not found", firstHash))
			return nil, false
		}

		hashes, err := w.rangeToHashes(ctx, wtPath, gitRange)
		if err != nil {
			w.fail(item.Token, item.ReviewID, fmt.Sprintf("Failed to resolve range %s", gitRange))
			return nil, false
		}
		return hashes, true
	}

	baseRef := fmt.Sprintf("%s/%s", remoteName, branch)
	if !w.trees.ResetHard(ctx, wtPath, baseRef) {
		w.fail(item.Token, item.ReviewID, fmt.Sprintf("Failed to reset to %s", baseRef))
		return nil, false
	}

	var patches []string
	switch origin.Kind {
	case "series":
		mbox, err := w.tracker.GetSeriesMbox(ctx, origin.SeriesID)
		if err != nil {
			w.logger.Error().Str("series", origin.SeriesID).Err(err).Msg("failed to fetch patchwork series")
			w.fail(item.Token, item.ReviewID, fmt.Sprintf("Failed to fetch patchwork series %s", origin.SeriesID))
			return nil, false
		}
		patches = []string{mbox}
	case "patches":
		patches = origin.Patches
	default:
		w.fail(item.Token, item.ReviewID, "No patches or hashes provided")
		return nil, false
	}

	hashes, err := w.applyPatches(ctx, wtPath, patches, item.Token, item.ReviewID)
	if err != nil {
		return nil, false
	}
	return hashes, true
}

// applyPatches applies each patch (an mbox may contain more than one
// commit) in order via `git am`, recording the raw patch content against
// every commit it produced.
func (w *Worker) applyPatches(ctx context.Context, wtPath string, patches []string, token, reviewID string) ([]string, error) {
	var commitHashes []string

	for i, content := range patches {
		patchNum := i + 1

		patchFile, err := os.CreateTemp("", "*.patch")
		if err != nil {
			return nil, fmt.Errorf("creating patch temp file: %w", err)
		}
		patchPath := patchFile.Name()
		_, writeErr := patchFile.WriteString(content)
		closeErr := patchFile.Close()
		defer os.Remove(patchPath)
		if writeErr != nil {
			return nil, fmt.Errorf("writing patch temp file: %w", writeErr)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("closing patch temp file: %w", closeErr)
		}

		headBefore, _, err := runGit(ctx, wtPath, "rev-parse", "HEAD")
		if err != nil {
			return nil, fmt.Errorf("resolving HEAD: %w", err)
		}
		headBefore = strings.TrimSpace(headBefore)

		if _, stderr, err := runGit(ctx, wtPath, "am", patchPath); err != nil {
			w.logger.Error().Int("patch", patchNum).Str("stderr", stderr).Msg("failed to apply patch")
			w.fail(token, reviewID, fmt.Sprintf("Failed to apply patch %d", patchNum))
			return nil, fmt.Errorf("git am failed: %s", stderr)
		}

		revList, _, err := runGit(ctx, wtPath, "rev-list", fmt.Sprintf("%s..HEAD", headBefore))
		if err != nil {
			return nil, fmt.Errorf("listing new commits: %w", err)
		}
		newCommits := reverseLines(revList)

		start := len(commitHashes) + 1
		for j := range newCommits {
			if err := w.store.WritePatchFile(token, reviewID, start+j, content); err != nil {
				return nil, fmt.Errorf("writing patch file: %w", err)
			}
		}
		commitHashes = append(commitHashes, newCommits...)
	}

	return commitHashes, nil
}

// rangeToHashes resolves a git commit range to an oldest-first list of
// commit hashes.
func (w *Worker) rangeToHashes(ctx context.Context, wtPath, gitRange string) ([]string, error) {
	stdout, _, err := runGit(ctx, wtPath, "rev-list", gitRange)
	if err != nil {
		return nil, err
	}
	return reverseLines(stdout), nil
}

// runIndexer runs the configured semantic indexer over gitRange, bounded
// by a fixed timeout since it can run arbitrarily long on a large range.
func (w *Worker) runIndexer(ctx context.Context, gitRange string) bool {
	wtPath := w.trees.Path(w.treeID)
	indexCtx, cancel := context.WithTimeout(ctx, 300*time.Second)
	defer cancel()

	cmd := exec.CommandContext(indexCtx, w.cfg.IndexerCommand, "-s", ".", "--git", gitRange)
	cmd.Dir = wtPath
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		w.logger.Error().Str("stderr", stderr.String()).Err(err).Msg("indexer failed")
		return false
	}
	return true
}

// reverseLines splits git's newline-delimited, newest-first output into an
// oldest-first slice, dropping blank lines.
func reverseLines(output string) []string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	var filtered []string
	for _, l := range lines {
		if l != "" {
			filtered = append(filtered, l)
		}
	}
	for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
		filtered[i], filtered[j] = filtered[j], filtered[i]
	}
	return filtered
}

// runGit executes a git subcommand in dir, capturing stdout/stderr.
func runGit(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}
