// Package llmworker implements C6: the pool that runs the external review
// command against each snapshot handed off by a setup worker, with
// timeout/retry handling and artifact capture on every exit path.
package llmworker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/air/pkg/config"
	"github.com/cuemby/air/pkg/log"
	"github.com/cuemby/air/pkg/metrics"
	"github.com/cuemby/air/pkg/queue"
	"github.com/cuemby/air/pkg/storage"
	"github.com/cuemby/air/pkg/worktree"
)

// Worker runs the review command against snapshots pulled from the
// snapshot queue.
type Worker struct {
	id int

	cfg   *config.Config
	trees *worktree.Manager
	store *storage.Store
	snaps *queue.SnapshotQueue

	logger zerolog.Logger
}

// New constructs an LLM worker.
func New(id int, cfg *config.Config, trees *worktree.Manager, store *storage.Store, snaps *queue.SnapshotQueue) *Worker {
	return &Worker{
		id:     id,
		cfg:    cfg,
		trees:  trees,
		store:  store,
		snaps:  snaps,
		logger: log.WithWorker("llm", id),
	}
}

// Run pulls snapshots off the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Msg("llm worker started")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		snap, ok := w.snaps.Get(time.Second)
		if !ok {
			continue
		}
		metrics.SnapshotQueueSize.Set(float64(w.snaps.Size()))

		logger := w.logger.With().Str("review_id", snap.ReviewID).Int("patch", snap.PatchNum).Logger()
		logger.Info().Msg("processing snapshot")

		metrics.WorkersBusy.WithLabelValues("llm").Inc()
		func() {
			defer func() {
				if !w.cfg.KeepSnapshots {
					w.trees.RemoveSnapshot(snap.Path)
				} else {
					logger.Info().Str("snapshot", snap.Path).Msg("keeping snapshot (keep_snapshots enabled)")
				}
				w.snaps.TaskDone()
				metrics.WorkersBusy.WithLabelValues("llm").Dec()
			}()
			w.processSnapshot(ctx, snap, logger)
		}()
	}
}

// processSnapshot runs the review command with retries and records the
// patch's final outcome.
func (w *Worker) processSnapshot(ctx context.Context, snap queue.Snapshot, logger zerolog.Logger) {
	success := false
	for attempt := 1; attempt <= w.cfg.Claude.Retries; attempt++ {
		logger.Info().Int("attempt", attempt).Str("commit", shortHash(snap.CommitHash)).Msg("review attempt")

		timer := metrics.NewTimer()
		success = w.runReview(ctx, snap, attempt, logger)
		attemptOutcome := "success"
		if !success {
			attemptOutcome = "failure"
		}
		metrics.LLMAttemptsTotal.WithLabelValues(attemptOutcome).Inc()
		timer.ObserveDurationVec(metrics.LLMDuration, attemptOutcome)

		if success {
			logger.Info().Msg("review succeeded")
			break
		}
		logger.Warn().Int("attempt", attempt).Msg("review attempt failed")
	}

	if !success {
		logger.Error().Int("attempts", w.cfg.Claude.Retries).Msg("review failed after all attempts")
	}

	outcome := "completed"
	if !success {
		outcome = "failed"
	}
	metrics.PatchesTotal.WithLabelValues(outcome).Inc()

	if err := w.store.MarkPatchComplete(snap.ReviewID, snap.PatchNum, success); err != nil {
		logger.Error().Err(err).Msg("failed to record patch completion")
	}
}

// runReview executes one attempt of the review command against snap,
// writing every artifact the spec's file layout names regardless of
// outcome.
func (w *Worker) runReview(ctx context.Context, snap queue.Snapshot, attempt int, logger zerolog.Logger) bool {
	patchDir := w.store.PatchDir(snap.Token, snap.ReviewID, snap.PatchNum)
	if err := os.MkdirAll(patchDir, 0o755); err != nil {
		logger.Error().Err(err).Msg("failed to create patch directory")
		w.writeErrorAttempt(patchDir, attempt, err, logger)
		return false
	}

	fullPromptPath, err := w.copyPromptDir(snap.Path)
	if err != nil {
		logger.Error().Err(err).Msg("failed to copy prompt directory")
		w.writeErrorAttempt(patchDir, attempt, err, logger)
		return false
	}

	if attempt == 1 && snap.PatchNum == 1 {
		if err := w.store.SetLLMStartTime(snap.ReviewID); err != nil {
			logger.Error().Err(err).Msg("failed to record llm start time")
		}
	}

	cmd := []string{
		"claude",
		"--mcp-config", w.cfg.MCP.ConfigPath,
		"--strict-mcp-config",
		"--allowedTools", w.cfg.MCP.Tools,
		"--model", w.cfg.Claude.Model,
		"-p", fmt.Sprintf("review the top commit in this directory using prompt %s", fullPromptPath),
		"--verbose",
		"--output-format=stream-json",
	}

	reviewJSONPath := filepath.Join(patchDir, "review.json")
	reviewMDPath := filepath.Join(patchDir, "review.md")

	jsonFile, err := os.Create(reviewJSONPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create review.json")
		w.writeErrorAttempt(patchDir, attempt, err, logger)
		return false
	}
	defer jsonFile.Close()

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.Claude.Timeout)
	defer cancel()

	runnable := exec.CommandContext(runCtx, cmd[0], cmd[1:]...)
	runnable.Dir = snap.Path
	runnable.Stdout = jsonFile
	var stderr bytes.Buffer
	runnable.Stderr = &stderr

	start := time.Now()
	runErr := runnable.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		logger.Error().Dur("elapsed", elapsed).Int("attempt", attempt).Msg("review timed out")
		w.writeTimeoutInfo(patchDir, attempt, cmd, snap.Path, stderr.String())
		w.savePartialOutput(patchDir, reviewJSONPath, attempt, logger)
		return false
	}

	if runErr != nil {
		logger.Error().Dur("elapsed", elapsed).Err(runErr).Str("stderr", stderr.String()).Msg("review command failed")
		w.writeFile(filepath.Join(patchDir, "claude-stderr-attempt"+strconv.Itoa(attempt)+".txt"), stderr.String(), logger)
		w.savePartialOutput(patchDir, reviewJSONPath, attempt, logger)
		return false
	}

	logger.Info().Dur("elapsed", elapsed).Msg("review command completed")

	inlineSrc := filepath.Join(snap.Path, "review-inline.txt")
	if data, err := os.ReadFile(inlineSrc); err == nil {
		if err := os.WriteFile(filepath.Join(patchDir, "review-inline.txt"), data, 0o644); err != nil {
			logger.Warn().Err(err).Msg("failed to copy review-inline.txt")
		}
	}

	if err := ConvertJSONToMarkdown(reviewJSONPath, reviewMDPath); err != nil {
		logger.Error().Err(err).Msg("error converting review to markdown")
		w.writeErrorAttempt(patchDir, attempt, err, logger)
		return false
	}
	return true
}

// writeErrorAttempt records an unexpected (non-exit, non-timeout) failure
// for this attempt, along with the stack at the point it was caught.
func (w *Worker) writeErrorAttempt(patchDir string, attempt int, err error, logger zerolog.Logger) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Attempt: %d\n", attempt)
	fmt.Fprintf(&b, "Error: %v\n\n", err)
	b.Write(debug.Stack())
	w.writeFile(filepath.Join(patchDir, "error-attempt"+strconv.Itoa(attempt)+".txt"), b.String(), logger)
}

// copyPromptDir copies the configured prompt directory into the
// snapshot, replacing a stale copy left by a previous attempt, and
// returns the full path to the prompt file within the snapshot.
func (w *Worker) copyPromptDir(snapshotPath string) (string, error) {
	promptDir := filepath.Clean(w.cfg.Review.PromptDir)
	base := filepath.Base(promptDir)
	workPromptDir := filepath.Join(snapshotPath, base)

	if err := os.RemoveAll(workPromptDir); err != nil {
		return "", fmt.Errorf("removing stale prompt dir: %w", err)
	}
	if err := copyTree(promptDir, workPromptDir); err != nil {
		return "", fmt.Errorf("copying prompt dir: %w", err)
	}

	return filepath.Join(snapshotPath, base, w.cfg.Review.PromptFile), nil
}

func (w *Worker) writeTimeoutInfo(patchDir string, attempt int, cmd []string, workPath, stderr string) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Attempt: %d\n", attempt)
	fmt.Fprintf(&b, "Claude review timed out after %s\n", w.cfg.Claude.Timeout)
	fmt.Fprintf(&b, "Command: %v\n", cmd)
	fmt.Fprintf(&b, "Working directory: %s\n", workPath)
	if stderr != "" {
		fmt.Fprintf(&b, "\nStderr output:\n%s\n", stderr)
	}
	w.writeFile(filepath.Join(patchDir, "timeout-info-attempt"+strconv.Itoa(attempt)+".txt"), b.String(), log.WithWorker("llm", w.id))
}

func (w *Worker) savePartialOutput(patchDir, reviewJSONPath string, attempt int, logger zerolog.Logger) {
	info, err := os.Stat(reviewJSONPath)
	if err != nil || info.Size() == 0 {
		return
	}

	partialJSONPath := filepath.Join(patchDir, fmt.Sprintf("review-partial-attempt%d.json", attempt))
	if err := copyFile(reviewJSONPath, partialJSONPath); err != nil {
		logger.Warn().Err(err).Msg("failed to save partial json output")
	}

	partialMDPath := filepath.Join(patchDir, fmt.Sprintf("review-partial-attempt%d.md", attempt))
	if err := ConvertJSONToMarkdown(reviewJSONPath, partialMDPath); err != nil {
		logger.Warn().Err(err).Msg("failed to convert partial output to markdown")
	}
}

func (w *Worker) writeFile(path, content string, logger zerolog.Logger) {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("failed to write artifact file")
	}
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target)
	})
}
