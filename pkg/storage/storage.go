// Package storage persists review metadata and per-patch artifacts (C4).
// metadata.json is the single source of truth for every review's state;
// every mutation reloads it from disk under one lock before modifying it
// in memory, so concurrent workers (which share no other coordination)
// never clobber each other's writes.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/air/pkg/review"
)

// reviewFilenames maps a review-file format name to its on-disk filename
// within a patch directory.
var reviewFilenames = map[string]string{
	"json":   "review.json",
	"markup": "review.md",
	"inline": "review-inline.txt",
}

// Store is C4: the durable record of every review's metadata and
// artifacts, rooted at resultsPath.
type Store struct {
	resultsPath string
	metaPath    string

	mu      sync.Mutex
	reviews map[string]*review.Review
}

// New constructs a Store rooted at resultsPath, loading any existing
// metadata.json.
func New(resultsPath string) (*Store, error) {
	s := &Store{
		resultsPath: resultsPath,
		metaPath:    filepath.Join(resultsPath, "metadata.json"),
		reviews:     make(map[string]*review.Review),
	}
	if err := os.MkdirAll(resultsPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating results path: %w", err)
	}
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadLocked reloads metadata.json into memory. Callers must hold s.mu.
func (s *Store) loadLocked() error {
	data, err := os.ReadFile(s.metaPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading metadata: %w", err)
	}

	var reviews map[string]*review.Review
	if err := json.Unmarshal(data, &reviews); err != nil {
		return fmt.Errorf("parsing metadata: %w", err)
	}
	s.reviews = reviews
	return nil
}

// saveLocked rewrites metadata.json from the in-memory map. Callers must
// hold s.mu.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.reviews, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	tmp, err := os.CreateTemp(s.resultsPath, ".metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("creating metadata temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing metadata temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing metadata temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.metaPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming metadata file: %w", err)
	}
	return nil
}

// ReviewDir returns the directory a review's artifacts live under.
func (s *Store) ReviewDir(token, reviewID string) string {
	return filepath.Join(s.resultsPath, token, reviewID)
}

// PatchDir returns the directory a single patch's artifacts live under.
func (s *Store) PatchDir(token, reviewID string, patchNum int) string {
	return filepath.Join(s.ReviewDir(token, reviewID), fmt.Sprintf("%d", patchNum))
}

// Create allocates a new review ID, writes its initial metadata entry,
// and creates its on-disk directory.
func (s *Store) Create(token string, req review.Request) (string, error) {
	id := uuid.New().String()

	s.mu.Lock()
	if err := s.loadLocked(); err != nil {
		s.mu.Unlock()
		return "", err
	}

	r := &review.Review{
		ID:     id,
		Token:  token,
		Status: review.StatusQueued,
		Date:   time.Now().UTC(),
		Tree:   req.Tree,
		Branch: req.Branch,
	}
	switch req.Origin.Kind {
	case review.OriginHash:
		r.Hash = req.Origin.Hash
	case review.OriginSeries:
		r.PatchworkSeriesID = req.Origin.SeriesID
	}
	s.reviews[id] = r

	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.ReviewDir(token, id), 0o755); err != nil {
		return "", fmt.Errorf("creating review directory: %w", err)
	}
	return id, nil
}

// SetStatus updates a review's status, stamping start/end timestamps the
// first time the review enters an in-progress or terminal state.
func (s *Store) SetStatus(id string, status review.Status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}
	r, ok := s.reviews[id]
	if !ok {
		return nil
	}

	r.Status = status
	now := time.Now().UTC()
	if status == review.StatusInProgress && r.Start == nil {
		r.Start = &now
	}
	if status.Terminal() && r.End == nil {
		r.End = &now
	}
	if message != "" {
		r.Message = message
	}

	return s.saveLocked()
}

// SetPatchCount records the authoritative patch count once the setup
// worker has derived it.
func (s *Store) SetPatchCount(id string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}
	r, ok := s.reviews[id]
	if !ok {
		return nil
	}
	r.PatchCount = count
	return s.saveLocked()
}

// SetLLMStartTime stamps start-llm the first time it is called for a
// review; subsequent calls are no-ops.
func (s *Store) SetLLMStartTime(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}
	r, ok := s.reviews[id]
	if !ok || r.StartLLM != nil {
		return nil
	}
	now := time.Now().UTC()
	r.StartLLM = &now
	return s.saveLocked()
}

// MarkPatchComplete records one patch's outcome and, once every patch has
// reported in, finalizes the review's terminal status. The arithmetic
// here mirrors storage.py's mark_patch_complete exactly: completed_patches
// always increments, failed_patches increments only on failure, and the
// review only transitions once completed >= patch_count > 0.
func (s *Store) MarkPatchComplete(id string, patchNum int, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}
	r, ok := s.reviews[id]
	if !ok {
		return nil
	}

	r.CompletedPatches++
	if !success {
		r.FailedPatches++
	}

	if r.CompletedPatches >= r.PatchCount && r.PatchCount > 0 {
		if r.FailedPatches > 0 {
			r.Status = review.StatusError
			if r.Message == "" {
				r.Message = fmt.Sprintf("%d of %d patches failed review", r.FailedPatches, r.PatchCount)
			}
		} else {
			r.Status = review.StatusDone
		}
		if r.End == nil {
			now := time.Now().UTC()
			r.End = &now
		}
	}

	return s.saveLocked()
}

// WriteMessage writes the review's message file.
func (s *Store) WriteMessage(token, reviewID, message string) error {
	return os.WriteFile(filepath.Join(s.ReviewDir(token, reviewID), "message"), []byte(message), 0o644)
}

// ReadMessage reads the review's message file, returning ("", false) if
// it does not exist.
func (s *Store) ReadMessage(token, reviewID string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(s.ReviewDir(token, reviewID), "message"))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Get returns a review's metadata, reloaded from disk.
func (s *Store) Get(id string) (*review.Review, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return nil, false
	}
	r, ok := s.reviews[id]
	return r, ok
}

// List returns reviews for token (or every review, if allTokens is true),
// newest first, capped at limit.
func (s *Store) List(token string, limit int, allTokens bool) ([]*review.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return nil, err
	}

	var matched []*review.Review
	for _, r := range s.reviews {
		if allTokens || r.Token == token {
			matched = append(matched, r)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Date.After(matched[j].Date)
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// WritePatchFile writes a single patch's raw content.
func (s *Store) WritePatchFile(token, reviewID string, patchNum int, content string) error {
	dir := s.PatchDir(token, reviewID, patchNum)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating patch directory: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "patch"), []byte(content), 0o644)
}

// ReadReviewFile reads a review-result file in the given format
// ("json", "markup", "inline"), returning ("", false) if the format is
// unknown or the file does not exist.
func (s *Store) ReadReviewFile(token, reviewID string, patchNum int, format string) (string, bool) {
	filename, ok := reviewFilenames[format]
	if !ok {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(s.PatchDir(token, reviewID, patchNum), filename))
	if err != nil {
		return "", false
	}
	return string(data), true
}
