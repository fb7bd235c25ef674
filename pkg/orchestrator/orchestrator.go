// Package orchestrator wires C1 through C6 together and exposes the
// service-level operations the HTTP API calls (C7).
package orchestrator

import (
	"context"
	"fmt"

	"github.com/cuemby/air/pkg/config"
	"github.com/cuemby/air/pkg/llmworker"
	"github.com/cuemby/air/pkg/log"
	"github.com/cuemby/air/pkg/metrics"
	"github.com/cuemby/air/pkg/queue"
	"github.com/cuemby/air/pkg/review"
	"github.com/cuemby/air/pkg/setupworker"
	"github.com/cuemby/air/pkg/storage"
	"github.com/cuemby/air/pkg/tracker"
	"github.com/cuemby/air/pkg/worktree"
)

// SubmitRequest is a validated, ready-to-queue review submission.
type SubmitRequest struct {
	Tree   string
	Branch string
	Mask   []bool
	Origin review.Origin
}

// Orchestrator owns every pipeline subsystem and exposes Submit/Get/List/
// Status, mirroring AirService's public surface.
type Orchestrator struct {
	cfg *config.Config

	store     *storage.Store
	requests  *queue.RequestQueue
	snapshots *queue.SnapshotQueue
	trees     *worktree.Manager
	tracker   tracker.Client

	cancel context.CancelFunc
}

// New constructs an Orchestrator and initializes its work trees. It does
// not start worker goroutines; call Start for that.
func New(cfg *config.Config, trackerClient tracker.Client) (*Orchestrator, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	store, err := storage.New(cfg.ResultsPath)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	metrics.RegisterComponent("storage", true, "ready")

	requests, err := queue.NewRequestQueue(cfg.TokenDBPath + ".queue.json")
	if err != nil {
		return nil, fmt.Errorf("initializing request queue: %w", err)
	}
	metrics.RegisterComponent("queue", true, "ready")

	trees := worktree.NewManager(cfg.GitTree, cfg.MaxWorkTrees)
	if err := trees.Init(context.Background()); err != nil {
		return nil, fmt.Errorf("initializing work trees: %w", err)
	}

	snapshots := queue.NewSnapshotQueue(cfg.MaxClaudeRuns * 2)

	if trackerClient == nil {
		trackerClient = tracker.Unconfigured{}
	}

	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		requests:  requests,
		snapshots: snapshots,
		trees:     trees,
		tracker:   trackerClient,
	}, nil
}

// Start launches one setup worker per work tree and cfg.MaxClaudeRuns LLM
// workers, all running until ctx is cancelled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for i := 1; i <= o.cfg.MaxWorkTrees; i++ {
		w := setupworker.New(i, i, o.cfg, o.trees, o.store, o.requests, o.snapshots, o.tracker)
		go w.Run(runCtx)
	}

	for i := 1; i <= o.cfg.MaxClaudeRuns; i++ {
		w := llmworker.New(i, o.cfg, o.trees, o.store, o.snapshots)
		go w.Run(runCtx)
	}

	metrics.WorkersTotal.WithLabelValues("setup").Set(float64(o.cfg.MaxWorkTrees))
	metrics.WorkersTotal.WithLabelValues("llm").Set(float64(o.cfg.MaxClaudeRuns))

	log.Logger.Info().
		Int("setup_workers", o.cfg.MaxWorkTrees).
		Int("llm_workers", o.cfg.MaxClaudeRuns).
		Msg("orchestrator started")
}

// Stop cancels every worker goroutine started by Start.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
}

// Submit validates and enqueues a new review request, returning its ID.
func (o *Orchestrator) Submit(token string, req SubmitRequest) (string, error) {
	if !req.Origin.Valid() {
		return "", fmt.Errorf("exactly one of patchwork_series_id, patches, or hash must be provided")
	}
	if req.Tree == "" {
		return "", fmt.Errorf("tree is required")
	}

	reviewReq := review.Request{Token: token, Tree: req.Tree, Branch: req.Branch, Mask: req.Mask, Origin: req.Origin}
	id, err := o.store.Create(token, reviewReq)
	if err != nil {
		return "", fmt.Errorf("creating review: %w", err)
	}

	estimate := 1
	if req.Origin.Kind == review.OriginPatches {
		estimate = len(req.Origin.Patches)
	}

	item := queue.NewItem(id, reviewReq, estimate)
	if err := o.requests.Put(item); err != nil {
		return "", fmt.Errorf("queuing review: %w", err)
	}

	metrics.ReviewsTotal.WithLabelValues("queued").Inc()
	metrics.RequestQueueSize.Set(float64(o.requests.Size()))

	return id, nil
}

// ReviewResult is the response shape for a single review lookup,
// including only the fields the original's field-by-field conditional
// inclusion would have set.
type ReviewResult struct {
	ReviewID          string   `json:"review_id"`
	Tree              string   `json:"tree"`
	Status            string   `json:"status"`
	Date              string   `json:"date"`
	PatchworkSeriesID string   `json:"patchwork_series_id,omitempty"`
	Hash              string   `json:"hash,omitempty"`
	Branch            string   `json:"branch,omitempty"`
	Start             string   `json:"start,omitempty"`
	StartLLM          string   `json:"start-llm,omitempty"`
	End               string   `json:"end,omitempty"`
	Message           string   `json:"message,omitempty"`
	PatchCount        int      `json:"patch_count,omitempty"`
	CompletedPatches  int      `json:"completed_patches,omitempty"`
	QueueLen          *int     `json:"queue-len,omitempty"`
	Review            []string `json:"review,omitempty"`
}

// Get returns a review's result, or (nil, false) if it does not exist or
// token does not own it.
func (o *Orchestrator) Get(reviewID, token, format string) (*ReviewResult, bool) {
	r, ok := o.store.Get(reviewID)
	if !ok {
		return nil, false
	}
	if r.Token != token {
		return nil, false
	}

	result := &ReviewResult{
		ReviewID: reviewID,
		Tree:     r.Tree,
		Status:   string(r.Status),
		Date:     r.Date.Format(dateLayout),
	}
	if r.PatchworkSeriesID != "" {
		result.PatchworkSeriesID = r.PatchworkSeriesID
	}
	if r.Hash != "" {
		result.Hash = r.Hash
	}
	if r.Branch != "" {
		result.Branch = r.Branch
	}
	if r.Start != nil {
		result.Start = r.Start.Format(dateLayout)
	}
	if r.StartLLM != nil {
		result.StartLLM = r.StartLLM.Format(dateLayout)
	}
	if r.End != nil {
		result.End = r.End.Format(dateLayout)
	}

	message, hasFile := o.store.ReadMessage(token, reviewID)
	if hasFile {
		result.Message = message
	} else if r.Message != "" {
		result.Message = r.Message
	}

	if r.PatchCount != 0 {
		result.PatchCount = r.PatchCount
	}
	if r.CompletedPatches != 0 {
		result.CompletedPatches = r.CompletedPatches
	}

	if r.Status == review.StatusQueued {
		_, ahead, found := o.requests.PeekAhead(reviewID)
		if found {
			result.QueueLen = &ahead
		} else {
			zero := 0
			result.QueueLen = &zero
		}
	}

	if format != "" && r.Status.Terminal() {
		reviews := make([]string, 0, r.PatchCount)
		for i := 1; i <= r.PatchCount; i++ {
			content, _ := o.store.ReadReviewFile(token, reviewID, i, format)
			reviews = append(reviews, content)
		}
		result.Review = reviews
	}

	return result, true
}

// ReviewSummary is one entry in a review listing.
type ReviewSummary struct {
	ReviewID   string `json:"review_id"`
	Status     string `json:"status"`
	Date       string `json:"date"`
	Tree       string `json:"tree"`
	PatchCount int    `json:"patch_count"`
	Token      string `json:"-"`
}

// List returns a simplified view of recent reviews for token. When
// allTokens is true every review is listed regardless of owner (used by
// the superuser query mode, and internally by the public_only mode before
// it filters down to public_read-flagged owners). Token is carried on each
// summary so callers can apply that kind of owner-based filtering; it is
// never serialized.
func (o *Orchestrator) List(token string, limit int, allTokens bool) ([]ReviewSummary, error) {
	reviews, err := o.store.List(token, limit, allTokens)
	if err != nil {
		return nil, err
	}

	summaries := make([]ReviewSummary, 0, len(reviews))
	for _, r := range reviews {
		summaries = append(summaries, ReviewSummary{
			ReviewID:   r.ID,
			Status:     string(r.Status),
			Date:       r.Date.Format(dateLayout),
			Tree:       r.Tree,
			PatchCount: r.PatchCount,
			Token:      r.Token,
		})
	}
	return summaries, nil
}

// Status is the service-wide status summary.
type Status struct {
	Service       string         `json:"service"`
	StatusText    string         `json:"status"`
	QueueSize     int            `json:"queue_size"`
	MaxWorkTrees  int            `json:"max_work_trees"`
	MaxClaudeRuns int            `json:"max_claude_runs"`
	ReviewCounts  map[string]int `json:"review_counts"`
}

// GetStatus reports queue depth, pool sizes, and review counts by status.
func (o *Orchestrator) GetStatus() (Status, error) {
	reviews, err := o.store.List("", 0, true)
	if err != nil {
		return Status{}, err
	}

	counts := map[string]int{
		string(review.StatusQueued):     0,
		string(review.StatusInProgress): 0,
		string(review.StatusDone):       0,
		string(review.StatusError):      0,
	}
	for _, r := range reviews {
		counts[string(r.Status)]++
	}

	return Status{
		Service:       "air",
		StatusText:    "running",
		QueueSize:     o.requests.Size(),
		MaxWorkTrees:  o.cfg.MaxWorkTrees,
		MaxClaudeRuns: o.cfg.MaxClaudeRuns,
		ReviewCounts:  counts,
	}, nil
}

const dateLayout = "2006-01-02T15:04:05.999999"
