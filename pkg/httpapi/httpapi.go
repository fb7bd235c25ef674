// Package httpapi implements the review service's external HTTP surface:
// submit, fetch, list, and status, plus the CORS and request-metrics
// middleware every route shares.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cuemby/air/pkg/auth"
	"github.com/cuemby/air/pkg/log"
	"github.com/cuemby/air/pkg/metrics"
	"github.com/cuemby/air/pkg/orchestrator"
	"github.com/cuemby/air/pkg/review"
)

// Server holds the dependencies every handler needs.
type Server struct {
	orch *orchestrator.Orchestrator
	auth auth.Authenticator
}

// New builds a Server backed by orch and auth.
func New(orch *orchestrator.Orchestrator, authn auth.Authenticator) *Server {
	return &Server{orch: orch, auth: authn}
}

// Router assembles the chi router, wiring CORS and per-route metrics the
// way the original wraps every endpoint in flask_cors.CORS(app).
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Method(http.MethodPost, "/api/review", instrument("/api/review", http.HandlerFunc(s.postReview)))
	r.Method(http.MethodGet, "/api/review", instrument("/api/review", http.HandlerFunc(s.getReview)))
	r.Method(http.MethodGet, "/api/reviews", instrument("/api/reviews", http.HandlerFunc(s.listReviews)))
	r.Method(http.MethodGet, "/api/status", instrument("/api/status", http.HandlerFunc(s.getStatus)))

	return r
}

// instrument wraps h so every request counts toward metrics.APIRequestsTotal
// and metrics.APIRequestDuration, labeled by route and outcome status.
func instrument(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type reviewSubmission struct {
	Token             string   `json:"token"`
	Tree              string   `json:"tree"`
	Branch            string   `json:"branch"`
	Mask              []bool   `json:"mask"`
	PatchworkSeriesID string   `json:"patchwork_series_id"`
	Hash              string   `json:"hash"`
	Patches           []string `json:"patches"`
}

// postReview handles POST /api/review.
func (s *Server) postReview(w http.ResponseWriter, r *http.Request) {
	var body reviewSubmission
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !s.auth.Validate(body.Token) {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	origin, err := review.OriginFromSubmission(body.PatchworkSeriesID, body.Hash, body.Patches)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.orch.Submit(body.Token, orchestrator.SubmitRequest{
		Tree:   body.Tree,
		Branch: body.Branch,
		Mask:   body.Mask,
		Origin: origin,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Logger.Info().Str("review_id", id).Str("tree", body.Tree).Msg("review submitted")
	writeJSON(w, http.StatusOK, map[string]string{"review_id": id})
}

// getReview handles GET /api/review?id=&token=&format=.
func (s *Server) getReview(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	token := r.URL.Query().Get("token")
	format := r.URL.Query().Get("format")

	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing review_id")
		return
	}

	if token != "" && !s.auth.Validate(token) {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	result, ok := s.orch.Get(id, token, format)
	if !ok {
		writeError(w, http.StatusNotFound, "Review not found or access denied")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// listReviews handles GET /api/reviews?token=&limit=&superuser=&public_only=.
func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	wantSuperuser := q.Get("superuser") == "true"
	publicOnly := q.Get("public_only") == "true"

	allTokens := publicOnly
	if !publicOnly {
		if token == "" || !s.auth.Validate(token) {
			writeError(w, http.StatusUnauthorized, "Invalid or missing token")
			return
		}
		isSuperuser := s.auth.IsSuperuser(token)
		if wantSuperuser && !isSuperuser {
			writeError(w, http.StatusForbidden, "Superuser access denied")
			return
		}
		allTokens = wantSuperuser && isSuperuser
	}

	reviews, err := s.orch.List(token, limit, allTokens)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if publicOnly {
		filtered := make([]orchestrator.ReviewSummary, 0, len(reviews))
		for _, rv := range reviews {
			if s.auth.IsPublicRead(rv.Token) {
				filtered = append(filtered, rv)
			}
		}
		reviews = filtered
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"reviews": reviews})
}

// getStatus handles GET /api/status.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.GetStatus()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// NewHTTPServer builds a ready-to-run *http.Server around Router(), using
// the same timeout shape as the teacher's health server.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
