// Package api serves the ops HTTP API: run status, not-sent breakdowns,
// reconciliation and manual bucket triggers.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/monitoring"
	"github.com/sells-group/collection-cli/internal/orchestrator"
	"github.com/sells-group/collection-cli/internal/runlock"
	"github.com/sells-group/collection-cli/internal/store"
)

// Store is the read side the API serves from.
type Store interface {
	monitoring.Store
	GetBucketRun(ctx context.Context, bucketID string, runDate time.Time) (*model.BucketRun, error)
	ListDispatchRecords(ctx context.Context, filter store.DispatchFilter) ([]model.DispatchRecord, error)
	Ping(ctx context.Context) error
}

// Runner triggers bucket jobs.
type Runner interface {
	RunBucket(ctx context.Context, bucketID string, runDate time.Time, opts orchestrator.RunOptions) (*model.BucketRun, error)
}

// Server holds the API dependencies.
type Server struct {
	store     Store
	runner    Runner
	snapshots orchestrator.SnapshotSource
	log       *zap.Logger
}

// NewServer creates a Server.
func NewServer(st Store, runner Runner, snapshots orchestrator.SnapshotSource) *Server {
	return &Server{
		store:     st,
		runner:    runner,
		snapshots: snapshots,
		log:       zap.L().With(zap.String("component", "api")),
	}
}

// Router builds the chi router.
func (s *Server) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.listRuns)
		r.Route("/{bucket}/{date}", func(r chi.Router) {
			r.Get("/", s.getRun)
			r.Post("/", s.triggerRun)
			r.Get("/not-sent", s.notSent)
		})
	})
	r.Get("/status/{date}", s.status)
	r.Get("/reconcile/{date}", s.reconcile)
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		BucketID: r.URL.Query().Get("bucket"),
		State:    model.RunState(r.URL.Query().Get("state")),
		Limit:    queryInt(r, "limit", 100),
	}
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := model.ParseRunDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date")
			return
		}
		filter.RunDate = d
	}
	runs, err := s.store.ListBucketRuns(r.Context(), filter)
	if err != nil {
		s.internal(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []model.BucketRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runDate, ok := pathDate(w, r)
	if !ok {
		return
	}
	run, err := s.store.GetBucketRun(r.Context(), chi.URLParam(r, "bucket"), runDate)
	if err != nil {
		s.internal(w, "get run", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type notSentResponse struct {
	BucketID string                 `json:"bucket_id"`
	RunDate  string                 `json:"run_date"`
	ByReason []model.ReasonCount    `json:"by_reason"`
	Records  []model.DispatchRecord `json:"records"`
}

func (s *Server) notSent(w http.ResponseWriter, r *http.Request) {
	runDate, ok := pathDate(w, r)
	if !ok {
		return
	}
	bucketID := chi.URLParam(r, "bucket")
	reason := model.ExclusionReason(r.URL.Query().Get("reason"))
	if reason != "" && !reason.Valid() {
		writeError(w, http.StatusBadRequest, "unknown reason")
		return
	}

	counts, err := s.store.NotSentByReason(r.Context(), runDate)
	if err != nil {
		s.internal(w, "not-sent breakdown", err)
		return
	}
	resp := notSentResponse{BucketID: bucketID, RunDate: model.FormatDate(runDate), ByReason: []model.ReasonCount{}}
	for _, c := range counts {
		if c.BucketID == bucketID {
			resp.ByReason = append(resp.ByReason, c)
		}
	}

	resp.Records, err = s.store.ListDispatchRecords(r.Context(), store.DispatchFilter{
		RunDate:  runDate,
		BucketID: bucketID,
		Outcome:  model.OutcomeNotSent,
		Reason:   reason,
		Limit:    queryInt(r, "limit", 500),
		Offset:   queryInt(r, "offset", 0),
	})
	if err != nil {
		s.internal(w, "list not-sent records", err)
		return
	}
	if resp.Records == nil {
		resp.Records = []model.DispatchRecord{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// triggerRun starts a bucket job. It runs in the background and answers 202
// unless ?wait=true, which blocks and returns the run.
func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	runDate, ok := pathDate(w, r)
	if !ok {
		return
	}
	bucketID := chi.URLParam(r, "bucket")
	opts := orchestrator.RunOptions{
		Force:       r.URL.Query().Get("force") == "true",
		InHouseOnly: r.URL.Query().Get("inhouse_only") == "true",
	}

	if r.URL.Query().Get("wait") == "true" {
		run, err := s.runner.RunBucket(r.Context(), bucketID, runDate, opts)
		switch {
		case eris.Is(err, runlock.ErrRunLocked):
			writeError(w, http.StatusConflict, "run is in progress")
		case eris.Is(err, model.ErrUnknownBucket):
			writeError(w, http.StatusNotFound, "unknown bucket")
		case err != nil && run == nil:
			s.internal(w, "run bucket", err)
		default:
			status := http.StatusOK
			if err != nil {
				status = http.StatusInternalServerError
			}
			writeJSON(w, status, run)
		}
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		if _, err := s.runner.RunBucket(ctx, bucketID, runDate, opts); err != nil {
			s.log.Error("api: triggered bucket job failed",
				zap.String("bucket", bucketID),
				zap.String("run_date", model.FormatDate(runDate)),
				zap.Error(err),
			)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"bucket_id": bucketID,
		"run_date":  model.FormatDate(runDate),
		"status":    "accepted",
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	runDate, ok := pathDate(w, r)
	if !ok {
		return
	}
	snap, err := monitoring.NewCollector(s.store).Collect(r.Context(), runDate)
	if err != nil {
		s.internal(w, "collect status", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	runDate, ok := pathDate(w, r)
	if !ok {
		return
	}
	snap, err := s.snapshots.Load(r.Context())
	if err != nil {
		s.internal(w, "load snapshot", err)
		return
	}
	rec, err := monitoring.NewReconciler(s.store, snap).Reconcile(r.Context(), runDate)
	if err != nil {
		s.internal(w, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) internal(w http.ResponseWriter, op string, err error) {
	s.log.Error("api: "+op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func pathDate(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	d, err := model.ParseRunDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date, want YYYY-MM-DD")
		return time.Time{}, false
	}
	return d, true
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
