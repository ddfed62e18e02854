package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mmr-tortoise/matrixci/internal/config"
	"github.com/mmr-tortoise/matrixci/internal/model"
	"github.com/mmr-tortoise/matrixci/internal/runner"
)

// maxPipelineBody bounds submitted pipeline files. Real pipeline files
// are a few kilobytes; a megabyte is already suspicious.
const maxPipelineBody = 1 << 20

// Server runs pipelines submitted over HTTP with the same engine the
// CLI uses.
type Server struct {
	store       *Store
	executor    runner.Executor
	reporter    runner.Reporter
	concurrency int
	baseCtx     context.Context
	logf        func(format string, args ...any)
}

// Options configures a Server.
type Options struct {
	// LogDir is where job logs are persisted.
	LogDir string

	// Executor runs the jobs of submitted pipelines.
	Executor runner.Executor

	// Reporter uploads coverage after passing jobs. Nil disables it.
	Reporter runner.Reporter

	// Concurrency bounds jobs per run. Zero selects the runner default.
	Concurrency int

	// BaseCtx, when set, bounds the lifetime of launched runs;
	// canceling it cancels every in-flight run. Nil selects
	// context.Background().
	BaseCtx context.Context

	// Logf, when set, receives operational messages.
	Logf func(format string, args ...any)
}

// New creates a Server.
func New(opts Options) *Server {
	base := opts.BaseCtx
	if base == nil {
		base = context.Background()
	}
	return &Server{
		store:       NewStore(opts.LogDir),
		executor:    opts.Executor,
		reporter:    opts.Reporter,
		concurrency: opts.Concurrency,
		baseCtx:     base,
		logf:        opts.Logf,
	}
}

// Store exposes the server's run store, mainly for tests.
func (s *Server) Store() *Store {
	return s.store
}

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/pipelines", s.handleSubmit)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/jobs/{job}/log", s.handleJobLog)
	})

	return r
}

// submitResponse is the 202 body for an accepted pipeline.
type submitResponse struct {
	ID     string   `json:"id"`
	Status string   `json:"status"`
	Jobs   []string `json:"jobs"`
}

// handleSubmit validates a submitted pipeline file, expands its
// matrix, and launches the run asynchronously. The response carries
// the run ID the caller polls for status.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPipelineBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body", nil)
		return
	}

	jsonInput := strings.Contains(r.Header.Get("Content-Type"), "json")
	p, err := config.Parse(body, jsonInput, "request body")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	if err := config.Validate(p); err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, "pipeline validation failed", verr.Violations)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	jobs, err := config.Expand(p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	id := s.store.NextRunID()

	// Record the run before answering so a poll right after the 202
	// already finds it.
	pending := &model.RunResult{
		ID:        id,
		Pipeline:  p.Name,
		Status:    model.StatusRunning,
		Jobs:      make([]model.JobResult, len(jobs)),
		StartedAt: time.Now(),
	}
	names := make([]string, len(jobs))
	for i, job := range jobs {
		names[i] = job.Name
		pending.Jobs[i] = model.JobResult{Job: job, Status: model.StatusPending}
	}
	s.store.Put(pending)

	go s.execute(id, p.Name, jobs)

	writeJSON(w, http.StatusAccepted, submitResponse{
		ID:     id,
		Status: model.StatusRunning.String(),
		Jobs:   names,
	})
}

// execute drives one submitted run to completion and persists its
// result and logs.
func (s *Server) execute(id, pipeline string, jobs []model.Job) {
	run := &runner.Runner{
		Executor:    s.executor,
		Reporter:    s.reporter,
		Concurrency: s.concurrency,
		// Mirror job transitions into the store so a status poll
		// during the run sees which jobs have started.
		Progress: func(jobName string, status model.Status) {
			s.store.SetJobStatus(id, jobName, status)
		},
	}
	res := run.Run(s.baseCtx, id, pipeline, jobs)

	s.store.Put(res)
	if err := s.store.SaveJobLogs(res); err != nil && s.logf != nil {
		s.logf("run %s: %v", id, err)
	}
}

// runSummary is the list-view projection of a run.
type runSummary struct {
	ID        string       `json:"id"`
	Pipeline  string       `json:"pipeline"`
	Status    model.Status `json:"status"`
	Jobs      int          `json:"jobs"`
	StartedAt time.Time    `json:"startedAt"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	runs := s.store.List()
	summaries := make([]runSummary, 0, len(runs))
	for _, res := range runs {
		summaries = append(summaries, runSummary{
			ID:        res.ID,
			Pipeline:  res.Pipeline,
			Status:    res.Status,
			Jobs:      len(res.Jobs),
			StartedAt: res.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	res, ok := s.store.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no such run", nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleJobLog serves a job's captured output as plain text. The job
// path segment may be the full job name or the part after the
// pipeline prefix, since full names contain a slash.
func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	res, ok := s.store.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no such run", nil)
		return
	}

	param := chi.URLParam(r, "job")
	var found *model.JobResult
	for i := range res.Jobs {
		name := res.Jobs[i].Job.Name
		if name == param || name == res.Pipeline+"/"+param {
			found = &res.Jobs[i]
			break
		}
	}
	if found == nil {
		writeError(w, http.StatusNotFound, "no such job in run", nil)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	// Prefer the persisted log; fall back to the in-memory result for
	// runs that have not finished yet.
	if data, err := s.store.ReadJobLog(res.ID, found.Job.Name); err == nil {
		_, _ = w.Write(data)
		return
	}
	_, _ = w.Write([]byte(found.CombinedOutput()))
}

// errorResponse is the JSON error body for all non-2xx answers.
type errorResponse struct {
	Error      string   `json:"error"`
	Violations []string `json:"violations,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string, violations []string) {
	writeJSON(w, status, errorResponse{Error: msg, Violations: violations})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
