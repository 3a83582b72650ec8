// Package api provides HTTP handlers for the forward-test control API.
//
// Endpoints:
//
//	GET  /api/v1/status                     - Service health check
//	POST /api/v1/forward/start              - Start a forward test
//	POST /api/v1/forward/{run_id}/stop      - Stop a forward test
//	GET  /api/v1/forward/active             - List active forward tests
//	GET  /api/v1/forward/{run_id}/history   - Portfolio value history
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BelDim04/invest-alphas/internal/repository"
	"github.com/BelDim04/invest-alphas/internal/runner"
)

// Server holds dependencies for the API handlers.
type Server struct {
	Driver  *runner.Driver
	Started time.Time
	Logger  *slog.Logger
}

// NewServer creates a new API server.
func NewServer(driver *runner.Driver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Driver:  driver,
		Started: time.Now(),
		Logger:  logger,
	}
}

// RegisterRoutes registers all API routes on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/status", s.HandleStatus)
	mux.HandleFunc("POST /api/v1/forward/start", s.HandleStart)
	mux.HandleFunc("POST /api/v1/forward/{run_id}/stop", s.HandleStop)
	mux.HandleFunc("GET /api/v1/forward/active", s.HandleListActive)
	mux.HandleFunc("GET /api/v1/forward/{run_id}/history", s.HandleHistory)
}

// ---------------------------------------------------------------------------
// Request/response types
// ---------------------------------------------------------------------------

type statusResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type startRequest struct {
	UserID          int64    `json:"user_id"`
	Alpha           string   `json:"alpha"`
	Tickers         []string `json:"tickers"`
	TradeOnWeekends bool     `json:"trade_on_weekends"`
}

type runItem struct {
	RunID             int64    `json:"run_id"`
	UserID            int64    `json:"user_id"`
	AccountID         string   `json:"account_id"`
	Alpha             string   `json:"alpha"`
	Tickers           []string `json:"tickers"`
	TradeOnWeekends   bool     `json:"trade_on_weekends"`
	DatetimeStart     string   `json:"datetime_start"`
	DatetimeEnd       *string  `json:"datetime_end"`
	IsRunning         bool     `json:"is_running"`
	LastExecutionDate *string  `json:"last_execution_date"`
}

type runListResponse struct {
	Runs  []runItem `json:"runs"`
	Total int       `json:"total"`
}

type historyPoint struct {
	RecordedAt string  `json:"recorded_at"`
	Value      float64 `json:"value"`
}

type historyResponse struct {
	RunID  int64          `json:"run_id"`
	Values []historyPoint `json:"values"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// HandleStatus returns overall service health.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:        "healthy",
		UptimeSeconds: time.Since(s.Started).Seconds(),
	})
}

// HandleStart validates and registers a new forward test.
func (s *Server) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.UserID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id is required"})
		return
	}
	if req.Alpha == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "alpha is required"})
		return
	}
	if len(req.Tickers) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "tickers is required"})
		return
	}

	run, err := s.Driver.StartRun(r.Context(), req.UserID, req.Alpha, req.Tickers, req.TradeOnWeekends)
	if err != nil {
		s.Logger.Error("Failed to start forward test", "user_id", req.UserID, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, buildRunItem(*run))
}

// HandleStop stops a running forward test.
func (s *Server) HandleStop(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}

	if err := s.Driver.StopRun(r.Context(), runID); err != nil {
		if errors.Is(err, runner.ErrNotRunning) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "forward test is not running"})
			return
		}
		s.Logger.Error("Failed to stop forward test", "run_id", runID, "error", err)
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "run not found"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleListActive lists active forward tests, optionally for one user.
func (s *Server) HandleListActive(w http.ResponseWriter, r *http.Request) {
	var userID int64
	if v := r.URL.Query().Get("user_id"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid user_id"})
			return
		}
		userID = parsed
	}

	runs, err := s.Driver.ListActive(r.Context(), userID)
	if err != nil {
		s.Logger.Error("Failed to list active forward tests", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	items := make([]runItem, len(runs))
	for i, run := range runs {
		items[i] = buildRunItem(run)
	}
	writeJSON(w, http.StatusOK, runListResponse{Runs: items, Total: len(items)})
}

// HandleHistory returns the recorded portfolio values of a run.
func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}

	points, err := s.Driver.GetHistory(r.Context(), runID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "run not found"})
		return
	}

	values := make([]historyPoint, len(points))
	for i, p := range points {
		values[i] = historyPoint{
			RecordedAt: p.RecordedAt.UTC().Format(time.RFC3339),
			Value:      p.Value,
		}
	}
	writeJSON(w, http.StatusOK, historyResponse{RunID: runID, Values: values})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func pathRunID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("run_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid run_id"})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode JSON response", "error", err)
	}
}

func buildRunItem(run repository.ForwardTestRow) runItem {
	return runItem{
		RunID:             run.ID,
		UserID:            run.UserID,
		AccountID:         run.AccountID,
		Alpha:             run.Alpha,
		Tickers:           run.Tickers,
		TradeOnWeekends:   run.TradeOnWeekends,
		DatetimeStart:     run.DatetimeStart.UTC().Format(time.RFC3339),
		DatetimeEnd:       formatOptionalTime(run.DatetimeEnd),
		IsRunning:         run.IsRunning,
		LastExecutionDate: formatOptionalDate(run.LastExecutionDate),
	}
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func formatOptionalDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format("2006-01-02")
	return &s
}
