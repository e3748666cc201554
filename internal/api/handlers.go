package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/scionmmu/mmuctl/internal/command"
	"github.com/scionmmu/mmuctl/internal/dispatch"
	"github.com/scionmmu/mmuctl/internal/history"
	"github.com/scionmmu/mmuctl/internal/panel"
	"github.com/scionmmu/mmuctl/internal/recipe"
)

const defaultLogLimit = 100

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Busy:          s.panel.Snapshot().Busy,
	})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.panel.Snapshot()
	resp := StatusResponse{
		Address:   snap.Address,
		Busy:      snap.Busy,
		Action:    snap.Action,
		Automated: snap.Automated,
		Polling:   snap.Polling,
		Failures:  snap.Failures,
		Printer:   snap.Printer,
	}
	if !snap.LastUpdate.IsZero() {
		t := snap.LastUpdate.UTC()
		resp.LastUpdate = &t
	}
	if s.poller != nil {
		st := s.poller.Stats()
		resp.Poller = &st
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleLogs handles GET /logs?limit=N.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultLogLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lines := s.panel.Lines(limit)
	if lines == nil {
		lines = []panel.Line{}
	}
	respondJSON(w, http.StatusOK, lines)
}

// handlePrinterAction handles POST /printer/{action}.
func (s *Server) handlePrinterAction(w http.ResponseWriter, r *http.Request) {
	action := panel.Action(chi.URLParam(r, "action"))
	var start func() (string, error)
	switch action {
	case panel.ActionStatus:
		start = s.panel.CheckStatus
	case panel.ActionPause:
		start = s.panel.Pause
	case panel.ActionResume:
		start = s.panel.Resume
	case panel.ActionStop:
		start = s.panel.Stop
	case panel.ActionFiles:
		start = s.panel.ListFiles
	default:
		s.writeError(w, http.StatusNotFound, "unknown printer action: "+string(action))
		return
	}
	id, err := start()
	s.respondStarted(w, action, id, err)
}

// handlePrint handles POST /printer/print.
func (s *Server) handlePrint(w http.ResponseWriter, r *http.Request) {
	var req PrintRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.File) == "" {
		s.writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	id, err := s.panel.PrintFile(req.File)
	s.respondStarted(w, panel.ActionPrint, id, err)
}

// handlePump handles POST /pump.
func (s *Server) handlePump(w http.ResponseWriter, r *http.Request) {
	var req PumpRequest
	if !s.decode(w, r, &req) {
		return
	}
	run := command.PumpRun{
		Motor:     command.Motor(strings.ToUpper(strings.TrimSpace(req.Motor))),
		Direction: command.Direction(strings.ToUpper(strings.TrimSpace(req.Direction))),
		Seconds:   req.Seconds,
	}
	if err := run.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.panel.PumpRun(run)
	s.respondStarted(w, panel.ActionPump, id, err)
}

// handleMultiMaterial handles POST /multi-material/start.
func (s *Server) handleMultiMaterial(w http.ResponseWriter, r *http.Request) {
	id, err := s.panel.StartMultiMaterial()
	s.respondStarted(w, panel.ActionMultiMaterial, id, err)
}

// handleCancel handles POST /cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.panel.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

// handlePolling handles POST /polling.
func (s *Server) handlePolling(w http.ResponseWriter, r *http.Request) {
	var req PollingRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.panel.SetPolling(req.Enabled)
	respondJSON(w, http.StatusOK, req)
}

// handleGetRecipe handles GET /recipe.
func (s *Server) handleGetRecipe(w http.ResponseWriter, r *http.Request) {
	rows := s.panel.Rows()
	respondJSON(w, http.StatusOK, RecipeResponse{Rows: rows, Text: recipe.Format(rows)})
}

// handlePutRecipe handles PUT /recipe. Duplicate layers are refused with
// 409 unless ?confirm=true is given.
func (s *Server) handlePutRecipe(w http.ResponseWriter, r *http.Request) {
	var req RecipeRequest
	if !s.decode(w, r, &req) {
		return
	}
	rows := req.Rows
	if len(rows) == 0 {
		parsed, err := recipe.Parse(req.Text)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		rows = parsed
	}
	if err := recipe.Validate(rows); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	confirmed := r.URL.Query().Get("confirm") == "true"
	if dups := recipe.DuplicateLayers(rows); len(dups) > 0 && !confirmed {
		respondJSON(w, http.StatusConflict, DuplicatesResponse{
			Error:      "recipe repeats layers; resend with ?confirm=true to save anyway",
			Duplicates: dups,
		})
		return
	}

	saved, err := s.panel.SaveRows(rows, func([]recipe.Duplicate) bool { return confirmed })
	if err != nil {
		s.logger.Error("failed to save recipe", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save recipe: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, RecipeResponse{
		Path:        saved.Path,
		Rows:        rows,
		Text:        saved.Text,
		Fingerprint: saved.Fingerprint,
		Duplicates:  saved.Duplicates,
	})
}

// handleHistory handles GET /history?limit=N.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	limit, err := queryLimit(r, 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// handleHistoryEntry handles GET /history/{id}.
func (s *Server) handleHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	entry, err := s.history.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read history entry", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// handleRecipeHistory handles GET /recipes?limit=N.
func (s *Server) handleRecipeHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	limit, err := queryLimit(r, 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.history.Recipes(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read recipe history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read recipe history")
		return
	}
	if entries == nil {
		entries = []history.RecipeEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// respondStarted maps the result of starting an action to a response:
// 202 with the invocation id, 409 while busy.
func (s *Server) respondStarted(w http.ResponseWriter, action panel.Action, id string, err error) {
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, InvocationResponse{InvocationID: id, Action: action})
	case errors.Is(err, dispatch.ErrBusy):
		s.writeError(w, http.StatusConflict, "device busy: an invocation is already running")
	case errors.Is(err, panel.ErrPrecondition):
		s.writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, dispatch.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, "dispatcher is shutting down")
	default:
		s.writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) requireHistory(w http.ResponseWriter) bool {
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history is not available")
		return false
	}
	return true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func queryLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
