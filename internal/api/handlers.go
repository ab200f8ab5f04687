package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sitegauge/sitegauge/internal/analysis"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	defaultRetention = 24 * time.Hour
)

func (s *Server) submitAnalysis(w http.ResponseWriter, r *http.Request) {
	var payload analysis.JobPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobID, err := s.adapter.Submit(r.Context(), payload)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) getAnalysis(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	view, err := s.adapter.Status(r.Context(), jobID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) getAnalysisResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	result, err := s.adapter.Result(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, analysis.ErrJobNotFound) {
			s.writeDomainError(w, err)
			return
		}
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) getAnalysisFailure(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	artifact, err := s.store.GetFailureArtifact(r.Context(), jobID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) cancelAnalysis(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	ok, err := s.adapter.Cancel(r.Context(), jobID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !ok {
		s.writeError(w, http.StatusConflict, "job is already finished")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "cancelling"})
}

func (s *Server) retryAnalysis(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	ok, err := s.adapter.Retry(r.Context(), jobID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !ok {
		s.writeError(w, http.StatusConflict, "only failed jobs can be retried")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": string(analysis.StateWaiting)})
}

func (s *Server) listAnalyses(w http.ResponseWriter, r *http.Request) {
	stateParam := strings.TrimSpace(r.URL.Query().Get("state"))
	state, err := parseState(stateParam)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.store.ListJobsByState(r.Context(), state, limit, offset)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []analysis.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) queueMetrics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.adapter.Metrics())
}

func (s *Server) pauseQueue(w http.ResponseWriter, _ *http.Request) {
	s.adapter.Pause()
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) resumeQueue(w http.ResponseWriter, _ *http.Request) {
	s.adapter.Resume()
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) cleanupJobs(w http.ResponseWriter, r *http.Request) {
	retention := defaultRetention
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "older_than must be a positive duration")
			return
		}
		retention = parsed
	}
	n, err := s.adapter.Cleanup(r.Context(), retention)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients are same-origin in production; the reverse proxy
	// enforces it, so the upgrader accepts all origins here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// progressSocket upgrades the connection and subscribes it to the caller's
// progress events.
func (s *Server) progressSocket(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if s.ws == nil {
		s.writeError(w, http.StatusServiceUnavailable, "progress channel unavailable")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an error.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s.ws.Serve(conn, userID)
}

func parseState(raw string) (analysis.JobState, error) {
	if raw == "" {
		return analysis.StateWaiting, nil
	}
	state := analysis.JobState(raw)
	switch state {
	case analysis.StateWaiting, analysis.StateActive, analysis.StateCompleted,
		analysis.StateFailed, analysis.StateDelayed, analysis.StateCancelled:
		return state, nil
	default:
		return "", fmt.Errorf("unknown state %q", raw)
	}
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int, error) {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		if parsed > maxLimit {
			parsed = maxLimit
		}
		limit = parsed
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = parsed
	}
	return limit, offset, nil
}
