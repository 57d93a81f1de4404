package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/scheduler"
)

const (
	defaultPerSourceMax = 20
	defaultJobLimit     = 50
	maxJobLimit         = 500
	maxRequestBytes     = 1 << 20
)

type jobRequest struct {
	Query             string                `json:"query"`
	Sources           []string              `json:"sources"`
	PerSourceMax      *int                  `json:"per_source_max"`
	JobMaxItems       int                   `json:"job_max_items"`
	JobMaxBytes       int64                 `json:"job_max_bytes"`
	JobTimeoutSeconds *int                  `json:"job_timeout_seconds"`
	SafeSearch        bool                  `json:"safe_search"`
	ContentTypes      []harvest.ContentType `json:"content_types"`
	Quality           map[string]string     `json:"quality"`
}

func (req jobRequest) spec(requester string) harvest.JobSpec {
	perSource := defaultPerSourceMax
	if req.PerSourceMax != nil {
		perSource = *req.PerSourceMax
	}
	return harvest.JobSpec{
		Query:             strings.TrimSpace(req.Query),
		Sources:           req.Sources,
		PerSourceMax:      perSource,
		JobMaxItems:       req.JobMaxItems,
		JobMaxBytes:       req.JobMaxBytes,
		JobTimeoutSeconds: req.JobTimeoutSeconds,
		SafeSearch:        req.SafeSearch,
		ContentTypes:      req.ContentTypes,
		Quality:           req.Quality,
		Requester:         requester,
	}
}

// submitJob handles POST /v1/jobs. It answers 202 with the job id once the job
// is running, 400 for invalid specs or unknown sources, and 503 while shutting down.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()

	spec := req.spec(strings.TrimSpace(r.Header.Get("X-Requester")))
	jobID, err := s.jobs.Submit(ctx, spec)
	if err != nil {
		switch {
		case errors.Is(err, harvest.ErrInvalidSpec), errors.Is(err, harvest.ErrUnknownSource):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, scheduler.ErrShutdown):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("submit job failed", zap.Error(err), zap.String("request_id", requestID(r.Context())))
			writeError(w, http.StatusInternalServerError, "failed to submit job")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(harvest.JobStatusRunning),
	})
}

// getJob handles GET /v1/jobs/{job_id}.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, harvest.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// listJobs handles GET /v1/jobs?status=&requester=&limit=&offset=.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.store.(harvest.JobLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "job store cannot list jobs")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := harvest.JobFilter{
		Requester: strings.TrimSpace(r.URL.Query().Get("requester")),
		Limit:     limit,
		Offset:    offset,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := parseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	jobs, err := lister.List(ctx, filter)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// cancelJob handles POST /v1/jobs/{job_id}/cancel. Cancelling a finished job is a no-op.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.jobs.Cancel(r.Context(), jobID); err != nil {
		if errors.Is(err, harvest.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("cancel job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "cancel_requested"})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	limit := def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, fmt.Errorf("limit must be a positive integer")
		}
		limit = min(v, maxLimit)
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
		offset = v
	}
	return limit, offset, nil
}

func parseStatus(raw string) (harvest.JobStatus, error) {
	status := harvest.JobStatus(strings.ToLower(raw))
	switch status {
	case harvest.JobStatusPending, harvest.JobStatusRunning, harvest.JobStatusCompleted,
		harvest.JobStatusError, harvest.JobStatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("unknown status %q", raw)
	}
}
