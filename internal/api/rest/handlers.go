package rest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/fortuna/nhlcrawler/internal/crawl"
	"github.com/fortuna/nhlcrawler/internal/ingest/nhl"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler contains dependencies for HTTP handlers
type Handler struct {
	service CrawlService
	health  HealthChecker
}

// NewHandler creates a new handler. health may be nil.
func NewHandler(service CrawlService, health HealthChecker) *Handler {
	return &Handler{service: service, health: health}
}

// HealthCheck handles health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.HealthCheck(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "Storage unreachable", err)
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "nhlcrawler",
	})
}

type apiCrawlRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	DryRun    bool   `json:"dry_run"`
}

// HandleCrawlRequest handles POST /api/v1/crawls
func (h *Handler) HandleCrawlRequest(w http.ResponseWriter, r *http.Request) {
	var req apiCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.EndDate == "" {
		req.EndDate = req.StartDate
	}

	dateRange, err := nhl.ParseDateRange(req.StartDate, req.EndDate)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid date range (YYYY-MM-DD, start <= end)", err)
		return
	}

	job, err := h.service.Enqueue(r.Context(), crawl.Request{Range: dateRange, DryRun: req.DryRun})
	switch {
	case errors.Is(err, crawl.ErrQueueFull):
		respondError(w, http.StatusTooManyRequests, "Crawl queue is full", err)
		return
	case errors.Is(err, crawl.ErrServiceStopped):
		respondError(w, http.StatusServiceUnavailable, "Crawl service is shutting down", err)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "Failed to enqueue crawl", err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"job": job,
	})
}

// HandleCrawlStatus handles GET /api/v1/crawls/status
func (h *Handler) HandleCrawlStatus(w http.ResponseWriter, r *http.Request) {
	summary := h.service.Status()

	response := map[string]interface{}{
		"status":  "idle",
		"message": "No active crawl",
		"queued":  summary.Queued,
		"history": summary.History,
	}
	if summary.ActiveJob != nil {
		response["status"] = summary.ActiveJob.Status
		response["message"] = summary.ActiveJob.StatusMessage
		response["active_job"] = summary.ActiveJob
	}

	respondJSON(w, http.StatusOK, response)
}

// HandleGetCrawl handles GET /api/v1/crawls/{jobID}
func (h *Handler) HandleGetCrawl(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]

	job, ok := h.service.Job(jobID)
	if !ok {
		respondError(w, http.StatusNotFound, "Crawl not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]interface{}{
		"error":  message,
		"status": status,
	}
	if err != nil {
		response["details"] = err.Error()
	}

	respondJSON(w, status, response)
}
