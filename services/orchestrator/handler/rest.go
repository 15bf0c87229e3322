package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/creativeghq/batchflow/internal/domain"
	"github.com/creativeghq/batchflow/internal/orchestrator"
	"github.com/creativeghq/batchflow/internal/recurrence"
	redisstore "github.com/creativeghq/batchflow/internal/redis"
	"github.com/creativeghq/batchflow/pkg/telemetry"
)

// REST handles HTTP requests for the orchestrator service.
type REST struct {
	orch      *orchestrator.Orchestrator
	templates *recurrence.Scheduler // nil disables template endpoints
	mirror    redisstore.StateMirror
	logger    *slog.Logger
}

// NewREST creates a new REST handler. templates and mirror may be nil.
func NewREST(orch *orchestrator.Orchestrator, templates *recurrence.Scheduler, mirror redisstore.StateMirror, logger *slog.Logger) *REST {
	return &REST{orch: orch, templates: templates, mirror: mirror, logger: logger}
}

// Routes mounts all endpoints on the given router.
func (h *REST) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", h.CreateJob)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{id}", h.GetJob)
		r.Delete("/jobs/{id}", h.DeleteJob)
		r.Post("/jobs/{id}/{command}", h.JobCommand)
		r.Post("/jobs/batch", h.BatchCommand)
		r.Get("/stats", h.GetStats)
		r.Get("/snapshot", h.GetSnapshot)
		r.Get("/events", h.StreamEvents)
		if h.templates != nil {
			r.Post("/templates", h.CreateTemplate)
			r.Get("/templates", h.ListTemplates)
			r.Delete("/templates/{id}", h.DeleteTemplate)
		}
	})
}

// CreateJobRequest is the JSON body for POST /api/v1/jobs.
type CreateJobRequest struct {
	orchestrator.JobSpec
	// Start launches the job immediately instead of leaving it pending.
	Start bool `json:"start"`
}

// CreateJob handles POST /api/v1/jobs.
func (h *REST) CreateJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("orchestrator-api").Start(r.Context(), "api.create_job")
	defer span.End()

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeError(w, http.StatusBadRequest, "field 'type' is required")
		return
	}

	job, err := h.orch.CreateJob(ctx, req.JobSpec)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", job.Type),
	)
	telemetry.APIJobsSubmitted.WithLabelValues(job.Type).Inc()

	if req.Start {
		if err := h.orch.Start(ctx, job.ID); err != nil {
			h.writeDomainError(w, err)
			return
		}
		job, _, err = h.orch.GetJob(job.ID)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, job)
}

// JobDetailResponse is the GET /api/v1/jobs/{id} response body.
type JobDetailResponse struct {
	Job   *domain.Job    `json:"job"`
	Tasks []*domain.Task `json:"tasks"`
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *REST) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, tasks, err := h.orch.GetJob(jobID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, JobDetailResponse{Job: job, Tasks: tasks})
}

// ListJobs handles GET /api/v1/jobs with optional status, type, owner,
// and sort query parameters.
func (h *REST) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := orchestrator.ListFilter{
		Status:  domain.JobStatus(q.Get("status")),
		Type:    q.Get("type"),
		OwnerID: q.Get("owner"),
	}
	jobs := h.orch.ListJobs(filter, orchestrator.SortOrder(q.Get("sort")))
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// DeleteJob handles DELETE /api/v1/jobs/{id}.
func (h *REST) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := h.orch.Delete(r.Context(), jobID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JobCommand handles POST /api/v1/jobs/{id}/{command} for start, pause,
// resume, cancel, and retry.
func (h *REST) JobCommand(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	command := chi.URLParam(r, "command")

	var err error
	switch command {
	case "start":
		err = h.orch.Start(r.Context(), jobID)
	case "pause":
		err = h.orch.Pause(r.Context(), jobID)
	case "resume":
		err = h.orch.Resume(r.Context(), jobID)
	case "cancel":
		err = h.orch.Cancel(r.Context(), jobID)
	case "retry":
		err = h.orch.Retry(r.Context(), jobID)
	default:
		writeError(w, http.StatusNotFound, "unknown command: "+command)
		return
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	job, _, err := h.orch.GetJob(jobID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// BatchCommandRequest is the JSON body for POST /api/v1/jobs/batch.
type BatchCommandRequest struct {
	Action domain.BatchAction `json:"action"`
	JobIDs []string           `json:"job_ids"`
}

// BatchCommand handles POST /api/v1/jobs/batch. The response is always
// 200 with per-job outcomes; partial failure is not an HTTP error.
func (h *REST) BatchCommand(w http.ResponseWriter, r *http.Request) {
	var req BatchCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Action.Valid() {
		writeError(w, http.StatusBadRequest, "unknown action: "+string(req.Action))
		return
	}
	if len(req.JobIDs) == 0 {
		writeError(w, http.StatusBadRequest, "field 'job_ids' is required")
		return
	}

	results := h.orch.Batch(r.Context(), req.Action, req.JobIDs)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// GetStats handles GET /api/v1/stats with the same filters as ListJobs.
func (h *REST) GetStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := orchestrator.ListFilter{
		Status:  domain.JobStatus(q.Get("status")),
		Type:    q.Get("type"),
		OwnerID: q.Get("owner"),
	}
	writeJSON(w, http.StatusOK, h.orch.Stats(filter))
}

// GetSnapshot handles GET /api/v1/snapshot, the pull-mode full state read.
func (h *REST) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Snapshot())
}

// StreamEvents handles GET /api/v1/events as a server-sent event stream.
// The stream opens with a full snapshot so the client starts consistent,
// then follows with live events until the client disconnects.
func (h *REST) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "snapshot", h.orch.Snapshot())
	flusher.Flush()

	events := make(chan domain.Event, 64)
	unsubscribe := h.orch.Subscribe(func(ev domain.Event) {
		select {
		case events <- ev:
		default:
			// Client too slow; it reconnects and re-reads the snapshot.
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			writeSSE(w, string(ev.Type), ev)
			flusher.Flush()
		}
	}
}

// CreateTemplateRequest is the JSON body for POST /api/v1/templates.
type CreateTemplateRequest struct {
	Name     string               `json:"name"`
	CronExpr string               `json:"cron"`
	Spec     orchestrator.JobSpec `json:"spec"`
}

// CreateTemplate handles POST /api/v1/templates.
func (h *REST) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req CreateTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.CronExpr == "" {
		writeError(w, http.StatusBadRequest, "fields 'name' and 'cron' are required")
		return
	}

	id, err := h.templates.Add(req.Name, req.CronExpr, req.Spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"template_id": id})
}

// ListTemplates handles GET /api/v1/templates.
func (h *REST) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates := h.templates.List()
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates, "count": len(templates)})
}

// DeleteTemplate handles DELETE /api/v1/templates/{id}.
func (h *REST) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.templates.Remove(chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz. With a Redis mirror configured readiness
// includes Redis reachability; memory-only deployments are always ready.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.mirror != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := h.mirror.GetStats(ctx); err != nil {
			var notFound *domain.NotFoundError
			if !errors.As(err, &notFound) {
				writeError(w, http.StatusServiceUnavailable, "redis not ready")
				return
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// writeDomainError maps typed domain errors to HTTP status codes.
func (h *REST) writeDomainError(w http.ResponseWriter, err error) {
	var (
		notFound     *domain.NotFoundError
		invalidState *domain.InvalidStateError
		unknownType  *domain.UnknownJobTypeError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &unknownType):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.Write([]byte("event: " + event + "\n"))
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
