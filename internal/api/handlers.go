package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/maltedev/catalog-enricher/internal/jobs"
	"github.com/maltedev/catalog-enricher/internal/models"
	"github.com/maltedev/catalog-enricher/internal/structure"
)

// JobController is the job-control surface of the job manager.
type JobController interface {
	CreateJob(ctx context.Context, kind models.JobKind, params models.JobParams) (*models.CrawlJob, error)
	GetJob(ctx context.Context, id string) (*models.CrawlJob, error)
	ListJobs(ctx context.Context, limit int) ([]*models.CrawlJob, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
}

type CatalogReader interface {
	GetProductByURL(ctx context.Context, url string) (*models.CatalogProduct, error)
}

type TaxonomyReader interface {
	Get(ctx context.Context, domain string) ([]*models.TaxonomyNode, error)
}

// OutboxStats reports the relay backlog for the health check. Optional.
type OutboxStats interface {
	Backlog(ctx context.Context) (pending, deadLetter int64, err error)
}

type Handlers struct {
	jobs     JobController
	catalog  CatalogReader
	taxonomy TaxonomyReader
	outbox   OutboxStats
	logger   *slog.Logger
}

func NewHandlers(jobs JobController, catalog CatalogReader, taxonomy TaxonomyReader, outbox OutboxStats, logger *slog.Logger) *Handlers {
	return &Handlers{
		jobs:     jobs,
		catalog:  catalog,
		taxonomy: taxonomy,
		outbox:   outbox,
		logger:   logger.With("component", "api"),
	}
}

// Router mounts the handlers with the middleware stack of the service.
func (h *Handlers) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.CreateJob)
			r.Get("/", h.ListJobs)
			r.Get("/{jobID}", h.GetJob)
			r.Post("/{jobID}/pause", h.PauseJob)
			r.Post("/{jobID}/resume", h.ResumeJob)
			r.Post("/{jobID}/stop", h.StopJob)
		})
		r.Get("/products", h.GetProduct)
		r.Get("/taxonomy/{domain}", h.GetTaxonomy)
	})
	return r
}

// CreateJobRequest represents a new crawl job request
type CreateJobRequest struct {
	Kind models.JobKind `json:"kind"`
	models.JobParams
}

type CreateJobResponse struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind == "" {
		req.Kind = models.JobKindBulkCrawl
	}

	job, err := h.jobs.CreateJob(r.Context(), req.Kind, req.JobParams)
	if err != nil {
		h.respondJobError(w, "failed to create job", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, CreateJobResponse{JobID: job.ID, Status: job.Status})
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.respondJobError(w, "failed to get job", err)
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	list, err := h.jobs.ListJobs(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list jobs", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if list == nil {
		list = []*models.CrawlJob{}
	}
	h.respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) PauseJob(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "pause", h.jobs.Pause)
}

func (h *Handlers) ResumeJob(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "resume", h.jobs.Resume)
}

func (h *Handlers) StopJob(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "stop", h.jobs.Stop)
}

func (h *Handlers) control(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) error) {
	id := chi.URLParam(r, "jobID")
	if err := fn(r.Context(), id); err != nil {
		h.respondJobError(w, "failed to "+action+" job", err)
		return
	}

	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		h.respondJobError(w, "failed to get job", err)
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

// GetProduct looks a catalog product up by its URL (?url=).
func (h *Handlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("url")
	if u == "" {
		h.respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	p, err := h.catalog.GetProductByURL(r.Context(), u)
	if err != nil {
		if errors.Is(err, models.ErrProductNotFound) {
			h.respondError(w, http.StatusNotFound, "product not found")
			return
		}
		h.logger.Error("failed to get product", "url", u, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get product")
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

func (h *Handlers) GetTaxonomy(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	roots, err := h.taxonomy.Get(r.Context(), domain)
	if errors.Is(err, structure.ErrNoTaxonomy) || (err == nil && len(roots) == 0) {
		h.respondError(w, http.StatusNotFound, "no taxonomy for domain")
		return
	}
	if err != nil {
		h.logger.Error("failed to load taxonomy", "domain", domain, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load taxonomy")
		return
	}
	h.respondJSON(w, http.StatusOK, roots)
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}
	status := http.StatusOK

	if h.outbox != nil {
		pending, dead, err := h.outbox.Backlog(r.Context())
		if err != nil {
			h.logger.Warn("outbox backlog unavailable", "error", err)
		}
		health["outbox"] = map[string]any{"pending": pending, "dead_letter": dead}

		if pending > 1000 {
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if dead > 100 {
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}
	h.respondJSON(w, status, health)
}

func (h *Handlers) respondJobError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidJob):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrJobNotFound):
		h.respondError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrInvalidTransition), errors.Is(err, jobs.ErrNotPausable):
		h.respondError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error(msg, "error", err)
		h.respondError(w, http.StatusInternalServerError, msg)
	}
}

// Helper methods
func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
