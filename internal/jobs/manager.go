package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/catalog-enricher/internal/enrich"
	"github.com/maltedev/catalog-enricher/internal/events"
	"github.com/maltedev/catalog-enricher/internal/models"
	"github.com/maltedev/catalog-enricher/internal/queue"
	"github.com/maltedev/catalog-enricher/internal/scraper"
)

var (
	ErrInvalidJob        = errors.New("invalid job")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrNotPausable       = errors.New("only bulk crawl jobs can be paused")
)

// Store is the persistence the job manager needs.
type Store interface {
	CreateJob(ctx context.Context, job *models.CrawlJob) error
	GetJob(ctx context.Context, id string) (*models.CrawlJob, error)
	ListJobs(ctx context.Context, limit int) ([]*models.CrawlJob, error)
	ListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.CrawlJob, error)
	ClaimNextJob(ctx context.Context, kinds ...models.JobKind) (*models.CrawlJob, error)
	WriteJobState(ctx context.Context, id string, state models.JobState) error
	InsertStagingRecord(ctx context.Context, rec *models.StagingRecord) (bool, error)
	StagedURLs(ctx context.Context, jobID string) ([]string, error)
	DeleteStagingForJob(ctx context.Context, jobID string) (int64, error)
	CommitStagingToCatalog(ctx context.Context, jobID string, counters models.Counters) (*models.JobSummary, error)
}

type CategoryLister interface {
	List(ctx context.Context, categoryURL, credentialID string) (*scraper.Listing, error)
}

type ProductEnricher interface {
	Enrich(ctx context.Context, rawURL string, opts enrich.Options) *models.EnrichedProduct
}

type PageAnalyzer interface {
	Analyze(ctx context.Context, rawURL string, opts scraper.AnalyzeOptions) (*models.PageAnalysis, error)
}

type Config struct {
	// RecursionThreshold is the number of seed categories a bulk job must
	// exceed before associated parts are followed. A job's Recursive
	// parameter overrides it.
	RecursionThreshold int
	// MaxCategories bounds how many category tasks one job may expand to
	// through hub pages.
	MaxCategories int
	PollInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RecursionThreshold: 2,
		MaxCategories:      200,
		PollInterval:       10 * time.Second,
	}
}

type Manager struct {
	store    Store
	queue    *queue.InMemoryQueue
	lister   CategoryLister
	enricher ProductEnricher
	analyzer PageAnalyzer
	sink     events.Sink
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*tracker
}

func NewManager(store Store, q *queue.InMemoryQueue, lister CategoryLister, enricher ProductEnricher, analyzer PageAnalyzer, sink events.Sink, cfg Config, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.RecursionThreshold <= 0 {
		cfg.RecursionThreshold = def.RecursionThreshold
	}
	if cfg.MaxCategories <= 0 {
		cfg.MaxCategories = def.MaxCategories
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if sink == nil {
		sink = events.Nop{}
	}
	return &Manager{
		store:    store,
		queue:    q,
		lister:   lister,
		enricher: enricher,
		analyzer: analyzer,
		sink:     sink,
		cfg:      cfg,
		logger:   logger.With("component", "job_manager"),
		active:   make(map[string]*tracker),
	}
}

func validate(kind models.JobKind, params models.JobParams) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, kind)
	}
	if len(params.SeedURLs) == 0 {
		return fmt.Errorf("%w: at least one seed url is required", ErrInvalidJob)
	}
	if (kind == models.JobKindAnalyze || kind == models.JobKindEnrich) && len(params.SeedURLs) != 1 {
		return fmt.Errorf("%w: %s takes exactly one url", ErrInvalidJob, kind)
	}
	for _, raw := range params.SeedURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: bad url %q", ErrInvalidJob, raw)
		}
	}
	return nil
}

// CreateJob stores a new job. Bulk crawls are accepted into the crawl queue
// immediately; other kinds wait for the single-job worker.
func (m *Manager) CreateJob(ctx context.Context, kind models.JobKind, params models.JobParams) (*models.CrawlJob, error) {
	if err := validate(kind, params); err != nil {
		return nil, err
	}

	job := &models.CrawlJob{
		ID:     uuid.New().String(),
		Kind:   kind,
		Status: models.JobStatusPending,
		Params: params,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	m.logger.Info("job created", "id", job.ID, "kind", kind, "seeds", len(params.SeedURLs))
	m.publish(job.ID, events.EventJobStatus, models.JobState{Status: job.Status}, "", "")

	if kind == models.JobKindBulkCrawl {
		if err := m.accept(ctx, job, nil); err != nil {
			return nil, err
		}
	}
	return job, nil
}

func (m *Manager) GetJob(ctx context.Context, id string) (*models.CrawlJob, error) {
	return m.store.GetJob(ctx, id)
}

func (m *Manager) ListJobs(ctx context.Context, limit int) ([]*models.CrawlJob, error) {
	return m.store.ListJobs(ctx, limit)
}

func (m *Manager) recursive(params models.JobParams) bool {
	if params.Recursive != nil {
		return *params.Recursive
	}
	return len(params.SeedURLs) > m.cfg.RecursionThreshold
}

// accept moves a bulk job into the crawl queue. seen pre-populates the
// frontier when a job is rebuilt after a restart.
func (m *Manager) accept(ctx context.Context, job *models.CrawlJob, seen []string) error {
	tr := newTracker(job, m.recursive(job.Params))
	for _, u := range seen {
		tr.seen[u] = struct{}{}
	}
	if job.Status == models.JobStatusPending {
		tr.status = models.JobStatusRunning
	}

	m.mu.Lock()
	m.active[job.ID] = tr
	m.mu.Unlock()

	if err := m.persist(ctx, tr); err != nil {
		m.drop(job.ID)
		return err
	}

	for _, seed := range job.Params.SeedURLs {
		if !tr.addCategory(seed) {
			continue
		}
		if err := m.queue.Push(&queue.Task{
			ID:           uuid.New().String(),
			JobID:        job.ID,
			URL:          seed,
			CredentialID: job.Params.CredentialID,
		}); err != nil {
			m.fail(tr, fmt.Errorf("failed to enqueue %s: %w", seed, err))
			return err
		}
	}
	m.logger.Info("bulk job accepted", "id", job.ID, "categories", len(job.Params.SeedURLs), "recursive", tr.recursive)
	return nil
}

func (m *Manager) tracker(jobID string) *tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[jobID]
}

func (m *Manager) drop(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.active[jobID]; ok {
		tr.cancel()
		delete(m.active, jobID)
	}
}

// ready lets the crawl queue dequeue only tasks of running jobs.
func (m *Manager) ready(jobID string) bool {
	tr := m.tracker(jobID)
	return tr != nil && tr.getStatus() == models.JobStatusRunning
}

// Pause stops a bulk job from dequeuing further work. The category in flight
// re-queues its remaining products at the front of the queue.
func (m *Manager) Pause(ctx context.Context, id string) error {
	tr, err := m.activeTracker(ctx, id)
	if err != nil {
		return err
	}
	if tr.kind != models.JobKindBulkCrawl {
		return ErrNotPausable
	}
	if from, ok := tr.transition(models.JobStatusPaused); !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, models.JobStatusPaused)
	}
	m.logger.Info("job paused", "id", id)
	return m.persist(ctx, tr)
}

func (m *Manager) Resume(ctx context.Context, id string) error {
	tr, err := m.activeTracker(ctx, id)
	if err != nil {
		return err
	}
	if tr.getStatus() != models.JobStatusPaused {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tr.getStatus(), models.JobStatusRunning)
	}
	tr.transition(models.JobStatusRunning)
	if err := m.persist(ctx, tr); err != nil {
		return err
	}
	m.queue.Wake()
	m.logger.Info("job resumed", "id", id)
	m.maybeCommit(ctx, tr)
	return nil
}

// Stop cancels a job, drops its queued work and discards its staged rows.
// Products already committed by other jobs are untouched.
func (m *Manager) Stop(ctx context.Context, id string) error {
	tr := m.tracker(id)
	if tr == nil {
		job, err := m.store.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if !models.CanTransition(job.Status, models.JobStatusStopped) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, models.JobStatusStopped)
		}
		state := models.JobState{Status: models.JobStatusStopped, Progress: job.Progress, Counters: job.Counters}
		if err := m.store.WriteJobState(ctx, id, state); err != nil {
			return err
		}
		if _, err := m.store.DeleteStagingForJob(ctx, id); err != nil {
			return err
		}
		m.publish(id, events.EventJobStatus, state, "", "")
		return nil
	}

	if from, ok := tr.transition(models.JobStatusStopped); !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, models.JobStatusStopped)
	}
	tr.cancel()
	removed := m.queue.RemoveJob(id)

	state := tr.state()
	if err := m.store.WriteJobState(ctx, id, state); err != nil && !errors.Is(err, models.ErrJobNotActive) {
		return err
	}
	deleted, err := m.store.DeleteStagingForJob(ctx, id)
	if err != nil {
		return err
	}
	m.drop(id)
	m.publish(id, events.EventJobStatus, state, "", "")
	m.logger.Info("job stopped", "id", id, "dropped_tasks", removed, "discarded_staging", deleted)
	return nil
}

func (m *Manager) activeTracker(ctx context.Context, id string) (*tracker, error) {
	if tr := m.tracker(id); tr != nil {
		return tr, nil
	}
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Kind != models.JobKindBulkCrawl {
		return nil, ErrNotPausable
	}
	return nil, fmt.Errorf("%w: job is %s", ErrInvalidTransition, job.Status)
}

// Recover rebuilds the trackers of bulk jobs left running or paused by a
// previous process and returns interrupted single jobs to pending. The
// frontier is rebuilt from the staged URLs, so staged products are not
// enriched again.
func (m *Manager) Recover(ctx context.Context) error {
	jobs, err := m.store.ListJobsByStatus(ctx, models.JobStatusPending, models.JobStatusRunning, models.JobStatusPaused)
	if err != nil {
		return fmt.Errorf("failed to list unfinished jobs: %w", err)
	}

	for _, job := range jobs {
		if m.tracker(job.ID) != nil {
			continue
		}
		if job.Kind != models.JobKindBulkCrawl {
			if job.Status == models.JobStatusRunning {
				state := models.JobState{Status: models.JobStatusPending, Progress: job.Progress, Counters: job.Counters}
				if err := m.store.WriteJobState(ctx, job.ID, state); err != nil {
					return fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
				}
				m.logger.Info("orphaned job returned to pending", "id", job.ID, "kind", job.Kind)
			}
			continue
		}

		staged, err := m.store.StagedURLs(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("failed to read staging of job %s: %w", job.ID, err)
		}
		n := len(staged)
		job.Counters = models.Counters{Found: n, Processed: n, Total: n}
		if err := m.accept(ctx, job, staged); err != nil {
			return fmt.Errorf("failed to recover job %s: %w", job.ID, err)
		}
		m.logger.Info("orphaned job recovered", "id", job.ID, "status", job.Status, "staged", n)
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, tr *tracker) error {
	state := tr.state()
	if err := m.store.WriteJobState(context.WithoutCancel(ctx), tr.jobID, state); err != nil {
		return fmt.Errorf("failed to persist job %s: %w", tr.jobID, err)
	}
	m.publish(tr.jobID, events.EventJobProgress, state, "", "")
	return nil
}

// fail marks a job failed with err's message. Other jobs are unaffected.
func (m *Manager) fail(tr *tracker, err error) {
	if _, ok := tr.transition(models.JobStatusFailed); !ok {
		return
	}
	m.queue.RemoveJob(tr.jobID)
	state := tr.state()
	state.Error = err.Error()
	if werr := m.store.WriteJobState(context.Background(), tr.jobID, state); werr != nil {
		m.logger.Error("failed to record job failure", "id", tr.jobID, "error", werr)
	}
	m.drop(tr.jobID)
	m.publish(tr.jobID, events.EventJobStatus, state, "", err.Error())
	m.logger.Error("job failed", "id", tr.jobID, "error", err)
}

func (m *Manager) publish(jobID string, typ events.EventType, state models.JobState, pageURL, msg string) {
	m.sink.Publish(events.ProgressEvent{
		Type:     typ,
		JobID:    jobID,
		Status:   state.Status,
		Progress: state.Progress,
		Counters: state.Counters,
		URL:      pageURL,
		Message:  msg,
	})
}
