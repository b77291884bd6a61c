package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/maltedev/catalog-enricher/internal/auth"
	"github.com/maltedev/catalog-enricher/internal/models"
)

// state is everything a FileStore persists.
type state struct {
	Jobs        map[string]*models.CrawlJob        `json:"jobs"`
	Staging     map[string][]*models.StagingRecord `json:"staging"`
	Products    map[string]*models.CatalogProduct  `json:"products"`
	Taxonomy    map[string][]models.TaxonomyNode   `json:"taxonomy"`
	Credentials map[string]*auth.Credential        `json:"credentials"`
	NextID      int64                              `json:"next_id"`
}

func newState() *state {
	return &state{
		Jobs:        make(map[string]*models.CrawlJob),
		Staging:     make(map[string][]*models.StagingRecord),
		Products:    make(map[string]*models.CatalogProduct),
		Taxonomy:    make(map[string][]models.TaxonomyNode),
		Credentials: make(map[string]*auth.Credential),
	}
}

// FileStore keeps jobs, staging and the catalog in one JSON file. Every write
// rewrites the file through a temp file and rename, so a crash leaves either
// the old or the new state. It is meant for local runs without Postgres.
type FileStore struct {
	mu       sync.RWMutex
	st       *state
	filename string
}

func NewFileStore(filename string) (*FileStore, error) {
	fs := &FileStore{st: newState(), filename: filename}

	if err := fs.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return fs, nil
}

// mutate applies fn to the state and persists it. When fn or the write fails
// the previous state is kept.
func (fs *FileStore) mutate(fn func(st *state) error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	before, err := json.Marshal(fs.st)
	if err != nil {
		return fmt.Errorf("failed to snapshot store: %w", err)
	}
	restore := func() {
		st := newState()
		if err := json.Unmarshal(before, st); err == nil {
			fs.st = st
		}
	}

	if err := fn(fs.st); err != nil {
		restore()
		return err
	}
	if err := fs.save(); err != nil {
		restore()
		return err
	}
	return nil
}

func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return out
}

func (fs *FileStore) CreateJob(_ context.Context, job *models.CrawlJob) error {
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	now := time.Now()
	job.CreatedAt, job.UpdatedAt = now, now
	return fs.mutate(func(st *state) error {
		if _, exists := st.Jobs[job.ID]; exists {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		st.Jobs[job.ID] = clone(job)
		return nil
	})
}

func (fs *FileStore) GetJob(_ context.Context, id string) (*models.CrawlJob, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	job, ok := fs.st.Jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return clone(job), nil
}

func (fs *FileStore) sortedJobs(keep func(*models.CrawlJob) bool) []*models.CrawlJob {
	var jobs []*models.CrawlJob
	for _, job := range fs.st.Jobs {
		if keep(job) {
			jobs = append(jobs, clone(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs
}

func (fs *FileStore) ListJobs(_ context.Context, limit int) ([]*models.CrawlJob, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	jobs := fs.sortedJobs(func(*models.CrawlJob) bool { return true })
	for i, j := 0, len(jobs)-1; i < j; i, j = i+1, j-1 {
		jobs[i], jobs[j] = jobs[j], jobs[i]
	}
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (fs *FileStore) ListJobsByStatus(_ context.Context, statuses ...models.JobStatus) ([]*models.CrawlJob, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	want := make(map[models.JobStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	return fs.sortedJobs(func(j *models.CrawlJob) bool { return want[j.Status] }), nil
}

func (fs *FileStore) ClaimNextJob(_ context.Context, kinds ...models.JobKind) (*models.CrawlJob, error) {
	var claimed *models.CrawlJob
	err := fs.mutate(func(st *state) error {
		for _, job := range fs.sortedJobs(func(j *models.CrawlJob) bool {
			if j.Status != models.JobStatusPending {
				return false
			}
			for _, k := range kinds {
				if j.Kind == k {
					return true
				}
			}
			return false
		}) {
			stored := st.Jobs[job.ID]
			now := time.Now()
			stored.Status = models.JobStatusRunning
			stored.StartedAt = &now
			stored.UpdatedAt = now
			claimed = clone(stored)
			return nil
		}
		return models.ErrNoPendingJob
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (fs *FileStore) WriteJobState(_ context.Context, id string, js models.JobState) error {
	return fs.mutate(func(st *state) error {
		job, ok := st.Jobs[id]
		if !ok {
			return models.ErrJobNotFound
		}
		if job.Status.Terminal() {
			return models.ErrJobNotActive
		}
		now := time.Now()
		job.Status = js.Status
		job.Progress = max(job.Progress, js.Progress)
		job.Counters = js.Counters
		if js.Summary != nil {
			job.Summary = js.Summary
		}
		job.Error = js.Error
		job.UpdatedAt = now
		if js.Status == models.JobStatusRunning && job.StartedAt == nil {
			job.StartedAt = &now
		}
		if js.Status.Terminal() {
			job.CompletedAt = &now
		}
		return nil
	})
}

func accepting(job *models.CrawlJob) bool {
	switch job.Status {
	case models.JobStatusPending, models.JobStatusRunning, models.JobStatusPaused:
		return true
	}
	return false
}

func (fs *FileStore) InsertStagingRecord(_ context.Context, rec *models.StagingRecord) (bool, error) {
	inserted := false
	err := fs.mutate(func(st *state) error {
		job, ok := st.Jobs[rec.JobID]
		if !ok || !accepting(job) {
			return nil
		}
		for _, existing := range st.Staging[rec.JobID] {
			if existing.URL == rec.URL {
				return nil
			}
		}
		st.NextID++
		rec.ID = st.NextID
		rec.CreatedAt = time.Now()
		st.Staging[rec.JobID] = append(st.Staging[rec.JobID], clone(rec))
		inserted = true
		return nil
	})
	return inserted, err
}

func (fs *FileStore) StagedURLs(_ context.Context, jobID string) ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var urls []string
	for _, rec := range fs.st.Staging[jobID] {
		urls = append(urls, rec.URL)
	}
	return urls, nil
}

func (fs *FileStore) ListStaging(_ context.Context, jobID string) ([]*models.StagingRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var records []*models.StagingRecord
	for _, rec := range fs.st.Staging[jobID] {
		records = append(records, clone(rec))
	}
	return records, nil
}

func (fs *FileStore) DeleteStagingForJob(_ context.Context, jobID string) (int64, error) {
	var n int64
	err := fs.mutate(func(st *state) error {
		n = int64(len(st.Staging[jobID]))
		delete(st.Staging, jobID)
		return nil
	})
	return n, err
}

func upsert(st *state, p *models.CatalogProduct) bool {
	now := time.Now()
	existing, ok := st.Products[p.URL]
	if ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	} else {
		st.NextID++
		p.ID = st.NextID
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	st.Products[p.URL] = clone(p)
	return !ok
}

func (fs *FileStore) UpsertProduct(_ context.Context, p *models.CatalogProduct) (bool, error) {
	created := false
	err := fs.mutate(func(st *state) error {
		created = upsert(st, p)
		return nil
	})
	return created, err
}

func (fs *FileStore) GetProductByURL(_ context.Context, url string) (*models.CatalogProduct, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	p, ok := fs.st.Products[url]
	if !ok {
		return nil, models.ErrProductNotFound
	}
	return clone(p), nil
}

// CommitStagingToCatalog promotes a running job's staging rows and completes
// the job in a single file write.
func (fs *FileStore) CommitStagingToCatalog(_ context.Context, jobID string, counters models.Counters) (*models.JobSummary, error) {
	var summary *models.JobSummary
	err := fs.mutate(func(st *state) error {
		job, ok := st.Jobs[jobID]
		if !ok {
			return models.ErrJobNotFound
		}
		if !models.CanTransition(job.Status, models.JobStatusCompleted) {
			return fmt.Errorf("%w: %s", models.ErrJobNotActive, job.Status)
		}

		var rows []*models.CatalogProduct
		rows, summary = models.Commit(job.Params.ProfileID, st.Staging[jobID])
		for _, row := range rows {
			upsert(st, row)
		}
		delete(st.Staging, jobID)

		now := time.Now()
		job.Status = models.JobStatusCompleted
		job.Progress = 100
		job.Counters = counters
		job.Summary = summary
		job.UpdatedAt = now
		job.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (fs *FileStore) SaveTaxonomy(_ context.Context, domain string, rows []models.TaxonomyNode) error {
	return fs.mutate(func(st *state) error {
		st.Taxonomy[domain] = append([]models.TaxonomyNode(nil), rows...)
		return nil
	})
}

func (fs *FileStore) LoadTaxonomy(_ context.Context, domain string) ([]models.TaxonomyNode, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return append([]models.TaxonomyNode(nil), fs.st.Taxonomy[domain]...), nil
}

func (fs *FileStore) CountTaxonomy(_ context.Context, domain string) (int, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return len(fs.st.Taxonomy[domain]), nil
}

func (fs *FileStore) ReadCredential(_ context.Context, id string) (*auth.Credential, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	cred, ok := fs.st.Credentials[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrCredentialNotFound, id)
	}
	c := *cred
	return &c, nil
}

func (fs *FileStore) SaveCredential(_ context.Context, cred *auth.Credential) error {
	return fs.mutate(func(st *state) error {
		c := *cred
		st.Credentials[cred.ID] = &c
		return nil
	})
}

func (fs *FileStore) save() error {
	data, err := json.MarshalIndent(fs.st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}

	tmpFile := fs.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}

	return os.Rename(tmpFile, fs.filename)
}

func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.filename)
	if err != nil {
		return err
	}

	st := newState()
	if err := json.Unmarshal(data, st); err != nil {
		return fmt.Errorf("failed to decode %s: %w", fs.filename, err)
	}
	fs.st = st
	return nil
}
