package jobs

import (
	"context"
	"sync"

	"github.com/maltedev/catalog-enricher/internal/harvest"
	"github.com/maltedev/catalog-enricher/internal/models"
)

// tracker is the in-memory state of one active job. The seen set is global
// to the job so a product reachable from several categories is enriched once.
type tracker struct {
	mu sync.Mutex

	jobID     string
	kind      models.JobKind
	params    models.JobParams
	status    models.JobStatus
	counters  models.Counters
	progress  float64
	recursive bool

	seen       map[string]struct{}
	categories map[string]struct{}
	catTotal   int
	catDone    int
	// tasks counts category tasks that are queued or in flight.
	tasks      int
	committing bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newTracker(job *models.CrawlJob, recursive bool) *tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &tracker{
		jobID:      job.ID,
		kind:       job.Kind,
		params:     job.Params,
		status:     job.Status,
		counters:   job.Counters,
		progress:   job.Progress,
		recursive:  recursive,
		seen:       make(map[string]struct{}),
		categories: make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// claim marks urls as seen and returns the ones not seen before, in order.
// Claimed products count towards found when fromListing is set and always
// towards total.
func (t *tracker) claim(urls []string, fromListing bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var fresh []string
	for _, u := range urls {
		u = harvest.Canonical(u)
		if u == "" {
			continue
		}
		if _, ok := t.seen[u]; ok {
			continue
		}
		t.seen[u] = struct{}{}
		fresh = append(fresh, u)
	}
	if fromListing {
		t.counters.Found += len(fresh)
	}
	t.counters.Total += len(fresh)
	return fresh
}

// addCategory registers a category task and reports false for a repeat.
func (t *tracker) addCategory(u string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	u = harvest.Canonical(u)
	if _, ok := t.categories[u]; ok {
		return false
	}
	t.categories[u] = struct{}{}
	t.catTotal++
	t.tasks++
	return true
}

func (t *tracker) categoryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.categories)
}

func (t *tracker) categoryDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.catDone++
	t.tasks--
}

func (t *tracker) itemProcessed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters.Processed++
}

// updateProgress folds the in-category fraction done/max(known, done+queued)
// into the job percentage. The percentage never decreases and stays below
// 100 until the job is committed.
func (t *tracker) updateProgress(done, known, queued int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	frac := 0.0
	if denom := max(known, done+queued); denom > 0 {
		frac = float64(done) / float64(denom)
	}
	var pct float64
	if t.catTotal > 0 {
		pct = (float64(t.catDone) + frac) / float64(t.catTotal) * 100
	} else if t.counters.Total > 0 {
		pct = float64(t.counters.Processed) / float64(t.counters.Total) * 100
	}
	pct = min(pct, 99)
	if pct > t.progress {
		t.progress = pct
	}
	return t.progress
}

func (t *tracker) getStatus() models.JobStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// transition moves the tracker to status if the state machine allows it.
func (t *tracker) transition(status models.JobStatus) (models.JobStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	from := t.status
	if !models.CanTransition(from, status) {
		return from, false
	}
	t.status = status
	return from, true
}

func (t *tracker) state() models.JobState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return models.JobState{Status: t.status, Progress: t.progress, Counters: t.counters}
}

// beginCommit claims the commit of a running job with nothing left to do.
// It reports true at most once per tracker.
func (t *tracker) beginCommit() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committing || t.status != models.JobStatusRunning {
		return false
	}
	if t.tasks != 0 || t.counters.Processed < t.counters.Total {
		return false
	}
	t.committing = true
	return true
}
