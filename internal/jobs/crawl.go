package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/maltedev/catalog-enricher/internal/enrich"
	"github.com/maltedev/catalog-enricher/internal/events"
	"github.com/maltedev/catalog-enricher/internal/models"
	"github.com/maltedev/catalog-enricher/internal/queue"
)

var errJobInactive = errors.New("job is no longer running")

// RunCrawlQueue processes bulk crawl categories one at a time until ctx ends
// or the queue is closed.
func (m *Manager) RunCrawlQueue(ctx context.Context) error {
	m.logger.Info("crawl queue started")
	for {
		task, err := m.queue.Pop(ctx, m.ready)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				m.logger.Info("crawl queue closed")
				return nil
			}
			m.logger.Info("crawl queue stopping")
			return err
		}
		m.processTask(ctx, task)
	}
}

func (m *Manager) processTask(ctx context.Context, task *queue.Task) {
	tr := m.tracker(task.JobID)
	if tr == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.fail(tr, fmt.Errorf("panic while crawling %s: %v", task.URL, r))
		}
	}()

	// The task stops when either the worker or the job is cancelled.
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(tr.ctx, cancel)
	defer stop()

	products, known, ok := m.frontier(taskCtx, tr, task)
	if !ok {
		return
	}

	opts := enrich.Options{
		JobID:          tr.jobID,
		CredentialID:   task.CredentialID,
		DownloadAssets: tr.params.DownloadAssets,
	}

	for i := 0; i < len(products); i++ {
		if tr.getStatus() == models.JobStatusPaused {
			m.requeue(tr, task, products[i:])
			return
		}
		if taskCtx.Err() != nil {
			return
		}

		productURL := products[i]
		p := m.enricher.Enrich(taskCtx, productURL, opts)
		if taskCtx.Err() != nil {
			// Stopped mid-item: nothing of this item may be staged.
			return
		}

		if err := m.stage(ctx, tr, productURL, p); err != nil {
			if !errors.Is(err, errJobInactive) {
				m.fail(tr, err)
			}
			return
		}

		if tr.recursive && !p.IsFailed() {
			if more := tr.claim(followUps(p), false); len(more) > 0 {
				m.logger.Debug("frontier extended", "job", tr.jobID, "from", productURL, "added", len(more))
				products = append(products, more...)
			}
		}

		tr.itemProcessed()
		tr.updateProgress(i+1, known, len(products)-i-1)
		if err := m.persist(ctx, tr); err != nil && !errors.Is(err, models.ErrJobNotActive) {
			m.logger.Error("failed to persist progress", "job", tr.jobID, "error", err)
		}
		m.publish(tr.jobID, events.EventItemProcessed, tr.state(), productURL, p.Error)
	}

	tr.categoryDone()
	tr.updateProgress(0, 0, 0)
	m.logger.Info("category done", "job", tr.jobID, "url", task.URL, "products", len(products))
	m.maybeCommit(ctx, tr)
}

// frontier returns the products a task must process: the remainder of a
// paused category, or the new products of a freshly listed one.
func (m *Manager) frontier(ctx context.Context, tr *tracker, task *queue.Task) ([]string, int, bool) {
	if task.Products != nil {
		return task.Products, len(task.Products), true
	}

	listing, err := m.lister.List(ctx, task.URL, task.CredentialID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, false
		}
		m.logger.Warn("failed to list category", "job", tr.jobID, "url", task.URL, "error", err)
		tr.categoryDone()
		m.maybeCommit(ctx, tr)
		return nil, 0, false
	}

	refs := listing.Result.ProductURLs()
	products := tr.claim(refs, true)

	// Hub pages without products expand into their sub-categories, which
	// are appended after the job's remaining categories.
	if len(refs) == 0 {
		for _, sub := range listing.Result.SubcategoryURLs {
			if tr.categoryCount() >= m.cfg.MaxCategories {
				m.logger.Warn("category limit reached", "job", tr.jobID, "limit", m.cfg.MaxCategories)
				break
			}
			if !tr.addCategory(sub) {
				continue
			}
			if err := m.push(tr, &queue.Task{
				ID:           uuid.New().String(),
				JobID:        tr.jobID,
				URL:          sub,
				CredentialID: task.CredentialID,
			}, false); err != nil {
				if errors.Is(err, errJobInactive) {
					break
				}
				tr.categoryDone()
				m.logger.Warn("failed to enqueue sub-category", "job", tr.jobID, "url", sub, "error", err)
			}
		}
	}

	if err := m.persist(ctx, tr); err != nil {
		m.logger.Error("failed to persist progress", "job", tr.jobID, "error", err)
	}
	return products, len(refs), true
}

// requeue puts the unprocessed rest of a category at the front of the queue.
func (m *Manager) requeue(tr *tracker, task *queue.Task, rest []string) {
	next := *task
	next.Products = append([]string{}, rest...)
	if err := m.push(tr, &next, true); err != nil {
		if errors.Is(err, errJobInactive) {
			return
		}
		m.fail(tr, fmt.Errorf("failed to re-queue paused category: %w", err))
		return
	}
	m.logger.Info("category paused", "job", tr.jobID, "url", task.URL, "remaining", len(rest))
}

// push enqueues a task of tr's job. A Stop or failure that ran between the
// caller's checks and the push has already swept the queue, so the task is
// taken back out and the push reports errJobInactive.
func (m *Manager) push(tr *tracker, task *queue.Task, front bool) error {
	var err error
	if front {
		err = m.queue.PushFront(task)
	} else {
		err = m.queue.Push(task)
	}
	if err != nil {
		return err
	}
	if tr.getStatus().Terminal() {
		m.queue.RemoveJob(tr.jobID)
		return errJobInactive
	}
	return nil
}

// stage records one result. It holds the tracker lock so that a concurrent
// Stop either happens before the insert or deletes it afterwards.
func (m *Manager) stage(ctx context.Context, tr *tracker, productURL string, p *models.EnrichedProduct) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.status != models.JobStatusRunning && tr.status != models.JobStatusPaused {
		return errJobInactive
	}

	rec := &models.StagingRecord{
		JobID:   tr.jobID,
		URL:     productURL,
		Status:  models.StagingExtracted,
		Payload: *p,
	}
	if p.IsFailed() {
		rec.Status = models.StagingError
		rec.Error = p.Error
	}
	if _, err := m.store.InsertStagingRecord(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("failed to stage %s: %w", productURL, err)
	}
	return nil
}

// maybeCommit promotes the staged results once nothing is left to process.
// It runs from the crawl queue and from Resume, which covers a job paused
// while its last item was in flight.
func (m *Manager) maybeCommit(ctx context.Context, tr *tracker) {
	if !tr.beginCommit() {
		return
	}
	m.commit(ctx, tr)
}

func (m *Manager) commit(ctx context.Context, tr *tracker) {
	state := tr.state()
	summary, err := m.store.CommitStagingToCatalog(context.WithoutCancel(ctx), tr.jobID, state.Counters)
	if err != nil {
		if errors.Is(err, models.ErrJobNotActive) {
			m.drop(tr.jobID)
			return
		}
		m.fail(tr, fmt.Errorf("commit failed: %w", err))
		return
	}

	tr.transition(models.JobStatusCompleted)
	m.drop(tr.jobID)

	state.Status = models.JobStatusCompleted
	state.Progress = 100
	m.publish(tr.jobID, events.EventJobCommitted, state, "", fmt.Sprintf("%d committed, %d failed", summary.Committed, summary.Failed))
	m.logger.Info("job completed",
		"id", tr.jobID,
		"committed", summary.Committed,
		"failed", summary.Failed,
		"processed", state.Counters.Processed)
}

// followUps are the product links an enrichment discovered for recursion.
func followUps(p *models.EnrichedProduct) []string {
	var out []string
	for _, a := range p.Associated {
		out = append(out, a.URL)
	}
	return append(out, p.DiscoveredLinks...)
}
