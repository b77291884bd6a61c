package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maltedev/catalog-enricher/internal/enrich"
	"github.com/maltedev/catalog-enricher/internal/events"
	"github.com/maltedev/catalog-enricher/internal/models"
	"github.com/maltedev/catalog-enricher/internal/scraper"
	"github.com/maltedev/catalog-enricher/internal/structure"
)

var singleJobKinds = []models.JobKind{
	models.JobKindAnalyze,
	models.JobKindEnrich,
	models.JobKindTargetedEnrichment,
}

// StartWorker runs analyze, enrich and targeted enrichment jobs one at a time.
func (m *Manager) StartWorker(ctx context.Context) {
	m.logger.Info("job worker started", "interval", m.cfg.PollInterval)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("job worker stopping")
			return
		case <-ticker.C:
			for m.processNextJob(ctx) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// processNextJob runs the oldest pending single job and reports whether one was found.
func (m *Manager) processNextJob(ctx context.Context) bool {
	job, err := m.store.ClaimNextJob(ctx, singleJobKinds...)
	if err != nil {
		if !errors.Is(err, models.ErrNoPendingJob) {
			m.logger.Error("failed to claim job", "error", err)
		}
		return false
	}

	m.logger.Info("processing job", "id", job.ID, "kind", job.Kind)
	tr := newTracker(job, job.Params.Recursive != nil && *job.Params.Recursive)
	m.mu.Lock()
	m.active[job.ID] = tr
	m.mu.Unlock()
	m.publish(job.ID, events.EventJobStatus, tr.state(), "", "")

	summary, err := m.runSingle(ctx, tr)
	switch {
	case tr.getStatus() == models.JobStatusStopped:
		// Stop already recorded the final state.
	case err != nil && ctx.Err() != nil:
		// Shutdown: leave the job running so Recover hands it back to pending.
		m.drop(job.ID)
	case err != nil:
		m.fail(tr, err)
	case job.Kind == models.JobKindTargetedEnrichment:
		m.commit(ctx, tr)
	default:
		m.complete(ctx, tr, summary)
	}
	return true
}

func (m *Manager) runSingle(ctx context.Context, tr *tracker) (summary *models.JobSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unhandled panic: %v", r)
		}
	}()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(tr.ctx, cancel)
	defer stop()

	switch tr.kind {
	case models.JobKindAnalyze:
		return m.runAnalyze(jobCtx, tr)
	case models.JobKindEnrich:
		return m.runEnrich(jobCtx, tr)
	case models.JobKindTargetedEnrichment:
		return nil, m.runTargeted(jobCtx, tr)
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, tr.kind)
}

func (m *Manager) runAnalyze(ctx context.Context, tr *tracker) (*models.JobSummary, error) {
	target := tr.params.SeedURLs[0]
	analysis, err := m.analyzer.Analyze(ctx, target, scraper.AnalyzeOptions{
		JobID:          tr.jobID,
		CredentialID:   tr.params.CredentialID,
		Deep:           tr.params.Deep,
		DownloadAssets: tr.params.DownloadAssets,
		Progress: func(p structure.ScanProgress) {
			tr.mu.Lock()
			tr.counters.Found = p.Visited + p.Pending
			tr.counters.Processed = p.Visited
			tr.counters.Total = p.Visited + p.Pending
			tr.mu.Unlock()
			tr.updateProgress(p.Visited, 0, p.Pending)
			m.publish(tr.jobID, events.EventScanProgress, tr.state(), p.URL, "")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("analysis of %s failed: %w", target, err)
	}
	return &models.JobSummary{Analysis: analysis, Message: string(analysis.Kind)}, nil
}

func (m *Manager) runEnrich(ctx context.Context, tr *tracker) (*models.JobSummary, error) {
	target := tr.params.SeedURLs[0]
	p := m.enricher.Enrich(ctx, target, enrich.Options{
		JobID:          tr.jobID,
		CredentialID:   tr.params.CredentialID,
		DownloadAssets: tr.params.DownloadAssets,
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if p.IsFailed() {
		return nil, fmt.Errorf("enrichment of %s failed: %s", target, p.Error)
	}
	return &models.JobSummary{
		Analysis: &models.PageAnalysis{URL: target, Kind: models.PageKindProduct, Product: p},
	}, nil
}

// runTargeted enriches an explicit list of product URLs into staging; the
// caller commits them.
func (m *Manager) runTargeted(ctx context.Context, tr *tracker) error {
	products := tr.claim(tr.params.SeedURLs, true)
	opts := enrich.Options{
		JobID:          tr.jobID,
		CredentialID:   tr.params.CredentialID,
		DownloadAssets: tr.params.DownloadAssets,
	}

	for i := 0; i < len(products); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := m.enricher.Enrich(ctx, products[i], opts)
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.stage(ctx, tr, products[i], p); err != nil {
			if errors.Is(err, errJobInactive) {
				return context.Canceled
			}
			return err
		}
		if tr.recursive && !p.IsFailed() {
			products = append(products, tr.claim(followUps(p), false)...)
		}
		tr.itemProcessed()
		tr.updateProgress(i+1, 0, len(products)-i-1)
		if err := m.persist(ctx, tr); err != nil && !errors.Is(err, models.ErrJobNotActive) {
			m.logger.Error("failed to persist progress", "job", tr.jobID, "error", err)
		}
		m.publish(tr.jobID, events.EventItemProcessed, tr.state(), products[i], p.Error)
	}
	return nil
}

func (m *Manager) complete(ctx context.Context, tr *tracker, summary *models.JobSummary) {
	if _, ok := tr.transition(models.JobStatusCompleted); !ok {
		return
	}
	tr.mu.Lock()
	tr.progress = 100
	tr.mu.Unlock()

	state := tr.state()
	state.Summary = summary
	if err := m.store.WriteJobState(context.WithoutCancel(ctx), tr.jobID, state); err != nil {
		m.logger.Error("failed to mark job as completed", "id", tr.jobID, "error", err)
	}
	m.drop(tr.jobID)
	m.publish(tr.jobID, events.EventJobStatus, state, "", "")
	m.logger.Info("job completed", "id", tr.jobID, "kind", tr.kind)
}
