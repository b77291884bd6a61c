package jobs

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/catalog-enricher/internal/database"
	"github.com/maltedev/catalog-enricher/internal/models"
	"github.com/maltedev/catalog-enricher/internal/queue"
)

// TestCompleteCrawlFlow runs a bulk crawl against Postgres: staging, the
// atomic commit and the outbox events it writes.
func TestCompleteCrawlFlow(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := database.New(ctx, database.Config{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(ctx))

	// Unique URLs keep this test independent of other packages using the database.
	base := "https://it-" + uuid.NewString()[:8] + ".example"
	lister := newFakeLister()
	lister.pages[base+"/c/a"] = page{products: []string{base + "/p/1", base + "/p/2"}}
	lister.pages[base+"/c/b"] = page{products: []string{base + "/p/2", base + "/p/broken"}}
	enricher := newFakeEnricher()
	enricher.failing[base+"/p/broken"] = true

	m := NewManager(db, queue.NewInMemoryQueue(0), lister, enricher, &stubAnalyzer{}, nil, DefaultConfig(), slog.Default())
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.RunCrawlQueue(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	job, err := m.CreateJob(ctx, models.JobKindBulkCrawl, models.JobParams{
		SeedURLs:  []string{base + "/c/a", base + "/c/b"},
		ProfileID: "it",
	})
	require.NoError(t, err)

	var final *models.CrawlJob
	require.Eventually(t, func() bool {
		final, err = db.GetJob(ctx, job.ID)
		return err == nil && final.Status == models.JobStatusCompleted
	}, 10*time.Second, 50*time.Millisecond)

	assert.Equal(t, 100.0, final.Progress)
	require.NotNil(t, final.Summary)
	assert.Equal(t, 2, final.Summary.Committed)
	assert.Equal(t, 1, final.Summary.Failed)
	assert.Equal(t, 1, enricher.count(base+"/p/2"))

	p, err := db.GetProductByURL(ctx, base+"/p/1")
	require.NoError(t, err)
	assert.Equal(t, "it", p.ProfileID)
	assert.Equal(t, "Lighting", p.CategoryPath)

	_, err = db.GetProductByURL(ctx, base+"/p/broken")
	assert.ErrorIs(t, err, models.ErrProductNotFound)

	staged, err := db.StagedURLs(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, staged, "staging is consumed by the commit")

	var events int
	require.NoError(t, db.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox_event WHERE event_type = $1 AND payload->>'job_id' = $2`,
		database.EventProductCommitted, job.ID,
	).Scan(&events))
	assert.Equal(t, 2, events)
}
