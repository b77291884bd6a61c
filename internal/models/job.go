package models

import "time"

type JobKind string

const (
	JobKindBulkCrawl          JobKind = "bulk_crawl"
	JobKindTargetedEnrichment JobKind = "targeted_enrichment"
	JobKindEnrich             JobKind = "enrich"
	JobKindAnalyze            JobKind = "analyze"
)

func (k JobKind) Valid() bool {
	switch k {
	case JobKindBulkCrawl, JobKindTargetedEnrichment, JobKindEnrich, JobKindAnalyze:
		return true
	}
	return false
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusStopped   JobStatus = "stopped"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusStopped
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusStopped, JobStatusFailed},
	JobStatusRunning: {JobStatusPaused, JobStatusCompleted, JobStatusStopped, JobStatusFailed},
	JobStatusPaused:  {JobStatusRunning, JobStatusStopped, JobStatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Counters struct {
	Found     int `json:"found"`
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

type JobParams struct {
	SeedURLs       []string `json:"seed_urls"`
	ProfileID      string   `json:"profile_id,omitempty"`
	CredentialID   string   `json:"credential_id,omitempty"`
	Deep           bool     `json:"deep,omitempty"`
	DownloadAssets bool     `json:"download_assets,omitempty"`
	// Recursive overrides the seed-count heuristic for associated-parts discovery.
	Recursive *bool `json:"recursive,omitempty"`
}

type FailedItem struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

type JobSummary struct {
	Committed   int           `json:"committed"`
	Failed      int           `json:"failed"`
	FailedItems []FailedItem  `json:"failed_items,omitempty"`
	Message     string        `json:"message,omitempty"`
	Analysis    *PageAnalysis `json:"analysis,omitempty"`
}

type CrawlJob struct {
	ID          string      `json:"id"`
	Kind        JobKind     `json:"kind"`
	Status      JobStatus   `json:"status"`
	Progress    float64     `json:"progress"`
	Counters    Counters    `json:"counters"`
	Params      JobParams   `json:"params"`
	Summary     *JobSummary `json:"summary,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// JobState is the mutable part of a job written by its owning worker.
type JobState struct {
	Status   JobStatus
	Progress float64
	Counters Counters
	Summary  *JobSummary
	Error    string
}

type StagingStatus string

const (
	StagingExtracted StagingStatus = "extracted"
	StagingError     StagingStatus = "error"
)

type StagingRecord struct {
	ID        int64           `json:"id"`
	JobID     string          `json:"job_id"`
	URL       string          `json:"url"`
	Status    StagingStatus   `json:"status"`
	Payload   EnrichedProduct `json:"payload"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Commit splits staged records into catalog rows and a summary of the
// failures. Later records for the same URL win.
func Commit(profileID string, records []*StagingRecord) ([]*CatalogProduct, *JobSummary) {
	summary := &JobSummary{}
	byURL := make(map[string]int)
	var rows []*CatalogProduct
	for _, rec := range records {
		if rec.Status != StagingExtracted || rec.Payload.IsFailed() {
			msg := rec.Error
			if msg == "" {
				msg = rec.Payload.Error
			}
			summary.FailedItems = append(summary.FailedItems, FailedItem{URL: rec.URL, Error: msg})
			continue
		}
		p := rec.Payload
		if p.URL == "" {
			p.URL = rec.URL
		}
		row := NewCatalogProduct(profileID, &p)
		if i, ok := byURL[row.URL]; ok {
			rows[i] = row
			continue
		}
		byURL[row.URL] = len(rows)
		rows = append(rows, row)
	}
	summary.Committed = len(rows)
	summary.Failed = len(summary.FailedItems)
	return rows, summary
}
