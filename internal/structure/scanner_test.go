package structure

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/catalog-enricher/internal/harvest"
	"github.com/maltedev/catalog-enricher/internal/models"
)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	fail  map[string]bool
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rawURL)
	if f.fail[rawURL] {
		return "", errors.New("connection reset")
	}
	return f.pages[rawURL], nil
}

type stubInferrer struct {
	tree []*models.TaxonomyNode
	err  error
}

func (s stubInferrer) Infer(context.Context, InferenceRequest) ([]*models.TaxonomyNode, error) {
	return s.tree, s.err
}

type countingWaiter struct{ waits int }

func (c *countingWaiter) Wait(context.Context) error {
	c.waits++
	return nil
}

type denyGate map[string]bool

func (d denyGate) Allowed(_ context.Context, rawURL string) bool { return !d[rawURL] }

func urls(nodes []*models.TaxonomyNode) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.URL)
	}
	return out
}

func find(roots []*models.TaxonomyNode, u string) *models.TaxonomyNode {
	var hit *models.TaxonomyNode
	for _, r := range roots {
		r.Walk(func(n *models.TaxonomyNode) {
			if hit == nil && n.URL == u {
				hit = n
			}
		})
	}
	return hit
}

func TestScan_DropsInventedAndDemotedNodes(t *testing.T) {
	inferrer := stubInferrer{tree: []*models.TaxonomyNode{
		{
			Name: "Collections",
			URL:  "https://example.com/collections/",
			Kind: models.NodeCollection,
			Children: []*models.TaxonomyNode{
				{Name: "Invented", URL: "https://example.com/made-up/", Kind: models.NodeCategory},
			},
		},
		{Name: "Careers", URL: "https://example.com/careers/", Kind: models.NodeCategory},
		{Name: "Designers", URL: "https://example.com/designers/", Kind: "bogus"},
	}}
	s := NewScanner(nil, inferrer, nil, nil, slog.Default(), Options{})

	roots, err := s.Scan(context.Background(), ScanRequest{
		Domain:   "example.com",
		HTML:     clusterPage,
		StartURL: "https://example.com/",
	})
	require.NoError(t, err)

	assert.Nil(t, find(roots, "https://example.com/careers/"))
	assert.Nil(t, find(roots, "https://example.com/made-up/"))
	assert.Equal(t, []string{"https://example.com/collections/", "https://example.com/designers/"}, urls(roots))
	assert.Equal(t, models.NodeCategory, roots[1].Kind)
}

func TestScan_InferenceFailureFallsBackToHeuristic(t *testing.T) {
	s := NewScanner(nil, stubInferrer{err: errors.New("timeout")}, nil, nil, slog.Default(), Options{})

	roots, err := s.Scan(context.Background(), ScanRequest{
		Domain:   "example.com",
		HTML:     clusterPage,
		StartURL: "https://example.com/",
	})
	require.NoError(t, err)
	assert.Len(t, roots, 5)
	assert.Nil(t, find(roots, "https://example.com/careers/"))
	assert.Equal(t, models.NodeCollection, find(roots, "https://example.com/collections/").Kind)
}

func TestScan_DeepWorklist(t *testing.T) {
	start := `<ul class="nav">
		<li><a href="/a/">Bathroom</a></li>
		<li><a href="/broken/">Kitchen</a></li>
		<li><a href="/blocked/">Outdoor</a></li>
	</ul>`
	fetcher := &fakeFetcher{
		pages: map[string]string{
			"https://example.com/a/":   `<a href="/a/b/">Basins</a><a href="/">Home</a><a href="/a/">Self</a>`,
			"https://example.com/a/b/": `<a href="/product/p1/">P1</a><a href="/product/p2/">P2</a><a href="/a/">Up</a>`,
		},
		fail: map[string]bool{"https://example.com/broken/": true},
	}
	inferrer := stubInferrer{tree: []*models.TaxonomyNode{
		{Name: "Bathroom", URL: "https://example.com/a/", Kind: models.NodeCategory},
		{Name: "Kitchen", URL: "https://example.com/broken/", Kind: models.NodeCategory},
		{Name: "Outdoor", URL: "https://example.com/blocked/", Kind: models.NodeCategory},
	}}
	waiter := &countingWaiter{}
	gate := denyGate{"https://example.com/blocked/": true}
	s := NewScanner(fetcher, inferrer, waiter, gate, slog.Default(), Options{})

	var events []ScanProgress
	roots, err := s.Scan(context.Background(), ScanRequest{
		Domain:   "example.com",
		HTML:     start,
		StartURL: "https://example.com/",
		Deep:     true,
		Progress: func(p ScanProgress) { events = append(events, p) },
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://example.com/a/",
		"https://example.com/a/b/",
		"https://example.com/broken/",
	}, fetcher.calls)
	assert.Equal(t, 3, waiter.waits)
	assert.Len(t, events, 2)

	require.Len(t, roots, 3)
	bathroom := roots[0]
	require.Len(t, bathroom.Children, 1)
	basins := bathroom.Children[0]
	assert.Equal(t, models.NodeCategoryLeaf, basins.Kind)
	assert.Equal(t, []string{"https://example.com/product/p1/", "https://example.com/product/p2/"}, urls(basins.Children))
	for _, p := range basins.Children {
		assert.Equal(t, models.NodeProductFamily, p.Kind)
	}

	assert.Empty(t, roots[1].Children, "failed branch is kept as-is")
	assert.Empty(t, roots[2].Children)
}

func TestScan_DeepRespectsMaxDepth(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://example.com/d1/":          `<a href="/d1/d2/">two</a>`,
		"https://example.com/d1/d2/":       `<a href="/d1/d2/d3/">three</a>`,
		"https://example.com/d1/d2/d3/":    `<a href="/d1/d2/d3/d4/">four</a>`,
		"https://example.com/d1/d2/d3/d4/": `<a href="/d1/d2/d3/d4/d5/">five</a>`,
	}}
	inferrer := stubInferrer{tree: []*models.TaxonomyNode{
		{Name: "one", URL: "https://example.com/d1/", Kind: models.NodeCategory},
	}}
	s := NewScanner(fetcher, inferrer, nil, nil, slog.Default(), Options{MaxDepth: 2})

	roots, err := s.Scan(context.Background(), ScanRequest{
		Domain:   "example.com",
		HTML:     `<a href="/d1/">one</a>`,
		StartURL: "https://example.com/",
		Deep:     true,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.com/d1/", "https://example.com/d1/d2/"}, fetcher.calls)
	require.NotNil(t, find(roots, "https://example.com/d1/d2/d3/"))
	assert.Nil(t, find(roots, "https://example.com/d1/d2/d3/d4/"))
}

func TestScan_DeepStopsOnCancel(t *testing.T) {
	fetcher := &fakeFetcher{}
	inferrer := stubInferrer{tree: []*models.TaxonomyNode{
		{Name: "one", URL: "https://example.com/d1/", Kind: models.NodeCategory},
	}}
	s := NewScanner(fetcher, inferrer, nil, nil, slog.Default(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	roots, err := s.Scan(ctx, ScanRequest{
		Domain:   "example.com",
		HTML:     `<a href="/d1/">one</a>`,
		StartURL: "https://example.com/",
		Deep:     true,
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, roots, 1)
	assert.Empty(t, fetcher.calls)
}

func TestReconcile(t *testing.T) {
	h := &harvest.Result{
		SubcategoryURLs: []string{"https://example.com/category/taps/", "https://example.com/category/sinks/"},
		Products:        []models.ProductRef{{URL: "https://example.com/product/x/", Name: "X"}},
	}
	truth := []Candidate{{URL: "https://example.com/collection/one/"}}

	tests := []struct {
		name     string
		inferred []*models.TaxonomyNode
		want     []string
	}{
		{
			name:     "empty inference keeps harvested links",
			inferred: nil,
			want: []string{
				"https://example.com/category/taps/",
				"https://example.com/category/sinks/",
				"https://example.com/product/x/",
			},
		},
		{
			name: "children of an invented node move up",
			inferred: []*models.TaxonomyNode{
				{URL: "https://example.com/ghost/", Children: []*models.TaxonomyNode{
					{Name: "One", URL: "https://example.com/collection/one/", Kind: models.NodeCollection},
				}},
			},
			want: []string{
				"https://example.com/collection/one/",
				"https://example.com/category/taps/",
				"https://example.com/category/sinks/",
				"https://example.com/product/x/",
			},
		},
		{
			name: "duplicates and placed links are not appended twice",
			inferred: []*models.TaxonomyNode{
				{Name: "Taps", URL: "https://example.com/category/taps/", Kind: models.NodeCategory},
				{Name: "Taps again", URL: "https://example.com/category/taps/", Kind: models.NodeCategory},
			},
			want: []string{
				"https://example.com/category/taps/",
				"https://example.com/category/sinks/",
				"https://example.com/product/x/",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roots := Reconcile(tt.inferred, truth, h)
			assert.Equal(t, tt.want, urls(roots))
			last := roots[len(roots)-1]
			assert.Equal(t, models.NodeProductFamily, last.Kind)
			assert.Equal(t, "X", last.Name)
		})
	}
}
