package structure

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/catalog-enricher/internal/harvest"
	"github.com/maltedev/catalog-enricher/internal/models"
)

// Fetcher returns the rendered HTML of a URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// Waiter enforces politeness between requests.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Gate decides whether a URL may be visited.
type Gate interface {
	Allowed(ctx context.Context, rawURL string) bool
}

type Options struct {
	MaxDepth          int
	MaxCandidates     int
	MaxBranchChildren int
}

func DefaultOptions() Options {
	return Options{
		MaxDepth:          4,
		MaxCandidates:     120,
		MaxBranchChildren: 40,
	}
}

type ScanProgress struct {
	URL     string
	Visited int
	Pending int
	Depth   int
}

type ScanRequest struct {
	Domain   string
	HTML     string
	StartURL string
	Deep     bool
	// Harvest is the harvester output for HTML, if the caller already has it.
	Harvest  *harvest.Result
	Progress func(ScanProgress)
}

type Scanner struct {
	fetcher  Fetcher
	inferrer Inferrer
	limiter  Waiter
	robots   Gate
	logger   *slog.Logger
	opts     Options
}

func NewScanner(fetcher Fetcher, inferrer Inferrer, limiter Waiter, robots Gate, logger *slog.Logger, opts Options) *Scanner {
	def := DefaultOptions()
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = def.MaxDepth
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = def.MaxCandidates
	}
	if opts.MaxBranchChildren <= 0 {
		opts.MaxBranchChildren = def.MaxBranchChildren
	}
	if inferrer == nil {
		inferrer = HeuristicInferrer{}
	}
	return &Scanner{
		fetcher:  fetcher,
		inferrer: inferrer,
		limiter:  limiter,
		robots:   robots,
		logger:   logger.With("component", "structure_scanner"),
		opts:     opts,
	}
}

// Scan builds the taxonomy tree for a starting page. With Deep set, branch
// nodes are visited until they yield products or MaxDepth is reached. A
// cancelled context returns the partial tree together with the context error.
func (s *Scanner) Scan(ctx context.Context, req ScanRequest) ([]*models.TaxonomyNode, error) {
	startURL := req.StartURL
	if startURL == "" {
		startURL = "https://" + req.Domain + "/"
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(req.HTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse start page: %w", err)
	}

	h := req.Harvest
	if h == nil {
		h = harvest.Harvest(req.HTML, startURL)
	}

	groundTruth := Rank(CollectCandidates(doc, startURL), startURL, s.opts.MaxCandidates)
	inferReq := InferenceRequest{
		SystemPrompt: SystemPrompt,
		Page: PageContext{
			URL:    startURL,
			Domain: req.Domain,
			Title:  strings.TrimSpace(doc.Find("title").First().Text()),
		},
		GroundTruth: groundTruth,
	}

	inferred, err := s.inferrer.Infer(ctx, inferReq)
	if err != nil {
		s.logger.Warn("structure inference failed, using heuristic tree",
			"domain", req.Domain,
			"error", err)
		inferred, _ = HeuristicInferrer{}.Infer(ctx, inferReq)
	}

	roots := Reconcile(inferred, groundTruth, h)
	s.logger.Info("structure inferred",
		"domain", req.Domain,
		"candidates", len(groundTruth),
		"roots", len(roots))

	if !req.Deep {
		return roots, nil
	}
	if err := s.deepScan(ctx, startURL, roots, req.Progress); err != nil {
		return roots, err
	}
	return roots, nil
}

type frame struct {
	node  *models.TaxonomyNode
	depth int
}

func (s *Scanner) deepScan(ctx context.Context, startURL string, roots []*models.TaxonomyNode, progress func(ScanProgress)) error {
	if s.fetcher == nil {
		return fmt.Errorf("deep scan requires a fetcher")
	}

	placed := map[string]bool{harvest.Canonical(startURL): true}
	for _, r := range roots {
		r.Walk(func(n *models.TaxonomyNode) {
			if n.URL != "" {
				placed[n.URL] = true
			}
		})
	}
	visited := map[string]bool{harvest.Canonical(startURL): true}

	stack := make([]frame, 0, len(roots))
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, frame{node: roots[i], depth: 1})
	}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := f.node
		if !n.Kind.IsBranch() || n.URL == "" || visited[n.URL] || f.depth > s.opts.MaxDepth {
			continue
		}
		visited[n.URL] = true

		if s.robots != nil && !s.robots.Allowed(ctx, n.URL) {
			s.logger.Debug("branch disallowed by robots", "url", n.URL)
			continue
		}

		children, err := s.visit(ctx, n, placed)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("branch scan failed", "url", n.URL, "depth", f.depth, "error", err)
			continue
		}

		if f.depth < s.opts.MaxDepth {
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, frame{node: children[i], depth: f.depth + 1})
			}
		}

		if progress != nil {
			progress(ScanProgress{URL: n.URL, Visited: len(visited) - 1, Pending: len(stack), Depth: f.depth})
		}
	}
	return nil
}

// visit fetches one branch page. A page listing products turns the node into
// a category leaf; otherwise newly discovered sub-branches are attached and
// returned for further descent.
func (s *Scanner) visit(ctx context.Context, n *models.TaxonomyNode, placed map[string]bool) ([]*models.TaxonomyNode, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	html, err := s.fetcher.Fetch(ctx, n.URL)
	if err != nil {
		return nil, err
	}

	h := harvest.Harvest(html, n.URL)
	if len(h.Products) > 0 {
		n.Kind = models.NodeCategoryLeaf
		for _, p := range h.Products {
			if placed[p.URL] {
				continue
			}
			placed[p.URL] = true
			n.Children = append(n.Children, &models.TaxonomyNode{
				Name: p.Name,
				URL:  p.URL,
				Kind: models.NodeProductFamily,
			})
		}
		return nil, nil
	}

	var found []*models.TaxonomyNode
	add := func(u, name string) {
		if len(found) >= s.opts.MaxBranchChildren || placed[u] {
			return
		}
		placed[u] = true
		if name == "" {
			name = nameFromURL(u)
		}
		found = append(found, &models.TaxonomyNode{Name: name, URL: u, Kind: models.NodeCategory})
	}

	for _, u := range h.SubcategoryURLs {
		add(u, "")
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err == nil {
		for _, c := range Rank(CollectCandidates(doc, n.URL), n.URL, s.opts.MaxCandidates) {
			if c.Score <= 0 || !isDirectChild(c.URL, n.URL) {
				continue
			}
			add(c.URL, c.Text)
		}
	}

	n.Children = append(n.Children, found...)
	return found, nil
}

func isDirectChild(childURL, parentURL string) bool {
	c, err := url.Parse(childURL)
	if err != nil {
		return false
	}
	p, err := url.Parse(parentURL)
	if err != nil {
		return false
	}
	cp := strings.TrimSuffix(c.Path, "/")
	pp := strings.TrimSuffix(p.Path, "/")
	if cp == "" || cp == pp {
		return false
	}
	return path.Dir(cp) == orRoot(pp)
}
