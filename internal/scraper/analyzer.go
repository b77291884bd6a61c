package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/catalog-enricher/internal/enrich"
	"github.com/maltedev/catalog-enricher/internal/harvest"
	"github.com/maltedev/catalog-enricher/internal/interact"
	"github.com/maltedev/catalog-enricher/internal/models"
	"github.com/maltedev/catalog-enricher/internal/structure"
)

type PageOpener interface {
	Open(ctx context.Context, rawURL, credentialID string) (*enrich.OpenedPage, error)
}

// ProductEnricher extracts a product from an already opened page.
type ProductEnricher interface {
	EnrichPage(ctx context.Context, opened *enrich.OpenedPage, rawURL string, opts enrich.Options) *models.EnrichedProduct
}

type StructureScanner interface {
	Scan(ctx context.Context, req structure.ScanRequest) ([]*models.TaxonomyNode, error)
}

type TaxonomySaver interface {
	Save(ctx context.Context, domain string, roots []*models.TaxonomyNode, deep bool) error
}

type AnalyzeOptions struct {
	JobID          string
	CredentialID   string
	Deep           bool
	DownloadAssets bool
	Progress       func(structure.ScanProgress)
}

// Analyzer classifies a page and returns the payload matching its kind.
type Analyzer struct {
	opener   PageOpener
	enricher ProductEnricher
	scanner  StructureScanner
	taxonomy TaxonomySaver
	scroll   interact.Options
	logger   *slog.Logger
}

func NewAnalyzer(opener PageOpener, enricher ProductEnricher, scanner StructureScanner, taxonomy TaxonomySaver, scroll interact.Options, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		opener:   opener,
		enricher: enricher,
		scanner:  scanner,
		taxonomy: taxonomy,
		scroll:   scroll,
		logger:   logger.With("component", "analyzer"),
	}
}

func (a *Analyzer) Analyze(ctx context.Context, rawURL string, opts AnalyzeOptions) (*models.PageAnalysis, error) {
	opened, err := a.opener.Open(ctx, rawURL, opts.CredentialID)
	if err != nil {
		return nil, err
	}
	defer opened.Close()

	pageURL := opened.FinalURL
	if pageURL == "" {
		pageURL = rawURL
	}
	res := harvest.Harvest(opened.HTML, pageURL)

	if IsProductPage(opened.HTML, pageURL, res) {
		p := a.enricher.EnrichPage(ctx, opened, rawURL, enrich.Options{
			JobID:          opts.JobID,
			CredentialID:   opts.CredentialID,
			DownloadAssets: opts.DownloadAssets,
		})
		if p.IsFailed() {
			return nil, fmt.Errorf("product extraction failed: %s", p.Error)
		}
		return &models.PageAnalysis{URL: rawURL, Kind: models.PageKindProduct, Product: p}, nil
	}

	html := opened.HTML
	if opened.Page != nil {
		report, err := interact.InfiniteScroll(ctx, opened.Page, a.scroll)
		if err != nil {
			return nil, err
		}
		if report.Iterations > 0 {
			if fresh, err := opened.Page.Content(); err == nil {
				html = fresh
				res = harvest.Harvest(html, pageURL)
			}
		}
	}

	analysis := &models.PageAnalysis{
		URL:     rawURL,
		Kind:    ListingKind(res),
		Listing: res.Listing(),
	}

	if a.scanner != nil {
		domain := Domain(pageURL)
		roots, err := a.scanner.Scan(ctx, structure.ScanRequest{
			Domain:   domain,
			HTML:     html,
			StartURL: pageURL,
			Deep:     opts.Deep,
			Harvest:  res,
			Progress: opts.Progress,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			a.logger.Warn("structure scan failed", "url", rawURL, "error", err)
		}
		analysis.Taxonomy = roots
		if a.taxonomy != nil && len(roots) > 0 {
			if err := a.taxonomy.Save(ctx, domain, roots, opts.Deep); err != nil {
				return nil, fmt.Errorf("failed to save taxonomy: %w", err)
			}
		}
	}

	a.logger.Info("page analyzed",
		"url", rawURL,
		"kind", analysis.Kind,
		"products", len(res.Products),
		"subcategories", len(res.SubcategoryURLs),
		"taxonomy_nodes", models.CountNodes(analysis.Taxonomy))
	return analysis, nil
}

// ListingKind distinguishes category hubs from flat product lists.
func ListingKind(res *harvest.Result) models.PageKind {
	switch {
	case len(res.SubcategoryURLs) > 0:
		return models.PageKindCategory
	case len(res.Products) > 0:
		return models.PageKindProductList
	default:
		return models.PageKindUnknown
	}
}

// IsProductPage reports whether html is a product detail page: schema.org
// Product markup, an og:type of product, or a product URL whose page does
// not itself list several products.
func IsProductPage(html, pageURL string, res *harvest.Result) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	if og, _ := doc.Find(`meta[property="og:type"]`).Attr("content"); strings.Contains(strings.ToLower(og), "product") {
		return true
	}
	if doc.Find(`[itemtype$="schema.org/Product"]`).Length() > 0 && len(res.Products) < 2 {
		return true
	}
	product := false
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		t := strings.ReplaceAll(s.Text(), " ", "")
		if strings.Contains(t, `"@type":"Product"`) || strings.Contains(t, `"@type":["Product"`) {
			product = true
			return false
		}
		return true
	})
	if product {
		return true
	}
	u, err := url.Parse(pageURL)
	return err == nil && harvest.IsProductPath(u.Path) && len(res.Products) < 2
}

// Domain is the host of rawURL without a leading "www.".
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
