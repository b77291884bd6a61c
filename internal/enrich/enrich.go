// Package enrich turns a product page into an EnrichedProduct.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/catalog-enricher/internal/browser"
	"github.com/maltedev/catalog-enricher/internal/harvest"
	"github.com/maltedev/catalog-enricher/internal/interact"
	"github.com/maltedev/catalog-enricher/internal/models"
	"github.com/maltedev/catalog-enricher/internal/variant"
)

// OpenedPage is a rendered page whose tab stays open until Close.
type OpenedPage struct {
	Page     browser.Page
	HTML     string
	FinalURL string
	Close    func()
}

// Opener renders a URL, logging in first when credentialID is set.
type Opener interface {
	Open(ctx context.Context, rawURL, credentialID string) (*OpenedPage, error)
}

type Options struct {
	JobID          string
	CredentialID   string
	DownloadAssets bool
}

type Enricher struct {
	opener     Opener
	registry   *Registry
	extractor  *variant.Extractor
	downloader *Downloader
	interact   interact.Options
	logger     *slog.Logger
}

func NewEnricher(opener Opener, registry *Registry, extractor *variant.Extractor, downloader *Downloader, interactOpts interact.Options, logger *slog.Logger) *Enricher {
	if registry == nil {
		registry = NewRegistry()
	}
	logger = logger.With("component", "enricher")
	if extractor == nil {
		extractor = variant.NewExtractor(variant.DefaultRouter(), logger)
	}
	return &Enricher{
		opener:     opener,
		registry:   registry,
		extractor:  extractor,
		downloader: downloader,
		interact:   interactOpts,
		logger:     logger,
	}
}

// Enrich never returns an error. A product that could not be extracted
// comes back as models.FailedProduct with the reason.
func (e *Enricher) Enrich(ctx context.Context, rawURL string, opts Options) (product *models.EnrichedProduct) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("enrichment panicked", "url", rawURL, "panic", r)
			product = models.FailedProduct(rawURL, fmt.Errorf("extraction panicked: %v", r))
		}
	}()

	opened, err := e.opener.Open(ctx, rawURL, opts.CredentialID)
	if err != nil {
		e.logger.Warn("failed to open product page", "url", rawURL, "error", err)
		return models.FailedProduct(rawURL, err)
	}
	if opened.Close != nil {
		defer opened.Close()
	}
	return e.EnrichPage(ctx, opened, rawURL, opts)
}

// EnrichPage runs the pipeline on a page the caller already opened. The
// caller keeps ownership of the tab.
func (e *Enricher) EnrichPage(ctx context.Context, opened *OpenedPage, rawURL string, opts Options) (product *models.EnrichedProduct) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("enrichment panicked", "url", rawURL, "panic", r)
			product = models.FailedProduct(rawURL, fmt.Errorf("extraction panicked: %v", r))
		}
	}()
	page := opened.Page

	html := opened.HTML
	if page != nil {
		if n, err := interact.RevealContent(ctx, page, e.interact); err != nil {
			return models.FailedProduct(rawURL, err)
		} else if n > 0 {
			e.logger.Debug("revealed hidden content", "url", rawURL, "clicks", n)
		}
		if restored, err := interact.RestoreURL(ctx, page, opened.FinalURL); err != nil {
			return models.FailedProduct(rawURL, fmt.Errorf("restore page after interactions: %w", err))
		} else if restored {
			e.logger.Info("restored page after navigation drift", "url", rawURL)
		}
		if fresh, err := page.Content(); err == nil {
			html = fresh
		}
	}

	pageURL := rawURL
	if opened.FinalURL != "" {
		pageURL = opened.FinalURL
	}
	p, err := e.extract(ctx, html, pageURL, page)
	if err != nil {
		return models.FailedProduct(rawURL, err)
	}
	p.URL = harvest.Canonical(rawURL)

	if opts.DownloadAssets && e.downloader != nil && len(p.Files) > 0 {
		p.Files = e.downloader.DownloadAll(ctx, page, opts.JobID, opts.CredentialID, p.Files)
	}
	return p
}

// extract assembles a product from a settled page. Field precedence is
// brand override, then JSON-LD, then generic heuristics.
func (e *Enricher) extract(ctx context.Context, html, pageURL string, page browser.Page) (*models.EnrichedProduct, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse product page: %w", err)
	}

	var override *Fields
	if h := e.registry.Match(pageURL); h != nil {
		override, err = h.Extract(ctx, doc, pageURL)
		if err != nil {
			e.logger.Debug("brand handler found nothing", "brand", h.Name(), "url", pageURL, "error", err)
			override = nil
		}
	}

	p := &models.EnrichedProduct{}
	merge(p, override, structuredFields(doc, pageURL), heuristicFields(doc, pageURL, harvest.Harvest(html, pageURL)))
	if n := len(p.CategoryPath); n > 0 && strings.EqualFold(p.CategoryPath[n-1], p.Name) {
		p.CategoryPath = p.CategoryPath[:n-1]
	}
	if p.Name == "" {
		return nil, fmt.Errorf("no product name found on %s", pageURL)
	}

	if page != nil {
		p.Variants = e.extractor.Extract(ctx, page, pageURL)
	}
	p.Associated = variant.ExtractAssociated(html, pageURL)
	for _, a := range p.Associated {
		p.DiscoveredLinks = append(p.DiscoveredLinks, a.URL)
	}
	return p, nil
}

// ExtractStatic runs the page-independent part of the pipeline on saved
// HTML: no variants, no downloads.
func (e *Enricher) ExtractStatic(ctx context.Context, html, pageURL string) (*models.EnrichedProduct, error) {
	p, err := e.extract(ctx, html, pageURL, nil)
	if err != nil {
		return nil, err
	}
	p.URL = harvest.Canonical(pageURL)
	return p, nil
}
