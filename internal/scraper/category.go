package scraper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maltedev/catalog-enricher/internal/harvest"
	"github.com/maltedev/catalog-enricher/internal/interact"
)

// Listing is one fully scrolled category page.
type Listing struct {
	URL    string
	Result *harvest.Result
	Scroll interact.ScrollReport
}

// CategoryCrawler lists the products and sub-categories of category pages.
type CategoryCrawler struct {
	service *Service
	scroll  interact.Options
	logger  *slog.Logger
}

func NewCategoryCrawler(service *Service, scroll interact.Options, logger *slog.Logger) *CategoryCrawler {
	return &CategoryCrawler{
		service: service,
		scroll:  scroll,
		logger:  logger.With("component", "category_crawler"),
	}
}

// List opens categoryURL, scrolls until the listing stops growing and
// harvests the links of the final DOM.
func (c *CategoryCrawler) List(ctx context.Context, categoryURL, credentialID string) (*Listing, error) {
	opened, err := c.service.Open(ctx, categoryURL, credentialID)
	if err != nil {
		return nil, err
	}
	defer opened.Close()

	report, err := interact.InfiniteScroll(ctx, opened.Page, c.scroll)
	if err != nil {
		return nil, fmt.Errorf("failed to scroll %s: %w", categoryURL, err)
	}

	html, err := opened.Page.Content()
	if err != nil {
		c.logger.Warn("failed to read scrolled page, using initial render", "url", categoryURL, "error", err)
		html = opened.HTML
	}
	pageURL := opened.Page.URL()
	if pageURL == "" {
		pageURL = opened.FinalURL
	}

	res := harvest.Harvest(html, pageURL)
	c.logger.Info("category listed",
		"url", categoryURL,
		"products", len(res.Products),
		"subcategories", len(res.SubcategoryURLs),
		"scroll_iterations", report.Iterations,
		"load_more_clicks", report.Clicks,
		"stop_reason", report.Reason)

	return &Listing{URL: categoryURL, Result: res, Scroll: report}, nil
}
