// Command harvest runs the extraction pipeline on a single page and prints
// the result as JSON. Pages come from a saved HTML file or, with -render,
// from a live browser.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/catalog-enricher/internal/browser"
	"github.com/maltedev/catalog-enricher/internal/enrich"
	"github.com/maltedev/catalog-enricher/internal/harvest"
	"github.com/maltedev/catalog-enricher/internal/interact"
	"github.com/maltedev/catalog-enricher/internal/models"
	"github.com/maltedev/catalog-enricher/internal/scraper"
	"github.com/maltedev/catalog-enricher/internal/structure"
)

type output struct {
	URL      string                  `json:"url"`
	Kind     models.PageKind         `json:"kind"`
	Listing  *models.Listing         `json:"listing,omitempty"`
	Product  *models.EnrichedProduct `json:"product,omitempty"`
	Taxonomy []*models.TaxonomyNode  `json:"taxonomy,omitempty"`
}

func main() {
	var (
		file       = flag.String("file", "", "saved HTML file to read")
		pageURL    = flag.String("url", "", "URL of the page (base for relative links, or the page to render)")
		render     = flag.Bool("render", false, "render -url in a browser instead of reading -file")
		save       = flag.String("save", "", "write the rendered HTML to this file")
		screenshot = flag.String("screenshot", "", "full-page screenshot file when rendering")
		headless   = flag.Bool("headless", true, "run the browser headless")
		scan       = flag.Bool("scan", false, "infer the category structure of the page")
		profiles   = flag.String("profiles", "", "brand profiles YAML file")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *pageURL == "" || (!*render && *file == "") {
		fmt.Fprintln(os.Stderr, "usage: harvest -url URL (-file page.html | -render) [-scan] [-profiles brands.yaml]")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	html, finalURL, err := load(ctx, logger, *file, *pageURL, *render, *headless, *save, *screenshot)
	if err != nil {
		logger.Error("failed to load page", "error", err)
		os.Exit(1)
	}

	registry := enrich.NewRegistry()
	if *profiles != "" {
		handlers, err := enrich.LoadProfiles(*profiles)
		if err != nil {
			logger.Error("failed to load brand profiles", "error", err)
			os.Exit(1)
		}
		for _, h := range handlers {
			registry.Register(h)
		}
	}

	out, err := analyze(ctx, logger, registry, html, finalURL, *scan)
	if err != nil {
		logger.Error("analysis failed", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error("failed to write result", "error", err)
		os.Exit(1)
	}
}

func load(ctx context.Context, logger *slog.Logger, file, pageURL string, render, headless bool, save, screenshot string) (string, string, error) {
	if !render {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", "", err
		}
		return string(data), pageURL, nil
	}

	opts := browser.DefaultOptions()
	opts.Headless = headless
	b, err := browser.New(opts, logger)
	if err != nil {
		return "", "", err
	}
	defer b.Close()

	page, closeTab, err := b.NewTab("")
	if err != nil {
		return "", "", err
	}
	defer closeTab()

	rendered, err := b.Render(ctx, page, pageURL)
	if err != nil {
		return "", "", err
	}
	html := rendered.HTML
	if report, err := interact.InfiniteScroll(ctx, page, interact.DefaultOptions()); err == nil && report.Iterations > 0 {
		if fresh, err := page.Content(); err == nil {
			html = fresh
		}
	}

	if pw, ok := page.(playwright.Page); ok && screenshot != "" {
		if _, err := pw.Screenshot(playwright.PageScreenshotOptions{
			Path:     playwright.String(screenshot),
			FullPage: playwright.Bool(true),
		}); err != nil {
			logger.Warn("failed to take screenshot", "error", err)
		} else {
			logger.Info("screenshot saved", "file", screenshot)
		}
	}
	if save != "" {
		if err := os.WriteFile(save, []byte(html), 0o644); err != nil {
			return "", "", err
		}
		logger.Info("HTML saved", "file", save)
	}
	return html, rendered.FinalURL, nil
}

func analyze(ctx context.Context, logger *slog.Logger, registry *enrich.Registry, html, pageURL string, scan bool) (*output, error) {
	res := harvest.Harvest(html, pageURL)
	out := &output{URL: pageURL}

	if scraper.IsProductPage(html, pageURL, res) {
		enricher := enrich.NewEnricher(nil, registry, nil, nil, interact.DefaultOptions(), logger)
		p, err := enricher.ExtractStatic(ctx, html, pageURL)
		if err != nil {
			return nil, err
		}
		out.Kind = models.PageKindProduct
		out.Product = p
		return out, nil
	}

	out.Kind = scraper.ListingKind(res)
	out.Listing = res.Listing()
	if scan {
		scanner := structure.NewScanner(nil, nil, nil, nil, logger, structure.DefaultOptions())
		roots, err := scanner.Scan(ctx, structure.ScanRequest{
			Domain:   scraper.Domain(pageURL),
			HTML:     html,
			StartURL: pageURL,
			Harvest:  res,
		})
		if err != nil {
			return nil, err
		}
		out.Taxonomy = roots
	}
	return out, nil
}
