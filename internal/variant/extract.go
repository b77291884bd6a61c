package variant

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/maltedev/catalog-enricher/internal/browser"
	"github.com/maltedev/catalog-enricher/internal/models"
)

var (
	multiplySigns = strings.NewReplacer("×", "x", "✕", "x", "✖", "x", "*", "x")
	spacedTimes   = regexp.MustCompile(`(\d)\s*x\s*(\d)`)
)

// NormalizeDimension lowercases a dimension label, folds multiplication
// signs to "x" and collapses whitespace so "60 × 80" and "60x80" compare
// equal.
func NormalizeDimension(label string) string {
	s := multiplySigns.Replace(strings.ToLower(label))
	s = strings.Join(strings.Fields(s), " ")
	for {
		next := spacedTimes.ReplaceAllString(s, "${1}x${2}")
		if next == s {
			return s
		}
		s = next
	}
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}

type Extractor struct {
	router *Router
	logger *slog.Logger
}

func NewExtractor(router *Router, logger *slog.Logger) *Extractor {
	if router == nil {
		router = DefaultRouter()
	}
	return &Extractor{router: router, logger: logger.With("component", "variant_extractor")}
}

// Extract cycles through every dimension option of the page's variant
// picker and records the resulting SKU and documents. When the picker
// offers several options, labels without a digit are skipped. Any failure
// yields an empty list.
func (e *Extractor) Extract(ctx context.Context, page browser.Page, pageURL string) (variants []models.ProductVariant) {
	variants = []models.ProductVariant{}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("variant extraction panicked", "url", pageURL, "panic", r)
			variants = []models.ProductVariant{}
		}
	}()

	html, err := page.Content()
	if err != nil {
		return variants
	}
	s := e.router.Route(ctx, DetectContext{URL: pageURL, HTML: html, Page: page})
	if s == nil {
		return variants
	}

	opts, err := s.DimensionOptions(ctx, page)
	if err != nil {
		e.logger.Debug("failed to list dimension options", "url", pageURL, "strategy", s.Name(), "error", err)
		return variants
	}
	multi := len(opts) > 1

	var prev State
	prev.SKU, _ = s.ReadSKU(ctx, page)
	prev.Assets, _ = s.ReadPDFURLs(ctx, page)

	index := map[string]int{}
	for _, opt := range opts {
		if ctx.Err() != nil {
			break
		}
		norm := NormalizeDimension(opt.Label)
		if norm == "" || (multi && !hasDigit(norm)) {
			continue
		}

		if err := s.SelectDimension(ctx, page, opt); err != nil {
			e.logger.Debug("failed to select option", "url", pageURL, "option", opt.Label, "error", err)
			continue
		}
		st, err := s.WaitForUpdate(ctx, page, prev)
		if err != nil {
			break
		}
		prev = st

		v := models.ProductVariant{
			Dimension:           opt.Label,
			DimensionNormalized: norm,
			SKU:                 st.SKU,
			Assets:              dedupe(st.Assets),
			Strategy:            s.Name(),
			SKUSource:           models.SKUSourceUnknown,
		}
		if st.SKU != nil {
			v.SKUSource = models.SKUSourceDOM
		}

		if i, ok := index[norm]; ok {
			variants[i] = v
			continue
		}
		index[norm] = len(variants)
		variants = append(variants, v)
	}

	e.logger.Debug("variants extracted", "url", pageURL, "strategy", s.Name(), "options", len(opts), "variants", len(variants))
	return variants
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
