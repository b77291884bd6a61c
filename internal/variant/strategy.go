package variant

import (
	"context"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/maltedev/catalog-enricher/internal/browser"
)

// DimensionOption is one selectable value of a variant picker.
type DimensionOption struct {
	Label string
	Value string
	Index int
}

// State is what a product page shows for the currently selected option.
type State struct {
	SKU    *string
	Assets []string
}

func (s State) Fingerprint() uint64 {
	var b strings.Builder
	if s.SKU != nil {
		b.WriteString(*s.SKU)
	}
	for _, a := range s.Assets {
		b.WriteByte(0)
		b.WriteString(a)
	}
	return xxhash.Sum64String(b.String())
}

type DetectContext struct {
	URL  string
	HTML string
	Page browser.Page
}

// Strategy drives one kind of variant picker.
type Strategy interface {
	Name() string
	Detect(ctx context.Context, dc DetectContext) bool
	DimensionOptions(ctx context.Context, page browser.Page) ([]DimensionOption, error)
	SelectDimension(ctx context.Context, page browser.Page, opt DimensionOption) error
	WaitForUpdate(ctx context.Context, page browser.Page, prev State) (State, error)
	ReadSKU(ctx context.Context, page browser.Page) (*string, error)
	ReadPDFURLs(ctx context.Context, page browser.Page) ([]string, error)
}

// Router picks the first registered strategy whose Detect matches.
type Router struct {
	strategies []Strategy
}

func NewRouter(strategies ...Strategy) *Router {
	return &Router{strategies: strategies}
}

// DefaultRouter registers the built-in strategies. Brand specific strategies
// go in front via Register.
func DefaultRouter() *Router {
	return NewRouter(NewSelectStrategy(), NewSwatchStrategy())
}

func (r *Router) Register(s Strategy) {
	r.strategies = append([]Strategy{s}, r.strategies...)
}

func (r *Router) Route(ctx context.Context, dc DetectContext) Strategy {
	for _, s := range r.strategies {
		if s.Detect(ctx, dc) {
			return s
		}
	}
	return nil
}

const (
	scriptReadSKU = `() => {
	const pick = (el) => el ? (el.getAttribute('content') || el.getAttribute('data-sku') || el.innerText || el.textContent || '').trim() : '';
	const selectors = ['[itemprop="sku"]', '[data-sku]', '.sku', '#sku', '.product-sku', '.product-code', '.product__code', '.codice', '.article-number', '.ref'];
	for (const sel of selectors) {
		const v = pick(document.querySelector(sel));
		if (v && v.length < 64) return v.replace(/^(sku|ref\.?|art\.?|cod\.?|code)\s*[:#]?\s*/i, '');
	}
	const m = (document.body ? document.body.innerText : '').match(/(?:SKU|Ref\.|Art\.|Cod\.|Code)\s*[:#]?\s*([A-Z0-9][A-Z0-9._\/-]{2,30})/i);
	return m ? m[1] : '';
}`
	scriptReadPDFs = `() => Array.from(document.querySelectorAll('a[href]'))
	.map((a) => a.href)
	.filter((h) => /\.(pdf|dwg|dxf|step|stp|zip|rfa|ifc|3ds|skp)(\?|#|$)/i.test(h))`
)

// domReader reads SKU and document links from the live DOM and waits for
// them to change after a selection.
type domReader struct {
	poll    time.Duration
	timeout time.Duration
}

func (d domReader) ReadSKU(_ context.Context, page browser.Page) (*string, error) {
	v, err := page.Evaluate(scriptReadSKU)
	if err != nil {
		return nil, err
	}
	sku := strings.TrimSpace(browser.AsString(v))
	if sku == "" {
		return nil, nil
	}
	return &sku, nil
}

func (d domReader) ReadPDFURLs(_ context.Context, page browser.Page) ([]string, error) {
	v, err := page.Evaluate(scriptReadPDFs)
	if err != nil {
		return nil, err
	}
	return browser.AsStrings(v), nil
}

func (d domReader) read(ctx context.Context, page browser.Page) State {
	var st State
	st.SKU, _ = d.ReadSKU(ctx, page)
	st.Assets, _ = d.ReadPDFURLs(ctx, page)
	return st
}

// WaitForUpdate polls until the page state differs from prev or the timeout
// passes. Options sharing a SKU never change state, so a timeout is not an
// error.
func (d domReader) WaitForUpdate(ctx context.Context, page browser.Page, prev State) (State, error) {
	deadline := time.Now().Add(d.timeout)
	for {
		st := d.read(ctx, page)
		if st.Fingerprint() != prev.Fingerprint() || !time.Now().Before(deadline) {
			return st, nil
		}
		t := time.NewTimer(d.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return st, ctx.Err()
		case <-t.C:
		}
	}
}
