package scraper

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/catalog-enricher/internal/auth"
	"github.com/maltedev/catalog-enricher/internal/browser"
	"github.com/maltedev/catalog-enricher/internal/enrich"
	"github.com/maltedev/catalog-enricher/internal/harvest"
	"github.com/maltedev/catalog-enricher/internal/interact"
	"github.com/maltedev/catalog-enricher/internal/models"
	"github.com/maltedev/catalog-enricher/internal/structure"
)

const loginHTML = `<html><head><title>Login</title></head><body>
<form><input name="user"><input type="password" name="pw"><button>Sign in</button></form></body></html>`

const categoryHTML = `<html><head><title>Lamps</title></head><body>
<ul class="menu">
 <li><a href="/en/category/lamps/floor/">Floor</a></li>
 <li><a href="/en/category/lamps/table/">Table</a></li>
</ul>
<div class="grid">
 <a href="/en/product/arco/">Arco</a>
 <a href="/en/product/toio/">Toio</a>
</div></body></html>`

const productHTML = `<html><head><meta property="og:type" content="product"><title>Arco</title></head>
<body><h1>Arco</h1></body></html>`

type tab struct {
	html   string
	url    string
	closed bool
}

func (p *tab) Evaluate(string, ...interface{}) (interface{}, error) { return nil, nil }
func (p *tab) Content() (string, error)                            { return p.html, nil }
func (p *tab) URL() string                                         { return p.url }
func (p *tab) Goto(url string, _ ...playwright.PageGotoOptions) (playwright.Response, error) {
	p.url = url
	return nil, nil
}

type response struct {
	html   string
	status int
	err    error
}

type fakeRenderer struct {
	pages map[string]response
	tabs  []*tab
}

func (r *fakeRenderer) NewTab(string) (browser.Page, func(), error) {
	t := &tab{}
	r.tabs = append(r.tabs, t)
	return t, func() { t.closed = true }, nil
}

func (r *fakeRenderer) Render(_ context.Context, page browser.Page, url string) (*browser.Rendered, error) {
	resp, ok := r.pages[url]
	if !ok {
		resp = response{status: 404}
	}
	if resp.err != nil {
		return nil, resp.err
	}
	t := page.(*tab)
	t.html, t.url = resp.html, url
	return &browser.Rendered{HTML: resp.html, FinalURL: url, Status: resp.status, Page: page}, nil
}

type MockAuth struct {
	mock.Mock
}

func (m *MockAuth) EnsureLogin(ctx context.Context, credentialID string, page browser.Page) error {
	return m.Called(ctx, credentialID, page).Error(0)
}

func (m *MockAuth) Recover(ctx context.Context, credentialID string, page browser.Page, returnURL string) (string, error) {
	args := m.Called(ctx, credentialID, page, returnURL)
	return args.String(0), args.Error(1)
}

type countingLimiter struct{ calls []string }

func (l *countingLimiter) WaitURL(_ context.Context, rawURL string) error {
	l.calls = append(l.calls, rawURL)
	return nil
}

type adaptiveLimiter struct {
	countingLimiter
	ok, failed int
}

func (l *adaptiveLimiter) RecordSuccess() { l.ok++ }
func (l *adaptiveLimiter) RecordError()   { l.failed++ }

func TestServiceOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("renders anonymous page", func(t *testing.T) {
		r := &fakeRenderer{pages: map[string]response{"https://a.example/x": {html: categoryHTML, status: 200}}}
		limiter := &countingLimiter{}
		s := NewService(r, nil, limiter, slog.Default())

		opened, err := s.Open(ctx, "https://a.example/x", "")
		require.NoError(t, err)
		assert.Equal(t, categoryHTML, opened.HTML)
		assert.False(t, r.tabs[0].closed)
		opened.Close()
		assert.True(t, r.tabs[0].closed)
		assert.Equal(t, []string{"https://a.example/x"}, limiter.calls)
	})

	t.Run("invalid url", func(t *testing.T) {
		s := NewService(&fakeRenderer{}, nil, nil, slog.Default())
		_, err := s.Open(ctx, "ftp://a.example/x", "")
		assert.ErrorIs(t, err, ErrInvalidURL)
	})

	t.Run("error status closes the tab", func(t *testing.T) {
		r := &fakeRenderer{}
		s := NewService(r, nil, nil, slog.Default())
		_, err := s.Open(ctx, "https://a.example/missing", "")
		assert.ErrorIs(t, err, ErrHTTPStatus)
		assert.True(t, r.tabs[0].closed)
	})

	t.Run("auth wall without credential", func(t *testing.T) {
		r := &fakeRenderer{pages: map[string]response{"https://a.example/login": {html: loginHTML, status: 200}}}
		s := NewService(r, nil, nil, slog.Default())
		_, err := s.Open(ctx, "https://a.example/login", "")
		assert.ErrorIs(t, err, auth.ErrAuthWall)
	})

	t.Run("auth wall recovers once", func(t *testing.T) {
		url := "https://portal.example/reserved/price-list"
		r := &fakeRenderer{pages: map[string]response{url: {html: loginHTML, status: 200}}}
		m := &MockAuth{}
		m.On("EnsureLogin", mock.Anything, "cred-1", mock.Anything).Return(nil).Once()
		m.On("Recover", mock.Anything, "cred-1", mock.Anything, url).Return(categoryHTML, nil).Once()
		s := NewService(r, m, nil, slog.Default())

		opened, err := s.Open(ctx, url, "cred-1")
		require.NoError(t, err)
		defer opened.Close()
		assert.Equal(t, categoryHTML, opened.HTML)
		m.AssertExpectations(t)
	})

	t.Run("failed recovery surfaces the auth error", func(t *testing.T) {
		url := "https://portal.example/reserved/x"
		r := &fakeRenderer{pages: map[string]response{url: {status: 403}}}
		m := &MockAuth{}
		m.On("EnsureLogin", mock.Anything, "cred-1", mock.Anything).Return(nil)
		m.On("Recover", mock.Anything, "cred-1", mock.Anything, url).Return("", auth.ErrAuthWall)
		s := NewService(r, m, nil, slog.Default())

		_, err := s.Open(ctx, url, "cred-1")
		assert.ErrorIs(t, err, auth.ErrAuthWall)
		assert.True(t, r.tabs[0].closed)
	})

	t.Run("forbidden without login form is a block", func(t *testing.T) {
		url := "https://a.example/blocked"
		r := &fakeRenderer{pages: map[string]response{url: {html: "<p>denied</p>", status: 403}}}
		s := NewService(r, nil, nil, slog.Default())
		_, err := s.Open(ctx, url, "")
		assert.ErrorIs(t, err, ErrBlocked)
	})

	t.Run("fetch closes its tab", func(t *testing.T) {
		r := &fakeRenderer{pages: map[string]response{"https://a.example/x": {html: categoryHTML, status: 200}}}
		s := NewService(r, nil, nil, slog.Default())
		html, err := s.Fetch(ctx, "https://a.example/x")
		require.NoError(t, err)
		assert.Equal(t, categoryHTML, html)
		assert.True(t, r.tabs[0].closed)
	})

	t.Run("limiter learns from responses", func(t *testing.T) {
		r := &fakeRenderer{pages: map[string]response{
			"https://a.example/x":     {html: categoryHTML, status: 200},
			"https://a.example/busy":  {status: 429},
			"https://a.example/gone":  {status: 404},
			"https://a.example/block": {html: "<p>denied</p>", status: 403},
		}}
		limiter := &adaptiveLimiter{}
		s := NewService(r, nil, limiter, slog.Default())

		opened, err := s.Open(ctx, "https://a.example/x", "")
		require.NoError(t, err)
		opened.Close()
		for _, u := range []string{"https://a.example/busy", "https://a.example/gone", "https://a.example/block"} {
			_, err := s.Open(ctx, u, "")
			require.Error(t, err)
		}

		assert.Equal(t, 1, limiter.ok)
		assert.Equal(t, 2, limiter.failed, "a 404 is not push-back")
		assert.Len(t, limiter.calls, 4)
	})

	t.Run("render error", func(t *testing.T) {
		r := &fakeRenderer{pages: map[string]response{"https://a.example/x": {err: errors.New("timeout")}}}
		s := NewService(r, nil, nil, slog.Default())
		_, err := s.Open(ctx, "https://a.example/x", "")
		assert.EqualError(t, err, "timeout")
	})
}

func fastScroll() interact.Options {
	opts := interact.DefaultOptions()
	opts.SettleDelay, opts.ClickDelay, opts.RecheckDelay = 0, 0, 0
	return opts
}

func TestCategoryCrawler(t *testing.T) {
	url := "https://a.example/en/category/lamps/"
	r := &fakeRenderer{pages: map[string]response{url: {html: categoryHTML, status: 200}}}
	c := NewCategoryCrawler(NewService(r, nil, nil, slog.Default()), fastScroll(), slog.Default())

	listing, err := c.List(context.Background(), url, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example/en/product/arco/", "https://a.example/en/product/toio/"}, listing.Result.ProductURLs())
	assert.Equal(t, []string{"https://a.example/en/category/lamps/floor/", "https://a.example/en/category/lamps/table/"}, listing.Result.SubcategoryURLs)
	assert.Equal(t, interact.StopNoGrowth, listing.Scroll.Reason)
	assert.True(t, r.tabs[0].closed)
}

type stubEnricher struct{ calls int }

func (s *stubEnricher) EnrichPage(_ context.Context, opened *enrich.OpenedPage, rawURL string, _ enrich.Options) *models.EnrichedProduct {
	s.calls++
	return &models.EnrichedProduct{URL: rawURL, Name: "Arco"}
}

type stubScanner struct{ req structure.ScanRequest }

func (s *stubScanner) Scan(_ context.Context, req structure.ScanRequest) ([]*models.TaxonomyNode, error) {
	s.req = req
	return []*models.TaxonomyNode{{Name: "Floor", URL: "https://a.example/en/category/lamps/floor/", Kind: models.NodeCategory}}, nil
}

type recordingSaver struct {
	domain string
	deep   bool
	saved  int
}

func (r *recordingSaver) Save(_ context.Context, domain string, roots []*models.TaxonomyNode, deep bool) error {
	r.domain, r.deep, r.saved = domain, deep, len(roots)
	return nil
}

func TestAnalyzer(t *testing.T) {
	catURL := "https://www.a.example/en/category/lamps/"
	prodURL := "https://www.a.example/en/product/arco/"
	r := &fakeRenderer{pages: map[string]response{
		catURL:  {html: categoryHTML, status: 200},
		prodURL: {html: productHTML, status: 200},
	}}
	svc := NewService(r, nil, nil, slog.Default())

	t.Run("category page yields listing and taxonomy", func(t *testing.T) {
		scanner, saver, enricher := &stubScanner{}, &recordingSaver{}, &stubEnricher{}
		a := NewAnalyzer(svc, enricher, scanner, saver, fastScroll(), slog.Default())

		got, err := a.Analyze(context.Background(), catURL, AnalyzeOptions{Deep: true})
		require.NoError(t, err)
		assert.Equal(t, models.PageKindCategory, got.Kind)
		require.NotNil(t, got.Listing)
		assert.Nil(t, got.Product)
		assert.Len(t, got.Listing.Products, 2)
		assert.Len(t, got.Taxonomy, 1)
		assert.Equal(t, "a.example", scanner.req.Domain)
		assert.True(t, scanner.req.Deep)
		assert.Equal(t, "a.example", saver.domain)
		assert.True(t, saver.deep)
		assert.Zero(t, enricher.calls)
	})

	t.Run("product page yields product", func(t *testing.T) {
		enricher := &stubEnricher{}
		a := NewAnalyzer(svc, enricher, &stubScanner{}, nil, fastScroll(), slog.Default())

		got, err := a.Analyze(context.Background(), prodURL, AnalyzeOptions{})
		require.NoError(t, err)
		assert.Equal(t, models.PageKindProduct, got.Kind)
		require.NotNil(t, got.Product)
		assert.Nil(t, got.Listing)
		assert.Equal(t, 1, enricher.calls)
	})
}

func TestListingKind(t *testing.T) {
	tests := []struct {
		name string
		html string
		want models.PageKind
	}{
		{"hub", categoryHTML, models.PageKindCategory},
		{"flat list", `<a href="/product/a">A</a><a href="/product/b">B</a>`, models.PageKindProductList},
		{"empty", `<p>hello</p>`, models.PageKindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := harvest.Harvest(tt.html, "https://a.example/en/category/lamps/")
			assert.Equal(t, tt.want, ListingKind(h))
		})
	}
}

func TestIsProductPage(t *testing.T) {
	tests := []struct {
		name, html, url string
		want            bool
	}{
		{"og type", productHTML, "https://a.example/x", true},
		{"json-ld", `<script type="application/ld+json">{"@type": "Product", "name": "A"}</script>`, "https://a.example/x", true},
		{"product path", `<h1>A</h1>`, "https://a.example/product/a", true},
		{"listing under product path", `<a href="/product/a">A</a><a href="/product/b">B</a>`, "https://a.example/product/", false},
		{"category", categoryHTML, "https://a.example/en/category/lamps/", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsProductPage(tt.html, tt.url, harvest.Harvest(tt.html, tt.url)))
		})
	}
}
