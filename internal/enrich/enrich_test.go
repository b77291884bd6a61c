package enrich

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/catalog-enricher/internal/browser"
	"github.com/maltedev/catalog-enricher/internal/interact"
	"github.com/maltedev/catalog-enricher/internal/models"
)

const productPage = `<html><head>
<title>Arco Floor Lamp | Lumina</title>
<meta property="og:title" content="Arco (og)">
<meta name="description" content="Meta description">
<meta property="og:image" content="/img/og.jpg">
<script type="application/ld+json">
{"@context":"https://schema.org","@graph":[
 {"@type":"Product","name":"Arco","sku":"AR-100","description":"An arched floor lamp.","image":["/img/arco-1.jpg","/img/arco-2.jpg"],
  "additionalProperty":[{"name":"Material","value":"Marble"}]},
 {"@type":"BreadcrumbList","itemListElement":[
  {"position":2,"name":"Floor"},{"position":1,"name":"Home"},{"position":3,"name":"Arco"}]}
]}
</script>
</head><body>
<h1>Arco Floor Lamp</h1>
<p>Ref. AR-100X</p>
<div class="gallery"><img src="/img/arco-2.jpg"><img src="/img/arco-3.jpg"></div>
<a href="/downloads/arco-datasheet.pdf">Datasheet</a>
<a href="/downloads/arco.dwg">CAD drawing</a>
<table class="specs"><tr><th>Material</th><td>Carrara marble</td></tr><tr><th>Height</th><td>240 cm</td></tr></table>
<h3>Required accessories</h3>
<ul><li><a href="/product/arco-bulb">Arco bulb</a></li></ul>
</body></html>`

const bareProductPage = `<html><head><meta property="og:image" content="https://cdn.example.com/x.jpg"></head>
<body><h1>Plain Chair</h1>
<nav aria-label="breadcrumb"><a href="/">Home</a><a href="/seating">Seating</a><a href="#">Plain Chair</a></nav>
<p>SKU: PC-9</p></body></html>`

type fakePage struct {
	html  string
	url   string
	gotos []string
}

func (p *fakePage) Evaluate(string, ...interface{}) (interface{}, error) { return float64(0), nil }
func (p *fakePage) Content() (string, error)                            { return p.html, nil }
func (p *fakePage) URL() string                                         { return p.url }
func (p *fakePage) Goto(url string, _ ...playwright.PageGotoOptions) (playwright.Response, error) {
	p.gotos = append(p.gotos, url)
	p.url = url
	return nil, nil
}

type fakeOpener struct {
	pages  map[string]string
	err    error
	closed int
}

func (o *fakeOpener) Open(_ context.Context, rawURL, _ string) (*OpenedPage, error) {
	if o.err != nil {
		return nil, o.err
	}
	html, ok := o.pages[rawURL]
	if !ok {
		return nil, errors.New("404")
	}
	return &OpenedPage{
		Page:     &fakePage{html: html, url: rawURL},
		HTML:     html,
		FinalURL: rawURL,
		Close:    func() { o.closed++ },
	}, nil
}

type fixedHandler struct {
	fields *Fields
	err    error
}

func (h fixedHandler) Name() string             { return "fixed" }
func (h fixedHandler) Matches(host string) bool { return host == "lumina.example" }
func (h fixedHandler) Extract(context.Context, *goquery.Document, string) (*Fields, error) {
	return h.fields, h.err
}

func newEnricher(opener Opener, registry *Registry) *Enricher {
	return NewEnricher(opener, registry, nil, nil, interact.Options{}, slog.Default())
}

func TestEnrich_Precedence(t *testing.T) {
	url := "https://lumina.example/product/arco"
	opener := &fakeOpener{pages: map[string]string{url: productPage}}

	t.Run("structured data beats heuristics", func(t *testing.T) {
		p := newEnricher(opener, nil).Enrich(context.Background(), url, Options{})

		require.False(t, p.IsFailed(), p.Error)
		assert.Equal(t, "Arco", p.Name)
		assert.Equal(t, "AR-100", p.Code)
		assert.Equal(t, "An arched floor lamp.", p.Description)
		assert.Equal(t, []string{"Floor"}, p.CategoryPath)
		assert.Equal(t, "https://lumina.example/img/arco-1.jpg", p.HeroImage)
		assert.Equal(t, []string{
			"https://lumina.example/img/arco-1.jpg",
			"https://lumina.example/img/arco-2.jpg",
			"https://lumina.example/img/arco-3.jpg",
		}, p.Gallery)
		assert.Equal(t, "Marble", p.Features["Material"])
		assert.Equal(t, "240 cm", p.Features["Height"])
		require.Len(t, p.Files, 2)
		assert.Equal(t, "pdf", p.Files[0].Format)
		assert.Equal(t, "Datasheet", p.Files[0].Name)
		assert.Equal(t, "cad", p.Files[1].Format)
		require.Len(t, p.Associated, 1)
		assert.Equal(t, "https://lumina.example/product/arco-bulb", p.Associated[0].URL)
		assert.True(t, p.Associated[0].Required)
		assert.Equal(t, []string{"https://lumina.example/product/arco-bulb"}, p.DiscoveredLinks)
		assert.Empty(t, p.Variants)
	})

	t.Run("brand override beats structured data", func(t *testing.T) {
		reg := NewRegistry(fixedHandler{fields: &Fields{
			Code:  "LUM-ARCO",
			Files: []models.NamedFile{{Name: "Sheet", URL: "https://lumina.example/downloads/arco-datasheet.pdf"}},
		}})
		p := newEnricher(opener, reg).Enrich(context.Background(), url, Options{})

		require.False(t, p.IsFailed())
		assert.Equal(t, "LUM-ARCO", p.Code)
		assert.Equal(t, "Arco", p.Name)
		require.Len(t, p.Files, 2)
		assert.Equal(t, "Sheet", p.Files[0].Name)
	})

	t.Run("failing override falls through", func(t *testing.T) {
		reg := NewRegistry(fixedHandler{err: errors.New("no match")})
		p := newEnricher(opener, reg).Enrich(context.Background(), url, Options{})
		assert.Equal(t, "AR-100", p.Code)
	})
}

func TestEnrich_HeuristicsOnly(t *testing.T) {
	url := "https://chairs.example/product/plain"
	p := newEnricher(&fakeOpener{pages: map[string]string{url: bareProductPage}}, nil).
		Enrich(context.Background(), url, Options{})

	require.False(t, p.IsFailed(), p.Error)
	assert.Equal(t, "Plain Chair", p.Name)
	assert.Equal(t, "PC-9", p.Code)
	assert.Equal(t, []string{"Seating"}, p.CategoryPath)
	assert.Equal(t, "https://cdn.example.com/x.jpg", p.HeroImage)
}

func TestEnrich_Failures(t *testing.T) {
	t.Run("open error yields sentinel", func(t *testing.T) {
		p := newEnricher(&fakeOpener{err: errors.New("auth wall")}, nil).
			Enrich(context.Background(), "https://x.example/p", Options{})
		assert.True(t, p.IsFailed())
		assert.Equal(t, models.FailedProductName, p.Name)
		assert.Contains(t, p.Error, "auth wall")
	})

	t.Run("page without a name", func(t *testing.T) {
		url := "https://x.example/product/empty"
		opener := &fakeOpener{pages: map[string]string{url: "<html><body><p>nothing</p></body></html>"}}
		p := newEnricher(opener, nil).Enrich(context.Background(), url, Options{})
		assert.True(t, p.IsFailed())
		assert.Equal(t, 1, opener.closed)
	})
}

func TestFileFormat(t *testing.T) {
	tests := []struct {
		url, label, want string
	}{
		{"https://x.example/a.pdf", "", "pdf"},
		{"https://x.example/a.dwg?v=2", "", "cad"},
		{"https://x.example/download?id=4", "Scheda tecnica", "pdf"},
		{"https://x.example/download?id=5", "Revit family", "bim"},
		{"https://x.example/download?id=6", "Misc", "other"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, FileFormat(tt.url, tt.label))
		})
	}
}

func TestDomainMatcher(t *testing.T) {
	m, err := NewDomainMatcher("lumina.example", "*.flos.example")
	require.NoError(t, err)

	assert.True(t, m.Matches("lumina.example"))
	assert.True(t, m.Matches("www.lumina.example"))
	assert.True(t, m.Matches("shop.flos.example"))
	assert.False(t, m.Matches("flos.example.evil.com"))
	assert.False(t, m.Matches("other.example"))
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brands.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
brands:
  - name: lumina
    domains: ["lumina.example"]
    selectors:
      name: ".product-title"
      code: ".code"
      files: "a.download"
`), 0o644))

	handlers, err := LoadProfiles(path)
	require.NoError(t, err)
	require.Len(t, handlers, 1)

	reg := NewRegistry()
	reg.Register(handlers[0])
	h := reg.Match("https://www.lumina.example/product/x")
	require.NotNil(t, h)
	assert.Nil(t, reg.Match("https://other.example/product/x"))

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(
		`<div class="product-title"> Arco </div><span class="code">L-1</span><a class="download" href="/f/sheet.pdf">Sheet</a>`))
	require.NoError(t, err)
	f, err := h.Extract(context.Background(), doc, "https://www.lumina.example/product/x")
	require.NoError(t, err)
	assert.Equal(t, "Arco", f.Name)
	assert.Equal(t, "L-1", f.Code)
	require.Len(t, f.Files, 1)
	assert.Equal(t, "https://www.lumina.example/f/sheet.pdf", f.Files[0].URL)

	t.Run("unknown keys are rejected", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("brands:\n  - name: x\n    domain: [a]\n"), 0o644))
		_, err := LoadProfiles(bad)
		assert.Error(t, err)
	})
}

type stubCookies struct{}

func (stubCookies) Cookies(browser.Page, string) ([]*http.Cookie, error) {
	return []*http.Cookie{{Name: "session", Value: "abc"}}, nil
}

type stubReauth struct {
	invalidated, logins int
	onLogin             func()
}

func (s *stubReauth) Invalidate(string) { s.invalidated++ }
func (s *stubReauth) EnsureLogin(context.Context, string, browser.Page) error {
	s.logins++
	if s.onLogin != nil {
		s.onLogin()
	}
	return nil
}

func TestDownloader(t *testing.T) {
	var authorized atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err != nil || c.Value != "abc" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/files/open.pdf":
			w.Write([]byte("%PDF open"))
		case "/files/locked.pdf":
			if !authorized.Load() {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Write([]byte("%PDF locked"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	reauth := &stubReauth{onLogin: func() { authorized.Store(true) }}
	d := NewDownloader(dir, stubCookies{}, reauth, 0, slog.Default())
	page := &fakePage{url: srv.URL + "/product/x"}

	files := []models.NamedFile{
		{Name: "Open", URL: srv.URL + "/files/open.pdf", Format: "pdf"},
		{Name: "Locked", URL: srv.URL + "/files/locked.pdf", Format: "pdf"},
		{Name: "Missing", URL: srv.URL + "/files/missing.pdf", Format: "pdf"},
	}
	got := d.DownloadAll(context.Background(), page, "job-1", "cred-1", files)

	require.Len(t, got, 3)
	assert.Equal(t, filepath.Join(dir, "job-1", LocalFileName(files[0])), got[0].LocalPath)
	assert.Equal(t, filepath.Join(dir, "job-1", LocalFileName(files[1])), got[1].LocalPath)
	assert.Empty(t, got[2].LocalPath)
	assert.Equal(t, 1, reauth.invalidated)
	assert.Equal(t, 1, reauth.logins)
	assert.Empty(t, files[0].LocalPath, "input slice is not mutated")

	body, err := os.ReadFile(got[1].LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF locked", string(body))
}

func TestLocalFileName(t *testing.T) {
	tests := []struct {
		name string
		file models.NamedFile
		stem string
		ext  string
	}{
		{"plain", models.NamedFile{URL: "https://x.example/a/Data Sheet.PDF"}, "Data-Sheet", ".pdf"},
		{"query stripped", models.NamedFile{URL: "https://x.example/a/arco.dwg?v=3"}, "arco", ".dwg"},
		{"format as extension", models.NamedFile{URL: "https://x.example/download", Format: "pdf"}, "download", ".pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LocalFileName(tt.file)
			assert.Equal(t, tt.stem+"-"+urlHash(tt.file.URL)+tt.ext, got)
			assert.Regexp(t, `^`+regexp.QuoteMeta(tt.stem)+`-[0-9a-f]{8}`+regexp.QuoteMeta(tt.ext)+`$`, got)
		})
	}

	t.Run("same basename under different paths", func(t *testing.T) {
		a := LocalFileName(models.NamedFile{URL: "https://x.example/arco/datasheet.pdf"})
		b := LocalFileName(models.NamedFile{URL: "https://x.example/bolla/datasheet.pdf"})
		assert.NotEqual(t, a, b)
		assert.True(t, strings.HasPrefix(a, "datasheet-"))
		assert.True(t, strings.HasPrefix(b, "datasheet-"))
	})

	t.Run("stable for the same url", func(t *testing.T) {
		f := models.NamedFile{URL: "https://x.example/arco/datasheet.pdf"}
		assert.Equal(t, LocalFileName(f), LocalFileName(f))
	})
}
