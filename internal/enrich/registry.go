package enrich

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/maltedev/catalog-enricher/internal/harvest"
	"github.com/maltedev/catalog-enricher/internal/models"
)

// BrandHandler extracts fields for the sites of one brand. Its results
// take precedence over structured data and heuristics.
type BrandHandler interface {
	Name() string
	Matches(host string) bool
	Extract(ctx context.Context, doc *goquery.Document, pageURL string) (*Fields, error)
}

// Registry dispatches pages to brand handlers by host.
type Registry struct {
	mu       sync.RWMutex
	handlers []BrandHandler
}

func NewRegistry(handlers ...BrandHandler) *Registry {
	return &Registry{handlers: handlers}
}

func (r *Registry) Register(h BrandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Match returns the first handler whose domain predicate accepts rawURL.
func (r *Registry) Match(rawURL string) BrandHandler {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if h.Matches(host) {
			return h
		}
	}
	return nil
}

// DomainMatcher is a host predicate built from glob patterns such as
// "*.example.com". A bare domain also matches its www host.
type DomainMatcher struct {
	globs []glob.Glob
}

func NewDomainMatcher(patterns ...string) (*DomainMatcher, error) {
	m := &DomainMatcher{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid domain pattern %q: %w", p, err)
		}
		m.globs = append(m.globs, g)
		if !strings.HasPrefix(p, "*") && !strings.HasPrefix(p, "www.") {
			m.globs = append(m.globs, glob.MustCompile("www."+p, '.'))
		}
	}
	return m, nil
}

func (m *DomainMatcher) Matches(host string) bool {
	host = strings.ToLower(host)
	for _, g := range m.globs {
		if g.Match(host) {
			return true
		}
	}
	return false
}

// Selectors maps product fields to CSS selectors on a brand's pages.
type Selectors struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Code        string `yaml:"code"`
	Breadcrumb  string `yaml:"breadcrumb"`
	HeroImage   string `yaml:"hero_image"`
	Gallery     string `yaml:"gallery"`
	Files       string `yaml:"files"`
	Features    string `yaml:"features"`
}

type Profile struct {
	Name      string    `yaml:"name"`
	Domains   []string  `yaml:"domains"`
	Selectors Selectors `yaml:"selectors"`
}

type profileFile struct {
	Brands []Profile `yaml:"brands"`
}

// ProfileHandler is a BrandHandler driven by a selector profile.
type ProfileHandler struct {
	profile Profile
	matcher *DomainMatcher
}

func NewProfileHandler(p Profile) (*ProfileHandler, error) {
	if len(p.Domains) == 0 {
		return nil, fmt.Errorf("brand profile %q has no domains", p.Name)
	}
	m, err := NewDomainMatcher(p.Domains...)
	if err != nil {
		return nil, err
	}
	return &ProfileHandler{profile: p, matcher: m}, nil
}

// LoadProfiles reads brand selector profiles from a YAML file.
func LoadProfiles(path string) ([]*ProfileHandler, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open brand profiles: %w", err)
	}
	defer f.Close()

	var pf profileFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("decode brand profiles: %w", err)
	}

	handlers := make([]*ProfileHandler, 0, len(pf.Brands))
	for _, p := range pf.Brands {
		h, err := NewProfileHandler(p)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, h)
	}
	return handlers, nil
}

func (h *ProfileHandler) Name() string { return h.profile.Name }

func (h *ProfileHandler) Matches(host string) bool { return h.matcher.Matches(host) }

func (h *ProfileHandler) Extract(_ context.Context, doc *goquery.Document, pageURL string) (*Fields, error) {
	s := h.profile.Selectors
	f := &Fields{}
	text := func(sel string) string {
		if sel == "" {
			return ""
		}
		return clean(doc.Find(sel).First().Text())
	}
	resolve := func(sel *goquery.Selection) string {
		for _, a := range []string{"href", "data-src", "src", "content"} {
			if v, ok := sel.Attr(a); ok {
				if u, ok := harvest.Resolve(pageURL, v); ok {
					return u.String()
				}
			}
		}
		return ""
	}

	f.Name = text(s.Name)
	f.Description = text(s.Description)
	f.Code = text(s.Code)
	if s.Breadcrumb != "" {
		doc.Find(s.Breadcrumb).Each(func(_ int, sel *goquery.Selection) {
			if t := clean(sel.Text()); t != "" {
				f.CategoryPath = append(f.CategoryPath, t)
			}
		})
		f.CategoryPath = trimCrumbs(f.CategoryPath)
	}
	if s.HeroImage != "" {
		f.HeroImage = resolve(doc.Find(s.HeroImage).First())
	}
	if s.Gallery != "" {
		doc.Find(s.Gallery).Each(func(_ int, sel *goquery.Selection) {
			if u := resolve(sel); u != "" {
				f.Gallery = append(f.Gallery, u)
			}
		})
	}
	if s.Files != "" {
		doc.Find(s.Files).Each(func(_ int, sel *goquery.Selection) {
			u := resolve(sel)
			if u == "" {
				return
			}
			label := clean(sel.Text())
			f.Files = append(f.Files, models.NamedFile{Name: firstNonEmpty(label, fileName(u)), URL: u, Format: FileFormat(u, label)})
		})
	}
	if s.Features != "" {
		f.Features = map[string]string{}
		doc.Find(s.Features).Each(func(_ int, row *goquery.Selection) {
			cells := row.Children()
			if cells.Length() < 2 {
				return
			}
			k, v := clean(cells.Eq(0).Text()), clean(cells.Eq(1).Text())
			if k != "" && v != "" {
				f.Features[strings.TrimSuffix(k, ":")] = v
			}
		})
	}

	if f.Name == "" && f.Code == "" && len(f.Files) == 0 && len(f.Gallery) == 0 {
		return nil, fmt.Errorf("brand profile %s matched no selectors", h.profile.Name)
	}
	return f, nil
}
