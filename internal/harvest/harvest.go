// Package harvest classifies the links of a rendered page into product,
// sub-category, asset and image buckets.
package harvest

import (
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	whatwgUrl "github.com/nlnwa/whatwg-url/url"

	"github.com/maltedev/catalog-enricher/internal/models"
)

var urlParser = whatwgUrl.NewParser(whatwgUrl.WithPercentEncodeSinglePercentSign())

// Result buckets are disjoint: a URL appears in at most one of them.
type Result struct {
	PageKind        models.PageKind     `json:"page_kind"`
	SubcategoryURLs []string            `json:"subcategory_urls"`
	Products        []models.ProductRef `json:"product_urls"`
	AssetURLs       []string            `json:"asset_urls"`
	ImageURLs       []string            `json:"image_urls"`
}

func (r *Result) ProductURLs() []string {
	urls := make([]string, 0, len(r.Products))
	for _, p := range r.Products {
		urls = append(urls, p.URL)
	}
	return urls
}

// Listing converts the result into the listing payload of a PageAnalysis.
func (r *Result) Listing() *models.Listing {
	return &models.Listing{
		SubcategoryURLs: r.SubcategoryURLs,
		Products:        r.Products,
		AssetURLs:       r.AssetURLs,
		ImageURLs:       r.ImageURLs,
	}
}

func emptyResult() *Result {
	return &Result{
		PageKind:        models.PageKindUnknown,
		SubcategoryURLs: []string{},
		Products:        []models.ProductRef{},
		AssetURLs:       []string{},
		ImageURLs:       []string{},
	}
}

type collector struct {
	res      *Result
	seen     map[string]bool
	products map[string]int
}

func (c *collector) add(bucket *[]string, u string) {
	if c.seen[u] {
		return
	}
	c.seen[u] = true
	*bucket = append(*bucket, u)
}

func (c *collector) addProduct(u, name string) {
	if i, ok := c.products[u]; ok {
		if c.res.Products[i].Name == "" {
			c.res.Products[i].Name = name
		}
		return
	}
	if c.seen[u] {
		return
	}
	c.seen[u] = true
	c.products[u] = len(c.res.Products)
	c.res.Products = append(c.res.Products, models.ProductRef{URL: u, Name: name})
}

// Harvest classifies every link of html rendered from pageURL. It never
// panics; on internal failure it returns empty buckets.
func Harvest(html, pageURL string) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			res = emptyResult()
		}
	}()

	res = emptyResult()
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return res
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return res
	}

	c := &collector{res: res, seen: map[string]bool{}, products: map[string]int{}}
	self := canonical(base)
	c.seen[self] = true

	pageLocale := LocalePrefix(base.Path)
	pagePath := withSlash(base.Path)

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		u, ok := Resolve(pageURL, href)
		if !ok {
			return
		}
		abs := canonical(u)

		if AssetFormat(u.Path) != "" {
			c.add(&res.AssetURLs, abs)
			return
		}
		if !SameSite(u.Host, base.Host) || IsDisallowedPath(u.Path) {
			return
		}
		if IsImagePath(u.Path) {
			c.add(&res.ImageURLs, abs)
			return
		}

		switch {
		case IsProductPath(u.Path):
			c.addProduct(abs, LinkText(s, u))
		case IsCategoryPath(u.Path):
			c.add(&res.SubcategoryURLs, abs)
		default:
			if pageLocale != "" && LocalePrefix(u.Path) != pageLocale {
				return
			}
			// Unmarked links directly below the current page are sub-branches.
			linkPath := withSlash(u.Path)
			if pagePath != "/" && strings.HasPrefix(linkPath, pagePath) && linkPath != pagePath {
				c.add(&res.SubcategoryURLs, abs)
			}
		}
	})

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"src", "data-src", "data-lazy-src"} {
			src, ok := s.Attr(attr)
			if !ok || strings.HasPrefix(strings.TrimSpace(src), "data:") {
				continue
			}
			if u, ok := Resolve(pageURL, src); ok {
				c.add(&res.ImageURLs, canonical(u))
			}
			break
		}
	})

	for _, raw := range rawAssetLink.FindAllString(html, -1) {
		if u, ok := Resolve(pageURL, raw); ok && AssetFormat(u.Path) != "" {
			c.add(&res.AssetURLs, canonical(u))
		}
	}

	if len(res.Products) > 0 {
		res.PageKind = models.PageKindCategory
	}
	return res
}

// Resolve turns href into an absolute http(s) URL relative to pageURL.
// Fragment-only, script and mail links are rejected.
func Resolve(pageURL, href string) (*url.URL, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return nil, false
	}
	lower := strings.ToLower(href)
	for _, scheme := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, scheme) {
			return nil, false
		}
	}
	parsed, err := urlParser.ParseRef(pageURL, href)
	if err != nil {
		return nil, false
	}
	u, err := url.Parse(parsed.Href(true))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, false
	}
	u.Fragment = ""
	return u, true
}

// SameSite compares hosts ignoring a leading "www.".
func SameSite(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(strings.ToLower(a), "www."), strings.TrimPrefix(strings.ToLower(b), "www."))
}

func canonical(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.Host = strings.ToLower(c.Host)
	return c.String()
}

// Canonical normalizes a raw URL the way harvested URLs are keyed.
func Canonical(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}
	return canonical(u)
}

// LinkText returns a best-effort display name for an anchor.
func LinkText(s *goquery.Selection, u *url.URL) string {
	text := strings.Join(strings.Fields(s.Text()), " ")
	if text != "" {
		return text
	}
	if title, ok := s.Attr("title"); ok && strings.TrimSpace(title) != "" {
		return strings.TrimSpace(title)
	}
	if alt, ok := s.Find("img[alt]").First().Attr("alt"); ok && strings.TrimSpace(alt) != "" {
		return strings.TrimSpace(alt)
	}
	return humanize(path.Base(strings.TrimSuffix(u.Path, "/")))
}

func humanize(slug string) string {
	if slug == "." || slug == "/" {
		return ""
	}
	slug = strings.NewReplacer("-", " ", "_", " ").Replace(slug)
	return strings.TrimSpace(slug)
}
