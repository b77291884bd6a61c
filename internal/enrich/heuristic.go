package enrich

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/catalog-enricher/internal/harvest"
	"github.com/maltedev/catalog-enricher/internal/models"
)

var skuPattern = regexp.MustCompile(`(?i)\b(?:ref\.|sku|art\.|art\.?\s*nr\.?|cod\.|codice|code|item\s*(?:no\.?|#)|artikelnummer)\s*[:#]?\s*([A-Z0-9][A-Z0-9._/-]{2,30})`)

var homeCrumbs = map[string]bool{"home": true, "homepage": true, "start": true, "startseite": true, "accueil": true, "inicio": true}

const (
	breadcrumbSelector = `[itemtype*="BreadcrumbList"] [itemprop="name"], nav[aria-label*="readcrumb"] a, nav[aria-label*="readcrumb"] li, .breadcrumb a, .breadcrumbs a, .breadcrumb li, .woocommerce-breadcrumb a`
	gallerySelector    = `[itemprop="image"], [class*="gallery"] img, [class*="slider"] img, [class*="carousel"] img, .product img, .product-images img, picture img`
	featureSelector    = `[class*="spec"] tr, [class*="technical"] tr, [class*="features"] tr, table.shop_attributes tr, .woocommerce-product-attributes tr`
)

// heuristicFields reads generic page signals: meta tags, the first heading,
// SKU-like labels, DOM breadcrumbs, gallery images, document links and spec
// tables.
func heuristicFields(doc *goquery.Document, pageURL string, h *harvest.Result) *Fields {
	f := &Fields{}

	f.Name = firstNonEmpty(
		clean(doc.Find("h1").First().Text()),
		meta(doc, `meta[property="og:title"]`),
		clean(doc.Find("title").First().Text()),
	)
	f.Description = firstNonEmpty(
		meta(doc, `meta[property="og:description"]`),
		meta(doc, `meta[name="description"]`),
		clean(doc.Find(`[itemprop="description"], .product-description, .description`).First().Text()),
	)
	if m := skuPattern.FindStringSubmatch(doc.Find("body").Text()); m != nil {
		f.Code = strings.TrimRight(m[1], ".-/")
	}

	var crumbs []string
	doc.Find(breadcrumbSelector).Each(func(_ int, s *goquery.Selection) {
		t := clean(s.Text())
		if t != "" && len(t) < 80 && (len(crumbs) == 0 || crumbs[len(crumbs)-1] != t) {
			crumbs = append(crumbs, t)
		}
	})
	f.CategoryPath = trimCrumbs(crumbs)

	if og := meta(doc, `meta[property="og:image"]`); og != "" {
		if u, ok := harvest.Resolve(pageURL, og); ok {
			f.HeroImage = u.String()
		}
	}
	doc.Find(gallerySelector).Each(func(_ int, s *goquery.Selection) {
		for _, a := range []string{"data-zoom-image", "data-large_image", "data-src", "src", "content", "href"} {
			v, ok := s.Attr(a)
			if !ok || strings.HasPrefix(v, "data:") {
				continue
			}
			if u, ok := harvest.Resolve(pageURL, v); ok && harvest.IsImagePath(u.Path) {
				f.Gallery = append(f.Gallery, u.String())
				return
			}
		}
	})

	labels := map[string]string{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if u, ok := harvest.Resolve(pageURL, href); ok {
			if t := clean(s.Text()); t != "" {
				labels[harvest.Canonical(u.String())] = t
			}
		}
	})
	if h != nil {
		for _, a := range h.AssetURLs {
			label := labels[a]
			f.Files = append(f.Files, models.NamedFile{
				Name:   firstNonEmpty(label, fileName(a)),
				URL:    a,
				Format: FileFormat(a, label),
			})
		}
	}

	f.Features = map[string]string{}
	doc.Find(featureSelector).Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("th, td")
		if cells.Length() != 2 {
			return
		}
		k, v := clean(cells.Eq(0).Text()), clean(cells.Eq(1).Text())
		if k != "" && v != "" && len(k) < 80 {
			f.Features[strings.TrimSuffix(k, ":")] = v
		}
	})
	doc.Find(`[class*="spec"] dl, [class*="technical"] dl`).Each(func(_ int, dl *goquery.Selection) {
		dl.Find("dt").Each(func(_ int, dt *goquery.Selection) {
			k, v := clean(dt.Text()), clean(dt.NextFiltered("dd").Text())
			if k != "" && v != "" {
				f.Features[strings.TrimSuffix(k, ":")] = v
			}
		})
	})

	return f
}

func meta(doc *goquery.Document, sel string) string {
	v, _ := doc.Find(sel).First().Attr("content")
	return clean(v)
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func trimCrumbs(crumbs []string) []string {
	for len(crumbs) > 0 && homeCrumbs[strings.ToLower(crumbs[0])] {
		crumbs = crumbs[1:]
	}
	if len(crumbs) == 0 {
		return nil
	}
	return crumbs
}
