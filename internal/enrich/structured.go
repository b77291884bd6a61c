package enrich

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/catalog-enricher/internal/harvest"
)

// structuredFields reads schema.org Product and BreadcrumbList objects from
// the page's JSON-LD blocks. Unparseable blocks are skipped.
func structuredFields(doc *goquery.Document, pageURL string) *Fields {
	var nodes []map[string]any
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var raw any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &raw); err != nil {
			return
		}
		nodes = append(nodes, flattenLD(raw)...)
	})
	if len(nodes) == 0 {
		return nil
	}

	f := &Fields{}
	for _, n := range nodes {
		switch {
		case hasType(n, "Product") && f.Name == "":
			f.Name = str(n["name"])
			f.Description = str(n["description"])
			f.Code = firstNonEmpty(str(n["sku"]), str(n["mpn"]), str(n["productID"]))
			for _, img := range images(n["image"]) {
				if u, ok := harvest.Resolve(pageURL, img); ok {
					f.Gallery = append(f.Gallery, u.String())
				}
			}
			if len(f.Gallery) > 0 {
				f.HeroImage = f.Gallery[0]
			}
			f.Features = properties(n["additionalProperty"])
		case hasType(n, "BreadcrumbList") && len(f.CategoryPath) == 0:
			f.CategoryPath = breadcrumb(n["itemListElement"])
		}
	}
	return f
}

func flattenLD(v any) []map[string]any {
	switch t := v.(type) {
	case []any:
		var out []map[string]any
		for _, it := range t {
			out = append(out, flattenLD(it)...)
		}
		return out
	case map[string]any:
		out := []map[string]any{t}
		if g, ok := t["@graph"]; ok {
			out = append(out, flattenLD(g)...)
		}
		return out
	}
	return nil
}

func hasType(n map[string]any, want string) bool {
	switch t := n["@type"].(type) {
	case string:
		return strings.EqualFold(t, want)
	case []any:
		for _, it := range t {
			if s, ok := it.(string); ok && strings.EqualFold(s, want) {
				return true
			}
		}
	}
	return false
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

func images(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case map[string]any:
		if u := firstNonEmpty(str(t["url"]), str(t["contentUrl"])); u != "" {
			return []string{u}
		}
	case []any:
		var out []string
		for _, it := range t {
			out = append(out, images(it)...)
		}
		return out
	}
	return nil
}

func properties(v any) map[string]string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := map[string]string{}
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		name, value := str(m["name"]), str(m["value"])
		if name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}

func breadcrumb(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	type crumb struct {
		pos  float64
		name string
	}
	var crumbs []crumb
	for i, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		name := str(m["name"])
		if name == "" {
			if item, ok := m["item"].(map[string]any); ok {
				name = str(item["name"])
			}
		}
		if name == "" {
			continue
		}
		pos, ok := m["position"].(float64)
		if !ok {
			pos = float64(i + 1)
		}
		crumbs = append(crumbs, crumb{pos: pos, name: name})
	}
	sort.SliceStable(crumbs, func(i, j int) bool { return crumbs[i].pos < crumbs[j].pos })
	out := make([]string, 0, len(crumbs))
	for _, c := range crumbs {
		out = append(out, c.name)
	}
	return trimCrumbs(out)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
