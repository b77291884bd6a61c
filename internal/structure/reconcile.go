package structure

import (
	"net/url"
	"path"
	"strings"

	"github.com/maltedev/catalog-enricher/internal/harvest"
	"github.com/maltedev/catalog-enricher/internal/models"
)

// Reconcile checks an inferred tree against the links that really exist on
// the page. Nodes pointing at unknown URLs are dropped (their valid children
// move up), duplicates are removed, and harvested sub-categories and products
// the tree missed are appended as leaves.
func Reconcile(inferred []*models.TaxonomyNode, groundTruth []Candidate, h *harvest.Result) []*models.TaxonomyNode {
	allowed := map[string]bool{}
	for _, c := range groundTruth {
		allowed[c.URL] = true
	}
	if h != nil {
		for _, u := range h.SubcategoryURLs {
			allowed[u] = true
		}
		for _, p := range h.Products {
			allowed[p.URL] = true
		}
	}

	placed := map[string]bool{}
	roots := sanitize(inferred, allowed, placed)

	if h == nil {
		return roots
	}
	for _, u := range h.SubcategoryURLs {
		if placed[u] {
			continue
		}
		placed[u] = true
		roots = append(roots, &models.TaxonomyNode{Name: nameFromURL(u), URL: u, Kind: models.NodeCategory})
	}
	for _, p := range h.Products {
		if placed[p.URL] {
			continue
		}
		placed[p.URL] = true
		name := p.Name
		if name == "" {
			name = nameFromURL(p.URL)
		}
		roots = append(roots, &models.TaxonomyNode{Name: name, URL: p.URL, Kind: models.NodeProductFamily})
	}
	return roots
}

func sanitize(nodes []*models.TaxonomyNode, allowed, placed map[string]bool) []*models.TaxonomyNode {
	var out []*models.TaxonomyNode
	for _, n := range nodes {
		if n == nil {
			continue
		}
		children := sanitize(n.Children, allowed, placed)
		if n.URL != "" {
			u := harvest.Canonical(n.URL)
			if !allowed[u] || placed[u] {
				out = append(out, children...)
				continue
			}
			placed[u] = true
			n.URL = u
		} else if len(children) == 0 {
			continue
		}
		n.Children = children
		n.Kind = normalizeKind(n.Kind)
		n.Name = strings.TrimSpace(n.Name)
		if n.Name == "" {
			n.Name = nameFromURL(n.URL)
		}
		out = append(out, n)
	}
	return out
}

func normalizeKind(k models.NodeKind) models.NodeKind {
	switch k {
	case models.NodeCategory, models.NodeCollection, models.NodeVariant,
		models.NodeProductFamily, models.NodeCategoryLeaf, models.NodeFacet:
		return k
	}
	return models.NodeCategory
}

func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	base := path.Base(strings.TrimSuffix(u.Path, "/"))
	if base == "." || base == "/" || base == "" {
		return u.Host
	}
	return strings.TrimSpace(strings.NewReplacer("-", " ", "_", " ").Replace(base))
}
