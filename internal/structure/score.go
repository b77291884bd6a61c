package structure

import (
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/cespare/xxhash/v2"

	"github.com/maltedev/catalog-enricher/internal/harvest"
)

const (
	goldenClusterBoost = 40.0
	keywordBoost       = 20.0
	negativePenalty    = -50.0
	proximityBoost     = 30.0
	lengthPenalty      = 0.1
)

var structuralKeywords = []string{
	"collection", "collezion", "series", "serie", "category", "categor", "kategorie", "range",
	"family", "famigli", "tipologi", "gamme", "products", "prodotti", "produkte", "produits",
}

var categoryKeywords = []string{
	"bathroom", "bagno", "kitchen", "cucina", "living", "bedroom", "outdoor", "shower", "doccia",
	"basin", "lavab", "sink", "faucet", "tap", "mixer", "rubinett", "toilet", "bathtub",
	"vasca", "furniture", "arred", "mobili", "lighting", "illuminazion", "lamp", "chair", "table",
	"sofa", "accessor", "armatur", "küche", "salle-de-bain", "cuisine",
}

var negativeKeywords = []string{
	"privacy", "cookie", "contact", "contatt", "career", "jobs", "lavora-con-noi", "press", "news",
	"blog", "login", "account", "cart", "terms", "legal", "imprint", "impressum", "newsletter",
	"about", "chi-siamo", "faq", "sitemap",
}

// Candidate is a same-site link considered for the site structure.
type Candidate struct {
	URL       string  `json:"url"`
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
	Cluster   bool    `json:"cluster,omitempty"`
	Demoted   bool    `json:"-"`
	Signature uint64  `json:"-"`
}

// CollectCandidates returns every same-site, non-asset anchor of doc.
func CollectCandidates(doc *goquery.Document, pageURL string) []Candidate {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	var out []Candidate
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		u, ok := harvest.Resolve(pageURL, href)
		if !ok || !harvest.SameSite(u.Host, base.Host) || harvest.AssetFormat(u.Path) != "" {
			return
		}
		out = append(out, Candidate{
			URL:       harvest.Canonical(u.String()),
			Text:      harvest.LinkText(s, u),
			Signature: parentSignature(s),
		})
	})
	return out
}

// parentSignature fingerprints the tag/class chain above an anchor so that
// siblings rendered by the same template share a signature.
func parentSignature(s *goquery.Selection) uint64 {
	var b strings.Builder
	n := s.Parent()
	for i := 0; i < 3 && n.Length() > 0; i++ {
		b.WriteString(goquery.NodeName(n))
		if cls, ok := n.Attr("class"); ok {
			b.WriteByte('.')
			b.WriteString(strings.Join(strings.Fields(cls), "."))
		}
		b.WriteByte('/')
		n = n.Parent()
	}
	return xxhash.Sum64String(b.String())
}

// Rank scores candidates relative to contextURL, deduplicates them by URL,
// drops demoted links that end up negative, and returns at most limit
// candidates sorted by score.
func Rank(cands []Candidate, contextURL string, limit int) []Candidate {
	clusters := map[uint64][]int{}
	for i := range cands {
		clusters[cands[i].Signature] = append(clusters[cands[i].Signature], i)
	}
	for _, members := range clusters {
		if len(members) < 2 {
			continue
		}
		golden := false
		for _, i := range members {
			if hasKeyword(cands[i], structuralKeywords) || hasKeyword(cands[i], categoryKeywords) {
				golden = true
				break
			}
		}
		if golden {
			for _, i := range members {
				cands[i].Cluster = true
			}
		}
	}

	contextPath := ""
	if u, err := url.Parse(contextURL); err == nil {
		contextPath = strings.TrimSuffix(u.Path, "/")
	}

	best := map[string]Candidate{}
	var order []string
	for _, c := range cands {
		c.Demoted = hasKeyword(c, negativeKeywords)
		c.Score = score(c, contextPath)
		prev, ok := best[c.URL]
		if !ok {
			order = append(order, c.URL)
		}
		if !ok || c.Score > prev.Score {
			if ok && prev.Text != "" && c.Text == "" {
				c.Text = prev.Text
			}
			best[c.URL] = c
		}
	}

	ranked := make([]Candidate, 0, len(best))
	for _, u := range order {
		c := best[u]
		if c.Demoted && c.Score < 0 {
			continue
		}
		ranked = append(ranked, c)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

func score(c Candidate, contextPath string) float64 {
	s := 0.0
	if c.Cluster {
		s += goldenClusterBoost
	}
	if hasKeyword(c, structuralKeywords) || hasKeyword(c, categoryKeywords) {
		s += keywordBoost
	}
	if c.Demoted {
		s += negativePenalty
	}
	if u, err := url.Parse(c.URL); err == nil {
		p := strings.TrimSuffix(u.Path, "/")
		if p != "" && p != contextPath && path.Dir(p) == orRoot(contextPath) {
			s += proximityBoost
		}
	}
	s -= float64(len(c.URL)) * lengthPenalty
	return s
}

func orRoot(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

func hasKeyword(c Candidate, keywords []string) bool {
	text := strings.ToLower(c.Text)
	link := strings.ToLower(c.URL)
	if u, err := url.Parse(c.URL); err == nil {
		link = strings.ToLower(u.Path)
	}
	for _, k := range keywords {
		if strings.Contains(text, k) || strings.Contains(link, k) {
			return true
		}
	}
	return false
}
