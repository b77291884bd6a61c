package variant

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/catalog-enricher/internal/harvest"
	"github.com/maltedev/catalog-enricher/internal/models"
)

var requiredKeywords = []string{
	"required", "necessary", "needed", "mandatory", "you will also need", "to be ordered separately",
	"necessari", "necessario", "obbligatori", "indispensabil", "da ordinare separatamente",
	"erforderlich", "benötigt", "notwendig", "zwingend",
	"nécessaire", "obligatoire", "requis",
	"necesario", "obligatorio", "requerido",
}

var optionalKeywords = []string{
	"related", "recommended", "you may also like", "similar", "also bought", "complete the look",
	"correlati", "consigliati", "potrebbe interessarti", "simili",
	"ähnlich", "empfohlen", "zubehör passend",
	"similaires", "recommandés", "vous aimerez",
	"relacionados", "recomendados",
}

const headerSelector = `h1, h2, h3, h4, h5, h6, legend, label, strong, dt, summary, .title, .section-title, [class*="heading"]`

const requiredContainers = `.required-accessories, .required-products, .mandatory-accessories, .accessori-necessari, .componenti-necessari, .product-components, [data-required-products], .needed-items`

const optionalContainers = `.related, .related-products, .upsell, .upsells, .cross-sell, .crosssell, .recommended, .recommendations, [class*="related"], [class*="recommend"]`

// ExtractAssociated finds companion products that a page marks as required.
// Sections titled as related or recommended items are ignored. It never
// fails; unexpected errors give an empty list.
func ExtractAssociated(html, pageURL string) (links []models.AssociatedProduct) {
	links = []models.AssociatedProduct{}
	defer func() {
		if r := recover(); r != nil {
			links = []models.AssociatedProduct{}
		}
	}()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return links
	}

	self := harvest.Canonical(pageURL)
	seen := map[string]bool{self: true}
	collect := func(scope *goquery.Selection) int {
		added := 0
		scope.Find("a[href]").AddSelection(scope.Filter("a[href]")).Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			u, ok := harvest.Resolve(pageURL, href)
			if !ok || !harvest.IsProductPath(u.Path) {
				return
			}
			abs := harvest.Canonical(u.String())
			if seen[abs] {
				return
			}
			seen[abs] = true
			links = append(links, models.AssociatedProduct{
				Name:     harvest.LinkText(a, u),
				URL:      abs,
				Required: true,
			})
			added++
		})
		return added
	}

	doc.Find(headerSelector).Each(func(_ int, h *goquery.Selection) {
		text := strings.ToLower(strings.Join(strings.Fields(h.Text()), " "))
		if text == "" || len(text) > 120 {
			return
		}
		if !containsAny(text, requiredKeywords) || containsAny(text, optionalKeywords) {
			return
		}
		if h.Closest(optionalContainers).Length() > 0 {
			return
		}

		tag := goquery.NodeName(h)
		if collect(h.NextUntil(tag)) > 0 {
			return
		}
		// Header wrapped in its own element: look at the enclosing block.
		parent := h.Parent()
		for i := 0; i < 2 && parent.Length() > 0; i++ {
			if goquery.NodeName(parent) == "body" {
				return
			}
			if collect(parent) > 0 {
				return
			}
			parent = parent.Parent()
		}
	})

	doc.Find(requiredContainers).Each(func(_ int, c *goquery.Selection) {
		collect(c)
	})

	return links
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
