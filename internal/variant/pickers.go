package variant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/catalog-enricher/internal/browser"
)

var dimensionHints = []string{
	"size", "dimension", "variant", "option", "misura", "dimensioni", "formato", "variante",
	"größe", "groesse", "abmessung", "taille", "medida", "tamaño", "length", "width",
}

var placeholderOptions = []string{"choose", "select", "seleziona", "scegli", "wählen", "auswählen", "choisir", "elegir", "--"}

const (
	scriptSelectOption = `(arg) => {
	const el = document.querySelector(arg.selector);
	if (!el) return false;
	el.value = arg.value;
	el.dispatchEvent(new Event('input', { bubbles: true }));
	el.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
}`
	scriptClickSwatch = `(arg) => {
	const els = document.querySelectorAll(arg.selector);
	const el = els[arg.index];
	if (!el) return false;
	el.click();
	return true;
}`
)

// SelectStrategy drives a native <select> used as a size/variant picker.
type SelectStrategy struct {
	domReader
}

func NewSelectStrategy() *SelectStrategy {
	return &SelectStrategy{domReader{poll: 250 * time.Millisecond, timeout: 4 * time.Second}}
}

func (s *SelectStrategy) Name() string { return "select" }

func (s *SelectStrategy) Detect(_ context.Context, dc DetectContext) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(dc.HTML))
	if err != nil {
		return false
	}
	return pickerSelect(doc) != nil
}

// pickerSelect returns the first <select> that looks like a variant picker.
func pickerSelect(doc *goquery.Document) *goquery.Selection {
	var found *goquery.Selection
	doc.Find("select").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if len(selectOptions(sel)) == 0 {
			return true
		}
		hint := strings.ToLower(attr(sel, "name") + " " + attr(sel, "id") + " " + attr(sel, "class") + " " + attr(sel, "aria-label"))
		if id := attr(sel, "id"); id != "" {
			hint += " " + strings.ToLower(doc.Find(fmt.Sprintf(`label[for=%q]`, id)).Text())
		}
		if sel.Closest("form.variations_form, .product-form, [data-variants], .product-options").Length() > 0 {
			found = sel
			return false
		}
		for _, h := range dimensionHints {
			if strings.Contains(hint, h) {
				found = sel
				return false
			}
		}
		return true
	})
	return found
}

func selectOptions(sel *goquery.Selection) []DimensionOption {
	var out []DimensionOption
	sel.Find("option").Each(func(i int, o *goquery.Selection) {
		label := strings.Join(strings.Fields(o.Text()), " ")
		value, ok := o.Attr("value")
		if !ok {
			value = label
		}
		if strings.TrimSpace(value) == "" || label == "" || isPlaceholder(label) {
			return
		}
		if _, disabled := o.Attr("disabled"); disabled {
			return
		}
		out = append(out, DimensionOption{Label: label, Value: value, Index: i})
	})
	return out
}

func isPlaceholder(label string) bool {
	l := strings.ToLower(label)
	for _, p := range placeholderOptions {
		if strings.HasPrefix(l, p) {
			return true
		}
	}
	return false
}

func (s *SelectStrategy) DimensionOptions(_ context.Context, page browser.Page) ([]DimensionOption, error) {
	doc, err := contentDoc(page)
	if err != nil {
		return nil, err
	}
	sel := pickerSelect(doc)
	if sel == nil {
		return nil, nil
	}
	return selectOptions(sel), nil
}

func (s *SelectStrategy) SelectDimension(_ context.Context, page browser.Page, opt DimensionOption) error {
	doc, err := contentDoc(page)
	if err != nil {
		return err
	}
	sel := pickerSelect(doc)
	if sel == nil {
		return fmt.Errorf("variant select disappeared")
	}
	v, err := page.Evaluate(scriptSelectOption, map[string]interface{}{
		"selector": cssPath(sel),
		"value":    opt.Value,
	})
	if err != nil {
		return err
	}
	if !browser.AsBool(v) {
		return fmt.Errorf("option %q could not be selected", opt.Label)
	}
	return nil
}

// swatchSelector matches tile/radio style pickers.
const swatchSelector = `.swatch-option, .swatch-element, [data-swatch], .variant-tile, .product-variants__item, .size-selector__item, [role="radiogroup"] [role="radio"]`

// SwatchStrategy drives clickable swatch grids.
type SwatchStrategy struct {
	domReader
}

func NewSwatchStrategy() *SwatchStrategy {
	return &SwatchStrategy{domReader{poll: 250 * time.Millisecond, timeout: 4 * time.Second}}
}

func (s *SwatchStrategy) Name() string { return "swatch" }

func (s *SwatchStrategy) Detect(_ context.Context, dc DetectContext) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(dc.HTML))
	if err != nil {
		return false
	}
	return len(swatchOptions(doc)) > 0
}

func swatchOptions(doc *goquery.Document) []DimensionOption {
	var out []DimensionOption
	doc.Find(swatchSelector).Each(func(i int, el *goquery.Selection) {
		label := ""
		for _, a := range []string{"data-value", "data-option-label", "aria-label", "title"} {
			if v := strings.TrimSpace(attr(el, a)); v != "" {
				label = v
				break
			}
		}
		if label == "" {
			label = strings.Join(strings.Fields(el.Text()), " ")
		}
		if label == "" {
			return
		}
		out = append(out, DimensionOption{Label: label, Value: label, Index: i})
	})
	return out
}

func (s *SwatchStrategy) DimensionOptions(_ context.Context, page browser.Page) ([]DimensionOption, error) {
	doc, err := contentDoc(page)
	if err != nil {
		return nil, err
	}
	return swatchOptions(doc), nil
}

func (s *SwatchStrategy) SelectDimension(_ context.Context, page browser.Page, opt DimensionOption) error {
	v, err := page.Evaluate(scriptClickSwatch, map[string]interface{}{
		"selector": swatchSelector,
		"index":    opt.Index,
	})
	if err != nil {
		return err
	}
	if !browser.AsBool(v) {
		return fmt.Errorf("swatch %q not found", opt.Label)
	}
	return nil
}

func contentDoc(page browser.Page) (*goquery.Document, error) {
	html, err := page.Content()
	if err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

func attr(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return v
}

// cssPath builds a selector that finds sel again in the live DOM.
func cssPath(sel *goquery.Selection) string {
	if id := attr(sel, "id"); id != "" {
		return fmt.Sprintf(`select[id=%q]`, id)
	}
	if name := attr(sel, "name"); name != "" {
		return fmt.Sprintf(`select[name=%q]`, name)
	}
	idx := 0
	sel.PrevAllFiltered("select").Each(func(int, *goquery.Selection) { idx++ })
	return fmt.Sprintf("select:nth-of-type(%d)", idx+1)
}
