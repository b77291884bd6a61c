package variant

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/catalog-enricher/internal/browser"
	"github.com/maltedev/catalog-enricher/internal/models"
)

type stubPage struct {
	html    string
	current string
	skus    map[string]string
	pdfs    map[string][]interface{}
}

func (p *stubPage) Evaluate(expr string, arg ...interface{}) (interface{}, error) {
	switch expr {
	case scriptSelectOption:
		p.current = arg[0].(map[string]interface{})["value"].(string)
		return true, nil
	case scriptReadSKU:
		return p.skus[p.current], nil
	case scriptReadPDFs:
		return p.pdfs[p.current], nil
	}
	return nil, errors.New("unexpected script")
}

func (p *stubPage) Content() (string, error) { return p.html, nil }
func (p *stubPage) URL() string              { return "https://example.com/product/x/" }
func (p *stubPage) Goto(string, ...playwright.PageGotoOptions) (playwright.Response, error) {
	return nil, nil
}

type fakeStrategy struct {
	options  []DimensionOption
	optErr   error
	skus     map[string]string
	current  string
	selected []string
	panicOn  string
}

func (f *fakeStrategy) Name() string                              { return "fake" }
func (f *fakeStrategy) Detect(context.Context, DetectContext) bool { return true }

func (f *fakeStrategy) DimensionOptions(context.Context, browser.Page) ([]DimensionOption, error) {
	return f.options, f.optErr
}

func (f *fakeStrategy) SelectDimension(_ context.Context, _ browser.Page, opt DimensionOption) error {
	if opt.Label == f.panicOn {
		panic("site script exploded")
	}
	f.current = opt.Label
	f.selected = append(f.selected, opt.Label)
	return nil
}

func (f *fakeStrategy) WaitForUpdate(context.Context, browser.Page, State) (State, error) {
	if sku, ok := f.skus[f.current]; ok {
		return State{SKU: &sku}, nil
	}
	return State{}, nil
}

func (f *fakeStrategy) ReadSKU(context.Context, browser.Page) (*string, error)      { return nil, nil }
func (f *fakeStrategy) ReadPDFURLs(context.Context, browser.Page) ([]string, error) { return nil, nil }

func options(labels ...string) []DimensionOption {
	out := make([]DimensionOption, len(labels))
	for i, l := range labels {
		out[i] = DimensionOption{Label: l, Value: l, Index: i}
	}
	return out
}

func extract(t *testing.T, s Strategy) []models.ProductVariant {
	t.Helper()
	e := NewExtractor(NewRouter(s), slog.Default())
	return e.Extract(context.Background(), &stubPage{}, "https://example.com/product/x/")
}

func dimensions(vs []models.ProductVariant) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Dimension)
	}
	return out
}

func TestExtract_DigitGuardrail(t *testing.T) {
	tests := []struct {
		name    string
		options []string
		want    []string
	}{
		{name: "multi option drops labels without digits", options: []string{"Chrome", "Brushed 35mm", "Gold"}, want: []string{"Brushed 35mm"}},
		{name: "single option is kept", options: []string{"Chrome"}, want: []string{"Chrome"}},
		{name: "no options", options: nil, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extract(t, &fakeStrategy{options: options(tt.options...)})
			assert.Equal(t, tt.want, dimensions(got))
		})
	}
}

func TestExtract_DedupeLastWins(t *testing.T) {
	s := &fakeStrategy{
		options: options("60 x 80", "90x90", "60×80"),
		skus:    map[string]string{"60 x 80": "A-1", "90x90": "B-1", "60×80": "A-2"},
	}
	got := extract(t, s)

	require.Len(t, got, 2)
	assert.Equal(t, "60x80", got[0].DimensionNormalized)
	assert.Equal(t, "60×80", got[0].Dimension)
	require.NotNil(t, got[0].SKU)
	assert.Equal(t, "A-2", *got[0].SKU)
	assert.Equal(t, models.SKUSourceDOM, got[0].SKUSource)
	assert.Equal(t, "90x90", got[1].DimensionNormalized)
	assert.Equal(t, "fake", got[1].Strategy)
}

func TestExtract_Failures(t *testing.T) {
	t.Run("option listing error", func(t *testing.T) {
		got := extract(t, &fakeStrategy{optErr: errors.New("ReferenceError: jQuery is not defined")})
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("panicking strategy", func(t *testing.T) {
		got := extract(t, &fakeStrategy{options: options("10 cm", "20 cm"), panicOn: "20 cm"})
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("missing sku is marked unknown", func(t *testing.T) {
		got := extract(t, &fakeStrategy{options: options("10 cm")})
		require.Len(t, got, 1)
		assert.Nil(t, got[0].SKU)
		assert.Equal(t, models.SKUSourceUnknown, got[0].SKUSource)
	})

	t.Run("no matching strategy", func(t *testing.T) {
		e := NewExtractor(NewRouter(), slog.Default())
		assert.Empty(t, e.Extract(context.Background(), &stubPage{}, "https://example.com/"))
	})
}

func TestSelectStrategy(t *testing.T) {
	page := &stubPage{
		html: `<form class="variations_form">
			<label for="pa_size">Size</label>
			<select id="pa_size" name="attribute_pa_size">
				<option value="">Choose an option</option>
				<option value="60x80">60 x 80 cm</option>
				<option value="80x100">80 × 100 cm</option>
				<option value="sold" disabled>120 x 120 cm</option>
			</select>
		</form>`,
		skus: map[string]string{"": "BASE-0", "60x80": "S-6080", "80x100": "S-80100"},
		pdfs: map[string][]interface{}{
			"60x80":  {"https://example.com/media/60x80.pdf", "https://example.com/media/60x80.pdf"},
			"80x100": {"https://example.com/media/80x100.pdf"},
		},
	}
	s := &SelectStrategy{domReader{poll: time.Millisecond, timeout: 50 * time.Millisecond}}
	e := NewExtractor(NewRouter(NewSwatchStrategy(), s), slog.Default())

	got := e.Extract(context.Background(), page, "https://example.com/product/x/")

	require.Len(t, got, 2)
	assert.Equal(t, "60x80 cm", got[0].DimensionNormalized)
	assert.Equal(t, "S-6080", *got[0].SKU)
	assert.Equal(t, []string{"https://example.com/media/60x80.pdf"}, got[0].Assets)
	assert.Equal(t, "80x100 cm", got[1].DimensionNormalized)
	assert.Equal(t, "select", got[1].Strategy)
}

func TestRouter(t *testing.T) {
	swatchHTML := `<div class="swatches"><div class="swatch-option" data-value="Oak">Oak</div></div>`

	r := DefaultRouter()
	s := r.Route(context.Background(), DetectContext{HTML: swatchHTML})
	require.NotNil(t, s)
	assert.Equal(t, "swatch", s.Name())

	assert.Nil(t, r.Route(context.Background(), DetectContext{HTML: `<p>no picker</p>`}))

	r.Register(&fakeStrategy{})
	assert.Equal(t, "fake", r.Route(context.Background(), DetectContext{HTML: swatchHTML}).Name())
}

func TestNormalizeDimension(t *testing.T) {
	tests := map[string]string{
		"60 x 80":          "60x80",
		"60×80":            "60x80",
		" 60  X 80 x 10 ":  "60x80x10",
		"6 x 8 x 1":        "6x8x1",
		"Brushed   35mm":   "brushed 35mm",
		"Ø 120 cm":         "ø 120 cm",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, NormalizeDimension(in))
		})
	}
}

func TestExtractAssociated(t *testing.T) {
	tests := []struct {
		name string
		html string
		want []string
	}{
		{
			name: "required section next to header, related section ignored",
			html: `<h3>Required accessories</h3>
				<ul><li><a href="/product/kit-1/">Kit 1</a></li><li><a href="/product/kit-2/">Kit 2</a></li></ul>
				<h3>Related products</h3>
				<ul><li><a href="/product/other/">Other</a></li></ul>`,
			want: []string{"https://example.com/product/kit-1/", "https://example.com/product/kit-2/"},
		},
		{
			name: "required wording inside a recommendations block",
			html: `<div class="related-products"><h4>Necessary items</h4><a href="/product/x/">x</a></div>`,
			want: []string{},
		},
		{
			name: "known container without header",
			html: `<div class="product-components"><a href="/prodotto/valvola/">Valvola</a><a href="/chi-siamo/">Chi siamo</a></div>`,
			want: []string{"https://example.com/prodotto/valvola/"},
		},
		{
			name: "header wrapped in its own block",
			html: `<div class="box"><div class="head"><strong>Componenti necessari</strong></div><div class="list"><a href="/product/y/">Y</a></div></div>`,
			want: []string{"https://example.com/product/y/"},
		},
		{
			name: "self links are skipped",
			html: `<h2>Required</h2><p><a href="/product/main/">this</a></p>`,
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractAssociated(tt.html, "https://example.com/product/main/")
			require.NotNil(t, got)
			u := make([]string, 0, len(got))
			for _, a := range got {
				assert.True(t, a.Required)
				u = append(u, a.URL)
			}
			assert.Equal(t, tt.want, u)
		})
	}
}
