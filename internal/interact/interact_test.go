package interact

import (
	"context"
	"errors"
	"testing"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// growingPage grows by 1000px on each load-more click until growUntil
// clicks have happened, then stays flat while still offering the button.
type growingPage struct {
	height    float64
	clicks    int
	growUntil int
	url       string
	gotos     []string
	revealErr map[string]bool
	revealed  []string
}

func (p *growingPage) Evaluate(expr string, arg ...interface{}) (interface{}, error) {
	switch expr {
	case scriptHeight:
		return p.height, nil
	case scriptLoadMore:
		p.clicks++
		if p.clicks <= p.growUntil {
			p.height += 1000
		}
		return true, nil
	case scriptReveal:
		kw := arg[0].(map[string]interface{})["keyword"].(string)
		if p.revealErr[kw] {
			return nil, errors.New("TypeError: cannot read properties of null")
		}
		p.revealed = append(p.revealed, kw)
		if kw == "downloads" {
			return 2, nil
		}
		return 0, nil
	}
	return nil, nil
}

func (p *growingPage) Content() (string, error) { return "", nil }
func (p *growingPage) URL() string              { return p.url }

func (p *growingPage) Goto(url string, _ ...playwright.PageGotoOptions) (playwright.Response, error) {
	p.gotos = append(p.gotos, url)
	p.url = url
	return nil, nil
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.SettleDelay = 0
	opts.ClickDelay = 0
	opts.RecheckDelay = 0
	return opts
}

func TestInfiniteScroll(t *testing.T) {
	tests := []struct {
		name      string
		growUntil int
		maxHeight float64
		wantIter  int
		reason    StopReason
	}{
		{name: "stops two iterations after growth ends", growUntil: 4, wantIter: 6, reason: StopNoGrowth},
		{name: "static page stops after two iterations", growUntil: 0, wantIter: 2, reason: StopNoGrowth},
		{name: "height ceiling", growUntil: 100, maxHeight: 5000, wantIter: 4, reason: StopHeightCeiling},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := &growingPage{height: 1000, growUntil: tt.growUntil}
			opts := fastOptions()
			if tt.maxHeight > 0 {
				opts.MaxHeight = tt.maxHeight
			}

			report, err := InfiniteScroll(context.Background(), page, opts)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIter, report.Iterations)
			assert.Less(t, report.Iterations, opts.MaxIterations)
			assert.Equal(t, tt.reason, report.Reason)
		})
	}
}

func TestInfiniteScroll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := InfiniteScroll(ctx, &growingPage{height: 1000, growUntil: 10}, fastOptions())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StopCancelled, report.Reason)
	assert.Zero(t, report.Iterations)
}

func TestRevealContent(t *testing.T) {
	page := &growingPage{revealErr: map[string]bool{"description": true}}

	clicked, err := RevealContent(context.Background(), page, fastOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, clicked)
	assert.NotContains(t, page.revealed, "description")
	assert.Contains(t, page.revealed, "certification")
	assert.Len(t, page.revealed, len(revealKeywords)-1)
}

func TestRevealContent_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	page := &growingPage{}

	_, err := RevealContent(ctx, page, fastOptions())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, page.revealed)
}

func TestDetectLoginWall(t *testing.T) {
	tests := []struct {
		name string
		html string
		url  string
		want bool
	}{
		{
			name: "login path with password field",
			html: `<form><input name="u"><input type="password" name="p"></form>`,
			url:  "https://example.com/account/login?next=/product/x/",
			want: true,
		},
		{
			name: "reserved area form",
			html: `<title>Area riservata</title><form><input type="password"></form>`,
			url:  "https://example.com/product/x/",
			want: true,
		},
		{
			name: "product page without password",
			html: `<h1>Sign in to see prices</h1><div itemtype="https://schema.org/Product">X</div>`,
			url:  "https://example.com/product/x/",
			want: false,
		},
		{
			name: "header login widget on product page",
			html: `<form class="search"></form><form><h2>Login</h2><input type="password"></form><script type="application/ld+json">{}</script>`,
			url:  "https://example.com/product/x/",
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectLoginWall(tt.html, tt.url))
		})
	}
}

func TestRestoreURL(t *testing.T) {
	page := &growingPage{url: "https://example.com/product/x/#tab-2"}
	moved, err := RestoreURL(context.Background(), page, "https://example.com/product/x")
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Empty(t, page.gotos)

	page.url = "https://example.com/cart/"
	moved, err = RestoreURL(context.Background(), page, "https://example.com/product/x/")
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, []string{"https://example.com/product/x/"}, page.gotos)
}

func TestScriptReveal_SkipsNestedMatches(t *testing.T) {
	// A clicked <li> and its inner <button> would toggle the same tab twice.
	assert.Contains(t, scriptReveal, "c.contains(el) || el.contains(c)")
	assert.Contains(t, scriptReveal, "done.push(el)")
	assert.Contains(t, scriptReveal, "return done.length")
}
