package browser

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedPage struct {
	url      string
	html     string
	gotoErrs []error
	gotos    int
	consent  bool
	evalErr  error
}

func (p *scriptedPage) Evaluate(expr string, _ ...interface{}) (interface{}, error) {
	if p.evalErr != nil {
		return nil, p.evalErr
	}
	return p.consent, nil
}

func (p *scriptedPage) Content() (string, error) { return p.html, nil }
func (p *scriptedPage) URL() string              { return p.url }

func (p *scriptedPage) Goto(url string, _ ...playwright.PageGotoOptions) (playwright.Response, error) {
	p.gotos++
	if len(p.gotoErrs) > 0 {
		err := p.gotoErrs[0]
		p.gotoErrs = p.gotoErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	p.url = url
	return nil, nil
}

func testBrowser() *Browser {
	opts := DefaultOptions()
	opts.SettleDelay = 0
	opts.NavRetries = 1
	return &Browser{opts: opts, logger: slog.Default()}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	assert.True(t, opts.Headless)
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.Equal(t, 3, opts.NavRetries)
	assert.NotEmpty(t, opts.UserAgent)
}

func TestRender(t *testing.T) {
	t.Run("returns settled html and final url", func(t *testing.T) {
		page := &scriptedPage{html: "<html>ok</html>", consent: true}
		r, err := testBrowser().Render(context.Background(), page, "https://example.com/a/")
		require.NoError(t, err)
		assert.Equal(t, "<html>ok</html>", r.HTML)
		assert.Equal(t, "https://example.com/a/", r.FinalURL)
		assert.Equal(t, 0, r.Status)
	})

	t.Run("retries navigation", func(t *testing.T) {
		page := &scriptedPage{gotoErrs: []error{errors.New("net::ERR_CONNECTION_RESET"), nil}}
		b := testBrowser()
		_, err := b.NavigateWithRetry(context.Background(), page, "https://example.com/", 2)
		require.NoError(t, err)
		assert.Equal(t, 2, page.gotos)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		page := &scriptedPage{gotoErrs: []error{errors.New("timeout")}}
		_, err := testBrowser().Render(context.Background(), page, "https://example.com/")
		require.Error(t, err)
		assert.Equal(t, 1, page.gotos)
	})

	t.Run("cancelled context stops before navigating", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		page := &scriptedPage{}
		_, err := testBrowser().Render(ctx, page, "https://example.com/")
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, page.gotos)
	})
}

func TestDismissConsent_ToleratesScriptErrors(t *testing.T) {
	assert.False(t, DismissConsent(&scriptedPage{evalErr: errors.New("boom")}))
	assert.True(t, DismissConsent(&scriptedPage{consent: true}))
}

func TestEvalConversions(t *testing.T) {
	assert.Equal(t, 42.0, AsFloat(42))
	assert.Equal(t, 1.5, AsFloat(1.5))
	assert.Equal(t, 0.0, AsFloat("x"))
	assert.Equal(t, []string{"a", "b"}, AsStrings([]interface{}{"a", 3, "b"}))
	assert.Nil(t, AsStrings(nil))
}
