package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Page is the part of a live playwright page the crawl pipeline drives.
// playwright.Page satisfies it.
type Page interface {
	Evaluate(expression string, arg ...interface{}) (interface{}, error)
	Content() (string, error)
	URL() string
	Goto(url string, options ...playwright.PageGotoOptions) (playwright.Response, error)
}

type Browser struct {
	pw       *playwright.Playwright
	browser  playwright.Browser
	context  playwright.BrowserContext
	contexts map[string]playwright.BrowserContext
	mu       sync.Mutex
	opts     *Options
	logger   *slog.Logger
}

type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	Locale         string
	ProxyServer    string
	ExtraHeaders   map[string]string
	NavRetries     int
	SettleDelay    time.Duration
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		ViewportWidth:  1440,
		ViewportHeight: 900,
		AcceptLanguage: "en-US,en;q=0.9,it;q=0.8,de;q=0.7",
		Locale:         "en-US",
		ExtraHeaders: map[string]string{
			"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		},
		NavRetries:  3,
		SettleDelay: 1500 * time.Millisecond,
	}
}

// New starts the shared browser process. Pages for anonymous crawling live in
// a default context; authenticated sessions get one context per credential.
func New(opts *Options, logger *slog.Logger) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	}
	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: opts.ProxyServer}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := &Browser{
		pw:       pw,
		browser:  browser,
		contexts: make(map[string]playwright.BrowserContext),
		opts:     opts,
		logger:   logger.With("component", "browser"),
	}

	b.context, err = b.newContext()
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, err
	}
	return b, nil
}

func (b *Browser) newContext() (playwright.BrowserContext, error) {
	headers := map[string]string{"Accept-Language": b.opts.AcceptLanguage}
	for k, v := range b.opts.ExtraHeaders {
		headers[k] = v
	}
	ctx, err := b.browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         &b.opts.UserAgent,
		AcceptDownloads:   playwright.Bool(true),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &b.opts.Locale,
		Viewport: &playwright.Size{
			Width:  b.opts.ViewportWidth,
			Height: b.opts.ViewportHeight,
		},
		ExtraHttpHeaders: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	return ctx, nil
}

// contextFor returns the context owning pages for credentialID. An empty id
// selects the anonymous default context.
func (b *Browser) contextFor(credentialID string) (playwright.BrowserContext, error) {
	if credentialID == "" {
		return b.context, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.contexts[credentialID]; ok {
		return c, nil
	}
	c, err := b.newContext()
	if err != nil {
		return nil, err
	}
	b.contexts[credentialID] = c
	return c, nil
}

// NewPage opens a tab. Callers own the page and must close it.
func (b *Browser) NewPage(credentialID string) (playwright.Page, error) {
	bctx, err := b.contextFor(credentialID)
	if err != nil {
		return nil, err
	}
	page, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}
	page.SetDefaultTimeout(float64(b.opts.Timeout.Milliseconds()))
	page.OnConsole(func(msg playwright.ConsoleMessage) {
		b.logger.Debug("page console", "type", msg.Type(), "text", msg.Text(), "url", page.URL())
	})
	return page, nil
}

// NewTab is NewPage behind the Page interface, with a close func that logs
// instead of failing.
func (b *Browser) NewTab(credentialID string) (Page, func(), error) {
	page, err := b.NewPage(credentialID)
	if err != nil {
		return nil, nil, err
	}
	return page, func() {
		if err := page.Close(); err != nil {
			b.logger.Debug("failed to close page", "error", err)
		}
	}, nil
}

// DropSession closes the context of a credential so the next page starts
// from a fresh cookie jar.
func (b *Browser) DropSession(credentialID string) {
	b.mu.Lock()
	c, ok := b.contexts[credentialID]
	delete(b.contexts, credentialID)
	b.mu.Unlock()
	if ok {
		if err := c.Close(); err != nil {
			b.logger.Warn("failed to close session context", "credential_id", credentialID, "error", err)
		}
	}
}

// Cookies returns the cookies the page's context would send to rawURL.
func (b *Browser) Cookies(page Page, rawURL string) ([]*http.Cookie, error) {
	pp, ok := page.(interface{ Context() playwright.BrowserContext })
	if !ok {
		return nil, fmt.Errorf("page has no browser context")
	}
	cookies, err := pp.Context().Cookies(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		})
	}
	return out, nil
}

func (b *Browser) Close() error {
	var errs []error

	b.mu.Lock()
	for id, c := range b.contexts {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context %s: %w", id, err))
		}
	}
	b.contexts = map[string]playwright.BrowserContext{}
	b.mu.Unlock()

	if b.context != nil {
		if err := b.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}
	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}
	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

// Rendered is a settled page.
type Rendered struct {
	HTML     string
	FinalURL string
	Status   int
	Page     Page
}

// Render navigates page to url, waits for the network to settle, dismisses
// consent banners and returns the resulting HTML.
func (b *Browser) Render(ctx context.Context, page Page, url string) (*Rendered, error) {
	resp, err := b.NavigateWithRetry(ctx, page, url, b.opts.NavRetries)
	if err != nil {
		return nil, err
	}

	if lp, ok := page.(interface {
		WaitForLoadState(...playwright.PageWaitForLoadStateOptions) error
	}); ok {
		// Pages with long-polling never go idle.
		if err := lp.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateNetworkidle,
			Timeout: playwright.Float(float64(b.opts.Timeout.Milliseconds()) / 2),
		}); err != nil {
			b.logger.Debug("network did not go idle", "url", url, "error", err)
		}
	}

	if DismissConsent(page) {
		b.logger.Debug("consent banner dismissed", "url", url)
		if err := sleep(ctx, b.opts.SettleDelay/2); err != nil {
			return nil, err
		}
	}
	if err := sleep(ctx, b.opts.SettleDelay); err != nil {
		return nil, err
	}

	html, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to read page content: %w", err)
	}

	r := &Rendered{HTML: html, FinalURL: page.URL(), Page: page}
	if resp != nil {
		r.Status = resp.Status()
	}
	return r, nil
}

func (b *Browser) NavigateWithRetry(ctx context.Context, page Page, url string, maxRetries int) (playwright.Response, error) {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			b.logger.Info("retrying navigation", "attempt", i+1, "url", url)
			if err := sleep(ctx, time.Duration(i)*time.Second); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(float64(b.opts.Timeout.Milliseconds())),
		})
		if err == nil {
			return resp, nil
		}

		lastErr = err
		b.logger.Warn("navigation failed", "url", url, "attempt", i+1, "error", err)
	}

	return nil, fmt.Errorf("navigation to %s failed after %d attempts: %w", url, maxRetries, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
