// Package scraper drives the shared browser for the crawl pipeline: it opens
// pages behind the site's login when needed, lists the products of category
// pages and classifies arbitrary pages for analyze jobs.
package scraper

import (
	"context"
	"errors"

	"github.com/maltedev/catalog-enricher/internal/browser"
)

var (
	ErrInvalidURL = errors.New("invalid page URL")
	ErrHTTPStatus = errors.New("page returned an error status")
	ErrBlocked    = errors.New("blocked by the target site")
)

// Renderer is the browser collaborator.
type Renderer interface {
	NewTab(credentialID string) (browser.Page, func(), error)
	Render(ctx context.Context, page browser.Page, url string) (*browser.Rendered, error)
}

// Authenticator keeps per-credential sessions alive.
type Authenticator interface {
	EnsureLogin(ctx context.Context, credentialID string, page browser.Page) error
	Recover(ctx context.Context, credentialID string, page browser.Page, returnURL string) (string, error)
}

// Limiter paces requests per target host.
type Limiter interface {
	WaitURL(ctx context.Context, rawURL string) error
}

// Feedback is implemented by limiters that slow down when a site pushes back.
type Feedback interface {
	RecordSuccess()
	RecordError()
}
