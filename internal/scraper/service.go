package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/maltedev/catalog-enricher/internal/auth"
	"github.com/maltedev/catalog-enricher/internal/enrich"
	"github.com/maltedev/catalog-enricher/internal/interact"
)

type Service struct {
	renderer Renderer
	auth     Authenticator
	limiter  Limiter
	logger   *slog.Logger
}

func NewService(renderer Renderer, authn Authenticator, limiter Limiter, logger *slog.Logger) *Service {
	return &Service{
		renderer: renderer,
		auth:     authn,
		limiter:  limiter,
		logger:   logger.With("component", "scraper"),
	}
}

// Open renders rawURL in a fresh tab. With a credential the session is
// logged in first, and an auth wall on the rendered page triggers exactly
// one recovery login. The caller must call Close on the result.
func (s *Service) Open(ctx context.Context, rawURL, credentialID string) (*enrich.OpenedPage, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	if s.limiter != nil {
		if err := s.limiter.WaitURL(ctx, rawURL); err != nil {
			return nil, err
		}
	}

	page, closePage, err := s.renderer.NewTab(credentialID)
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			closePage()
		}
	}()

	if credentialID != "" && s.auth != nil {
		if err := s.auth.EnsureLogin(ctx, credentialID, page); err != nil {
			return nil, fmt.Errorf("login failed: %w", err)
		}
	}

	rendered, err := s.renderer.Render(ctx, page, rawURL)
	if err != nil {
		return nil, err
	}
	html, finalURL := rendered.HTML, rendered.FinalURL

	walled := rendered.Status == http.StatusUnauthorized || rendered.Status == http.StatusForbidden ||
		interact.DetectLoginWall(html, finalURL)
	switch {
	case walled && (credentialID == "" || s.auth == nil):
		if rendered.Status == http.StatusForbidden && !interact.DetectLoginWall(html, finalURL) {
			s.feedback(false)
			return nil, fmt.Errorf("%w: %s", ErrBlocked, rawURL)
		}
		return nil, fmt.Errorf("%w: %s", auth.ErrAuthWall, rawURL)
	case walled:
		html, err = s.auth.Recover(ctx, credentialID, page, rawURL)
		if err != nil {
			return nil, err
		}
		finalURL = page.URL()
	case rendered.Status >= 400:
		if rendered.Status == http.StatusTooManyRequests || rendered.Status >= 500 {
			s.feedback(false)
		}
		return nil, fmt.Errorf("%w: %d for %s", ErrHTTPStatus, rendered.Status, rawURL)
	}
	s.feedback(true)

	s.logger.Debug("page opened", "url", rawURL, "final_url", finalURL, "status", rendered.Status)
	ok = true
	return &enrich.OpenedPage{
		Page:     page,
		HTML:     html,
		FinalURL: finalURL,
		Close:    closePage,
	}, nil
}

func (s *Service) feedback(ok bool) {
	f, adaptive := s.limiter.(Feedback)
	switch {
	case !adaptive:
	case ok:
		f.RecordSuccess()
	default:
		f.RecordError()
	}
}

// Fetch returns the rendered HTML of an anonymous page load.
func (s *Service) Fetch(ctx context.Context, rawURL string) (string, error) {
	opened, err := s.Open(ctx, rawURL, "")
	if err != nil {
		return "", err
	}
	defer opened.Close()
	return opened.HTML, nil
}
