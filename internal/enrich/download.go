package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/kennygrant/sanitize"

	"github.com/maltedev/catalog-enricher/internal/browser"
	"github.com/maltedev/catalog-enricher/internal/models"
)

var errUnauthorized = errors.New("download unauthorized")

// CookieSource exposes the cookies a live page's session would send.
type CookieSource interface {
	Cookies(page browser.Page, rawURL string) ([]*http.Cookie, error)
}

// Reauthenticator refreshes the session of a credential.
type Reauthenticator interface {
	Invalidate(credentialID string)
	EnsureLogin(ctx context.Context, credentialID string, page browser.Page) error
}

type Downloader struct {
	client  *http.Client
	cookies CookieSource
	auth    Reauthenticator
	dir     string
	logger  *slog.Logger
}

func NewDownloader(dir string, cookies CookieSource, auth Reauthenticator, timeout time.Duration, logger *slog.Logger) *Downloader {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Downloader{
		client:  &http.Client{Timeout: timeout},
		cookies: cookies,
		auth:    auth,
		dir:     dir,
		logger:  logger.With("component", "downloader"),
	}
}

// DownloadAll stores each file under dir/jobID and records its local path.
// A failed file keeps an empty LocalPath; the product is not failed for it.
func (d *Downloader) DownloadAll(ctx context.Context, page browser.Page, jobID, credentialID string, files []models.NamedFile) []models.NamedFile {
	out := make([]models.NamedFile, len(files))
	copy(out, files)
	relogged := false
	for i := range out {
		if ctx.Err() != nil {
			break
		}
		p, err := d.download(ctx, page, jobID, out[i])
		if errors.Is(err, errUnauthorized) && credentialID != "" && d.auth != nil && !relogged {
			// One lazy re-login per product, then retry the file once.
			relogged = true
			d.auth.Invalidate(credentialID)
			if lerr := d.auth.EnsureLogin(ctx, credentialID, page); lerr != nil {
				d.logger.Warn("re-login before download failed", "credential_id", credentialID, "error", lerr)
			} else {
				p, err = d.download(ctx, page, jobID, out[i])
			}
		}
		if err != nil {
			d.logger.Warn("asset download failed", "url", out[i].URL, "error", err)
			continue
		}
		out[i].LocalPath = p
	}
	return out
}

func (d *Downloader) download(ctx context.Context, page browser.Page, jobID string, f models.NamedFile) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if d.cookies != nil && page != nil {
		cookies, err := d.cookies.Cookies(page, f.URL)
		if err != nil {
			d.logger.Debug("no session cookies for download", "url", f.URL, "error", err)
		}
		for _, c := range cookies {
			req.AddCookie(c)
		}
	}
	if page != nil {
		req.Header.Set("Referer", page.URL())
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", f.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: status %d", errUnauthorized, resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("unexpected status %d for %s", resp.StatusCode, f.URL)
	}

	dir := filepath.Join(d.dir, sanitize.BaseName(jobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	target := filepath.Join(dir, LocalFileName(f))
	tmp := target + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return "", fmt.Errorf("finalize file: %w", err)
	}
	return target, nil
}

// LocalFileName derives a filesystem-safe name from the file's URL. The stem
// carries a short hash of the full URL so files sharing a basename under
// different paths do not overwrite each other.
func LocalFileName(f models.NamedFile) string {
	base := path.Base(urlPath(f.URL))
	ext := strings.ToLower(path.Ext(base))
	stem := strings.TrimSuffix(base, path.Ext(base))
	if stem == "" || stem == "." || stem == "/" {
		stem = f.Name
	}
	stem = sanitize.BaseName(stem)
	if stem == "" {
		stem = "file"
	}
	if ext == "" && f.Format != "" && f.Format != "other" {
		ext = "." + f.Format
	}
	return stem + "-" + urlHash(f.URL) + cleanExt(ext)
}

func urlHash(rawURL string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(rawURL))[:8]
}

func cleanExt(ext string) string {
	var b strings.Builder
	for _, r := range strings.TrimPrefix(ext, ".") {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "." + b.String()
}
