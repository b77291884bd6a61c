package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maltedev/catalog-enricher/internal/browser"
	"github.com/maltedev/catalog-enricher/internal/interact"
)

var (
	ErrAuthWall         = errors.New("page is behind a login wall")
	ErrLoginFormMissing = errors.New("login form not found")
	ErrLoginFailed      = errors.New("login did not get past the login form")
)

type Credential struct {
	ID       string
	Username string
	Password string
	LoginURL string
}

// Vault returns decrypted credentials.
type Vault interface {
	ReadCredential(ctx context.Context, id string) (*Credential, error)
}

// SessionDropper discards the browser state of a credential.
type SessionDropper interface {
	DropSession(credentialID string)
}

const scriptLogin = `(arg) => {
	const pass = document.querySelector('input[type="password"]');
	if (!pass) return false;
	const form = pass.closest('form') || document;
	const user = form.querySelector('input[type="email"], input[name*="user" i], input[name*="email" i], input[name*="login" i], input[type="text"]');
	const set = (el, v) => {
		const d = Object.getOwnPropertyDescriptor(HTMLInputElement.prototype, 'value');
		d.set.call(el, v);
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
	};
	if (user) set(user, arg.username);
	set(pass, arg.password);
	const submit = form.querySelector('button[type="submit"], input[type="submit"], button:not([type])');
	if (submit) { submit.click(); } else if (form.submit) { form.submit(); }
	return true;
}`

// Manager tracks which credentials have a live session in the browser.
// Session state can expire server side at any time, so callers recover with
// Recover when they hit a login wall.
type Manager struct {
	vault    Vault
	sessions SessionDropper
	settle   time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	loggedIn map[string]time.Time
}

func NewManager(vault Vault, sessions SessionDropper, settle time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		vault:    vault,
		sessions: sessions,
		settle:   settle,
		logger:   logger.With("component", "auth"),
		loggedIn: make(map[string]time.Time),
	}
}

func (m *Manager) IsLoggedIn(credentialID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loggedIn[credentialID]
	return ok
}

// Invalidate forgets the cached session; the next EnsureLogin logs in again.
func (m *Manager) Invalidate(credentialID string) {
	m.mu.Lock()
	delete(m.loggedIn, credentialID)
	m.mu.Unlock()
}

// Reset drops both the cached marker and the browser context of a credential.
func (m *Manager) Reset(credentialID string) {
	m.Invalidate(credentialID)
	if m.sessions != nil {
		m.sessions.DropSession(credentialID)
	}
}

// EnsureLogin logs in unless the credential already has a cached session.
func (m *Manager) EnsureLogin(ctx context.Context, credentialID string, page browser.Page) error {
	if credentialID == "" || m.IsLoggedIn(credentialID) {
		return nil
	}
	return m.Login(ctx, credentialID, page)
}

// Login fills and submits the login form of the credential's login page, or
// of the current page when no login URL is configured.
func (m *Manager) Login(ctx context.Context, credentialID string, page browser.Page) error {
	cred, err := m.vault.ReadCredential(ctx, credentialID)
	if err != nil {
		return fmt.Errorf("failed to read credential %s: %w", credentialID, err)
	}

	if cred.LoginURL != "" && !interact.SameDocument(page.URL(), cred.LoginURL) {
		if _, err := page.Goto(cred.LoginURL); err != nil {
			return fmt.Errorf("failed to open login page: %w", err)
		}
	}

	v, err := page.Evaluate(scriptLogin, map[string]interface{}{
		"username": cred.Username,
		"password": cred.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to submit login form: %w", err)
	}
	if !browser.AsBool(v) {
		return ErrLoginFormMissing
	}

	if err := sleep(ctx, m.settle); err != nil {
		return err
	}

	html, err := page.Content()
	if err != nil {
		return fmt.Errorf("failed to read page after login: %w", err)
	}
	if interact.DetectLoginWall(html, page.URL()) {
		return ErrLoginFailed
	}

	m.mu.Lock()
	m.loggedIn[credentialID] = time.Now()
	m.mu.Unlock()

	m.logger.Info("logged in", "credential_id", credentialID, "url", page.URL())
	return nil
}

// Recover performs one login attempt after an auth wall and returns to
// returnURL. It returns the HTML of the restored page; a second wall is
// reported as ErrAuthWall.
func (m *Manager) Recover(ctx context.Context, credentialID string, page browser.Page, returnURL string) (string, error) {
	if credentialID == "" {
		return "", ErrAuthWall
	}
	m.logger.Warn("auth wall detected, logging in again", "credential_id", credentialID, "url", returnURL)
	m.Invalidate(credentialID)

	if err := m.Login(ctx, credentialID, page); err != nil {
		return "", fmt.Errorf("recovery login failed: %w", err)
	}
	if _, err := page.Goto(returnURL); err != nil {
		return "", fmt.Errorf("failed to return to %s: %w", returnURL, err)
	}
	if err := sleep(ctx, m.settle); err != nil {
		return "", err
	}

	html, err := page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to read page after recovery: %w", err)
	}
	if interact.DetectLoginWall(html, page.URL()) {
		// The jar is stale even after a fresh login; start the next page clean.
		m.Reset(credentialID)
		return "", ErrAuthWall
	}
	return html, nil
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
