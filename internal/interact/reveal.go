package interact

import (
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/catalog-enricher/internal/browser"
)

// revealKeywords name tabs and accordions that usually hide product data.
var revealKeywords = []string{
	"description", "details", "specification", "specs", "technical", "dimensions",
	"downloads", "documents", "certification", "materials", "finishes", "features",
	"descrizione", "scheda tecnica", "dati tecnici", "documenti", "certificazioni", "finiture",
	"beschreibung", "technische daten", "abmessungen", "caractéristiques", "fiche technique",
}

// scriptReveal clicks up to arg.limit elements whose text contains
// arg.keyword and returns how many were clicked. An element nested inside,
// or wrapping, one already clicked in the same sweep is skipped so a tab
// and its inner button do not toggle each other closed.
const scriptReveal = `(arg) => {
	const kw = arg.keyword;
	const limit = arg.limit;
	const banned = /(login|log-in|signin|account|cart|basket|checkout|navbar|nav-|menu|search|newsletter)/i;
	const visible = (el) => !!(el && (el.offsetWidth || el.offsetHeight || el.getClientRects().length));
	const outbound = (el) => {
		if (el.tagName !== 'A') return false;
		const href = (el.getAttribute('href') || '').trim();
		if (!href || href.startsWith('#') || href.startsWith('javascript:')) return false;
		try {
			const u = new URL(href, location.href);
			return u.pathname !== location.pathname || u.host !== location.host;
		} catch (e) { return true; }
	};
	const nodes = document.querySelectorAll('button, summary, [role="tab"], [role="button"], a, li, h2, h3, h4, dt, .tab, [class*="accordion"], [class*="collapse"]');
	const done = [];
	for (const el of nodes) {
		if (done.length >= limit) break;
		if (done.some((c) => c.contains(el) || el.contains(c))) continue;
		const t = (el.innerText || el.textContent || '').trim().toLowerCase();
		if (!t || t.length > 60 || !t.includes(kw)) continue;
		const cls = (el.className && el.className.toString()) || '';
		if (banned.test(cls) || (el.closest && el.closest('nav, header, footer'))) continue;
		if (!visible(el) || outbound(el)) continue;
		try { el.click(); done.push(el); } catch (e) {}
	}
	return done.length;
}`

// RevealContent clicks content tabs and accordions matching a fixed keyword
// vocabulary so hidden specs and downloads end up in the DOM. It returns the
// number of clicks. Per-element failures are ignored.
func RevealContent(ctx context.Context, page browser.Page, opts Options) (int, error) {
	total := 0
	for _, kw := range revealKeywords {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		v, err := page.Evaluate(scriptReveal, map[string]interface{}{"keyword": kw, "limit": 3})
		if err != nil {
			continue
		}
		n := int(browser.AsFloat(v))
		if n == 0 {
			continue
		}
		total += n
		if err := sleep(ctx, opts.ClickDelay/3); err != nil {
			return total, err
		}
	}
	return total, nil
}

var loginWords = []string{"login", "log in", "sign in", "signin", "accedi", "anmelden", "connexion", "iniciar sesión", "area riservata", "reserved area"}

// DetectLoginWall reports whether html looks like a login form served
// instead of the requested content.
func DetectLoginWall(html, pageURL string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	if doc.Find(`input[type="password"]`).Length() == 0 {
		return false
	}

	if u, err := url.Parse(pageURL); err == nil {
		p := strings.ToLower(u.Path)
		for _, m := range []string{"login", "signin", "sign-in", "auth", "account", "accedi", "anmelden"} {
			if strings.Contains(p, m) {
				return true
			}
		}
	}

	// A password box on a page with product content is usually a header widget.
	if doc.Find(`[itemtype*="Product"], script[type="application/ld+json"]`).Length() > 0 &&
		doc.Find("form").Length() > 1 {
		return false
	}

	text := strings.ToLower(doc.Find("title").Text() + " " + doc.Find("h1, h2, form").Text())
	for _, w := range loginWords {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// RestoreURL navigates back to want when an interaction moved the page
// elsewhere. It reports whether a navigation was needed.
func RestoreURL(ctx context.Context, page browser.Page, want string) (bool, error) {
	if SameDocument(page.URL(), want) {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := page.Goto(want); err != nil {
		return true, err
	}
	return true, nil
}

// SameDocument compares two URLs ignoring fragment and a trailing slash.
func SameDocument(a, b string) bool {
	norm := func(s string) string {
		u, err := url.Parse(s)
		if err != nil {
			return s
		}
		u.Fragment = ""
		u.Host = strings.ToLower(u.Host)
		u.Path = strings.TrimSuffix(u.Path, "/")
		return u.String()
	}
	return norm(a) == norm(b)
}
