package interact

import (
	"context"
	"time"

	"github.com/maltedev/catalog-enricher/internal/browser"
)

const (
	scriptHeight       = `() => Math.max(document.body ? document.body.scrollHeight : 0, document.documentElement ? document.documentElement.scrollHeight : 0)`
	scriptScrollBottom = `() => window.scrollTo(0, Math.max(document.body.scrollHeight, document.documentElement.scrollHeight))`
	scriptNudge        = `() => window.scrollBy(0, Math.round(window.innerHeight / 2))`
	scriptScrollUp     = `() => window.scrollBy(0, -Math.round(window.innerHeight / 3))`
)

// scriptLoadMore clicks one pagination trigger. Known selectors win over
// keyword matches; anchors leading to another page are never clicked.
const scriptLoadMore = `() => {
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
	const selectors = [
		'.load-more', '.loadmore', '.load_more', '#load-more', '[data-load-more]',
		'.show-more', '.btn-load-more', '.js-load-more', 'button[data-action="load-more"]',
		'.pagination__load-more', '.ajax-load-more',
	];
	for (const sel of selectors) {
		for (const el of document.querySelectorAll(sel)) {
			if (visible(el) && !outbound(el) && !el.disabled) {
				try { el.click(); return true; } catch (e) {}
			}
		}
	}
	const words = ['load more', 'show more', 'view more', 'more products', 'carica altri', 'mostra altri', 'vedi altri', 'mehr laden', 'mehr anzeigen', 'voir plus', 'charger plus', 'cargar más', 'ver más'];
	const nodes = document.querySelectorAll('button, a, [role="button"]');
	for (const el of nodes) {
		const t = (el.innerText || '').trim().toLowerCase();
		if (!t || t.length > 40) continue;
		if (!words.some((w) => t.includes(w))) continue;
		if (!visible(el) || outbound(el) || el.disabled) continue;
		try { el.click(); return true; } catch (e) {}
	}
	return false;
}`

type Options struct {
	MaxIterations int
	MaxHeight     float64
	StallLimit    int
	SettleDelay   time.Duration
	ClickDelay    time.Duration
	RecheckDelay  time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxIterations: 30,
		MaxHeight:     200000,
		StallLimit:    2,
		SettleDelay:   1200 * time.Millisecond,
		ClickDelay:    1500 * time.Millisecond,
		RecheckDelay:  800 * time.Millisecond,
	}
}

type StopReason string

const (
	StopNoGrowth      StopReason = "no_growth"
	StopHeightCeiling StopReason = "height_ceiling"
	StopMaxIterations StopReason = "max_iterations"
	StopCancelled     StopReason = "cancelled"
)

type ScrollReport struct {
	Iterations  int
	Clicks      int
	FinalHeight float64
	Reason      StopReason
}

// InfiniteScroll keeps scrolling and clicking "load more" controls until the
// document stops growing. Script errors count as "nothing happened".
func InfiniteScroll(ctx context.Context, page browser.Page, opts Options) (ScrollReport, error) {
	report := ScrollReport{Reason: StopMaxIterations}
	height := func() float64 {
		v, err := page.Evaluate(scriptHeight)
		if err != nil {
			return report.FinalHeight
		}
		return browser.AsFloat(v)
	}

	prev := height()
	report.FinalHeight = prev
	stalls := 0

	for i := 0; i < opts.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			report.Reason = StopCancelled
			return report, err
		}
		report.Iterations++

		_, _ = page.Evaluate(scriptScrollBottom)
		if err := sleep(ctx, opts.SettleDelay); err != nil {
			report.Reason = StopCancelled
			return report, err
		}

		if v, err := page.Evaluate(scriptLoadMore); err == nil && browser.AsBool(v) {
			report.Clicks++
			if err := sleep(ctx, opts.ClickDelay); err != nil {
				report.Reason = StopCancelled
				return report, err
			}
		}

		h := height()
		if h <= prev {
			_, _ = page.Evaluate(scriptNudge)
			if err := sleep(ctx, opts.RecheckDelay); err != nil {
				report.Reason = StopCancelled
				return report, err
			}
			h = height()
		}

		if h > prev {
			stalls = 0
			prev = h
		} else {
			stalls++
		}
		report.FinalHeight = prev

		// Intersection-observer loaders only fire when the sentinel re-enters the viewport.
		_, _ = page.Evaluate(scriptScrollUp)

		if stalls >= opts.StallLimit {
			report.Reason = StopNoGrowth
			break
		}
		if opts.MaxHeight > 0 && prev >= opts.MaxHeight {
			report.Reason = StopHeightCeiling
			break
		}
	}
	return report, nil
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
