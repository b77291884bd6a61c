package browser

// consentScript clicks the first visible consent-accept control. Known
// consent-manager buttons are tried before a text match.
const consentScript = `() => {
	const selectors = [
		'#onetrust-accept-btn-handler',
		'#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll',
		'#CybotCookiebotDialogBodyButtonAccept',
		'[data-testid="uc-accept-all-button"]',
		'.iubenda-cs-accept-btn',
		'.cc-allow',
		'.cky-btn-accept',
		'#didomi-notice-agree-button',
	];
	const visible = (el) => !!(el && (el.offsetWidth || el.offsetHeight || el.getClientRects().length));
	for (const sel of selectors) {
		const el = document.querySelector(sel);
		if (visible(el)) { try { el.click(); return true; } catch (e) {} }
	}
	const words = ['accept all', 'accept', 'accetta tutti', 'accetta', 'alle akzeptieren', 'akzeptieren', 'tout accepter', 'accepter', 'aceptar', 'agree', 'allow all', 'ok'];
	const buttons = Array.from(document.querySelectorAll('button, [role="button"], a.button'));
	for (const w of words) {
		for (const el of buttons) {
			const t = (el.innerText || '').trim().toLowerCase();
			if (t === w || (w.length > 3 && t.startsWith(w) && t.length < 40)) {
				if (visible(el)) { try { el.click(); return true; } catch (e) {} }
			}
		}
	}
	return false;
}`

// DismissConsent clicks away a cookie consent dialog. Errors count as "no
// dialog".
func DismissConsent(page Page) bool {
	v, err := page.Evaluate(consentScript)
	if err != nil {
		return false
	}
	return AsBool(v)
}

// AsFloat converts a number returned from page evaluation.
func AsFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	}
	return 0
}

func AsBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func AsString(v any) string {
	s, _ := v.(string)
	return s
}

// AsStrings converts an evaluated array, skipping non-string entries.
func AsStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
