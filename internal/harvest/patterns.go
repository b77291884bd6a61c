package harvest

import (
	"path"
	"regexp"
	"strings"
)

var productPathMarkers = []string{
	"/product/", "/products/", "/prodotto/", "/prodotti/", "/produkt/", "/produkte/",
	"/produit/", "/produits/", "/producto/", "/productos/", "/articolo/", "/item/", "/p/",
}

var categoryPathMarkers = []string{
	"/collection/", "/collections/", "/category/", "/categories/", "/categoria/", "/categorie/",
	"/tipologia/", "/tipologie/", "/kategorie/", "/categorie-produits/", "/range/", "/ranges/",
	"/series/", "/serie/", "/family/", "/famiglia/", "/famiglie/", "/catalog/", "/catalogue/",
}

var disallowedPathMarkers = []string{
	"/login", "/signin", "/sign-in", "/logout", "/account", "/register", "/cart", "/checkout",
	"/basket", "/wishlist", "privacy", "cookie", "contact", "/terms", "legal", "imprint",
	"impressum", "newsletter", "/search", "/careers", "/jobs",
}

var assetExtensions = map[string]string{
	".pdf":  "pdf",
	".zip":  "archive",
	".rar":  "archive",
	".7z":   "archive",
	".dwg":  "cad",
	".dxf":  "cad",
	".step": "cad",
	".stp":  "cad",
	".igs":  "cad",
	".iges": "cad",
	".rfa":  "bim",
	".rvt":  "bim",
	".ifc":  "bim",
	".stl":  "3d",
	".obj":  "3d",
	".fbx":  "3d",
	".3ds":  "3d",
	".skp":  "3d",
	".3dm":  "3d",
	".glb":  "3d",
	".gltf": "3d",
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true, ".svg": true, ".avif": true,
}

var (
	localePrefix = regexp.MustCompile(`^/([a-z]{2})(?:[-_][a-z]{2})?(?:/|$)`)
	rawAssetLink = regexp.MustCompile(`(?i)(?:https?:)?(?://|/)[^\s"'<>()\\]+?\.(?:pdf|zip|dwg|dxf|step|stp|igs|iges|rfa|stl|obj|3ds|skp|glb)(?:\?[^\s"'<>()\\]*)?`)
)

// IsProductPath reports whether a URL path looks like a product detail page.
func IsProductPath(p string) bool {
	return containsAny(strings.ToLower(withSlash(p)), productPathMarkers)
}

// IsCategoryPath reports whether a URL path looks like a category or collection page.
func IsCategoryPath(p string) bool {
	return containsAny(strings.ToLower(withSlash(p)), categoryPathMarkers)
}

// IsDisallowedPath reports whether a path points at boilerplate (login, cart, legal...).
func IsDisallowedPath(p string) bool {
	return containsAny(strings.ToLower(p), disallowedPathMarkers)
}

// AssetFormat returns the asset format for a path by extension, or "".
func AssetFormat(p string) string {
	return assetExtensions[strings.ToLower(path.Ext(p))]
}

func IsImagePath(p string) bool {
	return imageExtensions[strings.ToLower(path.Ext(p))]
}

// LocalePrefix returns the two-letter locale segment a path starts with, or "".
func LocalePrefix(p string) string {
	m := localePrefix.FindStringSubmatch(strings.ToLower(p))
	if m == nil {
		return ""
	}
	return m[1]
}

func withSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
