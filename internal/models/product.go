package models

import (
	"strings"
	"time"
)

// CategoryPathSeparator joins breadcrumb segments in CatalogProduct.CategoryPath.
const CategoryPathSeparator = " > "

// FailedProductName marks an EnrichedProduct whose extraction failed.
const FailedProductName = "__extraction_failed__"

type SKUSource string

const (
	SKUSourceDOM     SKUSource = "dom_after_interaction"
	SKUSourceUnknown SKUSource = "unknown"
)

type ProductVariant struct {
	Dimension           string    `json:"dimension"`
	DimensionNormalized string    `json:"dimension_normalized"`
	SKU                 *string   `json:"sku"`
	Assets              []string  `json:"assets,omitempty"`
	Strategy            string    `json:"strategy"`
	SKUSource           SKUSource `json:"sku_source"`
}

type AssociatedProduct struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Required bool   `json:"is_required"`
}

type NamedFile struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Format    string `json:"format"`
	LocalPath string `json:"local_path,omitempty"`
}

// ProductRef is a product link discovered on a listing page.
type ProductRef struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

type EnrichedProduct struct {
	URL             string              `json:"url"`
	Name            string              `json:"name"`
	Description     string              `json:"description,omitempty"`
	CategoryPath    []string            `json:"category_path,omitempty"`
	HeroImage       string              `json:"hero_image,omitempty"`
	Gallery         []string            `json:"gallery,omitempty"`
	Files           []NamedFile         `json:"files,omitempty"`
	Code            string              `json:"code,omitempty"`
	Variants        []ProductVariant    `json:"variants,omitempty"`
	Associated      []AssociatedProduct `json:"associated,omitempty"`
	DiscoveredLinks []string            `json:"discovered_links,omitempty"`
	Features        map[string]string   `json:"features,omitempty"`
	Error           string              `json:"error,omitempty"`
}

// FailedProduct returns the degraded result batch callers record as a per-item failure.
func FailedProduct(url string, err error) *EnrichedProduct {
	p := &EnrichedProduct{URL: url, Name: FailedProductName}
	if err != nil {
		p.Error = err.Error()
	}
	return p
}

func (p *EnrichedProduct) IsFailed() bool {
	return p == nil || p.Name == FailedProductName
}

// CatalogProduct is the permanent record, unique by URL.
type CatalogProduct struct {
	ID           int64               `json:"id"`
	ProfileID    string              `json:"profile_id,omitempty"`
	CategoryPath string              `json:"category_path"`
	Name         string              `json:"name"`
	URL          string              `json:"url"`
	HeroImage    string              `json:"hero_image,omitempty"`
	Code         string              `json:"code,omitempty"`
	Variants     []ProductVariant    `json:"variants"`
	Gallery      []string            `json:"gallery"`
	Files        []NamedFile         `json:"files"`
	Associated   []AssociatedProduct `json:"associated"`
	Features     map[string]string   `json:"features"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// NewCatalogProduct converts an enrichment result into its catalog row.
func NewCatalogProduct(profileID string, p *EnrichedProduct) *CatalogProduct {
	cp := &CatalogProduct{
		ProfileID:    profileID,
		CategoryPath: strings.Join(p.CategoryPath, CategoryPathSeparator),
		Name:         p.Name,
		URL:          p.URL,
		HeroImage:    p.HeroImage,
		Code:         p.Code,
		Variants:     p.Variants,
		Gallery:      p.Gallery,
		Files:        p.Files,
		Associated:   p.Associated,
		Features:     p.Features,
	}
	if cp.Variants == nil {
		cp.Variants = []ProductVariant{}
	}
	if cp.Gallery == nil {
		cp.Gallery = []string{}
	}
	if cp.Files == nil {
		cp.Files = []NamedFile{}
	}
	if cp.Associated == nil {
		cp.Associated = []AssociatedProduct{}
	}
	if cp.Features == nil {
		cp.Features = map[string]string{}
	}
	return cp
}

type PageKind string

const (
	PageKindCategory    PageKind = "category"
	PageKindProductList PageKind = "product_list"
	PageKindProduct     PageKind = "product"
	PageKindUnknown     PageKind = "unknown"
)

type Listing struct {
	SubcategoryURLs []string     `json:"subcategory_urls"`
	Products        []ProductRef `json:"products"`
	AssetURLs       []string     `json:"asset_urls,omitempty"`
	ImageURLs       []string     `json:"image_urls,omitempty"`
}

// PageAnalysis holds exactly one payload matching Kind: Listing for
// category/product_list/unknown pages, Product for product pages.
type PageAnalysis struct {
	URL      string           `json:"url"`
	Kind     PageKind         `json:"kind"`
	Listing  *Listing         `json:"listing,omitempty"`
	Product  *EnrichedProduct `json:"product,omitempty"`
	Taxonomy []*TaxonomyNode  `json:"taxonomy,omitempty"`
}
