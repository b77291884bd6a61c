package enrich

import (
	"path"
	"strings"

	"github.com/maltedev/catalog-enricher/internal/harvest"
	"github.com/maltedev/catalog-enricher/internal/models"
)

// Fields is what one extraction source found on a product page. Empty
// fields mean "not found".
type Fields struct {
	Name         string
	Description  string
	Code         string
	CategoryPath []string
	HeroImage    string
	Gallery      []string
	Files        []models.NamedFile
	Features     map[string]string
}

// merge fills p from sources given in precedence order. Scalars come from
// the first source that has them; lists are unioned in order; features from
// a stronger source overwrite weaker ones.
func merge(p *models.EnrichedProduct, sources ...*Fields) {
	seenImg := map[string]bool{}
	seenFile := map[string]bool{}
	features := map[string]string{}

	for i := len(sources) - 1; i >= 0; i-- {
		if sources[i] == nil {
			continue
		}
		for k, v := range sources[i].Features {
			features[k] = v
		}
	}

	for _, f := range sources {
		if f == nil {
			continue
		}
		if p.Name == "" {
			p.Name = strings.TrimSpace(f.Name)
		}
		if p.Description == "" {
			p.Description = strings.TrimSpace(f.Description)
		}
		if p.Code == "" {
			p.Code = strings.TrimSpace(f.Code)
		}
		if len(p.CategoryPath) == 0 && len(f.CategoryPath) > 0 {
			p.CategoryPath = f.CategoryPath
		}
		if p.HeroImage == "" {
			p.HeroImage = f.HeroImage
		}
		for _, img := range f.Gallery {
			if img != "" && !seenImg[img] {
				seenImg[img] = true
				p.Gallery = append(p.Gallery, img)
			}
		}
		for _, file := range f.Files {
			key := harvest.Canonical(file.URL)
			if key == "" || seenFile[key] {
				continue
			}
			seenFile[key] = true
			file.URL = key
			if file.Format == "" {
				file.Format = FileFormat(file.URL, file.Name)
			}
			if file.Name == "" {
				file.Name = fileName(file.URL)
			}
			p.Files = append(p.Files, file)
		}
	}

	if p.HeroImage == "" && len(p.Gallery) > 0 {
		p.HeroImage = p.Gallery[0]
	}
	if len(features) > 0 {
		p.Features = features
	}
}

var formatHints = []struct {
	format string
	words  []string
}{
	{"cad", []string{"cad", "dwg", "dxf", "step", "disegno"}},
	{"bim", []string{"bim", "revit", "ifc"}},
	{"3d", []string{"3d model", "3d", "modello 3d"}},
	{"pdf", []string{"datasheet", "data sheet", "scheda tecnica", "technical sheet", "manual", "istruzioni", "catalog", "catalogue", "certificat", "brochure", "pdf"}},
}

// FileFormat infers a document format from the URL extension, falling back
// to words in the link label.
func FileFormat(rawURL, label string) string {
	if f := harvest.AssetFormat(urlPath(rawURL)); f != "" {
		return f
	}
	l := strings.ToLower(label)
	for _, h := range formatHints {
		for _, w := range h.words {
			if strings.Contains(l, w) {
				return h.format
			}
		}
	}
	return "other"
}

func urlPath(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	return rawURL
}

func fileName(rawURL string) string {
	base := path.Base(urlPath(rawURL))
	if base == "." || base == "/" {
		return rawURL
	}
	return base
}
