// Package site holds the generation request and the niche profiles that
// shape a generated affiliate site.
package site

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/TobiSchelling/SiteForge/internal/cache"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

// SourceKind distinguishes live product data sources.
type SourceKind string

const (
	SourceSheet SourceKind = "sheet"
	SourceAPI   SourceKind = "api"
)

// SourceRef points at a live product data source.
type SourceRef struct {
	Kind    SourceKind `json:"kind"`
	SheetID string     `json:"sheet_id,omitempty"`
	GID     string     `json:"gid,omitempty"`
	URL     string     `json:"url,omitempty"`
}

var sheetURLPattern = regexp.MustCompile(`^/spreadsheets/d/([A-Za-z0-9_-]+)`)

// ParseSourceRef accepts "sheet:<id>[#gid]", a Google Sheets URL, or an
// http(s) API base URL.
func ParseSourceRef(s string) (SourceRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return SourceRef{}, stage.Validation(stage.CodeInvalidInput, fmt.Errorf("data source reference is required"))
	}

	if rest, ok := strings.CutPrefix(s, "sheet:"); ok {
		id, gid, _ := strings.Cut(rest, "#")
		if id == "" {
			return SourceRef{}, stage.Validation(stage.CodeInvalidInput, fmt.Errorf("sheet reference %q has no id", s))
		}
		return SourceRef{Kind: SourceSheet, SheetID: id, GID: gid}, nil
	}

	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return SourceRef{}, stage.Validation(stage.CodeInvalidInput, fmt.Errorf("unrecognized data source reference %q", s))
	}

	if u.Host == "docs.google.com" {
		m := sheetURLPattern.FindStringSubmatch(u.Path)
		if m == nil {
			return SourceRef{}, stage.Validation(stage.CodeInvalidInput, fmt.Errorf("cannot find sheet id in %q", s))
		}
		gid := u.Query().Get("gid")
		if gid == "" && strings.HasPrefix(u.Fragment, "gid=") {
			gid = strings.TrimPrefix(u.Fragment, "gid=")
		}
		return SourceRef{Kind: SourceSheet, SheetID: m[1], GID: gid}, nil
	}

	return SourceRef{Kind: SourceAPI, URL: strings.TrimRight(u.String(), "/")}, nil
}

// String renders the canonical form used as the deployed data-source binding.
func (r SourceRef) String() string {
	switch r.Kind {
	case SourceSheet:
		if r.GID != "" {
			return "sheet:" + r.SheetID + "#" + r.GID
		}
		return "sheet:" + r.SheetID
	default:
		return r.URL
	}
}

// Request is an immutable description of one site to generate.
type Request struct {
	BrandName      string    `json:"brand_name"`
	Niche          string    `json:"niche"`
	TargetAudience string    `json:"target_audience"`
	Source         SourceRef `json:"source"`
	OutputDir      string    `json:"output_dir"`
}

// NewRequest validates its inputs against the known niche profiles so bad
// configuration fails here rather than inside a remote call.
func NewRequest(profiles *Profiles, brand, niche, audience, source, outputDir string) (Request, error) {
	brand = strings.TrimSpace(brand)
	if brand == "" {
		return Request{}, stage.Validation(stage.CodeInvalidInput, fmt.Errorf("brand name is required"))
	}
	if FormatBrand(brand).Slug == "" {
		return Request{}, stage.Validation(stage.CodeInvalidInput, fmt.Errorf("brand name %q has no usable characters", brand))
	}

	niche = strings.ToLower(strings.TrimSpace(niche))
	profile, err := profiles.Get(niche)
	if err != nil {
		return Request{}, err
	}

	ref, err := ParseSourceRef(source)
	if err != nil {
		return Request{}, err
	}

	audience = strings.TrimSpace(audience)
	if audience == "" {
		audience = profile.Site.TargetAudience
	}
	if audience == "" {
		audience = niche + " enthusiasts"
	}

	if strings.TrimSpace(outputDir) == "" {
		return Request{}, stage.Validation(stage.CodeInvalidConfig, fmt.Errorf("output directory is required"))
	}

	return Request{
		BrandName:      brand,
		Niche:          niche,
		TargetAudience: audience,
		Source:         ref,
		OutputDir:      outputDir,
	}, nil
}

// Project returns the project name used for locking and deployment records.
func (r Request) Project() string {
	return FormatBrand(r.BrandName).Slug
}

// Fingerprint identifies the request's normalized inputs.
func (r Request) Fingerprint() string {
	return cache.Fingerprint(
		"request",
		strings.ToLower(r.BrandName),
		r.Niche,
		strings.ToLower(r.TargetAudience),
		r.Source.String(),
	)
}

// Brand holds the brand name in the forms templates need.
type Brand struct {
	Original  string
	Slug      string
	Component string
	Display   string
}

var (
	nonSlug      = regexp.MustCompile(`[^a-z0-9-]+`)
	nonComponent = regexp.MustCompile(`[^A-Za-z0-9]+`)
)

// FormatBrand derives the slug, component and display names of a brand.
func FormatBrand(name string) Brand {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.NewReplacer(" ", "-", "_", "-").Replace(slug)
	slug = nonSlug.ReplaceAllString(slug, "")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")

	var component strings.Builder
	for _, word := range strings.FieldsFunc(name, func(r rune) bool { return r == ' ' || r == '-' || r == '_' }) {
		word = nonComponent.ReplaceAllString(word, "")
		if word == "" {
			continue
		}
		component.WriteString(strings.ToUpper(word[:1]) + word[1:])
	}

	display := strings.Join(strings.Fields(name), " ")

	return Brand{
		Original:  name,
		Slug:      slug,
		Component: component.String(),
		Display:   display,
	}
}
