// Package generate renders a site request, its research insights and the
// validated data-source schema into a deployable site directory.
package generate

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/SiteForge/internal/research"
	"github.com/TobiSchelling/SiteForge/internal/site"
	"github.com/TobiSchelling/SiteForge/internal/source"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// ErrTemplateRender is returned when a placeholder cannot be resolved.
var ErrTemplateRender = errors.New("template render error")

// ManifestFile is written at the root of every generated site.
const ManifestFile = "siteforge.json"

// siteFiles maps output paths to the templates that produce them.
var siteFiles = []struct {
	path, tmpl string
}{
	{"package.json", "package.json.tmpl"},
	{"next.config.js", "next.config.js.tmpl"},
	{"vercel.json", "vercel.json.tmpl"},
	{".env.example", "env.example.tmpl"},
	{"pages/index.js", "index.js.tmpl"},
	{"pages/api/products.js", "products.js.tmpl"},
	{"pages/category/[slug].js", "category.js.tmpl"},
	{"components/Navigation.js", "Navigation.js.tmpl"},
	{"components/Hero.js", "Hero.js.tmpl"},
	{"components/ProductGrid.js", "ProductGrid.js.tmpl"},
	{"components/ProductCard.js", "ProductCard.js.tmpl"},
	{"components/Footer.js", "Footer.js.tmpl"},
	{"styles/globals.css", "globals.css.tmpl"},
	{"tailwind.config.js", "tailwind.config.js.tmpl"},
	{"postcss.config.js", "postcss.config.js.tmpl"},
	{"README.md", "README.md.tmpl"},
	{"DEPLOYMENT.md", "DEPLOYMENT.md.tmpl"},
	{"public/insights.html", "insights.html.tmpl"},
}

// requiredVars must resolve to a non-empty value before anything is rendered.
var requiredVars = []string{"niche", "audience", "headline", "cta", "data_source_url", "data_source_kind"}

// Manifest records what a site was generated from. It carries no timestamps
// so identical inputs produce identical bytes.
type Manifest struct {
	Brand               string   `json:"brand"`
	Project             string   `json:"project"`
	Niche               string   `json:"niche"`
	DataSource          string   `json:"data_source"`
	RequestFingerprint  string   `json:"request_fingerprint"`
	InsightFingerprint  string   `json:"insight_fingerprint"`
	SchemaFingerprint   string   `json:"schema_fingerprint"`
	SnapshotFingerprint string   `json:"snapshot_fingerprint"`
	PartialInsights     bool     `json:"partial_insights"`
	Files               []string `json:"files"`
}

// Output describes a generated site.
type Output struct {
	Dir      string   `json:"dir"`
	Files    []string `json:"files"`
	Digest   string   `json:"digest"`
	Manifest Manifest `json:"manifest"`
}

// Generator renders sites.
type Generator struct {
	profiles *site.Profiles
	required []string
	tmpl     *template.Template
	md       goldmark.Markdown
	fsFor    func(dir string) billy.Filesystem
}

// New creates a generator writing to the local disk. required lists the
// product fields the generated site reads; empty uses the source defaults.
func New(profiles *site.Profiles, required []string) (*Generator, error) {
	if len(required) == 0 {
		required = source.DefaultRequiredFields
	}
	canon := make([]string, len(required))
	for i, f := range required {
		canon[i] = source.CanonicalField(f)
	}

	funcs := template.FuncMap{
		"join": strings.Join,
		"json": func(v any) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}
	tmpl, err := template.New("site").
		Delims("[[", "]]").
		Funcs(funcs).
		Option("missingkey=error").
		ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parsing site templates: %w", err)
	}

	return &Generator{
		profiles: profiles,
		required: canon,
		tmpl:     tmpl,
		md:       goldmark.New(),
		fsFor:    func(dir string) billy.Filesystem { return osfs.New(dir) },
	}, nil
}

// WithFilesystem replaces the filesystem a site directory is written to.
func (g *Generator) WithFilesystem(fn func(dir string) billy.Filesystem) *Generator {
	g.fsFor = fn
	return g
}

// Dir returns the directory a request's site is generated into.
func Dir(req site.Request) string {
	return filepath.Join(req.OutputDir, req.Project())
}

// Generate renders the site for req. The output tree depends only on its
// inputs; files left by a previous generation that are no longer produced
// are removed.
func (g *Generator) Generate(req site.Request, agg research.Aggregate, snap source.Snapshot) (Output, error) {
	data, err := g.templateData(req, agg, snap)
	if err != nil {
		return Output{}, err
	}

	rendered := make(map[string][]byte, len(siteFiles)+1)
	for _, f := range siteFiles {
		var buf bytes.Buffer
		if err := g.tmpl.ExecuteTemplate(&buf, f.tmpl, data); err != nil {
			return Output{}, renderError(f.path, err)
		}
		rendered[f.path] = buf.Bytes()
	}

	files := make([]string, 0, len(rendered)+1)
	for p := range rendered {
		files = append(files, p)
	}
	files = append(files, ManifestFile)
	sort.Strings(files)

	brand := site.FormatBrand(req.BrandName)
	manifest := Manifest{
		Brand:               brand.Display,
		Project:             brand.Slug,
		Niche:               req.Niche,
		DataSource:          req.Source.String(),
		RequestFingerprint:  req.Fingerprint(),
		InsightFingerprint:  agg.Fingerprint(),
		SchemaFingerprint:   snap.SchemaFingerprint,
		SnapshotFingerprint: snap.Fingerprint(),
		PartialInsights:     agg.Partial,
		Files:               files,
	}
	mb, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Output{}, stage.Fatal(stage.CodeInternal, fmt.Errorf("encoding manifest: %w", err))
	}
	rendered[ManifestFile] = append(mb, '\n')

	dir := Dir(req)
	fs := g.fsFor(dir)
	if err := removeStale(fs, rendered); err != nil {
		return Output{}, err
	}
	for _, p := range files {
		if err := writeFile(fs, p, rendered[p]); err != nil {
			return Output{}, stage.Fatal(stage.CodeInternal, fmt.Errorf("writing %s: %w", p, err))
		}
	}

	out := Output{
		Dir:      dir,
		Files:    files,
		Digest:   digest(files, rendered),
		Manifest: manifest,
	}
	log.Printf("Generated %d files in %s (digest %s)", len(files), dir, out.Digest[:12])
	return out, nil
}

func (g *Generator) templateData(req site.Request, agg research.Aggregate, snap source.Snapshot) (map[string]any, error) {
	profile, err := g.profiles.Get(req.Niche)
	if err != nil {
		return nil, renderError("profile", err)
	}

	for _, f := range g.required {
		if !snap.HasField(f) {
			return nil, renderError("product fields", fmt.Errorf("data source snapshot has no %q field", f))
		}
	}

	var insightsHTML bytes.Buffer
	if err := g.md.Convert([]byte(agg.Markdown()), &insightsHTML); err != nil {
		return nil, renderError("insights", err)
	}

	schemaFields := make([]string, 0, len(snap.Fields))
	for _, f := range snap.Fields {
		schemaFields = append(schemaFields, f.Name)
	}

	keywords := agg.Keywords()
	if keywords == nil {
		keywords = []string{}
	}
	categories := profile.Site.PrimaryCategories
	if categories == nil {
		categories = []string{}
	}

	data := map[string]any{
		"brand":             site.FormatBrand(req.BrandName),
		"niche":             req.Niche,
		"audience":          req.TargetAudience,
		"tagline":           profile.Site.Tagline,
		"description":       profile.Site.Description,
		"categories":        categories,
		"design":            profile.Design,
		"headline":          site.First(profile.Content.HeroHeadlines, profile.Site.Tagline),
		"value_proposition": site.First(profile.Content.ValuePropositions, profile.Site.Description),
		"cta":               site.First(profile.Content.PrimaryCTAs, ""),
		"keywords":          keywords,
		"partial":           agg.Partial,
		"insights_html":     insightsHTML.String(),
		"data_source_kind":  string(req.Source.Kind),
		"data_source_url":   DataSourceURL(req.Source),
		"required_fields":   g.required,
		"schema_fields":     schemaFields,
		"row_count":         snap.RowCount,
	}

	var missing []string
	for _, k := range requiredVars {
		if s, _ := data[k].(string); strings.TrimSpace(s) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, renderError("variables", fmt.Errorf("unresolved placeholders: %s", strings.Join(missing, ", ")))
	}
	return data, nil
}

// DataSourceURL is the endpoint the deployed site reads products from.
func DataSourceURL(ref site.SourceRef) string {
	if ref.Kind != site.SourceSheet {
		return ref.URL
	}
	u := "https://docs.google.com/spreadsheets/d/" + url.PathEscape(ref.SheetID) + "/export?format=csv"
	if ref.GID != "" {
		u += "&gid=" + url.QueryEscape(ref.GID)
	}
	return u
}

func renderError(what string, err error) error {
	return stage.Fatal(stage.CodeTemplateRender, fmt.Errorf("%w: %s: %v", ErrTemplateRender, what, err))
}

// removeStale deletes files listed in a previous manifest that this
// generation does not produce.
func removeStale(fs billy.Filesystem, rendered map[string][]byte) error {
	prev, err := util.ReadFile(fs, ManifestFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return stage.Fatal(stage.CodeInternal, fmt.Errorf("reading previous manifest: %w", err))
	}
	var m Manifest
	if err := json.Unmarshal(prev, &m); err != nil {
		log.Printf("Ignoring unreadable previous manifest: %v", err)
		return nil
	}
	for _, p := range m.Files {
		if _, ok := rendered[p]; ok {
			continue
		}
		if err := fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return stage.Fatal(stage.CodeInternal, fmt.Errorf("removing stale %s: %w", p, err))
		}
	}
	return nil
}

func writeFile(fs billy.Filesystem, path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return util.WriteFile(fs, path, data, 0o644)
}

func digest(files []string, content map[string][]byte) string {
	h := sha256.New()
	for _, p := range files {
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write(content[p])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ReadSite reads a generated site back through its manifest, returning the
// manifest and every listed file keyed by path.
func ReadSite(fs billy.Filesystem) (Manifest, map[string][]byte, error) {
	var m Manifest
	raw, err := util.ReadFile(fs, ManifestFile)
	if err != nil {
		return m, nil, fmt.Errorf("reading %s: %w", ManifestFile, err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, nil, fmt.Errorf("decoding %s: %w", ManifestFile, err)
	}

	files := make(map[string][]byte, len(m.Files))
	for _, p := range m.Files {
		data, err := util.ReadFile(fs, p)
		if err != nil {
			return m, nil, fmt.Errorf("reading %s: %w", p, err)
		}
		files[p] = data
	}
	return m, files, nil
}

// PlannedFiles lists the paths Generate writes, sorted.
func PlannedFiles() []string {
	files := make([]string, 0, len(siteFiles)+1)
	for _, f := range siteFiles {
		files = append(files, f.path)
	}
	files = append(files, ManifestFile)
	sort.Strings(files)
	return files
}
