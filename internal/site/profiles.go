package site

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/SiteForge/internal/stage"
)

//go:embed profiles/*.yaml
var builtinProfiles embed.FS

// Profile configures how sites for one niche look and what gets researched.
type Profile struct {
	Site     SiteConfig      `yaml:"site_config" json:"site_config"`
	Design   DesignConfig    `yaml:"design_config" json:"design_config"`
	Content  ContentStrategy `yaml:"content_strategy" json:"content_strategy"`
	Research []ResearchTopic `yaml:"research" json:"research"`
}

type SiteConfig struct {
	Niche             string   `yaml:"niche" json:"niche"`
	Tagline           string   `yaml:"tagline" json:"tagline"`
	Description       string   `yaml:"description" json:"description"`
	TargetAudience    string   `yaml:"target_audience" json:"target_audience"`
	PrimaryCategories []string `yaml:"primary_categories" json:"primary_categories"`
}

type DesignConfig struct {
	Primary    string `yaml:"primary" json:"primary"`
	Secondary  string `yaml:"secondary" json:"secondary"`
	Accent     string `yaml:"accent" json:"accent"`
	Background string `yaml:"background" json:"background"`
	HeadFont   string `yaml:"heading_font" json:"heading_font"`
	BodyFont   string `yaml:"body_font" json:"body_font"`
}

type ContentStrategy struct {
	HeroHeadlines     []string `yaml:"hero_headlines" json:"hero_headlines"`
	ValuePropositions []string `yaml:"value_propositions" json:"value_propositions"`
	PrimaryCTAs       []string `yaml:"primary_ctas" json:"primary_ctas"`
}

// ResearchTopic seeds one research query for a niche.
type ResearchTopic struct {
	Topic      string   `yaml:"topic" json:"topic"`
	FocusAreas []string `yaml:"focus_areas" json:"focus_areas"`
}

// Profiles is the set of known niches.
type Profiles struct {
	byNiche map[string]Profile
}

// LoadProfiles reads the built-in profiles, then any *.yaml in overrideDir.
// Override files replace a built-in niche of the same name.
func LoadProfiles(overrideDir string) (*Profiles, error) {
	p := &Profiles{byNiche: make(map[string]Profile)}

	entries, err := builtinProfiles.ReadDir("profiles")
	if err != nil {
		return nil, fmt.Errorf("reading built-in profiles: %w", err)
	}
	for _, e := range entries {
		data, err := builtinProfiles.ReadFile("profiles/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		if err := p.add(e.Name(), data); err != nil {
			return nil, err
		}
	}

	if overrideDir == "" {
		return p, nil
	}
	files, err := filepath.Glob(filepath.Join(overrideDir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("listing profile overrides: %w", err)
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f, err)
		}
		if err := p.add(filepath.Base(f), data); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Profiles) add(filename string, data []byte) error {
	var prof Profile
	if err := yaml.Unmarshal(data, &prof); err != nil {
		return stage.Validation(stage.CodeInvalidConfig, fmt.Errorf("parsing profile %s: %w", filename, err))
	}
	niche := strings.ToLower(strings.TrimSpace(prof.Site.Niche))
	if niche == "" {
		niche = strings.TrimSuffix(filename, filepath.Ext(filename))
	}
	prof.Site.Niche = niche
	if len(prof.Research) == 0 {
		return stage.Validation(stage.CodeInvalidConfig, fmt.Errorf("profile %s has no research topics", filename))
	}
	p.byNiche[niche] = prof
	return nil
}

// Get returns the profile for a niche.
func (p *Profiles) Get(niche string) (Profile, error) {
	prof, ok := p.byNiche[strings.ToLower(strings.TrimSpace(niche))]
	if !ok {
		return Profile{}, stage.Validation(stage.CodeInvalidInput,
			fmt.Errorf("unknown niche %q (known: %s)", niche, strings.Join(p.Niches(), ", ")))
	}
	return prof, nil
}

// Niches lists known niche identifiers in sorted order.
func (p *Profiles) Niches() []string {
	out := make([]string, 0, len(p.byNiche))
	for n := range p.byNiche {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// First returns the first entry of list, or fallback when it is empty.
func First(list []string, fallback string) string {
	if len(list) > 0 && list[0] != "" {
		return list[0]
	}
	return fallback
}
