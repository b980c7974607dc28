package research

import (
	"fmt"
	"sort"
	"strings"

	"github.com/TobiSchelling/SiteForge/internal/cache"
)

// Insight is one finding returned by a research source.
type Insight struct {
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	Source  string   `json:"source,omitempty"`
	URL     string   `json:"url,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// InsightSet is the result of one query.
type InsightSet struct {
	Query       Query     `json:"query"`
	Fingerprint string    `json:"fingerprint"`
	Insights    []Insight `json:"insights"`
	Partial     bool      `json:"partial"`
	Sources     int       `json:"sources"`
	Failed      int       `json:"failed"`
}

// Aggregate combines the insight sets of every query in a run.
type Aggregate struct {
	Niche    string       `json:"niche"`
	Sets     []InsightSet `json:"sets"`
	Partial  bool         `json:"partial"`
	Failures []string     `json:"failures,omitempty"`
}

// Count returns the total number of insights.
func (a Aggregate) Count() int {
	n := 0
	for _, s := range a.Sets {
		n += len(s.Insights)
	}
	return n
}

// Fingerprint identifies the aggregate's content. It depends only on query
// fingerprints and insight text so it is stable across equal results.
func (a Aggregate) Fingerprint() string {
	parts := []string{"insights", a.Niche}
	for _, s := range a.Sets {
		parts = append(parts, s.Fingerprint)
		for _, in := range s.Insights {
			parts = append(parts, in.Title, in.Summary, in.URL)
		}
	}
	return cache.Fingerprint(parts...)
}

// Markdown renders the aggregate as a markdown document.
func (a Aggregate) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Market insights: %s\n\n", a.Niche)
	if a.Partial {
		b.WriteString("_Some research sources were unavailable; these insights are incomplete._\n\n")
	}
	for _, s := range a.Sets {
		if len(s.Insights) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", titleCase(s.Query.Topic))
		for _, in := range s.Insights {
			if in.URL != "" {
				fmt.Fprintf(&b, "- **[%s](%s)**", in.Title, in.URL)
			} else {
				fmt.Fprintf(&b, "- **%s**", in.Title)
			}
			if in.Summary != "" {
				fmt.Fprintf(&b, ": %s", in.Summary)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Keywords returns the distinct insight tags in sorted order.
func (a Aggregate) Keywords() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range a.Sets {
		for _, in := range s.Insights {
			for _, t := range in.Tags {
				t = strings.ToLower(strings.TrimSpace(t))
				if t != "" && !seen[t] {
					seen[t] = true
					out = append(out, t)
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

func sortInsights(in []Insight) {
	sort.SliceStable(in, func(i, j int) bool {
		if in[i].Title != in[j].Title {
			return in[i].Title < in[j].Title
		}
		if in[i].URL != in[j].URL {
			return in[i].URL < in[j].URL
		}
		return in[i].Summary < in[j].Summary
	})
}

func dedupeInsights(in []Insight) []Insight {
	seen := make(map[string]bool)
	out := in[:0]
	for _, i := range in {
		key := strings.ToLower(i.Title) + "\x00" + i.URL
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, i)
	}
	return out
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
