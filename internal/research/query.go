// Package research issues cached, rate-limited research queries and
// aggregates the results into insight sets.
package research

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/TobiSchelling/SiteForge/internal/cache"
	"github.com/TobiSchelling/SiteForge/internal/site"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

// ErrNoInsights is returned when no source produced any insight.
var ErrNoInsights = errors.New("no research insights obtained")

const (
	DefaultMaxSources  = 3
	DefaultRecencyDays = 30
	maxSourcesLimit    = 10
)

// Query is one research request.
type Query struct {
	Topic       string   `json:"topic"`
	FocusAreas  []string `json:"focus_areas"`
	Niche       string   `json:"niche"`
	MaxSources  int      `json:"max_sources"`
	RecencyDays int      `json:"recency_days"`
}

// Normalize lowercases and trims text fields, sorts and dedupes focus areas,
// and fills defaults, so semantically identical queries compare equal.
func (q Query) Normalize() Query {
	out := Query{
		Topic:       strings.Join(strings.Fields(strings.ToLower(q.Topic)), " "),
		Niche:       strings.ToLower(strings.TrimSpace(q.Niche)),
		MaxSources:  q.MaxSources,
		RecencyDays: q.RecencyDays,
	}
	if out.MaxSources <= 0 {
		out.MaxSources = DefaultMaxSources
	}
	if out.RecencyDays <= 0 {
		out.RecencyDays = DefaultRecencyDays
	}

	seen := make(map[string]bool)
	for _, f := range q.FocusAreas {
		f = strings.Join(strings.Fields(strings.ToLower(f)), " ")
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out.FocusAreas = append(out.FocusAreas, f)
	}
	sort.Strings(out.FocusAreas)
	return out
}

// Fingerprint is a stable hash of the normalized query.
func (q Query) Fingerprint() string {
	n := q.Normalize()
	return cache.Fingerprint(
		"research",
		n.Topic,
		strings.Join(n.FocusAreas, ","),
		n.Niche,
		strconv.Itoa(n.MaxSources),
		strconv.Itoa(n.RecencyDays),
	)
}

// Validate rejects queries that could never produce a useful result.
func (q Query) Validate() error {
	n := q.Normalize()
	if n.Topic == "" {
		return stage.Validation(stage.CodeInvalidInput, fmt.Errorf("research topic is required"))
	}
	if n.Niche == "" {
		return stage.Validation(stage.CodeInvalidInput, fmt.Errorf("research niche is required"))
	}
	if n.MaxSources > maxSourcesLimit {
		return stage.Validation(stage.CodeInvalidInput, fmt.Errorf("max sources %d exceeds limit %d", n.MaxSources, maxSourcesLimit))
	}
	return nil
}

// QueriesFor builds the research queries for a request from its niche profile.
func QueriesFor(req site.Request, profile site.Profile, maxSources, recencyDays int) []Query {
	queries := make([]Query, 0, len(profile.Research))
	for _, t := range profile.Research {
		focus := append([]string{req.TargetAudience}, t.FocusAreas...)
		queries = append(queries, Query{
			Topic:       t.Topic,
			FocusAreas:  focus,
			Niche:       req.Niche,
			MaxSources:  maxSources,
			RecencyDays: recencyDays,
		}.Normalize())
	}
	return queries
}
