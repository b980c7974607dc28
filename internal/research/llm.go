package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/TobiSchelling/SiteForge/internal/llm"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

// angles give each source of an LLM-backed query a distinct perspective so
// the sources do not all return the same answer.
var angles = []string{
	"market and pricing trends",
	"buyer intent and common questions",
	"competitor content and positioning",
	"search keywords and content gaps",
	"seasonal demand and promotions",
}

const researchPrompt = `You are a market researcher preparing content for an affiliate website.

Niche: %s
Topic: %s
Focus areas: %s
Perspective: %s
Only consider developments from the last %d days.

Return 3-5 concise insights as JSON:
{"insights": [{"title": "short headline", "summary": "1-2 sentences", "tags": ["keyword", "keyword"]}]}

Respond ONLY with valid JSON.`

// LLMProvider researches queries with a language model.
type LLMProvider struct {
	llm       llm.Provider
	maxTokens int
}

// NewLLMProvider wraps an LLM provider as a research source.
func NewLLMProvider(p llm.Provider, maxTokens int) *LLMProvider {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &LLMProvider{llm: p, maxTokens: maxTokens}
}

func (p *LLMProvider) Name() string { return p.llm.Name() }

// Gather implements Provider.
func (p *LLMProvider) Gather(ctx context.Context, q Query, source int) ([]Insight, error) {
	angle := angles[source%len(angles)]
	prompt := fmt.Sprintf(researchPrompt, q.Niche, q.Topic, strings.Join(q.FocusAreas, ", "), angle, q.RecencyDays)

	text, err := p.llm.Generate(ctx, prompt, p.maxTokens)
	if err != nil {
		return nil, fmt.Errorf("%s research call: %w", p.llm.Name(), err)
	}

	var parsed struct {
		Insights []Insight `json:"insights"`
	}
	if err := llm.DecodeJSONResponse(text, &parsed); err != nil {
		// Malformed model output is usually a one-off.
		return nil, stage.Transient(stage.CodeUnavailable, err)
	}

	var out []Insight
	for _, in := range parsed.Insights {
		in.Title = strings.TrimSpace(in.Title)
		if in.Title == "" {
			continue
		}
		in.Summary = strings.TrimSpace(in.Summary)
		in.Source = p.llm.Name() + " (" + angle + ")"
		out = append(out, in)
	}
	return out, nil
}
