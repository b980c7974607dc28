package research

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/TobiSchelling/SiteForge/internal/stage"
)

const (
	newsAPIBaseURL  = "https://newsapi.org/v2/everything"
	newsAPIPageSize = 10
)

// NewsProvider researches queries through the NewsAPI search endpoint.
// Source i reads result page i+1, so sources never overlap.
type NewsProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewNewsProvider creates a NewsAPI provider using the given key.
func NewNewsProvider(apiKey string, timeout time.Duration) *NewsProvider {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &NewsProvider{
		apiKey:  apiKey,
		baseURL: newsAPIBaseURL,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// IsConfigured returns whether the API key is available.
func (p *NewsProvider) IsConfigured() bool {
	return p.apiKey != ""
}

func (p *NewsProvider) Name() string { return "newsapi" }

// Gather implements Provider.
func (p *NewsProvider) Gather(ctx context.Context, q Query, source int) ([]Insight, error) {
	if p.apiKey == "" {
		return nil, stage.Validation(stage.CodeInvalidConfig, fmt.Errorf("NewsAPI key not configured"))
	}

	terms := append([]string{q.Topic}, q.FocusAreas...)
	now := p.now()
	params := url.Values{
		"q":        {strings.Join(terms, " OR ")},
		"from":     {now.AddDate(0, 0, -q.RecencyDays).Format("2006-01-02")},
		"to":       {now.Format("2006-01-02")},
		"language": {"en"},
		"pageSize": {strconv.Itoa(newsAPIPageSize)},
		"page":     {strconv.Itoa(source + 1)},
		"sortBy":   {"relevancy"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building NewsAPI request: %w", err)
	}
	req.Header.Set("X-Api-Key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("NewsAPI request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &stage.HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var result struct {
		Status   string `json:"status"`
		Message  string `json:"message"`
		Articles []struct {
			URL         string `json:"url"`
			Title       string `json:"title"`
			Content     string `json:"content"`
			Description string `json:"description"`
			Source      struct {
				Name string `json:"name"`
			} `json:"source"`
		} `json:"articles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, stage.Transient(stage.CodeUnavailable, fmt.Errorf("decoding NewsAPI response: %w", err))
	}
	if result.Status != "ok" {
		return nil, stage.Validation(stage.CodeInvalidConfig, fmt.Errorf("NewsAPI status %s: %s", result.Status, result.Message))
	}

	var out []Insight
	for _, a := range result.Articles {
		if a.URL == "" || a.Title == "" {
			continue
		}
		if a.Title == "[Removed]" || a.URL == "https://removed.com" {
			continue
		}

		summary := a.Description
		if summary == "" {
			summary = a.Content
		}
		name := "NewsAPI"
		if a.Source.Name != "" {
			name = a.Source.Name
		}
		out = append(out, Insight{
			Title:   strings.TrimSpace(a.Title),
			Summary: truncate(strings.TrimSpace(summary), summaryLength),
			Source:  name,
			URL:     a.URL,
		})
	}

	log.Printf("NewsAPI: %d articles for %q (page %d)", len(out), q.Topic, source+1)
	return out, nil
}
