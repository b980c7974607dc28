package research

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/SiteForge/internal/stage"
)

const (
	maxPerFeed     = 20
	maxFeedResults = 5
	summaryLength  = 280
)

// FeedConfig is a single RSS/Atom feed.
type FeedConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// FeedProvider researches queries by reading recent articles from niche
// feeds. Source i reads feed i modulo the number of feeds.
type FeedProvider struct {
	feeds     []FeedConfig
	client    *http.Client
	fetchText bool
	now       func() time.Time
}

// NewFeedProvider creates a feed provider. With fetchText set, matching
// articles are downloaded and summarized from their readable text.
func NewFeedProvider(feeds []FeedConfig, timeout time.Duration, fetchText bool) *FeedProvider {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &FeedProvider{
		feeds:     feeds,
		fetchText: fetchText,
		now:       time.Now,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

func (p *FeedProvider) Name() string { return "feeds" }

// Gather implements Provider.
func (p *FeedProvider) Gather(ctx context.Context, q Query, source int) ([]Insight, error) {
	if len(p.feeds) == 0 {
		return nil, stage.Validation(stage.CodeInvalidConfig, fmt.Errorf("no research feeds configured"))
	}
	fc := p.feeds[source%len(p.feeds)]
	name := fc.Name
	if name == "" {
		name = extractSourceName(fc.URL)
	}

	parser := gofeed.NewParser()
	parser.Client = p.client
	feed, err := parser.ParseURLWithContext(fc.URL, ctx)
	if err != nil {
		var he gofeed.HTTPError
		if errors.As(err, &he) {
			return nil, &stage.HTTPStatusError{StatusCode: he.StatusCode, Body: he.Status}
		}
		return nil, fmt.Errorf("parsing feed %s: %w", fc.URL, err)
	}

	cutoff := p.now().AddDate(0, 0, -q.RecencyDays)
	terms := queryTerms(q)

	var out []Insight
	for i, item := range feed.Items {
		if i >= maxPerFeed || len(out) >= maxFeedResults {
			break
		}
		in, published := parseItem(item, name)
		if in == nil || !isWithinWindow(published, cutoff) {
			continue
		}
		if !matches(in.Title+" "+in.Summary, terms) {
			continue
		}
		if p.fetchText {
			if text := p.fetchArticleText(ctx, in.URL); text != "" {
				in.Summary = text
			}
		}
		in.Summary = truncate(in.Summary, summaryLength)
		out = append(out, *in)
	}

	log.Printf("Feed %s: %d matching entries for %q (within %d days)", name, len(out), q.Topic, q.RecencyDays)
	return out, nil
}

func (p *FeedProvider) fetchArticleText(ctx context.Context, articleURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", "SiteForge/1.0 (research)")

	resp, err := p.client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ""
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	parsedURL, _ := url.Parse(articleURL)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsedURL)
	if err != nil {
		return ""
	}
	text := strings.Join(strings.Fields(article.TextContent), " ")
	if len(text) > 100 {
		return text
	}
	return ""
}

func queryTerms(q Query) []string {
	var terms []string
	for _, w := range strings.Fields(q.Topic) {
		if len(w) > 3 {
			terms = append(terms, w)
		}
	}
	terms = append(terms, q.FocusAreas...)
	if q.Niche != "" {
		terms = append(terms, q.Niche)
	}
	return terms
}

func matches(text string, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	text = strings.ToLower(text)
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

func parseItem(item *gofeed.Item, source string) (*Insight, *time.Time) {
	itemURL := item.Link
	if itemURL == "" {
		itemURL = item.GUID
	}
	title := strings.TrimSpace(item.Title)
	if itemURL == "" || title == "" {
		return nil, nil
	}

	published := item.PublishedParsed
	if published == nil {
		published = item.UpdatedParsed
	}

	var content string
	if item.Description != "" {
		content = stripHTML(item.Description)
	} else if item.Content != "" {
		content = stripHTML(item.Content)
	}

	return &Insight{
		Title:   title,
		Summary: content,
		Source:  source,
		URL:     itemURL,
	}, published
}

func isWithinWindow(published *time.Time, cutoff time.Time) bool {
	if published == nil {
		return true // undated entries get the benefit of the doubt
	}
	return !published.Before(cutoff)
}

func stripHTML(text string) string {
	var result strings.Builder
	inTag := false
	for _, r := range text {
		switch {
		case r == '<':
			inTag = true
			result.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			result.WriteRune(r)
		}
	}

	s := strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	).Replace(result.String())
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := strings.LastIndex(s[:n], " ")
	if cut <= 0 {
		cut = n
	}
	return s[:cut] + "..."
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())
	for _, prefix := range []string{"www.", "blog.", "blogs.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	name := host
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
