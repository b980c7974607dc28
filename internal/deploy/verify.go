package deploy

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Verifier checks that a live site serves the expected brand.
type Verifier struct {
	client *http.Client
}

// NewVerifier creates a verifier with the given request timeout.
func NewVerifier(timeout time.Duration) *Verifier {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Verifier{client: &http.Client{Timeout: timeout}}
}

// Verify fetches url and reports whether the page title or headings mention
// brand. It is best effort: failures are logged and reported as false.
func (v *Verifier) Verify(ctx context.Context, url, brand string) bool {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Printf("Verify %s: %v", url, err)
		return false
	}
	req.Header.Set("User-Agent", "SiteForge/1.0 (verify)")

	resp, err := v.client.Do(req)
	if err != nil {
		log.Printf("Verify %s: %v", url, err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("Verify %s: HTTP %d", url, resp.StatusCode)
		return false
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		log.Printf("Verify %s: parsing HTML: %v", url, err)
		return false
	}

	want := strings.ToLower(brand)
	found := strings.Contains(strings.ToLower(doc.Find("title").First().Text()), want)
	doc.Find("h1, h2, h3, nav a").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.Contains(strings.ToLower(s.Text()), want) {
			found = true
		}
		return !found
	})
	if !found {
		log.Printf("Verify %s: brand %q not found on page", url, brand)
	}
	return found
}
