package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/TobiSchelling/SiteForge/internal/site"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

// Reader reads the raw table behind a source reference.
type Reader interface {
	Read(ctx context.Context, ref site.SourceRef) (*Table, error)
}

// APIReader reads products from a REST source exposing /health and /products.
type APIReader struct {
	client *http.Client
}

// NewAPIReader creates an API reader with the given request timeout.
func NewAPIReader(timeout time.Duration) *APIReader {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIReader{client: &http.Client{Timeout: timeout}}
}

type productsEnvelope struct {
	Count    *int             `json:"count"`
	Products []map[string]any `json:"products"`
}

// Read implements Reader.
func (r *APIReader) Read(ctx context.Context, ref site.SourceRef) (*Table, error) {
	if _, err := r.get(ctx, ref.URL+"/health"); err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}

	body, err := r.get(ctx, ref.URL+"/products")
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}

	var products []map[string]any
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &products); err != nil {
			return nil, stage.Validation(stage.CodeSchemaMismatch, fmt.Errorf("%w: decoding products: %v", ErrSchemaMismatch, err))
		}
	} else {
		var env productsEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, stage.Validation(stage.CodeSchemaMismatch, fmt.Errorf("%w: decoding products: %v", ErrSchemaMismatch, err))
		}
		if env.Products == nil {
			return nil, stage.Validation(stage.CodeSchemaMismatch, fmt.Errorf("%w: response has no products list", ErrSchemaMismatch))
		}
		if env.Count != nil && *env.Count != len(env.Products) {
			log.Printf("Source %s reports count %d but returned %d products", ref.URL, *env.Count, len(env.Products))
		}
		products = env.Products
	}

	return tableFromObjects(products), nil
}

func (r *APIReader) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, stage.Validation(stage.CodeInvalidInput, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &stage.HTTPStatusError{StatusCode: resp.StatusCode, Body: truncateBody(body)}
	}
	return body, nil
}

func tableFromObjects(objects []map[string]any) *Table {
	cols := make(map[string]bool)
	rows := make([]map[string]any, 0, len(objects))
	for _, obj := range objects {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		row := make(map[string]any, len(obj))
		exact := make(map[string]bool, len(obj))
		for _, k := range keys {
			c := CanonicalField(k)
			isExact := normalizeField(k) == c
			// A key already named like the field beats any alias of it;
			// among aliases the first in sorted order wins.
			if _, dup := row[c]; dup && (exact[c] || !isExact) {
				continue
			}
			row[c] = obj[k]
			exact[c] = isExact
			cols[c] = true
		}
		rows = append(rows, row)
	}

	columns := make([]string, 0, len(cols))
	for c := range cols {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	return &Table{Columns: columns, Rows: rows}
}

func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
