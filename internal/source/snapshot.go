// Package source validates live product data sources and captures their
// structure as snapshots for drift detection.
package source

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/TobiSchelling/SiteForge/internal/cache"
)

var (
	// ErrSourceUnreachable is returned when a source cannot be read within the retry budget.
	ErrSourceUnreachable = errors.New("data source unreachable")
	// ErrSchemaMismatch is returned when a source lacks required fields or is malformed.
	ErrSchemaMismatch = errors.New("data source schema mismatch")
)

// DefaultRequiredFields are the columns every product source must expose.
var DefaultRequiredFields = []string{"name", "price", "affiliate_url", "stock_status"}

// Field is one column of a source with its inferred type.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Snapshot is a point-in-time structural summary of a data source.
type Snapshot struct {
	Source            string    `json:"source"`
	SchemaFingerprint string    `json:"schema_fingerprint"`
	Fields            []Field   `json:"fields"`
	RowCount          int       `json:"row_count"`
	RetrievedAt       time.Time `json:"retrieved_at"`
	Reachable         bool      `json:"reachable"`
}

// Fingerprint combines the schema fingerprint and row count. It changes when
// columns change or rows are added or removed.
func (s Snapshot) Fingerprint() string {
	return cache.Fingerprint("snapshot", s.SchemaFingerprint, strconv.Itoa(s.RowCount))
}

// Drifted reports whether s differs structurally from prev.
func (s Snapshot) Drifted(prev Snapshot) bool {
	return s.Fingerprint() != prev.Fingerprint()
}

// HasField reports whether the snapshot exposes a column.
func (s Snapshot) HasField(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// schemaFingerprint hashes sorted name:type pairs.
func schemaFingerprint(fields []Field) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, "schema")
	for _, f := range fields {
		parts = append(parts, f.Name+":"+f.Type)
	}
	return cache.Fingerprint(parts...)
}

// Table is the raw content read from a source: canonical column names and
// one map per row.
type Table struct {
	Columns []string
	Rows    []map[string]any
}

// Fields infers a type for every column. A column whose non-empty values
// disagree on type is reported as "string".
func (t *Table) Fields() []Field {
	types := make(map[string]string, len(t.Columns))
	for _, c := range t.Columns {
		types[c] = ""
	}
	for _, row := range t.Rows {
		for col, v := range row {
			vt := inferType(v)
			if vt == "" {
				continue
			}
			switch prev, ok := types[col]; {
			case !ok, prev == "":
				types[col] = vt
			case prev != vt:
				types[col] = "string"
			}
		}
	}

	fields := make([]Field, 0, len(types))
	for name, typ := range types {
		if typ == "" {
			typ = "empty"
		}
		fields = append(fields, Field{Name: name, Type: typ})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return fields
}

func inferType(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case string:
		return inferStringType(val)
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func inferStringType(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	if lower == "true" || lower == "false" {
		return "boolean"
	}
	if _, err := strconv.ParseFloat(strings.TrimPrefix(strings.ReplaceAll(s, ",", ""), "$"), 64); err == nil {
		return "number"
	}
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return "url"
	}
	return "string"
}

var fieldAliases = map[string]string{
	"product":        "name",
	"product_name":   "name",
	"title":          "name",
	"cost":           "price",
	"sale_price":     "price",
	"current_price":  "price",
	"image":          "image_url",
	"image_link":     "image_url",
	"img":            "image_url",
	"affiliate_link": "affiliate_url",
	"affiliate":      "affiliate_url",
	"buy_url":        "affiliate_url",
	"link":           "affiliate_url",
	"url":            "affiliate_url",
	"product_url":    "affiliate_url",
	"stock":          "stock_status",
	"availability":   "stock_status",
	"in_stock":       "stock_status",
	"status":         "stock_status",
}

// CanonicalField maps a header or JSON key onto its canonical field name.
func CanonicalField(name string) string {
	n := normalizeField(name)
	if alias, ok := fieldAliases[n]; ok {
		return alias
	}
	return n
}

func normalizeField(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(n)
}

func canonicalColumns(names []string) []string {
	out := make([]string, len(names))
	seen := make(map[string]int)
	for i, n := range names {
		c := CanonicalField(n)
		if c == "" {
			c = fmt.Sprintf("column_%d", i+1)
		}
		if seen[c] > 0 {
			// Keep duplicate headers distinct; the first one wins the alias.
			c = fmt.Sprintf("%s_%d", c, seen[c]+1)
		}
		seen[CanonicalField(n)]++
		out[i] = c
	}
	return out
}
