package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/SiteForge/internal/ratelimit"
	"github.com/TobiSchelling/SiteForge/internal/site"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

var fastPolicy = stage.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func newValidator(sheet *SheetReader) *Validator {
	if sheet == nil {
		sheet = NewSheetReader("", time.Second)
	}
	return NewValidator(NewAPIReader(time.Second), sheet, nil, ratelimit.New(0, nil), fastPolicy)
}

const productsJSON = `{"count": 2, "products": [
 {"name": "Tent", "price": 199.99, "image_url": "https://img/1.jpg", "affiliate_url": "https://aff/1", "category": "camping", "stock_status": "in_stock"},
 {"name": "Stove", "price": 49.5, "image_url": "https://img/2.jpg", "affiliate_url": "https://aff/2", "category": "camping", "stock_status": "out_of_stock"}
]}`

func apiServer(t *testing.T, products string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			fmt.Fprint(w, `{"status": "ok"}`)
		case "/products":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, products)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestValidateAPISource(t *testing.T) {
	srv := apiServer(t, productsJSON)
	v := newValidator(nil)
	ref, err := site.ParseSourceRef(srv.URL)
	require.NoError(t, err)

	snap, err := v.Validate(context.Background(), nil, ref)
	require.NoError(t, err)
	assert.True(t, snap.Reachable)
	assert.Equal(t, 2, snap.RowCount)
	assert.Contains(t, snap.Fields, Field{Name: "price", Type: "number"})
	assert.Contains(t, snap.Fields, Field{Name: "affiliate_url", Type: "url"})
	assert.Equal(t, srv.URL, snap.Source)
}

func TestValidateIsIdempotentForUnchangedSource(t *testing.T) {
	srv := apiServer(t, productsJSON)
	v := newValidator(nil)
	ref, _ := site.ParseSourceRef(srv.URL)

	a, err := v.Validate(context.Background(), nil, ref)
	require.NoError(t, err)
	b, err := v.Validate(context.Background(), nil, ref)
	require.NoError(t, err)

	assert.Equal(t, a.SchemaFingerprint, b.SchemaFingerprint)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.False(t, b.Drifted(a))
}

func TestValidateBareArrayResponse(t *testing.T) {
	srv := apiServer(t, `[{"title": "Tent", "cost": "19.99", "link": "https://aff/1", "availability": "in stock"}]`)
	v := newValidator(nil)
	ref, _ := site.ParseSourceRef(srv.URL)

	snap, err := v.Validate(context.Background(), nil, ref)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RowCount)
	assert.True(t, snap.HasField("stock_status"))
}

func TestValidateAliasCollisionIsStable(t *testing.T) {
	srv := apiServer(t, `[{"name": "Tent", "price": 19.99, "affiliate_url": "https://aff/1", "stock_status": "In Stock", "in_stock": true}]`)
	v := newValidator(nil)
	ref, _ := site.ParseSourceRef(srv.URL)

	seen := make(map[string]bool)
	for range 40 {
		snap, err := v.Validate(context.Background(), nil, ref)
		require.NoError(t, err)
		assert.Contains(t, snap.Fields, Field{Name: "stock_status", Type: "string"})
		seen[snap.Fingerprint()] = true
	}
	assert.Len(t, seen, 1)
}

func TestTableFromObjectsPrefersExactKey(t *testing.T) {
	for range 20 {
		table := tableFromObjects([]map[string]any{
			{"in_stock": true, "stock_status": "In Stock", "availability": "yes"},
			{"link": "https://aff/b", "url": "https://aff/a"},
		})
		assert.Equal(t, "In Stock", table.Rows[0]["stock_status"])
		assert.Equal(t, "https://aff/b", table.Rows[1]["affiliate_url"])
	}
}

func TestValidateMissingFieldsIsSchemaMismatch(t *testing.T) {
	srv := apiServer(t, `{"products": [{"name": "Tent", "price": 10}]}`)
	v := newValidator(nil)
	ref, _ := site.ParseSourceRef(srv.URL)

	_, err := v.Validate(context.Background(), nil, ref)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	assert.Equal(t, stage.KindValidation, stage.KindOf(err))
	assert.Equal(t, stage.CodeSchemaMismatch, stage.CodeOf(err))
	assert.Contains(t, err.Error(), "affiliate_url")
	assert.Contains(t, err.Error(), "stock_status")
}

func TestValidateMalformedBodyIsSchemaMismatch(t *testing.T) {
	srv := apiServer(t, `{"products": "nope"`)
	v := newValidator(nil)
	ref, _ := site.ParseSourceRef(srv.URL)

	_, err := v.Validate(context.Background(), nil, ref)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestValidateUnreachableAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	v := newValidator(nil)
	ref, _ := site.ParseSourceRef(addr)
	log := stage.NewLog()

	_, err := v.Validate(context.Background(), stage.NewExecutor("run-1", log), ref)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnreachable)
	assert.Equal(t, stage.KindValidation, stage.KindOf(err))

	results := log.Results()
	require.Len(t, results, 3)
	assert.Equal(t, stage.StatusRetried, results[0].Status)
	assert.Equal(t, stage.StatusFailed, results[2].Status)
}

func TestValidateServerErrorRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" && atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path == "/products" {
			fmt.Fprint(w, productsJSON)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	v := newValidator(nil)
	ref, _ := site.ParseSourceRef(srv.URL)
	snap, err := v.Validate(context.Background(), nil, ref)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.RowCount)
}

func TestValidateClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	v := newValidator(nil)
	ref, _ := site.ParseSourceRef(srv.URL)
	_, err := v.Validate(context.Background(), nil, ref)
	assert.ErrorIs(t, err, ErrSourceUnreachable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func sheetCSV(rows int) string {
	var b strings.Builder
	b.WriteString("Product Name,Price,Image URL,Affiliate Link,Category,Stock Status\n")
	for i := 1; i <= rows; i++ {
		fmt.Fprintf(&b, "Gadget %d,%d.99,https://img/%d.jpg,https://aff/%d,audio,in_stock\n", i, i*10, i, i)
	}
	b.WriteString(",,,,,\n")
	return b.String()
}

func TestValidateSheetExport(t *testing.T) {
	rows := 5
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sheet123/export", r.URL.Path)
		assert.Equal(t, "csv", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "text/csv")
		fmt.Fprint(w, sheetCSV(rows))
	}))
	defer srv.Close()

	sr := NewSheetReader("", time.Second)
	sr.ExportBase = srv.URL
	v := newValidator(sr)

	ref := site.SourceRef{Kind: site.SourceSheet, SheetID: "sheet123"}
	first, err := v.Validate(context.Background(), nil, ref)
	require.NoError(t, err)
	assert.Equal(t, 5, first.RowCount)
	assert.Contains(t, first.Fields, Field{Name: "name", Type: "string"})
	assert.Contains(t, first.Fields, Field{Name: "price", Type: "number"})

	rows = 6
	second, err := v.Validate(context.Background(), nil, ref)
	require.NoError(t, err)
	assert.Equal(t, first.SchemaFingerprint, second.SchemaFingerprint)
	assert.True(t, second.Drifted(first))
}

func TestValidatePrivateSheetIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html>Sign in</html>")
	}))
	defer srv.Close()

	sr := NewSheetReader("", time.Second)
	sr.ExportBase = srv.URL
	_, err := newValidator(sr).Validate(context.Background(), nil, site.SourceRef{Kind: site.SourceSheet, SheetID: "x"})
	assert.ErrorIs(t, err, ErrSourceUnreachable)
}

func TestValidateSheetValuesAPIWithToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.True(t, strings.HasPrefix(r.URL.Path, "/sheet123/values/"))
		fmt.Fprint(w, `{"range": "A1:Z1000", "values": [
			["name", "price", "affiliate_url", "stock_status"],
			["Speaker", "59.00", "https://aff/1", "in_stock"],
			[],
			["Headphones", "99.00", "https://aff/2"]
		]}`)
	}))
	defer srv.Close()

	sr := NewSheetReader("secret", time.Second)
	sr.ValuesBase = srv.URL
	snap, err := newValidator(sr).Validate(context.Background(), nil, site.SourceRef{Kind: site.SourceSheet, SheetID: "sheet123"})
	require.NoError(t, err)
	assert.Equal(t, 2, snap.RowCount)
}

func TestCanonicalField(t *testing.T) {
	cases := map[string]string{
		"Product Name":   "name",
		"Affiliate-Link": "affiliate_url",
		" Stock Status ": "stock_status",
		"Image URL":      "image_url",
		"category":       "category",
	}
	for in, want := range cases {
		assert.Equal(t, want, CanonicalField(in), in)
	}
}

func TestTableFieldsMixedTypesFallBackToString(t *testing.T) {
	tbl := &Table{
		Columns: []string{"price", "notes"},
		Rows: []map[string]any{
			{"price": "10", "notes": ""},
			{"price": "call us", "notes": ""},
		},
	}
	assert.Equal(t, []Field{{Name: "notes", Type: "empty"}, {Name: "price", Type: "string"}}, tbl.Fields())
}
