package source

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"golang.org/x/oauth2"

	"github.com/TobiSchelling/SiteForge/internal/site"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

const (
	defaultExportBase = "https://docs.google.com/spreadsheets/d"
	defaultValuesBase = "https://sheets.googleapis.com/v4/spreadsheets"
	defaultSheetRange = "A1:Z1000"
)

// sheetRow holds the product columns the generated site reads.
type sheetRow struct {
	Name         string `csv:"name,omitempty"`
	Price        string `csv:"price,omitempty"`
	ImageURL     string `csv:"image_url,omitempty"`
	AffiliateURL string `csv:"affiliate_url,omitempty"`
	Category     string `csv:"category,omitempty"`
	StockStatus  string `csv:"stock_status,omitempty"`
}

// SheetReader reads a Google Sheet. With a token it uses the Sheets values
// API; otherwise it reads the sheet's public CSV export.
type SheetReader struct {
	ExportBase string
	ValuesBase string
	Range      string

	client *http.Client
	token  string
}

// NewSheetReader creates a sheet reader. token may be empty.
func NewSheetReader(token string, timeout time.Duration) *SheetReader {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &SheetReader{
		ExportBase: defaultExportBase,
		ValuesBase: defaultValuesBase,
		Range:      defaultSheetRange,
		client:     &http.Client{Timeout: timeout},
		token:      token,
	}
}

// Read implements Reader.
func (r *SheetReader) Read(ctx context.Context, ref site.SourceRef) (*Table, error) {
	if r.token != "" {
		return r.readValues(ctx, ref)
	}
	return r.readExport(ctx, ref)
}

func (r *SheetReader) readExport(ctx context.Context, ref site.SourceRef) (*Table, error) {
	u := fmt.Sprintf("%s/%s/export?format=csv", r.ExportBase, url.PathEscape(ref.SheetID))
	if ref.GID != "" {
		u += "&gid=" + url.QueryEscape(ref.GID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, stage.Validation(stage.CodeInvalidInput, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &stage.HTTPStatusError{StatusCode: resp.StatusCode, Body: truncateBody(body)}
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		return nil, stage.Validation(stage.CodeSourceUnreachable,
			fmt.Errorf("%w: sheet %s is not shared publicly", ErrSourceUnreachable, ref.SheetID))
	}

	return decodeCSV(resp.Body)
}

// decodeCSV reads the header with encoding/csv so it can be canonicalized,
// then decodes the rows with csvutil against the canonical header.
func decodeCSV(body io.Reader) (*Table, error) {
	cr := csv.NewReader(body)
	cr.FieldsPerRecord = -1

	raw, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, stage.Validation(stage.CodeSchemaMismatch, fmt.Errorf("%w: sheet is empty", ErrSchemaMismatch))
	}
	if err != nil {
		return nil, stage.Validation(stage.CodeSchemaMismatch, fmt.Errorf("%w: reading header: %v", ErrSchemaMismatch, err))
	}
	header := canonicalColumns(raw)

	dec, err := csvutil.NewDecoder(cr, header...)
	if err != nil {
		return nil, stage.Validation(stage.CodeSchemaMismatch, fmt.Errorf("%w: %v", ErrSchemaMismatch, err))
	}

	t := &Table{Columns: header}
	incomplete := 0
	for {
		var row sheetRow
		if err := dec.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, stage.Validation(stage.CodeSchemaMismatch, fmt.Errorf("%w: decoding row %d: %v", ErrSchemaMismatch, len(t.Rows)+2, err))
		}
		if row == (sheetRow{}) && blank(dec.Record()) {
			continue
		}
		if row.Name == "" || row.AffiliateURL == "" {
			incomplete++
		}
		t.Rows = append(t.Rows, recordMap(header, dec.Record()))
	}
	if incomplete > 0 {
		log.Printf("Sheet has %d of %d rows without a name or affiliate URL", incomplete, len(t.Rows))
	}
	return t, nil
}

type valuesResponse struct {
	Range  string     `json:"range"`
	Values [][]string `json:"values"`
}

func (r *SheetReader) readValues(ctx context.Context, ref site.SourceRef) (*Table, error) {
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, r.client),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: r.token}))

	u := fmt.Sprintf("%s/%s/values/%s?majorDimension=ROWS", r.ValuesBase, url.PathEscape(ref.SheetID), url.PathEscape(r.Range))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, stage.Validation(stage.CodeInvalidInput, err)
	}
	resp, err := client.Do(req)
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

	var vr valuesResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return nil, stage.Validation(stage.CodeSchemaMismatch, fmt.Errorf("%w: decoding values: %v", ErrSchemaMismatch, err))
	}
	if len(vr.Values) == 0 {
		return nil, stage.Validation(stage.CodeSchemaMismatch, fmt.Errorf("%w: sheet is empty", ErrSchemaMismatch))
	}

	header := canonicalColumns(vr.Values[0])
	t := &Table{Columns: header}
	for _, rec := range vr.Values[1:] {
		if blank(rec) {
			continue
		}
		t.Rows = append(t.Rows, recordMap(header, rec))
	}
	return t, nil
}

func recordMap(header, record []string) map[string]any {
	row := make(map[string]any, len(header))
	for i, col := range header {
		if i < len(record) {
			row[col] = record[i]
		} else {
			row[col] = ""
		}
	}
	return row
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
