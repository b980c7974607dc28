package source

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/TobiSchelling/SiteForge/internal/ratelimit"
	"github.com/TobiSchelling/SiteForge/internal/site"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

// Validator confirms a data source is reachable and exposes the required
// fields, and captures its snapshot.
type Validator struct {
	readers  map[site.SourceKind]Reader
	required []string
	limiter  *ratelimit.Limiter
	policy   stage.Policy
	now      func() time.Time
}

// NewValidator creates a validator. An empty required list uses
// DefaultRequiredFields.
func NewValidator(api, sheet Reader, required []string, limiter *ratelimit.Limiter, policy stage.Policy) *Validator {
	if len(required) == 0 {
		required = DefaultRequiredFields
	}
	canon := make([]string, len(required))
	for i, f := range required {
		canon[i] = CanonicalField(f)
	}
	return &Validator{
		readers: map[site.SourceKind]Reader{
			site.SourceAPI:   api,
			site.SourceSheet: sheet,
		},
		required: canon,
		limiter:  limiter,
		policy:   policy,
		now:      time.Now,
	}
}

// Required returns the canonical names of the fields every source must expose.
func (v *Validator) Required() []string {
	return append([]string(nil), v.required...)
}

// Validate reads ref through x so each read attempt lands in the run log.
// Transient failures are retried; once the budget is spent the source is
// reported unreachable. Missing required fields fail with a schema mismatch.
// A nil executor records to a throwaway log.
func (v *Validator) Validate(ctx context.Context, x *stage.Executor, ref site.SourceRef) (Snapshot, error) {
	reader, ok := v.readers[ref.Kind]
	if !ok || reader == nil {
		return Snapshot{}, stage.Validation(stage.CodeInvalidConfig, fmt.Errorf("no reader for source kind %q", ref.Kind))
	}
	if x == nil {
		x = stage.NewExecutor("", stage.NewLog())
	}

	var table *Table
	_, err := x.Run(ctx, stage.Validating, "source/read", v.policy, func(opCtx context.Context, attempt int) (any, error) {
		if err := v.limiter.Acquire(opCtx, ratelimit.ChannelDataSource); err != nil {
			return nil, err
		}
		t, err := reader.Read(opCtx, ref)
		if err != nil {
			return nil, err
		}
		table = t
		return map[string]int{"rows": len(t.Rows), "columns": len(t.Columns)}, nil
	})
	if err != nil {
		switch stage.KindOf(err) {
		case stage.KindTransient:
			return Snapshot{}, stage.Validation(stage.CodeSourceUnreachable, fmt.Errorf("%w: %s: %v", ErrSourceUnreachable, ref, err))
		case stage.KindValidation:
			if stage.CodeOf(err) == stage.CodeSchemaMismatch || stage.CodeOf(err) == stage.CodeSourceUnreachable {
				return Snapshot{}, err
			}
			return Snapshot{}, stage.Validation(stage.CodeSourceUnreachable, fmt.Errorf("%w: %s: %v", ErrSourceUnreachable, ref, err))
		default:
			return Snapshot{}, err
		}
	}

	fields := table.Fields()
	snap := Snapshot{
		Source:            ref.String(),
		SchemaFingerprint: schemaFingerprint(fields),
		Fields:            fields,
		RowCount:          len(table.Rows),
		RetrievedAt:       v.now().UTC(),
		Reachable:         true,
	}

	var missing []string
	for _, f := range v.required {
		if !snap.HasField(f) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return snap, stage.Validation(stage.CodeSchemaMismatch,
			fmt.Errorf("%w: %s is missing required fields: %s", ErrSchemaMismatch, ref, strings.Join(missing, ", ")))
	}

	if snap.RowCount == 0 {
		log.Printf("Warning: data source %s has no rows", ref)
	}
	log.Printf("Data source %s: %d rows, %d fields, schema %s", ref, snap.RowCount, len(fields), snap.SchemaFingerprint[:12])
	return snap, nil
}
