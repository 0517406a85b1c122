// Package telemetry persists finalized request records and answers usage
// queries over them.
package telemetry

import (
	"context"
	"iter"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// Store is an append-only record store. Query returns records ordered by
// CreatedAt then ID, newest first, with an opaque keyset cursor.
type Store interface {
	Append(ctx context.Context, r models.RequestRecord) error
	Query(ctx context.Context, f models.RecordFilter) (models.RecordPage, error)
	Usage(ctx context.Context, f models.UsageFilter) (models.UsageSummary, error)
}

// All walks every record matching f, fetching pages lazily. Iteration stops
// at the first error, which is yielded once.
func All(ctx context.Context, store Store, f models.RecordFilter) iter.Seq2[models.RequestRecord, error] {
	return func(yield func(models.RequestRecord, error) bool) {
		for {
			page, err := store.Query(ctx, f)
			if err != nil {
				yield(models.RequestRecord{}, err)
				return
			}
			for _, r := range page.Records {
				if !yield(r, nil) {
					return
				}
			}
			if page.NextCursor == "" {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(models.RequestRecord{}, err)
				return
			}
			f.Cursor = page.NextCursor
		}
	}
}
