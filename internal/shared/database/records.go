package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

const recordColumns = `id, api_key_id, model, messages, created_at, status, prompt_tokens,
	completion_tokens, cost_usd, latency_ms, binding, provider, cache_hit, stream,
	status_code, error_kind, error_message, attempts`

// Append stores a finalized request record. Appending the same ID twice is
// a no-op, so retried writes are safe.
func (db *DB) Append(ctx context.Context, r models.RequestRecord) error {
	messages, err := json.Marshal(r.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	attempts := []byte("[]")
	if len(r.Attempts) > 0 {
		if attempts, err = json.Marshal(r.Attempts); err != nil {
			return fmt.Errorf("encode attempts: %w", err)
		}
	}

	query := db.rebind(`INSERT INTO request_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)

	_, err = db.conn.ExecContext(ctx, query,
		r.ID,
		r.APIKeyID,
		r.ModelAlias,
		string(messages),
		r.CreatedAt.UnixNano(),
		string(r.Status),
		r.PromptTokens,
		r.CompletionTokens,
		r.CostUSD,
		r.LatencyMs,
		r.Binding,
		r.Provider,
		r.CacheHit,
		r.Stream,
		r.StatusCode,
		r.ErrorKind,
		r.ErrorMessage,
		string(attempts),
	)
	if err != nil {
		return fmt.Errorf("insert request record: %w", err)
	}
	return nil
}

// where builds the WHERE clause for a filter
func where(f models.RecordFilter, cursor *models.Cursor) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, f.Until.UnixNano())
	}
	if f.APIKeyID != "" {
		conds = append(conds, "api_key_id = ?")
		args = append(args, f.APIKeyID)
	}
	if f.Model != "" {
		conds = append(conds, "model = ?")
		args = append(args, f.Model)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if cursor != nil {
		at := cursor.CreatedAt.UnixNano()
		conds = append(conds, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, at, at, cursor.ID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns one page of records, newest first
func (db *DB) Query(ctx context.Context, f models.RecordFilter) (models.RecordPage, error) {
	var cursor *models.Cursor
	if f.Cursor != "" {
		c, err := models.DecodeCursor(f.Cursor)
		if err != nil {
			return models.RecordPage{}, err
		}
		cursor = &c
	}

	limit := f.PageSize()
	clause, args := where(f, cursor)
	args = append(args, limit+1)
	query := db.rebind(`SELECT ` + recordColumns + ` FROM request_records` + clause +
		` ORDER BY created_at DESC, id DESC LIMIT ?`)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return models.RecordPage{}, fmt.Errorf("query request records: %w", err)
	}
	defer rows.Close()

	page := models.RecordPage{Records: []models.RequestRecord{}}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return models.RecordPage{}, err
		}
		page.Records = append(page.Records, r)
	}
	if err := rows.Err(); err != nil {
		return models.RecordPage{}, fmt.Errorf("query request records: %w", err)
	}

	if len(page.Records) > limit {
		page.Records = page.Records[:limit]
		page.NextCursor = models.EncodeCursor(&page.Records[limit-1])
	}
	return page, nil
}

func scanRecord(rows *sql.Rows) (models.RequestRecord, error) {
	var (
		r                  models.RequestRecord
		messages, attempts string
		createdAt          int64
		status             string
	)
	err := rows.Scan(
		&r.ID,
		&r.APIKeyID,
		&r.ModelAlias,
		&messages,
		&createdAt,
		&status,
		&r.PromptTokens,
		&r.CompletionTokens,
		&r.CostUSD,
		&r.LatencyMs,
		&r.Binding,
		&r.Provider,
		&r.CacheHit,
		&r.Stream,
		&r.StatusCode,
		&r.ErrorKind,
		&r.ErrorMessage,
		&attempts,
	)
	if err != nil {
		return r, fmt.Errorf("scan request record: %w", err)
	}
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	r.Status = models.RequestStatus(status)
	if err := json.Unmarshal([]byte(messages), &r.Messages); err != nil {
		return r, fmt.Errorf("decode messages of %s: %w", r.ID, err)
	}
	if attempts != "" && attempts != "[]" {
		if err := json.Unmarshal([]byte(attempts), &r.Attempts); err != nil {
			return r, fmt.Errorf("decode attempts of %s: %w", r.ID, err)
		}
	}
	return r, nil
}

// Usage aggregates cost and tokens over matching records
func (db *DB) Usage(ctx context.Context, f models.UsageFilter) (models.UsageSummary, error) {
	clause, args := where(f.Records(), nil)
	query := db.rebind(`SELECT model,
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(cost_usd), 0)
		FROM request_records` + clause + ` GROUP BY model`)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return models.UsageSummary{}, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	summary := models.UsageSummary{ByModel: map[string]models.ModelUsage{}}
	for rows.Next() {
		var (
			model                        string
			m                            models.ModelUsage
			completed, failed, cacheHits int
		)
		if err := rows.Scan(&model, &m.Requests, &completed, &failed, &cacheHits,
			&m.PromptTokens, &m.CompletionTokens, &m.CostUSD); err != nil {
			return models.UsageSummary{}, fmt.Errorf("scan usage: %w", err)
		}
		summary.ByModel[model] = m
		summary.Requests += m.Requests
		summary.Completed += completed
		summary.Failed += failed
		summary.CacheHits += cacheHits
		summary.PromptTokens += m.PromptTokens
		summary.CompletionTokens += m.CompletionTokens
		summary.CostUSD += m.CostUSD
	}
	if err := rows.Err(); err != nil {
		return models.UsageSummary{}, fmt.Errorf("query usage: %w", err)
	}
	summary.TotalTokens = summary.PromptTokens + summary.CompletionTokens
	return summary, nil
}
