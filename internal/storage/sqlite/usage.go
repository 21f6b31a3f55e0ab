package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/eugener/keygate/internal"
)

// timeLayout is fixed width so created_at compares correctly as text.
const timeLayout = "2006-01-02T15:04:05.000Z"

// usageCols must match the column count of the INSERT below.
const usageCols = 14

// InsertUsage batch-inserts usage records in one statement.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*usageCols)
	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.RequestID, r.Product, r.Identity, r.AuthMethod,
			r.CallKind, r.Model, r.Provider,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens,
			r.StatusCode, r.LatencyMs, r.CreatedAt.UTC().Format(timeLayout),
		)
	}

	query := `INSERT INTO usage_records
		(id, request_id, product, identity, auth_method, call_kind, model, provider,
		 prompt_tokens, completion_tokens, total_tokens, status_code, latency_ms, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// CountRequestsSince groups records created at or after since by product and
// identity. Every record is an admitted request, whatever its status.
func (s *Store) CountRequestsSince(ctx context.Context, since time.Time) ([]gateway.RequestCount, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT product, identity, COUNT(*) FROM usage_records
		 WHERE created_at >= ?
		 GROUP BY product, identity
		 ORDER BY product, identity`,
		since.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.RequestCount
	for rows.Next() {
		var c gateway.RequestCount
		if err := rows.Scan(&c.Product, &c.Identity, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
