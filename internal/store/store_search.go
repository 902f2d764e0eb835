package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SearchHistoryRecord is an immutable log entry of an executed search,
// retained for analytics.
type SearchHistoryRecord struct {
	ID          int64
	UserID      string
	Query       string
	Filters     map[string]interface{}
	ResultCount int
	Cached      bool
	CreatedAt   time.Time
}

// LogSearch appends a search history entry.
func (s *Store) LogSearch(ctx context.Context, rec SearchHistoryRecord) error {
	if rec.UserID == "" {
		return fmt.Errorf("user_id required")
	}
	filters := rec.Filters
	if filters == nil {
		filters = map[string]interface{}{}
	}
	filterBytes, err := json.Marshal(filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO search_history (user_id, query, filters, result_count, cached, created_at)
VALUES ($1,$2,$3,$4,$5,NOW())
`, rec.UserID, rec.Query, filterBytes, rec.ResultCount, rec.Cached)
	return err
}

// PruneSearchHistory removes history entries older than the retention window.
func (s *Store) PruneSearchHistory(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	res, err := s.DB.ExecContext(ctx, `
DELETE FROM search_history WHERE created_at < NOW() - make_interval(secs => $1)
`, int64(retention/time.Second))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
