package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// AnalysisResultRecord is one adapter's output for a job. Immutable once
// written.
type AnalysisResultRecord struct {
	ID         string
	JobID      string
	MediaID    string
	Capability string
	Mandatory  bool
	Labels     []LabelRecord
	Text       string
	Sentiment  string
	Warnings   []string
	CreatedAt  time.Time
}

// LabelRecord is a detected label/entity with confidence, persisted as JSONB.
type LabelRecord struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// AggregatedContentRecord is the single searchable representation derived
// from all completed analysis results of a media item.
type AggregatedContentRecord struct {
	MediaID   string
	Text      string
	Tags      []string
	UpdatedAt time.Time
}

// SaveAnalysisResult stores an adapter result. A retried job overwrites its
// own previous result; results are otherwise immutable.
func (s *Store) SaveAnalysisResult(ctx context.Context, rec AnalysisResultRecord) error {
	if rec.JobID == "" || rec.MediaID == "" {
		return fmt.Errorf("job_id and media_id required")
	}
	labels := rec.Labels
	if labels == nil {
		labels = []LabelRecord{}
	}
	labelBytes, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO analysis_results (id, job_id, media_id, capability, mandatory, labels, text_content, sentiment, warnings, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
ON CONFLICT (job_id) DO UPDATE SET
  labels = EXCLUDED.labels,
  text_content = EXCLUDED.text_content,
  sentiment = EXCLUDED.sentiment,
  warnings = EXCLUDED.warnings,
  created_at = NOW();
`, rec.ID, rec.JobID, rec.MediaID, rec.Capability, rec.Mandatory, labelBytes, rec.Text, rec.Sentiment, pq.Array(rec.Warnings))
	return err
}

// ListCompletedResults returns the analysis results whose jobs completed for
// a media item. Failed optional capabilities contribute nothing here.
func (s *Store) ListCompletedResults(ctx context.Context, mediaID string) ([]AnalysisResultRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT r.id, r.job_id, r.media_id, r.capability, r.mandatory, r.labels,
       COALESCE(r.text_content,''), COALESCE(r.sentiment,''), r.warnings, r.created_at
FROM analysis_results r
JOIN processing_jobs j ON j.id = r.job_id
WHERE r.media_id=$1 AND j.status=$2
ORDER BY r.created_at ASC
`, mediaID, JobStatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AnalysisResultRecord
	for rows.Next() {
		var rec AnalysisResultRecord
		var labelBytes []byte
		var warnings pq.StringArray
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.MediaID, &rec.Capability, &rec.Mandatory,
			&labelBytes, &rec.Text, &rec.Sentiment, &warnings, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(labelBytes) > 0 {
			if err := json.Unmarshal(labelBytes, &rec.Labels); err != nil {
				return nil, fmt.Errorf("unmarshal labels: %w", err)
			}
		}
		rec.Warnings = warnings
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertAggregatedContent writes the aggregated text and tags for a media
// item. Aggregation is deterministic, so the upsert is idempotent.
func (s *Store) UpsertAggregatedContent(ctx context.Context, rec AggregatedContentRecord) error {
	if rec.MediaID == "" {
		return fmt.Errorf("media_id required")
	}
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO aggregated_content (media_id, text_content, tags, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (media_id) DO UPDATE SET
  text_content = EXCLUDED.text_content,
  tags = EXCLUDED.tags,
  updated_at = NOW();
`, rec.MediaID, rec.Text, pq.Array(tags))
	return err
}

// KeywordSeed is one completed media item's indexable content, joined for
// the keyword index reconciler.
type KeywordSeed struct {
	MediaID    string
	UserID     string
	Kind       string
	Locator    string
	Text       string
	Tags       []string
	UploadedAt time.Time
	UpdatedAt  time.Time
}

// ListAggregatedSince returns completed, non-deleted media whose aggregated
// content changed after the watermark, oldest first. Items still mid-pipeline
// are excluded until they complete, so callers polling with a watermark
// should leave some slack behind it.
func (s *Store) ListAggregatedSince(ctx context.Context, since time.Time, limit int) ([]KeywordSeed, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT m.id, m.user_id, m.kind, m.locator, a.text_content, a.tags, m.uploaded_at, a.updated_at
FROM aggregated_content a
JOIN media_items m ON m.id = a.media_id
WHERE m.status = $1 AND m.deleted_at IS NULL AND a.updated_at > $2
ORDER BY a.updated_at ASC
LIMIT $3
`, MediaStatusCompleted, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []KeywordSeed
	for rows.Next() {
		var seed KeywordSeed
		var tags pq.StringArray
		if err := rows.Scan(&seed.MediaID, &seed.UserID, &seed.Kind, &seed.Locator, &seed.Text, &tags, &seed.UploadedAt, &seed.UpdatedAt); err != nil {
			return nil, err
		}
		seed.Tags = tags
		out = append(out, seed)
	}
	return out, rows.Err()
}

// GetAggregatedContent fetches a media item's aggregated content.
func (s *Store) GetAggregatedContent(ctx context.Context, mediaID string) (AggregatedContentRecord, error) {
	var rec AggregatedContentRecord
	var tags pq.StringArray
	err := s.DB.QueryRowContext(ctx, `
SELECT media_id, text_content, tags, updated_at FROM aggregated_content WHERE media_id=$1
`, mediaID).Scan(&rec.MediaID, &rec.Text, &tags, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return AggregatedContentRecord{}, ErrNotFound
	}
	if err != nil {
		return AggregatedContentRecord{}, err
	}
	rec.Tags = tags
	return rec, nil
}
