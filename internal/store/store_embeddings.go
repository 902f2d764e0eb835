package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// EmbeddingRecord is a stored semantic vector keyed by (model, content hash)
// so identical source text is paid for once and shared.
type EmbeddingRecord struct {
	ID          string
	Model       string
	ContentHash string
	Vector      []float32
	SourceText  string
	IsZero      bool
	CreatedAt   time.Time
}

// MediaEmbeddingLink ties a media item to its embedding row. The link is
// always written, even when the vector itself came from the cache. Temporal
// bounds apply to segment-level embeddings of video.
type MediaEmbeddingLink struct {
	MediaID      string
	EmbeddingID  string
	StartSeconds *float64
	EndSeconds   *float64
	CreatedAt    time.Time
}

// SearchFilters narrows a vector search at the storage layer, before limit is
// applied.
type SearchFilters struct {
	MediaKind    string
	UploadedFrom *time.Time
	UploadedTo   *time.Time
	Tags         []string
}

// VectorSearchResult is one similarity hit.
type VectorSearchResult struct {
	MediaID    string
	Kind       string
	Locator    string
	Distance   float64
	Tags       []string
	UploadedAt time.Time
}

// UpsertEmbedding stores a vector under its (model, content hash) key and
// returns the canonical row id, which may belong to a previously stored
// identical text. A missing ID is assigned here; the id column has no
// default, and conflicts resolve on (model, content_hash), never on id.
func (s *Store) UpsertEmbedding(ctx context.Context, rec EmbeddingRecord) (string, error) {
	if rec.Model == "" || rec.ContentHash == "" {
		return "", fmt.Errorf("model and content_hash required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if len(rec.Vector) == 0 {
		return "", fmt.Errorf("embedding vector required")
	}
	vectorLiteral, err := encodeVectorLiteral(rec.Vector)
	if err != nil {
		return "", err
	}
	var id string
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO embeddings (id, model, content_hash, embedding, source_text, is_zero, created_at)
VALUES ($1,$2,$3,$4::vector,$5,$6,NOW())
ON CONFLICT (model, content_hash) DO UPDATE SET source_text = EXCLUDED.source_text
RETURNING id
`, rec.ID, rec.Model, rec.ContentHash, vectorLiteral, rec.SourceText, rec.IsZero).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetEmbeddingByHash returns the cached vector for a (model, content hash)
// pair when one exists.
func (s *Store) GetEmbeddingByHash(ctx context.Context, model, contentHash string) (EmbeddingRecord, bool, error) {
	var rec EmbeddingRecord
	var literal string
	err := s.DB.QueryRowContext(ctx, `
SELECT id, model, content_hash, embedding::text, source_text, is_zero, created_at
FROM embeddings
WHERE model=$1 AND content_hash=$2
`, model, contentHash).Scan(&rec.ID, &rec.Model, &rec.ContentHash, &literal, &rec.SourceText, &rec.IsZero, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return EmbeddingRecord{}, false, nil
	}
	if err != nil {
		return EmbeddingRecord{}, false, err
	}
	vec, err := decodeVectorLiteral(literal)
	if err != nil {
		return EmbeddingRecord{}, false, err
	}
	rec.Vector = vec
	return rec, true, nil
}

// LinkMediaEmbedding writes the media→embedding row.
func (s *Store) LinkMediaEmbedding(ctx context.Context, link MediaEmbeddingLink) error {
	if link.MediaID == "" || link.EmbeddingID == "" {
		return fmt.Errorf("media_id and embedding_id required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO media_embeddings (media_id, embedding_id, start_seconds, end_seconds, created_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (media_id) DO UPDATE SET
  embedding_id = EXCLUDED.embedding_id,
  start_seconds = EXCLUDED.start_seconds,
  end_seconds = EXCLUDED.end_seconds,
  created_at = NOW();
`, link.MediaID, link.EmbeddingID, link.StartSeconds, link.EndSeconds)
	return err
}

// SearchMediaEmbeddings runs a cosine nearest-neighbour query over one user's
// completed media, pre-filtered at the storage layer. Rows past maxDistance
// are excluded even when limit is not filled; zero vectors (empty content)
// never match. Distance ties break on most recent upload.
func (s *Store) SearchMediaEmbeddings(ctx context.Context, userID string, vector []float32, filters SearchFilters, maxDistance float64, limit, offset int) ([]VectorSearchResult, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if limit <= 0 {
		limit = 20
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	var tags interface{}
	if len(filters.Tags) > 0 {
		tags = pq.Array(filters.Tags)
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT m.id, m.kind, m.locator, m.uploaded_at, COALESCE(a.tags, '{}'), e.embedding <=> $1::vector AS distance
FROM media_embeddings me
JOIN embeddings e ON e.id = me.embedding_id
JOIN media_items m ON m.id = me.media_id
LEFT JOIN aggregated_content a ON a.media_id = m.id
WHERE m.user_id = $2
  AND m.deleted_at IS NULL
  AND m.status = $3
  AND NOT e.is_zero
  AND ($4 = '' OR m.kind = $4)
  AND ($5::timestamptz IS NULL OR m.uploaded_at >= $5)
  AND ($6::timestamptz IS NULL OR m.uploaded_at <= $6)
  AND ($7::text[] IS NULL OR a.tags && $7)
  AND e.embedding <=> $1::vector <= $8
ORDER BY e.embedding <=> $1::vector ASC, m.uploaded_at DESC
LIMIT $9 OFFSET $10
`, vecLiteral, userID, MediaStatusCompleted, filters.MediaKind, filters.UploadedFrom, filters.UploadedTo, tags, maxDistance, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []VectorSearchResult
	for rows.Next() {
		var res VectorSearchResult
		var resTags pq.StringArray
		if err := rows.Scan(&res.MediaID, &res.Kind, &res.Locator, &res.UploadedAt, &resTags, &res.Distance); err != nil {
			return nil, err
		}
		res.Tags = resTags
		results = append(results, res)
	}
	return results, rows.Err()
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	if lit == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	lit = strings.TrimPrefix(lit, "[")
	lit = strings.TrimSuffix(lit, "]")
	parts := strings.Split(lit, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		f, err := strconv.ParseFloat(part, 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %q: %w", part, err)
		}
		vec = append(vec, float32(f))
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("empty vector literal")
	}
	return vec, nil
}
