// Package search answers similarity queries against indexed media, scoped to
// one user's data, with storage-level pre-filtering and short-lived result
// caching.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/mediasense/mediasense/internal/embedding"
	"github.com/mediasense/mediasense/internal/store"
)

// ErrUnavailable wraps index/storage failures so callers can surface a
// retryable service error instead of a user input error.
type ErrUnavailable struct {
	Err error
}

func (e ErrUnavailable) Error() string { return fmt.Sprintf("search unavailable: %v", e.Err) }
func (e ErrUnavailable) Unwrap() error { return e.Err }

// Embedder is the query embedding dependency.
type Embedder interface {
	Embed(ctx context.Context, userID string, text string) (embedding.Vector, error)
}

// EngineStore captures the store methods the engine needs.
type EngineStore interface {
	SearchMediaEmbeddings(ctx context.Context, userID string, vector []float32, filters store.SearchFilters, maxDistance float64, limit, offset int) ([]store.VectorSearchResult, error)
	LogSearch(ctx context.Context, rec store.SearchHistoryRecord) error
}

// ResultCache stores serialized result sets; entries expire by TTL only.
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

// Config tunes ranking and caching.
type Config struct {
	MaxDistance  float64
	DefaultLimit int
	MaxLimit     int
	CacheTTL     time.Duration
}

// Query is one search request.
type Query struct {
	Text    string
	Filters store.SearchFilters
	Limit   int
	Offset  int
}

// Result is one ranked hit.
type Result struct {
	MediaID    string    `json:"media_id"`
	Kind       string    `json:"kind"`
	Locator    string    `json:"locator"`
	Tags       []string  `json:"tags,omitempty"`
	Distance   float64   `json:"distance"`
	Similarity float64   `json:"similarity"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Response carries the ranked results and whether they came from the cache.
type Response struct {
	Results []Result `json:"results"`
	Cached  bool     `json:"cached"`
}

// Engine executes similarity queries.
type Engine struct {
	logger   *log.Logger
	store    EngineStore
	embedder Embedder
	cache    ResultCache
	cfg      Config
}

// NewEngine constructs a search engine.
func NewEngine(logger *log.Logger, st EngineStore, emb Embedder, cache ResultCache, cfg Config) (*Engine, error) {
	if st == nil || emb == nil {
		return nil, fmt.Errorf("store and embedder required")
	}
	if cfg.MaxDistance <= 0 {
		cfg.MaxDistance = 0.8
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 20
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	return &Engine{logger: logger, store: st, embedder: emb, cache: cache, cfg: cfg}, nil
}

// Search embeds the query text, runs the filtered nearest-neighbour query
// and returns ranked results. Identical (query, filters) pairs within the
// cache TTL are served from the cache with the Cached flag set. Fewer than
// limit results is valid: hits past the distance ceiling are excluded.
func (e *Engine) Search(ctx context.Context, userID string, q Query) (Response, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}
	if limit > e.cfg.MaxLimit {
		limit = e.cfg.MaxLimit
	}

	vec, err := e.embedder.Embed(ctx, userID, q.Text)
	if err != nil {
		return Response{}, fmt.Errorf("embed query: %w", err)
	}
	if vec.IsZero {
		e.logHistory(ctx, userID, q, 0, false)
		return Response{Results: []Result{}}, nil
	}

	key := e.cacheKey(userID, q, limit)
	if e.cache != nil {
		if raw, ok, err := e.cache.Get(ctx, key); err != nil {
			e.logger.Printf("warn: search cache get failed: %v", err)
		} else if ok {
			var results []Result
			if err := json.Unmarshal(raw, &results); err == nil {
				e.logHistory(ctx, userID, q, len(results), true)
				return Response{Results: results, Cached: true}, nil
			}
		}
	}

	hits, err := e.store.SearchMediaEmbeddings(ctx, userID, vec.Values, q.Filters, e.cfg.MaxDistance, limit, q.Offset)
	if err != nil {
		return Response{}, ErrUnavailable{Err: err}
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			MediaID:    h.MediaID,
			Kind:       h.Kind,
			Locator:    h.Locator,
			Tags:       h.Tags,
			Distance:   h.Distance,
			Similarity: 1 - h.Distance,
			UploadedAt: h.UploadedAt,
		})
	}

	if e.cache != nil {
		if raw, err := json.Marshal(results); err == nil {
			if err := e.cache.Set(ctx, key, raw, e.cfg.CacheTTL); err != nil {
				e.logger.Printf("warn: search cache set failed: %v", err)
			}
		}
	}
	e.logHistory(ctx, userID, q, len(results), false)
	return Response{Results: results}, nil
}

func (e *Engine) logHistory(ctx context.Context, userID string, q Query, count int, cached bool) {
	filters := map[string]interface{}{}
	if q.Filters.MediaKind != "" {
		filters["kind"] = q.Filters.MediaKind
	}
	if q.Filters.UploadedFrom != nil {
		filters["from"] = q.Filters.UploadedFrom
	}
	if q.Filters.UploadedTo != nil {
		filters["to"] = q.Filters.UploadedTo
	}
	if len(q.Filters.Tags) > 0 {
		filters["tags"] = q.Filters.Tags
	}
	if err := e.store.LogSearch(ctx, store.SearchHistoryRecord{
		UserID:      userID,
		Query:       q.Text,
		Filters:     filters,
		ResultCount: count,
		Cached:      cached,
	}); err != nil {
		e.logger.Printf("warn: log search history failed: %v", err)
	}
}

func (e *Engine) cacheKey(userID string, q Query, limit int) string {
	payload, _ := json.Marshal(struct {
		User   string
		Query  string
		Kind   string
		From   *time.Time
		To     *time.Time
		Tags   []string
		Limit  int
		Offset int
	}{userID, embedding.Normalize(q.Text), q.Filters.MediaKind, q.Filters.UploadedFrom, q.Filters.UploadedTo, q.Filters.Tags, limit, q.Offset})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
