// Package embedding turns text into fixed-length vectors, deduplicating
// external calls through a content-hash cache and a single-flight group.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mediasense/mediasense/internal/store"
	"github.com/mediasense/mediasense/provider"
)

// VectorCache is the shared cache keyed by (model, content hash).
type VectorCache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vec []float32, ttl time.Duration) error
}

// CostRecorder appends the cost of a provider call. Embedding providers
// charge on success only, so recording happens after the call.
type CostRecorder interface {
	Charge(ctx context.Context, rec store.CostRecord) error
}

// Vector is the embedding for one piece of text.
type Vector struct {
	Values      []float32
	ContentHash string
	Cached      bool
	IsZero      bool
}

// Service produces embeddings with cache-aside deduplication.
type Service struct {
	logger     *log.Logger
	provider   provider.Provider
	cache      VectorCache
	costs      CostRecorder
	model      string
	dimensions int
	cacheTTL   time.Duration
	costPer1K  float64
	group      singleflight.Group
}

// New constructs the embedding service.
func New(logger *log.Logger, p provider.Provider, cache VectorCache, costs CostRecorder, model string, dimensions int, cacheTTL time.Duration, costPer1K float64) (*Service, error) {
	if p == nil {
		return nil, fmt.Errorf("embedding provider required")
	}
	if model == "" {
		return nil, fmt.Errorf("embedding model required")
	}
	if dimensions <= 0 {
		dimensions = store.DefaultEmbeddingDimensions
	}
	return &Service{
		logger:     logger,
		provider:   p,
		cache:      cache,
		costs:      costs,
		model:      model,
		dimensions: dimensions,
		cacheTTL:   cacheTTL,
		costPer1K:  costPer1K,
	}, nil
}

// Model returns the model identifier vectors are stored under.
func (s *Service) Model() string { return s.model }

// Dimensions returns the vector length the service produces.
func (s *Service) Dimensions() int { return s.dimensions }

// Embed returns the vector for text. Blank text short-circuits to a zero
// vector without any provider call. Cache hits record no cost. Concurrent
// misses for the same hash share one provider call; the cost is recorded once
// against the user whose call actually ran.
func (s *Service) Embed(ctx context.Context, userID string, text string) (Vector, error) {
	normalized := Normalize(text)
	hash := ContentHash(normalized)
	if normalized == "" {
		return Vector{Values: make([]float32, s.dimensions), ContentHash: hash, IsZero: true}, nil
	}

	key := s.model + ":" + hash
	if s.cache != nil {
		vec, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Printf("warn: embedding cache get failed: %v", err)
		} else if ok {
			return Vector{Values: vec, ContentHash: hash, Cached: true}, nil
		}
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		// another caller may have populated the cache while this one waited
		if s.cache != nil {
			if vec, ok, err := s.cache.Get(ctx, key); err == nil && ok {
				return Vector{Values: vec, ContentHash: hash, Cached: true}, nil
			}
		}
		vecs, err := s.provider.CreateEmbedding(ctx, []string{normalized})
		if err != nil {
			return nil, fmt.Errorf("create embedding: %w", err)
		}
		if len(vecs) == 0 || len(vecs[0]) == 0 {
			return nil, fmt.Errorf("provider returned no embedding")
		}
		if s.costs != nil {
			if err := s.costs.Charge(ctx, store.CostRecord{
				UserID:    userID,
				Service:   "embedding",
				Operation: s.model,
				Amount:    s.estimateCost(normalized),
			}); err != nil {
				s.logger.Printf("warn: record embedding cost failed: %v", err)
			}
		}
		if s.cache != nil {
			if err := s.cache.Set(ctx, key, vecs[0], s.cacheTTL); err != nil {
				s.logger.Printf("warn: embedding cache set failed: %v", err)
			}
		}
		return Vector{Values: vecs[0], ContentHash: hash}, nil
	})
	if err != nil {
		return Vector{}, err
	}
	return v.(Vector), nil
}

func (s *Service) estimateCost(text string) float64 {
	// rough 4-chars-per-token heuristic
	tokens := float64(len(text)) / 4
	return tokens / 1000 * s.costPer1K
}

// Normalize collapses whitespace and lowercases text so trivially different
// inputs share one hash.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// ContentHash is the stable digest used as the dedup key for a normalized text.
func ContentHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
