package search

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/mediasense/mediasense/internal/embedding"
	"github.com/mediasense/mediasense/internal/store"
)

type stubEmbedder struct {
	vec   embedding.Vector
	calls int
}

func (s *stubEmbedder) Embed(ctx context.Context, userID, text string) (embedding.Vector, error) {
	s.calls++
	return s.vec, nil
}

type stubStore struct {
	hits    []store.VectorSearchResult
	queries int
	history []store.SearchHistoryRecord
}

func (s *stubStore) SearchMediaEmbeddings(ctx context.Context, userID string, vector []float32, filters store.SearchFilters, maxDistance float64, limit, offset int) ([]store.VectorSearchResult, error) {
	s.queries++
	return s.hits, nil
}

func (s *stubStore) LogSearch(ctx context.Context, rec store.SearchHistoryRecord) error {
	s.history = append(s.history, rec)
	return nil
}

type memCache struct {
	entries map[string][]byte
}

func (m *memCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *memCache) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if m.entries == nil {
		m.entries = map[string][]byte{}
	}
	m.entries[key] = payload
	return nil
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestSearchRanksAndConvertsSimilarity(t *testing.T) {
	now := time.Now()
	st := &stubStore{hits: []store.VectorSearchResult{
		{MediaID: "m1", Kind: "image", Distance: 0.1, UploadedAt: now},
		{MediaID: "m2", Kind: "video", Distance: 0.4, UploadedAt: now.Add(-time.Hour)},
	}}
	eng, err := NewEngine(testLogger(), st, &stubEmbedder{vec: embedding.Vector{Values: []float32{1, 0}}}, nil, Config{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	resp, err := eng.Search(context.Background(), "u1", Query{Text: "sunset beach"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Cached {
		t.Fatalf("first search must not be cached")
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	if resp.Results[0].MediaID != "m1" {
		t.Fatalf("expected closest hit first, got %s", resp.Results[0].MediaID)
	}
	if got := resp.Results[0].Similarity; got != 0.9 {
		t.Fatalf("expected similarity 0.9, got %f", got)
	}
	if len(st.history) != 1 || st.history[0].Cached {
		t.Fatalf("expected one uncached history entry, got %+v", st.history)
	}
}

func TestSearchServesRepeatFromCache(t *testing.T) {
	st := &stubStore{hits: []store.VectorSearchResult{{MediaID: "m1", Kind: "image", Distance: 0.2}}}
	eng, err := NewEngine(testLogger(), st, &stubEmbedder{vec: embedding.Vector{Values: []float32{1}}}, &memCache{}, Config{CacheTTL: time.Minute})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	q := Query{Text: "Dogs  In Park"}
	if _, err := eng.Search(context.Background(), "u1", q); err != nil {
		t.Fatalf("first search: %v", err)
	}
	// Same query up to normalization should hit the cache.
	resp, err := eng.Search(context.Background(), "u1", Query{Text: "dogs in park"})
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if !resp.Cached {
		t.Fatalf("expected cached response")
	}
	if st.queries != 1 {
		t.Fatalf("expected a single storage query, got %d", st.queries)
	}
	if len(st.history) != 2 || !st.history[1].Cached {
		t.Fatalf("cached search must still be logged with cached flag, got %+v", st.history)
	}
}

func TestSearchBlankQueryReturnsEmpty(t *testing.T) {
	st := &stubStore{}
	emb := &stubEmbedder{vec: embedding.Vector{IsZero: true}}
	eng, err := NewEngine(testLogger(), st, emb, nil, Config{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	resp, err := eng.Search(context.Background(), "u1", Query{Text: "   "})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Fatalf("expected no results for blank query")
	}
	if st.queries != 0 {
		t.Fatalf("blank query must not reach storage")
	}
}

func TestKeywordIndexScopesToUser(t *testing.T) {
	idx, err := NewKeywordIndex("")
	if err != nil {
		t.Fatalf("NewKeywordIndex: %v", err)
	}
	defer idx.Close()

	if err := idx.Index("m1", KeywordDoc{UserID: "u1", Kind: "image", Text: "golden retriever running on a beach", Tags: []string{"dog"}}); err != nil {
		t.Fatalf("Index m1: %v", err)
	}
	if err := idx.Index("m2", KeywordDoc{UserID: "u2", Kind: "image", Text: "golden retriever asleep on a couch"}); err != nil {
		t.Fatalf("Index m2: %v", err)
	}

	hits, err := idx.Search("u1", "retriever", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].MediaID != "m1" {
		t.Fatalf("expected only u1's document, got %+v", hits)
	}

	if err := idx.Delete("m1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	hits, err = idx.Search("u1", "retriever", 10)
	if err != nil {
		t.Fatalf("Search after delete: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits after delete, got %+v", hits)
	}
}
