package search

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/mapping"
)

// KeywordDoc is the indexed shape of a media item's aggregated text.
type KeywordDoc struct {
	UserID     string    `json:"user_id"`
	Kind       string    `json:"kind"`
	Locator    string    `json:"locator"`
	Text       string    `json:"text"`
	Tags       []string  `json:"tags"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// KeywordHit is one full-text match.
type KeywordHit struct {
	MediaID  string   `json:"media_id"`
	Score    float64  `json:"score"`
	Fragment string   `json:"fragment,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// KeywordIndex is a full-text complement to the vector engine, backed by a
// bleve index over aggregated content.
type KeywordIndex struct {
	mu  sync.RWMutex
	idx bleve.Index
}

func keywordMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name
	doc.AddFieldMappingsAt("user_id", exact)
	doc.AddFieldMappingsAt("kind", exact)
	doc.AddFieldMappingsAt("tags", exact)

	doc.AddFieldMappingsAt("text", bleve.NewTextFieldMapping())
	im.DefaultMapping = doc
	return im
}

// NewKeywordIndex opens the index at path, creating it if missing. An empty
// path builds a memory-only index, which is what tests use.
func NewKeywordIndex(path string) (*KeywordIndex, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(keywordMapping())
		if err != nil {
			return nil, fmt.Errorf("create in-memory index: %w", err)
		}
		return &KeywordIndex{idx: idx}, nil
	}
	idx, err := bleve.Open(path)
	if err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("open index %s: %w", path, err)
		}
		idx, err = bleve.New(path, keywordMapping())
		if err != nil {
			return nil, fmt.Errorf("create index %s: %w", path, err)
		}
	}
	return &KeywordIndex{idx: idx}, nil
}

// Index stores or replaces the document for a media item.
func (k *KeywordIndex) Index(mediaID string, doc KeywordDoc) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.idx.Index(mediaID, doc)
}

// Delete drops a media item from the index.
func (k *KeywordIndex) Delete(mediaID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.idx.Delete(mediaID)
}

// Search runs a query-string search over the caller's own documents.
func (k *KeywordIndex) Search(userID, q string, limit int) ([]KeywordHit, error) {
	if limit <= 0 {
		limit = 20
	}
	text := bleve.NewQueryStringQuery(q)
	owner := bleve.NewTermQuery(userID)
	owner.SetField("user_id")
	req := bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(text, owner), limit, 0, false)
	req.Highlight = bleve.NewHighlightWithStyle("html")
	req.Fields = []string{"tags"}

	k.mu.RLock()
	res, err := k.idx.Search(req)
	k.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	out := make([]KeywordHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		h := KeywordHit{MediaID: hit.ID, Score: hit.Score}
		if frags, ok := hit.Fragments["text"]; ok && len(frags) > 0 {
			h.Fragment = frags[0]
		}
		switch tags := hit.Fields["tags"].(type) {
		case string:
			h.Tags = []string{tags}
		case []interface{}:
			for _, t := range tags {
				if s, ok := t.(string); ok {
					h.Tags = append(h.Tags, s)
				}
			}
		}
		out = append(out, h)
	}
	return out, nil
}

// Close releases the underlying index.
func (k *KeywordIndex) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.idx.Close()
}
