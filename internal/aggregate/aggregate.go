// Package aggregate deterministically merges the completed analysis results
// of one media item into a single searchable text plus structured tags.
package aggregate

import (
	"errors"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/mediasense/mediasense/internal/analysis"
	"github.com/mediasense/mediasense/internal/store"
)

// ErrNoMandatoryResults signals aggregation invoked with zero completed
// mandatory results, which is an internal invariant violation rather than a
// provider failure.
var ErrNoMandatoryResults = errors.New("aggregation requires at least one completed mandatory result")

// Config bounds the aggregation output.
type Config struct {
	// MaxTextLength caps the combined text to bound downstream embedding cost.
	MaxTextLength int
	// TagConfidenceThreshold excludes low-confidence labels from tags.
	TagConfidenceThreshold float64
}

// DefaultConfig matches the pipeline defaults.
func DefaultConfig() Config {
	return Config{MaxTextLength: 8000, TagConfidenceThreshold: 0.5}
}

// Content is the aggregation output.
type Content struct {
	Text string
	Tags []string
}

// Merge combines analysis results into aggregated content. The merge is
// deterministic and idempotent: the same result set always yields
// byte-identical output, regardless of input ordering. Missing optional
// results contribute nothing.
func Merge(results []store.AnalysisResultRecord, cfg Config) (Content, error) {
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = DefaultConfig().MaxTextLength
	}

	byCapability := make(map[string]store.AnalysisResultRecord, len(results))
	mandatoryPresent := false
	for _, r := range results {
		byCapability[r.Capability] = r
		if r.Mandatory {
			mandatoryPresent = true
		}
	}
	if !mandatoryPresent {
		return Content{}, ErrNoMandatoryResults
	}

	// Fixed capability order: visual labels, detected text, transcript,
	// entity/sentiment summary. Sections that would be empty are skipped
	// entirely, no placeholder text.
	var sections []string
	if r, ok := byCapability[string(analysis.CapabilityVisionLabels)]; ok {
		if s := labelSection(r.Labels); s != "" {
			sections = append(sections, s)
		}
	}
	if r, ok := byCapability[string(analysis.CapabilityTextAnalytics)]; ok {
		if s := strings.TrimSpace(r.Text); s != "" {
			sections = append(sections, s)
		}
	}
	if r, ok := byCapability[string(analysis.CapabilityTranscription)]; ok {
		if s := strings.TrimSpace(r.Text); s != "" {
			sections = append(sections, s)
		}
	}
	if r, ok := byCapability[string(analysis.CapabilityTextAnalytics)]; ok {
		if s := entitySection(r); s != "" {
			sections = append(sections, s)
		}
	}

	text := strings.Join(sections, "\n")
	if len(text) > cfg.MaxTextLength {
		// Back up to a rune boundary so the cut never leaves invalid UTF-8.
		cut := cfg.MaxTextLength
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}

	return Content{Text: text, Tags: collectTags(results, cfg.TagConfidenceThreshold)}, nil
}

// labelSection renders detected labels as a space-separated phrase, ordered
// by descending confidence with name as tiebreak for determinism.
func labelSection(labels []store.LabelRecord) string {
	if len(labels) == 0 {
		return ""
	}
	sorted := make([]store.LabelRecord, len(labels))
	copy(sorted, labels)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].Name < sorted[j].Name
	})
	names := make([]string, 0, len(sorted))
	for _, l := range sorted {
		name := strings.TrimSpace(l.Name)
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	return strings.Join(names, " ")
}

// entitySection renders the entity/sentiment summary.
func entitySection(r store.AnalysisResultRecord) string {
	entities := labelSection(r.Labels)
	sentiment := strings.TrimSpace(r.Sentiment)
	switch {
	case entities != "" && sentiment != "":
		return entities + "\n" + sentiment
	case entities != "":
		return entities
	case sentiment != "":
		return sentiment
	}
	return ""
}

// collectTags unions label and entity names above the confidence threshold,
// deduplicated case-insensitively, sorted for determinism. The first casing
// seen in sorted order wins.
func collectTags(results []store.AnalysisResultRecord, threshold float64) []string {
	var names []string
	for _, r := range results {
		for _, l := range r.Labels {
			if l.Confidence < threshold {
				continue
			}
			name := strings.TrimSpace(l.Name)
			if name == "" {
				continue
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	seen := make(map[string]struct{}, len(names))
	tags := make([]string, 0, len(names))
	for _, name := range names {
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		tags = append(tags, name)
	}
	return tags
}
