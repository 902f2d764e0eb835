package aggregate

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/mediasense/mediasense/internal/store"
)

func visionResult() store.AnalysisResultRecord {
	return store.AnalysisResultRecord{
		Capability: "vision_labels",
		Mandatory:  true,
		Labels: []store.LabelRecord{
			{Name: "beach", Confidence: 0.72},
			{Name: "dog", Confidence: 0.95},
			{Name: "blur", Confidence: 0.2},
		},
	}
}

func transcriptResult() store.AnalysisResultRecord {
	return store.AnalysisResultRecord{
		Capability: "transcription",
		Mandatory:  true,
		Text:       "good boy, fetch the ball",
	}
}

func textAnalyticsResult() store.AnalysisResultRecord {
	return store.AnalysisResultRecord{
		Capability: "text_analytics",
		Mandatory:  false,
		Labels:     []store.LabelRecord{{Name: "Dog", Confidence: 0.8}},
		Sentiment:  "positive",
	}
}

func TestMergeOrderIndependent(t *testing.T) {
	cfg := DefaultConfig()
	a, err := Merge([]store.AnalysisResultRecord{visionResult(), transcriptResult(), textAnalyticsResult()}, cfg)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	b, err := Merge([]store.AnalysisResultRecord{textAnalyticsResult(), visionResult(), transcriptResult()}, cfg)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if a.Text != b.Text {
		t.Fatalf("text differs across input orderings:\n%q\n%q", a.Text, b.Text)
	}
	if strings.Join(a.Tags, ",") != strings.Join(b.Tags, ",") {
		t.Fatalf("tags differ across input orderings: %v vs %v", a.Tags, b.Tags)
	}
}

func TestMergeSectionOrder(t *testing.T) {
	got, err := Merge([]store.AnalysisResultRecord{transcriptResult(), visionResult()}, DefaultConfig())
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	// Visual labels come before the transcript; labels sort by confidence.
	want := "dog beach blur\ngood boy, fetch the ball"
	if got.Text != want {
		t.Fatalf("unexpected text:\n got %q\nwant %q", got.Text, want)
	}
}

func TestMergeTagsDedupeCaseInsensitive(t *testing.T) {
	got, err := Merge([]store.AnalysisResultRecord{visionResult(), textAnalyticsResult()}, DefaultConfig())
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	// "dog" from vision and "Dog" from entities collapse to one tag; "blur"
	// is under the confidence threshold.
	want := []string{"Dog", "beach"}
	if len(got.Tags) != len(want) {
		t.Fatalf("unexpected tags: %v", got.Tags)
	}
	for i := range want {
		if got.Tags[i] != want[i] {
			t.Fatalf("unexpected tags: %v, want %v", got.Tags, want)
		}
	}
}

func TestMergeMissingOptionalContributesNothing(t *testing.T) {
	withOptional, err := Merge([]store.AnalysisResultRecord{visionResult(), textAnalyticsResult()}, DefaultConfig())
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	withoutOptional, err := Merge([]store.AnalysisResultRecord{visionResult()}, DefaultConfig())
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if withoutOptional.Text != "dog beach blur" {
		t.Fatalf("unexpected text without optional results: %q", withoutOptional.Text)
	}
	if withOptional.Text == withoutOptional.Text {
		t.Fatalf("optional result should have contributed a section")
	}
}

func TestMergeRequiresMandatoryResult(t *testing.T) {
	_, err := Merge([]store.AnalysisResultRecord{textAnalyticsResult()}, DefaultConfig())
	if err != ErrNoMandatoryResults {
		t.Fatalf("expected ErrNoMandatoryResults, got %v", err)
	}
}

func TestMergeTruncatesText(t *testing.T) {
	long := store.AnalysisResultRecord{
		Capability: "transcription",
		Mandatory:  true,
		Text:       strings.Repeat("a", 100),
	}
	got, err := Merge([]store.AnalysisResultRecord{long}, Config{MaxTextLength: 10, TagConfidenceThreshold: 0.5})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(got.Text) != 10 {
		t.Fatalf("expected truncation to 10 chars, got %d", len(got.Text))
	}
}

func TestMergeTruncatesOnRuneBoundary(t *testing.T) {
	// Each snowman is 3 bytes; a byte-length cap of 10 lands mid-rune and
	// must back up rather than emit invalid UTF-8.
	long := store.AnalysisResultRecord{
		Capability: "transcription",
		Mandatory:  true,
		Text:       strings.Repeat("☃", 8),
	}
	got, err := Merge([]store.AnalysisResultRecord{long}, Config{MaxTextLength: 10, TagConfidenceThreshold: 0.5})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !utf8.ValidString(got.Text) {
		t.Fatalf("truncated text is not valid UTF-8: %q", got.Text)
	}
	if len(got.Text) != 9 {
		t.Fatalf("expected cut at the previous rune boundary (9 bytes), got %d", len(got.Text))
	}
}
