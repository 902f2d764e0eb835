package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/mediasense/mediasense/internal/aggregate"
	"github.com/mediasense/mediasense/internal/analysis"
	"github.com/mediasense/mediasense/internal/budget"
	"github.com/mediasense/mediasense/internal/embedding"
	"github.com/mediasense/mediasense/internal/jobs"
	"github.com/mediasense/mediasense/internal/store"
)

type fakeAdapter struct {
	capability analysis.Capability
	perAttempt bool
	cost       float64
	result     analysis.Result
	err        error
	calls      int
}

func (f *fakeAdapter) Capability() analysis.Capability { return f.capability }
func (f *fakeAdapter) ChargesPerAttempt() bool         { return f.perAttempt }
func (f *fakeAdapter) CostPerCall() float64            { return f.cost }
func (f *fakeAdapter) Analyze(ctx context.Context, locator string, opts analysis.Options) (analysis.Result, error) {
	f.calls++
	if f.err != nil {
		return analysis.Result{}, f.err
	}
	return f.result, nil
}

type fakeStore struct {
	media      store.MediaItem
	user       store.User
	results    []store.AnalysisResultRecord
	aggregated []store.AggregatedContentRecord
	embeddings []store.EmbeddingRecord
	links      []store.MediaEmbeddingLink
}

func (f *fakeStore) ClaimNextJob(ctx context.Context, capability string) (store.ProcessingJob, bool, error) {
	return store.ProcessingJob{}, false, nil
}
func (f *fakeStore) GetMediaItem(ctx context.Context, id, userID string) (store.MediaItem, error) {
	return f.media, nil
}
func (f *fakeStore) GetUser(ctx context.Context, id string) (store.User, error) {
	return f.user, nil
}
func (f *fakeStore) MarkMediaProcessing(ctx context.Context, id string) error { return nil }
func (f *fakeStore) ListCompletedResults(ctx context.Context, mediaID string) ([]store.AnalysisResultRecord, error) {
	return f.results, nil
}
func (f *fakeStore) UpsertAggregatedContent(ctx context.Context, rec store.AggregatedContentRecord) error {
	f.aggregated = append(f.aggregated, rec)
	return nil
}
func (f *fakeStore) UpsertEmbedding(ctx context.Context, rec store.EmbeddingRecord) (string, error) {
	f.embeddings = append(f.embeddings, rec)
	return "emb-1", nil
}
func (f *fakeStore) LinkMediaEmbedding(ctx context.Context, link store.MediaEmbeddingLink) error {
	f.links = append(f.links, link)
	return nil
}

type fakeCoordinator struct {
	successes []store.ProcessingJob
	failures  []error
	embeds    []store.ProcessingJob
	disp      jobs.Disposition
}

func (f *fakeCoordinator) ReportSuccess(ctx context.Context, job store.ProcessingJob, result analysis.Result) error {
	f.successes = append(f.successes, job)
	return nil
}
func (f *fakeCoordinator) ReportFailure(ctx context.Context, job store.ProcessingJob, cause error) (jobs.Disposition, error) {
	f.failures = append(f.failures, cause)
	return f.disp, nil
}
func (f *fakeCoordinator) CompleteEmbedStage(ctx context.Context, job store.ProcessingJob) error {
	f.embeds = append(f.embeds, job)
	return nil
}

type fakeGate struct {
	reserveErr error
	authErr    error
	reserved   []store.CostRecord
	charged    []store.CostRecord
}

func (f *fakeGate) Authorize(ctx context.Context, userID, tier string) error { return f.authErr }
func (f *fakeGate) Reserve(ctx context.Context, rec store.CostRecord, tier string) error {
	if f.reserveErr != nil {
		return f.reserveErr
	}
	f.reserved = append(f.reserved, rec)
	return nil
}
func (f *fakeGate) Charge(ctx context.Context, rec store.CostRecord) error {
	f.charged = append(f.charged, rec)
	return nil
}

type fakeEmbedder struct {
	vec embedding.Vector
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, userID, text string) (embedding.Vector, error) {
	if f.err != nil {
		return embedding.Vector{}, f.err
	}
	return f.vec, nil
}
func (f *fakeEmbedder) Model() string { return "text-embedding-3-small" }

func newTestProcessor(t *testing.T, st StoreAPI, coord Coordinator, reg *analysis.Registry, gate Gate, emb Embedder) *Processor {
	t.Helper()
	p, err := NewProcessor(log.New(io.Discard, "", 0), st, coord, reg, gate, emb, nil, Config{})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	return p
}

func TestRunAnalysisReservesBeforePerAttemptCall(t *testing.T) {
	adapter := &fakeAdapter{
		capability: analysis.CapabilityVisionLabels,
		perAttempt: true,
		cost:       0.01,
		result:     analysis.Result{Capability: analysis.CapabilityVisionLabels, Labels: []analysis.Label{{Name: "dog", Confidence: 0.9}}},
	}
	st := &fakeStore{
		media: store.MediaItem{ID: "m1", UserID: "u1", Kind: "image", Locator: "s3://bucket/m1.jpg"},
		user:  store.User{ID: "u1", Tier: store.TierStandard},
	}
	coord := &fakeCoordinator{}
	gate := &fakeGate{}
	p := newTestProcessor(t, st, coord, analysis.NewRegistry(adapter), gate, &fakeEmbedder{})

	job := store.ProcessingJob{ID: "j1", MediaID: "m1", UserID: "u1", Capability: "vision_labels", Mandatory: true}
	if err := p.runAnalysis(context.Background(), job); err != nil {
		t.Fatalf("runAnalysis: %v", err)
	}
	if len(gate.reserved) != 1 || gate.reserved[0].Amount != 0.01 {
		t.Fatalf("expected one reservation of 0.01, got %+v", gate.reserved)
	}
	if adapter.calls != 1 {
		t.Fatalf("expected one adapter call, got %d", adapter.calls)
	}
	if len(coord.successes) != 1 {
		t.Fatalf("expected success report, got %+v", coord.failures)
	}
	if len(gate.charged) != 0 {
		t.Fatalf("per-attempt adapter must not double-bill via Charge")
	}
}

func TestRunAnalysisBudgetVetoSkipsProviderCall(t *testing.T) {
	adapter := &fakeAdapter{capability: analysis.CapabilityTranscription, perAttempt: true, cost: 0.06}
	st := &fakeStore{
		media: store.MediaItem{ID: "m1", UserID: "u1", Kind: "video", Locator: "s3://bucket/m1.mp4"},
		user:  store.User{ID: "u1", Tier: store.TierFree},
	}
	coord := &fakeCoordinator{disp: jobs.DispositionBudget}
	gate := &fakeGate{reserveErr: budget.ErrExceeded{UserID: "u1", Spent: 1.0, Ceiling: 1.0}}
	p := newTestProcessor(t, st, coord, analysis.NewRegistry(adapter), gate, &fakeEmbedder{})

	job := store.ProcessingJob{ID: "j1", MediaID: "m1", UserID: "u1", Capability: "transcription", Mandatory: true}
	if err := p.runAnalysis(context.Background(), job); err != nil {
		t.Fatalf("runAnalysis: %v", err)
	}
	if adapter.calls != 0 {
		t.Fatalf("vetoed job must not reach the provider")
	}
	if len(coord.failures) != 1 {
		t.Fatalf("expected one failure report")
	}
	if analysis.ClassOf(coord.failures[0]) != analysis.ErrorClassBudget {
		t.Fatalf("expected budget error class, got %v", coord.failures[0])
	}
}

func TestRunAnalysisChargesSuccessOnlyAdapterAfterCall(t *testing.T) {
	adapter := &fakeAdapter{
		capability: analysis.CapabilityCelebrity,
		perAttempt: false,
		cost:       0.02,
		result:     analysis.Result{Capability: analysis.CapabilityCelebrity},
	}
	st := &fakeStore{
		media: store.MediaItem{ID: "m1", UserID: "u1", Kind: "image", Locator: "s3://bucket/m1.jpg"},
		user:  store.User{ID: "u1", Tier: store.TierPro},
	}
	coord := &fakeCoordinator{}
	gate := &fakeGate{}
	p := newTestProcessor(t, st, coord, analysis.NewRegistry(adapter), gate, &fakeEmbedder{})

	job := store.ProcessingJob{ID: "j1", MediaID: "m1", UserID: "u1", Capability: "celebrity_match"}
	if err := p.runAnalysis(context.Background(), job); err != nil {
		t.Fatalf("runAnalysis: %v", err)
	}
	if len(gate.reserved) != 0 {
		t.Fatalf("success-only adapter must not reserve up front")
	}
	if len(gate.charged) != 1 || gate.charged[0].Amount != 0.02 {
		t.Fatalf("expected post-call charge of 0.02, got %+v", gate.charged)
	}
}

func TestRunAnalysisTransientFailureReported(t *testing.T) {
	adapter := &fakeAdapter{
		capability: analysis.CapabilityVisionLabels,
		perAttempt: true,
		cost:       0.01,
		err:        analysis.Transient("vision", errors.New("http 503")),
	}
	st := &fakeStore{
		media: store.MediaItem{ID: "m1", UserID: "u1", Kind: "image"},
		user:  store.User{ID: "u1", Tier: store.TierStandard},
	}
	coord := &fakeCoordinator{disp: jobs.DispositionRetrying}
	gate := &fakeGate{}
	p := newTestProcessor(t, st, coord, analysis.NewRegistry(adapter), gate, &fakeEmbedder{})

	job := store.ProcessingJob{ID: "j1", MediaID: "m1", UserID: "u1", Capability: "vision_labels", Attempts: 0, MaxAttempts: 3}
	if err := p.runAnalysis(context.Background(), job); err != nil {
		t.Fatalf("runAnalysis: %v", err)
	}
	// The attempt was reserved even though it failed: per-attempt billing.
	if len(gate.reserved) != 1 {
		t.Fatalf("failed attempt must still be billed, got %+v", gate.reserved)
	}
	if len(coord.failures) != 1 || analysis.ClassOf(coord.failures[0]) != analysis.ErrorClassTransient {
		t.Fatalf("expected transient failure report, got %+v", coord.failures)
	}
}

func TestRunEmbedStagePipeline(t *testing.T) {
	st := &fakeStore{
		media: store.MediaItem{ID: "m1", UserID: "u1", Kind: "image", Locator: "s3://bucket/m1.jpg", UploadedAt: time.Now()},
		user:  store.User{ID: "u1", Tier: store.TierStandard},
		results: []store.AnalysisResultRecord{
			{MediaID: "m1", Capability: "vision_labels", Mandatory: true, Labels: []store.LabelRecord{{Name: "dog", Confidence: 0.9}}},
		},
	}
	coord := &fakeCoordinator{}
	gate := &fakeGate{}
	emb := &fakeEmbedder{vec: embedding.Vector{Values: []float32{0.1, 0.2}, ContentHash: "abc"}}
	p := newTestProcessor(t, st, coord, analysis.NewRegistry(), gate, emb)

	job := store.ProcessingJob{ID: "j9", MediaID: "m1", UserID: "u1", Capability: "embed", Mandatory: true}
	if err := p.runEmbedStage(context.Background(), job); err != nil {
		t.Fatalf("runEmbedStage: %v", err)
	}
	if len(st.aggregated) != 1 || st.aggregated[0].Text != "dog" {
		t.Fatalf("unexpected aggregated content: %+v", st.aggregated)
	}
	if len(st.embeddings) != 1 || st.embeddings[0].ContentHash != "abc" {
		t.Fatalf("embedding not stored: %+v", st.embeddings)
	}
	if len(st.links) != 1 || st.links[0].EmbeddingID != "emb-1" {
		t.Fatalf("embedding not linked: %+v", st.links)
	}
	if len(coord.embeds) != 1 {
		t.Fatalf("embed stage not completed")
	}
}

func TestRunEmbedStageWithoutMandatoryResultsIsRetried(t *testing.T) {
	st := &fakeStore{user: store.User{ID: "u1", Tier: store.TierStandard}}
	coord := &fakeCoordinator{disp: jobs.DispositionRetrying}
	p := newTestProcessor(t, st, coord, analysis.NewRegistry(), &fakeGate{}, &fakeEmbedder{})

	// Zero mandatory results is an internal invariant violation: the embed
	// job's two attempts grant it one retry before the item goes terminal,
	// so the failure must classify transient, not permanent.
	job := store.ProcessingJob{ID: "j9", MediaID: "m1", UserID: "u1", Capability: "embed", MaxAttempts: 2}
	if err := p.runEmbedStage(context.Background(), job); err != nil {
		t.Fatalf("runEmbedStage: %v", err)
	}
	if len(coord.failures) != 1 || analysis.ClassOf(coord.failures[0]) != analysis.ErrorClassTransient {
		t.Fatalf("expected transient failure, got %+v", coord.failures)
	}
	if !errors.Is(coord.failures[0], aggregate.ErrNoMandatoryResults) {
		t.Fatalf("expected aggregation invariant error, got %v", coord.failures[0])
	}
	if len(st.embeddings) != 0 {
		t.Fatalf("no embedding must be stored without aggregation")
	}
}
