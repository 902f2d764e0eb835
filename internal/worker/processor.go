// Package worker executes claimed processing jobs: analysis calls against
// external providers, and the embed stage that aggregates and embeds a
// media item once its analysis fan-in settles. Keyword indexing is derived
// from the stored aggregated content by the API process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/mediasense/mediasense/internal/aggregate"
	"github.com/mediasense/mediasense/internal/analysis"
	"github.com/mediasense/mediasense/internal/budget"
	"github.com/mediasense/mediasense/internal/embedding"
	"github.com/mediasense/mediasense/internal/jobs"
	"github.com/mediasense/mediasense/internal/queue/streams"
	"github.com/mediasense/mediasense/internal/store"
)

// StoreAPI captures the store methods the processor needs.
type StoreAPI interface {
	ClaimNextJob(ctx context.Context, capability string) (store.ProcessingJob, bool, error)
	GetMediaItem(ctx context.Context, id, userID string) (store.MediaItem, error)
	GetUser(ctx context.Context, id string) (store.User, error)
	MarkMediaProcessing(ctx context.Context, id string) error
	ListCompletedResults(ctx context.Context, mediaID string) ([]store.AnalysisResultRecord, error)
	UpsertAggregatedContent(ctx context.Context, rec store.AggregatedContentRecord) error
	UpsertEmbedding(ctx context.Context, rec store.EmbeddingRecord) (string, error)
	LinkMediaEmbedding(ctx context.Context, link store.MediaEmbeddingLink) error
}

// Coordinator is the job-outcome surface of the orchestrator.
type Coordinator interface {
	ReportSuccess(ctx context.Context, job store.ProcessingJob, result analysis.Result) error
	ReportFailure(ctx context.Context, job store.ProcessingJob, cause error) (jobs.Disposition, error)
	CompleteEmbedStage(ctx context.Context, job store.ProcessingJob) error
}

// Gate is the budget surface the processor consults before spending.
type Gate interface {
	Authorize(ctx context.Context, userID, tier string) error
	Reserve(ctx context.Context, rec store.CostRecord, tier string) error
	Charge(ctx context.Context, rec store.CostRecord) error
}

// Embedder produces the vector for aggregated content.
type Embedder interface {
	Embed(ctx context.Context, userID, text string) (embedding.Vector, error)
	Model() string
}

// Config tunes the processor.
type Config struct {
	// Concurrency caps in-flight jobs per capability; missing entries use
	// DefaultConcurrency.
	Concurrency        map[string]int
	DefaultConcurrency int
	PollInterval       time.Duration
	Aggregation        aggregate.Config
}

// Processor claims and executes jobs for every registered capability plus
// the embed stage. Each capability gets its own worker pool so a slow
// provider cannot starve the others.
type Processor struct {
	logger   *log.Logger
	store    StoreAPI
	coord    Coordinator
	registry *analysis.Registry
	gate     Gate
	embedder Embedder
	consumer *streams.Consumer
	cfg      Config
}

// NewProcessor constructs a processor. consumer may be nil, which degrades
// to pure polling.
func NewProcessor(logger *log.Logger, st StoreAPI, coord Coordinator, registry *analysis.Registry,
	gate Gate, embedder Embedder, consumer *streams.Consumer, cfg Config) (*Processor, error) {
	if st == nil || coord == nil || registry == nil || gate == nil || embedder == nil {
		return nil, fmt.Errorf("store, coordinator, registry, gate and embedder required")
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Processor{
		logger:   logger,
		store:    st,
		coord:    coord,
		registry: registry,
		gate:     gate,
		embedder: embedder,
		consumer: consumer,
		cfg:      cfg,
	}, nil
}

func (p *Processor) capabilities() []string {
	caps := make([]string, 0, 8)
	for _, c := range p.registry.Capabilities() {
		caps = append(caps, string(c))
	}
	caps = append(caps, string(analysis.CapabilityEmbed))
	return caps
}

// Start runs claim loops for every capability until the context is
// cancelled. Each loop polls on a ticker and additionally wakes on enqueue
// events when a stream consumer is configured.
func (p *Processor) Start(ctx context.Context) error {
	caps := p.capabilities()
	p.logger.Printf("worker starting: capabilities %v", caps)

	wake := make(map[string]chan struct{}, len(caps))
	pools := make(map[string]*ants.Pool, len(caps))
	for _, c := range caps {
		n := p.cfg.Concurrency[c]
		if n <= 0 {
			n = p.cfg.DefaultConcurrency
		}
		pool, err := ants.NewPool(n)
		if err != nil {
			return fmt.Errorf("pool for %s: %w", c, err)
		}
		pools[c] = pool
		wake[c] = make(chan struct{}, 1)
	}
	defer func() {
		for _, pool := range pools {
			pool.Release()
		}
	}()

	if p.consumer != nil {
		go p.consumeWakeups(ctx, wake)
	}

	done := make(chan struct{})
	for _, c := range caps {
		go func(capability string) {
			p.claimLoop(ctx, capability, pools[capability], wake[capability])
			done <- struct{}{}
		}(c)
	}
	for range caps {
		<-done
	}
	p.logger.Printf("worker stopped: %v", ctx.Err())
	return nil
}

// consumeWakeups fans enqueue events out to the per-capability loops. The
// stream is a latency optimization only; the poll ticker remains the source
// of truth for claimable work.
func (p *Processor) consumeWakeups(ctx context.Context, wake map[string]chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msgs, err := p.consumer.Read(ctx, streams.StreamMediaJobs, streams.WithBlock(5*time.Second), streams.WithCount(32))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Printf("warn: read %s: %v", streams.StreamMediaJobs, err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			for _, ch := range wake {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
			if err := p.consumer.Ack(ctx, streams.StreamMediaJobs, msg.ID); err != nil {
				p.logger.Printf("warn: ack %s: %v", msg.ID, err)
			}
		}
	}
}

func (p *Processor) claimLoop(ctx context.Context, capability string, pool *ants.Pool, wake <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		p.drain(ctx, capability, pool)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// drain claims due jobs for one capability until the queue is empty.
// Submission blocks once the pool is saturated, which throttles claiming.
func (p *Processor) drain(ctx context.Context, capability string, pool *ants.Pool) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := p.store.ClaimNextJob(ctx, capability)
		if err != nil {
			p.logger.Printf("error claiming %s job: %v", capability, err)
			return
		}
		if !ok {
			return
		}
		j := job
		if err := pool.Submit(func() { p.execute(ctx, j) }); err != nil {
			p.logger.Printf("error submitting %s job %s: %v", capability, j.ID, err)
			return
		}
	}
}

func (p *Processor) execute(ctx context.Context, job store.ProcessingJob) {
	start := time.Now()
	var err error
	if job.Capability == string(analysis.CapabilityEmbed) {
		err = p.runEmbedStage(ctx, job)
	} else {
		err = p.runAnalysis(ctx, job)
	}
	jobDuration.WithLabelValues(job.Capability).Observe(time.Since(start).Seconds())
	if err != nil {
		p.logger.Printf("error executing job %s (%s): %v", job.ID, job.Capability, err)
	}
}

// runAnalysis performs one adapter call attempt for a claimed job, gated by
// the owner's budget. Charge-per-attempt providers reserve their cost before
// the call; success-only providers are charged after.
func (p *Processor) runAnalysis(ctx context.Context, job store.ProcessingJob) error {
	adapter, err := p.registry.Adapter(analysis.Capability(job.Capability))
	if err != nil {
		_, ferr := p.coord.ReportFailure(ctx, job, analysis.Permanent(job.Capability, err))
		return errors.Join(err, ferr)
	}
	if err := p.store.MarkMediaProcessing(ctx, job.MediaID); err != nil {
		p.logger.Printf("warn: mark media %s processing: %v", job.MediaID, err)
	}
	media, err := p.store.GetMediaItem(ctx, job.MediaID, job.UserID)
	if err != nil {
		return p.reportFailure(ctx, job, analysis.Transient(job.Capability, fmt.Errorf("load media: %w", err)))
	}
	user, err := p.store.GetUser(ctx, job.UserID)
	if err != nil {
		return p.reportFailure(ctx, job, analysis.Transient(job.Capability, fmt.Errorf("load user: %w", err)))
	}

	jobID := job.ID
	if adapter.ChargesPerAttempt() {
		err = p.gate.Reserve(ctx, store.CostRecord{
			UserID:    job.UserID,
			Service:   job.Capability,
			Operation: "analyze",
			Amount:    adapter.CostPerCall(),
			JobID:     &jobID,
		}, user.Tier)
	} else {
		err = p.gate.Authorize(ctx, job.UserID, user.Tier)
	}
	if err != nil {
		if budget.IsExceeded(err) {
			return p.reportFailure(ctx, job, &analysis.ProviderError{Service: job.Capability, Class: analysis.ErrorClassBudget, Err: err})
		}
		return p.reportFailure(ctx, job, analysis.Transient(job.Capability, fmt.Errorf("budget gate: %w", err)))
	}

	result, err := adapter.Analyze(ctx, media.Locator, analysis.Options{MediaKind: media.Kind})
	if err != nil {
		return p.reportFailure(ctx, job, err)
	}
	if !adapter.ChargesPerAttempt() && adapter.CostPerCall() > 0 {
		if cerr := p.gate.Charge(ctx, store.CostRecord{
			UserID:    job.UserID,
			Service:   job.Capability,
			Operation: "analyze",
			Amount:    adapter.CostPerCall(),
			JobID:     &jobID,
		}); cerr != nil {
			p.logger.Printf("warn: record %s cost for job %s: %v", job.Capability, job.ID, cerr)
		}
	}
	if err := p.coord.ReportSuccess(ctx, job, result); err != nil {
		return fmt.Errorf("report success: %w", err)
	}
	jobsProcessed.WithLabelValues(job.Capability, outcomeCompleted).Inc()
	return nil
}

// runEmbedStage aggregates completed results, embeds the combined text and
// links the vector, then marks the media item completed. Aggregation plus
// embedding run under the embed job's attempt budget.
func (p *Processor) runEmbedStage(ctx context.Context, job store.ProcessingJob) error {
	results, err := p.store.ListCompletedResults(ctx, job.MediaID)
	if err != nil {
		return p.reportFailure(ctx, job, analysis.Transient("aggregate", fmt.Errorf("load results: %w", err)))
	}
	content, err := aggregate.Merge(results, p.cfg.Aggregation)
	if err != nil {
		// An aggregation invariant violation is reported transient so the
		// embed job's two attempts give it exactly one retry before the
		// media item fails. A re-read of the results may repair it when
		// the first claim raced the last result write.
		if errors.Is(err, aggregate.ErrNoMandatoryResults) {
			return p.reportFailure(ctx, job, analysis.Transient("aggregate", err))
		}
		return p.reportFailure(ctx, job, analysis.Permanent("aggregate", err))
	}
	if err := p.store.UpsertAggregatedContent(ctx, store.AggregatedContentRecord{
		MediaID: job.MediaID,
		Text:    content.Text,
		Tags:    content.Tags,
	}); err != nil {
		return p.reportFailure(ctx, job, analysis.Transient("aggregate", fmt.Errorf("store content: %w", err)))
	}

	user, err := p.store.GetUser(ctx, job.UserID)
	if err != nil {
		return p.reportFailure(ctx, job, analysis.Transient("embedding", fmt.Errorf("load user: %w", err)))
	}
	// Embedding bills on success only, so the gate is a read-only check.
	if err := p.gate.Authorize(ctx, job.UserID, user.Tier); err != nil {
		if budget.IsExceeded(err) {
			return p.reportFailure(ctx, job, &analysis.ProviderError{Service: "embedding", Class: analysis.ErrorClassBudget, Err: err})
		}
		return p.reportFailure(ctx, job, analysis.Transient("embedding", fmt.Errorf("budget gate: %w", err)))
	}

	vec, err := p.embedder.Embed(ctx, job.UserID, content.Text)
	if err != nil {
		return p.reportFailure(ctx, job, err)
	}
	embeddingID, err := p.store.UpsertEmbedding(ctx, store.EmbeddingRecord{
		Model:       p.embedder.Model(),
		ContentHash: vec.ContentHash,
		Vector:      vec.Values,
		SourceText:  content.Text,
		IsZero:      vec.IsZero,
	})
	if err != nil {
		return p.reportFailure(ctx, job, analysis.Transient("embedding", fmt.Errorf("store vector: %w", err)))
	}
	if err := p.store.LinkMediaEmbedding(ctx, store.MediaEmbeddingLink{
		MediaID:     job.MediaID,
		EmbeddingID: embeddingID,
	}); err != nil {
		return p.reportFailure(ctx, job, analysis.Transient("embedding", fmt.Errorf("link vector: %w", err)))
	}

	if err := p.coord.CompleteEmbedStage(ctx, job); err != nil {
		return fmt.Errorf("complete embed stage: %w", err)
	}
	jobsProcessed.WithLabelValues(job.Capability, outcomeCompleted).Inc()
	return nil
}

func (p *Processor) reportFailure(ctx context.Context, job store.ProcessingJob, cause error) error {
	disp, err := p.coord.ReportFailure(ctx, job, cause)
	switch disp {
	case jobs.DispositionBudget:
		budgetRejections.WithLabelValues(job.Capability).Inc()
		jobsProcessed.WithLabelValues(job.Capability, outcomeBudget).Inc()
	case jobs.DispositionRetrying:
		jobsProcessed.WithLabelValues(job.Capability, outcomeRetrying).Inc()
	default:
		jobsProcessed.WithLabelValues(job.Capability, outcomeFailed).Inc()
	}
	if err != nil {
		return fmt.Errorf("report failure: %w", err)
	}
	return nil
}
