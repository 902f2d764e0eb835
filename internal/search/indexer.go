package search

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mediasense/mediasense/internal/queue/streams"
	"github.com/mediasense/mediasense/internal/store"
)

const indexBatchSize = 200

// ContentSource lists completed media whose aggregated content changed.
type ContentSource interface {
	ListAggregatedSince(ctx context.Context, since time.Time, limit int) ([]store.KeywordSeed, error)
}

// Indexer keeps the keyword index in sync with the aggregated content rows
// in Postgres. The bleve index is derived state owned by exactly one
// process: workers write aggregated content to Postgres and never open the
// index, which bleve locks exclusively. Settled events on the lifecycle
// stream wake a sync early; the reconcile ticker remains the source of
// truth, so a lost event only delays indexing by one interval.
type Indexer struct {
	logger   *log.Logger
	source   ContentSource
	index    *KeywordIndex
	consumer *streams.Consumer
	interval time.Duration
	mark     time.Time
}

// NewIndexer constructs an indexer. consumer may be nil, which degrades to
// pure polling.
func NewIndexer(logger *log.Logger, source ContentSource, index *KeywordIndex, consumer *streams.Consumer, interval time.Duration) (*Indexer, error) {
	if source == nil || index == nil {
		return nil, fmt.Errorf("content source and index required")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Indexer{
		logger:   logger,
		source:   source,
		index:    index,
		consumer: consumer,
		interval: interval,
	}, nil
}

// Start syncs until the context is cancelled. The first sync backfills the
// whole index from Postgres, so a wiped or stale index directory heals on
// boot.
func (ix *Indexer) Start(ctx context.Context) {
	wake := make(chan struct{}, 1)
	if ix.consumer != nil {
		go ix.consumeSettled(ctx, wake)
	}
	ticker := time.NewTicker(ix.interval)
	defer ticker.Stop()
	for {
		n, err := ix.sync(ctx)
		if err != nil && ctx.Err() == nil {
			ix.logger.Printf("error syncing keyword index: %v", err)
		} else if n > 0 {
			ix.logger.Printf("keyword index synced %d item(s)", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// sync indexes everything aggregated after the watermark. The watermark
// trails by one interval of slack: aggregated content is written shortly
// before its media item completes, and only completed items are listed, so
// a row can surface with a timestamp slightly behind the newest one seen.
// Re-indexing inside the slack window is idempotent.
func (ix *Indexer) sync(ctx context.Context) (int, error) {
	since := ix.mark.Add(-ix.interval)
	if ix.mark.IsZero() {
		since = time.Time{}
	}
	total := 0
	for {
		seeds, err := ix.source.ListAggregatedSince(ctx, since, indexBatchSize)
		if err != nil {
			return total, err
		}
		for _, seed := range seeds {
			if err := ix.index.Index(seed.MediaID, KeywordDoc{
				UserID:     seed.UserID,
				Kind:       seed.Kind,
				Locator:    seed.Locator,
				Text:       seed.Text,
				Tags:       seed.Tags,
				UploadedAt: seed.UploadedAt,
			}); err != nil {
				return total, fmt.Errorf("index %s: %w", seed.MediaID, err)
			}
			if seed.UpdatedAt.After(ix.mark) {
				ix.mark = seed.UpdatedAt
			}
			since = seed.UpdatedAt
			total++
		}
		if len(seeds) < indexBatchSize {
			return total, nil
		}
	}
}

func (ix *Indexer) consumeSettled(ctx context.Context, wake chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msgs, err := ix.consumer.Read(ctx, streams.StreamMediaLifecycle, streams.WithBlock(5*time.Second), streams.WithCount(32))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ix.logger.Printf("warn: read %s: %v", streams.StreamMediaLifecycle, err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			select {
			case wake <- struct{}{}:
			default:
			}
			if err := ix.consumer.Ack(ctx, streams.StreamMediaLifecycle, msg.ID); err != nil {
				ix.logger.Printf("warn: ack %s: %v", msg.ID, err)
			}
		}
	}
}
