package worker

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mediasense/mediasense/config"
	"github.com/mediasense/mediasense/internal/aggregate"
	"github.com/mediasense/mediasense/internal/analysis"
	"github.com/mediasense/mediasense/internal/budget"
	"github.com/mediasense/mediasense/internal/cache"
	"github.com/mediasense/mediasense/internal/embedding"
	"github.com/mediasense/mediasense/internal/jobs"
	"github.com/mediasense/mediasense/internal/queue/streams"
	"github.com/mediasense/mediasense/internal/store"
	"github.com/mediasense/mediasense/provider"
)

// Run wires the worker process from config and blocks until SIGINT/SIGTERM.
// consumerName distinguishes worker replicas within the consumer group.
func Run(cfg *config.Config, consumerName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.New(log.Writer(), "[WORKER] ", log.LstdFlags)

	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return err
	}
	rdb, err := cache.Conn(ctx, cfg.Storage.Redis.Host, cfg.Storage.Redis.Port,
		cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, cfg.Storage.Redis.Timeout)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	ledger, err := budget.NewLedger(st, cfg.Budget.Ceilings, cfg.Budget.Currency)
	if err != nil {
		return err
	}

	if cfg.Providers.OpenAI.APIKey == "" {
		return fmt.Errorf("openai api key not configured (providers.openai.api_key)")
	}
	oa := cfg.Providers.OpenAI
	costs := cfg.Providers.Costs
	registry := analysis.NewRegistry(
		analysis.NewVisionAdapter(oa.APIKey, oa.BaseURL, oa.VisionModel, oa.Timeout, oa.MaxCallRetries, costs.VisionPerCall),
		analysis.NewTranscriptionAdapter(oa.APIKey, oa.BaseURL, oa.TranscriptionModel, oa.Timeout, oa.MaxCallRetries, costs.TranscriptionPerCall),
		analysis.NewTextAnalyticsAdapter(oa.APIKey, oa.BaseURL, oa.AnalysisModel, oa.Timeout, oa.MaxCallRetries, costs.TextAnalyticsPerCall),
		analysis.NewCelebrityAdapter(oa.APIKey, oa.BaseURL, oa.AnalysisModel, oa.Timeout, oa.MaxCallRetries, costs.CelebrityPerCall),
	)

	embLogger := log.New(log.Writer(), "[EMBED] ", log.LstdFlags)
	prov, err := provider.NewProvider(provider.OpenAI, provider.Config{
		APIKey:  oa.APIKey,
		BaseURL: oa.BaseURL,
		Model:   cfg.Embedding.Model,
		Timeout: oa.Timeout,
	})
	if err != nil {
		return err
	}
	embedder, err := embedding.New(embLogger, prov, cache.NewVectorCache(rdb), ledger,
		cfg.Embedding.Model, cfg.Embedding.Dimensions, cfg.Embedding.CacheTTL, costs.EmbeddingPer1K)
	if err != nil {
		return err
	}

	schemaReg := streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(schemaReg); err != nil {
		return err
	}
	if err := streams.EnsureGroup(ctx, rdb, streams.StreamMediaJobs, "workers"); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}
	consumer := streams.NewConsumer(rdb, schemaReg, "workers", consumerName)
	notifier, err := streams.NewNotifier(streams.NewPublisher(rdb, schemaReg), 10000)
	if err != nil {
		return err
	}

	orchLogger := log.New(log.Writer(), "[JOBS] ", log.LstdFlags)
	orch, err := jobs.NewOrchestrator(orchLogger, st, notifier, jobs.RetryPolicy{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		BaseDelay:   cfg.Pipeline.RetryBaseDelay,
		MaxDelay:    cfg.Pipeline.RetryMaxDelay,
	})
	if err != nil {
		return err
	}

	proc, err := NewProcessor(logger, st, orch, registry, ledger, embedder, consumer, Config{
		Concurrency:  cfg.Pipeline.Concurrency,
		PollInterval: cfg.Pipeline.PollInterval,
		Aggregation:  aggregate.DefaultConfig(),
	})
	if err != nil {
		return err
	}

	janitor, err := NewJanitor(logger, st, cfg.Pipeline.JanitorCron, cfg.Pipeline.ClaimTimeout, cfg.Pipeline.HistoryRetention)
	if err != nil {
		return err
	}
	go janitor.Start(ctx)

	if cfg.Telemetry.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort)
			logger.Printf("metrics listening on %s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	return proc.Start(ctx)
}
