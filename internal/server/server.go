// Package server exposes the HTTP API: auth, media registration, search and
// budget status. The worker process shares the same store and queue but runs
// separately.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mediasense/mediasense/config"
	"github.com/mediasense/mediasense/internal/budget"
	"github.com/mediasense/mediasense/internal/cache"
	"github.com/mediasense/mediasense/internal/embedding"
	"github.com/mediasense/mediasense/internal/jobs"
	"github.com/mediasense/mediasense/internal/queue/streams"
	"github.com/mediasense/mediasense/internal/search"
	"github.com/mediasense/mediasense/internal/store"
	"github.com/mediasense/mediasense/provider"
)

// Run wires the API server's dependencies from config and blocks serving
// HTTP until the process exits.
func Run(cfg *config.Config, addr string) error {
	e := newEcho()

	if cfg.General.JWTSecret == "" {
		return fmt.Errorf("jwt secret not configured (general.jwt_secret)")
	}
	secret := []byte(cfg.General.JWTSecret)

	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	ctx := context.Background()
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
	embLogger := log.New(log.Writer(), "[EMBED] ", log.LstdFlags)
	prov, err := provider.NewProvider(provider.OpenAI, provider.Config{
		APIKey:  cfg.Providers.OpenAI.APIKey,
		BaseURL: cfg.Providers.OpenAI.BaseURL,
		Model:   cfg.Embedding.Model,
		Timeout: cfg.Providers.OpenAI.Timeout,
	})
	if err != nil {
		return err
	}
	embedder, err := embedding.New(embLogger, prov, cache.NewVectorCache(rdb), ledger,
		cfg.Embedding.Model, cfg.Embedding.Dimensions, cfg.Embedding.CacheTTL, cfg.Providers.Costs.EmbeddingPer1K)
	if err != nil {
		return err
	}

	keyword, err := search.NewKeywordIndex(cfg.Storage.Bleve.Path)
	if err != nil {
		return fmt.Errorf("keyword index: %w", err)
	}

	searchLogger := log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	engine, err := search.NewEngine(searchLogger, st, embedder, cache.NewResultCache(rdb), search.Config{
		MaxDistance:  cfg.Search.MaxDistance,
		DefaultLimit: cfg.Search.DefaultLimit,
		MaxLimit:     cfg.Search.MaxLimit,
		CacheTTL:     cfg.Search.CacheTTL,
	})
	if err != nil {
		return err
	}

	registry := streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(registry); err != nil {
		return err
	}
	notifier, err := streams.NewNotifier(streams.NewPublisher(rdb, registry), 10000)
	if err != nil {
		return err
	}

	// The keyword index is owned by this process alone; workers persist
	// aggregated content through Postgres and the indexer pulls it from
	// there, waking early on settled lifecycle events.
	if err := streams.EnsureGroup(ctx, rdb, streams.StreamMediaLifecycle, "indexer"); err != nil {
		return fmt.Errorf("ensure indexer group: %w", err)
	}
	indexer, err := search.NewIndexer(log.New(log.Writer(), "[INDEX] ", log.LstdFlags), st, keyword,
		streams.NewConsumer(rdb, registry, "indexer", "api"), cfg.Search.ReindexInterval)
	if err != nil {
		return err
	}
	go indexer.Start(ctx)

	orchLogger := log.New(log.Writer(), "[JOBS] ", log.LstdFlags)
	orch, err := jobs.NewOrchestrator(orchLogger, st, notifier, jobs.RetryPolicy{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		BaseDelay:   cfg.Pipeline.RetryBaseDelay,
		MaxDelay:    cfg.Pipeline.RetryMaxDelay,
	})
	if err != nil {
		return err
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	mh := &MediaHandler{Store: st, Orch: orch, Keyword: keyword}
	mh.Register(api.Group("/media"), secret)

	sh := &SearchHandler{Engine: engine, Keyword: keyword}
	sh.Register(api.Group("/search"), secret)

	bh := &BudgetHandler{Store: st, Ledger: ledger, Currency: cfg.Budget.Currency}
	bh.Register(api.Group("/budget"), secret)

	if addr == "" {
		addr = cfg.Server.Address
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}
