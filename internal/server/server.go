package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/golang-migrate/migrate/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/quester/config"
	"github.com/mohammad-safakhou/quester/internal/auth"
	"github.com/mohammad-safakhou/quester/internal/ingest"
	"github.com/mohammad-safakhou/quester/internal/rag"
	"github.com/mohammad-safakhou/quester/internal/store"
	"github.com/mohammad-safakhou/quester/internal/telemetry"
	"github.com/mohammad-safakhou/quester/provider"
	"github.com/mohammad-safakhou/quester/search"
	"github.com/mohammad-safakhou/quester/search/bleveindex"
	"github.com/mohammad-safakhou/quester/search/elastic"
	"github.com/mohammad-safakhou/quester/session"
	"github.com/mohammad-safakhou/quester/session/inmemory"
	"github.com/mohammad-safakhou/quester/session/redisstore"
)

func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
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
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	registerDocs(e)

	tel := telemetry.New(telemetry.Options{
		Enabled:         cfg.Telemetry.Enabled,
		Namespace:       cfg.Telemetry.Namespace,
		CostPer1KInput:  cfg.LLM.CostPer1KInput,
		CostPer1KOutput: cfg.LLM.CostPer1KOutput,
	})
	e.GET("/metrics", echo.WrapHandler(tel.Handler()))

	// Initialize shared dependencies (top-level DI)
	ctx := context.Background()

	// Postgres is optional; without it the server runs with no user accounts
	// and no persistent audit trail.
	var st *store.Store
	if dsn, dsnErr := cfg.Storage.Postgres.DSN(); dsnErr == nil {
		if err := Migrate("file://migrations", dsn, "up", 0); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("applying migrations: %w", err)
		}
		var err error
		st, err = store.NewWithDSN(ctx, dsn)
		if err != nil {
			return err
		}
	}

	// Redis backs the session store and, when present, the scheduler locks.
	var rdb *redis.Client
	if cfg.Session.Store == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
	}

	var sessions session.Store
	switch cfg.Session.Store {
	case "redis":
		sessions = redisstore.New(rdb, cfg.Engine.MemoryWindow, cfg.Session.TTL)
	default:
		sessions = inmemory.New(cfg.Engine.MemoryWindow)
	}

	var searcher search.Provider
	var indexer search.Indexer
	switch cfg.Search.Backend {
	case "elasticsearch":
		es, err := elastic.New(ctx, elastic.Options{
			Addresses: cfg.Search.Elastic.Addresses,
			Username:  cfg.Search.Elastic.Username,
			Password:  cfg.Search.Elastic.Password,
			Index:     cfg.Search.Elastic.Index,
		})
		if err != nil {
			return fmt.Errorf("connecting to elasticsearch: %w", err)
		}
		searcher, indexer = es, es
	default:
		idx, err := bleveindex.New(cfg.Search.Bleve.Path)
		if err != nil {
			return fmt.Errorf("opening bleve index: %w", err)
		}
		searcher, indexer = idx, idx
	}

	completion, err := provider.New(cfg.LLM)
	if err != nil {
		return err
	}

	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	opts := []rag.Option{
		rag.WithLogger(orchLogger),
		rag.WithSessionStore(sessions),
		rag.WithTelemetry(tel),
	}
	if st != nil {
		opts = append(opts, rag.WithAuditLog(st))
	}
	orch, err := rag.NewOrchestrator(cfg.EngineConfig(), completion, searcher, opts...)
	if err != nil {
		return err
	}

	secret, secretErr := auth.LoadJWTSecret(cfg)
	if cfg.Server.AuthRequired && secretErr != nil {
		return secretErr
	}
	if secretErr != nil {
		secret = nil
	}

	api := e.Group("/api")

	// Account endpoints need both a user store and a signing secret.
	if st != nil && len(secret) > 0 {
		ah, err := initAuth(ctx, st, secret)
		if err != nil {
			return err
		}
		ah.Register(api.Group("/auth"))

		me := api.Group("/me")
		me.Use(auth.EchoAuthMiddleware(secret))
		me.GET("", func(c echo.Context) error {
			return c.JSON(http.StatusOK, MeResponse{UserID: c.Get("user_id").(string)})
		})
	}

	var guard []byte
	if cfg.Server.AuthRequired {
		guard = secret
	}

	th := NewTurnsHandler(orch, st)
	th.Register(api, guard)

	oh := NewOpsHandler(tel)
	oh.Register(api.Group("/ops"), guard)

	fetcher := ingest.ChromeFetcher{Timeout: cfg.Ingest.FetchTimeout, MaxChars: cfg.Ingest.MaxChars}
	pipelineOpts := []ingest.Option{ingest.WithChunking(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)}
	if cfg.Ingest.PoolSize > 0 {
		pipelineOpts = append(pipelineOpts, ingest.WithPoolSize(cfg.Ingest.PoolSize))
	}
	pipeline, err := ingest.NewPipeline(indexer, pipelineOpts...)
	if err != nil {
		return err
	}

	ih := NewIngestHandler(fetcher, pipeline)
	ih.Register(api.Group("/ingest"), guard)

	// Scheduled refreshes; locks degrade to per-process when redis is absent.
	if len(cfg.Ingest.Sources) > 0 {
		sources := make([]ingest.Source, 0, len(cfg.Ingest.Sources))
		for _, s := range cfg.Ingest.Sources {
			sources = append(sources, ingest.Source{URL: s.URL, Cron: s.ScheduleCron})
		}
		sched := &ingest.Scheduler{
			Fetcher:  fetcher,
			Pipeline: pipeline,
			Rdb:      rdb,
			Sources:  sources,
			Stop:     make(chan struct{}),
		}
		sched.Start()
	}

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":10010"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
