package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/quester/config"
	"github.com/mohammad-safakhou/quester/internal/helpers"
	"github.com/mohammad-safakhou/quester/internal/ingest"
	"github.com/mohammad-safakhou/quester/internal/rag"
	srv "github.com/mohammad-safakhou/quester/internal/server"
	"github.com/mohammad-safakhou/quester/provider"
	"github.com/mohammad-safakhou/quester/search"
	"github.com/mohammad-safakhou/quester/search/bleveindex"
	"github.com/mohammad-safakhou/quester/search/elastic"
	"github.com/mohammad-safakhou/quester/session"
	"github.com/mohammad-safakhou/quester/session/inmemory"
	"github.com/mohammad-safakhou/quester/session/redisstore"
)

func main() {
	root := &cobra.Command{Use: "quester"}
	root.AddCommand(serveCMD(), migrateCMD(), askCMD(), ingestCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return srv.Run(cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config and .)")
	return cmd
}

func migrateCMD() *cobra.Command {
	var cfgPath string
	var migDir string
	var direction string
	var steps int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			// An unconfigured store falls back to DATABASE_URL / POSTGRES_* env.
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				dsn = ""
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config and .)")
	cmd.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return cmd
}

func askCMD() *cobra.Command {
	var cfgPath string
	var sessionID string
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question from the indexed corpus",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			warnEphemeralIndex(cfg)

			searcher, _, err := openSearchBackend(ctx, cfg)
			if err != nil {
				return err
			}
			completion, err := provider.New(cfg.LLM)
			if err != nil {
				return err
			}
			sessions, err := openSessionStore(ctx, cfg)
			if err != nil {
				return err
			}
			orch, err := rag.NewOrchestrator(cfg.EngineConfig(), completion, searcher,
				rag.WithSessionStore(sessions))
			if err != nil {
				return err
			}

			res, err := orch.HandleTurn(ctx, sessionID, strings.Join(args, " "))
			if err != nil {
				return err
			}

			fmt.Println(res.Answer)
			if len(res.Sources) > 0 {
				fmt.Println()
				fmt.Println("Sources:")
				for _, src := range res.Sources {
					line := helpers.FormatSourceLine(helpers.SourceLine{
						Ref:     src.Ref,
						Title:   src.Title,
						Excerpt: src.Excerpt,
						URL:     src.Source,
						Score:   src.Score,
					})
					fmt.Println("  " + line)
				}
			}
			if res.NoSupport {
				fmt.Fprintln(os.Stderr, "note: no supporting documents found; the answer is not grounded in the corpus")
			}
			if sessionID == "" {
				fmt.Fprintf(os.Stderr, "session: %s\n", res.SessionID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config and .)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to continue (persists across runs with the redis session store)")
	return cmd
}

func ingestCMD() *cobra.Command {
	var cfgPath string
	var urls []string
	cmd := &cobra.Command{
		Use:   "ingest [url ...]",
		Short: "Fetch URLs and index their article text",
		RunE: func(cmd *cobra.Command, args []string) error {
			urls = append(urls, args...)
			if len(urls) == 0 {
				return fmt.Errorf("at least one url is required")
			}
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			warnEphemeralIndex(cfg)

			_, indexer, err := openSearchBackend(ctx, cfg)
			if err != nil {
				return err
			}
			pipeline, err := newPipeline(cfg, indexer)
			if err != nil {
				return err
			}
			defer pipeline.Release()
			fetcher := ingest.ChromeFetcher{Timeout: cfg.Ingest.FetchTimeout, MaxChars: cfg.Ingest.MaxChars}

			failures := 0
			for _, raw := range urls {
				page, err := fetcher.Fetch(ctx, raw)
				if err != nil {
					log.Printf("fetch %s failed: %v", raw, err)
					failures++
					continue
				}
				res, err := pipeline.Index(ctx, ingest.Document{URL: page.URL, Title: page.Title, Text: page.Text})
				if err != nil {
					log.Printf("index %s failed: %v", raw, err)
					failures++
					continue
				}
				fmt.Printf("%s: indexed %d/%d chunks (document %s)\n", raw, res.Indexed, res.Chunks, res.DocumentID)
			}
			if failures > 0 {
				return fmt.Errorf("%d of %d urls failed", failures, len(urls))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config and .)")
	cmd.Flags().StringArrayVar(&urls, "url", nil, "url to ingest (repeatable)")
	return cmd
}

func openSearchBackend(ctx context.Context, cfg *config.Config) (search.Provider, search.Indexer, error) {
	switch cfg.Search.Backend {
	case "elasticsearch":
		es, err := elastic.New(ctx, elastic.Options{
			Addresses: cfg.Search.Elastic.Addresses,
			Username:  cfg.Search.Elastic.Username,
			Password:  cfg.Search.Elastic.Password,
			Index:     cfg.Search.Elastic.Index,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to elasticsearch: %w", err)
		}
		return es, es, nil
	default:
		idx, err := bleveindex.New(cfg.Search.Bleve.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening bleve index: %w", err)
		}
		return idx, idx, nil
	}
}

func openSessionStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	if cfg.Session.Store != "redis" {
		return inmemory.New(cfg.Engine.MemoryWindow), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}
	return redisstore.New(rdb, cfg.Engine.MemoryWindow, cfg.Session.TTL), nil
}

func newPipeline(cfg *config.Config, indexer search.Indexer) (*ingest.Pipeline, error) {
	opts := []ingest.Option{ingest.WithChunking(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)}
	if cfg.Ingest.PoolSize > 0 {
		opts = append(opts, ingest.WithPoolSize(cfg.Ingest.PoolSize))
	}
	return ingest.NewPipeline(indexer, opts...)
}

func warnEphemeralIndex(cfg *config.Config) {
	if cfg.Search.Backend == "bleve" && cfg.Search.Bleve.Path == "" {
		fmt.Fprintln(os.Stderr, "warning: search.bleve.path is empty; the in-memory index starts empty and is discarded on exit")
	}
}
