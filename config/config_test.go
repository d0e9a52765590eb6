package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got, want := cfg.Engine.MaxPlannedQueries, 5; got != want {
		t.Fatalf("max_planned_queries = %d, want %d", got, want)
	}
	if got, want := cfg.Engine.TopK, 20; got != want {
		t.Fatalf("top_k = %d, want %d", got, want)
	}
	if got, want := cfg.Engine.MemoryWindow, 5; got != want {
		t.Fatalf("memory_window = %d, want %d", got, want)
	}
	if got, want := cfg.Engine.SearchTimeout, 10*time.Second; got != want {
		t.Fatalf("search_timeout = %v, want %v", got, want)
	}
	if got, want := cfg.Search.Backend, "bleve"; got != want {
		t.Fatalf("search backend = %q, want %q", got, want)
	}
	if got, want := cfg.Session.Store, "inmemory"; got != want {
		t.Fatalf("session store = %q, want %q", got, want)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("QUESTER_ENGINE_TOP_K", "7")
	t.Setenv("QUESTER_SEARCH_BACKEND", "bleve")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got, want := cfg.Engine.TopK, 7; got != want {
		t.Fatalf("top_k = %d, want %d", got, want)
	}
}

func TestLoadConfigSecretEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got, want := cfg.LLM.APIKey, "sk-test"; got != want {
		t.Fatalf("llm api key = %q, want %q", got, want)
	}
}

func TestEngineConfigMapping(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	ec := cfg.EngineConfig()
	if ec.MaxPlannedQueries != cfg.Engine.MaxPlannedQueries {
		t.Fatalf("engine mapping lost max_planned_queries")
	}
	if ec.ContentBudget != cfg.Engine.ContentBudget {
		t.Fatalf("engine mapping lost content_budget")
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", DBName: "quester", User: "u", Password: "p"}
	dsn, err := p.DSN()
	if err != nil {
		t.Fatalf("DSN: %v", err)
	}
	want := "postgres://u:p@db:5432/quester?sslmode=disable"
	if dsn != want {
		t.Fatalf("DSN = %q, want %q", dsn, want)
	}

	if _, err := (PostgresConfig{}).DSN(); err == nil {
		t.Fatalf("expected error for unconfigured postgres")
	}
}

func TestValidateConfigRejectsUnknownBackend(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.Search.Backend = "solr"
	if err := validateConfig(cfg); err == nil {
		t.Fatalf("expected unsupported backend to fail validation")
	}
}
