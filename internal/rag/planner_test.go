package rag

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// completionFunc adapts a function to the CompletionProvider interface for
// tests.
type completionFunc func(ctx context.Context, prompt Prompt, opts GenerateOptions) (Completion, error)

func (f completionFunc) Generate(ctx context.Context, prompt Prompt, opts GenerateOptions) (Completion, error) {
	return f(ctx, prompt, opts)
}

func TestPlanParsesStructuredResponse(t *testing.T) {
	provider := completionFunc(func(ctx context.Context, prompt Prompt, opts GenerateOptions) (Completion, error) {
		if !opts.JSONMode {
			t.Fatal("planning must request JSON mode")
		}
		return Completion{
			Text:  "```json\n{\"queries\": [\"go scheduler design\", \"go work stealing\"]}\n```",
			Model: "test-model",
			Usage: TokenUsage{Prompt: 100, Completion: 20},
		}, nil
	})

	p := NewPlanner(Config{}.withDefaults(), provider)
	plan, err := p.Plan(context.Background(), "how does the go scheduler work", "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Fallback {
		t.Fatal("well-formed response must not fall back")
	}
	if got, want := len(plan.Queries), 2; got != want {
		t.Fatalf("query count = %d, want %d", got, want)
	}
	if plan.Queries[0].Index != 0 || plan.Queries[0].Text != "go scheduler design" {
		t.Fatalf("first query = %+v", plan.Queries[0])
	}
	if plan.Queries[1].Index != 1 {
		t.Fatalf("second query index = %d, want 1", plan.Queries[1].Index)
	}
	if plan.Usage.Prompt != 100 || plan.Model != "test-model" {
		t.Fatalf("usage not propagated: %+v", plan)
	}
}

func TestPlanFallsBackOnMalformedResponse(t *testing.T) {
	provider := completionFunc(func(ctx context.Context, prompt Prompt, opts GenerateOptions) (Completion, error) {
		return Completion{Text: "sure, here are some ideas with no json at all"}, nil
	})

	p := NewPlanner(Config{}.withDefaults(), provider)
	plan, err := p.Plan(context.Background(), "original question", "")
	if err != nil {
		t.Fatalf("malformed output must not be fatal: %v", err)
	}
	if !plan.Fallback {
		t.Fatal("expected fallback flag")
	}
	if got, want := len(plan.Queries), 1; got != want {
		t.Fatalf("query count = %d, want %d", got, want)
	}
	if got, want := plan.Queries[0].Text, "original question"; got != want {
		t.Fatalf("fallback query = %q, want %q", got, want)
	}
}

func TestPlanTransportErrorIsFatal(t *testing.T) {
	transportErr := errors.New("rate limited")
	provider := completionFunc(func(ctx context.Context, prompt Prompt, opts GenerateOptions) (Completion, error) {
		return Completion{}, transportErr
	})

	p := NewPlanner(Config{}.withDefaults(), provider)
	_, err := p.Plan(context.Background(), "question", "")
	if !errors.Is(err, transportErr) {
		t.Fatalf("err = %v, want wrapped transport error", err)
	}
}

func TestPlanCapsQueryCount(t *testing.T) {
	provider := completionFunc(func(ctx context.Context, prompt Prompt, opts GenerateOptions) (Completion, error) {
		return Completion{Text: `{"queries": ["a", "b", "c", "d", "e", "f", "g"]}`}, nil
	})

	cfg := Config{MaxPlannedQueries: 3}.withDefaults()
	p := NewPlanner(cfg, provider)
	plan, err := p.Plan(context.Background(), "question", "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got, want := len(plan.Queries), 3; got != want {
		t.Fatalf("query count = %d, want %d", got, want)
	}
}

func TestParsePlannedQueriesExtractsEmbeddedObject(t *testing.T) {
	queries, err := parsePlannedQueries(`Here is the plan you asked for: {"queries": ["one", " two "]} hope it helps`)
	if err != nil {
		t.Fatalf("parsePlannedQueries: %v", err)
	}
	if len(queries) != 2 || queries[0] != "one" || queries[1] != "two" {
		t.Fatalf("queries = %v", queries)
	}
}

func TestParsePlannedQueriesRejectsEmptyList(t *testing.T) {
	if _, err := parsePlannedQueries(`{"queries": ["", "  "]}`); err == nil {
		t.Fatal("expected error for blank-only queries")
	}
	if _, err := parsePlannedQueries(`{"queries": []}`); err == nil {
		t.Fatal("expected error for empty list")
	}
}

func TestParsePlannedQueriesDropsDuplicates(t *testing.T) {
	queries, err := parsePlannedQueries(`{"queries": ["go gc", "go scheduler", "go gc"]}`)
	if err != nil {
		t.Fatalf("parsePlannedQueries: %v", err)
	}
	if len(queries) != 2 || queries[0] != "go gc" || queries[1] != "go scheduler" {
		t.Fatalf("queries = %v", queries)
	}
}

func TestParsePlannedQueriesStripsListPrefixes(t *testing.T) {
	queries, err := parsePlannedQueries(`{"queries": ["1. go gc pacing", "2) write barriers", "- stack scanning"]}`)
	if err != nil {
		t.Fatalf("parsePlannedQueries: %v", err)
	}
	want := []string{"go gc pacing", "write barriers", "stack scanning"}
	for i := range want {
		if queries[i] != want[i] {
			t.Fatalf("query %d = %q, want %q", i, queries[i], want[i])
		}
	}
}

func TestStripListPrefixKeepsNumericQueries(t *testing.T) {
	cases := map[string]string{
		"3d printing":         "3d printing",
		"1.5C warming target": "1.5C warming target",
		"2025 budget":         "2025 budget",
		"10) mapped ports":    "mapped ports",
	}
	for in, want := range cases {
		if got := stripListPrefix(in); got != want {
			t.Fatalf("stripListPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPlanPromptIncludesHistory(t *testing.T) {
	var captured Prompt
	provider := completionFunc(func(ctx context.Context, prompt Prompt, opts GenerateOptions) (Completion, error) {
		captured = prompt
		return Completion{Text: `{"queries": ["q"]}`}, nil
	})

	p := NewPlanner(Config{}.withDefaults(), provider)
	if _, err := p.Plan(context.Background(), "follow-up", "User: first\nAssistant: answer"); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !strings.Contains(captured.User, "User: first") {
		t.Fatalf("history missing from planning prompt:\n%s", captured.User)
	}
}
