package rag

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/quester/search"
	"github.com/mohammad-safakhou/quester/session"
)

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

const excerptLength = 180

// Synthesizer produces the final cited answer from ranked hits.
type Synthesizer struct {
	cfg      Config
	provider CompletionProvider
	logger   *log.Logger
}

// SynthesisResult carries the answer and the sources it cites, in first
// citation order.
type SynthesisResult struct {
	Answer    string
	NoSupport bool
	Sources   []session.SourceRef
	Usage     TokenUsage
	Model     string
}

// NewSynthesizer creates a synthesizer instance.
func NewSynthesizer(cfg Config, provider CompletionProvider) *Synthesizer {
	return &Synthesizer{
		cfg:      cfg,
		provider: provider,
		logger:   log.New(log.Writer(), "[SYNTH] ", log.LstdFlags),
	}
}

// Synthesize makes exactly one completion call over the ranked hits. With
// no hits at all it answers locally and never calls the model.
func (s *Synthesizer) Synthesize(ctx context.Context, question, history string, ranked []RankedHit) (SynthesisResult, error) {
	if len(ranked) == 0 {
		return SynthesisResult{Answer: noSupportAnswer, NoSupport: true}, nil
	}

	startTime := time.Now()
	documents, included := formatDocuments(ranked, s.cfg.ContentBudget)
	prompt := buildSynthesisPrompt(question, history, documents)

	completion, err := s.provider.Generate(ctx, prompt, GenerateOptions{
		Temperature: s.cfg.SynthesisTemperature,
		MaxTokens:   s.cfg.MaxAnswerTokens,
	})
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("generating answer: %w", err)
	}

	answer := strings.TrimSpace(completion.Text)
	sources := extractSources(answer, ranked, included)
	s.logger.Printf("synthesized %d chars citing %d of %d documents in %v", len(answer), len(sources), included, time.Since(startTime))

	return SynthesisResult{
		Answer:  answer,
		Sources: sources,
		Usage:   completion.Usage,
		Model:   completion.Model,
	}, nil
}

// extractSources resolves citation markers back to the documents the model
// saw. Markers outside the included range are dropped; repeats keep only
// their first occurrence, so the slice is ordered by first citation.
func extractSources(answer string, ranked []RankedHit, included int) []session.SourceRef {
	matches := citationPattern.FindAllStringSubmatch(answer, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[int]struct{})
	var sources []session.SourceRef
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > included || n > len(ranked) {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}

		r := ranked[n-1]
		excerpt := ""
		if len(r.Hit.Highlights) > 0 {
			excerpt = r.Hit.Highlights[0]
		} else {
			excerpt = search.Snippet(r.Hit.Content, excerptLength)
		}
		sources = append(sources, session.SourceRef{
			Ref:        n,
			ChunkID:    r.Hit.ChunkID,
			DocumentID: r.Hit.DocumentID,
			Title:      r.Hit.Title,
			Source:     r.Hit.Source,
			Excerpt:    excerpt,
			Score:      r.Score,
		})
	}
	return sources
}
