package helpers

import (
	"fmt"
	"net/url"
	"strings"
)

// SourceLine models one cited source for terminal rendering.
type SourceLine struct {
	Ref     int
	Title   string
	Excerpt string
	URL     string
	Score   float64
}

type citationConfig struct {
	maxExcerpt int
}

// CitationOption configures citation formatting.
type CitationOption func(*citationConfig)

// WithMaxExcerptLength truncates excerpts to the provided length (default 180).
func WithMaxExcerptLength(n int) CitationOption {
	return func(cfg *citationConfig) {
		if n > 0 {
			cfg.maxExcerpt = n
		}
	}
}

// FormatSourceLine renders a single cited source in a consistent layout:
// [n] Title "excerpt" (domain, score 0.92) <URL>
func FormatSourceLine(s SourceLine, opts ...CitationOption) string {
	cfg := citationConfig{maxExcerpt: 180}
	for _, opt := range opts {
		opt(&cfg)
	}

	var parts []string
	parts = append(parts, fmt.Sprintf("[%d]", s.Ref))

	if title := strings.TrimSpace(s.Title); title != "" {
		parts = append(parts, title)
	}

	if excerpt := formatExcerpt(s.Excerpt, cfg.maxExcerpt); excerpt != "" {
		parts = append(parts, excerpt)
	}

	meta := extractDomain(s.URL)
	if s.Score > 0 {
		scorePart := fmt.Sprintf("score %.2f", s.Score)
		if meta != "" {
			meta = meta + ", " + scorePart
		} else {
			meta = scorePart
		}
	}
	if meta != "" {
		parts = append(parts, "("+meta+")")
	}

	if link := strings.TrimSpace(s.URL); link != "" {
		parts = append(parts, "<"+link+">")
	}

	return strings.Join(parts, " ")
}

// FormatSourceLines renders a collection of cited sources.
func FormatSourceLines(sources []SourceLine, opts ...CitationOption) []string {
	if len(sources) == 0 {
		return nil
	}
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		out = append(out, FormatSourceLine(s, opts...))
	}
	return out
}

func formatExcerpt(excerpt string, limit int) string {
	excerpt = CollapseWhitespace(excerpt)
	if excerpt == "" {
		return ""
	}
	if limit > 0 && len(excerpt) > limit {
		excerpt = excerpt[:limit] + "..."
	}
	return `"` + strings.Trim(excerpt, `"`) + `"`
}

func extractDomain(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")
	return host
}
