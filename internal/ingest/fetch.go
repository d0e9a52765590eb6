// Package ingest turns web pages into indexed corpus chunks: fetch and
// extract readable text, split it into overlapping chunks, index the chunks
// concurrently, and refresh configured sources on a schedule.
package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"
)

const (
	DefaultFetchTimeout = 15 * time.Second
	DefaultMaxChars     = 20000
)

// Page is the readable content extracted from one URL.
type Page struct {
	URL         string
	Title       string
	Byline      string
	Text        string
	ContentHash string
	RenderTime  time.Duration
}

// Fetcher retrieves readable text from a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// ChromeFetcher renders pages in headless Chrome and extracts the article
// text with readability. Pages behind client-side rendering come out the
// same as static ones.
type ChromeFetcher struct {
	Timeout  time.Duration
	MaxChars int
}

func (f ChromeFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Page{}, errors.New("invalid url")
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	maxChars := f.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	t0 := time.Now()

	html, err := fetchHTML(ctx, rawURL)
	if err != nil {
		return Page{}, fmt.Errorf("rendering %s: %w", rawURL, err)
	}

	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(rawURL))
	if err != nil {
		return Page{}, fmt.Errorf("extracting article from %s: %w", rawURL, err)
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) > maxChars {
		text = text[:maxChars]
	}

	sum := sha1.Sum([]byte(html))

	return Page{
		URL:         rawURL,
		Title:       strings.TrimSpace(article.Title),
		Byline:      strings.TrimSpace(article.Byline),
		Text:        text,
		ContentHash: hex.EncodeToString(sum[:]),
		RenderTime:  time.Since(t0),
	}, nil
}

func fetchHTML(ctx context.Context, url string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent("Quester/1.0 (+contact@example.com)"),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
