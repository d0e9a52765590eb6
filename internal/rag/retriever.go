package rag

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/quester/search"
)

// Retriever fans planned queries out to the search backend.
type Retriever struct {
	cfg    Config
	search search.Provider
	logger *log.Logger
}

// NewRetriever creates a retriever instance.
func NewRetriever(cfg Config, provider search.Provider) *Retriever {
	return &Retriever{
		cfg:    cfg,
		search: provider,
		logger: log.New(log.Writer(), "[RETRIEVER] ", log.LstdFlags),
	}
}

// Retrieve runs every query concurrently, bounded by the configured
// concurrency, and waits for all of them. The returned slice is indexed
// like queries; a failed call yields an empty hit list and a failed status
// instead of aborting the remaining queries.
func (r *Retriever) Retrieve(ctx context.Context, queries []PlannedQuery) []QueryResult {
	if len(queries) == 0 {
		return nil
	}

	// TopK is split across the planned queries so one broad query cannot
	// monopolize the merged result set, with a floor so narrow plans still
	// retrieve enough per query.
	perQuery := r.cfg.TopK / len(queries)
	if perQuery < r.cfg.MinPerQuery {
		perQuery = r.cfg.MinPerQuery
	}

	results := make([]QueryResult, len(queries))
	sem := make(chan struct{}, r.cfg.SearchConcurrency)
	var wg sync.WaitGroup

	for i, q := range queries {
		wg.Add(1)
		go func(i int, q PlannedQuery) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = QueryResult{Query: q, Status: QueryFailed, Hits: []search.Hit{}, Err: ctx.Err().Error()}
				return
			}

			startTime := time.Now()
			callCtx, cancel := context.WithTimeout(ctx, r.cfg.SearchTimeout)
			hits, err := r.search.Search(callCtx, q.Text, perQuery)
			cancel()

			if err != nil {
				r.logger.Printf("query %d (%q) failed after %v: %v", q.Index, q.Text, time.Since(startTime), err)
				results[i] = QueryResult{Query: q, Status: QueryFailed, Hits: []search.Hit{}, Err: err.Error(), Duration: time.Since(startTime)}
				return
			}
			results[i] = QueryResult{Query: q, Status: QueryOK, Hits: hits, Duration: time.Since(startTime)}
		}(i, q)
	}

	wg.Wait()
	return results
}
