// Package bleveindex provides an embedded retrieval backend on bleve, used
// for tests, the one-shot CLI and single-node deployments where running an
// external search cluster is not worth it.
package bleveindex

import (
	"context"
	"fmt"

	"github.com/blevesearch/bleve"

	"github.com/mohammad-safakhou/quester/internal/helpers"
	"github.com/mohammad-safakhou/quester/search"
)

// Index implements search.Provider and search.Indexer on a bleve index.
type Index struct {
	idx bleve.Index
}

// New opens the index at path, creating it when missing. An empty path keeps
// the index in memory.
func New(path string) (*Index, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("creating in-memory index: %w", err)
		}
		return &Index{idx: idx}, nil
	}
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("opening index at %s: %w", path, err)
	}
	return &Index{idx: idx}, nil
}

// Index stores one chunk. Chunk fields are stored so hits can be rebuilt
// without a side lookup, which keeps on-disk indexes self-contained.
func (b *Index) Index(ctx context.Context, chunk search.Chunk) error {
	if chunk.ID == "" {
		return fmt.Errorf("chunk id is required")
	}
	doc := map[string]interface{}{
		"text":        chunk.Text,
		"title":       chunk.Title,
		"source":      chunk.Source,
		"document_id": chunk.DocumentID,
		"chunk_index": chunk.Index,
	}
	return b.idx.Index(chunk.ID, doc)
}

// Search runs a match query and returns up to topN hits with sanitized
// highlight fragments.
func (b *Index) Search(ctx context.Context, query string, topN int) ([]search.Hit, error) {
	if topN <= 0 {
		topN = 10
	}
	mq := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(mq, topN, 0, false)
	req.Fields = []string{"text", "title", "source", "document_id"}
	req.Highlight = bleve.NewHighlightWithStyle("html")
	req.Highlight.Fields = []string{"text"}

	res, err := b.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}

	hits := make([]search.Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := search.Hit{ChunkID: h.ID, Score: h.Score}
		if v, ok := h.Fields["text"].(string); ok {
			hit.Content = v
		}
		if v, ok := h.Fields["title"].(string); ok {
			hit.Title = v
		}
		if v, ok := h.Fields["source"].(string); ok {
			hit.Source = v
		}
		if v, ok := h.Fields["document_id"].(string); ok {
			hit.DocumentID = v
		}
		for _, frag := range h.Fragments["text"] {
			if cleaned := helpers.StripHTML(frag); cleaned != "" {
				hit.Highlights = append(hit.Highlights, cleaned)
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Count reports the number of indexed chunks.
func (b *Index) Count() (uint64, error) {
	return b.idx.DocCount()
}

// Close releases the underlying index.
func (b *Index) Close() error {
	return b.idx.Close()
}
