// Package elastic provides a retrieval backend on an external Elasticsearch
// cluster for deployments where the corpus outgrows the embedded index.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/mohammad-safakhou/quester/internal/helpers"
	"github.com/mohammad-safakhou/quester/search"
)

// Client implements search.Provider and search.Indexer against one index.
type Client struct {
	es    *elasticsearch.Client
	index string
}

// Options configures the cluster connection.
type Options struct {
	Addresses []string
	Username  string
	Password  string
	Index     string
}

// New connects to the cluster and ensures the index exists.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Index == "" {
		return nil, fmt.Errorf("index name is required")
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}
	c := &Client{es: es, index: opts.Index}
	if err := c.ensureIndex(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) ensureIndex(ctx context.Context) error {
	res, err := esapi.IndicesExistsRequest{Index: []string{c.index}}.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("checking index %s: %w", c.index, err)
	}
	defer res.Body.Close()
	if res.StatusCode == 200 {
		return nil
	}

	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"document_id": map[string]interface{}{"type": "keyword"},
				"title":       map[string]interface{}{"type": "text"},
				"source":      map[string]interface{}{"type": "keyword"},
				"text":        map[string]interface{}{"type": "text"},
				"chunk_index": map[string]interface{}{"type": "integer"},
				"ingested_at": map[string]interface{}{"type": "date"},
			},
		},
	}
	body, _ := json.Marshal(mapping)
	create, err := esapi.IndicesCreateRequest{
		Index: c.index,
		Body:  bytes.NewReader(body),
	}.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("creating index %s: %w", c.index, err)
	}
	defer create.Body.Close()
	if create.IsError() {
		return fmt.Errorf("creating index %s: %s", c.index, create.String())
	}
	return nil
}

// Index stores one chunk, keyed by its chunk ID so re-ingesting a document
// overwrites stale chunks instead of duplicating them.
func (c *Client) Index(ctx context.Context, chunk search.Chunk) error {
	if chunk.ID == "" {
		return fmt.Errorf("chunk id is required")
	}
	doc := map[string]interface{}{
		"document_id": chunk.DocumentID,
		"title":       chunk.Title,
		"source":      chunk.Source,
		"text":        chunk.Text,
		"chunk_index": chunk.Index,
		"ingested_at": chunk.IngestedAt,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling chunk %s: %w", chunk.ID, err)
	}

	res, err := esapi.IndexRequest{
		Index:      c.index,
		DocumentID: chunk.ID,
		Body:       bytes.NewReader(body),
		Refresh:    "false",
	}.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("indexing chunk %s: %w", chunk.ID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("indexing chunk %s: %s", chunk.ID, res.String())
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string  `json:"_id"`
			Score  float64 `json:"_score"`
			Source struct {
				DocumentID string `json:"document_id"`
				Title      string `json:"title"`
				SourceURL  string `json:"source"`
				Text       string `json:"text"`
			} `json:"_source"`
			Highlight map[string][]string `json:"highlight"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search runs a multi_match over text and title with highlighting.
func (c *Client) Search(ctx context.Context, query string, topN int) ([]search.Hit, error) {
	if topN <= 0 {
		topN = 10
	}
	queryBody := map[string]interface{}{
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"text", "title^2"},
			},
		},
		"highlight": map[string]interface{}{
			"fields": map[string]interface{}{
				"text": map[string]interface{}{"fragment_size": 160, "number_of_fragments": 2},
			},
		},
		"size": topN,
	}
	body, _ := json.Marshal(queryBody)

	res, err := esapi.SearchRequest{
		Index: []string{c.index},
		Body:  strings.NewReader(string(body)),
	}.Do(ctx, c.es)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch search: %s", res.String())
	}

	var r searchResponse
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	hits := make([]search.Hit, 0, len(r.Hits.Hits))
	for _, h := range r.Hits.Hits {
		hit := search.Hit{
			DocumentID: h.Source.DocumentID,
			ChunkID:    h.ID,
			Title:      h.Source.Title,
			Content:    h.Source.Text,
			Source:     h.Source.SourceURL,
			Score:      h.Score,
		}
		for _, frag := range h.Highlight["text"] {
			if cleaned := helpers.StripHTML(frag); cleaned != "" {
				hit.Highlights = append(hit.Highlights, cleaned)
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
