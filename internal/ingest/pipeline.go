package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/mohammad-safakhou/quester/search"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Document is one unit of content to index.
type Document struct {
	URL   string
	Title string
	Text  string
}

// Result reports what one Index call produced.
type Result struct {
	DocumentID string
	Chunks     int
	Indexed    int
}

// Pipeline splits documents into overlapping chunks and indexes them
// concurrently on a worker pool.
type Pipeline struct {
	indexer      search.Indexer
	pool         *ants.Pool
	chunkSize    int
	chunkOverlap int
	logger       *log.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithPoolSize sets the worker pool size for concurrent indexing.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		if p.pool != nil {
			p.pool.Release()
		}
		p.pool = pool
		return nil
	}
}

// WithChunking overrides the chunk window. Overlap must stay below size so
// each window advances.
func WithChunking(size, overlap int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			return errors.New("chunk size must be positive")
		}
		if overlap < 0 || overlap >= size {
			return errors.New("chunk overlap must be smaller than chunk size")
		}
		p.chunkSize = size
		p.chunkOverlap = overlap
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pipeline) error {
		if logger != nil {
			p.logger = logger
		}
		return nil
	}
}

// NewPipeline creates an indexing pipeline writing into the given indexer.
func NewPipeline(indexer search.Indexer, opts ...Option) (*Pipeline, error) {
	if indexer == nil {
		return nil, errors.New("indexer is required")
	}

	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		indexer:      indexer,
		pool:         pool,
		chunkSize:    DefaultChunkSize,
		chunkOverlap: DefaultChunkOverlap,
		logger:       log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			p.Release()
			return nil, err
		}
	}
	return p, nil
}

// Index chunks one document and indexes all chunks, waiting for completion.
// Chunk failures are logged and counted; the call errors only when nothing
// could be indexed.
func (p *Pipeline) Index(ctx context.Context, doc Document) (Result, error) {
	text := strings.TrimSpace(doc.Text)
	if text == "" {
		return Result{}, errors.New("document text is empty")
	}

	docID := sha1Hex(text)
	parts := makeChunks(text, p.chunkSize, p.chunkOverlap)
	now := time.Now().UTC()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		indexed  int
		firstErr error
	)
	for i, part := range parts {
		chunk := search.Chunk{
			ID:         fmt.Sprintf("%s#%03d", docID, i),
			DocumentID: docID,
			Title:      doc.Title,
			Source:     doc.URL,
			Text:       part,
			Index:      i,
			IngestedAt: now,
		}
		wg.Add(1)
		if err := p.pool.Submit(func() {
			defer wg.Done()
			if err := p.indexer.Index(ctx, chunk); err != nil {
				p.logger.Printf("indexing chunk %s: %v", chunk.ID, err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			indexed++
			mu.Unlock()
		}); err != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}
	}
	wg.Wait()

	res := Result{DocumentID: docID, Chunks: len(parts), Indexed: indexed}
	if indexed == 0 && firstErr != nil {
		return res, fmt.Errorf("indexing document %s: %w", docID, firstErr)
	}
	return res, nil
}

// Release releases the worker pool. The pipeline should not be used after
// calling Release.
func (p *Pipeline) Release() {
	if p.pool != nil {
		p.pool.Release()
	}
}

func sha1Hex(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

func makeChunks(text string, approx, overlap int) []string {
	text = strings.TrimSpace(text)
	if len(text) <= approx {
		return []string{text}
	}
	var chunks []string
	for start := 0; start < len(text); {
		end := start + approx
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
		if end == len(text) {
			break
		}
		start = end - overlap
	}
	return chunks
}
