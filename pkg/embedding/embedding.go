// Package embedding turns chunks into vectors through an external provider.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	errorsx "github.com/instill-ai/x/errors"

	"github.com/instill-ai/ingestion-backend/pkg/chunker"
)

const (
	// DefaultBatchSize is the number of texts sent in one provider call.
	DefaultBatchSize = 50
	// DefaultConcurrency is the number of batches in flight.
	DefaultConcurrency = 4
)

// ErrRateLimited is returned when the provider rejects a call because a quota
// or rate limit was exceeded. The pipeline doesn't retry it.
var ErrRateLimited = errorsx.AddMessage(
	fmt.Errorf("embedding provider: %w", errorsx.ErrRateLimiting),
	"The embedding service rate limit was reached. Please contact your administrator.",
)

// FailureError wraps any other provider failure. It may be transient.
type FailureError struct {
	Provider string
	Err      error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s embedding failed: %v", e.Provider, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is a rate limit rejection.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// Provider is an embedding service. Implementations return exactly one
// vector per input text, in input order, and wrap rate limit rejections with
// ErrRateLimited.
type Provider interface {
	Name() string
	Dimension() int
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Vector is the embedding of one chunk.
type Vector struct {
	ChunkID string
	Index   int
	Values  []float32
}

// Generator batches chunks to a Provider.
type Generator struct {
	provider    Provider
	batchSize   int
	concurrency int
	logger      *zap.Logger
}

// NewGenerator returns a Generator. Non-positive sizes fall back to the
// defaults.
func NewGenerator(provider Provider, batchSize, concurrency int, logger *zap.Logger) *Generator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Generator{
		provider:    provider,
		batchSize:   batchSize,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Dimension returns the vector size of the provider.
func (g *Generator) Dimension() int { return g.provider.Dimension() }

// Embed returns one vector per chunk, in chunk order. A rate limit rejection
// of any batch takes precedence over other failures.
func (g *Generator) Embed(ctx context.Context, chunks []chunker.Chunk) ([]Vector, error) {
	if len(chunks) == 0 {
		return []Vector{}, nil
	}

	vectors := make([]Vector, len(chunks))
	var rateLimited atomic.Bool

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)

	for start := 0; start < len(chunks); start += g.batchSize {
		end := min(start+g.batchSize, len(chunks))
		batch := chunks[start:end]

		eg.Go(func() error {
			texts := make([]string, len(batch))
			for i, ch := range batch {
				texts[i] = ch.Text
			}

			values, err := g.provider.EmbedTexts(egCtx, texts)
			if err != nil {
				if IsRateLimited(err) {
					rateLimited.Store(true)
					return err
				}
				return &FailureError{Provider: g.provider.Name(), Err: err}
			}
			if len(values) != len(batch) {
				return &FailureError{
					Provider: g.provider.Name(),
					Err:      fmt.Errorf("got %d vectors for %d texts", len(values), len(batch)),
				}
			}

			for i, ch := range batch {
				vectors[start+i] = Vector{ChunkID: ch.ID, Index: ch.Index, Values: values[i]}
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		if rateLimited.Load() {
			g.logger.Warn("Embedding provider rate limited", zap.String("provider", g.provider.Name()))
			if !IsRateLimited(err) {
				err = fmt.Errorf("%w: %v", ErrRateLimited, err)
			}
		}
		return nil, err
	}

	g.logger.Info("Chunks embedded",
		zap.String("provider", g.provider.Name()),
		zap.Int("chunks", len(chunks)),
		zap.Int("batchSize", g.batchSize))

	return vectors, nil
}
