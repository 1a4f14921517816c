package mock

import (
	"context"
	"sync/atomic"

	"github.com/instill-ai/ingestion-backend/pkg/embedding"
)

// EmbeddingProvider returns deterministic vectors derived from the text
// length.
type EmbeddingProvider struct {
	Dim int
	// Err, when set, is called with the 1-based call number. A non-nil
	// result fails the call.
	Err     func(call int) error
	Journal *Journal

	calls atomic.Int32
}

var _ embedding.Provider = (*EmbeddingProvider)(nil)

// Name implements embedding.Provider.
func (p *EmbeddingProvider) Name() string { return "fake" }

// Dimension implements embedding.Provider.
func (p *EmbeddingProvider) Dimension() int {
	if p.Dim == 0 {
		return 4
	}
	return p.Dim
}

// EmbedTexts implements embedding.Provider.
func (p *EmbeddingProvider) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	call := int(p.calls.Add(1))
	p.Journal.Add("embedding.embed")
	if p.Err != nil {
		if err := p.Err(call); err != nil {
			return nil, err
		}
	}

	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, p.Dimension())
		v[0] = float32(len(t))
		vectors[i] = v
	}
	return vectors, nil
}

// Calls returns the number of EmbedTexts calls.
func (p *EmbeddingProvider) Calls() int {
	return int(p.calls.Load())
}
