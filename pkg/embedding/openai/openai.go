package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	errorsx "github.com/instill-ai/x/errors"

	"github.com/instill-ai/ingestion-backend/pkg/embedding"
)

const (
	// DefaultModel is the embedding model used when none is configured.
	DefaultModel = "text-embedding-3-small"
	// DefaultDimension is the vector size of DefaultModel.
	DefaultDimension = 1536
)

// Provider implements embedding.Provider with the OpenAI embeddings API.
type Provider struct {
	client    *openai.Client
	model     string
	dimension int
}

// NewProvider creates an OpenAI embedding provider.
func NewProvider(apiKey, model string, dimension int, opts ...option.RequestOption) (*Provider, error) {
	if apiKey == "" {
		err := errorsx.ErrInvalidArgument
		return nil, errorsx.AddMessage(err, "Embedding provider configuration is missing. Please contact your administrator.")
	}
	if model == "" {
		model = DefaultModel
	}
	if dimension <= 0 {
		dimension = DefaultDimension
	}

	client := openai.NewClient(append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(1),
	}, opts...)...)

	return &Provider{
		client:    &client,
		model:     model,
		dimension: dimension,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string { return "openai" }

// Dimension returns the vector size
func (p *Provider) Dimension() int { return p.dimension }

// EmbedTexts embeds a batch of texts in a single request.
func (p *Provider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model:      openai.EmbeddingModel(p.model),
		Dimensions: openai.Int(int64(p.dimension)),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %v", embedding.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("calling embeddings API: %w", err)
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	vectors := make([][]float32, 0, len(data))
	for _, d := range data {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding vector for text %d", d.Index)
		}
		v := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			v[i] = float32(f)
		}
		vectors = append(vectors, v)
	}
	return vectors, nil
}
