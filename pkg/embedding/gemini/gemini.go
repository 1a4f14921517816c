package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	errorsx "github.com/instill-ai/x/errors"

	"github.com/instill-ai/ingestion-backend/pkg/embedding"
)

const (
	// DefaultModel is the embedding model used when none is configured.
	DefaultModel = "gemini-embedding-001"
	// DefaultDimension is the requested output dimensionality.
	DefaultDimension = 3072

	// taskTypeRetrievalDocument optimizes vectors for text stored in a
	// vector index.
	taskTypeRetrievalDocument = "RETRIEVAL_DOCUMENT"
)

// Provider implements embedding.Provider with the Gemini API.
type Provider struct {
	client    *genai.Client
	model     string
	dimension int
}

// NewProvider creates a Gemini embedding provider.
func NewProvider(ctx context.Context, apiKey, model string, dimension int) (*Provider, error) {
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

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("failed to create Gemini client: %w", err),
			"Unable to connect to the embedding service. Please try again later.",
		)
	}

	return &Provider{client: client, model: model, dimension: dimension}, nil
}

// Name returns the provider name
func (p *Provider) Name() string { return "gemini" }

// Dimension returns the vector size
func (p *Provider) Dimension() int { return p.dimension }

// EmbedTexts embeds a batch of texts in a single request.
func (p *Provider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	result, err := p.client.Models.EmbedContent(ctx, p.model, contents, &genai.EmbedContentConfig{
		TaskType:             taskTypeRetrievalDocument,
		OutputDimensionality: genai.Ptr(int32(p.dimension)),
	})
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %v", embedding.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("calling embed content API: %w", err)
	}

	vectors := make([][]float32, 0, len(result.Embeddings))
	for i, e := range result.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("empty embedding vector for text %d", i)
		}
		vectors = append(vectors, e.Values)
	}
	return vectors, nil
}

func isRateLimited(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code == http.StatusTooManyRequests
	}
	return false
}
