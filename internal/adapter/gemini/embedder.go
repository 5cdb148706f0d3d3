package gemini

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const DefaultModel = "gemini-embedding-001"

// Client issues one batchEmbedContents request per call. Callers are
// responsible for keeping requests under the provider's batch limit.
type Client struct {
	client *genai.Client
	model  string
}

func NewClient(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key not configured")
	}
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Client{client: client, model: model}, nil
}

func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	slog.DebugContext(ctx, "embedding batch", "model", c.model, "count", len(texts))

	em := c.client.EmbeddingModel(c.model)
	em.TaskType = genai.TaskTypeRetrievalDocument

	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("batch embed: %w", err)
	}

	out := make([][]float32, 0, len(res.Embeddings))
	for i, e := range res.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("batch embed: empty embedding at %d", i)
		}
		out = append(out, e.Values)
	}
	return out, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
