// Package openai wraps the OpenAI embeddings endpoint. Embeddings are the
// fast tier of the deduplicator; the model choice and its output distribution
// determine the similarity threshold, so both are configuration.
package openai

import (
	"context"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rotisserie/eris"
)

// Embedder computes fixed-dimension embedding vectors for texts.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type sdkEmbedder struct {
	client *sdk.Client
	model  string
}

// NewEmbedder creates an Embedder backed by the OpenAI SDK.
func NewEmbedder(apiKey, model string) Embedder {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &sdkEmbedder{client: &client, model: model}
}

func (e *sdkEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.Embeddings.New(ctx, sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(e.model),
		Input: sdk.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "openai: create embeddings")
	}

	if len(resp.Data) != len(texts) {
		return nil, eris.Errorf("openai: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, eris.Errorf("openai: embedding index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}
