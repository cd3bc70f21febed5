package polaris

import "context"

// ModelProvider abstracts the LLM backend.
type ModelProvider interface {
	// Complete sends a request and returns a complete response. Inline
	// system-role messages in the request are merged with the System field
	// by the adapter.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	// Stream sends a request and emits events into ch as they arrive, then
	// returns the final assembled response. ch is closed before returning.
	Stream(ctx context.Context, req CompletionRequest, ch chan<- StreamEvent) (CompletionResponse, error)
	// Name returns the provider name (e.g. "anthropic").
	Name() string
}

// EmbeddingProvider abstracts text embedding. Consumed only by the memory
// collaborator; every component treats it as optional.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
