package domain

import "context"

// GenerateRequest describes one generation call. History is the bounded
// list of prior messages for the conversation, oldest first; it never
// includes the message being answered.
type GenerateRequest struct {
	Prompt      string
	History     []Message
	Image       []byte // optional JPEG attachment (vision path)
	Model       string
	MaxTokens   int
	Temperature float64
}

// Chunk is one incremental fragment of assistant text.
type Chunk struct {
	Content string
	Final   bool
}

// Generator is the interface all generation providers implement. Stream
// invokes consumer for every fragment in arrival order and returns after
// the final fragment; a non-nil error means the generation failed and no
// further fragments follow. Providers that only produce a complete blob
// are wrapped by provider.NewChunked so callers always see a stream.
type Generator interface {
	Name() string
	Stream(ctx context.Context, req GenerateRequest, consumer func(Chunk) error) error
	Healthy(ctx context.Context) error
}
