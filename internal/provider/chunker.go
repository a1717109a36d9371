package provider

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"chatty/internal/domain"
)

// Chunked adapts a generator that produces its answer in large pieces (or a
// single blob) into one that emits fixed-size chunks with a small randomized
// delay, so downstream consumers always see an incremental stream.
type Chunked struct {
	inner     domain.Generator
	chunkSize int
	maxDelay  time.Duration
}

func NewChunked(inner domain.Generator, chunkSize int, maxDelay time.Duration) *Chunked {
	if chunkSize <= 0 {
		chunkSize = 24
	}
	return &Chunked{inner: inner, chunkSize: chunkSize, maxDelay: maxDelay}
}

func (c *Chunked) Name() string { return c.inner.Name() }

func (c *Chunked) Stream(ctx context.Context, req domain.GenerateRequest, consumer func(domain.Chunk) error) error {
	var full strings.Builder
	err := c.inner.Stream(ctx, req, func(chunk domain.Chunk) error {
		full.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return err
	}

	// Slice on rune boundaries so multi-byte characters never split.
	runes := []rune(full.String())
	if len(runes) == 0 {
		return consumer(domain.Chunk{Final: true})
	}
	for i := 0; i < len(runes); i += c.chunkSize {
		end := i + c.chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		if c.maxDelay > 0 && i > 0 {
			delay := time.Duration(rand.Int64N(int64(c.maxDelay)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := consumer(domain.Chunk{Content: string(runes[i:end]), Final: end == len(runes)}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chunked) Healthy(ctx context.Context) error { return c.inner.Healthy(ctx) }
