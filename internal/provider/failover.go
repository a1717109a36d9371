package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatty/internal/domain"
)

// Failover tries each generator in order, moving to the next only when the
// current one fails before emitting anything. Once a chunk has reached the
// consumer the stream is committed and errors propagate as-is, since the
// partial output cannot be retracted.
type Failover struct {
	chain  []domain.Generator
	logger *slog.Logger
}

func NewFailover(chain []domain.Generator, logger *slog.Logger) *Failover {
	return &Failover{chain: chain, logger: logger.With("provider", "failover")}
}

func (f *Failover) Name() string {
	if len(f.chain) > 0 {
		return f.chain[0].Name()
	}
	return "failover"
}

func (f *Failover) Stream(ctx context.Context, req domain.GenerateRequest, consumer func(domain.Chunk) error) error {
	var errs []error
	for _, gen := range f.chain {
		if err := ctx.Err(); err != nil {
			return err
		}
		emitted := false
		err := gen.Stream(ctx, req, func(chunk domain.Chunk) error {
			emitted = true
			return consumer(chunk)
		})
		if err == nil {
			return nil
		}
		if emitted || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		f.logger.Warn("provider failed, trying next", "provider", gen.Name(), "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", gen.Name(), err))
	}
	if len(errs) == 0 {
		return fmt.Errorf("no providers configured")
	}
	return fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

func (f *Failover) Healthy(ctx context.Context) error {
	var errs []error
	for _, gen := range f.chain {
		err := gen.Healthy(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", gen.Name(), err))
	}
	return errors.Join(errs...)
}
