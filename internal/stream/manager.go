// Package stream owns the server-side exchange lifecycle: persisting the
// user message, driving the generator, accumulating the reply and emitting
// ordered events to the transport.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"chatty/internal/bus"
	"chatty/internal/domain"
	"chatty/internal/metrics"
)

var (
	// ErrEmptyMessage rejects prompts that are empty after trimming.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrExchangeInFlight rejects a second concurrent exchange on the
	// same conversation.
	ErrExchangeInFlight = errors.New("an exchange is already in flight for this conversation")

	// ErrRateLimited rejects exchanges beyond the configured rate.
	ErrRateLimited = errors.New("rate limit exceeded")
)

const (
	titleMaxRunes   = 50
	previewMaxRunes = 100
)

// Request describes one chat submission. An empty ConversationID starts a
// new conversation.
type Request struct {
	ConversationID string
	Prompt         string
	Image          []byte
	Model          string
}

// Options tunes a Manager.
type Options struct {
	MaxHistory      int
	ExchangeTimeout time.Duration
	RatePerMinute   float64
	RateBurst       int
	MaxTokens       int
	Temperature     float64
}

// Manager coordinates exchanges. It is safe for concurrent use; each
// conversation admits at most one exchange at a time.
type Manager struct {
	store   domain.MessageStore
	gen     domain.Generator
	events  *bus.EventBus
	logger  *slog.Logger
	limiter *rate.Limiter
	opts    Options

	mu       sync.Mutex
	inflight map[string]struct{}

	exchangesTotal    *metrics.Counter
	exchangesFailed   *metrics.Counter
	exchangesRejected *metrics.Counter
	exchangesActive   *metrics.Gauge
	chunksTotal       *metrics.Counter
	exchangeDuration  *metrics.Histogram
}

func NewManager(store domain.MessageStore, gen domain.Generator, events *bus.EventBus, collector *metrics.Collector, logger *slog.Logger, opts Options) *Manager {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 50
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = 2 * time.Minute
	}
	var limiter *rate.Limiter
	if opts.RatePerMinute > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerMinute/60.0), burst)
	}
	return &Manager{
		store:    store,
		gen:      gen,
		events:   events,
		logger:   logger.With("component", "stream"),
		limiter:  limiter,
		opts:     opts,
		inflight: make(map[string]struct{}),

		exchangesTotal:    collector.Counter("chatty_exchanges_total", "Completed exchanges"),
		exchangesFailed:   collector.Counter("chatty_exchanges_failed_total", "Exchanges that ended in an error event"),
		exchangesRejected: collector.Counter("chatty_exchanges_rejected_total", "Exchanges rejected before starting"),
		exchangesActive:   collector.Gauge("chatty_exchanges_active", "Exchanges currently streaming"),
		chunksTotal:       collector.Counter("chatty_chunks_total", "Chunks emitted across all exchanges"),
		exchangeDuration:  collector.Histogram("chatty_exchange_duration_seconds", "Exchange wall time", []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}),
	}
}

// InFlight reports whether the conversation has an active exchange.
func (m *Manager) InFlight(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[conversationID]
	return ok
}

func (m *Manager) acquire(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inflight[conversationID]; ok {
		return false
	}
	m.inflight[conversationID] = struct{}{}
	return true
}

func (m *Manager) release(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, conversationID)
}

// BeginExchange runs one exchange end to end, delivering lifecycle events
// through emit in order: user-message-ack, assistant-start, zero or more
// chunks, then exactly one of done or error. Precondition failures (empty
// prompt, conversation busy, rate limit) return a sentinel error before any
// event is emitted or anything is persisted.
func (m *Manager) BeginExchange(ctx context.Context, req Request, emit func(domain.StreamEvent) error) error {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return ErrEmptyMessage
	}
	// Rejections fail fast; bus dispatch must not hold up the caller's
	// error response.
	if m.limiter != nil && !m.limiter.Allow() {
		m.exchangesRejected.Inc()
		m.events.EmitAsync(bus.Event{
			Type:           bus.EventExchangeRejected,
			ConversationID: req.ConversationID,
			Reason:         "rate limited",
		})
		return ErrRateLimited
	}

	convID := req.ConversationID
	newConversation := convID == ""
	if newConversation {
		convID = uuid.NewString()
	}

	if !m.acquire(convID) {
		m.exchangesRejected.Inc()
		m.events.EmitAsync(bus.Event{
			Type:           bus.EventExchangeRejected,
			ConversationID: convID,
			Reason:         "exchange in flight",
		})
		return ErrExchangeInFlight
	}
	defer m.release(convID)

	exchangeID := uuid.NewString()
	logger := m.logger.With("conversation", convID, "exchange", exchangeID)
	start := time.Now()

	m.exchangesActive.Inc()
	defer m.exchangesActive.Dec()
	defer func() {
		m.exchangeDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, m.opts.ExchangeTimeout)
	defer cancel()

	history, err := m.prepareConversation(ctx, convID, newConversation)
	if err != nil {
		return err
	}

	userMsg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           domain.RoleUser,
		Content:        prompt,
		HasImage:       len(req.Image) > 0,
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.store.AddMessage(ctx, userMsg); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	if err := emit(domain.StreamEvent{
		Type:           domain.EventUserMessageAck,
		ID:             userMsg.ID,
		ConversationID: convID,
	}); err != nil {
		return err
	}

	m.events.Emit(bus.Event{
		Type:           bus.EventExchangeStarted,
		ConversationID: convID,
		ExchangeID:     exchangeID,
	})
	logger.Info("exchange started", "prompt_len", len(prompt), "history", len(history), "has_image", userMsg.HasImage)

	assistantID := uuid.NewString()
	if err := emit(domain.StreamEvent{Type: domain.EventAssistantStart, ID: assistantID}); err != nil {
		return err
	}

	var full strings.Builder
	chunks := 0
	genErr := m.gen.Stream(ctx, domain.GenerateRequest{
		Prompt:      prompt,
		History:     history,
		Image:       req.Image,
		Model:       req.Model,
		MaxTokens:   m.opts.MaxTokens,
		Temperature: m.opts.Temperature,
	}, func(chunk domain.Chunk) error {
		if chunk.Content == "" {
			return nil
		}
		full.WriteString(chunk.Content)
		chunks++
		m.chunksTotal.Inc()
		return emit(domain.StreamEvent{Type: domain.EventChunk, ID: assistantID, Content: chunk.Content})
	})
	if genErr != nil {
		m.exchangesFailed.Inc()
		m.events.Emit(bus.Event{
			Type:           bus.EventExchangeFailed,
			ConversationID: convID,
			ExchangeID:     exchangeID,
			Chunks:         chunks,
			Reason:         genErr.Error(),
		})
		logger.Error("exchange failed", "err", genErr, "chunks", chunks)
		// Best effort: the transport may already be gone.
		if emitErr := emit(domain.StreamEvent{
			Type:    domain.EventError,
			ID:      assistantID,
			Message: genErr.Error(),
		}); emitErr != nil {
			return emitErr
		}
		return genErr
	}

	reply := full.String()
	assistantMsg := domain.Message{
		ID:             assistantID,
		ConversationID: convID,
		Role:           domain.RoleAssistant,
		Content:        reply,
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.store.AddMessage(ctx, assistantMsg); err != nil {
		m.exchangesFailed.Inc()
		emit(domain.StreamEvent{Type: domain.EventError, ID: assistantID, Message: "failed to persist reply"})
		return fmt.Errorf("persist assistant message: %w", err)
	}
	if err := m.store.TouchConversation(ctx, convID, truncateRunes(prompt, titleMaxRunes), truncateRunes(reply, previewMaxRunes)); err != nil {
		logger.Warn("update conversation metadata", "err", err)
	}

	if err := emit(domain.StreamEvent{
		Type:        domain.EventDone,
		ID:          assistantID,
		FullContent: reply,
	}); err != nil {
		return err
	}

	m.exchangesTotal.Inc()
	m.events.Emit(bus.Event{
		Type:           bus.EventExchangeCompleted,
		ConversationID: convID,
		ExchangeID:     exchangeID,
		Chunks:         chunks,
	})
	logger.Info("exchange completed", "chunks", chunks, "reply_len", len(reply), "elapsed", time.Since(start))
	return nil
}

// prepareConversation ensures the conversation row exists and returns its
// prior messages, oldest first, capped to the history window.
func (m *Manager) prepareConversation(ctx context.Context, convID string, isNew bool) ([]domain.Message, error) {
	if isNew {
		now := time.Now().UTC()
		conv := domain.Conversation{
			ID:        convID,
			Provider:  m.gen.Name(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := m.store.CreateConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		return nil, nil
	}

	if _, err := m.store.GetConversation(ctx, convID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Client-supplied id for a conversation we have not seen;
			// adopt it rather than failing the exchange.
			now := time.Now().UTC()
			conv := domain.Conversation{ID: convID, Provider: m.gen.Name(), CreatedAt: now, UpdatedAt: now}
			if err := m.store.CreateConversation(ctx, conv); err != nil {
				return nil, fmt.Errorf("create conversation: %w", err)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	history, err := m.store.GetMessages(ctx, convID, m.opts.MaxHistory)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return history, nil
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
