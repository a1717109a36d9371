package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatty/internal/domain"
)

// MemStore is an in-memory domain.MessageStore. It is constructed
// explicitly and passed to its consumers, so each test (or dev server) gets
// an isolated instance.
type MemStore struct {
	mu       sync.RWMutex
	convs    map[string]domain.Conversation
	messages map[string][]domain.Message
}

func NewMemStore() *MemStore {
	return &MemStore{
		convs:    make(map[string]domain.Conversation),
		messages: make(map[string][]domain.Message),
	}
}

func (s *MemStore) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.convs[conv.ID]; exists {
		return nil
	}
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	s.convs[conv.ID] = conv
	return nil
}

func (s *MemStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := conv
	return &out, nil
}

func (s *MemStore) TouchConversation(ctx context.Context, id, title, lastMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if conv.Title == "" {
		conv.Title = title
	}
	conv.LastMessage = lastMessage
	conv.UpdatedAt = time.Now()
	s.convs[id] = conv
	return nil
}

func (s *MemStore) ListConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convs := make([]domain.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		convs = append(convs, c)
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

func (s *MemStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, id)
	delete(s.messages, id)
	return nil
}

func (s *MemStore) AddMessage(ctx context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return nil
}

func (s *MemStore) GetMessages(ctx context.Context, convID string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[convID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemStore) Close() error { return nil }
