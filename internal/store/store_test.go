package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"chatty/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Both implementations must satisfy the same contract; test them through
// the interface.
func stores(t *testing.T) map[string]domain.MessageStore {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "chatty.db"), newTestLogger())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]domain.MessageStore{
		"sqlite": sqlite,
		"memory": NewMemStore(),
	}
}

func TestAddAndGetMessagesOrdered(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.CreateConversation(ctx, domain.Conversation{ID: "c1", Title: "Hi"}); err != nil {
				t.Fatalf("create conversation: %v", err)
			}

			base := time.Now().Add(-time.Minute)
			for i, content := range []string{"one", "two", "three"} {
				msg := domain.Message{
					ID:             string(rune('a' + i)),
					ConversationID: "c1",
					Role:           domain.RoleUser,
					Content:        content,
					CreatedAt:      base.Add(time.Duration(i) * time.Second),
				}
				if err := s.AddMessage(ctx, msg); err != nil {
					t.Fatalf("add message: %v", err)
				}
			}

			msgs, err := s.GetMessages(ctx, "c1", 0)
			if err != nil {
				t.Fatalf("get messages: %v", err)
			}
			if len(msgs) != 3 {
				t.Fatalf("expected 3 messages, got %d", len(msgs))
			}
			for i, want := range []string{"one", "two", "three"} {
				if msgs[i].Content != want {
					t.Errorf("message %d: got %q, want %q", i, msgs[i].Content, want)
				}
			}
		})
	}
}

func TestGetMessagesLimitKeepsMostRecent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.CreateConversation(ctx, domain.Conversation{ID: "c2"}); err != nil {
				t.Fatal(err)
			}
			base := time.Now().Add(-time.Minute)
			for i := 0; i < 5; i++ {
				err := s.AddMessage(ctx, domain.Message{
					ID:             string(rune('a' + i)),
					ConversationID: "c2",
					Role:           domain.RoleUser,
					Content:        string(rune('0' + i)),
					CreatedAt:      base.Add(time.Duration(i) * time.Second),
				})
				if err != nil {
					t.Fatal(err)
				}
			}

			msgs, err := s.GetMessages(ctx, "c2", 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(msgs) != 2 {
				t.Fatalf("expected 2 messages, got %d", len(msgs))
			}
			if msgs[0].Content != "3" || msgs[1].Content != "4" {
				t.Fatalf("expected last two in order, got %q %q", msgs[0].Content, msgs[1].Content)
			}
		})
	}
}

func TestTouchConversationSetsTitleOnce(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.CreateConversation(ctx, domain.Conversation{ID: "c3"}); err != nil {
				t.Fatal(err)
			}
			if err := s.TouchConversation(ctx, "c3", "First prompt", "reply one"); err != nil {
				t.Fatal(err)
			}
			if err := s.TouchConversation(ctx, "c3", "Second prompt", "reply two"); err != nil {
				t.Fatal(err)
			}

			conv, err := s.GetConversation(ctx, "c3")
			if err != nil {
				t.Fatal(err)
			}
			if conv.Title != "First prompt" {
				t.Errorf("title should be set once: got %q", conv.Title)
			}
			if conv.LastMessage != "reply two" {
				t.Errorf("last message should track latest: got %q", conv.LastMessage)
			}
		})
	}
}

func TestListConversationsMostRecentFirst(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := time.Now().Add(-time.Hour)
			if err := s.CreateConversation(ctx, domain.Conversation{ID: "old", CreatedAt: old, UpdatedAt: old}); err != nil {
				t.Fatal(err)
			}
			if err := s.CreateConversation(ctx, domain.Conversation{ID: "new"}); err != nil {
				t.Fatal(err)
			}

			convs, err := s.ListConversations(ctx, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(convs) != 2 {
				t.Fatalf("expected 2 conversations, got %d", len(convs))
			}
			if convs[0].ID != "new" {
				t.Errorf("expected most recent first, got %q", convs[0].ID)
			}
		})
	}
}

func TestDeleteConversationRemovesMessages(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.CreateConversation(ctx, domain.Conversation{ID: "c4"}); err != nil {
				t.Fatal(err)
			}
			if err := s.AddMessage(ctx, domain.Message{ID: "m1", ConversationID: "c4", Role: domain.RoleUser, Content: "x"}); err != nil {
				t.Fatal(err)
			}
			if err := s.DeleteConversation(ctx, "c4"); err != nil {
				t.Fatal(err)
			}

			if _, err := s.GetConversation(ctx, "c4"); err != domain.ErrNotFound {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
			msgs, err := s.GetMessages(ctx, "c4", 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(msgs) != 0 {
				t.Errorf("expected no messages after delete, got %d", len(msgs))
			}
		})
	}
}
