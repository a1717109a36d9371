package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"chatty/internal/config"
	"chatty/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(t *testing.T, gen domain.Generator, req domain.GenerateRequest) ([]domain.Chunk, error) {
	t.Helper()
	var chunks []domain.Chunk
	err := gen.Stream(context.Background(), req, func(c domain.Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	return chunks, err
}

func TestMockEchoesPrompt(t *testing.T) {
	m := NewMock()
	chunks, err := collect(t, m, domain.GenerateRequest{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(chunks) != 1 || !chunks[0].Final {
		t.Fatalf("expected one final chunk, got %+v", chunks)
	}
	if chunks[0].Content != "You said: hello" {
		t.Errorf("unexpected content %q", chunks[0].Content)
	}
}

func TestChunkedReassemblesToOriginal(t *testing.T) {
	reply := "The quick brown fox jumps over the lazy dog, twice around the block."
	inner := NewMock()
	inner.Reply = func(domain.GenerateRequest) (string, error) { return reply, nil }

	gen := NewChunked(inner, 8, 0)
	chunks, err := collect(t, gen, domain.GenerateRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	var sb strings.Builder
	for i, c := range chunks {
		sb.WriteString(c.Content)
		if c.Final != (i == len(chunks)-1) {
			t.Errorf("chunk %d final=%v", i, c.Final)
		}
	}
	if sb.String() != reply {
		t.Errorf("reassembled %q, want %q", sb.String(), reply)
	}
}

func TestChunkedRuneBoundaries(t *testing.T) {
	reply := "héllo wörldança日本語テスト"
	inner := NewMock()
	inner.Reply = func(domain.GenerateRequest) (string, error) { return reply, nil }

	gen := NewChunked(inner, 3, 0)
	chunks, err := collect(t, gen, domain.GenerateRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	var sb strings.Builder
	for _, c := range chunks {
		if !utf8.ValidString(c.Content) {
			t.Fatalf("chunk %q split a rune", c.Content)
		}
		sb.WriteString(c.Content)
	}
	if sb.String() != reply {
		t.Errorf("reassembled %q, want %q", sb.String(), reply)
	}
}

func TestChunkedEmptyReplyEmitsFinal(t *testing.T) {
	inner := NewMock()
	inner.Reply = func(domain.GenerateRequest) (string, error) { return "", nil }

	chunks, err := collect(t, NewChunked(inner, 8, 0), domain.GenerateRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(chunks) != 1 || !chunks[0].Final || chunks[0].Content != "" {
		t.Errorf("expected single empty final chunk, got %+v", chunks)
	}
}

func TestFailoverFallsThroughToHealthyProvider(t *testing.T) {
	broken := NewMock()
	broken.Err = errors.New("connection refused")
	working := NewMock()
	working.Reply = func(domain.GenerateRequest) (string, error) { return "recovered", nil }

	gen := NewFailover([]domain.Generator{broken, working}, testLogger())
	chunks, err := collect(t, gen, domain.GenerateRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Content != "recovered" {
		t.Errorf("expected fallback response, got %+v", chunks)
	}
}

func TestFailoverDoesNotRetryAfterEmission(t *testing.T) {
	// A provider that emits a chunk and then fails has committed output;
	// retrying would duplicate text at the consumer.
	partial := &scriptedGenerator{
		chunks: []domain.Chunk{{Content: "partial "}},
		err:    errors.New("upstream reset"),
	}
	fallback := NewMock()

	gen := NewFailover([]domain.Generator{partial, fallback}, testLogger())
	_, err := collect(t, gen, domain.GenerateRequest{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if fallback.Calls() != 0 {
		t.Error("fallback should not have been invoked")
	}
}

func TestFailoverAllFailed(t *testing.T) {
	a := NewMock()
	a.Err = errors.New("a down")
	b := NewMock()
	b.Err = errors.New("b down")

	gen := NewFailover([]domain.Generator{a, b}, testLogger())
	_, err := collect(t, gen, domain.GenerateRequest{Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), "all providers failed") {
		t.Errorf("expected aggregate failure, got %v", err)
	}
}

type scriptedGenerator struct {
	chunks []domain.Chunk
	err    error
}

func (s *scriptedGenerator) Name() string { return "scripted" }

func (s *scriptedGenerator) Stream(ctx context.Context, req domain.GenerateRequest, consumer func(domain.Chunk) error) error {
	for _, c := range s.chunks {
		if err := consumer(c); err != nil {
			return err
		}
	}
	return s.err
}

func (s *scriptedGenerator) Healthy(ctx context.Context) error { return s.err }

func TestOllamaStreamsNDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintln(w, `{"message":{"content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"lo!"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":""},"done":true}`)
	}))
	defer srv.Close()

	gen := NewOllama(srv.URL, "test-model", testLogger())
	chunks, err := collect(t, gen, domain.GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c.Content)
	}
	if sb.String() != "Hello!" {
		t.Errorf("got %q, want %q", sb.String(), "Hello!")
	}
	if !chunks[len(chunks)-1].Final {
		t.Error("last chunk should be final")
	}
}

func TestOllamaStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"model not found"}`)
	}))
	defer srv.Close()

	gen := NewOllama(srv.URL, "missing", testLogger())
	_, err := collect(t, gen, domain.GenerateRequest{Prompt: "hi"})
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Errorf("expected stream error, got %v", err)
	}
}

func TestGeminiStreamsSSE(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Bon\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"jour\"}]},\"finishReason\":\"STOP\"}]}\n\n")
	}))
	defer srv.Close()

	gen := NewGemini("key", srv.URL, "gemini-pro", "gemini-pro-vision", testLogger())
	chunks, err := collect(t, gen, domain.GenerateRequest{Prompt: "salut"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c.Content)
	}
	if sb.String() != "Bonjour" {
		t.Errorf("got %q, want %q", sb.String(), "Bonjour")
	}
	if !strings.Contains(gotPath, "gemini-pro") {
		t.Errorf("unexpected request path %q", gotPath)
	}
}

func TestGeminiRoutesImageToVisionModel(t *testing.T) {
	g := NewGemini("key", "", "gemini-pro", "gemini-pro-vision", testLogger())

	if got := g.pickModel(domain.GenerateRequest{Prompt: "x"}); got != "gemini-pro" {
		t.Errorf("text request routed to %q", got)
	}
	if got := g.pickModel(domain.GenerateRequest{Prompt: "x", Image: []byte{0xFF}}); got != "gemini-pro-vision" {
		t.Errorf("image request routed to %q", got)
	}
	if got := g.pickModel(domain.GenerateRequest{Prompt: "x", Model: "custom"}); got != "custom" {
		t.Errorf("explicit model overridden to %q", got)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default().Provider
	gen, err := FromConfig(cfg, testLogger())
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	chunks, err := collect(t, gen, domain.GenerateRequest{Prompt: "ping"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}

	cfg.FailoverChain = []string{"nope"}
	if _, err := FromConfig(cfg, testLogger()); err == nil {
		t.Error("expected error for unknown provider")
	}
}
