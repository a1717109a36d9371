package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"chatty/internal/config"
	"chatty/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedServer serves /status plus an SSE /api/chat endpoint that replays
// the given frames. Each frame is written and flushed separately.
func scriptedServer(t *testing.T, chatCalls *atomic.Int32, frames []string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		if chatCalls != nil {
			chatCalls.Add(1)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			io.WriteString(w, frame)
			flusher.Flush()
		}
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func connect(t *testing.T, coord *Coordinator) {
	t.Helper()
	if err := coord.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
}

func TestSendMessageHappyPath(t *testing.T) {
	frames := []string{
		"data: {\"type\":\"user-message-ack\",\"id\":\"u1\",\"conversation_id\":\"c1\"}\n\n",
		"data: {\"type\":\"assistant-start\",\"id\":\"a1\"}\n\n",
		"data: {\"type\":\"chunk\",\"content\":\"Hel\"}\n\n",
		"data: {\"type\":\"chunk\",\"content\":\"lo!\"}\n\n",
		"data: {\"type\":\"done\",\"id\":\"a1\",\"full_content\":\"Hello!\"}\n\n",
	}
	ts := scriptedServer(t, nil, frames)

	done := make(chan domain.Message, 1)
	var ackID string
	var chunks []string
	coord := NewCoordinator(Options{BaseURL: ts.URL}, Callbacks{
		OnAck:      func(id string) { ackID = id },
		OnChunk:    func(content, _ string) { chunks = append(chunks, content) },
		OnComplete: func(msg domain.Message) { done <- msg },
		OnError:    func(err error) { t.Errorf("unexpected error: %v", err) },
	}, testLogger())
	connect(t, coord)

	if err := coord.SendMessage("Hi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	var msg domain.Message
	select {
	case msg = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	if msg.Content != "Hello!" || msg.ID != "a1" {
		t.Errorf("finalized message %+v", msg)
	}
	if ackID != "u1" {
		t.Errorf("ack id = %q", ackID)
	}
	if len(chunks) != 2 || chunks[0] != "Hel" || chunks[1] != "lo!" {
		t.Errorf("chunks = %v", chunks)
	}

	state := coord.State()
	if state.Streaming {
		t.Error("still streaming after done")
	}
	if state.Accumulated != "Hello!" {
		t.Errorf("accumulated = %q", state.Accumulated)
	}
	if state.ConversationID != "c1" {
		t.Errorf("conversation id = %q", state.ConversationID)
	}
}

func TestSendMessagePreconditions(t *testing.T) {
	var calls atomic.Int32
	ts := scriptedServer(t, &calls, nil)

	coord := NewCoordinator(Options{BaseURL: ts.URL}, Callbacks{}, testLogger())

	if err := coord.SendMessage("hi"); !errors.Is(err, ErrNoSession) {
		t.Errorf("before connect: err = %v, want ErrNoSession", err)
	}

	connect(t, coord)
	if err := coord.SendMessage("   \t\n"); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("empty: err = %v, want ErrEmptyMessage", err)
	}

	coord.SetOnline(false)
	if err := coord.SendMessage("hi"); !errors.Is(err, ErrOffline) {
		t.Errorf("offline: err = %v, want ErrOffline", err)
	}

	if calls.Load() != 0 {
		t.Errorf("rejected sends must not hit the network, got %d calls", calls.Load())
	}
}

func TestSendMessageRejectsWhileStreaming(t *testing.T) {
	block := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"type\":\"assistant-start\",\"id\":\"a1\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(block) })

	coord := NewCoordinator(Options{BaseURL: ts.URL}, Callbacks{}, testLogger())
	connect(t, coord)

	if err := coord.SendMessage("first"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	waitFor(t, func() bool { return coord.State().MessageID == "a1" })

	if err := coord.SendMessage("second"); !errors.Is(err, ErrStreamInFlight) {
		t.Errorf("err = %v, want ErrStreamInFlight", err)
	}

	// Cancellation is idempotent and unblocks the slot.
	coord.Cancel()
	coord.Cancel()
	if coord.State().Streaming {
		t.Error("still streaming after cancel")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestErrorEventEndsStream(t *testing.T) {
	frames := []string{
		"data: {\"type\":\"user-message-ack\",\"id\":\"u1\",\"conversation_id\":\"c1\"}\n\n",
		"data: {\"type\":\"assistant-start\",\"id\":\"a1\"}\n\n",
		"data: {\"type\":\"error\",\"message\":\"quota exceeded\"}\n\n",
	}
	ts := scriptedServer(t, nil, frames)

	errCh := make(chan error, 1)
	coord := NewCoordinator(Options{BaseURL: ts.URL}, Callbacks{
		OnComplete: func(domain.Message) { t.Error("unexpected completion") },
		OnError:    func(err error) { errCh <- err },
	}, testLogger())
	connect(t, coord)

	if err := coord.SendMessage("hi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	select {
	case err := <-errCh:
		if err.Error() != "quota exceeded" {
			t.Errorf("err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error")
	}
	if coord.State().Streaming {
		t.Error("still streaming after error event")
	}
}

func TestTransportDropSurfacesError(t *testing.T) {
	// Connection closes after one chunk, before any terminal event.
	frames := []string{
		"data: {\"type\":\"user-message-ack\",\"id\":\"u1\"}\n\n",
		"data: {\"type\":\"assistant-start\",\"id\":\"a1\"}\n\n",
		"data: {\"type\":\"chunk\",\"content\":\"par\"}\n\n",
	}
	ts := scriptedServer(t, nil, frames)

	errCh := make(chan error, 1)
	coord := NewCoordinator(Options{BaseURL: ts.URL}, Callbacks{
		OnError: func(err error) { errCh <- err },
	}, testLogger())
	connect(t, coord)

	if err := coord.SendMessage("hi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("transport drop did not surface as error")
	}
	if coord.State().Streaming {
		t.Error("streaming flag stuck after transport drop")
	}
}

func TestExchangeTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"type\":\"assistant-start\",\"id\":\"a1\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	errCh := make(chan error, 1)
	coord := NewCoordinator(Options{BaseURL: ts.URL, Timeout: 50 * time.Millisecond}, Callbacks{
		OnError: func(err error) { errCh <- err },
	}, testLogger())
	connect(t, coord)

	if err := coord.SendMessage("hi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("err = %v, want ErrTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stalled exchange never timed out")
	}
}

func TestIntegrityMismatchPrefersServer(t *testing.T) {
	frames := []string{
		"data: {\"type\":\"user-message-ack\",\"id\":\"u1\"}\n\n",
		"data: {\"type\":\"assistant-start\",\"id\":\"a1\"}\n\n",
		"data: {\"type\":\"chunk\",\"content\":\"Hel\"}\n\n",
		"data: {\"type\":\"done\",\"id\":\"a1\",\"full_content\":\"Hello!\"}\n\n",
	}
	ts := scriptedServer(t, nil, frames)

	done := make(chan domain.Message, 1)
	coord := NewCoordinator(Options{BaseURL: ts.URL}, Callbacks{
		OnComplete: func(msg domain.Message) { done <- msg },
	}, testLogger())
	connect(t, coord)

	if err := coord.SendMessage("hi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	select {
	case msg := <-done:
		if msg.Content != "Hello!" {
			t.Errorf("finalized content = %q, want server value", msg.Content)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	if got := coord.State().Accumulated; got != "Hello!" {
		t.Errorf("accumulated = %q, want server value", got)
	}
}

func TestCancelMidStreamStopsEventDelivery(t *testing.T) {
	// All frames land in one burst, so everything after the first chunk
	// sits buffered in the reader when Cancel fires.
	frames := []string{
		"data: {\"type\":\"user-message-ack\",\"id\":\"u1\",\"conversation_id\":\"c1\"}\n\n" +
			"data: {\"type\":\"assistant-start\",\"id\":\"a1\"}\n\n" +
			"data: {\"type\":\"chunk\",\"content\":\"Hel\"}\n\n" +
			"data: {\"type\":\"chunk\",\"content\":\"lo\"}\n\n" +
			"data: {\"type\":\"chunk\",\"content\":\"!!\"}\n\n" +
			"data: {\"type\":\"done\",\"id\":\"a1\",\"full_content\":\"Hello!!\"}\n\n",
	}
	ts := scriptedServer(t, nil, frames)

	firstChunk := make(chan struct{})
	release := make(chan struct{})
	var chunks, completions atomic.Int32
	coord := NewCoordinator(Options{BaseURL: ts.URL}, Callbacks{
		OnChunk: func(content, _ string) {
			if chunks.Add(1) == 1 {
				close(firstChunk)
				<-release
			}
		},
		OnComplete: func(domain.Message) { completions.Add(1) },
		OnError:    func(err error) { t.Errorf("unexpected error: %v", err) },
	}, testLogger())
	connect(t, coord)

	if err := coord.SendMessage("Hi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	<-firstChunk
	coord.Cancel()
	close(release)

	// Give the reader goroutine time to drain whatever it was going to.
	waitFor(t, func() bool { return !coord.State().Streaming })
	time.Sleep(50 * time.Millisecond)

	if n := chunks.Load(); n != 1 {
		t.Errorf("delivered %d chunks after cancel, want 1", n)
	}
	if completions.Load() != 0 {
		t.Error("OnComplete fired after cancel")
	}
	if got := coord.State().Accumulated; got != "Hel" {
		t.Errorf("accumulated mutated after cancel: %q", got)
	}
}

func TestCancelWhenIdleIsNoOp(t *testing.T) {
	coord := NewCoordinator(Options{BaseURL: "http://127.0.0.1:0"}, Callbacks{}, testLogger())
	coord.Cancel()
	coord.Cancel()
	if coord.State().Streaming {
		t.Error("cancel set streaming")
	}
}

func TestPrepareImageDownscales(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2000, 1000))
	for x := 0; x < 2000; x += 10 {
		for y := 0; y < 1000; y++ {
			src.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	cfg := config.AttachmentConfig{MaxWidth: 1280, MaxHeight: 720, JPEGQuality: 80}
	encoded, err := PrepareImage(buf.Bytes(), cfg)
	if err != nil {
		t.Fatalf("PrepareImage failed: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("output is not base64: %v", err)
	}
	out, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("output is not jpeg: %v", err)
	}

	b := out.Bounds()
	if b.Dx() != 1280 || b.Dy() != 640 {
		t.Errorf("bounds = %dx%d, want 1280x640", b.Dx(), b.Dy())
	}
}

func TestPrepareImageKeepsSmallImages(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 50))
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	cfg := config.AttachmentConfig{MaxWidth: 1280, MaxHeight: 720, JPEGQuality: 80}
	encoded, err := PrepareImage(buf.Bytes(), cfg)
	if err != nil {
		t.Fatalf("PrepareImage failed: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(encoded)
	out, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("output is not jpeg: %v", err)
	}
	if b := out.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Errorf("bounds = %dx%d, want 100x50", b.Dx(), b.Dy())
	}
}

func TestPrepareImageRejectsGarbage(t *testing.T) {
	cfg := config.AttachmentConfig{MaxWidth: 1280, MaxHeight: 720, JPEGQuality: 80}
	if _, err := PrepareImage([]byte("not an image"), cfg); err == nil {
		t.Error("expected decode error")
	}
}
