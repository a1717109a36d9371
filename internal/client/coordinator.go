// Package client drives exchanges from the consumer side: it submits chat
// requests, reassembles the event stream into incremental state for a UI
// and handles cancellation, timeouts and transport failures.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatty/internal/domain"
	"chatty/internal/transport"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNoSession      = errors.New("no active session")
	ErrOffline        = errors.New("no network connectivity")
	ErrStreamInFlight = errors.New("a message is already streaming")
	ErrTimeout        = errors.New("exchange timed out")
)

// errCancelled stops the event reader; run treats it as a silent exit.
var errCancelled = errors.New("exchange cancelled")

// State is the coordinator's view of the active exchange. Accumulated is
// the concatenation, in arrival order, of every chunk since the last
// assistant-start; it is frozen once a terminal event arrives or the
// exchange is cancelled.
type State struct {
	Streaming      bool
	Accumulated    string
	MessageID      string
	ConversationID string
}

// Callbacks deliver incremental results. All callbacks are invoked from
// the coordinator's reader goroutine; nil callbacks are skipped.
type Callbacks struct {
	OnAck      func(userMessageID string)
	OnChunk    func(content, accumulated string)
	OnComplete func(msg domain.Message)
	OnError    func(err error)
}

// Options configures a Coordinator.
type Options struct {
	BaseURL  string
	Timeout  time.Duration
	Username string
	Password string
}

// Coordinator manages at most one in-flight exchange. It is safe for
// concurrent use; SendMessage while streaming is rejected, not queued.
type Coordinator struct {
	opts      Options
	callbacks Callbacks
	http      *http.Client
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	session   bool
	online    bool
	cancelled bool
	cancel    context.CancelFunc
}

func NewCoordinator(opts Options, callbacks Callbacks, logger *slog.Logger) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &Coordinator{
		opts:      opts,
		callbacks: callbacks,
		http:      &http.Client{},
		logger:    logger.With("component", "client"),
	}
}

// Connect establishes a session by probing the server. It must succeed
// before the first SendMessage.
func (c *Coordinator) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"/status", nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		c.SetOnline(false)
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("connect: server returned %d", resp.StatusCode)
	}

	c.mu.Lock()
	c.session = true
	c.online = true
	c.mu.Unlock()
	return nil
}

// SetOnline lets the host flip connectivity, e.g. from an OS reachability
// notification. Offline submissions are rejected before any network call.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
}

// UseConversation switches subsequent exchanges to the given conversation.
// Empty starts a fresh conversation on the next send.
func (c *Coordinator) UseConversation(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ConversationID = id
}

// State returns a snapshot of the current stream state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendMessage submits text for the current conversation. Results arrive
// through the callbacks; the returned error covers only precondition
// failures, each surfaced before any network activity.
func (c *Coordinator) SendMessage(text string) error {
	return c.send(text, "")
}

// SendMessageWithImage additionally attaches a base64-encoded JPEG, as
// produced by PrepareImage.
func (c *Coordinator) SendMessageWithImage(text, imageBase64 string) error {
	return c.send(text, imageBase64)
}

func (c *Coordinator) send(text, image string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	switch {
	case !c.session:
		c.mu.Unlock()
		return ErrNoSession
	case !c.online:
		c.mu.Unlock()
		return ErrOffline
	case c.state.Streaming:
		c.mu.Unlock()
		return ErrStreamInFlight
	}
	c.state.Streaming = true
	c.state.Accumulated = ""
	c.state.MessageID = ""
	c.cancelled = false
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	c.cancel = cancel
	convID := c.state.ConversationID
	c.mu.Unlock()

	go c.run(ctx, cancel, transport.ChatRequest{
		ConversationID: convID,
		Message:        text,
		Image:          image,
	})
	return nil
}

// Cancel stops the active exchange, if any. It is idempotent and safe to
// call when nothing is streaming.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancelled = true
		c.cancel()
		c.cancel = nil
	}
	c.state.Streaming = false
}

func (c *Coordinator) run(ctx context.Context, cancel context.CancelFunc, wire transport.ChatRequest) {
	defer cancel()

	err := c.exchange(ctx, wire)
	if err == nil {
		return
	}

	c.mu.Lock()
	wasCancelled := c.cancelled
	stillStreaming := c.state.Streaming
	c.state.Streaming = false
	c.cancel = nil
	c.mu.Unlock()

	if wasCancelled || !stillStreaming {
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrTimeout
	}
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(err)
	}
}

func (c *Coordinator) exchange(ctx context.Context, wire transport.ChatRequest) error {
	body, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	return transport.ReadSSE(resp.Body, c.handleEvent)
}

func (c *Coordinator) handleEvent(ev domain.StreamEvent) error {
	// Cancel freezes the state; events still buffered on the wire after
	// that must not mutate it or reach the callbacks.
	c.mu.Lock()
	if c.cancelled || !c.state.Streaming {
		c.mu.Unlock()
		return errCancelled
	}
	c.mu.Unlock()

	switch ev.Type {
	case domain.EventUserMessageAck:
		c.mu.Lock()
		if ev.ConversationID != "" {
			c.state.ConversationID = ev.ConversationID
		}
		c.mu.Unlock()
		if c.callbacks.OnAck != nil {
			c.callbacks.OnAck(ev.ID)
		}

	case domain.EventAssistantStart:
		c.mu.Lock()
		c.state.MessageID = ev.ID
		c.state.Accumulated = ""
		c.mu.Unlock()

	case domain.EventChunk:
		c.mu.Lock()
		c.state.Accumulated += ev.Content
		accumulated := c.state.Accumulated
		c.mu.Unlock()
		if c.callbacks.OnChunk != nil {
			c.callbacks.OnChunk(ev.Content, accumulated)
		}

	case domain.EventDone:
		c.mu.Lock()
		if ev.FullContent != c.state.Accumulated {
			c.logger.Warn("accumulated text disagrees with server, using server value",
				"accumulated_len", len(c.state.Accumulated), "server_len", len(ev.FullContent))
			c.state.Accumulated = ev.FullContent
		}
		msg := domain.Message{
			ID:             c.state.MessageID,
			ConversationID: c.state.ConversationID,
			Role:           domain.RoleAssistant,
			Content:        c.state.Accumulated,
			CreatedAt:      time.Now(),
		}
		c.state.Streaming = false
		c.cancel = nil
		c.mu.Unlock()
		if c.callbacks.OnComplete != nil {
			c.callbacks.OnComplete(msg)
		}

	case domain.EventError:
		c.mu.Lock()
		c.state.Streaming = false
		c.cancel = nil
		c.mu.Unlock()
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(errors.New(ev.Message))
		}
	}
	return nil
}

func (c *Coordinator) setAuth(req *http.Request) {
	if c.opts.Username != "" {
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	}
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("server rejected request (%d): %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
