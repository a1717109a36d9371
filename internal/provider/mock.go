package provider

import (
	"context"
	"fmt"

	"chatty/internal/domain"
)

// Mock returns canned responses without network access. Used for tests and
// for running the server with no model backend configured.
type Mock struct {
	// Reply overrides the default echo response when set.
	Reply func(req domain.GenerateRequest) (string, error)

	// Err, when set, is returned from Stream before any chunk is emitted.
	Err error

	calls int
}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Stream(ctx context.Context, req domain.GenerateRequest, consumer func(domain.Chunk) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Err != nil {
		return m.Err
	}
	m.calls++

	text := fmt.Sprintf("You said: %s", req.Prompt)
	if m.Reply != nil {
		var err error
		text, err = m.Reply(req)
		if err != nil {
			return err
		}
	}
	return consumer(domain.Chunk{Content: text, Final: true})
}

func (m *Mock) Healthy(ctx context.Context) error { return m.Err }

// Calls reports how many completed Stream invocations the mock has served.
func (m *Mock) Calls() int { return m.calls }
