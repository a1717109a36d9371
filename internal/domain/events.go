package domain

// StreamEventType classifies a lifecycle event on the transport channel.
type StreamEventType string

const (
	EventUserMessageAck StreamEventType = "user-message-ack"
	EventAssistantStart StreamEventType = "assistant-start"
	EventChunk          StreamEventType = "chunk"
	EventDone           StreamEventType = "done"
	EventError          StreamEventType = "error"
)

// StreamEvent is the discriminated record carried over the transport
// channel. Per exchange: exactly one assistant-start precedes any chunk,
// chunks precede exactly one terminal event (done or error), and nothing
// follows a terminal event.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// ID carries the persisted message id for user-message-ack and
	// assistant-start.
	ID string `json:"id,omitempty"`

	// ConversationID is set on user-message-ack so callers that opened a
	// new conversation learn its id.
	ConversationID string `json:"conversation_id,omitempty"`

	// Content is the incremental fragment for chunk events.
	Content string `json:"content,omitempty"`

	// FullContent is the server-accumulated assistant text, set on done.
	// Clients treat it as source of truth when it disagrees with their
	// own accumulation.
	FullContent string `json:"full_content,omitempty"`

	// Message is the human-readable failure reason for error events.
	Message string `json:"message,omitempty"`
}

// Terminal reports whether the event ends its exchange's sequence.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
