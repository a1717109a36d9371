package domain

import "time"

// Roles for persisted messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one persisted unit of conversation. Content is only mutated
// client-side while a stream is in flight; once a terminal event has been
// observed the record is immutable.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // user | assistant
	Content        string    `json:"content"`
	HasImage       bool      `json:"has_image"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation groups messages and carries display metadata. The stream
// session manager maintains Title (derived from the first prompt) and
// LastMessage (the most recent assistant reply).
type Conversation struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	LastMessage string    `json:"last_message"`
	Provider    string    `json:"provider,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
