// Package transport carries stream events between server and client over
// SSE or WebSocket. Both carriers frame the same JSON event payloads.
package transport

// ChatRequest is the wire form of a chat submission. Image is base64-encoded
// JPEG when present.
type ChatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	Image          string `json:"image,omitempty"`
	Model          string `json:"model,omitempty"`
}
