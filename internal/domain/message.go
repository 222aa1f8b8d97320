package domain

import "time"

// MessageKind selects the delivery mode for SendMessage.
type MessageKind string

const (
	MessageDirect    MessageKind = "direct"
	MessageBroadcast MessageKind = "broadcast"
	MessageRequest   MessageKind = "request"
)

// MessageOptions configures delivery. The zero value means direct delivery.
type MessageOptions struct {
	Kind MessageKind `json:"kind,omitempty"`

	// RequestTimeout bounds the wait for a correlated response in request
	// mode. Zero uses the router default.
	RequestTimeout time.Duration `json:"request_timeout,omitempty"`
}

// Message is an ephemeral inter-instance message. It is not persisted beyond
// delivery.
type Message struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Payload   any            `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Options   MessageOptions `json:"options,omitzero"`
}

// MessageResponse correlates a reply with an outstanding request message.
// Responders publish it on the bus as an EventMessageResponse payload;
// matching is purely RequestID == request message ID.
type MessageResponse struct {
	RequestID string `json:"request_id"`
	From      string `json:"from"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DeliveryResult reports per-recipient broadcast outcomes.
type DeliveryResult struct {
	AgentID string `json:"agent_id"`
	Handled bool   `json:"handled"`
	Error   string `json:"error,omitempty"`
}
