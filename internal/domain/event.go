package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Agent lifecycle events.
	EventSystemReady       EventType = "agents.system_ready"
	EventAgentRegistered   EventType = "agents.registered"
	EventAgentUnregistered EventType = "agents.unregistered"
	EventAgentDeployed     EventType = "agents.deployed"
	EventAgentTerminated   EventType = "agents.terminated"
	EventAgentNeeded       EventType = "agents.needs_agent"

	// Task events.
	EventTaskCompleted EventType = "agents.task_completed"
	EventTaskError     EventType = "agents.task_error"

	// Messaging events.
	EventMessageDelivered EventType = "agents.message_delivered"
	EventMessageResponse  EventType = "agents.message_response"

	// Workflow events.
	EventWorkflowCreated       EventType = "workflows.created"
	EventWorkflowStepCompleted EventType = "workflows.step_completed"
	EventWorkflowCompleted     EventType = "workflows.completed"
	EventWorkflowFailed        EventType = "workflows.failed"

	// Health supervision events.
	EventInstanceUnhealthy EventType = "agents.instance_unhealthy"
	EventInstanceRecovered EventType = "agents.instance_recovered"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for coordination events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
