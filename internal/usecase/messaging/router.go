// Package messaging routes point-to-point, broadcast, and request/response
// messages between live agent instances.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"agentcore/internal/domain"
	"agentcore/internal/usecase/instance"
)

// Router delivers messages between instances. Delivery is fire-and-forget
// with respect to ordering across message IDs; the only guarantee is that a
// message's handler runs before its delivered/response event fires.
type Router struct {
	manager        *instance.Manager
	bus            domain.EventBus
	logger         *slog.Logger
	requestTimeout time.Duration
}

// SendResult reports the outcome of one SendMessage call. Delivered is
// populated in broadcast mode, Response in request mode.
type SendResult struct {
	Message   domain.Message
	Delivered []domain.DeliveryResult
	Response  *domain.MessageResponse
}

// NewRouter creates a Router. requestTimeout bounds request/response waits;
// zero means 10 seconds.
func NewRouter(manager *instance.Manager, bus domain.EventBus, requestTimeout time.Duration, logger *slog.Logger) *Router {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &Router{
		manager:        manager,
		bus:            bus,
		logger:         logger,
		requestTimeout: requestTimeout,
	}
}

// Send delivers a message from one live instance to another. Both endpoints
// must be live. The delivery mode comes from opts.Kind; the zero value is
// direct delivery.
func (r *Router) Send(ctx context.Context, fromID, toID string, payload any, opts domain.MessageOptions) (SendResult, error) {
	if _, err := r.manager.Get(fromID); err != nil {
		return SendResult{}, domain.WrapOp("Router.Send", err)
	}
	target, err := r.manager.Get(toID)
	if err != nil {
		return SendResult{}, domain.WrapOp("Router.Send", err)
	}

	msg := domain.Message{
		ID:        domain.NewID(time.Now()),
		From:      fromID,
		To:        toID,
		Payload:   payload,
		Timestamp: time.Now(),
		Options:   opts,
	}

	switch opts.Kind {
	case domain.MessageBroadcast:
		return r.broadcast(ctx, msg, target.Module)
	case domain.MessageRequest:
		return r.request(ctx, msg)
	default:
		return r.direct(ctx, msg)
	}
}

// Respond publishes a correlated reply for an outstanding request message.
// Handlers of request-mode messages call this with the message ID they
// received.
func (r *Router) Respond(ctx context.Context, requestID, fromID string, result any, errDetail string) error {
	resp := domain.MessageResponse{
		RequestID: requestID,
		From:      fromID,
		Result:    result,
		Error:     errDetail,
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("Router.Respond: marshal response: %w", err)
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      domain.EventMessageResponse,
		Timestamp: time.Now(),
		AgentID:   fromID,
		Payload:   payload,
	})
	return nil
}

func (r *Router) direct(ctx context.Context, msg domain.Message) (SendResult, error) {
	if err := r.deliver(ctx, msg, msg.To); err != nil {
		return SendResult{}, err
	}
	r.publishDelivered(ctx, msg, 1)
	return SendResult{Message: msg}, nil
}

// broadcast delivers to every live instance sharing the target's module,
// except the sender. Per-recipient failures are captured, not propagated.
func (r *Router) broadcast(ctx context.Context, msg domain.Message, module string) (SendResult, error) {
	var recipients []string
	for _, inst := range r.manager.List() {
		if inst.Module == module && inst.ID != msg.From {
			recipients = append(recipients, inst.ID)
		}
	}
	sort.Strings(recipients)

	results := make([]domain.DeliveryResult, 0, len(recipients))
	delivered := 0
	for _, id := range recipients {
		res := domain.DeliveryResult{AgentID: id}
		if err := r.deliver(ctx, msg, id); err != nil {
			res.Error = err.Error()
		} else {
			res.Handled = true
			delivered++
		}
		results = append(results, res)
	}

	r.publishDelivered(ctx, msg, delivered)
	r.logger.Debug("broadcast delivered", "message_id", msg.ID, "module", module, "delivered", delivered)
	return SendResult{Message: msg, Delivered: results}, nil
}

// request delivers the message, then waits for a response event whose
// RequestID matches the message ID. The subscription is registered before
// delivery so a synchronous responder cannot race the wait.
func (r *Router) request(ctx context.Context, msg domain.Message) (SendResult, error) {
	timeout := msg.Options.RequestTimeout
	if timeout <= 0 {
		timeout = r.requestTimeout
	}

	responseCh := make(chan domain.MessageResponse, 1)
	unsubscribe := r.bus.Subscribe(domain.EventMessageResponse, func(_ context.Context, event domain.Event) {
		var resp domain.MessageResponse
		if err := json.Unmarshal(event.Payload, &resp); err != nil {
			r.logger.Warn("malformed message response", "error", err)
			return
		}
		if resp.RequestID != msg.ID {
			return
		}
		select {
		case responseCh <- resp:
		default:
		}
	})
	defer unsubscribe()

	if err := r.deliver(ctx, msg, msg.To); err != nil {
		return SendResult{}, err
	}
	r.publishDelivered(ctx, msg, 1)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-responseCh:
		return SendResult{Message: msg, Response: &resp}, nil
	case <-timer.C:
		return SendResult{}, domain.NewSubSystemError("messaging", "Router.Send", domain.ErrTimeout,
			fmt.Sprintf("no response to %s within %s", msg.ID, timeout))
	case <-ctx.Done():
		return SendResult{}, domain.WrapOp("Router.Send", ctx.Err())
	}
}

// deliver invokes the recipient's HandleMessage hook on a snapshot of the
// recipient. Instances without the hook silently drop the message.
func (r *Router) deliver(ctx context.Context, msg domain.Message, toID string) error {
	snapshot, err := r.manager.Get(toID)
	if err != nil {
		return domain.WrapOp("Router.deliver", err)
	}
	impl, _, err := r.manager.Hooks(toID)
	if err != nil {
		return domain.WrapOp("Router.deliver", err)
	}

	handler, ok := impl.(domain.MessageHandler)
	if !ok {
		return nil
	}
	if err := handler.HandleMessage(ctx, msg, snapshot); err != nil {
		return domain.NewDomainError("Router.deliver", domain.ErrExecuteFailed, err.Error())
	}
	return nil
}

func (r *Router) publishDelivered(ctx context.Context, msg domain.Message, count int) {
	payload, err := json.Marshal(map[string]any{
		"message_id": msg.ID,
		"from":       msg.From,
		"to":         msg.To,
		"kind":       string(msg.Options.Kind),
		"delivered":  count,
	})
	if err != nil {
		r.logger.Error("failed to marshal event payload", "event", string(domain.EventMessageDelivered), "error", err)
		return
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      domain.EventMessageDelivered,
		Timestamp: time.Now(),
		AgentID:   msg.From,
		Payload:   payload,
	})
}
