// Package registry stores agent definitions: the reusable capability
// descriptions instances are deployed from.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"agentcore/internal/domain"
)

// Registry holds registered agent definitions and provides lookup by ID and
// by type. Definitions are immutable after registration, so reads return
// copies and never expose internal state.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*domain.AgentDefinition
	ordered  []string // registration order, drives FindByType's first-match rule
	defaults domain.AgentConfig
	bus      domain.EventBus
	logger   *slog.Logger
}

// New creates a Registry. bus may be nil in tests.
func New(defaults domain.AgentConfig, bus domain.EventBus, logger *slog.Logger) *Registry {
	return &Registry{
		byID:     make(map[string]*domain.AgentDefinition),
		defaults: defaults,
		bus:      bus,
		logger:   logger,
	}
}

// Register validates and stores a definition, returning its generated ID.
// Type, Name, and Implementation are required. The definition's config is
// merged with the system defaults: zero fields inherit the default value.
func (r *Registry) Register(ctx context.Context, def domain.AgentDefinition) (string, error) {
	if def.Type == "" {
		return "", domain.NewSubSystemError("registry", "Registry.Register", domain.ErrInvalidInput, "type is required")
	}
	if def.Name == "" {
		return "", domain.NewSubSystemError("registry", "Registry.Register", domain.ErrInvalidInput, "name is required")
	}
	if def.Implementation == nil {
		return "", domain.NewSubSystemError("registry", "Registry.Register", domain.ErrInvalidInput, "implementation is required")
	}

	now := time.Now()
	def.ID = domain.NewID(now)
	def.Status = domain.DefinitionRegistered
	def.CreatedAt = now
	def.Config = mergeConfig(r.defaults, def.Config)

	r.mu.Lock()
	r.byID[def.ID] = &def
	r.ordered = append(r.ordered, def.ID)
	r.mu.Unlock()

	r.publish(ctx, domain.EventAgentRegistered, map[string]string{
		"definition_id": def.ID,
		"type":          def.Type,
		"name":          def.Name,
		"module":        def.Module,
	})
	r.logger.Info("agent registered", "definition_id", def.ID, "type", def.Type, "name", def.Name)
	return def.ID, nil
}

// Unregister removes a definition. Live instances deployed from it are not
// affected; they keep their copied capabilities and config.
func (r *Registry) Unregister(ctx context.Context, definitionID string) error {
	r.mu.Lock()
	if _, ok := r.byID[definitionID]; !ok {
		r.mu.Unlock()
		return domain.NewSubSystemError("registry", "Registry.Unregister", domain.ErrNotFound, definitionID)
	}
	delete(r.byID, definitionID)
	for i, id := range r.ordered {
		if id == definitionID {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.publish(ctx, domain.EventAgentUnregistered, map[string]string{"definition_id": definitionID})
	r.logger.Info("agent unregistered", "definition_id", definitionID)
	return nil
}

// Get returns the definition with the given ID.
func (r *Registry) Get(definitionID string) (domain.AgentDefinition, error) {
	r.mu.RLock()
	def, ok := r.byID[definitionID]
	r.mu.RUnlock()

	if !ok {
		return domain.AgentDefinition{}, domain.NewSubSystemError("registry", "Registry.Get", domain.ErrNotFound, definitionID)
	}
	return *def, nil
}

// FindByType returns the first registered definition matching the given type,
// in registration order.
func (r *Registry) FindByType(agentType string) (domain.AgentDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.ordered {
		if def := r.byID[id]; def != nil && def.Type == agentType {
			return *def, nil
		}
	}
	return domain.AgentDefinition{}, domain.NewSubSystemError("registry", "Registry.FindByType", domain.ErrNotFound, agentType)
}

// List returns all definitions sorted by ID.
func (r *Registry) List() []domain.AgentDefinition {
	r.mu.RLock()
	defs := make([]domain.AgentDefinition, 0, len(r.byID))
	for _, def := range r.byID {
		defs = append(defs, *def)
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Count returns the number of registered definitions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) publish(ctx context.Context, eventType domain.EventType, detail map[string]string) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		r.logger.Error("failed to marshal event payload", "event", string(eventType), "error", err)
		return
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func mergeConfig(defaults, override domain.AgentConfig) domain.AgentConfig {
	merged := defaults
	if override.HeartbeatInterval > 0 {
		merged.HeartbeatInterval = override.HeartbeatInterval
	}
	if override.TaskTimeout > 0 {
		merged.TaskTimeout = override.TaskTimeout
	}
	if override.MaxRetries > 0 {
		merged.MaxRetries = override.MaxRetries
	}
	return merged
}
