// Package instance owns the live-instance set: deployment under the global
// concurrency cap, termination, task dispatch, and the targeted state
// mutations the health supervisor drives recovery through.
package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"agentcore/internal/domain"
	"agentcore/internal/usecase/registry"
)

// ManagerConfig holds configuration for the instance manager.
type ManagerConfig struct {
	// MaxConcurrentAgents is the hard ceiling on non-terminated instances.
	MaxConcurrentAgents int

	// BreakerEnabled wraps each instance's Execute hook in a circuit
	// breaker. Off by default: when open, dispatch fails fast without
	// invoking the hook.
	BreakerEnabled     bool
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
}

// liveAgent pairs a live instance with the runtime state that never appears
// in snapshots: its implementation binding, merged config, and breaker.
type liveAgent struct {
	inst    *domain.AgentInstance
	impl    domain.Implementation
	cfg     domain.AgentConfig
	breaker *gobreaker.CircuitBreaker[any]
}

// Manager creates, tracks, and terminates live agent instances.
//
// The live map is guarded by a single mutex; every status transition happens
// under it, which is what makes the capacity ceiling and the task mutual
// exclusion checks atomic. Hooks are always invoked outside the lock, on
// value snapshots of the instance.
type Manager struct {
	mu       sync.Mutex
	live     map[string]*liveAgent
	reserved int // deploys past the capacity check but not yet in the live set

	registry *registry.Registry
	cfg      ManagerConfig
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewManager creates an instance manager. bus may be nil in tests.
func NewManager(reg *registry.Registry, cfg ManagerConfig, bus domain.EventBus, logger *slog.Logger) *Manager {
	if cfg.MaxConcurrentAgents <= 0 {
		cfg.MaxConcurrentAgents = 50
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	return &Manager{
		live:     make(map[string]*liveAgent),
		registry: reg,
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
	}
}

// Deploy creates a live instance from a registered definition.
//
// The capacity check counts live instances plus in-flight deployments, so
// concurrent deploys cannot overshoot the ceiling while an Initialize hook is
// still running. A failed Initialize discards the instance; it never enters
// the live set.
func (m *Manager) Deploy(ctx context.Context, definitionID string, taskContext map[string]any) (domain.AgentInstance, error) {
	def, err := m.registry.Get(definitionID)
	if err != nil {
		return domain.AgentInstance{}, domain.WrapOp("Manager.Deploy", err)
	}

	m.mu.Lock()
	if len(m.live)+m.reserved >= m.cfg.MaxConcurrentAgents {
		count := len(m.live)
		m.mu.Unlock()
		return domain.AgentInstance{}, domain.NewSubSystemError("instance", "Manager.Deploy", domain.ErrLimitReached,
			fmt.Sprintf("%d/%d agents", count, m.cfg.MaxConcurrentAgents))
	}
	m.reserved++
	m.mu.Unlock()

	now := time.Now()
	inst := &domain.AgentInstance{
		ID:           domain.NewInstanceID(def.ID, now),
		DefinitionID: def.ID,
		Type:         def.Type,
		Module:       def.Module,
		Status:       domain.InstanceInitializing,
		DeployedAt:   now,
		TaskContext:  taskContext,
		Capabilities: append([]string(nil), def.Capabilities...),
		Performance:  domain.Performance{StartTime: now},
		Health:       domain.HealthState{LastHeartbeat: now, IsHealthy: true},
	}

	if err := runInitialize(ctx, def.Implementation, *inst, taskContext); err != nil {
		m.mu.Lock()
		m.reserved--
		m.mu.Unlock()
		m.logger.Warn("agent initialization failed", "definition_id", def.ID, "type", def.Type, "error", err)
		return domain.AgentInstance{}, domain.NewDomainError("Manager.Deploy", domain.ErrDeployFailed, err.Error())
	}

	la := &liveAgent{inst: inst, impl: def.Implementation, cfg: def.Config}
	if m.cfg.BreakerEnabled {
		la.breaker = m.newBreaker(inst.ID)
	}

	m.mu.Lock()
	inst.Status = domain.InstanceActive
	m.live[inst.ID] = la
	m.reserved--
	snapshot := *inst
	m.mu.Unlock()

	m.publish(ctx, domain.EventAgentDeployed, inst.ID, map[string]string{
		"instance_id":   inst.ID,
		"definition_id": def.ID,
		"type":          def.Type,
		"module":        def.Module,
	})
	m.logger.Info("agent deployed", "instance_id", inst.ID, "type", def.Type)
	return snapshot, nil
}

// DeployForType deploys a fresh instance of the first definition matching the
// given type.
func (m *Manager) DeployForType(ctx context.Context, agentType string, taskContext map[string]any) (domain.AgentInstance, error) {
	def, err := m.registry.FindByType(agentType)
	if err != nil {
		return domain.AgentInstance{}, domain.WrapOp("Manager.DeployForType", err)
	}
	return m.Deploy(ctx, def.ID, taskContext)
}

// Terminate stops a live instance. Termination is not idempotent by design:
// a second Terminate for the same ID reports ErrNotFound because terminated
// IDs leave the live set permanently and are never reused.
func (m *Manager) Terminate(ctx context.Context, instanceID, reason string) error {
	m.mu.Lock()
	la, ok := m.live[instanceID]
	if !ok {
		m.mu.Unlock()
		return domain.NewSubSystemError("instance", "Manager.Terminate", domain.ErrNotFound, instanceID)
	}
	la.inst.Status = domain.InstanceTerminated
	delete(m.live, instanceID)
	snapshot := *la.inst
	m.mu.Unlock()

	if err := runCleanup(ctx, la.impl, snapshot); err != nil {
		m.logger.Warn("agent cleanup failed", "instance_id", instanceID, "error", err)
	}

	m.publish(ctx, domain.EventAgentTerminated, instanceID, map[string]string{
		"instance_id": instanceID,
		"reason":      reason,
	})
	m.logger.Info("agent terminated", "instance_id", instanceID, "reason", reason)
	return nil
}

// TerminateAll terminates every live instance with the given reason.
func (m *Manager) TerminateAll(ctx context.Context, reason string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Terminate(ctx, id, reason); err != nil {
			m.logger.Warn("terminate failed during sweep", "instance_id", id, "error", err)
		}
	}
}

// Get returns a snapshot of a live instance.
func (m *Manager) Get(instanceID string) (domain.AgentInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	la, ok := m.live[instanceID]
	if !ok {
		return domain.AgentInstance{}, domain.NewSubSystemError("instance", "Manager.Get", domain.ErrNotFound, instanceID)
	}
	return *la.inst, nil
}

// List returns snapshots of all live instances sorted by ID.
func (m *Manager) List() []domain.AgentInstance {
	m.mu.Lock()
	snapshots := make([]domain.AgentInstance, 0, len(m.live))
	for _, la := range m.live {
		snapshots = append(snapshots, *la.inst)
	}
	m.mu.Unlock()

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ID < snapshots[j].ID })
	return snapshots
}

// FindActiveByType returns an active (idle) instance of the given type, if
// one exists. Used by the workflow orchestrator to prefer reuse over deploy.
func (m *Manager) FindActiveByType(agentType string) (domain.AgentInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, la := range m.live {
		if la.inst.Type == agentType && la.inst.Status == domain.InstanceActive {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return domain.AgentInstance{}, false
	}
	sort.Strings(ids) // deterministic pick
	return *m.live[ids[0]].inst, true
}

// LiveCount returns the number of non-terminated instances.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Hooks returns the implementation binding and merged config for a live
// instance. The health supervisor uses it to invoke probe hooks.
func (m *Manager) Hooks(instanceID string) (domain.Implementation, domain.AgentConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	la, ok := m.live[instanceID]
	if !ok {
		return nil, domain.AgentConfig{}, domain.NewSubSystemError("instance", "Manager.Hooks", domain.ErrNotFound, instanceID)
	}
	return la.impl, la.cfg, nil
}

// --- supervisor-facing mutators ---

// RecordProbe records a health probe outcome and returns the updated
// consecutive-failure count. A healthy probe refreshes the heartbeat and
// zeroes the counter.
func (m *Manager) RecordProbe(instanceID string, healthy bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	la, ok := m.live[instanceID]
	if !ok {
		return 0, domain.NewSubSystemError("instance", "Manager.RecordProbe", domain.ErrNotFound, instanceID)
	}
	la.inst.Health.IsHealthy = healthy
	if healthy {
		la.inst.Health.LastHeartbeat = time.Now()
		la.inst.Health.ConsecutiveFailures = 0
	} else {
		la.inst.Health.ConsecutiveFailures++
	}
	return la.inst.Health.ConsecutiveFailures, nil
}

// MarkRecovered transitions an errored instance back to active and resets
// its failure counter.
func (m *Manager) MarkRecovered(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	la, ok := m.live[instanceID]
	if !ok {
		m.mu.Unlock()
		return domain.NewSubSystemError("instance", "Manager.MarkRecovered", domain.ErrNotFound, instanceID)
	}
	la.inst.Status = domain.InstanceActive
	la.inst.Health.IsHealthy = true
	la.inst.Health.ConsecutiveFailures = 0
	la.inst.Health.LastHeartbeat = time.Now()
	m.mu.Unlock()

	m.publish(ctx, domain.EventInstanceRecovered, instanceID, map[string]string{"instance_id": instanceID})
	m.logger.Info("agent recovered", "instance_id", instanceID)
	return nil
}

// MarkError forces an instance into the error state. Used by the supervisor
// when a probe exposes a failure outside the task path.
func (m *Manager) MarkError(instanceID, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	la, ok := m.live[instanceID]
	if !ok {
		return domain.NewSubSystemError("instance", "Manager.MarkError", domain.ErrNotFound, instanceID)
	}
	la.inst.Status = domain.InstanceError
	la.inst.LastError = detail
	return nil
}

// runInitialize invokes the optional Initialize hook. A panicking hook is
// caught here so the caller can release its capacity reservation and report
// a deployment failure instead of crashing.
func runInitialize(ctx context.Context, impl domain.Implementation, inst domain.AgentInstance, taskContext map[string]any) (err error) {
	init, ok := impl.(domain.Initializer)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initialize hook panicked: %v", r)
		}
	}()
	return init.Initialize(ctx, inst, taskContext)
}

// runCleanup invokes the optional Cleanup hook. Terminate runs from the
// maintenance cron as well as the public API, so a panicking hook must not
// escape.
func runCleanup(ctx context.Context, impl domain.Implementation, inst domain.AgentInstance) (err error) {
	cleaner, ok := impl.(domain.Cleaner)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup hook panicked: %v", r)
		}
	}()
	return cleaner.Cleanup(ctx, inst)
}

func (m *Manager) newBreaker(instanceID string) *gobreaker.CircuitBreaker[any] {
	maxFailures := m.cfg.BreakerMaxFailures
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "agent:" + instanceID,
		MaxRequests: 1, // allow 1 probe in half-open state
		Timeout:     m.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

func (m *Manager) publish(ctx context.Context, eventType domain.EventType, agentID string, detail map[string]string) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		m.logger.Error("failed to marshal event payload", "event", string(eventType), "error", err)
		return
	}
	m.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		AgentID:   agentID,
		Payload:   payload,
	})
}
