// Package health runs the per-instance probe loops and the coarse
// maintenance cycle: failure counting, recovery, forced restarts, snapshot
// bookkeeping, and idle reaping.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"agentcore/internal/domain"
	"agentcore/internal/usecase/instance"
)

// SupervisorConfig tunes probing and maintenance.
type SupervisorConfig struct {
	// HeartbeatInterval is the probe period for instances whose definition
	// does not override it.
	HeartbeatInterval time.Duration

	// FailureThreshold is the consecutive-failure count that triggers
	// recovery.
	FailureThreshold int

	// IdleThreshold fails the built-in health check when an instance has
	// completed no task for this long after deployment.
	IdleThreshold time.Duration

	// IdleTimeout is the heartbeat age past which the maintenance cycle
	// terminates a nominally active instance.
	IdleTimeout time.Duration

	// MaintenanceEvery is the coarse background cycle period.
	MaintenanceEvery time.Duration

	// RestartsPerMinute caps forced restarts across all instances.
	RestartsPerMinute int
}

func (c *SupervisorConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 15 * time.Second
	}
	if c.MaintenanceEvery <= 0 {
		c.MaintenanceEvery = 30 * time.Second
	}
	if c.RestartsPerMinute <= 0 {
		c.RestartsPerMinute = 10
	}
}

// Supervisor probes every live instance on its heartbeat interval and drives
// recovery when probes keep failing. Probe loops start and stop off deploy
// and terminate events, so any component that deploys an instance gets
// supervision for free.
type Supervisor struct {
	manager *instance.Manager
	monitor *Monitor
	bus     domain.EventBus
	cfg     SupervisorConfig
	logger  *slog.Logger

	restarts *rate.Limiter
	cron     *cron.Cron

	mu      sync.Mutex
	loops   map[string]context.CancelFunc
	unsubs  []func()
	started bool
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(mgr *instance.Manager, monitor *Monitor, bus domain.EventBus, cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		manager:  mgr,
		monitor:  monitor,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
		restarts: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RestartsPerMinute)), cfg.RestartsPerMinute),
		loops:    make(map[string]context.CancelFunc),
	}
}

// Start subscribes to lifecycle events and begins the maintenance cycle.
// ctx bounds every probe loop: cancelling it stops supervision.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.unsubs = append(s.unsubs,
		s.bus.Subscribe(domain.EventAgentDeployed, func(_ context.Context, event domain.Event) {
			s.startLoop(ctx, event.AgentID)
		}),
		s.bus.Subscribe(domain.EventAgentTerminated, func(_ context.Context, event domain.Event) {
			s.stopLoop(event.AgentID)
			s.monitor.Evict(event.AgentID)
		}),
		s.bus.Subscribe(domain.EventTaskError, func(_ context.Context, event domain.Event) {
			s.monitor.RecordError(domain.MonitoringError{
				AgentID:   event.AgentID,
				Source:    "task",
				Message:   string(event.Payload),
				Timestamp: event.Timestamp,
			})
		}),
	)

	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.MaintenanceEvery)
	if _, err := s.cron.AddFunc(spec, func() { s.maintain(ctx) }); err != nil {
		return fmt.Errorf("supervisor: schedule maintenance: %w", err)
	}
	s.cron.Start()

	s.logger.Info("health supervisor started",
		"heartbeat_interval", s.cfg.HeartbeatInterval,
		"failure_threshold", s.cfg.FailureThreshold)
	return nil
}

// Stop halts the maintenance cycle and all probe loops.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancels := make([]context.CancelFunc, 0, len(s.loops))
	for id, cancel := range s.loops {
		cancels = append(cancels, cancel)
		delete(s.loops, id)
	}
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	for _, cancel := range cancels {
		cancel()
	}
	for _, unsub := range unsubs {
		unsub()
	}
	s.logger.Info("health supervisor stopped")
}

// startLoop begins the periodic probe for one instance. Idempotent per ID.
func (s *Supervisor) startLoop(ctx context.Context, instanceID string) {
	if instanceID == "" {
		return
	}

	interval := s.cfg.HeartbeatInterval
	if _, cfg, err := s.manager.Hooks(instanceID); err == nil && cfg.HeartbeatInterval > 0 {
		interval = cfg.HeartbeatInterval
	}

	loopCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		cancel()
		return
	}
	if _, exists := s.loops[instanceID]; exists {
		s.mu.Unlock()
		cancel()
		return
	}
	s.loops[instanceID] = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.probe(loopCtx, instanceID)
			}
		}
	}()
	s.logger.Debug("probe loop started", "instance_id", instanceID, "interval", interval)
}

func (s *Supervisor) stopLoop(instanceID string) {
	s.mu.Lock()
	cancel, ok := s.loops[instanceID]
	if ok {
		delete(s.loops, instanceID)
	}
	s.mu.Unlock()

	if ok {
		cancel()
		s.logger.Debug("probe loop stopped", "instance_id", instanceID)
	}
}

// probe runs one health-check cycle for one instance. Probe panics and
// errors are logged into the monitoring error log and never kill the loop.
func (s *Supervisor) probe(ctx context.Context, instanceID string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("health probe panicked", "instance_id", instanceID, "panic", r)
			s.monitor.RecordError(domain.MonitoringError{
				AgentID: instanceID,
				Source:  "probe",
				Message: fmt.Sprintf("probe panicked: %v", r),
			})
		}
	}()

	inst, err := s.manager.Get(instanceID)
	if err != nil {
		s.stopLoop(instanceID) // terminated between ticks
		return
	}

	healthy := s.checkHealth(ctx, inst)
	failures, err := s.manager.RecordProbe(instanceID, healthy)
	if err != nil {
		return
	}

	if healthy {
		s.monitor.RecordSnapshot(buildSnapshot(inst))
		return
	}

	s.publishUnhealthy(ctx, instanceID, failures)
	s.logger.Warn("instance unhealthy", "instance_id", instanceID, "consecutive_failures", failures)

	if failures >= s.cfg.FailureThreshold {
		s.recover(ctx, instanceID)
	}
}

// checkHealth applies the built-in checks, then defers to the
// implementation's HealthCheck hook when present. An instance in error fails
// fast; an instance that has done nothing since deployment for longer than
// the idle threshold fails; otherwise absence of a hook means healthy.
func (s *Supervisor) checkHealth(ctx context.Context, inst domain.AgentInstance) bool {
	if inst.Status == domain.InstanceError {
		return false
	}
	if inst.Performance.TasksCompleted == 0 && time.Since(inst.Performance.StartTime) > s.cfg.IdleThreshold {
		return false
	}

	impl, _, err := s.manager.Hooks(inst.ID)
	if err != nil {
		return false
	}
	checker, ok := impl.(domain.HealthChecker)
	if !ok {
		return true
	}

	healthy, err := checker.HealthCheck(ctx, inst)
	if err != nil {
		s.monitor.RecordError(domain.MonitoringError{
			AgentID: inst.ID,
			Source:  "probe",
			Message: err.Error(),
		})
		return false
	}
	return healthy
}

// recover tries the implementation's Recover hook first. Anything short of a
// clean success falls back to a forced restart: terminate with reason
// "recovery", then redeploy the same definition with the same task context.
func (s *Supervisor) recover(ctx context.Context, instanceID string) {
	inst, err := s.manager.Get(instanceID)
	if err != nil {
		return
	}
	impl, _, err := s.manager.Hooks(instanceID)
	if err != nil {
		return
	}

	if err := s.manager.MarkError(instanceID, "health probe failure threshold reached"); err != nil {
		return
	}

	if recoverer, ok := impl.(domain.Recoverer); ok {
		recovered, err := recoverer.Recover(ctx, inst)
		if err != nil {
			s.monitor.RecordError(domain.MonitoringError{
				AgentID: instanceID,
				Source:  "recovery",
				Message: err.Error(),
			})
		}
		if recovered && err == nil {
			if err := s.manager.MarkRecovered(ctx, instanceID); err == nil {
				return
			}
		}
	}

	s.forceRestart(ctx, inst)
}

func (s *Supervisor) forceRestart(ctx context.Context, inst domain.AgentInstance) {
	if !s.restarts.Allow() {
		s.logger.Warn("forced restart suppressed by rate limit", "instance_id", inst.ID)
		s.monitor.RecordError(domain.MonitoringError{
			AgentID: inst.ID,
			Source:  "recovery",
			Message: "forced restart suppressed by rate limit",
		})
		return
	}

	if err := s.manager.Terminate(ctx, inst.ID, "recovery"); err != nil {
		s.logger.Warn("restart terminate failed", "instance_id", inst.ID, "error", err)
		return
	}

	replacement, err := s.manager.Deploy(ctx, inst.DefinitionID, inst.TaskContext)
	if err != nil {
		s.logger.Error("restart redeploy failed", "definition_id", inst.DefinitionID, "error", err)
		s.monitor.RecordError(domain.MonitoringError{
			AgentID: inst.ID,
			Source:  "recovery",
			Message: fmt.Sprintf("redeploy failed: %v", err),
		})
		return
	}
	s.logger.Info("instance restarted", "old_instance_id", inst.ID, "new_instance_id", replacement.ID)
}

// maintain is the coarse background cycle: system-health classification and
// error-log trimming, expired-snapshot sweeping, and idle reaping of
// instances whose heartbeat has gone stale while nominally active.
func (s *Supervisor) maintain(ctx context.Context) {
	live := s.manager.List()
	health := s.monitor.Maintain(len(live))
	s.logger.Debug("maintenance cycle", "system_health", string(health), "live_instances", len(live))

	cutoff := time.Now().Add(-s.cfg.IdleTimeout)
	for _, inst := range live {
		if inst.Status == domain.InstanceActive && inst.Health.LastHeartbeat.Before(cutoff) {
			if err := s.manager.Terminate(ctx, inst.ID, "idle_timeout"); err != nil {
				s.logger.Warn("idle termination failed", "instance_id", inst.ID, "error", err)
			}
		}
	}
}

func (s *Supervisor) publishUnhealthy(ctx context.Context, instanceID string, failures int) {
	payload, err := json.Marshal(map[string]any{
		"instance_id":          instanceID,
		"consecutive_failures": failures,
	})
	if err != nil {
		return
	}
	s.bus.Publish(ctx, domain.Event{
		Type:      domain.EventInstanceUnhealthy,
		Timestamp: time.Now(),
		AgentID:   instanceID,
		Payload:   payload,
	})
}

// buildSnapshot projects the supervisor's per-instance monitoring view.
// CPU and memory are not sampled in-process; they stay zero until an
// external collector fills them in.
func buildSnapshot(inst domain.AgentInstance) domain.MonitoringSnapshot {
	total := inst.Performance.TasksCompleted + inst.Performance.Errors
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(inst.Performance.Errors) / float64(total)
	}
	return domain.MonitoringSnapshot{
		AgentID:        inst.ID,
		ResponseTime:   inst.Performance.AvgResponseTime,
		TasksCompleted: inst.Performance.TasksCompleted,
		ErrorRate:      errorRate,
		IsHealthy:      true,
		LastUpdate:     time.Now(),
	}
}
