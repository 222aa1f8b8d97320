// Package coordinator assembles the coordination core (registry, instance
// manager, dispatcher, messaging router, workflow orchestrator, health
// supervisor) behind one process-wide facade.
//
// Construct one Coordinator per process and inject it where needed; tests
// construct a fresh one each. External code never reaches into the internal
// maps: all cross-cutting communication happens through the event bus.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"agentcore/internal/domain"
	"agentcore/internal/infra/config"
	"agentcore/internal/infra/logger"
	"agentcore/internal/usecase/health"
	"agentcore/internal/usecase/instance"
	"agentcore/internal/usecase/messaging"
	"agentcore/internal/usecase/registry"
	"agentcore/internal/usecase/workflow"
)

// Coordinator is the process-wide agent coordination core.
type Coordinator struct {
	bus          domain.EventBus
	registry     *registry.Registry
	manager      *instance.Manager
	router       *messaging.Router
	orchestrator *workflow.Orchestrator
	monitor      *health.Monitor
	supervisor   *health.Supervisor
	logger       *slog.Logger

	unsubNeeded func()
}

// New wires a Coordinator from configuration. The bus is supplied by the
// environment so dashboards and harnesses can observe lifecycle events.
func New(cfg config.CoordinatorConfig, bus domain.EventBus, log *slog.Logger) *Coordinator {
	defaults := domain.AgentConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		TaskTimeout:       cfg.TaskTimeout,
		MaxRetries:        cfg.MaxRetries,
	}

	reg := registry.New(defaults, bus, logger.Component(log, "registry"))
	mgr := instance.NewManager(reg, instance.ManagerConfig{
		MaxConcurrentAgents: cfg.MaxConcurrentAgents,
		BreakerEnabled:      cfg.Breaker.Enabled,
		BreakerMaxFailures:  cfg.Breaker.MaxFailures,
		BreakerTimeout:      cfg.Breaker.Timeout,
	}, bus, logger.Component(log, "instance"))
	router := messaging.NewRouter(mgr, bus, cfg.RequestTimeout, logger.Component(log, "messaging"))
	orch := workflow.NewOrchestrator(reg, mgr, bus, logger.Component(log, "workflow"))
	monitor := health.NewMonitor(cfg.Supervision.SnapshotTTL, cfg.Supervision.ErrorLogTrim, cfg.Supervision.DegradedAbove)
	sup := health.NewSupervisor(mgr, monitor, bus, health.SupervisorConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		FailureThreshold:  cfg.Supervision.FailureThreshold,
		IdleThreshold:     cfg.Supervision.IdleThreshold,
		IdleTimeout:       cfg.Supervision.IdleTimeout,
		MaintenanceEvery:  cfg.Supervision.MaintenanceEvery,
		RestartsPerMinute: cfg.Supervision.RestartsPerMinute,
	}, logger.Component(log, "health"))

	return &Coordinator{
		bus:          bus,
		registry:     reg,
		manager:      mgr,
		router:       router,
		orchestrator: orch,
		monitor:      monitor,
		supervisor:   sup,
		logger:       log,
	}
}

// Start begins health supervision, subscribes the needs-agent trigger, and
// announces readiness on the bus.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.supervisor.Start(ctx); err != nil {
		return err
	}

	c.unsubNeeded = c.bus.Subscribe(domain.EventAgentNeeded, func(evCtx context.Context, event domain.Event) {
		var req struct {
			Type        string         `json:"type"`
			TaskContext map[string]any `json:"task_context,omitempty"`
		}
		if err := json.Unmarshal(event.Payload, &req); err != nil || req.Type == "" {
			c.logger.Warn("malformed needs-agent request", "error", err)
			return
		}
		if _, err := c.DeployAgentForType(evCtx, req.Type, req.TaskContext); err != nil {
			c.logger.Warn("needs-agent deploy failed", "type", req.Type, "error", err)
		}
	})

	c.bus.Publish(ctx, domain.Event{Type: domain.EventSystemReady, Timestamp: time.Now()})
	c.logger.Info("coordination core ready")
	return nil
}

// Shutdown stops supervision, terminates every live instance, and closes the
// bus after draining in-flight handlers.
func (c *Coordinator) Shutdown(ctx context.Context) {
	if c.unsubNeeded != nil {
		c.unsubNeeded()
		c.unsubNeeded = nil
	}
	c.supervisor.Stop()
	c.manager.TerminateAll(ctx, "shutdown")
	c.bus.Close()
	c.logger.Info("coordination core stopped")
}

// --- registry ---

// RegisterAgent stores a definition and returns its generated ID.
func (c *Coordinator) RegisterAgent(ctx context.Context, def domain.AgentDefinition) (string, error) {
	return c.registry.Register(ctx, def)
}

// UnregisterAgent removes a definition.
func (c *Coordinator) UnregisterAgent(ctx context.Context, definitionID string) error {
	return c.registry.Unregister(ctx, definitionID)
}

// FindAgentByType returns the first definition registered for a type.
func (c *Coordinator) FindAgentByType(agentType string) (domain.AgentDefinition, error) {
	return c.registry.FindByType(agentType)
}

// ListDefinitions returns all registered definitions.
func (c *Coordinator) ListDefinitions() []domain.AgentDefinition {
	return c.registry.List()
}

// --- instances ---

// DeployAgent creates a live instance from a definition.
func (c *Coordinator) DeployAgent(ctx context.Context, definitionID string, taskContext map[string]any) (domain.AgentInstance, error) {
	return c.manager.Deploy(ctx, definitionID, taskContext)
}

// DeployAgentForType deploys a fresh instance of the first definition
// matching the type.
func (c *Coordinator) DeployAgentForType(ctx context.Context, agentType string, taskContext map[string]any) (domain.AgentInstance, error) {
	return c.manager.DeployForType(ctx, agentType, taskContext)
}

// TerminateAgent stops a live instance.
func (c *Coordinator) TerminateAgent(ctx context.Context, instanceID, reason string) error {
	return c.manager.Terminate(ctx, instanceID, reason)
}

// GetInstance returns a snapshot of a live instance.
func (c *Coordinator) GetInstance(instanceID string) (domain.AgentInstance, error) {
	return c.manager.Get(instanceID)
}

// ListInstances returns snapshots of all live instances.
func (c *Coordinator) ListInstances() []domain.AgentInstance {
	return c.manager.List()
}

// --- tasks ---

// ExecuteTask dispatches one task to a live instance.
func (c *Coordinator) ExecuteTask(ctx context.Context, instanceID string, task any) (domain.TaskExecution, error) {
	return c.manager.ExecuteTask(ctx, instanceID, task)
}

// --- messaging ---

// SendMessage routes a message between two live instances.
func (c *Coordinator) SendMessage(ctx context.Context, fromID, toID string, payload any, opts domain.MessageOptions) (messaging.SendResult, error) {
	return c.router.Send(ctx, fromID, toID, payload, opts)
}

// RespondTo publishes a correlated reply for a request-mode message.
func (c *Coordinator) RespondTo(ctx context.Context, requestID, fromID string, result any, errDetail string) error {
	return c.router.Respond(ctx, requestID, fromID, result, errDetail)
}

// --- workflows ---

// CreateWorkflow validates and stores a workflow, returning its ID.
func (c *Coordinator) CreateWorkflow(ctx context.Context, def domain.WorkflowDefinition) (string, error) {
	return c.orchestrator.Create(ctx, def)
}

// ExecuteWorkflow runs a created workflow to completion.
func (c *Coordinator) ExecuteWorkflow(ctx context.Context, workflowID string) (domain.Workflow, error) {
	return c.orchestrator.Execute(ctx, workflowID)
}

// GetWorkflow returns a snapshot of a workflow.
func (c *Coordinator) GetWorkflow(workflowID string) (domain.Workflow, error) {
	return c.orchestrator.Get(workflowID)
}

// ListWorkflows returns snapshots of all workflows.
func (c *Coordinator) ListWorkflows() []domain.Workflow {
	return c.orchestrator.List()
}

// --- monitoring ---

// MonitoringSnapshot returns the supervisor's latest view of one instance.
func (c *Coordinator) MonitoringSnapshot(instanceID string) (domain.MonitoringSnapshot, bool) {
	return c.monitor.Snapshot(instanceID)
}

// SystemStatus composes a read-only projection across the registry, the live
// set, workflows, and monitoring. It mutates nothing and is safe to call
// concurrently with everything else.
func (c *Coordinator) SystemStatus() domain.SystemStatus {
	instances := c.manager.List()

	byModule := make(map[string]int)
	byStatus := make(map[domain.InstanceStatus]int)
	tasksCompleted := 0
	taskErrors := 0
	var totalResponse time.Duration
	responded := 0
	for _, inst := range instances {
		if inst.Module != "" {
			byModule[inst.Module]++
		}
		byStatus[inst.Status]++
		tasksCompleted += inst.Performance.TasksCompleted
		taskErrors += inst.Performance.Errors
		if inst.Performance.AvgResponseTime > 0 {
			totalResponse += inst.Performance.AvgResponseTime
			responded++
		}
	}

	var mean time.Duration
	if responded > 0 {
		mean = totalResponse / time.Duration(responded)
	}

	return domain.SystemStatus{
		Health:            c.monitor.Health(),
		Definitions:       c.registry.Count(),
		LiveInstances:     len(instances),
		InstancesByModule: byModule,
		InstancesByStatus: byStatus,
		TasksCompleted:    tasksCompleted,
		TaskErrors:        taskErrors,
		MeanResponseTime:  mean,
		WorkflowsByStatus: c.orchestrator.CountByStatus(),
		RecentErrors:      c.monitor.ErrorCount(),
		GeneratedAt:       time.Now(),
	}
}
