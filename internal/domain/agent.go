package domain

import (
	"context"
	"time"
)

// DefinitionStatus is the lifecycle status of a registered definition.
type DefinitionStatus string

const (
	DefinitionRegistered DefinitionStatus = "registered"
)

// InstanceStatus is the state-machine status of a live instance.
//
// Transitions: initializing → active ⇄ busy; active/busy → error on task or
// health failure; error → active on successful recovery; any non-terminated
// state → terminated. Terminated is absorbing.
type InstanceStatus string

const (
	InstanceInitializing InstanceStatus = "initializing"
	InstanceActive       InstanceStatus = "active"
	InstanceBusy         InstanceStatus = "busy"
	InstanceError        InstanceStatus = "error"
	InstanceTerminated   InstanceStatus = "terminated"
)

// AgentConfig holds per-definition runtime settings, merged with system
// defaults at registration time. MaxRetries is informational: the dispatcher
// never auto-retries; workflow callers may consult it.
type AgentConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	TaskTimeout       time.Duration `json:"task_timeout"       yaml:"task_timeout"`
	MaxRetries        int           `json:"max_retries"        yaml:"max_retries"`
}

// AgentDefinition is a registered, reusable description of a capability plus
// its implementation binding. Immutable after registration.
type AgentDefinition struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	Module       string           `json:"module,omitempty"`
	Capabilities []string         `json:"capabilities,omitempty"`
	Config       AgentConfig      `json:"config"`
	Status       DefinitionStatus `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`

	// Implementation is the caller-supplied capability bundle. Not serialized.
	Implementation Implementation `json:"-"`
}

// Performance accumulates per-instance task accounting.
//
// AvgResponseTime is the two-sample running average (prev + duration) / 2,
// recency-weighted rather than a true mean. Changing it would silently alter
// observable metrics.
type Performance struct {
	TasksCompleted  int           `json:"tasks_completed"`
	Errors          int           `json:"errors"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	StartTime       time.Time     `json:"start_time"`
}

// HealthState tracks the supervisor's view of one instance.
type HealthState struct {
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	IsHealthy           bool      `json:"is_healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// AgentInstance is one running, stateful deployment of a definition.
// All mutation goes through the instance manager; hooks receive value
// snapshots, never the live pointer.
type AgentInstance struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definition_id"`
	Type         string         `json:"type"`
	Module       string         `json:"module,omitempty"`
	Status       InstanceStatus `json:"status"`
	DeployedAt   time.Time      `json:"deployed_at"`
	TaskContext  map[string]any `json:"task_context,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Performance  Performance    `json:"performance"`
	Health       HealthState    `json:"health"`

	// CurrentTask is set only while the instance is busy.
	CurrentTask *TaskExecution `json:"current_task,omitempty"`

	// LastError holds the most recent task or probe failure.
	LastError string `json:"last_error,omitempty"`
}

// Implementation is the pluggable agent contract. Execute is the only
// required method; the optional hooks below are discovered with type
// assertions at call sites.
//
// A context deadline is threaded through every hook so implementations can
// cooperate with cancellation, but the core never forcibly stops a hook: a
// slow Execute may keep running after the dispatcher has already returned
// ErrTimeout to the caller.
type Implementation interface {
	Execute(ctx context.Context, task any, inst AgentInstance) (any, error)
}

// Initializer is an optional hook invoked during deployment, before the
// instance enters the live set. A returned error aborts the deployment.
type Initializer interface {
	Initialize(ctx context.Context, inst AgentInstance, taskContext map[string]any) error
}

// Cleaner is an optional hook invoked during termination.
type Cleaner interface {
	Cleanup(ctx context.Context, inst AgentInstance) error
}

// HealthChecker is an optional hook consulted by the health supervisor.
// Absence defaults to healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context, inst AgentInstance) (bool, error)
}

// Recoverer is an optional hook tried before the forced-restart fallback.
// Returning (false, nil) or an error triggers the restart.
type Recoverer interface {
	Recover(ctx context.Context, inst AgentInstance) (bool, error)
}

// MessageHandler is an optional hook for inter-agent messages. Instances
// without it silently drop direct deliveries.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg Message, inst AgentInstance) error
}
