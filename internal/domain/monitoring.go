package domain

import "time"

// SystemHealth classifies the coordinator's overall condition.
type SystemHealth string

const (
	SystemHealthy  SystemHealth = "healthy"
	SystemDegraded SystemHealth = "degraded"
	SystemIdle     SystemHealth = "idle"
)

// MonitoringSnapshot is the per-instance view recomputed on every probe
// cycle and evicted after the instance has been terminated for a while.
type MonitoringSnapshot struct {
	AgentID        string        `json:"agent_id"`
	CPU            float64       `json:"cpu"`
	Memory         float64       `json:"memory"`
	ResponseTime   time.Duration `json:"response_time"`
	TasksCompleted int           `json:"tasks_completed"`
	ErrorRate      float64       `json:"error_rate"`
	IsHealthy      bool          `json:"is_healthy"`
	LastUpdate     time.Time     `json:"last_update"`
}

// MonitoringError is one entry in the rolling error log.
type MonitoringError struct {
	AgentID   string    `json:"agent_id,omitempty"`
	Source    string    `json:"source"` // "task", "probe", "recovery"
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemStatus is the read-only projection served by the status aggregator.
type SystemStatus struct {
	Health            SystemHealth           `json:"health"`
	Definitions       int                    `json:"definitions"`
	LiveInstances     int                    `json:"live_instances"`
	InstancesByModule map[string]int         `json:"instances_by_module,omitempty"`
	InstancesByStatus map[InstanceStatus]int `json:"instances_by_status,omitempty"`
	TasksCompleted    int                    `json:"tasks_completed"`
	TaskErrors        int                    `json:"task_errors"`
	MeanResponseTime  time.Duration          `json:"mean_response_time"`
	WorkflowsByStatus map[WorkflowStatus]int `json:"workflows_by_status,omitempty"`
	RecentErrors      int                    `json:"recent_errors"`
	GeneratedAt       time.Time              `json:"generated_at"`
}
