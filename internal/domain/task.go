package domain

import "time"

// TaskStatus is the lifecycle status of one dispatch attempt.
type TaskStatus string

const (
	TaskExecuting TaskStatus = "executing"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskExecution records one dispatch attempt against one instance.
// Exactly one TaskExecution is current per busy instance.
type TaskExecution struct {
	ID        string        `json:"id"`
	AgentID   string        `json:"agent_id"`
	Task      any           `json:"task,omitempty"`
	Status    TaskStatus    `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time,omitzero"`
	Duration  time.Duration `json:"duration"`
	Result    any           `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Retries   int           `json:"retries"`
}
