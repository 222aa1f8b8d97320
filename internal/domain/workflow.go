package domain

import "time"

// WorkflowStatus is the lifecycle status of a workflow.
type WorkflowStatus string

const (
	WorkflowCreated   WorkflowStatus = "created"
	WorkflowExecuting WorkflowStatus = "executing"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// WorkflowStep names an agent type and the task to dispatch to it.
type WorkflowStep struct {
	AgentType string      `json:"agent_type" yaml:"agent_type"`
	Task      any         `json:"task"       yaml:"task"`
	Config    AgentConfig `json:"config,omitzero" yaml:"config,omitempty"`
}

// WorkflowDefinition is the caller-supplied input to CreateWorkflow.
type WorkflowDefinition struct {
	Name              string         `json:"name"               yaml:"name"`
	Steps             []WorkflowStep `json:"steps"              yaml:"steps"`
	ParallelExecution bool           `json:"parallel_execution" yaml:"parallel_execution"`
	RetryPolicy       string         `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
}

// WorkflowProgress tracks step completion for a running workflow.
// TotalSteps equals len(Steps) for the workflow's entire lifetime.
type WorkflowProgress struct {
	TotalSteps     int      `json:"total_steps"`
	CompletedSteps int      `json:"completed_steps"`
	CurrentStep    int      `json:"current_step"`
	Errors         []string `json:"errors,omitempty"`
}

// StepResult records the outcome of one workflow step. Results preserve the
// declared step order regardless of execution mode.
type StepResult struct {
	StepIndex int           `json:"step_index"`
	AgentType string        `json:"agent_type"`
	AgentID   string        `json:"agent_id,omitempty"`
	Success   bool          `json:"success"`
	Result    any           `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Workflow is a named, ordered composition of steps executed sequentially
// (abort on first failure) or in parallel (best-effort fan-out).
type Workflow struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Steps             []WorkflowStep   `json:"steps"`
	ParallelExecution bool             `json:"parallel_execution"`
	RetryPolicy       string           `json:"retry_policy,omitempty"`
	Status            WorkflowStatus   `json:"status"`
	Progress          WorkflowProgress `json:"progress"`
	Results           []StepResult     `json:"results,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	StartedAt         time.Time        `json:"started_at,omitzero"`
	CompletedAt       time.Time        `json:"completed_at,omitzero"`
	Error             string           `json:"error,omitempty"`
}
