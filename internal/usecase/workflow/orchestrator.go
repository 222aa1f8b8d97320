// Package workflow composes {agent type, task} steps into sequential or
// parallel execution plans on top of the instance manager and dispatcher.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"agentcore/internal/domain"
	"agentcore/internal/infra/tracer"
	"agentcore/internal/usecase/instance"
	"agentcore/internal/usecase/registry"
)

// Orchestrator stores workflows and executes them. Sequential mode models a
// pipeline with hard dependencies and aborts on the first failure; parallel
// mode models independent fan-out where partial success is acceptable and
// reported per step.
type Orchestrator struct {
	mu        sync.RWMutex
	workflows map[string]*domain.Workflow

	registry *registry.Registry
	manager  *instance.Manager
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewOrchestrator creates an Orchestrator. bus may be nil in tests.
func NewOrchestrator(reg *registry.Registry, mgr *instance.Manager, bus domain.EventBus, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		workflows: make(map[string]*domain.Workflow),
		registry:  reg,
		manager:   mgr,
		bus:       bus,
		logger:    logger,
	}
}

// Create validates and stores a workflow in created status, returning its ID.
func (o *Orchestrator) Create(ctx context.Context, def domain.WorkflowDefinition) (string, error) {
	if len(def.Steps) == 0 {
		return "", domain.NewSubSystemError("workflow", "Orchestrator.Create", domain.ErrInvalidInput, "workflow has no steps")
	}
	for i, step := range def.Steps {
		if step.AgentType == "" {
			return "", domain.NewSubSystemError("workflow", "Orchestrator.Create", domain.ErrInvalidInput,
				fmt.Sprintf("step[%d] has no agent type", i))
		}
	}

	now := time.Now()
	wf := &domain.Workflow{
		ID:                domain.NewID(now),
		Name:              def.Name,
		Steps:             def.Steps,
		ParallelExecution: def.ParallelExecution,
		RetryPolicy:       def.RetryPolicy,
		Status:            domain.WorkflowCreated,
		Progress:          domain.WorkflowProgress{TotalSteps: len(def.Steps)},
		CreatedAt:         now,
	}

	o.mu.Lock()
	o.workflows[wf.ID] = wf
	o.mu.Unlock()

	o.publish(ctx, domain.EventWorkflowCreated, map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"steps":       len(wf.Steps),
		"parallel":    wf.ParallelExecution,
	})
	o.logger.Info("workflow created", "workflow_id", wf.ID, "name", wf.Name, "steps", len(wf.Steps))
	return wf.ID, nil
}

// Get returns a snapshot of a workflow.
func (o *Orchestrator) Get(workflowID string) (domain.Workflow, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	wf, ok := o.workflows[workflowID]
	if !ok {
		return domain.Workflow{}, domain.NewSubSystemError("workflow", "Orchestrator.Get", domain.ErrNotFound, workflowID)
	}
	return snapshotOf(wf), nil
}

// List returns snapshots of all workflows sorted by ID.
func (o *Orchestrator) List() []domain.Workflow {
	o.mu.RLock()
	out := make([]domain.Workflow, 0, len(o.workflows))
	for _, wf := range o.workflows {
		out = append(out, snapshotOf(wf))
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountByStatus returns workflow counts grouped by status.
func (o *Orchestrator) CountByStatus() map[domain.WorkflowStatus]int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	counts := make(map[domain.WorkflowStatus]int)
	for _, wf := range o.workflows {
		counts[wf.Status]++
	}
	return counts
}

// Execute runs a created workflow to completion and returns its final
// snapshot. A workflow can be executed once; re-execution reports
// ErrInvalidState.
func (o *Orchestrator) Execute(ctx context.Context, workflowID string) (domain.Workflow, error) {
	o.mu.Lock()
	wf, ok := o.workflows[workflowID]
	if !ok {
		o.mu.Unlock()
		return domain.Workflow{}, domain.NewSubSystemError("workflow", "Orchestrator.Execute", domain.ErrNotFound, workflowID)
	}
	if wf.Status != domain.WorkflowCreated {
		status := wf.Status
		o.mu.Unlock()
		return domain.Workflow{}, domain.NewDomainError("Orchestrator.Execute", domain.ErrInvalidState,
			fmt.Sprintf("workflow %s is %s", workflowID, status))
	}
	wf.Status = domain.WorkflowExecuting
	wf.StartedAt = time.Now()
	o.mu.Unlock()

	ctx, span := tracer.StartSpan(ctx, "workflow.execute",
		tracer.WithAttributes(
			tracer.StringAttr("workflow.id", workflowID),
			tracer.IntAttr("workflow.steps", len(wf.Steps)),
		))
	defer span.End()

	if wf.ParallelExecution {
		o.executeParallel(ctx, wf)
	} else {
		o.executeSequential(ctx, wf)
	}

	o.mu.Lock()
	wf.CompletedAt = time.Now()
	final := snapshotOf(wf)
	o.mu.Unlock()

	if final.Status == domain.WorkflowFailed {
		tracer.RecordError(span, fmt.Errorf("%s", final.Error))
		o.publish(ctx, domain.EventWorkflowFailed, map[string]any{
			"workflow_id": final.ID,
			"error":       final.Error,
		})
		o.logger.Warn("workflow failed", "workflow_id", final.ID, "error", final.Error)
	} else {
		tracer.SetOK(span)
		o.publish(ctx, domain.EventWorkflowCompleted, map[string]any{
			"workflow_id": final.ID,
			"steps":       final.Progress.CompletedSteps,
			"errors":      len(final.Progress.Errors),
		})
		o.logger.Info("workflow completed", "workflow_id", final.ID,
			"steps", final.Progress.CompletedSteps, "errors", len(final.Progress.Errors))
	}
	return final, nil
}

// executeSequential runs steps in order and aborts on the first failure.
func (o *Orchestrator) executeSequential(ctx context.Context, wf *domain.Workflow) {
	for i, step := range wf.Steps {
		o.mu.Lock()
		wf.Progress.CurrentStep = i
		o.mu.Unlock()

		result := o.runStep(ctx, wf.ID, i, step)

		o.mu.Lock()
		if result.Success {
			wf.Results = append(wf.Results, result)
			wf.Progress.CompletedSteps++
			o.mu.Unlock()
			continue
		}
		wf.Progress.Errors = append(wf.Progress.Errors, result.Error)
		wf.Status = domain.WorkflowFailed
		wf.Error = result.Error
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	wf.Status = domain.WorkflowCompleted
	o.mu.Unlock()
}

// executeParallel dispatches every step concurrently. Individual failures
// are recorded but never fail the workflow: parallel mode is best-effort
// fan-out. Results are re-sorted into declared step order.
func (o *Orchestrator) executeParallel(ctx context.Context, wf *domain.Workflow) {
	results := make([]domain.StepResult, len(wf.Steps))
	var wg sync.WaitGroup
	for i, step := range wf.Steps {
		wg.Add(1)
		go func(idx int, s domain.WorkflowStep) {
			defer wg.Done()
			results[idx] = o.runStep(ctx, wf.ID, idx, s)

			o.mu.Lock()
			wf.Progress.CompletedSteps++
			if !results[idx].Success {
				wf.Progress.Errors = append(wf.Progress.Errors, results[idx].Error)
			}
			o.mu.Unlock()
		}(i, step)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].StepIndex < results[j].StepIndex })

	o.mu.Lock()
	wf.Results = results
	wf.Status = domain.WorkflowCompleted
	o.mu.Unlock()
}

// runStep resolves or deploys an agent for the step's type and dispatches its
// task. An existing active instance of the type is preferred over deploying a
// fresh one.
func (o *Orchestrator) runStep(ctx context.Context, workflowID string, idx int, step domain.WorkflowStep) domain.StepResult {
	start := time.Now()
	result := domain.StepResult{StepIndex: idx, AgentType: step.AgentType}

	agent, found := o.manager.FindActiveByType(step.AgentType)
	if !found {
		deployed, err := o.manager.DeployForType(ctx, step.AgentType, map[string]any{"workflow_id": workflowID})
		if err != nil {
			result.Error = err.Error()
			result.Duration = time.Since(start)
			o.publishStep(ctx, workflowID, result)
			return result
		}
		agent = deployed
	}
	result.AgentID = agent.ID

	exec, err := o.manager.ExecuteTask(ctx, agent.ID, step.Task)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Success = true
		result.Result = exec.Result
	}
	o.publishStep(ctx, workflowID, result)
	return result
}

func (o *Orchestrator) publishStep(ctx context.Context, workflowID string, result domain.StepResult) {
	o.publish(ctx, domain.EventWorkflowStepCompleted, map[string]any{
		"workflow_id": workflowID,
		"step_index":  result.StepIndex,
		"agent_type":  result.AgentType,
		"agent_id":    result.AgentID,
		"success":     result.Success,
		"duration_ms": result.Duration.Milliseconds(),
	})
}

func (o *Orchestrator) publish(ctx context.Context, eventType domain.EventType, detail map[string]any) {
	if o.bus == nil {
		return
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		o.logger.Error("failed to marshal event payload", "event", string(eventType), "error", err)
		return
	}
	o.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// snapshotOf deep-copies the mutable slices so callers never alias live state.
func snapshotOf(wf *domain.Workflow) domain.Workflow {
	out := *wf
	out.Steps = append([]domain.WorkflowStep(nil), wf.Steps...)
	out.Results = append([]domain.StepResult(nil), wf.Results...)
	out.Progress.Errors = append([]string(nil), wf.Progress.Errors...)
	return out
}
