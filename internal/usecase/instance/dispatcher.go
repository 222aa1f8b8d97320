package instance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"agentcore/internal/domain"
	"agentcore/internal/infra/tracer"
)

type execOutcome struct {
	result any
	err    error
}

// ExecuteTask dispatches one task to a live instance.
//
// Only an active instance accepts work: busy and errored instances reject
// with ErrInvalidState before anything starts. The Execute hook races a
// deadline derived from the definition's task timeout; losing the race
// returns ErrTimeout and moves the instance to error. The hook's context is
// cancelled on timeout as a best-effort signal, but the goroutine running a
// non-cooperative hook may outlive the call.
//
// The dispatcher never retries. Callers re-invoke or let a sequential
// workflow abort.
func (m *Manager) ExecuteTask(ctx context.Context, instanceID string, task any) (domain.TaskExecution, error) {
	m.mu.Lock()
	la, ok := m.live[instanceID]
	if !ok {
		m.mu.Unlock()
		return domain.TaskExecution{}, domain.NewSubSystemError("instance", "Manager.ExecuteTask", domain.ErrNotFound, instanceID)
	}
	if la.inst.Status != domain.InstanceActive {
		status := la.inst.Status
		m.mu.Unlock()
		return domain.TaskExecution{}, domain.NewDomainError("Manager.ExecuteTask", domain.ErrInvalidState,
			fmt.Sprintf("instance %s is %s", instanceID, status))
	}

	start := time.Now()
	exec := domain.TaskExecution{
		ID:        domain.NewID(start),
		AgentID:   instanceID,
		Task:      task,
		Status:    domain.TaskExecuting,
		StartTime: start,
	}
	la.inst.Status = domain.InstanceBusy
	la.inst.CurrentTask = &exec
	snapshot := *la.inst
	impl := la.impl
	breaker := la.breaker
	timeout := la.cfg.TaskTimeout
	m.mu.Unlock()

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, span := tracer.StartSpan(ctx, "agent.execute_task",
		tracer.WithAttributes(
			tracer.StringAttr("agent.instance_id", instanceID),
			tracer.StringAttr("agent.type", snapshot.Type),
			tracer.StringAttr("task.id", exec.ID),
		))
	defer span.End()

	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcome <- execOutcome{err: fmt.Errorf("execute hook panicked: %v", r)}
			}
		}()
		outcome <- invokeExecute(hookCtx, impl, breaker, task, snapshot)
	}()

	var result any
	var execErr error
	select {
	case out := <-outcome:
		result, execErr = out.result, out.err
	case <-hookCtx.Done():
		if errors.Is(hookCtx.Err(), context.DeadlineExceeded) {
			execErr = domain.NewSubSystemError("task", "Manager.ExecuteTask", domain.ErrTimeout,
				fmt.Sprintf("task %s exceeded %s", exec.ID, timeout))
		} else {
			execErr = domain.NewDomainError("Manager.ExecuteTask", domain.ErrExecuteFailed, hookCtx.Err().Error())
		}
	}

	end := time.Now()
	exec.EndTime = end
	exec.Duration = end.Sub(start)

	if execErr != nil {
		exec.Status = domain.TaskFailed
		exec.Error = execErr.Error()
		m.recordTaskFailure(instanceID, exec)
		tracer.RecordError(span, execErr)
		m.publish(ctx, domain.EventTaskError, instanceID, map[string]string{
			"task_id":     exec.ID,
			"instance_id": instanceID,
			"error":       execErr.Error(),
			"timestamp":   end.Format(time.RFC3339Nano),
		})
		m.logger.Warn("task failed", "task_id", exec.ID, "instance_id", instanceID, "error", execErr)
		return exec, execErr
	}

	exec.Status = domain.TaskCompleted
	exec.Result = result
	m.recordTaskSuccess(instanceID, exec)
	tracer.SetOK(span)
	m.publish(ctx, domain.EventTaskCompleted, instanceID, map[string]string{
		"task_id":     exec.ID,
		"instance_id": instanceID,
		"duration_ms": fmt.Sprintf("%d", exec.Duration.Milliseconds()),
	})
	m.logger.Debug("task completed", "task_id", exec.ID, "instance_id", instanceID, "duration", exec.Duration)
	return exec, nil
}

// invokeExecute runs the Execute hook, through the per-instance breaker when
// one is configured.
func invokeExecute(ctx context.Context, impl domain.Implementation, breaker *gobreaker.CircuitBreaker[any], task any, snapshot domain.AgentInstance) execOutcome {
	if breaker == nil {
		result, err := impl.Execute(ctx, task, snapshot)
		return execOutcome{result: result, err: wrapExecuteErr(err)}
	}

	result, err := breaker.Execute(func() (any, error) {
		return impl.Execute(ctx, task, snapshot)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return execOutcome{err: domain.NewDomainError("Manager.ExecuteTask", domain.ErrExecuteFailed,
			"circuit open: "+err.Error())}
	}
	return execOutcome{result: result, err: wrapExecuteErr(err)}
}

func wrapExecuteErr(err error) error {
	if err == nil {
		return nil
	}
	return domain.NewDomainError("Manager.ExecuteTask", domain.ErrExecuteFailed, err.Error())
}

// recordTaskSuccess returns the instance to active and folds the duration
// into the running average. The (prev + duration) / 2 formula is
// recency-weighted, not a true mean.
func (m *Manager) recordTaskSuccess(instanceID string, exec domain.TaskExecution) {
	m.mu.Lock()
	defer m.mu.Unlock()

	la, ok := m.live[instanceID]
	if !ok {
		return // terminated mid-task; nothing left to update
	}
	la.inst.Status = domain.InstanceActive
	la.inst.CurrentTask = nil
	la.inst.Performance.TasksCompleted++
	la.inst.Performance.AvgResponseTime = (la.inst.Performance.AvgResponseTime + exec.Duration) / 2
	la.inst.Health.LastHeartbeat = time.Now()
}

func (m *Manager) recordTaskFailure(instanceID string, exec domain.TaskExecution) {
	m.mu.Lock()
	defer m.mu.Unlock()

	la, ok := m.live[instanceID]
	if !ok {
		return
	}
	la.inst.Status = domain.InstanceError
	la.inst.CurrentTask = nil
	la.inst.Performance.Errors++
	la.inst.LastError = exec.Error
}
