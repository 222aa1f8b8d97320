package instance

import (
	"context"
	"errors"
	"testing"
	"time"

	"agentcore/internal/domain"
)

func TestExecuteTaskSuccess(t *testing.T) {
	m, reg := newTestManager(t, ManagerConfig{MaxConcurrentAgents: 5})
	defID := registerFake(t, reg, "worker", &fakeAgent{
		execFn: func(ctx context.Context, task any) (any, error) {
			return "done:" + task.(string), nil
		},
	})
	inst, _ := m.Deploy(context.Background(), defID, nil)

	exec, err := m.ExecuteTask(context.Background(), inst.ID, "payload")
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if exec.Status != domain.TaskCompleted {
		t.Errorf("Status = %q, want completed", exec.Status)
	}
	if exec.Result != "done:payload" {
		t.Errorf("Result = %v, want done:payload", exec.Result)
	}
	if exec.Duration <= 0 {
		t.Errorf("Duration = %s, want > 0", exec.Duration)
	}

	got, _ := m.Get(inst.ID)
	if got.Status != domain.InstanceActive {
		t.Errorf("instance Status = %q, want active after task", got.Status)
	}
	if got.Performance.TasksCompleted != 1 {
		t.Errorf("TasksCompleted = %d, want 1", got.Performance.TasksCompleted)
	}
	if got.CurrentTask != nil {
		t.Error("CurrentTask still set after completion")
	}
}

func TestExecuteTaskAveragesResponseTime(t *testing.T) {
	m, reg := newTestManager(t, ManagerConfig{MaxConcurrentAgents: 5})
	defID := registerFake(t, reg, "worker", &fakeAgent{})
	inst, _ := m.Deploy(context.Background(), defID, nil)

	if _, err := m.ExecuteTask(context.Background(), inst.ID, 1); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	first, _ := m.Get(inst.ID)
	avg1 := first.Performance.AvgResponseTime

	exec, err := m.ExecuteTask(context.Background(), inst.ID, 2)
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	second, _ := m.Get(inst.ID)

	want := (avg1 + exec.Duration) / 2
	if second.Performance.AvgResponseTime != want {
		t.Errorf("AvgResponseTime = %s, want (prev+duration)/2 = %s", second.Performance.AvgResponseTime, want)
	}
}

func TestExecuteTaskFailure(t *testing.T) {
	m, reg := newTestManager(t, ManagerConfig{MaxConcurrentAgents: 5})
	defID := registerFake(t, reg, "worker", &fakeAgent{
		execFn: func(ctx context.Context, task any) (any, error) {
			return nil, errors.New("downstream broke")
		},
	})
	inst, _ := m.Deploy(context.Background(), defID, nil)

	exec, err := m.ExecuteTask(context.Background(), inst.ID, "payload")
	if !errors.Is(err, domain.ErrExecuteFailed) {
		t.Fatalf("expected ErrExecuteFailed, got %v", err)
	}
	if exec.Status != domain.TaskFailed {
		t.Errorf("Status = %q, want failed", exec.Status)
	}

	got, _ := m.Get(inst.ID)
	if got.Status != domain.InstanceError {
		t.Errorf("instance Status = %q, want error", got.Status)
	}
	if got.Performance.Errors != 1 {
		t.Errorf("Errors = %d, want 1", got.Performance.Errors)
	}
	if got.LastError == "" {
		t.Error("LastError not recorded")
	}
}

func TestExecuteTaskTimeout(t *testing.T) {
	m, reg := newTestManager(t, ManagerConfig{MaxConcurrentAgents: 5})
	defID, err := reg.Register(context.Background(), domain.AgentDefinition{
		Type:   "slow",
		Name:   "slow",
		Config: domain.AgentConfig{TaskTimeout: 50 * time.Millisecond},
		Implementation: &fakeAgent{
			execFn: func(ctx context.Context, task any) (any, error) {
				select {
				case <-time.After(2 * time.Second):
					return "too late", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	inst, _ := m.Deploy(context.Background(), defID, nil)

	start := time.Now()
	exec, err := m.ExecuteTask(context.Background(), inst.ID, "payload")
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timed out after %s, want ~50ms", elapsed)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeTaskTimeout {
		t.Errorf("code = %q, want %q", code, domain.CodeTaskTimeout)
	}
	if exec.Status != domain.TaskFailed {
		t.Errorf("Status = %q, want failed", exec.Status)
	}

	got, _ := m.Get(inst.ID)
	if got.Status != domain.InstanceError {
		t.Errorf("instance Status = %q, want error after timeout", got.Status)
	}
}

func TestExecuteTaskRejectsBusyInstance(t *testing.T) {
	m, reg := newTestManager(t, ManagerConfig{MaxConcurrentAgents: 5})
	release := make(chan struct{})
	started := make(chan struct{})
	defID := registerFake(t, reg, "worker", &fakeAgent{
		execFn: func(ctx context.Context, task any) (any, error) {
			close(started)
			<-release
			return nil, nil
		},
	})
	inst, _ := m.Deploy(context.Background(), defID, nil)

	done := make(chan error, 1)
	go func() {
		_, err := m.ExecuteTask(context.Background(), inst.ID, "first")
		done <- err
	}()
	<-started

	_, err := m.ExecuteTask(context.Background(), inst.ID, "second")
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for busy instance, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first task: %v", err)
	}
}

func TestExecuteTaskRejectsErroredInstance(t *testing.T) {
	m, reg := newTestManager(t, ManagerConfig{MaxConcurrentAgents: 5})
	defID := registerFake(t, reg, "worker", &fakeAgent{})
	inst, _ := m.Deploy(context.Background(), defID, nil)

	if err := m.MarkError(inst.ID, "probe failure"); err != nil {
		t.Fatalf("MarkError: %v", err)
	}
	_, err := m.ExecuteTask(context.Background(), inst.ID, "payload")
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestExecuteTaskUnknownInstance(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{MaxConcurrentAgents: 5})

	_, err := m.ExecuteTask(context.Background(), "no-such-instance", "payload")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestExecuteTaskRecoversHookPanic(t *testing.T) {
	m, reg := newTestManager(t, ManagerConfig{MaxConcurrentAgents: 5})
	defID := registerFake(t, reg, "worker", &fakeAgent{
		execFn: func(ctx context.Context, task any) (any, error) {
			panic("hook bug")
		},
	})
	inst, _ := m.Deploy(context.Background(), defID, nil)

	exec, err := m.ExecuteTask(context.Background(), inst.ID, "payload")
	if err == nil {
		t.Fatal("expected error from panicking hook")
	}
	if exec.Status != domain.TaskFailed {
		t.Errorf("Status = %q, want failed", exec.Status)
	}
	got, _ := m.Get(inst.ID)
	if got.Status != domain.InstanceError {
		t.Errorf("instance Status = %q, want error", got.Status)
	}
}

func TestExecuteTaskBreakerOpensAfterFailures(t *testing.T) {
	m, reg := newTestManager(t, ManagerConfig{
		MaxConcurrentAgents: 5,
		BreakerEnabled:      true,
		BreakerMaxFailures:  2,
		BreakerTimeout:      time.Minute,
	})
	defID := registerFake(t, reg, "worker", &fakeAgent{
		execFn: func(ctx context.Context, task any) (any, error) {
			return nil, errors.New("always fails")
		},
	})
	ctx := context.Background()
	inst, _ := m.Deploy(ctx, defID, nil)

	for i := 0; i < 2; i++ {
		if _, err := m.ExecuteTask(ctx, inst.ID, i); err == nil {
			t.Fatalf("ExecuteTask %d: expected error", i)
		}
		// The dispatcher parks the instance in error after a failure;
		// recovery normally does this.
		if err := m.MarkRecovered(ctx, inst.ID); err != nil {
			t.Fatalf("MarkRecovered: %v", err)
		}
	}

	_, err := m.ExecuteTask(ctx, inst.ID, "third")
	if !errors.Is(err, domain.ErrExecuteFailed) {
		t.Fatalf("expected ErrExecuteFailed, got %v", err)
	}
	var de *domain.DomainError
	if !errors.As(err, &de) {
		t.Fatalf("expected DomainError, got %T", err)
	}
}
