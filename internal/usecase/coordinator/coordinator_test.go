package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"agentcore/internal/domain"
	"agentcore/internal/infra/config"
	"agentcore/internal/usecase/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type echoAgent struct{}

func (echoAgent) Execute(ctx context.Context, task any, inst domain.AgentInstance) (any, error) {
	return task, nil
}

func testConfig() config.CoordinatorConfig {
	cfg := config.Default().Coordinator
	cfg.MaxConcurrentAgents = 10
	cfg.Supervision.MaintenanceEvery = time.Minute
	cfg.Supervision.IdleThreshold = time.Minute
	cfg.Supervision.IdleTimeout = time.Minute
	return cfg
}

func newCore(t *testing.T) (*Coordinator, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(testLogger())
	core := New(testConfig(), bus, testLogger())
	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return core, bus
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEndToEndTaskFlow(t *testing.T) {
	core, _ := newCore(t)
	defer core.Shutdown(context.Background())
	ctx := context.Background()

	defID, err := core.RegisterAgent(ctx, domain.AgentDefinition{
		Type:           "echo",
		Name:           "Echo",
		Module:         "demo",
		Implementation: echoAgent{},
	})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	inst, err := core.DeployAgent(ctx, defID, nil)
	if err != nil {
		t.Fatalf("DeployAgent: %v", err)
	}

	exec, err := core.ExecuteTask(ctx, inst.ID, "ping")
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if exec.Result != "ping" {
		t.Errorf("Result = %v, want ping", exec.Result)
	}

	if err := core.TerminateAgent(ctx, inst.ID, "done"); err != nil {
		t.Fatalf("TerminateAgent: %v", err)
	}
	if _, err := core.GetInstance(inst.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound after terminate, got %v", err)
	}
}

func TestSystemReadyPublishedOnStart(t *testing.T) {
	bus := eventbus.New(testLogger())
	ready := make(chan struct{}, 1)
	bus.Subscribe(domain.EventSystemReady, func(_ context.Context, _ domain.Event) {
		ready <- struct{}{}
	})

	core := New(testConfig(), bus, testLogger())
	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer core.Shutdown(context.Background())

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("system ready event never published")
	}
}

func TestNeedsAgentEventTriggersDeploy(t *testing.T) {
	core, bus := newCore(t)
	defer core.Shutdown(context.Background())
	ctx := context.Background()

	if _, err := core.RegisterAgent(ctx, domain.AgentDefinition{
		Type:           "scraper",
		Name:           "Scraper",
		Implementation: echoAgent{},
	}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	payload, _ := json.Marshal(map[string]any{"type": "scraper"})
	bus.Publish(ctx, domain.Event{
		Type:      domain.EventAgentNeeded,
		Timestamp: time.Now(),
		Payload:   payload,
	})

	waitFor(t, 2*time.Second, "needs-agent deployment", func() bool {
		for _, inst := range core.ListInstances() {
			if inst.Type == "scraper" {
				return true
			}
		}
		return false
	})
}

func TestSystemStatusAggregation(t *testing.T) {
	core, _ := newCore(t)
	defer core.Shutdown(context.Background())
	ctx := context.Background()

	ingestID, err := core.RegisterAgent(ctx, domain.AgentDefinition{
		Type: "ingest", Name: "Ingest", Module: "etl", Implementation: echoAgent{},
	})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	reportID, err := core.RegisterAgent(ctx, domain.AgentDefinition{
		Type: "report", Name: "Report", Module: "analytics", Implementation: echoAgent{},
	})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	a, _ := core.DeployAgent(ctx, ingestID, nil)
	core.DeployAgent(ctx, ingestID, nil)
	core.DeployAgent(ctx, reportID, nil)

	if _, err := core.ExecuteTask(ctx, a.ID, "job"); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	wfID, err := core.CreateWorkflow(ctx, domain.WorkflowDefinition{
		Name:  "report-run",
		Steps: []domain.WorkflowStep{{AgentType: "report", Task: "build"}},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if _, err := core.ExecuteWorkflow(ctx, wfID); err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}

	status := core.SystemStatus()
	if status.Definitions != 2 {
		t.Errorf("Definitions = %d, want 2", status.Definitions)
	}
	if status.LiveInstances != 3 {
		t.Errorf("LiveInstances = %d, want 3", status.LiveInstances)
	}
	if status.InstancesByModule["etl"] != 2 || status.InstancesByModule["analytics"] != 1 {
		t.Errorf("InstancesByModule = %v", status.InstancesByModule)
	}
	if status.TasksCompleted != 2 {
		t.Errorf("TasksCompleted = %d, want 2 (one direct, one workflow step)", status.TasksCompleted)
	}
	if status.WorkflowsByStatus[domain.WorkflowCompleted] != 1 {
		t.Errorf("WorkflowsByStatus = %v", status.WorkflowsByStatus)
	}
	if status.MeanResponseTime <= 0 {
		t.Errorf("MeanResponseTime = %s, want > 0", status.MeanResponseTime)
	}
	if status.GeneratedAt.IsZero() {
		t.Error("GeneratedAt not set")
	}
}

func TestShutdownTerminatesEverything(t *testing.T) {
	core, _ := newCore(t)
	ctx := context.Background()

	defID, err := core.RegisterAgent(ctx, domain.AgentDefinition{
		Type: "echo", Name: "Echo", Implementation: echoAgent{},
	})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	core.DeployAgent(ctx, defID, nil)
	core.DeployAgent(ctx, defID, nil)

	core.Shutdown(ctx)

	if n := len(core.ListInstances()); n != 0 {
		t.Errorf("live instances after shutdown = %d, want 0", n)
	}
}
