package eventbus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentcore/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishReachesTypedSubscriber(t *testing.T) {
	bus := New(testLogger())
	defer bus.Close()

	received := make(chan domain.Event, 1)
	bus.Subscribe(domain.EventAgentDeployed, func(_ context.Context, e domain.Event) {
		received <- e
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventAgentDeployed, AgentID: "a1"})

	select {
	case e := <-received:
		if e.AgentID != "a1" {
			t.Errorf("AgentID = %q, want %q", e.AgentID, "a1")
		}
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestPublishSkipsOtherTypes(t *testing.T) {
	bus := New(testLogger())
	defer bus.Close()

	var calls atomic.Int32
	bus.Subscribe(domain.EventAgentDeployed, func(_ context.Context, _ domain.Event) {
		calls.Add(1)
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventAgentTerminated})
	time.Sleep(50 * time.Millisecond)

	if got := calls.Load(); got != 0 {
		t.Errorf("handler ran %d times for a non-matching type", got)
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := New(testLogger())
	defer bus.Close()

	var calls atomic.Int32
	done := make(chan struct{})
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		if calls.Add(1) == 2 {
			close(done)
		}
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventAgentDeployed})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventTaskCompleted})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("got %d events, want 2", calls.Load())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(testLogger())
	defer bus.Close()

	var calls atomic.Int32
	unsub := bus.Subscribe(domain.EventAgentDeployed, func(_ context.Context, _ domain.Event) {
		calls.Add(1)
	})
	unsub()

	bus.Publish(context.Background(), domain.Event{Type: domain.EventAgentDeployed})
	time.Sleep(50 * time.Millisecond)

	if got := calls.Load(); got != 0 {
		t.Errorf("handler ran %d times after unsubscribe", got)
	}
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := New(testLogger())
	defer bus.Close()

	received := make(chan struct{}, 1)
	bus.Subscribe(domain.EventAgentDeployed, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventAgentDeployed, func(_ context.Context, _ domain.Event) {
		received <- struct{}{}
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventAgentDeployed})

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("second handler never ran")
	}
}

func TestCloseWaitsForInflightHandlers(t *testing.T) {
	bus := New(testLogger())

	var finished atomic.Bool
	bus.Subscribe(domain.EventAgentDeployed, func(_ context.Context, _ domain.Event) {
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventAgentDeployed})
	bus.Close()

	if !finished.Load() {
		t.Error("Close returned before in-flight handler finished")
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	bus := New(testLogger())

	var calls atomic.Int32
	bus.Subscribe(domain.EventAgentDeployed, func(_ context.Context, _ domain.Event) {
		calls.Add(1)
	})
	bus.Close()

	bus.Publish(context.Background(), domain.Event{Type: domain.EventAgentDeployed})
	time.Sleep(50 * time.Millisecond)

	if got := calls.Load(); got != 0 {
		t.Errorf("handler ran %d times after Close", got)
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := New(testLogger())
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(domain.EventTaskCompleted, func(_ context.Context, _ domain.Event) {})
			unsub()
		}()
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), domain.Event{Type: domain.EventTaskCompleted})
		}()
	}
	wg.Wait()
}
