package event

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus[SandboxEvent](context.Background(), BusOptions{Name: "sandbox"})
	defer bus.Close()

	first, cancelFirst := bus.Subscribe()
	defer cancelFirst()
	second, cancelSecond := bus.Subscribe()
	defer cancelSecond()

	bus.Publish(NewSandboxEvent("7", "user-sandbox-7", SandboxCreated))

	for _, ch := range []<-chan SandboxEvent{first, second} {
		select {
		case got := <-ch:
			if got.UserID != "7" || got.Kind != SandboxCreated {
				t.Fatalf("unexpected event: %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event")
		}
	}

	if bus.Published() != 1 {
		t.Fatalf("expected 1 published, got %d", bus.Published())
	}
}

func TestBusCancelStopsDelivery(t *testing.T) {
	bus := NewBus[RegistryEvent](context.Background(), BusOptions{})
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()

	if _, open := <-ch; open {
		t.Fatalf("expected channel closed after cancel")
	}

	// Publishing after cancel must not panic.
	bus.Publish(NewRegistryEvent("/tmp/classrooms.json"))
}

func TestBusPublishSurvivesConcurrentCancel(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{SubscriberBufferSize: 1})
	defer bus.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			bus.Publish(i)
		}
	}()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_, cancel := bus.Subscribe()
				cancel()
			}
		}()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("publisher did not finish")
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{SubscriberBufferSize: 1})
	defer bus.Close()

	_, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(1)
	bus.Publish(2)

	if bus.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", bus.Dropped())
	}
}

func TestBusClosesWithContext(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	bus := NewBus[int](ctx, BusOptions{})

	ch, cancel := bus.Subscribe()
	defer cancel()

	cancelCtx()

	select {
	case _, open := <-ch:
		if open {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for close")
	}
}
