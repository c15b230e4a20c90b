package events

import (
	"testing"
	"time"
)

func TestPublishReachesEverySubscriber(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelA()
	defer cancelB()

	bus.Publish(New(TunnelStateChanged, map[string]any{"state": "connected"}))

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case e := <-ch:
			if e.Type != TunnelStateChanged {
				t.Fatalf("%s: got %q, want tunnel_state_changed", name, e.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no event received", name)
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(New(RequestLogged, nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel() // idempotent

	if _, open := <-ch; open {
		t.Fatal("channel should be closed after cancel")
	}

	// Publishing after cancel must not panic.
	bus.Publish(New(RequestLogged, nil))
}
