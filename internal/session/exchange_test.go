package session

import (
	"errors"
	"testing"
	"time"

	"github.com/dalbodeule/rshare/internal/protocol"
)

func respChunk(id string, data string) *protocol.Frame {
	return &protocol.Frame{
		Type:              protocol.FrameResponseBodyChunk,
		ResponseBodyChunk: &protocol.BodyChunk{RequestID: id, Data: []byte(data)},
	}
}

func TestExchangeTableDeliverInOrder(t *testing.T) {
	table := NewExchangeTable(8, time.Second)
	ex, err := table.Open("req-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	want := []string{"a", "b", "c"}
	for _, d := range want {
		if !table.Deliver(respChunk("req-1", d)) {
			t.Fatalf("deliver %q returned false", d)
		}
	}

	for i, d := range want {
		f := <-ex.Frames()
		if got := string(f.ResponseBodyChunk.Data); got != d {
			t.Fatalf("frame %d: got %q, want %q", i, got, d)
		}
	}
}

func TestDeliverUnknownIDDropped(t *testing.T) {
	table := NewExchangeTable(8, time.Second)
	if table.Deliver(respChunk("never-opened", "x")) {
		t.Fatal("deliver to unknown exchange should return false")
	}
}

func TestDuplicateExchangeID(t *testing.T) {
	table := NewExchangeTable(8, time.Second)
	if _, err := table.Open("req-1"); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := table.Open("req-1"); err == nil {
		t.Fatal("second open with the same id should fail")
	}
}

func TestStalledExchangeFailsAlone(t *testing.T) {
	table := NewExchangeTable(1, 30*time.Millisecond)
	slow, err := table.Open("slow")
	if err != nil {
		t.Fatalf("open slow: %v", err)
	}
	fast, err := table.Open("fast")
	if err != nil {
		t.Fatalf("open fast: %v", err)
	}

	// Fill the slow exchange's buffer and never consume it.
	if !table.Deliver(respChunk("slow", "1")) {
		t.Fatal("first deliver should fit in the buffer")
	}
	if table.Deliver(respChunk("slow", "2")) {
		t.Fatal("deliver to a full, unconsumed exchange should eventually fail")
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("stalled exchange was not closed")
	}
	if !errors.Is(slow.Err(), ErrExchangeStalled) {
		t.Fatalf("slow.Err() = %v, want ErrExchangeStalled", slow.Err())
	}

	// Other exchanges on the same table keep working.
	if !table.Deliver(respChunk("fast", "ok")) {
		t.Fatal("healthy exchange should still accept frames")
	}
	f := <-fast.Frames()
	if string(f.ResponseBodyChunk.Data) != "ok" {
		t.Fatalf("fast frame = %q, want %q", f.ResponseBodyChunk.Data, "ok")
	}
	if table.Len() != 1 {
		t.Fatalf("table.Len() = %d, want 1", table.Len())
	}
}

func TestFailAllFailsEveryPending(t *testing.T) {
	table := NewExchangeTable(8, time.Second)
	var open []*Exchange
	for _, id := range []string{"a", "b", "c"} {
		ex, err := table.Open(id)
		if err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
		open = append(open, ex)
	}

	table.FailAll(ErrSessionClosed)

	for _, ex := range open {
		select {
		case <-ex.Done():
		case <-time.After(time.Second):
			t.Fatalf("exchange %s not closed by FailAll", ex.ID())
		}
		if !errors.Is(ex.Err(), ErrSessionClosed) {
			t.Fatalf("ex.Err() = %v, want ErrSessionClosed", ex.Err())
		}
	}

	if _, err := table.Open("after-close"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("open after FailAll = %v, want ErrSessionClosed", err)
	}
}

func TestRemoveDiscardsLateFrames(t *testing.T) {
	table := NewExchangeTable(8, time.Second)
	ex, err := table.Open("req-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	table.Remove("req-1")

	if ex.Err() != nil {
		t.Fatalf("removed exchange should have nil error, got %v", ex.Err())
	}
	if table.Deliver(respChunk("req-1", "late")) {
		t.Fatal("frames after Remove should be dropped")
	}
}

func TestExchangeHooksTrackPending(t *testing.T) {
	table := NewExchangeTable(8, time.Second)
	var opened, closed int
	table.SetHooks(func() { opened++ }, func() { closed++ })

	if _, err := table.Open("a"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := table.Open("b"); err != nil {
		t.Fatalf("open: %v", err)
	}
	table.Remove("a")
	table.FailAll(ErrSessionClosed)

	if opened != 2 || closed != 2 {
		t.Fatalf("hooks: opened=%d closed=%d, want 2/2", opened, closed)
	}
}
