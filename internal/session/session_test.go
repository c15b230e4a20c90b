package session

import (
	"errors"
	"testing"
	"time"

	"github.com/dalbodeule/rshare/internal/protocol"
	"github.com/dalbodeule/rshare/internal/registry"
	"github.com/dalbodeule/rshare/internal/transport"
)

func TestSessionRoutesResponseFrames(t *testing.T) {
	server, client := transport.NewPipeSession()
	reg := registry.New()
	if err := reg.Register("demo.dev.peril.lol", server.ID()); err != nil {
		t.Fatalf("register: %v", err)
	}

	ch := NewChannel(server, ChannelConfig{})
	sess := New(ch, Config{Domain: "demo.dev.peril.lol", Reg: reg})

	ex, err := sess.Table().Open("req-1")
	if err != nil {
		t.Fatalf("open exchange: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Serve() }()

	codec := protocol.DefaultCodec
	frames := []*protocol.Frame{
		{
			Type:           protocol.FrameResponseHeader,
			ResponseHeader: &protocol.ResponseHeader{RequestID: "req-1", Status: 200},
		},
		{
			Type:              protocol.FrameResponseBodyChunk,
			ResponseBodyChunk: &protocol.BodyChunk{RequestID: "req-1", Data: []byte(`{"ok":true}`)},
		},
		{
			Type:        protocol.FrameResponseEnd,
			ResponseEnd: &protocol.ExchangeRef{RequestID: "req-1"},
		},
	}
	for _, f := range frames {
		if err := codec.Encode(client, f); err != nil {
			t.Fatalf("send %s: %v", f.Type, err)
		}
	}

	got := make([]protocol.FrameType, 0, len(frames))
	for range frames {
		select {
		case f := <-ex.Frames():
			got = append(got, f.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for frame, got %v so far", got)
		}
	}
	want := []protocol.FrameType{
		protocol.FrameResponseHeader,
		protocol.FrameResponseBodyChunk,
		protocol.FrameResponseEnd,
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: got %s, want %s", i, got[i], want[i])
		}
	}

	// Peer disconnect tears the session down and releases the domain.
	client.Close()
	if err := <-done; err != nil {
		t.Fatalf("Serve returned %v, want nil on peer close", err)
	}
	if sess.State() != StateClosed {
		t.Fatalf("state = %s, want closed", sess.State())
	}
	if _, ok := reg.Lookup("demo.dev.peril.lol"); ok {
		t.Fatal("domain binding should be released on teardown")
	}
	if !errors.Is(ex.Err(), ErrSessionClosed) {
		t.Fatalf("pending exchange err = %v, want ErrSessionClosed", ex.Err())
	}
}

func TestSessionCorrelatesConcurrentExchanges(t *testing.T) {
	server, client := transport.NewPipeSession()
	ch := NewChannel(server, ChannelConfig{})
	sess := New(ch, Config{Domain: "x.dev.peril.lol"})

	exA, err := sess.Table().Open("req-a")
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	exB, err := sess.Table().Open("req-b")
	if err != nil {
		t.Fatalf("open b: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Serve() }()

	// Interleave frames for two exchanges over the one stream.
	codec := protocol.DefaultCodec
	script := []struct {
		id   string
		data string
	}{
		{"req-a", "a1"}, {"req-b", "b1"}, {"req-a", "a2"}, {"req-b", "b2"}, {"req-a", "a3"},
	}
	for _, s := range script {
		f := &protocol.Frame{
			Type:              protocol.FrameResponseBodyChunk,
			ResponseBodyChunk: &protocol.BodyChunk{RequestID: s.id, Data: []byte(s.data)},
		}
		if err := codec.Encode(client, f); err != nil {
			t.Fatalf("send %s: %v", s.data, err)
		}
	}

	collect := func(ex *Exchange, n int) []string {
		var got []string
		for i := 0; i < n; i++ {
			select {
			case f := <-ex.Frames():
				got = append(got, string(f.ResponseBodyChunk.Data))
			case <-time.After(time.Second):
				t.Fatalf("exchange %s: timed out after %v", ex.ID(), got)
			}
		}
		return got
	}

	gotA := collect(exA, 3)
	gotB := collect(exB, 2)
	for i, want := range []string{"a1", "a2", "a3"} {
		if gotA[i] != want {
			t.Fatalf("exchange a frame %d = %q, want %q", i, gotA[i], want)
		}
	}
	for i, want := range []string{"b1", "b2"} {
		if gotB[i] != want {
			t.Fatalf("exchange b frame %d = %q, want %q", i, gotB[i], want)
		}
	}

	client.Close()
	<-done
}

func TestSessionDropsLateFrames(t *testing.T) {
	server, client := transport.NewPipeSession()
	ch := NewChannel(server, ChannelConfig{})

	var late int
	sess := New(ch, Config{Domain: "x.dev.peril.lol", OnLateFrame: func() { late++ }})

	done := make(chan error, 1)
	go func() { done <- sess.Serve() }()

	f := &protocol.Frame{
		Type:        protocol.FrameResponseEnd,
		ResponseEnd: &protocol.ExchangeRef{RequestID: "finished-long-ago"},
	}
	if err := protocol.DefaultCodec.Encode(client, f); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Give the reader loop a moment to process the frame.
	deadline := time.Now().Add(time.Second)
	for late == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if late != 1 {
		t.Fatalf("late frame hook fired %d times, want 1", late)
	}

	client.Close()
	<-done
}

func TestSessionRejectsRequestFramesFromClient(t *testing.T) {
	server, client := transport.NewPipeSession()
	defer client.Close()
	ch := NewChannel(server, ChannelConfig{})
	sess := New(ch, Config{Domain: "x.dev.peril.lol"})

	done := make(chan error, 1)
	go func() { done <- sess.Serve() }()

	f := &protocol.Frame{
		Type:          protocol.FrameRequestHeader,
		RequestHeader: &protocol.RequestHeader{RequestID: "r", Method: "GET", Path: "/"},
	}
	if err := protocol.DefaultCodec.Encode(client, f); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := <-done; !errors.Is(err, protocol.ErrCorruptFrame) {
		t.Fatalf("Serve returned %v, want protocol violation", err)
	}
}

func TestSessionDrainBlocksNewWorkThenCloses(t *testing.T) {
	server, client := transport.NewPipeSession()
	defer client.Close()
	ch := NewChannel(server, ChannelConfig{})
	sess := New(ch, Config{Domain: "x.dev.peril.lol"})

	done := make(chan error, 1)
	go func() { done <- sess.Serve() }()

	sess.Drain(50 * time.Millisecond)
	if sess.State() != StateDraining {
		t.Fatalf("state = %s, want draining", sess.State())
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not close after the drain grace expired")
	}
	if sess.State() != StateClosed {
		t.Fatalf("state = %s, want closed", sess.State())
	}
}

func TestHubAddGetRemove(t *testing.T) {
	server, client := transport.NewPipeSession()
	defer server.Close()
	defer client.Close()

	hub := NewHub()
	sess := New(NewChannel(server, ChannelConfig{}), Config{Domain: "x.dev.peril.lol"})

	hub.Add(sess)
	if got, ok := hub.Get(sess.ID()); !ok || got != sess {
		t.Fatal("hub should return the session it was given")
	}
	if hub.Len() != 1 {
		t.Fatalf("hub.Len() = %d, want 1", hub.Len())
	}

	hub.Remove(sess)
	if _, ok := hub.Get(sess.ID()); ok {
		t.Fatal("session should be gone after Remove")
	}
}
