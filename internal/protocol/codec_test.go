package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
)

// halfReader returns at most one byte per Read call to simulate a transport
// that delivers frames in arbitrarily small pieces. The decoder must be able
// to resume across partial reads.
type halfReader struct {
	r io.Reader
}

func (h halfReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return h.r.Read(p)
}

func TestCodecRoundTripRequestHeader(t *testing.T) {
	for name, codec := range map[string]WireCodec{"msgpack": DefaultCodec, "json": JSONCodec} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer

			in := &Frame{
				Type: FrameRequestHeader,
				RequestHeader: &RequestHeader{
					RequestID: "req-123",
					Method:    "GET",
					Path:      "/api/users?page=2",
					Header: map[string][]string{
						"Accept":     {"application/json"},
						"User-Agent": {"curl/8.0"},
					},
				},
			}

			if err := codec.Encode(&buf, in); err != nil {
				t.Fatalf("Encode: %v", err)
			}

			var out Frame
			if err := codec.Decode(&buf, &out); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if out.Type != FrameRequestHeader {
				t.Fatalf("Type = %q, want %q", out.Type, FrameRequestHeader)
			}
			if out.RequestHeader == nil {
				t.Fatal("RequestHeader is nil after decode")
			}
			if out.RequestHeader.RequestID != "req-123" {
				t.Errorf("RequestID = %q, want %q", out.RequestHeader.RequestID, "req-123")
			}
			if out.RequestHeader.Method != "GET" || out.RequestHeader.Path != "/api/users?page=2" {
				t.Errorf("method/path = %q %q", out.RequestHeader.Method, out.RequestHeader.Path)
			}
			if got := out.RequestHeader.Header["Accept"]; len(got) != 1 || got[0] != "application/json" {
				t.Errorf("Accept header = %v", got)
			}
		})
	}
}

func TestCodecMultipleFramesInOrder(t *testing.T) {
	var buf bytes.Buffer

	frames := []*Frame{
		{Type: FrameRequestHeader, RequestHeader: &RequestHeader{RequestID: "r1", Method: "POST", Path: "/upload"}},
		{Type: FrameRequestBodyChunk, RequestBodyChunk: &BodyChunk{RequestID: "r1", Data: []byte("first chunk")}},
		{Type: FrameRequestBodyChunk, RequestBodyChunk: &BodyChunk{RequestID: "r1", Data: []byte("second chunk")}},
		{Type: FrameRequestEnd, RequestEnd: &ExchangeRef{RequestID: "r1"}},
		NewPing(),
		{Type: FrameResponseHeader, ResponseHeader: &ResponseHeader{RequestID: "r1", Status: 200}},
		{Type: FrameResponseEnd, ResponseEnd: &ExchangeRef{RequestID: "r1"}},
	}

	for i, f := range frames {
		if err := DefaultCodec.Encode(&buf, f); err != nil {
			t.Fatalf("Encode frame %d: %v", i, err)
		}
	}

	for i, want := range frames {
		var got Frame
		if err := DefaultCodec.Decode(&buf, &got); err != nil {
			t.Fatalf("Decode frame %d: %v", i, err)
		}
		if got.Type != want.Type {
			t.Errorf("frame %d: Type = %q, want %q", i, got.Type, want.Type)
		}
		if got.RequestID() != want.RequestID() {
			t.Errorf("frame %d: RequestID = %q, want %q", i, got.RequestID(), want.RequestID())
		}
	}

	var extra Frame
	if err := DefaultCodec.Decode(&buf, &extra); err != io.EOF {
		t.Fatalf("Decode past end: err = %v, want io.EOF", err)
	}
}

func TestCodecResumableOverPartialReads(t *testing.T) {
	var buf bytes.Buffer

	in := &Frame{
		Type:              FrameResponseBodyChunk,
		ResponseBodyChunk: &BodyChunk{RequestID: "r9", Data: bytes.Repeat([]byte("x"), 4096)},
	}
	if err := DefaultCodec.Encode(&buf, in); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out Frame
	if err := DefaultCodec.Decode(halfReader{&buf}, &out); err != nil {
		t.Fatalf("Decode over partial reads: %v", err)
	}
	if out.ResponseBodyChunk == nil || !bytes.Equal(out.ResponseBodyChunk.Data, in.ResponseBodyChunk.Data) {
		t.Fatal("body chunk corrupted across partial reads")
	}
}

func TestCodecRejectsOversizeFrame(t *testing.T) {
	// A length prefix over MaxFrameBytes must be rejected before any
	// allocation of the payload.
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameBytes+1)

	var out Frame
	err := DefaultCodec.Decode(bytes.NewReader(hdr[:]), &out)
	if !errors.Is(err, ErrCorruptFrame) {
		t.Fatalf("err = %v, want ErrCorruptFrame", err)
	}
}

func TestCodecRejectsGarbagePayload(t *testing.T) {
	payload := []byte("this is not a frame")
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	buf.Write(hdr[:])
	buf.Write(payload)

	var out Frame
	err := DefaultCodec.Decode(&buf, &out)
	if !errors.Is(err, ErrCorruptFrame) {
		t.Fatalf("err = %v, want ErrCorruptFrame", err)
	}
}

func TestCodecRejectsMissingPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := DefaultCodec.Encode(&buf, &Frame{Type: FrameRequestHeader}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out Frame
	err := DefaultCodec.Decode(&buf, &out)
	if !errors.Is(err, ErrCorruptFrame) {
		t.Fatalf("err = %v, want ErrCorruptFrame", err)
	}
}

func TestCodecRejectsTooLargeEncode(t *testing.T) {
	in := &Frame{
		Type:             FrameRequestBodyChunk,
		RequestBodyChunk: &BodyChunk{RequestID: "r1", Data: bytes.Repeat([]byte("a"), MaxFrameBytes+1)},
	}
	err := DefaultCodec.Encode(io.Discard, in)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("err = %v, want frame-too-large error", err)
	}
}
