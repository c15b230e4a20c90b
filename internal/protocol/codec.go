package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// DefaultChunkSize 는 요청/응답 본문을 BodyChunk 프레임으로 자를 때의 기본 크기입니다.
// 프레임 하나가 MaxFrameBytes 를 넘지 않도록 충분히 작은 값을 사용합니다.
const DefaultChunkSize = 32 * 1024

// MaxFrameBytes 는 단일 프레임의 최대 크기 상한입니다.
// 본문은 chunk 단위로 전송되므로 정상 트래픽에서 이 값을 넘을 일이 없고,
// 이를 넘는 프레임은 손상된 스트림으로 간주합니다.
const MaxFrameBytes = 512 * 1024 // 512KiB

// ErrCorruptFrame 은 채널의 바이트 스트림이 더 이상 신뢰할 수 없는 상태임을 나타냅니다.
// 이 에러가 반환되면 소유 세션을 종료해야 하며, 이후 프레임을 처리하면 안 됩니다.
var ErrCorruptFrame = errors.New("protocol: corrupt frame")

// WireCodec 는 Frame 의 직렬화/역직렬화를 추상화합니다.
// msgpack, JSON 등으로 교체할 때 이 인터페이스만 유지하면 됩니다.
//
// Encode 한 번의 호출은 스트림에 정확히 하나의 length-prefixed 프레임을 기록하고,
// Decode 한 번의 호출은 정확히 하나의 프레임을 소비합니다. Decode 는 partial read
// 가 발생하는 스트림 위에서도 재개 가능합니다(io.ReadFull 기반).
type WireCodec interface {
	Encode(w io.Writer, f *Frame) error
	Decode(r io.Reader, f *Frame) error
}

// msgpackCodec 은 msgpack + length-prefix framing 기반 WireCodec 구현입니다.
// 한 프레임당 [4바이트 big-endian 길이] + [msgpack bytes] 형태로 인코딩합니다.
type msgpackCodec struct{}

// Encode 는 Frame 을 msgpack 으로 변환한 뒤, length-prefix 프레이밍으로 기록합니다.
func (msgpackCodec) Encode(w io.Writer, f *Frame) error {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("msgpack codec: marshal frame: %w", err)
	}
	return writeFrame(w, data)
}

// Decode 는 length-prefix 프레임에서 msgpack Frame 을 읽어들입니다.
func (msgpackCodec) Decode(r io.Reader, f *Frame) error {
	buf, err := readFrame(r)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(buf, f); err != nil {
		return fmt.Errorf("%w: msgpack unmarshal: %v", ErrCorruptFrame, err)
	}
	return validate(f)
}

// jsonCodec 은 같은 프레이밍 위에 JSON payload 를 싣는 구현입니다.
// 와이어 덤프를 눈으로 읽어야 하는 디버깅 상황을 위해 남겨둡니다.
type jsonCodec struct{}

func (jsonCodec) Encode(w io.Writer, f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("json codec: marshal frame: %w", err)
	}
	return writeFrame(w, data)
}

func (jsonCodec) Decode(r io.Reader, f *Frame) error {
	buf, err := readFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(buf, f); err != nil {
		return fmt.Errorf("%w: json unmarshal: %v", ErrCorruptFrame, err)
	}
	return validate(f)
}

// DefaultCodec 은 현재 런타임에서 사용하는 기본 WireCodec 입니다.
var DefaultCodec WireCodec = msgpackCodec{}

// JSONCodec 은 디버깅용 JSON WireCodec 입니다.
var JSONCodec WireCodec = jsonCodec{}

func writeFrame(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("codec: empty marshaled frame")
	}
	if len(data) > MaxFrameBytes {
		return fmt.Errorf("codec: frame too large: %d bytes (max %d)", len(data), MaxFrameBytes)
	}

	// 길이 프리픽스와 본문을 한 번에 기록해 writer 측 torn write 를 방지합니다.
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("codec: write frame: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("codec: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, fmt.Errorf("%w: zero-length frame", ErrCorruptFrame)
	}
	if n > MaxFrameBytes {
		return nil, fmt.Errorf("%w: frame too large: %d bytes (max %d)", ErrCorruptFrame, n, MaxFrameBytes)
	}

	buf := make([]byte, int(n))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("codec: read payload: %w", err)
	}
	return buf, nil
}

// validate 는 디코딩된 프레임이 Type 에 맞는 payload 를 갖는지 확인합니다.
// payload 가 비어 있는 프레임을 그대로 통과시키면 상위 레이어에서
// nil 역참조로 이어지므로 여기서 손상으로 분류합니다.
func validate(f *Frame) error {
	ok := false
	switch f.Type {
	case FrameHandshake:
		ok = f.Handshake != nil
	case FrameHandshakeAck:
		ok = f.HandshakeAck != nil
	case FrameRequestHeader:
		ok = f.RequestHeader != nil
	case FrameRequestBodyChunk:
		ok = f.RequestBodyChunk != nil
	case FrameRequestEnd:
		ok = f.RequestEnd != nil
	case FrameResponseHeader:
		ok = f.ResponseHeader != nil
	case FrameResponseBodyChunk:
		ok = f.ResponseBodyChunk != nil
	case FrameResponseEnd:
		ok = f.ResponseEnd != nil
	case FrameRequestError:
		ok = f.RequestError != nil
	case FramePing, FramePong:
		ok = true
	default:
		return fmt.Errorf("%w: unknown frame type %q", ErrCorruptFrame, f.Type)
	}
	if !ok {
		return fmt.Errorf("%w: frame type %q missing payload", ErrCorruptFrame, f.Type)
	}
	return nil
}
