package protocol

// FrameType 은 컨트롤 채널 위를 흐르는 메시지의 종류를 나타냅니다.
type FrameType string

const (
	FrameHandshake    FrameType = "handshake"
	FrameHandshakeAck FrameType = "handshake_ack"

	FrameRequestHeader    FrameType = "request_header"
	FrameRequestBodyChunk FrameType = "request_body_chunk"
	FrameRequestEnd       FrameType = "request_end"

	FrameResponseHeader    FrameType = "response_header"
	FrameResponseBodyChunk FrameType = "response_body_chunk"
	FrameResponseEnd       FrameType = "response_end"

	FrameRequestError FrameType = "request_error"
	FramePing         FrameType = "ping"
	FramePong         FrameType = "pong"
)

// Frame 은 컨트롤 채널의 단일 프로토콜 메시지입니다.
// Type 에 해당하는 payload 포인터 하나만 non-nil 이어야 합니다.
//
// 같은 RequestID 에 대한 프레임은 송신 순서가 보존되며, 수신자는
// Header → BodyChunk* → End (또는 중간의 RequestError) 순서를 기대할 수 있습니다.
type Frame struct {
	Type FrameType `msgpack:"t" json:"t"`

	Handshake    *Handshake    `msgpack:"hs,omitempty" json:"hs,omitempty"`
	HandshakeAck *HandshakeAck `msgpack:"ha,omitempty" json:"ha,omitempty"`

	RequestHeader    *RequestHeader `msgpack:"rq,omitempty" json:"rq,omitempty"`
	RequestBodyChunk *BodyChunk     `msgpack:"rqb,omitempty" json:"rqb,omitempty"`
	RequestEnd       *ExchangeRef   `msgpack:"rqe,omitempty" json:"rqe,omitempty"`

	ResponseHeader    *ResponseHeader `msgpack:"rs,omitempty" json:"rs,omitempty"`
	ResponseBodyChunk *BodyChunk      `msgpack:"rsb,omitempty" json:"rsb,omitempty"`
	ResponseEnd       *ExchangeRef    `msgpack:"rse,omitempty" json:"rse,omitempty"`

	RequestError *RequestError `msgpack:"err,omitempty" json:"err,omitempty"`
}

// Handshake 는 클라이언트가 연결 직후 서버로 보내는 첫 프레임입니다.
// Domain 이 비어 있으면 서버가 도메인을 자동 할당합니다.
type Handshake struct {
	Domain string `msgpack:"domain" json:"domain"`
	Token  string `msgpack:"token,omitempty" json:"token,omitempty"`
}

// HandshakeAck 는 서버가 핸드셰이크 결과를 돌려줄 때 사용합니다.
// OK 가 false 이면 서버는 이 프레임 전송 후 연결을 닫습니다.
type HandshakeAck struct {
	OK      bool   `msgpack:"ok" json:"ok"`
	Message string `msgpack:"message,omitempty" json:"message,omitempty"`
	Domain  string `msgpack:"domain,omitempty" json:"domain,omitempty"`
}

// RequestHeader 는 공인 HTTP 요청의 시작을 나타냅니다.
type RequestHeader struct {
	RequestID string              `msgpack:"id" json:"id"`
	Method    string              `msgpack:"method" json:"method"`
	Path      string              `msgpack:"path" json:"path"`
	Header    map[string][]string `msgpack:"header,omitempty" json:"header,omitempty"`
}

// ResponseHeader 는 로컬 서비스 응답의 시작을 나타냅니다.
type ResponseHeader struct {
	RequestID string              `msgpack:"id" json:"id"`
	Status    int                 `msgpack:"status" json:"status"`
	Header    map[string][]string `msgpack:"header,omitempty" json:"header,omitempty"`
}

// BodyChunk 는 요청 또는 응답 본문의 일부 바이트입니다.
type BodyChunk struct {
	RequestID string `msgpack:"id" json:"id"`
	Data      []byte `msgpack:"data" json:"data"`
}

// ExchangeRef 는 본문 종료(End) 프레임처럼 request id 만 필요한 payload 입니다.
type ExchangeRef struct {
	RequestID string `msgpack:"id" json:"id"`
}

// RequestError 는 하나의 교환(exchange)을 조기 종료시킵니다.
// 세션의 다른 교환에는 영향을 주지 않습니다.
type RequestError struct {
	RequestID string `msgpack:"id" json:"id"`
	Reason    string `msgpack:"reason" json:"reason"`
}

// NewPing / NewPong 은 heartbeat 프레임을 생성하는 헬퍼입니다.
func NewPing() *Frame { return &Frame{Type: FramePing} }
func NewPong() *Frame { return &Frame{Type: FramePong} }

// RequestID 는 프레임이 참조하는 교환의 id 를 반환합니다.
// 교환과 무관한 프레임(Ping 등)은 빈 문자열을 반환합니다.
func (f *Frame) RequestID() string {
	switch f.Type {
	case FrameRequestHeader:
		if f.RequestHeader != nil {
			return f.RequestHeader.RequestID
		}
	case FrameRequestBodyChunk:
		if f.RequestBodyChunk != nil {
			return f.RequestBodyChunk.RequestID
		}
	case FrameRequestEnd:
		if f.RequestEnd != nil {
			return f.RequestEnd.RequestID
		}
	case FrameResponseHeader:
		if f.ResponseHeader != nil {
			return f.ResponseHeader.RequestID
		}
	case FrameResponseBodyChunk:
		if f.ResponseBodyChunk != nil {
			return f.ResponseBodyChunk.RequestID
		}
	case FrameResponseEnd:
		if f.ResponseEnd != nil {
			return f.ResponseEnd.RequestID
		}
	case FrameRequestError:
		if f.RequestError != nil {
			return f.RequestError.RequestID
		}
	}
	return ""
}
