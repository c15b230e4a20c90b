package transport

import (
	"context"
	"io"
	"net"
	"time"
)

// Session 은 서버-클라이언트 간 양방향 바이트 스트림을 추상화합니다. (ko)
// Session abstracts one bidirectional byte stream between server and client. (en)
//
// 전송 계층 암호화는 세션 구현(TLS wrap)이나 앞단 프록시가 책임지며,
// 프로토콜 자체는 어떤 스트림 위에서도 동작합니다.
type Session interface {
	io.ReadWriteCloser

	// ID 는 로그/메트릭에서 세션을 구분하기 위한 식별자입니다.
	ID() string

	// RemoteAddr 는 상대방 주소를 반환합니다.
	RemoteAddr() net.Addr

	// SetDeadline 은 이후의 Read/Write 에 적용되는 데드라인을 설정합니다.
	// 핸드셰이크처럼 시간 제한이 필요한 단계에서 사용합니다.
	SetDeadline(t time.Time) error
}

// Server 는 다중 클라이언트 세션을 수락하는 리스너 추상화입니다.
type Server interface {
	Accept() (Session, error)
	Close() error
	Addr() net.Addr
}

// Client 는 단일 서버와의 세션을 여는 다이얼러 추상화입니다.
type Client interface {
	Connect(ctx context.Context) (Session, error)
}

// Kind 는 컨트롤 채널이 사용할 전송 종류입니다.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindWebSocket Kind = "websocket"
)

// ParseKind 는 설정 문자열을 Kind 로 변환합니다. 알 수 없는 값은 tcp 로 처리합니다.
func ParseKind(s string) Kind {
	switch s {
	case string(KindWebSocket), "ws":
		return KindWebSocket
	default:
		return KindTCP
	}
}
