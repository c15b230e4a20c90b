package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// tcpSession 은 net.Conn 하나를 Session 으로 감싼 구현입니다.
type tcpSession struct {
	net.Conn
	id string
}

func (s *tcpSession) ID() string { return s.id }

func newTCPSession(c net.Conn) *tcpSession {
	return &tcpSession{Conn: c, id: uuid.NewString()}
}

// TCPServerConfig 는 TCP 컨트롤 리스너 구성입니다.
// TLSConfig 가 nil 이 아니면 수락된 커넥션을 TLS 로 감쌉니다.
type TCPServerConfig struct {
	Addr      string
	TLSConfig *tls.Config
}

type tcpServer struct {
	ln net.Listener
}

// NewTCPServer 는 컨트롤 채널용 TCP 리스너를 생성합니다.
func NewTCPServer(cfg TCPServerConfig) (Server, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen control %s: %w", cfg.Addr, err)
	}
	if cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, cfg.TLSConfig)
	}
	return &tcpServer{ln: ln}, nil
}

func (s *tcpServer) Accept() (Session, error) {
	c, err := s.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newTCPSession(c), nil
}

func (s *tcpServer) Close() error   { return s.ln.Close() }
func (s *tcpServer) Addr() net.Addr { return s.ln.Addr() }

// TCPClientConfig 는 TCP 컨트롤 다이얼러 구성입니다.
type TCPClientConfig struct {
	Addr      string
	TLSConfig *tls.Config
	Timeout   time.Duration
}

type tcpClient struct {
	cfg TCPClientConfig
}

// NewTCPClient 는 컨트롤 채널용 TCP 다이얼러를 생성합니다.
func NewTCPClient(cfg TCPClientConfig) Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &tcpClient{cfg: cfg}
}

func (c *tcpClient) Connect(ctx context.Context) (Session, error) {
	d := &net.Dialer{Timeout: c.cfg.Timeout, KeepAlive: 30 * time.Second}

	if c.cfg.TLSConfig != nil {
		td := &tls.Dialer{NetDialer: d, Config: c.cfg.TLSConfig}
		conn, err := td.DialContext(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("dial control %s: %w", c.cfg.Addr, err)
		}
		return newTCPSession(conn), nil
	}

	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial control %s: %w", c.cfg.Addr, err)
	}
	return newTCPSession(conn), nil
}

// NewPipeSession 은 in-memory 커넥션 쌍을 Session 으로 감싸 반환합니다.
// 실제 네트워크 없이 채널/프록시 로직을 검증하는 테스트에서 사용합니다.
func NewPipeSession() (Session, Session) {
	a, b := net.Pipe()
	return newTCPSession(a), newTCPSession(b)
}
