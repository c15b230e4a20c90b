package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultWebSocketPath 는 컨트롤 채널 업그레이드에 사용하는 HTTP 경로입니다.
const DefaultWebSocketPath = "/tunnel"

// wsSession 은 websocket 커넥션 하나를 바이트 스트림 Session 으로 적응시킵니다. (ko)
// wsSession adapts one websocket connection into a byte-stream Session. (en)
//
// 프레임 코덱은 스트림을 가정하므로, binary 메시지들의 나열을 하나의
// 연속된 Reader 로 이어 붙입니다. Read/Write 는 각각 단일 고루틴에서만
// 호출된다는 전제를 갖습니다(채널의 reader/writer 루프 구조와 일치).
type wsSession struct {
	conn *websocket.Conn
	id   string

	rmu sync.Mutex
	cur io.Reader // 현재 읽는 중인 binary 메시지

	wmu sync.Mutex
}

func newWSSession(conn *websocket.Conn) *wsSession {
	return &wsSession{conn: conn, id: uuid.NewString()}
}

func (s *wsSession) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	for {
		if s.cur == nil {
			mt, r, err := s.conn.NextReader()
			if err != nil {
				if isWSClosed(err) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				// text/기타 메시지는 프로토콜 위반이지만 무시하고 다음을 기다립니다.
				continue
			}
			s.cur = r
		}
		n, err := s.cur.Read(p)
		if err == io.EOF {
			// 메시지 하나를 다 읽음; 다음 메시지로 이어갑니다.
			s.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsSession) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		if isWSClosed(err) {
			return 0, io.EOF
		}
		return 0, err
	}
	return len(p), nil
}

func (s *wsSession) Close() error {
	s.wmu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.wmu.Unlock()
	return s.conn.Close()
}

func (s *wsSession) ID() string           { return s.id }
func (s *wsSession) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *wsSession) SetDeadline(t time.Time) error {
	if err := s.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return s.conn.SetWriteDeadline(t)
}

func isWSClosed(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) ||
		errors.Is(err, net.ErrClosed)
}

// WSServerConfig 는 websocket 컨트롤 리스너 구성입니다.
type WSServerConfig struct {
	Addr string
	Path string // 기본값 DefaultWebSocketPath
}

type wsServer struct {
	ln       net.Listener
	httpSrv  *http.Server
	sessions chan Session
	done     chan struct{}
	once     sync.Once
}

// NewWSServer 는 websocket 업그레이드를 수락하는 컨트롤 리스너를 생성합니다.
// Path 이외의 요청에는 404 를 돌려줍니다.
func NewWSServer(cfg WSServerConfig) (Server, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultWebSocketPath
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen control %s: %w", cfg.Addr, err)
	}

	s := &wsServer{
		ln:       ln,
		sessions: make(chan Session, 8),
		done:     make(chan struct{}),
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		// 컨트롤 채널은 브라우저 트래픽이 아니므로 origin 검사가 의미 없습니다.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			http.Error(w, "websocket upgrade required", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case s.sessions <- newWSSession(conn):
		case <-s.done:
			_ = conn.Close()
		}
	})

	s.httpSrv = &http.Server{Handler: mux}
	go func() { _ = s.httpSrv.Serve(ln) }()

	return s, nil
}

func (s *wsServer) Accept() (Session, error) {
	select {
	case sess := <-s.sessions:
		return sess, nil
	case <-s.done:
		return nil, net.ErrClosed
	}
}

func (s *wsServer) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.httpSrv.Close()
}

func (s *wsServer) Addr() net.Addr { return s.ln.Addr() }

// WSClientConfig 는 websocket 컨트롤 다이얼러 구성입니다.
type WSClientConfig struct {
	// URL 은 ws://host:port/tunnel 형태의 전체 URL 입니다.
	URL              string
	HandshakeTimeout time.Duration
}

type wsClient struct {
	cfg WSClientConfig
}

// NewWSClient 는 websocket 컨트롤 다이얼러를 생성합니다.
func NewWSClient(cfg WSClientConfig) Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &wsClient{cfg: cfg}
}

func (c *wsClient) Connect(ctx context.Context) (Session, error) {
	d := websocket.Dialer{
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, resp, err := d.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial control %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial control %s: %w", c.cfg.URL, err)
	}
	return newWSSession(conn), nil
}

// ControlURL 은 host:port 주소를 websocket 컨트롤 URL 로 변환합니다.
func ControlURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "ws://" + addr + DefaultWebSocketPath
}
