package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dalbodeule/rshare/internal/logging"
	"github.com/dalbodeule/rshare/internal/protocol"
)

// State 는 세션 생명주기 상태입니다. 전이는 한 방향으로만 일어납니다:
// Connecting -> Handshaking -> Active -> Draining -> Closed.
// Draining 은 선택 단계이며, 비정상 종료 시 Active 에서 바로 Closed 로 갑니다.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Unregisterer 는 세션 종료 시 도메인 바인딩을 해제할 수 있는 레지스트리의 부분 뷰입니다.
type Unregisterer interface {
	Unregister(domain, sessionID string)
}

// Session 은 활성 제어 채널 하나와 그에 묶인 도메인, pending 교환 테이블을 묶습니다.
//
// 서버 쪽에서 핸드셰이크가 끝난 뒤 생성되며, Serve() 가 반환하면 세션은
// 끝난 것입니다. destruction 은 정확히 한 번만 수행됩니다: 도메인 바인딩을
// 해제하고 모든 pending 교환을 실패시킵니다.
type Session struct {
	id     string
	domain string
	ch     *Channel
	table  *ExchangeTable
	reg    Unregisterer
	state  atomic.Int32
	logger logging.Logger

	onLateFrame func()
}

// Config 는 세션 생성 파라미터입니다.
type Config struct {
	Domain string
	Table  *ExchangeTable
	Reg    Unregisterer
	Logger logging.Logger

	// OnLateFrame 은 이미 끝난 교환으로 향한 늦은 프레임이 버려질 때 호출됩니다.
	OnLateFrame func()
}

// New 는 핸드셰이크를 마친 채널 위에 세션을 만듭니다. 초기 상태는 Active 입니다.
func New(ch *Channel, cfg Config) *Session {
	table := cfg.Table
	if table == nil {
		table = NewExchangeTable(0, 0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Session{
		id:          ch.SessionID(),
		domain:      cfg.Domain,
		ch:          ch,
		table:       table,
		reg:         cfg.Reg,
		logger:      logger.With(logging.Fields{"session": ch.SessionID(), "domain": cfg.Domain}),
		onLateFrame: cfg.OnLateFrame,
	}
	s.state.Store(int32(StateActive))
	return s
}

// ID 는 세션 식별자입니다.
func (s *Session) ID() string { return s.id }

// Domain 은 이 세션에 바인딩된 도메인입니다.
func (s *Session) Domain() string { return s.domain }

// State 는 현재 생명주기 상태를 반환합니다.
func (s *Session) State() State { return State(s.state.Load()) }

// Channel 은 하부 제어 채널입니다.
func (s *Session) Channel() *Channel { return s.ch }

// Table 은 pending 교환 테이블입니다.
func (s *Session) Table() *ExchangeTable { return s.table }

// Serve 는 채널의 프레임 루프를 돌리고, 루프가 끝나면 세션을 정리합니다.
// 반환값은 채널 종료 원인입니다(clean close 면 nil).
func (s *Session) Serve() error {
	err := s.ch.Run(s.handleFrame)
	s.teardown()
	return err
}

// handleFrame 은 클라이언트가 보낸 응답 계열 프레임을 교환으로 라우팅합니다.
// 대상 교환이 없는 늦은 프레임은 조용히 버립니다. 응답 계열이 아닌 타입은
// 프로토콜 위반으로 취급해 채널을 닫습니다.
func (s *Session) handleFrame(f *protocol.Frame) error {
	switch f.Type {
	case protocol.FrameResponseHeader, protocol.FrameResponseBodyChunk,
		protocol.FrameResponseEnd, protocol.FrameRequestError:
		if !s.table.Deliver(f) {
			if s.onLateFrame != nil {
				s.onLateFrame()
			}
			s.logger.Debug("늦은 프레임 폐기", logging.Fields{"type": string(f.Type), "request": f.RequestID()})
		}
		return nil
	default:
		return protocol.ErrCorruptFrame
	}
}

// Drain 은 세션을 Draining 으로 전환합니다. 새 요청 라우팅은 차단되지만
// 이미 진행 중인 교환은 grace 동안 끝까지 수행됩니다.
func (s *Session) Drain(grace time.Duration) {
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateDraining)) {
		return
	}
	s.logger.Info("세션 draining 시작", logging.Fields{"grace": grace.String()})
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.ch.Done():
		}
		s.ch.Close()
	}()
}

// Close 는 세션을 즉시 종료합니다.
func (s *Session) Close() {
	s.ch.Close()
}

func (s *Session) teardown() {
	prev := State(s.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return
	}
	if s.reg != nil && s.domain != "" {
		s.reg.Unregister(s.domain, s.id)
	}
	s.table.FailAll(ErrSessionClosed)
	s.logger.Info("세션 종료", logging.Fields{"prev_state": prev.String()})
}

// Hub 는 session id 로 활성 세션을 찾는 인덱스입니다.
// 레지스트리가 domain -> session id 를 주면 허브가 세션 객체를 내줍니다.
type Hub struct {
	mu sync.RWMutex
	m  map[string]*Session
}

// NewHub 는 빈 허브를 만듭니다.
func NewHub() *Hub {
	return &Hub{m: make(map[string]*Session)}
}

// Add 는 세션을 허브에 넣습니다.
func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	h.m[s.ID()] = s
	h.mu.Unlock()
}

// Remove 는 해당 id 의 세션이 s 와 같을 때만 제거합니다.
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	if cur, ok := h.m[s.ID()]; ok && cur == s {
		delete(h.m, s.ID())
	}
	h.mu.Unlock()
}

// Get 은 id 에 해당하는 세션을 돌려줍니다.
func (h *Hub) Get(id string) (*Session, bool) {
	h.mu.RLock()
	s, ok := h.m[id]
	h.mu.RUnlock()
	return s, ok
}

// Len 은 허브에 등록된 세션 수입니다.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.m)
}

// Each 는 모든 세션에 fn 을 적용합니다. 종료 시 일괄 drain 에 씁니다.
func (h *Hub) Each(fn func(*Session)) {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.m))
	for _, s := range h.m {
		all = append(all, s)
	}
	h.mu.RUnlock()
	for _, s := range all {
		fn(s)
	}
}
