package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dalbodeule/rshare/internal/protocol"
)

// ErrExchangeStalled 는 수신자가 배달 대기 시간 안에 프레임을 소비하지 못해
// 해당 교환만 실패 처리되었음을 나타냅니다. 채널의 다른 교환은 영향받지 않습니다.
var ErrExchangeStalled = errors.New("session: exchange stalled, receiver too slow")

// ErrExchangeTimeout 은 응답 대기 시간 안에 첫 응답 프레임이 도착하지 않았음을
// 나타냅니다. 해당 교환에만 국한되며 세션은 계속 살아 있습니다.
var ErrExchangeTimeout = errors.New("session: exchange timed out")

// defaultDeliverWait 는 교환 버퍼가 가득 찼을 때 reader 루프가 기다리는 상한입니다.
// 이 시간 안에 자리가 나지 않으면 느린 교환 하나를 포기하고 채널을 계속 돌립니다.
const defaultDeliverWait = 5 * time.Second

// defaultExchangeBuffer 는 교환별 인바운드 프레임 버퍼 크기입니다.
const defaultExchangeBuffer = 32

// Exchange 는 하나의 in-flight 요청/응답 교환에 대한 수신측 핸드오프 구조입니다.
//
// 채널의 reader 루프가 프레임을 Frames() 로 밀어 넣고, 교환을 소유한
// 고루틴(디스패처 또는 포워더)이 꺼내 씁니다. Done() 이 닫히면 교환은
// 끝난 것이며, Err() 로 실패 원인을 확인할 수 있습니다.
type Exchange struct {
	id     string
	frames chan *protocol.Frame
	done   chan struct{}
	once   sync.Once

	errMu sync.Mutex
	err   error
}

// ID 는 교환의 request id 입니다.
func (e *Exchange) ID() string { return e.id }

// Frames 는 이 교환으로 라우팅된 인바운드 프레임 스트림입니다.
// 같은 request id 의 프레임은 송신 순서 그대로 도착합니다.
func (e *Exchange) Frames() <-chan *protocol.Frame { return e.frames }

// Done 은 교환이 제거되거나 실패하면 닫힙니다.
func (e *Exchange) Done() <-chan struct{} { return e.done }

// Err 는 교환의 실패 원인을 반환합니다. 정상 완료면 nil 입니다.
func (e *Exchange) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

func (e *Exchange) finish(err error) {
	e.once.Do(func() {
		e.errMu.Lock()
		e.err = err
		e.errMu.Unlock()
		close(e.done)
	})
}

// ExchangeTable 은 한 세션의 pending 교환들을 관리합니다.
//
// 여러 public 커넥션 핸들러가 동시에 Open/Remove 를 호출하고 reader 루프가
// Deliver 를 호출하므로 내부 잠금으로 보호됩니다. 테이블은 세션 단위로
// 소유되며 세션이 죽으면 FailAll 로 모든 교환이 한꺼번에 실패합니다.
type ExchangeTable struct {
	mu       sync.Mutex
	m        map[string]*Exchange
	closed   bool
	closeErr error

	buf  int
	wait time.Duration

	// onOpen/onClose 는 pending 교환 수 게이지 연동용 훅입니다.
	onOpen  func()
	onClose func()
}

// NewExchangeTable 은 빈 테이블을 생성합니다. buf/wait 가 0 이하면 기본값을 씁니다.
func NewExchangeTable(buf int, wait time.Duration) *ExchangeTable {
	if buf <= 0 {
		buf = defaultExchangeBuffer
	}
	if wait <= 0 {
		wait = defaultDeliverWait
	}
	return &ExchangeTable{
		m:    make(map[string]*Exchange),
		buf:  buf,
		wait: wait,
	}
}

// SetHooks 는 교환 생성/제거 시 호출될 훅을 등록합니다.
func (t *ExchangeTable) SetHooks(onOpen, onClose func()) {
	t.onOpen = onOpen
	t.onClose = onClose
}

// Open 은 새 교환을 등록합니다. 테이블이 이미 닫혔거나 id 가 중복이면 실패합니다.
func (t *ExchangeTable) Open(id string) (*Exchange, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if _, dup := t.m[id]; dup {
		t.mu.Unlock()
		return nil, fmt.Errorf("session: duplicate exchange id %q", id)
	}
	e := &Exchange{
		id:     id,
		frames: make(chan *protocol.Frame, t.buf),
		done:   make(chan struct{}),
	}
	t.m[id] = e
	t.mu.Unlock()

	if t.onOpen != nil {
		t.onOpen()
	}
	return e, nil
}

// Remove 는 교환을 테이블에서 제거하고 종료 상태로 만듭니다.
// 이후 같은 id 로 도착하는 늦은 프레임은 Deliver 에서 버려집니다.
func (t *ExchangeTable) Remove(id string) {
	t.fail(id, nil)
}

// Fail 은 교환을 err 원인으로 실패 처리하고 제거합니다.
func (t *ExchangeTable) Fail(id string, err error) {
	t.fail(id, err)
}

func (t *ExchangeTable) fail(id string, err error) {
	t.mu.Lock()
	e, ok := t.m[id]
	if ok {
		delete(t.m, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	e.finish(err)
	if t.onClose != nil {
		t.onClose()
	}
}

// Deliver 는 프레임을 request id 에 해당하는 교환으로 라우팅합니다.
// 대상 교환이 없으면 false 를 반환합니다(타임아웃 후 도착한 늦은 프레임 등).
//
// 교환 버퍼가 가득 찬 경우 배달 대기 상한까지만 기다립니다. 그래도 자리가
// 없으면 해당 교환만 ErrExchangeStalled 로 실패시키고 false 를 반환해,
// 느린 수신자 하나가 세션 전체의 reader 루프를 막지 못하게 합니다.
func (t *ExchangeTable) Deliver(f *protocol.Frame) bool {
	id := f.RequestID()
	if id == "" {
		return false
	}

	t.mu.Lock()
	e, ok := t.m[id]
	t.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case e.frames <- f:
		return true
	case <-e.done:
		return false
	default:
	}

	timer := time.NewTimer(t.wait)
	defer timer.Stop()
	select {
	case e.frames <- f:
		return true
	case <-e.done:
		return false
	case <-timer.C:
		t.fail(id, ErrExchangeStalled)
		return false
	}
}

// FailAll 은 테이블을 닫고 모든 pending 교환을 err 원인으로 동시에 실패시킵니다.
// 세션 destruction 경로에서 호출됩니다.
func (t *ExchangeTable) FailAll(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.closeErr = err
	all := make([]*Exchange, 0, len(t.m))
	for id, e := range t.m {
		all = append(all, e)
		delete(t.m, id)
	}
	t.mu.Unlock()

	for _, e := range all {
		e.finish(err)
		if t.onClose != nil {
			t.onClose()
		}
	}
}

// Len 은 현재 pending 교환 수를 반환합니다.
func (t *ExchangeTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
