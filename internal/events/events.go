package events

import (
	"sync"
	"time"
)

// Type 은 이벤트 종류입니다.
type Type string

const (
	// TunnelStateChanged 는 터널 연결 상태 전이(connected, reconnecting 등)를 알립니다.
	TunnelStateChanged Type = "tunnel_state_changed"
	// RequestLogged 는 터널을 통과한 요청 하나의 요약입니다.
	RequestLogged Type = "request_logged"
)

// Event 는 버스를 타고 흐르는 단일 알림입니다.
type Event struct {
	Type   Type
	At     time.Time
	Fields map[string]any
}

// New 는 현재 시각이 찍힌 이벤트를 만듭니다.
func New(t Type, fields map[string]any) Event {
	return Event{Type: t, At: time.Now(), Fields: fields}
}

// Bus 는 프로세스 내부 구독자들에게 이벤트를 퍼뜨립니다.
//
// Publish 는 절대 블록하지 않습니다. 구독자의 버퍼가 가득 차 있으면 그
// 구독자에 한해 이벤트를 버립니다. 이벤트는 진행 상황 표시용이지
// 신뢰성 있는 전달이 필요한 데이터가 아닙니다.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus 는 빈 버스를 만듭니다.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe 는 buf 크기의 수신 채널과 구독 해제 함수를 반환합니다.
// 해제 함수는 채널을 닫으므로 range 루프가 자연스럽게 끝납니다.
func (b *Bus) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Event, buf)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if cur, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(cur)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish 는 모든 구독자에게 이벤트를 전달합니다.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
