package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dalbodeule/rshare/internal/logging"
	"github.com/dalbodeule/rshare/internal/protocol"
	"github.com/dalbodeule/rshare/internal/transport"
)

// ErrSessionClosed 는 닫힌 세션에 대한 송수신 시도를 나타냅니다.
var ErrSessionClosed = errors.New("session: closed")

// ErrHeartbeatTimeout 은 상대방이 heartbeat 윈도우 안에 아무 프레임도 보내지 않아
// 채널을 죽은 것으로 판정했음을 나타냅니다.
var ErrHeartbeatTimeout = errors.New("session: heartbeat timeout")

// readBufferSize 는 프레임 디코더 앞에 두는 버퍼 크기입니다.
const readBufferSize = 64 * 1024

// DefaultHeartbeatInterval 은 Ping 전송 주기의 기본값입니다.
// 인바운드 프레임이 이 값의 3배 동안 없으면 채널을 종료합니다.
const DefaultHeartbeatInterval = 10 * time.Second

// defaultWriteQueue 는 아웃바운드 프레임 큐의 기본 용량입니다.
const defaultWriteQueue = 256

// ChannelConfig 는 컨트롤 채널 구성입니다. zero value 필드는 기본값으로 대체됩니다.
type ChannelConfig struct {
	Codec             protocol.WireCodec
	HeartbeatInterval time.Duration
	WriteQueueSize    int
	Logger            logging.Logger
}

// Channel 은 한 세션의 모든 멀티플렉스 트래픽을 운반하는 컨트롤 채널입니다. (ko)
// Channel carries all multiplexed traffic for one session. (en)
//
// 아웃바운드 프레임은 정확히 하나의 writer 고루틴이 순서대로 기록하므로
// 동시에 처리 중인 여러 교환의 프레임이 중간에 섞이는 일이 없습니다.
// 인바운드 프레임은 Run 의 reader 루프가 도착 순서대로 디코딩해 핸들러로 넘깁니다.
// Ping/Pong heartbeat 은 같은 채널 위에 인터리브되며 Channel 이 직접 처리합니다.
type Channel struct {
	sess  transport.Session
	codec protocol.WireCodec
	log   logging.Logger
	hb    time.Duration

	out  chan *protocol.Frame
	done chan struct{}
	once sync.Once

	errMu    sync.Mutex
	closeErr error

	lastSeen atomic.Int64 // unix nano; 마지막 인바운드 프레임 시각
}

// NewChannel 은 세션 위에 컨트롤 채널을 만들고 writer 루프를 시작합니다.
// 인바운드 처리는 호출자가 Run 을 실행해야 시작됩니다.
func NewChannel(sess transport.Session, cfg ChannelConfig) *Channel {
	if cfg.Codec == nil {
		cfg.Codec = protocol.DefaultCodec
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.WriteQueueSize <= 0 {
		cfg.WriteQueueSize = defaultWriteQueue
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	c := &Channel{
		sess:  sess,
		codec: cfg.Codec,
		log:   cfg.Logger.With(logging.Fields{"session_id": sess.ID()}),
		hb:    cfg.HeartbeatInterval,
		out:   make(chan *protocol.Frame, cfg.WriteQueueSize),
		done:  make(chan struct{}),
	}
	c.touch()

	go c.writeLoop()
	return c
}

// Send 는 프레임을 아웃바운드 큐에 넣습니다. 채널이 이미 닫혔으면
// ErrSessionClosed 를 반환합니다. 큐가 가득 찬 경우에는 자리가 날 때까지
// 대기하므로, 송신 측에 자연스러운 backpressure 로 작용합니다.
func (c *Channel) Send(f *protocol.Frame) error {
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-c.done:
		return ErrSessionClosed
	}
}

// Run 은 reader 루프와 heartbeat 루프를 실행합니다.
// Ping/Pong 이외의 모든 프레임은 handler 로 전달되며, handler 가 에러를
// 반환하면 채널 전체가 그 에러로 종료됩니다. 채널이 닫힐 때까지 블록하고,
// 종료 원인을 반환합니다(정상 종료 시 nil).
func (c *Channel) Run(handler func(f *protocol.Frame) error) error {
	go c.heartbeatLoop()

	br := bufio.NewReaderSize(c.sess, readBufferSize)
	for {
		f := &protocol.Frame{}
		if err := c.codec.Decode(br, f); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				// 상대방이 연결을 끊었거나 우리가 먼저 닫은 경우.
				c.CloseWithError(nil)
			} else {
				c.CloseWithError(fmt.Errorf("decode inbound frame: %w", err))
			}
			return c.Err()
		}
		c.touch()

		switch f.Type {
		case protocol.FramePing:
			if err := c.Send(protocol.NewPong()); err != nil {
				return c.Err()
			}
		case protocol.FramePong:
			// touch 로 충분합니다.
		default:
			if err := handler(f); err != nil {
				c.CloseWithError(err)
				return c.Err()
			}
		}
	}
}

// CloseWithError 는 채널을 종료합니다. 최초 호출의 err 가 종료 원인으로 기록되고,
// 이후 호출은 무시됩니다. nil err 는 정상 종료를 의미합니다.
func (c *Channel) CloseWithError(err error) {
	c.once.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()
		close(c.done)
		_ = c.sess.Close()
	})
}

// Close 는 채널을 정상 종료합니다.
func (c *Channel) Close() { c.CloseWithError(nil) }

// Done 은 채널이 종료되면 닫히는 채널을 반환합니다.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err 는 종료 원인을 반환합니다. 아직 열려 있거나 정상 종료면 nil 입니다.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.closeErr
}

// SessionID 는 기반 전송 세션의 식별자를 반환합니다.
func (c *Channel) SessionID() string { return c.sess.ID() }

func (c *Channel) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Channel) writeLoop() {
	for {
		select {
		case f := <-c.out:
			if err := c.codec.Encode(c.sess, f); err != nil {
				c.CloseWithError(fmt.Errorf("write outbound frame: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// heartbeatLoop 는 주기적으로 Ping 을 보내고, 인바운드 트래픽이
// 3×interval 동안 없으면 채널을 죽은 것으로 판정합니다.
func (c *Channel) heartbeatLoop() {
	t := time.NewTicker(c.hb)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			last := time.Unix(0, c.lastSeen.Load())
			if time.Since(last) > 3*c.hb {
				c.log.Warn("heartbeat timeout, closing channel", logging.Fields{
					"last_seen": last.UTC().Format(time.RFC3339),
				})
				c.CloseWithError(ErrHeartbeatTimeout)
				return
			}
			if err := c.Send(protocol.NewPing()); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
