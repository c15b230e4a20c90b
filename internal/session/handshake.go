package session

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/dalbodeule/rshare/internal/logging"
	"github.com/dalbodeule/rshare/internal/protocol"
	"github.com/dalbodeule/rshare/internal/registry"
	"github.com/dalbodeule/rshare/internal/transport"
)

// ErrHandshakeRejected 는 서버가 HandshakeAck{ok:false} 로 핸드셰이크를
// 거절했음을 나타냅니다. Message 에 이유가 담깁니다.
var ErrHandshakeRejected = errors.New("session: handshake rejected")

// DefaultHandshakeTimeout 은 핸드셰이크 왕복 전체에 허용되는 시간입니다.
const DefaultHandshakeTimeout = 10 * time.Second

// TokenValidator 는 핸드셰이크 토큰을 검증합니다.
type TokenValidator interface {
	Validate(token string) bool
}

// StaticTokenValidator 는 설정에 박힌 단일 토큰과 비교합니다.
// 토큰이 비어 있으면 모든 클라이언트를 허용합니다(개발 모드).
type StaticTokenValidator struct {
	Token string
}

func (v StaticTokenValidator) Validate(token string) bool {
	if v.Token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(v.Token), []byte(token)) == 1
}

// ServerHandshakeConfig 는 서버쪽 핸드셰이크 파라미터입니다.
type ServerHandshakeConfig struct {
	Registry   *registry.Registry
	Validator  TokenValidator
	BaseDomain string
	Codec      protocol.WireCodec
	Timeout    time.Duration
	Logger     logging.Logger
}

// PerformServerHandshake 는 새로 수락된 제어 커넥션에서 핸드셰이크 프레임을
// 읽고, 토큰을 검증한 뒤 도메인을 등록하고 ack 을 돌려보냅니다.
//
// 성공 시 바인딩된 도메인을 반환합니다. 거절/실패 시에는 가능한 한
// ok=false ack 을 보내고 에러를 반환하며, 커넥션 종료는 호출자 몫입니다.
func PerformServerHandshake(sess transport.Session, cfg ServerHandshakeConfig) (string, error) {
	codec := cfg.Codec
	if codec == nil {
		codec = protocol.DefaultCodec
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	if err := sess.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", fmt.Errorf("handshake: set deadline: %w", err)
	}
	defer sess.SetDeadline(time.Time{})

	var f protocol.Frame
	if err := codec.Decode(sess, &f); err != nil {
		return "", fmt.Errorf("handshake: decode: %w", err)
	}
	if f.Type != protocol.FrameHandshake || f.Handshake == nil {
		rejectHandshake(codec, sess, "expected handshake frame")
		return "", fmt.Errorf("handshake: unexpected frame type %q", f.Type)
	}
	hs := f.Handshake

	if cfg.Validator != nil && !cfg.Validator.Validate(hs.Token) {
		rejectHandshake(codec, sess, "invalid token")
		logger.Warn("핸드셰이크 토큰 거절", logging.Fields{"remote": sess.RemoteAddr()})
		return "", fmt.Errorf("handshake: %w: invalid token", ErrHandshakeRejected)
	}

	var domain string
	var err error
	if hs.Domain != "" {
		domain = hs.Domain
		err = cfg.Registry.Register(domain, sess.ID())
	} else {
		domain, err = cfg.Registry.AssignAuto(cfg.BaseDomain, sess.ID())
	}
	if err != nil {
		rejectHandshake(codec, sess, err.Error())
		return "", fmt.Errorf("handshake: %w: %v", ErrHandshakeRejected, err)
	}

	ack := &protocol.Frame{
		Type:         protocol.FrameHandshakeAck,
		HandshakeAck: &protocol.HandshakeAck{OK: true, Domain: domain},
	}
	if err := codec.Encode(sess, ack); err != nil {
		cfg.Registry.Unregister(domain, sess.ID())
		return "", fmt.Errorf("handshake: send ack: %w", err)
	}

	logger.Info("핸드셰이크 완료", logging.Fields{"domain": domain, "remote": sess.RemoteAddr()})
	return domain, nil
}

// rejectHandshake 는 거절 ack 전송을 시도합니다. 실패해도 커넥션은 어차피 닫힙니다.
func rejectHandshake(codec protocol.WireCodec, sess transport.Session, msg string) {
	_ = codec.Encode(sess, &protocol.Frame{
		Type:         protocol.FrameHandshakeAck,
		HandshakeAck: &protocol.HandshakeAck{OK: false, Message: msg},
	})
}

// ClientHandshakeConfig 는 클라이언트쪽 핸드셰이크 파라미터입니다.
type ClientHandshakeConfig struct {
	Domain  string
	Token   string
	Codec   protocol.WireCodec
	Timeout time.Duration
}

// PerformClientHandshake 는 방금 연결한 제어 커넥션에서 핸드셰이크를 보내고
// ack 을 기다립니다. 성공 시 서버가 확정한 도메인을 반환합니다.
func PerformClientHandshake(sess transport.Session, cfg ClientHandshakeConfig) (string, error) {
	codec := cfg.Codec
	if codec == nil {
		codec = protocol.DefaultCodec
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	if err := sess.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", fmt.Errorf("handshake: set deadline: %w", err)
	}
	defer sess.SetDeadline(time.Time{})

	req := &protocol.Frame{
		Type:      protocol.FrameHandshake,
		Handshake: &protocol.Handshake{Domain: cfg.Domain, Token: cfg.Token},
	}
	if err := codec.Encode(sess, req); err != nil {
		return "", fmt.Errorf("handshake: send: %w", err)
	}

	var ack protocol.Frame
	if err := codec.Decode(sess, &ack); err != nil {
		return "", fmt.Errorf("handshake: decode ack: %w", err)
	}
	if ack.Type != protocol.FrameHandshakeAck || ack.HandshakeAck == nil {
		return "", fmt.Errorf("handshake: unexpected frame type %q", ack.Type)
	}
	if !ack.HandshakeAck.OK {
		return "", fmt.Errorf("handshake: %w: %s", ErrHandshakeRejected, ack.HandshakeAck.Message)
	}
	return ack.HandshakeAck.Domain, nil
}
