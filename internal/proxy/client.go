package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dalbodeule/rshare/internal/events"
	"github.com/dalbodeule/rshare/internal/logging"
	"github.com/dalbodeule/rshare/internal/protocol"
	"github.com/dalbodeule/rshare/internal/session"
)

// Forwarder 는 터널 클라이언트 쪽 절반입니다. 제어 채널로 도착한 요청
// 프레임을 로컬 HTTP 서비스 호출로 되살리고, 응답을 프레임으로 되돌려보냅니다.
type Forwarder struct {
	// LocalTarget 은 "host:port" 형식의 로컬 서비스 주소입니다.
	LocalTarget string
	// HTTPClient 가 nil 이면 기본 클라이언트를 만들어 씁니다.
	HTTPClient *http.Client
	Logger     logging.Logger
	Bus        *events.Bus

	// ChunkSize 가 0 이면 protocol.DefaultChunkSize 를 씁니다.
	ChunkSize int
}

func (f *Forwarder) logger() logging.Logger {
	if f.Logger == nil {
		return logging.Nop()
	}
	return f.Logger
}

func (f *Forwarder) httpClient() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return defaultHTTPClient
}

// 리다이렉트는 따라가지 않고 그대로 뷰어에게 전달합니다. 압축도 로컬
// 서비스가 보낸 그대로 통과시킵니다.
var defaultHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	},
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// Run 은 채널이 닫힐 때까지 인바운드 요청 프레임을 처리합니다.
// ctx 취소 시 채널을 닫고 진행 중인 교환을 모두 정리한 뒤 반환합니다.
func (f *Forwarder) Run(ctx context.Context, ch *session.Channel) error {
	table := session.NewExchangeTable(0, 0)

	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	err := ch.Run(func(fr *protocol.Frame) error {
		switch fr.Type {
		case protocol.FrameRequestHeader:
			hdr := fr.RequestHeader
			ex, err := table.Open(hdr.RequestID)
			if err != nil {
				f.logger().Warn("교환 열기 실패", logging.Fields{"request": hdr.RequestID, "error": err.Error()})
				return nil
			}
			go f.handleExchange(ctx, ch, table, ex, hdr)
			return nil
		case protocol.FrameRequestBodyChunk, protocol.FrameRequestEnd, protocol.FrameRequestError:
			table.Deliver(fr)
			return nil
		default:
			return protocol.ErrCorruptFrame
		}
	})

	table.FailAll(session.ErrSessionClosed)
	return err
}

// handleExchange 는 요청 헤더 하나를 로컬 서비스 호출로 바꿉니다.
// 요청 바디는 후속 청크 프레임에서 파이프로 이어 붙이고, 응답은 도착하는
// 대로 프레임으로 흘려보냅니다.
func (f *Forwarder) handleExchange(ctx context.Context, ch *session.Channel, table *session.ExchangeTable, ex *session.Exchange, hdr *protocol.RequestHeader) {
	start := time.Now()
	defer table.Remove(hdr.RequestID)

	log := f.logger().With(logging.Fields{"request": hdr.RequestID, "method": hdr.Method, "path": hdr.Path})

	ectx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	bodyless := isBodylessRequest(hdr)
	go f.pumpRequestFrames(ex, pw, bodyless, cancel)

	var body io.Reader = pr
	if bodyless {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ectx, hdr.Method, "http://"+f.LocalTarget+hdr.Path, body)
	if err != nil {
		f.reportError(ch, hdr.RequestID, fmt.Sprintf("build request: %v", err))
		return
	}
	for k, vs := range hdr.Header {
		if http.CanonicalHeaderKey(k) == "Host" {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if hosts := hdr.Header["Host"]; len(hosts) > 0 {
		req.Host = hosts[0]
	}
	if cls := hdr.Header["Content-Length"]; len(cls) > 0 {
		if cl, perr := strconv.ParseInt(cls[0], 10, 64); perr == nil {
			req.ContentLength = cl
		}
	}

	resp, err := f.httpClient().Do(req)
	if err != nil {
		log.Warn("로컬 서비스 호출 실패", logging.Fields{"error": err.Error()})
		f.reportError(ch, hdr.RequestID, "local service unreachable")
		f.publishRequest(hdr, 0, start)
		return
	}
	defer resp.Body.Close()

	if err := ch.Send(&protocol.Frame{
		Type: protocol.FrameResponseHeader,
		ResponseHeader: &protocol.ResponseHeader{
			RequestID: hdr.RequestID,
			Status:    resp.StatusCode,
			Header:    resp.Header,
		},
	}); err != nil {
		return
	}

	chunk := f.ChunkSize
	if chunk <= 0 {
		chunk = protocol.DefaultChunkSize
	}
	buf := make([]byte, chunk)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if serr := ch.Send(&protocol.Frame{
				Type:              protocol.FrameResponseBodyChunk,
				ResponseBodyChunk: &protocol.BodyChunk{RequestID: hdr.RequestID, Data: data},
			}); serr != nil {
				return
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				_ = ch.Send(&protocol.Frame{
					Type:        protocol.FrameResponseEnd,
					ResponseEnd: &protocol.ExchangeRef{RequestID: hdr.RequestID},
				})
				f.publishRequest(hdr, resp.StatusCode, start)
				return
			}
			log.Warn("응답 바디 읽기 실패", logging.Fields{"error": rerr.Error()})
			f.reportError(ch, hdr.RequestID, "local response read failed")
			f.publishRequest(hdr, resp.StatusCode, start)
			return
		}
	}
}

// pumpRequestFrames 는 교환으로 라우팅된 요청 프레임을 파이프에 씁니다.
// RequestEnd 이후에도 루프를 유지해 뷰어 중단(RequestError)을 감지합니다.
func (f *Forwarder) pumpRequestFrames(ex *session.Exchange, pw *io.PipeWriter, discardBody bool, cancel context.CancelFunc) {
	ended := false
	for {
		select {
		case fr := <-ex.Frames():
			switch fr.Type {
			case protocol.FrameRequestBodyChunk:
				if ended || discardBody {
					continue
				}
				if _, err := pw.Write(fr.RequestBodyChunk.Data); err != nil {
					return
				}
			case protocol.FrameRequestEnd:
				if !ended {
					ended = true
					pw.Close()
				}
			case protocol.FrameRequestError:
				pw.CloseWithError(errors.New(fr.RequestError.Reason))
				cancel()
				return
			}
		case <-ex.Done():
			if !ended {
				pw.CloseWithError(session.ErrSessionClosed)
			}
			return
		}
	}
}

func (f *Forwarder) reportError(ch *session.Channel, reqID, reason string) {
	_ = ch.Send(&protocol.Frame{
		Type:         protocol.FrameRequestError,
		RequestError: &protocol.RequestError{RequestID: reqID, Reason: reason},
	})
}

func (f *Forwarder) publishRequest(hdr *protocol.RequestHeader, status int, start time.Time) {
	if f.Bus == nil {
		return
	}
	f.Bus.Publish(events.New(events.RequestLogged, map[string]any{
		"method":   hdr.Method,
		"path":     hdr.Path,
		"status":   status,
		"duration": time.Since(start).String(),
	}))
}

// isBodylessRequest 는 바디가 없다고 간주할 수 있는 요청인지 판단합니다.
// 바디 없는 메서드에 chunked 업로드를 시도하면 일부 로컬 서버가 거부하므로
// 길이 정보가 전혀 없을 때는 http.NoBody 를 씁니다.
func isBodylessRequest(hdr *protocol.RequestHeader) bool {
	switch hdr.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodDelete:
	default:
		return false
	}
	if len(hdr.Header["Content-Length"]) > 0 {
		return false
	}
	if len(hdr.Header["Transfer-Encoding"]) > 0 {
		return false
	}
	return true
}
