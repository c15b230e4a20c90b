package proxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dalbodeule/rshare/internal/errorpages"
	"github.com/dalbodeule/rshare/internal/events"
	"github.com/dalbodeule/rshare/internal/logging"
	"github.com/dalbodeule/rshare/internal/observability"
	"github.com/dalbodeule/rshare/internal/protocol"
	"github.com/dalbodeule/rshare/internal/registry"
	"github.com/dalbodeule/rshare/internal/session"
)

// DefaultResponseTimeout 은 첫 응답 헤더 프레임을 기다리는 상한입니다.
// 이 시간 안에 헤더가 오지 않으면 504 를 반환합니다. 헤더가 도착한 뒤의
// 바디 스트리밍에는 적용되지 않습니다(SSE 같은 장기 응답 허용).
const DefaultResponseTimeout = 30 * time.Second

// Dispatcher 는 public HTTP 요청을 Host 헤더 기준으로 터널 세션에 라우팅하는
// http.Handler 입니다. 요청 하나가 교환 하나가 되고, 응답 프레임이 도착하는
// 대로 스트리밍으로 되돌려줍니다.
type Dispatcher struct {
	Registry *registry.Registry
	Hub      *session.Hub
	Pages    *errorpages.Renderer
	Logger   logging.Logger
	Bus      *events.Bus

	// ResponseTimeout 이 0 이면 DefaultResponseTimeout 을 씁니다.
	ResponseTimeout time.Duration
	// ChunkSize 가 0 이면 protocol.DefaultChunkSize 를 씁니다.
	ChunkSize int
}

func (d *Dispatcher) logger() logging.Logger {
	if d.Logger == nil {
		return logging.Nop()
	}
	return d.Logger
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	host := hostOnly(r.Host)

	sessionID, ok := d.Registry.Lookup(host)
	if !ok {
		observability.ProxyErrorsTotal.WithLabelValues("tunnel_not_found").Inc()
		d.renderError(w, r, http.StatusNotFound, host, "")
		return
	}
	sess, ok := d.Hub.Get(sessionID)
	if !ok {
		// 레지스트리에는 있는데 허브에 없는 찰나의 틈. 곧 정리됩니다.
		observability.ProxyErrorsTotal.WithLabelValues("tunnel_not_found").Inc()
		d.renderError(w, r, http.StatusNotFound, host, "")
		return
	}
	if sess.State() != session.StateActive {
		observability.ProxyErrorsTotal.WithLabelValues("session_draining").Inc()
		d.renderError(w, r, http.StatusServiceUnavailable, host, "")
		return
	}

	reqID := uuid.NewString()
	status := d.relay(w, r, sess, host, reqID)

	observability.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
	observability.HTTPRequestDurationSeconds.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	if d.Bus != nil {
		d.Bus.Publish(events.New(events.RequestLogged, map[string]any{
			"domain":   host,
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   status,
			"duration": time.Since(start).String(),
		}))
	}
}

// relay 는 요청 하나를 교환으로 변환해 세션 너머로 보내고, 응답 프레임을
// 소비해 w 에 씁니다. 실제로 기록한 HTTP 상태 코드를 반환합니다.
func (d *Dispatcher) relay(w http.ResponseWriter, r *http.Request, sess *session.Session, host, reqID string) int {
	log := d.logger().With(logging.Fields{"domain": host, "request": reqID, "method": r.Method, "path": r.URL.Path})

	ex, err := sess.Table().Open(reqID)
	if err != nil {
		observability.ProxyErrorsTotal.WithLabelValues("session_lost").Inc()
		d.renderError(w, r, http.StatusServiceUnavailable, host, reqID)
		return http.StatusServiceUnavailable
	}
	defer sess.Table().Remove(reqID)

	header := forwardedHeader(r)
	ch := sess.Channel()
	if err := ch.Send(&protocol.Frame{
		Type: protocol.FrameRequestHeader,
		RequestHeader: &protocol.RequestHeader{
			RequestID: reqID,
			Method:    r.Method,
			Path:      r.URL.RequestURI(),
			Header:    header,
		},
	}); err != nil {
		observability.ProxyErrorsTotal.WithLabelValues("session_lost").Inc()
		d.renderError(w, r, http.StatusBadGateway, host, reqID)
		return http.StatusBadGateway
	}

	// 요청 바디는 별도 고루틴으로 퍼 올립니다. 응답이 바디 소비 전에
	// 시작되는 서비스(즉시 4xx 등)도 있으므로 응답 수신과 겹쳐 돌립니다.
	go d.pumpRequestBody(r, ch, reqID, log)

	timeout := d.ResponseTimeout
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	headerTimer := time.NewTimer(timeout)
	defer headerTimer.Stop()

	flusher, _ := w.(http.Flusher)
	wroteHeader := false
	status := 0

	for {
		select {
		case f := <-ex.Frames():
			switch f.Type {
			case protocol.FrameResponseHeader:
				if wroteHeader {
					log.Warn("중복 응답 헤더 프레임 무시", nil)
					continue
				}
				headerTimer.Stop()
				for k, vs := range f.ResponseHeader.Header {
					for _, v := range vs {
						w.Header().Add(k, v)
					}
				}
				status = f.ResponseHeader.Status
				w.WriteHeader(status)
				wroteHeader = true
				if flusher != nil {
					flusher.Flush()
				}

			case protocol.FrameResponseBodyChunk:
				if !wroteHeader {
					log.Warn("헤더 이전의 바디 프레임, 교환 중단", nil)
					observability.ProxyErrorsTotal.WithLabelValues("protocol_violation").Inc()
					d.renderError(w, r, http.StatusBadGateway, host, reqID)
					return http.StatusBadGateway
				}
				if _, err := w.Write(f.ResponseBodyChunk.Data); err != nil {
					d.abortUpstream(ch, reqID, "viewer disconnected")
					return status
				}
				if flusher != nil {
					flusher.Flush()
				}

			case protocol.FrameResponseEnd:
				if !wroteHeader {
					observability.ProxyErrorsTotal.WithLabelValues("protocol_violation").Inc()
					d.renderError(w, r, http.StatusBadGateway, host, reqID)
					return http.StatusBadGateway
				}
				return status

			case protocol.FrameRequestError:
				observability.ProxyErrorsTotal.WithLabelValues("upstream_error").Inc()
				log.Warn("클라이언트가 교환 실패를 보고", logging.Fields{"reason": f.RequestError.Reason})
				if wroteHeader {
					// 이미 응답이 시작된 뒤라 상태 코드를 바꿀 수 없습니다.
					panic(http.ErrAbortHandler)
				}
				d.renderError(w, r, http.StatusBadGateway, host, reqID)
				return http.StatusBadGateway
			}

		case <-headerTimer.C:
			observability.ProxyErrorsTotal.WithLabelValues("exchange_timeout").Inc()
			sess.Table().Fail(reqID, session.ErrExchangeTimeout)
			d.abortUpstream(ch, reqID, "response timeout")
			d.renderError(w, r, http.StatusGatewayTimeout, host, reqID)
			return http.StatusGatewayTimeout

		case <-ex.Done():
			if errors.Is(ex.Err(), session.ErrExchangeStalled) {
				observability.ProxyErrorsTotal.WithLabelValues("exchange_stalled").Inc()
			} else {
				observability.ProxyErrorsTotal.WithLabelValues("session_lost").Inc()
			}
			if wroteHeader {
				panic(http.ErrAbortHandler)
			}
			d.renderError(w, r, http.StatusBadGateway, host, reqID)
			return http.StatusBadGateway

		case <-r.Context().Done():
			observability.ProxyErrorsTotal.WithLabelValues("viewer_abort").Inc()
			d.abortUpstream(ch, reqID, "viewer disconnected")
			if wroteHeader {
				return status
			}
			return http.StatusBadGateway
		}
	}
}

// pumpRequestBody 는 요청 바디를 청크 프레임으로 흘려보내고 RequestEnd 로 마칩니다.
// 바디 읽기가 실패하면 RequestError 를 보내 클라이언트 쪽 교환을 정리합니다.
func (d *Dispatcher) pumpRequestBody(r *http.Request, ch *session.Channel, reqID string, log logging.Logger) {
	chunk := d.ChunkSize
	if chunk <= 0 {
		chunk = protocol.DefaultChunkSize
	}
	buf := make([]byte, chunk)
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if serr := ch.Send(&protocol.Frame{
				Type:             protocol.FrameRequestBodyChunk,
				RequestBodyChunk: &protocol.BodyChunk{RequestID: reqID, Data: data},
			}); serr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("요청 바디 읽기 중단", logging.Fields{"error": err.Error()})
				d.abortUpstream(ch, reqID, "request body read failed")
				return
			}
			_ = ch.Send(&protocol.Frame{
				Type:       protocol.FrameRequestEnd,
				RequestEnd: &protocol.ExchangeRef{RequestID: reqID},
			})
			return
		}
	}
}

func (d *Dispatcher) abortUpstream(ch *session.Channel, reqID, reason string) {
	_ = ch.Send(&protocol.Frame{
		Type:         protocol.FrameRequestError,
		RequestError: &protocol.RequestError{RequestID: reqID, Reason: reason},
	})
}

func (d *Dispatcher) renderError(w http.ResponseWriter, r *http.Request, status int, host, reqID string) {
	if d.Pages != nil {
		d.Pages.Render(w, status, errorpages.PageData{Domain: host, RequestID: reqID})
		return
	}
	http.Error(w, http.StatusText(status), status)
}

// forwardedHeader 는 터널 너머로 보낼 헤더 사본을 만듭니다. hop-by-hop 헤더를
// 제거하고 X-Forwarded-* 를 채웁니다.
func forwardedHeader(r *http.Request) map[string][]string {
	out := make(map[string][]string, len(r.Header)+3)
	for k, vs := range r.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Connection", "Keep-Alive", "Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade":
			continue
		}
		cp := make([]string, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	// Host 와 Content-Length 는 서버 요청에서 Header 맵 밖으로 승격되므로
	// 직접 채워 넣습니다.
	out["Host"] = []string{r.Host}
	if r.ContentLength > 0 {
		out["Content-Length"] = []string{strconv.FormatInt(r.ContentLength, 10)}
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		out["X-Forwarded-For"] = append(out["X-Forwarded-For"], ip)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	out["X-Forwarded-Proto"] = []string{proto}
	out["X-Forwarded-Host"] = []string{hostOnly(r.Host)}
	return out
}

// hostOnly 는 Host 헤더에서 포트를 떼어냅니다.
func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(hostport)
}
