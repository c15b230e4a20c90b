package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 전역 레지스트리에 등록할 rshare 메트릭들을 정의합니다.
// Prometheus 기본 네임스페이스를 사용하며, 메트릭 이름에 rshare_ 접두어를 붙입니다.

var (
	// 핸드셰이크 총 횟수 (성공/실패 라벨 포함).
	HandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rshare_handshakes_total",
			Help: "Total number of control-channel handshakes, labeled by result.",
		},
		[]string{"result"}, // success, rejected, failure
	)

	// 공인 엔드포인트를 통해 들어온 요청 수 (메서드/상태 코드 라벨 포함).
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rshare_http_requests_total",
			Help: "Total number of public HTTP requests relayed through tunnels, labeled by method and status code.",
		},
		[]string{"method", "status"},
	)

	// 공인 요청 처리 시간 분포 (메서드 라벨 포함).
	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rshare_http_request_duration_seconds",
			Help:    "Histogram of public HTTP request latencies in seconds, labeled by method.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// 릴레이 에러 카운터 (에러 유형 라벨 포함).
	ProxyErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rshare_proxy_errors_total",
			Help: "Total number of relay errors, labeled by error type.",
		},
		[]string{"type"}, // e.g. tunnel_not_found, exchange_timeout, session_lost, late_frame
	)

	// 현재 활성 세션 수.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rshare_active_sessions",
			Help: "Number of currently active tunnel sessions.",
		},
	)

	// 현재 응답을 기다리는 교환 수.
	PendingExchanges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rshare_pending_exchanges",
			Help: "Number of in-flight exchanges awaiting a response.",
		},
	)
)

// MustRegister 는 위에서 정의한 메트릭들을 전역 Prometheus 레지스트리에 등록합니다.
// 서버 시작 시 한 번만 호출해야 합니다.
func MustRegister() {
	prometheus.MustRegister(
		HandshakesTotal,
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		ProxyErrorsTotal,
		ActiveSessions,
		PendingExchanges,
	)
}
