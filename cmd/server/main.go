package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/http2"

	"github.com/dalbodeule/rshare/internal/config"
	"github.com/dalbodeule/rshare/internal/errorpages"
	"github.com/dalbodeule/rshare/internal/events"
	"github.com/dalbodeule/rshare/internal/logging"
	"github.com/dalbodeule/rshare/internal/observability"
	"github.com/dalbodeule/rshare/internal/proxy"
	"github.com/dalbodeule/rshare/internal/registry"
	"github.com/dalbodeule/rshare/internal/session"
	"github.com/dalbodeule/rshare/internal/transport"
)

func main() {
	// 1. 서버 설정 로드 (.env + 환경변수)
	cfg, err := config.LoadServerConfigFromEnv()
	if err != nil {
		bootLogger := logging.NewStdJSONLogger("server", logging.InfoLevel)
		bootLogger.Error("failed to load server config from env", logging.Fields{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	logger := logging.NewStdJSONLogger("server", logging.ParseLevel(cfg.Logging.Level))

	logger.Info("rshare relay starting", logging.Fields{
		"control_listen": cfg.ControlListen,
		"public_listen":  cfg.PublicListen,
		"metrics_listen": cfg.MetricsListen,
		"base_domain":    cfg.BaseDomain,
		"transport":      cfg.Transport,
		"debug":          cfg.Debug,
	})

	observability.MustRegister()

	// 2. 제어 채널 리스너 생성 (tcp 또는 websocket)
	//
	// Debug 모드의 tcp 전송은 self-signed localhost 인증서로 TLS 를 켭니다.
	// 운영에서는 앞단 프록시가 TLS 를 종료한다고 가정합니다.
	kind := transport.ParseKind(cfg.Transport)

	var controlSrv transport.Server
	switch kind {
	case transport.KindTCP:
		var tlsCfg *tls.Config
		if cfg.Debug {
			tlsCfg, err = transport.NewSelfSignedLocalhostConfig()
			if err != nil {
				logger.Error("failed to create self-signed localhost cert", logging.Fields{
					"error": err.Error(),
				})
				os.Exit(1)
			}
			logger.Warn("using self-signed localhost certificate for the control listener (debug mode)", logging.Fields{
				"note": "do not use this in production",
			})
		}
		controlSrv, err = transport.NewTCPServer(transport.TCPServerConfig{
			Addr:      cfg.ControlListen,
			TLSConfig: tlsCfg,
		})
	case transport.KindWebSocket:
		controlSrv, err = transport.NewWSServer(transport.WSServerConfig{
			Addr: cfg.ControlListen,
		})
	}
	if err != nil {
		logger.Error("failed to start control listener", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}
	defer controlSrv.Close()
	logger.Info("control listener up", logging.Fields{"addr": cfg.ControlListen, "kind": string(kind)})

	// 3. 라우팅 테이블과 세션 허브, 에러 페이지, 이벤트 버스
	reg := registry.New()
	hub := session.NewHub()
	bus := events.NewBus()

	pages, err := errorpages.NewRenderer(cfg.ErrorPagesDir)
	if err != nil {
		logger.Error("failed to load error pages", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}

	validator := session.StaticTokenValidator{Token: cfg.Token}
	if cfg.Token == "" {
		logger.Warn("no handshake token configured, accepting every client", nil)
	}

	// 4. metrics / health 엔드포인트. 리스너가 모두 올라오면 ready 가 됩니다.
	var ready atomic.Bool
	go observability.ServeMetrics(cfg.MetricsListen, ready.Load, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5. 제어 채널 accept 루프
	go func() {
		for {
			sess, err := controlSrv.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
					return
				}
				logger.Error("control accept failed", logging.Fields{"error": err.Error()})
				continue
			}
			go serveControlSession(sess, cfg, reg, hub, validator, bus, logger)
		}
	}()

	// 6. public HTTP 서버
	dispatcher := &proxy.Dispatcher{
		Registry:        reg,
		Hub:             hub,
		Pages:           pages,
		Logger:          logger.With(logging.Fields{"component": "dispatcher"}),
		Bus:             bus,
		ResponseTimeout: cfg.ResponseTimeout,
	}
	publicSrv := &http.Server{
		Addr:              cfg.PublicListen,
		Handler:           dispatcher,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureServer(publicSrv, &http2.Server{}); err != nil {
		logger.Error("failed to configure http2", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}

	go func() {
		logger.Info("public listener up", logging.Fields{"addr": cfg.PublicListen})
		if err := publicSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("public server failed", logging.Fields{"error": err.Error()})
			stop()
		}
	}()
	ready.Store(true)

	<-ctx.Done()
	ready.Store(false)
	logger.Info("shutting down", logging.Fields{"drain_grace": cfg.DrainGrace.String()})

	// 진행 중인 교환에 유예를 주고 세션을 정리합니다.
	hub.Each(func(s *session.Session) { s.Drain(cfg.DrainGrace) })

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainGrace+5*time.Second)
	defer cancel()
	if err := publicSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("public server shutdown incomplete", logging.Fields{"error": err.Error()})
	}
	controlSrv.Close()
	logger.Info("bye", nil)
}

// serveControlSession 은 수락된 커넥션 하나의 전체 수명을 담당합니다:
// 핸드셰이크, 세션 등록, 프레임 루프, 정리.
func serveControlSession(
	tsess transport.Session,
	cfg *config.ServerConfig,
	reg *registry.Registry,
	hub *session.Hub,
	validator session.TokenValidator,
	bus *events.Bus,
	logger logging.Logger,
) {
	defer tsess.Close()

	domain, err := session.PerformServerHandshake(tsess, session.ServerHandshakeConfig{
		Registry:   reg,
		Validator:  validator,
		BaseDomain: cfg.BaseDomain,
		Logger:     logger,
	})
	if err != nil {
		result := "failure"
		if errors.Is(err, session.ErrHandshakeRejected) {
			result = "rejected"
		}
		observability.HandshakesTotal.WithLabelValues(result).Inc()
		logger.Warn("handshake failed", logging.Fields{
			"session_id": tsess.ID(),
			"remote":     tsess.RemoteAddr(),
			"error":      err.Error(),
		})
		return
	}
	observability.HandshakesTotal.WithLabelValues("success").Inc()

	table := session.NewExchangeTable(0, 0)
	table.SetHooks(
		func() { observability.PendingExchanges.Inc() },
		func() { observability.PendingExchanges.Dec() },
	)

	sess := session.New(session.NewChannel(tsess, session.ChannelConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            logger,
	}), session.Config{
		Domain:      domain,
		Table:       table,
		Reg:         reg,
		Logger:      logger,
		OnLateFrame: func() { observability.ProxyErrorsTotal.WithLabelValues("late_frame").Inc() },
	})

	hub.Add(sess)
	observability.ActiveSessions.Inc()
	bus.Publish(events.New(events.TunnelStateChanged, map[string]any{
		"state":  "connected",
		"domain": domain,
	}))

	err = sess.Serve()

	hub.Remove(sess)
	observability.ActiveSessions.Dec()
	bus.Publish(events.New(events.TunnelStateChanged, map[string]any{
		"state":  "disconnected",
		"domain": domain,
	}))
	if err != nil {
		logger.Warn("session ended with error", logging.Fields{
			"session_id": sess.ID(),
			"domain":     domain,
			"error":      err.Error(),
		})
	}
}
