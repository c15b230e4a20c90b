package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jpillora/backoff"

	"github.com/dalbodeule/rshare/internal/config"
	"github.com/dalbodeule/rshare/internal/events"
	"github.com/dalbodeule/rshare/internal/logging"
	"github.com/dalbodeule/rshare/internal/proxy"
	"github.com/dalbodeule/rshare/internal/session"
	"github.com/dalbodeule/rshare/internal/transport"
)

// maskToken 은 로그에 노출할 때 토큰을 일부만 보여주기 위한 헬퍼입니다.
func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// firstNonEmpty 는 앞에서부터 처음으로 non-empty 인 문자열을 반환합니다.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func main() {
	bootLogger := logging.NewStdJSONLogger("client", logging.InfoLevel)

	// 1. 설정 파일(~/.config/rshare/config.json) + .env + 환경변수 로드
	envCfg, err := config.LoadClientConfigFromEnv()
	if err != nil {
		bootLogger.Error("failed to load client config", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}

	// 2. CLI 인자 정의 (env/파일보다 우선 적용됨)
	serverAddrFlag := flag.String("server-addr", "", "relay server address (host:port)")
	domainFlag := flag.String("domain", "", "domain to claim; empty requests an auto-assigned one")
	tokenFlag := flag.String("token", "", "handshake token")
	localTargetFlag := flag.String("local-target", "", "local HTTP target (host:port), e.g. 127.0.0.1:3000")
	transportFlag := flag.String("transport", "", "control transport: tcp or websocket")
	saveFlag := flag.Bool("save", false, "persist the resolved config to the config file")
	flag.Parse()

	cfg := &config.ClientConfig{
		ServerAddr:  firstNonEmpty(strings.TrimSpace(*serverAddrFlag), strings.TrimSpace(envCfg.ServerAddr)),
		Domain:      firstNonEmpty(strings.TrimSpace(*domainFlag), strings.TrimSpace(envCfg.Domain)),
		Token:       firstNonEmpty(strings.TrimSpace(*tokenFlag), strings.TrimSpace(envCfg.Token)),
		LocalTarget: firstNonEmpty(strings.TrimSpace(*localTargetFlag), strings.TrimSpace(envCfg.LocalTarget)),
		Transport:   firstNonEmpty(strings.TrimSpace(*transportFlag), strings.TrimSpace(envCfg.Transport)),
		Debug:       envCfg.Debug,
		Logging:     envCfg.Logging,
	}

	logger := logging.NewStdJSONLogger("client", logging.ParseLevel(cfg.Logging.Level))

	// 3. 필수 필드 검증
	var missing []string
	if cfg.ServerAddr == "" {
		missing = append(missing, "server_addr")
	}
	if cfg.LocalTarget == "" {
		missing = append(missing, "local_target")
	}
	if len(missing) > 0 {
		logger.Error("client config missing required fields", logging.Fields{"missing": missing})
		os.Exit(1)
	}

	if *saveFlag {
		if err := config.SaveClientConfigFile(cfg); err != nil {
			logger.Warn("failed to save config file", logging.Fields{"error": err.Error()})
		}
	}

	logger.Info("rshare client starting", logging.Fields{
		"server_addr":  cfg.ServerAddr,
		"domain":       cfg.Domain,
		"token_mask":   maskToken(cfg.Token),
		"local_target": cfg.LocalTarget,
		"transport":    cfg.Transport,
		"debug":        cfg.Debug,
	})

	// 4. 전송 다이얼러 준비
	var dialer transport.Client
	switch transport.ParseKind(cfg.Transport) {
	case transport.KindWebSocket:
		dialer = transport.NewWSClient(transport.WSClientConfig{
			URL: transport.ControlURL(cfg.ServerAddr),
		})
	default:
		var tlsCfg *tls.Config
		if cfg.Debug {
			// 디버그 모드: 서버의 self-signed 인증서와 짝을 이룹니다.
			tlsCfg = &tls.Config{InsecureSkipVerify: true}
		}
		dialer = transport.NewTCPClient(transport.TCPClientConfig{
			Addr:      cfg.ServerAddr,
			TLSConfig: tlsCfg,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	go logEvents(ctx, bus, logger)

	fw := &proxy.Forwarder{
		LocalTarget: cfg.LocalTarget,
		Logger:      logger.With(logging.Fields{"component": "forwarder"}),
		Bus:         bus,
	}

	// 5. 재연결 루프. 성공적으로 핸드셰이크가 끝나면 backoff 를 리셋합니다.
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Jitter: true,
	}
	for {
		if err := runOnce(ctx, dialer, cfg, fw, bus, b, logger); err != nil {
			logger.Warn("tunnel attempt failed", logging.Fields{"error": err.Error()})
		}
		if ctx.Err() != nil {
			logger.Info("bye", nil)
			return
		}
		wait := b.Duration()
		logger.Info("reconnecting", logging.Fields{"wait": wait.String()})
		bus.Publish(events.New(events.TunnelStateChanged, map[string]any{
			"state": "reconnecting",
			"wait":  wait.String(),
		}))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			logger.Info("bye", nil)
			return
		}
	}
}

// runOnce 는 연결 한 번의 전체 수명입니다: dial, 핸드셰이크, 프레임 루프.
func runOnce(
	ctx context.Context,
	dialer transport.Client,
	cfg *config.ClientConfig,
	fw *proxy.Forwarder,
	bus *events.Bus,
	b *backoff.Backoff,
	logger logging.Logger,
) error {
	tsess, err := dialer.Connect(ctx)
	if err != nil {
		return err
	}
	defer tsess.Close()

	domain, err := session.PerformClientHandshake(tsess, session.ClientHandshakeConfig{
		Domain: cfg.Domain,
		Token:  cfg.Token,
	})
	if err != nil {
		if errors.Is(err, session.ErrHandshakeRejected) {
			// 서버가 명시적으로 거절한 경우 재시도해도 결과가 같습니다.
			logger.Error("handshake rejected, giving up", logging.Fields{"error": err.Error()})
			os.Exit(1)
		}
		return err
	}
	b.Reset()

	logger.Info("tunnel up", logging.Fields{
		"domain": domain,
		"local":  cfg.LocalTarget,
	})
	bus.Publish(events.New(events.TunnelStateChanged, map[string]any{
		"state":  "connected",
		"domain": domain,
	}))

	return fw.Run(ctx, session.NewChannel(tsess, session.ChannelConfig{Logger: logger}))
}

// logEvents 는 이벤트 버스를 구독해 요청 한 줄 로그를 남깁니다.
func logEvents(ctx context.Context, bus *events.Bus, logger logging.Logger) {
	ch, cancel := bus.Subscribe(64)
	defer cancel()
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Type == events.RequestLogged {
				logger.Info("request", e.Fields)
			}
		case <-ctx.Done():
			return
		}
	}
}
