package config

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LoggingConfig 는 공통 로그 설정을 담습니다.
type LoggingConfig struct {
	Level string // 예: "debug", "info", "warn", "error"
}

// ServerConfig 는 릴레이 서버 프로세스 설정을 담습니다.
type ServerConfig struct {
	ControlListen string // 제어 채널 리스너 주소, 예: ":9000"
	PublicListen  string // public HTTP 리스너 주소, 예: ":8080"
	MetricsListen string // /metrics, /healthz 리스너 주소, 예: ":9100"

	BaseDomain string // 자동 할당 서브도메인의 베이스, 예: "public.dev.peril.lol"
	Token      string // 핸드셰이크 토큰. 비어 있으면 모든 클라이언트 허용

	Transport string // "tcp" 또는 "websocket"

	ResponseTimeout   time.Duration // 첫 응답 헤더 대기 상한
	HeartbeatInterval time.Duration // ping 주기
	DrainGrace        time.Duration // 종료 시 진행 중 교환에 주는 유예

	ErrorPagesDir string // 에러 페이지 오버라이드 디렉터리(선택)
	Debug         bool   // true 이면 디버그 모드 (self-signed 인증서 사용 등)

	Logging LoggingConfig
}

// ClientConfig 는 터널 클라이언트 프로세스 설정을 담습니다.
// 값은 "CLI 인자 > 환경변수/.env > 설정 파일" 순으로 우선합니다.
type ClientConfig struct {
	ServerAddr  string `json:"server_addr"`  // 릴레이 서버 주소 (host:port)
	Domain      string `json:"domain"`       // 요청할 도메인. 비어 있으면 서버가 자동 할당
	Token       string `json:"token"`        // 핸드셰이크 토큰
	LocalTarget string `json:"local_target"` // 로컬 서비스 주소, 예: "127.0.0.1:3000"
	Transport   string `json:"transport"`    // "tcp" 또는 "websocket"
	Debug       bool   `json:"debug"`        // true 이면 디버그 모드

	Logging LoggingConfig `json:"-"`
}

var (
	dotenvOnce sync.Once
	dotenvErr  error
)

// loadDotEnvOnce 는 현재 작업 디렉터리의 .env 파일을 한 번만 읽어서 os.Environ 에 주입합니다.
// - KEY=VALUE, export KEY=VALUE 형식을 지원
// - # 으로 시작하는 줄은 주석으로 간주합니다.
func loadDotEnvOnce() {
	dotenvOnce.Do(func() {
		fi, err := os.Stat(".env")
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// .env 가 없으면 조용히 무시
				return
			}
			dotenvErr = err
			return
		}
		if fi.IsDir() {
			return
		}

		f, err := os.Open(".env")
		if err != nil {
			dotenvErr = err
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if strings.HasPrefix(line, "export ") {
				line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)

			if key != "" {
				// 이미 OS 환경변수에 설정된 값이 있는 경우 이를 우선시하고,
				// 비어 있는 키에 대해서만 .env 값을 주입합니다.
				if _, exists := os.LookupEnv(key); !exists {
					_ = os.Setenv(key, val)
				}
			}
		}
		if err := scanner.Err(); err != nil {
			dotenvErr = err
		}
	})
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func loadLoggingFromEnv() LoggingConfig {
	return LoggingConfig{
		Level: getEnvOrDefault("RSHARE_LOG_LEVEL", "info"),
	}
}

// LoadServerConfigFromEnv 는 .env 를 한 번 읽어 현재 환경변수를 보완한 뒤
// "환경변수 > .env" 우선순위로 서버 설정을 구성합니다.
func LoadServerConfigFromEnv() (*ServerConfig, error) {
	loadDotEnvOnce()
	if dotenvErr != nil {
		return nil, dotenvErr
	}

	cfg := &ServerConfig{
		ControlListen:     getEnvOrDefault("RSHARE_SERVER_CONTROL_LISTEN", ":9000"),
		PublicListen:      getEnvOrDefault("RSHARE_SERVER_PUBLIC_LISTEN", ":8080"),
		MetricsListen:     getEnvOrDefault("RSHARE_SERVER_METRICS_LISTEN", ":9100"),
		BaseDomain:        getEnvOrDefault("RSHARE_SERVER_BASE_DOMAIN", "public.dev.peril.lol"),
		Token:             os.Getenv("RSHARE_SERVER_TOKEN"),
		Transport:         getEnvOrDefault("RSHARE_SERVER_TRANSPORT", "tcp"),
		ResponseTimeout:   getEnvDuration("RSHARE_SERVER_RESPONSE_TIMEOUT", 30*time.Second),
		HeartbeatInterval: getEnvDuration("RSHARE_SERVER_HEARTBEAT_INTERVAL", 10*time.Second),
		DrainGrace:        getEnvDuration("RSHARE_SERVER_DRAIN_GRACE", 15*time.Second),
		ErrorPagesDir:     os.Getenv("RSHARE_ERROR_PAGES_DIR"),
		Debug:             getEnvBool("RSHARE_SERVER_DEBUG", false),
		Logging:           loadLoggingFromEnv(),
	}
	return cfg, nil
}

// LoadClientConfigFromEnv 는 설정 파일을 바닥에 깔고, .env 와 환경변수로
// 덮어쓴 클라이언트 설정을 구성합니다. CLI 인자 적용은 호출자 몫입니다.
func LoadClientConfigFromEnv() (*ClientConfig, error) {
	loadDotEnvOnce()
	if dotenvErr != nil {
		return nil, dotenvErr
	}

	cfg, err := LoadClientConfigFile()
	if err != nil {
		return nil, err
	}

	cfg.ServerAddr = getEnvOrDefault("RSHARE_CLIENT_SERVER_ADDR", cfg.ServerAddr)
	cfg.Domain = getEnvOrDefault("RSHARE_CLIENT_DOMAIN", cfg.Domain)
	cfg.Token = getEnvOrDefault("RSHARE_CLIENT_TOKEN", cfg.Token)
	cfg.LocalTarget = getEnvOrDefault("RSHARE_CLIENT_LOCAL_TARGET", cfg.LocalTarget)
	cfg.Transport = getEnvOrDefault("RSHARE_CLIENT_TRANSPORT", cfg.Transport)
	if cfg.Transport == "" {
		cfg.Transport = "tcp"
	}
	cfg.Debug = getEnvBool("RSHARE_CLIENT_DEBUG", cfg.Debug)
	cfg.Logging = loadLoggingFromEnv()
	return cfg, nil
}

// ClientConfigPath 는 클라이언트 설정 파일 경로를 반환합니다.
// 기본값은 ~/.config/rshare/config.json 이며 RSHARE_CONFIG_PATH 로 바꿀 수 있습니다.
func ClientConfigPath() (string, error) {
	if p := os.Getenv("RSHARE_CONFIG_PATH"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".config", "rshare", "config.json"), nil
}

// LoadClientConfigFile 은 설정 파일을 읽습니다. 파일이 없으면 빈 설정을 반환합니다.
func LoadClientConfigFile() (*ClientConfig, error) {
	path, err := ClientConfigPath()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &ClientConfig{}, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &ClientConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveClientConfigFile 은 설정을 파일에 기록합니다. 디렉터리가 없으면 만듭니다.
func SaveClientConfigFile(cfg *ClientConfig) error {
	path, err := ClientConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
