package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfigFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ControlListen != ":9000" || cfg.PublicListen != ":8080" {
		t.Fatalf("listen defaults = %q/%q", cfg.ControlListen, cfg.PublicListen)
	}
	if cfg.BaseDomain != "public.dev.peril.lol" {
		t.Fatalf("base domain = %q", cfg.BaseDomain)
	}
	if cfg.ResponseTimeout != 30*time.Second || cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("timeouts = %v/%v", cfg.ResponseTimeout, cfg.HeartbeatInterval)
	}
}

func TestServerConfigEnvOverrides(t *testing.T) {
	t.Setenv("RSHARE_SERVER_CONTROL_LISTEN", ":19000")
	t.Setenv("RSHARE_SERVER_RESPONSE_TIMEOUT", "5s")
	t.Setenv("RSHARE_SERVER_DEBUG", "yes")

	cfg, err := LoadServerConfigFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ControlListen != ":19000" {
		t.Fatalf("control listen = %q", cfg.ControlListen)
	}
	if cfg.ResponseTimeout != 5*time.Second {
		t.Fatalf("response timeout = %v", cfg.ResponseTimeout)
	}
	if !cfg.Debug {
		t.Fatal("debug should be on")
	}
}

func TestGetEnvDurationRejectsGarbage(t *testing.T) {
	t.Setenv("RSHARE_TEST_DURATION", "not-a-duration")
	if got := getEnvDuration("RSHARE_TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("got %v, want the default", got)
	}
	t.Setenv("RSHARE_TEST_DURATION", "-5s")
	if got := getEnvDuration("RSHARE_TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("negative duration: got %v, want the default", got)
	}
}

func TestClientConfigFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("RSHARE_CONFIG_PATH", path)

	in := &ClientConfig{
		ServerAddr:  "relay.dev.peril.lol:9000",
		Domain:      "demo.dev.peril.lol",
		Token:       "s3cret",
		LocalTarget: "127.0.0.1:3000",
		Transport:   "websocket",
	}
	if err := SaveClientConfigFile(in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := LoadClientConfigFile()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *out != *in {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestClientConfigMissingFileIsEmpty(t *testing.T) {
	t.Setenv("RSHARE_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.json"))
	cfg, err := LoadClientConfigFile()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *cfg != (ClientConfig{}) {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestClientConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("RSHARE_CONFIG_PATH", path)
	if err := SaveClientConfigFile(&ClientConfig{ServerAddr: "old:9000", Domain: "old.dev.peril.lol"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	t.Setenv("RSHARE_CLIENT_SERVER_ADDR", "new:9000")
	cfg, err := LoadClientConfigFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerAddr != "new:9000" {
		t.Fatalf("server addr = %q, want env value", cfg.ServerAddr)
	}
	if cfg.Domain != "old.dev.peril.lol" {
		t.Fatalf("domain = %q, want file value", cfg.Domain)
	}
}
