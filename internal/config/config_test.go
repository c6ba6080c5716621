package config

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func mapLookup(m map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadServer_Defaults(t *testing.T) {
	cfg, err := loadServer(mapLookup(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8080" || cfg.RateLimitMax != 100 || cfg.ConnLimitMax != 5 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.JoinRequestTTL != 2*time.Minute || cfg.AdmissionTTL != time.Minute {
		t.Fatalf("ttl defaults = %v %v", cfg.JoinRequestTTL, cfg.AdmissionTTL)
	}
	if cfg.LogFormat != "console" || cfg.Production() {
		t.Fatalf("dev logging = %q prod=%v", cfg.LogFormat, cfg.Production())
	}
}

func TestLoadServer_Overrides(t *testing.T) {
	cfg, err := loadServer(mapLookup(map[string]string{
		"HUDDLE_ENV":        "production",
		"JWT_SECRET":        "s3cret",
		"RATE_LIMIT_MAX":    "10",
		"RATE_LIMIT_WINDOW": "30s",
		"IP_ALLOWLIST":      "10.0.0.0/8, ,192.168.0.1",
		"TRUST_PROXY":       "true",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RateLimitMax != 10 || cfg.RateLimitWindow != 30*time.Second || !cfg.TrustProxy {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.IPAllowlist) != 2 || cfg.IPAllowlist[1] != "192.168.0.1" {
		t.Fatalf("allowlist = %q", cfg.IPAllowlist)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("production log format = %q", cfg.LogFormat)
	}

	g, err := cfg.GuardConfig()
	if err != nil {
		t.Fatal(err)
	}
	if !g.Auth.Production || g.Auth.Secret != "s3cret" || g.RateLimitMax != 10 {
		t.Fatalf("guard config = %+v", g)
	}
}

func TestLoadServer_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad int", map[string]string{"RATE_LIMIT_MAX": "lots"}, "RATE_LIMIT_MAX"},
		{"bad duration", map[string]string{"SWEEP_INTERVAL": "soon"}, "SWEEP_INTERVAL"},
		{"unknown env", map[string]string{"HUDDLE_ENV": "staging"}, "HUDDLE_ENV"},
		{"bypass in production", map[string]string{"HUDDLE_ENV": "production", "JWT_SECRET": "x", "DEV_BYPASS_TOKEN": "dev"}, "DEV_BYPASS_TOKEN"},
		{"production without key", map[string]string{"HUDDLE_ENV": "production"}, "JWT_SECRET"},
		{"zero sweep", map[string]string{"SWEEP_INTERVAL": "0s"}, "SWEEP_INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadServer(mapLookup(tt.env))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoadClient_Precedence(t *testing.T) {
	env := mapLookup(map[string]string{
		"HUDDLE_SERVER_URL": "wss://env.example/ws",
		"HUDDLE_TOKEN":      "env-token",
		"TURN_SERVER":       "turn.example",
	})

	cfg, err := loadClient(ClientOptions{Token: "flag-token"}, env)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Token != "flag-token" {
		t.Fatalf("flag did not win: %q", cfg.Token)
	}
	if cfg.ServerURL != "wss://env.example/ws" {
		t.Fatalf("env did not win over default: %q", cfg.ServerURL)
	}
	if cfg.STUNServer != DefaultSTUN || cfg.ReconnectCap != 30*time.Second {
		t.Fatalf("defaults = %+v", cfg)
	}
	if got := cfg.APIBase(); got != "https://env.example" {
		t.Fatalf("APIBase = %q", got)
	}
	stun, turn := cfg.ICEServers()
	if len(stun) != 1 || len(turn) != 2 || turn[0] != "turn:turn.example:3478?transport=udp" {
		t.Fatalf("ice = %v %v", stun, turn)
	}
}

func TestLoadClient_Invalid(t *testing.T) {
	if _, err := loadClient(ClientOptions{ServerURL: "http://x/ws"}, mapLookup(nil)); err == nil {
		t.Fatal("http scheme accepted")
	}
	if _, err := loadClient(ClientOptions{Codec: "xml"}, mapLookup(nil)); err == nil {
		t.Fatal("unknown codec accepted")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("warn", "json", &buf)
	l.Info().Msg("hidden")
	l.Warn().Str("k", "v").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("log output = %s", out)
	}
	NewLogger("info", "json", &buf)
}
