package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Wyydra/huddle/internal/guard"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Server struct {
	Env        string
	ListenAddr string
	LogLevel   string
	LogFormat  string

	JWTSecret        string
	JWTPublicKeyFile string
	JWTIssuer        string
	JWTAudience      string
	DevBypassToken   string

	RateLimitMax    int
	RateLimitWindow time.Duration
	ConnLimitMax    int
	ConnLimitWindow time.Duration
	IPAllowlist     []string
	AllowedOrigins  []string
	TrustProxy      bool

	JoinRequestTTL time.Duration
	AdmissionTTL   time.Duration
	SweepInterval  time.Duration

	ProvisionerURL     string
	ProvisionerAPIKey  string
	ProvisionerTimeout time.Duration

	ShutdownTimeout time.Duration
}

// LoadServer reads the server configuration from the environment after
// loading .env.
func LoadServer() (*Server, error) {
	LoadDotEnv()
	return loadServer(osLookup())
}

func loadServer(lookup lookupFunc) (*Server, error) {
	e := &env{lookup: lookup}
	cfg := &Server{
		Env:        e.getString("HUDDLE_ENV", EnvDevelopment),
		ListenAddr: e.getString("LISTEN_ADDR", ":8080"),
		LogLevel:   e.getString("LOG_LEVEL", "info"),
		LogFormat:  e.getString("LOG_FORMAT", ""),

		JWTSecret:        e.getString("JWT_SECRET", ""),
		JWTPublicKeyFile: e.getString("JWT_PUBLIC_KEY_FILE", ""),
		JWTIssuer:        e.getString("JWT_ISSUER", ""),
		JWTAudience:      e.getString("JWT_AUDIENCE", ""),
		DevBypassToken:   e.getString("DEV_BYPASS_TOKEN", ""),

		RateLimitMax:    e.getInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow: e.getDuration("RATE_LIMIT_WINDOW", time.Minute),
		ConnLimitMax:    e.getInt("CONN_LIMIT_MAX", 5),
		ConnLimitWindow: e.getDuration("CONN_LIMIT_WINDOW", 60*time.Second),
		IPAllowlist:     e.getList("IP_ALLOWLIST"),
		AllowedOrigins:  e.getList("ALLOWED_ORIGINS"),
		TrustProxy:      e.getBool("TRUST_PROXY", false),

		JoinRequestTTL: e.getDuration("JOIN_REQUEST_TTL", 2*time.Minute),
		AdmissionTTL:   e.getDuration("ADMISSION_TTL", time.Minute),
		SweepInterval:  e.getDuration("SWEEP_INTERVAL", 15*time.Second),

		ProvisionerURL:     e.getString("PROVISIONER_URL", ""),
		ProvisionerAPIKey:  e.getString("PROVISIONER_API_KEY", ""),
		ProvisionerTimeout: e.getDuration("PROVISIONER_TIMEOUT", 10*time.Second),

		ShutdownTimeout: e.getDuration("SHUTDOWN_TIMEOUT", 5*time.Second),
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
		if cfg.Production() {
			cfg.LogFormat = "json"
		}
	}
	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Server) Production() bool {
	return c.Env == EnvProduction
}

func (c *Server) Validate() error {
	var errs []error
	switch c.Env {
	case EnvDevelopment, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("HUDDLE_ENV: unknown environment %q", c.Env))
	}
	if c.Production() {
		if c.DevBypassToken != "" {
			errs = append(errs, errors.New("DEV_BYPASS_TOKEN must not be set in production"))
		}
		if c.JWTSecret == "" && c.JWTPublicKeyFile == "" {
			errs = append(errs, errors.New("JWT_SECRET or JWT_PUBLIC_KEY_FILE is required in production"))
		}
	}
	if c.RateLimitMax > 0 && c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be positive"))
	}
	if c.ConnLimitMax > 0 && c.ConnLimitWindow <= 0 {
		errs = append(errs, errors.New("CONN_LIMIT_WINDOW must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.JoinRequestTTL < 0 || c.AdmissionTTL < 0 {
		errs = append(errs, errors.New("JOIN_REQUEST_TTL and ADMISSION_TTL must not be negative"))
	}
	return errors.Join(errs...)
}

// GuardConfig builds the connection guard settings, reading the public key
// file when one is configured.
func (c *Server) GuardConfig() (guard.Config, error) {
	auth := guard.AuthConfig{
		Secret:         c.JWTSecret,
		Issuer:         c.JWTIssuer,
		Audience:       c.JWTAudience,
		Leeway:         30 * time.Second,
		DevBypassToken: c.DevBypassToken,
		Production:     c.Production(),
	}
	if c.JWTPublicKeyFile != "" {
		pem, err := os.ReadFile(c.JWTPublicKeyFile)
		if err != nil {
			return guard.Config{}, fmt.Errorf("JWT_PUBLIC_KEY_FILE: %w", err)
		}
		auth.PublicKeyPEM = pem
	}
	return guard.Config{
		Auth:            auth,
		RateLimitMax:    c.RateLimitMax,
		RateLimitWindow: c.RateLimitWindow,
		ConnLimitMax:    c.ConnLimitMax,
		ConnLimitWindow: c.ConnLimitWindow,
		Allowlist:       c.IPAllowlist,
	}, nil
}
