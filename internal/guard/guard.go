// Package guard decides whether a connection may reach the hub at all and
// whether each subsequent event may be processed.
package guard

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/core/port"
)

type Config struct {
	Auth            AuthConfig
	RateLimitMax    int
	RateLimitWindow time.Duration
	ConnLimitMax    int
	ConnLimitWindow time.Duration
	Allowlist       []string
}

// Guard runs the admission pipeline: allow-list, throttle, authenticate,
// rate limit. The first failing gate rejects the connection.
type Guard struct {
	allow    *Allowlist
	throttle *Throttle
	auth     *Authenticator
	limiter  *RateLimiter
	log      zerolog.Logger
}

func New(cfg Config, clock port.Clock, logger zerolog.Logger) (*Guard, error) {
	allow, err := ParseAllowlist(cfg.Allowlist)
	if err != nil {
		return nil, err
	}
	auth, err := NewAuthenticator(cfg.Auth, clock)
	if err != nil {
		return nil, err
	}
	return &Guard{
		allow:    allow,
		throttle: NewThrottle(cfg.ConnLimitMax, cfg.ConnLimitWindow, clock),
		auth:     auth,
		limiter:  NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow, clock),
		log:      logger.With().Str("component", "guard").Logger(),
	}, nil
}

// Admission is a connection that passed every gate. Release must be called
// once the connection closes.
type Admission struct {
	Identity Identity
	IP       string

	once    sync.Once
	release func()
}

func (a *Admission) Release() {
	a.once.Do(a.release)
}

// Admit runs the pipeline for a handshake request. RemoteAddr is trusted as
// the client address; proxies are handled by middleware before this point.
func (g *Guard) Admit(r *http.Request) (*Admission, error) {
	ip := NormalizeIP(r.RemoteAddr)

	if err := g.allow.Check(ip); err != nil {
		return nil, g.reject(ip, "allowlist", err)
	}
	if err := g.throttle.Acquire(ip); err != nil {
		return nil, g.reject(ip, "throttle", err)
	}
	release := func() { g.throttle.Release(ip) }

	id, err := g.auth.Authenticate(r)
	if err != nil {
		release()
		return nil, g.reject(ip, "authenticate", err)
	}
	if err := g.limiter.Allow(string(id.UserID)).Err(); err != nil {
		release()
		return nil, g.reject(ip, "ratelimit", err)
	}

	return &Admission{Identity: id, IP: ip, release: release}, nil
}

// Authenticate exposes the authenticate gate alone for plain HTTP endpoints.
func (g *Guard) Authenticate(r *http.Request) (Identity, error) {
	return g.auth.Authenticate(r)
}

// AllowEvent charges one inbound event to the user's bucket.
func (g *Guard) AllowEvent(user domain.UserID) error {
	return g.limiter.Allow(string(user)).Err()
}

func (g *Guard) Sweep(now time.Time) {
	buckets := g.limiter.Sweep(now)
	addrs := g.throttle.Sweep(now)
	if buckets+addrs > 0 {
		g.log.Debug().Int("buckets", buckets).Int("addresses", addrs).Msg("guard state swept")
	}
}

func (g *Guard) reject(ip, gate string, err error) error {
	g.log.Warn().
		Str("ip", ip).
		Str("gate", gate).
		Str("code", string(domain.CodeOf(err))).
		Msg("connection rejected")
	return err
}

type rejection struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// StatusFor maps a guard error onto its HTTP status.
func StatusFor(err error) int {
	switch domain.CodeOf(err) {
	case domain.CodeAuthenticationFailed:
		return http.StatusUnauthorized
	case domain.CodeIPNotAllowed, domain.CodeNotAuthorized:
		return http.StatusForbidden
	case domain.CodeRateLimitExceeded, domain.CodeTooManyConnections:
		return http.StatusTooManyRequests
	case domain.CodeValidationFailed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteRejection answers a refused request with a JSON body naming the reason.
func WriteRejection(w http.ResponseWriter, err error) {
	body := rejection{Code: string(domain.CodeOf(err)), Message: err.Error()}
	var e *domain.Error
	if errors.As(err, &e) {
		body.Message = e.Message
		body.RetryAfterSeconds = e.RetryAfterSeconds()
	}
	if body.Code == "" {
		body.Code = "InternalError"
	}
	if body.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(err))
	json.NewEncoder(w).Encode(body)
}
