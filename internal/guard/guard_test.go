package guard

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Wyydra/huddle/internal/core/domain"
)

func newTestGuard(t *testing.T, clk *fakeClock, cfg Config) *Guard {
	t.Helper()
	if cfg.Auth.Secret == "" {
		cfg.Auth.Secret = testSecret
	}
	g, err := New(cfg, clk, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func handshake(t *testing.T, clk *fakeClock, ip, sub string) *http.Request {
	t.Helper()
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = ip + ":40000"
	if sub != "" {
		c := claimsAt(clk.Now(), sub)
		c.Issuer, c.Audience = "", nil
		r.Header.Set("Authorization", "Bearer "+signHS256(t, testSecret, c))
	}
	return r
}

func TestGuard_PipelineOrder(t *testing.T) {
	clk := newFakeClock()
	g := newTestGuard(t, clk, Config{
		RateLimitMax:    1,
		RateLimitWindow: time.Minute,
		ConnLimitMax:    1,
		ConnLimitWindow: time.Minute,
		Allowlist:       []string{"10.0.0.0/8"},
	})

	// Not allow-listed: rejected before the throttle counts it.
	if _, err := g.Admit(handshake(t, clk, "8.8.8.8", "u")); !errors.Is(err, domain.ErrIPNotAllowed) {
		t.Fatalf("outside allowlist: %v", err)
	}
	if g.throttle.Live("8.8.8.8") != 0 {
		t.Fatal("rejected address consumed a throttle slot")
	}

	// Auth failure gives the slot back.
	if _, err := g.Admit(handshake(t, clk, "10.0.0.1", "")); !errors.Is(err, domain.ErrAuthenticationFailed) {
		t.Fatalf("no token: %v", err)
	}
	if g.throttle.Live("10.0.0.1") != 0 {
		t.Fatal("auth failure kept the throttle slot")
	}

	adm, err := g.Admit(handshake(t, clk, "10.0.0.1", "u"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if adm.Identity.UserID != "u" || adm.IP != "10.0.0.1" {
		t.Fatalf("admission = %+v", adm)
	}

	if _, err := g.Admit(handshake(t, clk, "10.0.0.1", "v")); !errors.Is(err, domain.ErrTooManyConnections) {
		t.Fatalf("second connection: %v", err)
	}

	adm.Release()
	adm.Release()
	if g.throttle.Live("10.0.0.1") != 0 {
		t.Fatalf("live after release = %d", g.throttle.Live("10.0.0.1"))
	}

	// u spent its only token on the handshake.
	if _, err := g.Admit(handshake(t, clk, "10.0.0.1", "u")); !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Fatalf("rate limited user: %v", err)
	}
	if g.throttle.Live("10.0.0.1") != 0 {
		t.Fatal("rate limit failure kept the throttle slot")
	}
}

func TestGuard_AllowEvent(t *testing.T) {
	clk := newFakeClock()
	g := newTestGuard(t, clk, Config{RateLimitMax: 2, RateLimitWindow: time.Second})

	if g.AllowEvent("u") != nil || g.AllowEvent("u") != nil {
		t.Fatal("events within budget denied")
	}
	if err := g.AllowEvent("u"); !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Fatalf("3rd event: %v", err)
	}
	clk.Advance(time.Second)
	if err := g.AllowEvent("u"); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestWriteRejection(t *testing.T) {
	tests := []struct {
		err    error
		status int
		retry  string
	}{
		{domain.NewError(domain.CodeAuthenticationFailed, "bad token"), http.StatusUnauthorized, ""},
		{domain.ErrIPNotAllowed, http.StatusForbidden, ""},
		{domain.ErrTooManyConnections, http.StatusTooManyRequests, ""},
		{&domain.Error{Code: domain.CodeRateLimitExceeded, Message: "slow down", RetryAfter: 2500 * time.Millisecond}, http.StatusTooManyRequests, "3"},
		{errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		WriteRejection(rec, tt.err)

		if rec.Code != tt.status {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.status)
		}
		if got := rec.Header().Get("Retry-After"); got != tt.retry {
			t.Errorf("%v: Retry-After = %q, want %q", tt.err, got, tt.retry)
		}
		var body rejection
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Code == "" || body.Message == "" {
			t.Errorf("%v: body = %+v", tt.err, body)
		}
	}
}
