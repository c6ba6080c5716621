package guard

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/core/port"
)

// Identity is who a verified token says the caller is.
type Identity struct {
	UserID    domain.UserID
	Name      string
	Email     string
	DevBypass bool
}

type Claims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type AuthConfig struct {
	// Secret verifies HS256 tokens.
	Secret string
	// PublicKeyPEM verifies RS256 or ES256 tokens. Takes precedence over Secret.
	PublicKeyPEM []byte
	Issuer       string
	Audience     string
	Leeway       time.Duration
	// DevBypassToken is honoured only when Production is false.
	DevBypassToken string
	Production     bool
}

type Authenticator struct {
	cfg     AuthConfig
	parser  *jwt.Parser
	keyFunc jwt.Keyfunc
}

func NewAuthenticator(cfg AuthConfig, clock port.Clock) (*Authenticator, error) {
	if clock == nil {
		clock = port.SystemClock{}
	}

	var (
		methods []string
		key     any
	)
	switch {
	case len(cfg.PublicKeyPEM) > 0:
		if rsaKey, err := jwt.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM); err == nil {
			key, methods = rsaKey, []string{jwt.SigningMethodRS256.Alg()}
		} else if ecKey, err := jwt.ParseECPublicKeyFromPEM(cfg.PublicKeyPEM); err == nil {
			key, methods = ecKey, []string{jwt.SigningMethodES256.Alg()}
		} else {
			return nil, fmt.Errorf("jwt public key: not an RSA or EC PEM key")
		}
	case cfg.Secret != "":
		key, methods = []byte(cfg.Secret), []string{jwt.SigningMethodHS256.Alg()}
	case cfg.Production:
		return nil, errors.New("jwt: a secret or public key is required in production")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(clock.Now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &Authenticator{
		cfg:    cfg,
		parser: jwt.NewParser(opts...),
		keyFunc: func(*jwt.Token) (any, error) {
			if key == nil {
				return nil, errors.New("no verification key configured")
			}
			return key, nil
		},
	}, nil
}

// Authenticate verifies the bearer token carried by the handshake request.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	raw := BearerToken(r)
	if raw == "" {
		return Identity{}, domain.NewError(domain.CodeAuthenticationFailed, "missing bearer token")
	}
	if !a.cfg.Production && a.cfg.DevBypassToken != "" && raw == a.cfg.DevBypassToken {
		return devIdentity(r), nil
	}
	return a.Verify(raw)
}

func (a *Authenticator) Verify(raw string) (Identity, error) {
	claims := &Claims{}
	if _, err := a.parser.ParseWithClaims(raw, claims, a.keyFunc); err != nil {
		return Identity{}, domain.NewError(domain.CodeAuthenticationFailed, "invalid token: %v", err)
	}
	if claims.Subject == "" {
		return Identity{}, domain.NewError(domain.CodeAuthenticationFailed, "token has no subject")
	}
	return Identity{
		UserID: domain.UserID(claims.Subject),
		Name:   claims.Name,
		Email:  claims.Email,
	}, nil
}

func devIdentity(r *http.Request) Identity {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = "dev"
	}
	return Identity{
		UserID:    domain.UserID("dev:" + name),
		Name:      name,
		DevBypass: true,
	}
}

// BearerToken reads the Authorization header, then the token query
// parameter browsers use for websocket handshakes.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
