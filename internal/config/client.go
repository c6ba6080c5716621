package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultServerURL = "ws://localhost:8080/ws"
	DefaultSTUN      = "stun:stun.l.google.com:19302"
)

type Client struct {
	ServerURL  string
	Token      string
	Name       string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	Codec      string

	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	ReconnectMaxAttempts int
}

// ClientOptions carries command line flags. Empty fields fall through.
type ClientOptions struct {
	ServerURL  string
	Token      string
	Name       string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	Codec      string
}

// LoadClient resolves flag > environment > default for every field.
func LoadClient(opts ClientOptions) (*Client, error) {
	LoadDotEnv()
	return loadClient(opts, osLookup())
}

func loadClient(opts ClientOptions, lookup lookupFunc) (*Client, error) {
	e := &env{lookup: lookup}
	pick := func(flag, key, def string) string {
		if flag != "" {
			return flag
		}
		return e.getString(key, def)
	}

	cfg := &Client{
		ServerURL:  pick(opts.ServerURL, "HUDDLE_SERVER_URL", DefaultServerURL),
		Token:      pick(opts.Token, "HUDDLE_TOKEN", ""),
		Name:       pick(opts.Name, "HUDDLE_NAME", ""),
		STUNServer: pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer: pick(opts.TURNServer, "TURN_SERVER", ""),
		TURNUser:   pick(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:   pick(opts.TURNPass, "TURN_PASSWORD", ""),
		Codec:      pick(opts.Codec, "HUDDLE_CODEC", "json"),

		ReconnectBase:        e.getDuration("RECONNECT_BASE", time.Second),
		ReconnectCap:         e.getDuration("RECONNECT_CAP", 30*time.Second),
		ReconnectMaxAttempts: e.getInt("RECONNECT_MAX_ATTEMPTS", 10),
	}
	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}

	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("server url: scheme must be ws or wss, got %q", u.Scheme)
	}
	switch cfg.Codec {
	case "json", "msgpack":
	default:
		return nil, fmt.Errorf("codec: must be json or msgpack, got %q", cfg.Codec)
	}
	if cfg.ReconnectBase <= 0 || cfg.ReconnectCap < cfg.ReconnectBase {
		return nil, errors.New("reconnect: base must be positive and not above cap")
	}
	return cfg, nil
}

// ICEServers lists STUN and TURN urls for the peer connection.
func (c *Client) ICEServers() (stun []string, turn []string) {
	if c.STUNServer != "" {
		stun = []string{c.STUNServer}
	}
	if c.TURNServer != "" {
		host := strings.TrimPrefix(c.TURNServer, "turn:")
		turn = []string{
			fmt.Sprintf("turn:%s:3478?transport=udp", host),
			fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		}
	}
	return stun, turn
}

// APIBase derives the HTTP base url from the websocket url.
func (c *Client) APIBase() string {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = ""
	u.RawQuery = ""
	return strings.TrimRight(u.String(), "/")
}
