package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 128 * 1024
	sendQueueSize  = 64
	dialTimeout    = 10 * time.Second
)

var (
	errConnClosed = errors.New("connection closed")
	errQueueFull  = errors.New("send queue full")
)

// Conn is one signaling socket. Frames is closed when the socket ends.
type Conn interface {
	Send(event protocol.Event, id uint64, data any) error
	Frames() <-chan protocol.Frame
	Done() <-chan struct{}
	Err() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WSDialer opens authenticated websocket connections to the server.
type WSDialer struct {
	URL    string
	Token  string
	Codec  protocol.Codec
	Logger zerolog.Logger
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	codec := d.Codec
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		Subprotocols:     []string{codec.Name()},
	}
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, rejectionError(resp, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	if proto := ws.Subprotocol(); proto != "" {
		codec = protocol.CodecFor(proto)
	}
	return newWSConn(ws, codec, d.Logger), nil
}

// rejectionError turns the guard's JSON rejection body into a domain error.
func rejectionError(resp *http.Response, cause error) error {
	defer resp.Body.Close()
	var body struct {
		Code              string `json:"code"`
		Message           string `json:"message"`
		RetryAfterSeconds int    `json:"retryAfterSeconds"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &body); err != nil || body.Code == "" {
		return fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, cause)
	}
	p := protocol.ErrorPayload{Code: body.Code, Message: body.Message, RetryAfterSeconds: body.RetryAfterSeconds}
	return p.Err()
}

// fatalDial reports rejections no retry can fix.
func fatalDial(err error) bool {
	switch domain.CodeOf(err) {
	case domain.CodeAuthenticationFailed, domain.CodeIPNotAllowed:
		return true
	}
	return false
}

type wsConn struct {
	ws    *websocket.Conn
	codec protocol.Codec
	log   zerolog.Logger

	send   chan []byte
	frames chan protocol.Frame
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newWSConn(ws *websocket.Conn, codec protocol.Codec, logger zerolog.Logger) *wsConn {
	c := &wsConn{
		ws:     ws,
		codec:  codec,
		log:    logger.With().Str("component", "transport").Logger(),
		send:   make(chan []byte, sendQueueSize),
		frames: make(chan protocol.Frame, sendQueueSize),
		done:   make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c
}

func (c *wsConn) Frames() <-chan protocol.Frame { return c.frames }
func (c *wsConn) Done() <-chan struct{}         { return c.done }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Send(event protocol.Event, id uint64, data any) error {
	frame, err := protocol.Encode(c.codec, event, id, data)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errQueueFull
	}
}

func (c *wsConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *wsConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *wsConn) readPump() {
	defer func() {
		close(c.frames)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("connection lost")
			}
			c.shutdown(err)
			return
		}
		frame, err := c.codec.Decode(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("undecodable frame from server")
			continue
		}
		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(c.codec.MessageType(), frame); err != nil {
				c.shutdown(err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(err)
				return
			}

		case <-c.done:
			c.drain()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes queued frames so a leave-room sent just before Close still
// reaches the server.
func (c *wsConn) drain() {
	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(c.codec.MessageType(), frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Backoff computes reconnect delays: capped exponential growth with full
// jitter.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	// Jitter returns a value in [0,1). Defaults to math/rand.
	Jitter func() float64
}

func (b Backoff) Delay(attempt int) time.Duration {
	ceiling := b.Cap
	if attempt < 32 {
		if d := b.Base << attempt; d > 0 && d < b.Cap {
			ceiling = d
		}
	}
	jitter := b.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	return time.Duration(jitter() * float64(ceiling))
}
