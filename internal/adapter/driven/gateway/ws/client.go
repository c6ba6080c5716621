package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/core/service"
	"github.com/Wyydra/huddle/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// SDP blobs with many candidates stay well below this.
	maxMessageSize = 128 * 1024

	sendQueueSize = 64
)

var errQueueFull = errors.New("send queue full")

// EventLimiter charges one inbound event to a user.
type EventLimiter interface {
	AllowEvent(user domain.UserID) error
}

// Client is one websocket connection. The hub owns its registration; the
// pumps own the socket.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	codec  protocol.Codec
	caller service.Caller
	limit  EventLimiter
	log    zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	release   func()
}

func (c *Client) ID() domain.ConnID {
	return c.caller.ConnID
}

// Deliver encodes env and queues it without blocking.
func (c *Client) Deliver(env protocol.Envelope) error {
	frame, err := c.codec.Encode(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errQueueFull
	}
}

// Close stops the write pump. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) replyError(req protocol.Request, err error) {
	env := protocol.Envelope{Event: protocol.EventError, ID: req.ID, Data: protocol.ErrorFrom(req.Event, err)}
	if derr := c.Deliver(env); derr != nil {
		c.log.Debug().Err(derr).Msg("dropping error reply")
	}
}

// ReadPump pumps frames from the websocket connection to the hub. It runs in
// the handler goroutine and returns when the connection ends.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.Close()
		c.conn.Close()
		if c.release != nil {
			c.release()
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("unexpected close")
			}
			return
		}

		req, err := protocol.DecodeRequest(c.codec, raw)
		if err != nil {
			c.replyError(req, err)
			continue
		}
		if c.limit != nil {
			if err := c.limit.AllowEvent(c.caller.UserID); err != nil {
				c.replyError(req, err)
				continue
			}
		}
		if !c.hub.Inbound(c, req) {
			return
		}
	}
}

// WritePump pumps queued frames to the websocket connection and keeps it
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(c.codec.MessageType(), frame); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued, so a removed participant still
// sees why.
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(c.codec.MessageType(), frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
