package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/core/port"
	"github.com/Wyydra/huddle/internal/core/service"
	"github.com/Wyydra/huddle/internal/protocol"
)

var ErrHubStopped = errors.New("hub stopped")

// Sweeper drops expired state. The guard's limiter and throttle are sweepers.
type Sweeper interface {
	Sweep(now time.Time)
}

type Options struct {
	SweepInterval time.Duration
	Sweepers      []Sweeper
	Limiter       EventLimiter
	Clock         port.Clock
	Logger        zerolog.Logger
}

type inbound struct {
	client *Client
	req    protocol.Request
}

// Hub is the single event loop that owns the registry. Every inbound event,
// registration and sweep runs on the goroutine executing Run.
type Hub struct {
	dispatcher *service.Dispatcher
	opts       Options
	log        zerolog.Logger

	clients    map[*Client]bool
	byID       map[domain.ConnID]*Client
	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	calls      chan func()
	quit       chan struct{}
	stopOnce   sync.Once
	stopped    chan struct{}
}

func NewHub(dispatcher *service.Dispatcher, opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = port.SystemClock{}
	}
	return &Hub{
		dispatcher: dispatcher,
		opts:       opts,
		log:        opts.Logger.With().Str("component", "hub").Logger(),
		clients:    make(map[*Client]bool),
		byID:       make(map[domain.ConnID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		calls:      make(chan func()),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Attach registers an upgraded connection and serves it until it closes.
// release runs once the socket is gone.
func (h *Hub) Attach(conn *websocket.Conn, codec protocol.Codec, caller service.Caller, release func()) {
	c := &Client{
		hub:     h,
		conn:    conn,
		codec:   codec,
		caller:  caller,
		limit:   h.opts.Limiter,
		log:     h.log.With().Str("conn", caller.ConnID.String()).Str("user", string(caller.UserID)).Logger(),
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		release: release,
	}
	if !h.Register(c) {
		conn.Close()
		if release != nil {
			release()
		}
		return
	}
	go c.WritePump()
	c.ReadPump()
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	var tick <-chan time.Time
	if h.opts.SweepInterval > 0 {
		t := time.NewTicker(h.opts.SweepInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case <-h.quit:
			h.shutdown()
			return

		case c := <-h.register:
			h.clients[c] = true
			h.byID[c.ID()] = c
			c.log.Info().Msg("client registered")

		case c := <-h.unregister:
			if h.clients[c] {
				h.deliver(h.drop(c))
				c.log.Info().Msg("client unregistered")
			}

		case in := <-h.inbound:
			if !h.clients[in.client] {
				continue
			}
			h.deliver(h.dispatcher.Handle(in.client.caller, in.req))

		case fn := <-h.calls:
			fn()

		case <-tick:
			h.Sweep(h.opts.Clock.Now())
		}
	}
}

// Sweep expires join state and guard entries. Only call from the loop.
func (h *Hub) Sweep(now time.Time) {
	h.deliver(h.dispatcher.Expire(now))
	for _, s := range h.opts.Sweepers {
		s.Sweep(now)
	}
}

func (h *Hub) shutdown() {
	for c := range h.clients {
		c.Close()
		delete(h.clients, c)
	}
	h.byID = make(map[domain.ConnID]*Client)
}

func (h *Hub) drop(c *Client) []service.Outbound {
	delete(h.clients, c)
	delete(h.byID, c.ID())
	c.Close()
	return h.dispatcher.Disconnect(c.ID())
}

// deliver queues every outbound envelope. A client whose queue is full is
// dropped and its departure is delivered in turn.
func (h *Hub) deliver(out []service.Outbound) {
	for len(out) > 0 {
		o := out[0]
		out = out[1:]

		c, ok := h.byID[o.To]
		if !ok {
			continue
		}
		if err := c.Deliver(o.Envelope); err != nil {
			c.log.Warn().Err(err).Str("event", string(o.Envelope.Event)).Msg("dropping client")
			out = append(out, h.drop(c)...)
		}
	}
}

func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

// Inbound hands a validated request to the loop. It reports false once the
// hub has stopped.
func (h *Hub) Inbound(c *Client, req protocol.Request) bool {
	select {
	case h.inbound <- inbound{client: c, req: req}:
		return true
	case <-c.done:
		return false
	case <-h.stopped:
		return false
	}
}

// Do runs fn on the loop with exclusive access to the registry.
func (h *Hub) Do(ctx context.Context, fn func(*service.Registry)) error {
	done := make(chan struct{})
	call := func() {
		defer close(done)
		fn(h.dispatcher.Registry())
	}
	select {
	case h.calls <- call:
	case <-h.stopped:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.stopped
}
