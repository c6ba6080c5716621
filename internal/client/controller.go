// Package client is the participant side of a call: it acquires local media,
// talks to the signaling server and keeps one peer connection per remote
// participant.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/protocol"
)

type Options struct {
	Dialer  Dialer
	Media   MediaDevices
	Peers   PeerFactory
	Backoff Backoff
	User    protocol.User
	Logger  zerolog.Logger
	// After replaces time.After, mostly for tests.
	After func(time.Duration) <-chan time.Time
}

type Controller struct {
	dialer  Dialer
	media   MediaDevices
	peers   PeerFactory
	backoff Backoff
	user    protocol.User
	after   func(time.Duration) <-chan time.Time
	log     zerolog.Logger
	events  chan Event

	mu      sync.Mutex
	s       session
	conn    Conn
	remote  map[domain.ConnID]Peer
	nextID  uint64
	// held keeps our candidates for a remote until its offer or answer is
	// out. early keeps a remote's candidates that beat its offer.
	held    map[domain.ConnID][]json.RawMessage
	early   map[domain.ConnID][]json.RawMessage
	waiting map[uint64]chan protocol.Frame
}

func New(opts Options) *Controller {
	b := opts.Backoff
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Cap < b.Base {
		b.Cap = 30 * time.Second
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 10
	}
	after := opts.After
	if after == nil {
		after = time.After
	}
	return &Controller{
		dialer:  opts.Dialer,
		media:   opts.Media,
		peers:   opts.Peers,
		backoff: b,
		user:    opts.User,
		after:   after,
		log:     opts.Logger.With().Str("component", "controller").Logger(),
		events:  make(chan Event, eventBuffer),
		s:       newSession(),
		remote:  make(map[domain.ConnID]Peer),
		held:    make(map[domain.ConnID][]json.RawMessage),
		early:   make(map[domain.ConnID][]json.RawMessage),
		waiting: make(map[uint64]chan protocol.Frame),
	}
}

func (c *Controller) Events() <-chan Event {
	return c.events
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.state
}

// Connected reports whether a signaling socket is currently up.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.snapshot()
}

// Run connects and serves the signaling socket until ctx ends or reconnect
// attempts run out. Leaving the room on shutdown is part of Run.
func (c *Controller) Run(ctx context.Context) error {
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	for {
		err := c.serve(ctx, conn)
		if ctx.Err() != nil {
			c.Leave()
			conn.Close()
			return nil
		}
		c.log.Warn().Err(err).Msg("signaling connection lost")

		conn, err = c.reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.Leave()
				return nil
			}
			return err
		}
	}
}

func (c *Controller) serve(ctx context.Context, conn Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-conn.Frames():
			if !ok {
				if err := conn.Err(); err != nil {
					return err
				}
				return errConnClosed
			}
			c.handle(f)
		}
	}
}

func (c *Controller) reconnect(ctx context.Context) (Conn, error) {
	c.mu.Lock()
	c.conn = nil
	c.failWaitersLocked()
	if c.s.inRoom() {
		c.s.submitted = false
		c.setStateLocked(StateReconnecting)
	}
	c.mu.Unlock()

	var last error
	for attempt := 0; attempt < c.backoff.MaxAttempts; attempt++ {
		delay := c.backoff.Delay(attempt)
		var de *domain.Error
		if errors.As(last, &de) && de.RetryAfter > delay {
			delay = de.RetryAfter
		}
		c.log.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("reconnecting")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.after(delay):
		}

		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			last = err
			c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect failed")
			if fatalDial(err) {
				break
			}
			continue
		}
		c.resume(conn)
		return conn, nil
	}

	c.mu.Lock()
	stale := c.teardownLocked()
	c.endLocked()
	c.mu.Unlock()
	closePeers(stale)

	err := fmt.Errorf("%w: %v", domain.ErrReconnectExhausted, last)
	c.emit(Error{Err: err})
	return nil, err
}

// resume installs a fresh socket. A session that was in a room starts over:
// old peers are dropped and membership is submitted again.
func (c *Controller) resume(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	var stale map[domain.ConnID]Peer
	if c.s.state == StateReconnecting {
		stale = c.dropPeersLocked()
		var err error
		if c.s.host {
			err = c.sendLocked(protocol.EventCreateRoom, protocol.CreateRoom{RoomID: c.s.roomID.String(), User: c.user})
		} else {
			err = c.sendLocked(protocol.EventRequestToJoin, protocol.RequestToJoin{RoomID: c.s.roomID.String(), User: c.user})
		}
		if err != nil {
			c.log.Warn().Err(err).Msg("could not resubmit membership")
		} else {
			c.s.submitted = true
		}
	}
	c.mu.Unlock()
	closePeers(stale)
}

// CreateRoom acquires media and asks the server for a new room. An empty id
// gets a generated one.
func (c *Controller) CreateRoom(ctx context.Context, id domain.RoomID) (domain.RoomID, error) {
	if id == "" {
		id = domain.NewRoomID()
	}
	epoch, mctx, err := c.begin(ctx, id, true, StateCreatingRoom)
	if err != nil {
		return "", err
	}
	err = c.acquireAndSubmit(mctx, epoch, protocol.EventCreateRoom, protocol.CreateRoom{RoomID: id.String(), User: c.user}, StateCreatingRoom)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Join asks the host of id for admission. The answer arrives as events.
func (c *Controller) Join(ctx context.Context, id domain.RoomID) error {
	if id == "" {
		return domain.NewError(domain.CodeValidationFailed, "room id is required")
	}
	epoch, mctx, err := c.begin(ctx, id, false, StateRequestingJoin)
	if err != nil {
		return err
	}
	return c.acquireAndSubmit(mctx, epoch, protocol.EventRequestToJoin, protocol.RequestToJoin{RoomID: id.String(), User: c.user}, StateWaitingApproval)
}

func (c *Controller) begin(ctx context.Context, id domain.RoomID, host bool, state State) (uint64, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.s.state != StateIdle {
		return 0, nil, domain.NewError(domain.CodeAlreadyInRoom, "session is %s", c.s.state)
	}
	if c.conn == nil {
		return 0, nil, errConnClosed
	}
	mctx, cancel := context.WithCancel(ctx)
	c.s.epoch++
	c.s.cancel = cancel
	c.s.roomID = id
	c.s.host = host
	c.setStateLocked(state)
	return c.s.epoch, mctx, nil
}

// acquireAndSubmit gets local media outside the lock and sends the request
// unless the session moved on in the meantime.
func (c *Controller) acquireAndSubmit(ctx context.Context, epoch uint64, event protocol.Event, data any, next State) error {
	stream, err := AcquireUserMedia(ctx, c.media)

	c.mu.Lock()
	if c.s.epoch != epoch {
		c.mu.Unlock()
		if stream != nil {
			stream.Stop()
		}
		return context.Canceled
	}
	if err == nil {
		c.s.stream = stream
		c.s.micOn = stream.Audio != nil
		c.s.videoOn = stream.Video != nil
		err = c.sendLocked(event, data)
	}
	if err != nil {
		stale := c.teardownLocked()
		c.setStateLocked(StateIdle)
		c.mu.Unlock()
		closePeers(stale)
		c.emit(Error{Err: err})
		return err
	}
	c.s.submitted = true
	c.setStateLocked(next)
	c.mu.Unlock()
	return nil
}

// Leave ends the session from any state. In-flight media acquisition is
// cancelled and its result discarded.
func (c *Controller) Leave() {
	c.mu.Lock()
	if c.s.state == StateIdle {
		c.mu.Unlock()
		return
	}
	if c.s.submitted && c.conn != nil {
		if err := c.sendLocked(protocol.EventLeaveRoom, protocol.RoomRef{RoomID: c.s.roomID.String()}); err != nil {
			c.log.Debug().Err(err).Msg("leave-room not sent")
		}
	}
	stale := c.teardownLocked()
	c.endLocked()
	c.mu.Unlock()
	closePeers(stale)
}

// CheckRoom asks whether id exists.
func (c *Controller) CheckRoom(ctx context.Context, id domain.RoomID) (bool, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return false, errConnClosed
	}
	c.nextID++
	reqID := c.nextID
	ch := make(chan protocol.Frame, 1)
	c.waiting[reqID] = ch
	err := c.conn.Send(protocol.EventCheckRoom, reqID, protocol.RoomRef{RoomID: id.String()})
	c.mu.Unlock()
	if err != nil {
		c.forget(reqID)
		return false, err
	}

	select {
	case <-ctx.Done():
		c.forget(reqID)
		return false, ctx.Err()
	case f, ok := <-ch:
		if !ok {
			return false, errConnClosed
		}
		if f.Event == protocol.EventError {
			var p protocol.ErrorPayload
			if err := f.Decode(&p); err != nil {
				return false, err
			}
			return false, p.Err()
		}
		var status protocol.RoomStatus
		if err := f.Decode(&status); err != nil {
			return false, err
		}
		return status.Exists, nil
	}
}

func (c *Controller) forget(id uint64) {
	c.mu.Lock()
	delete(c.waiting, id)
	c.mu.Unlock()
}

// Respond accepts or declines a pending join request. Host only.
func (c *Controller) Respond(requester domain.ConnID, accept bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireHostLocked(); err != nil {
		return err
	}
	if _, ok := c.s.requests[requester]; !ok {
		return domain.ErrRequestNotFound
	}
	delete(c.s.requests, requester)
	return c.sendLocked(protocol.EventRespondToRequest, protocol.RespondToRequest{
		RoomID:   c.s.roomID.String(),
		To:       requester.String(),
		Accepted: accept,
	})
}

func (c *Controller) RemoveParticipant(target domain.ConnID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireHostLocked(); err != nil {
		return err
	}
	if _, ok := c.s.participants[target]; !ok {
		return domain.NewError(domain.CodeNotAuthorized, "%s is not in the room", target)
	}
	return c.sendLocked(protocol.EventRemoveParticipant, protocol.RemoveParticipant{
		RoomID: c.s.roomID.String(),
		PeerID: target.String(),
	})
}

func (c *Controller) requireHostLocked() error {
	if c.s.state != StateJoined || !c.s.host {
		return domain.NewError(domain.CodeNotAuthorized, "only the host of a joined room can do that")
	}
	return nil
}

// ToggleMic mutes or unmutes the local microphone and tells the room.
func (c *Controller) ToggleMic(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.s.stream == nil || c.s.stream.Audio == nil {
		return &MediaAccessError{Reason: NotFound, Device: "microphone"}
	}
	c.s.stream.Audio.SetEnabled(on)
	c.s.micOn = on
	if c.s.state != StateJoined {
		return nil
	}
	return c.sendLocked(protocol.EventToggleMic, protocol.ToggleMic{RoomID: c.s.roomID.String(), MicOn: on})
}

// ToggleVideo applies to whatever video is going out, camera or screen.
func (c *Controller) ToggleVideo(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.s.stream == nil || c.s.stream.Video == nil {
		return &MediaAccessError{Reason: NotFound, Device: "camera"}
	}
	c.s.stream.Video.SetEnabled(on)
	if c.s.screen != nil {
		c.s.screen.SetEnabled(on)
	}
	c.s.videoOn = on
	if c.s.state != StateJoined {
		return nil
	}
	return c.sendLocked(protocol.EventToggleVideo, protocol.ToggleVideo{RoomID: c.s.roomID.String(), VideoOn: on})
}

// StartScreenShare swaps the outgoing video on every peer for a display
// track. On failure the camera keeps going out.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	if c.s.state != StateJoined {
		c.mu.Unlock()
		return domain.NewError(domain.CodeNotAuthorized, "not in a room")
	}
	if c.s.screen != nil {
		c.mu.Unlock()
		return nil
	}
	epoch := c.s.epoch
	c.mu.Unlock()

	screen, err := c.media.GetDisplayMedia(ctx)
	if err != nil {
		c.emit(Error{Err: err})
		return err
	}

	c.mu.Lock()
	if c.s.epoch != epoch || c.s.screen != nil {
		c.mu.Unlock()
		screen.Stop()
		return context.Canceled
	}
	c.s.screen = screen
	var camera *LocalTrack
	if c.s.stream != nil {
		camera = c.s.stream.Video
	}
	peers := c.peerListLocked()
	c.mu.Unlock()

	for i, p := range peers {
		if err := p.ReplaceVideo(screen); err != nil {
			if camera != nil {
				for _, done := range peers[:i] {
					done.ReplaceVideo(camera)
				}
			}
			c.mu.Lock()
			if c.s.screen == screen {
				c.s.screen = nil
			}
			c.mu.Unlock()
			screen.Stop()
			c.emit(Error{Err: err})
			return err
		}
	}

	go func() {
		<-screen.Ended()
		c.stopScreen(screen)
	}()
	return nil
}

// StopScreenShare puts the camera back on every peer.
func (c *Controller) StopScreenShare() {
	c.mu.Lock()
	screen := c.s.screen
	c.mu.Unlock()
	if screen != nil {
		c.stopScreen(screen)
	}
}

// stopScreen also runs when the display track ends on its own.
func (c *Controller) stopScreen(screen *LocalTrack) {
	c.mu.Lock()
	if c.s.screen != screen {
		c.mu.Unlock()
		return
	}
	c.s.screen = nil
	var camera *LocalTrack
	if c.s.stream != nil {
		camera = c.s.stream.Video
	}
	peers := c.peerListLocked()
	c.mu.Unlock()

	screen.Stop()
	if camera == nil {
		return
	}
	for _, p := range peers {
		if err := p.ReplaceVideo(camera); err != nil {
			c.emit(Error{Err: err})
		}
	}
}

// outgoingLocked is the stream new peers send: the screen replaces the
// camera while sharing.
func (c *Controller) outgoingLocked() *LocalStream {
	if c.s.stream == nil {
		return nil
	}
	if c.s.screen == nil {
		return c.s.stream
	}
	return &LocalStream{ID: c.s.stream.ID, Audio: c.s.stream.Audio, Video: c.s.screen}
}

func (c *Controller) peerListLocked() []Peer {
	out := make([]Peer, 0, len(c.remote))
	for _, p := range c.remote {
		out = append(out, p)
	}
	return out
}

func (c *Controller) sendLocked(event protocol.Event, data any) error {
	if c.conn == nil {
		return errConnClosed
	}
	c.nextID++
	return c.conn.Send(event, c.nextID, data)
}

// sendSignal trickles a candidate to remote. Called from pion goroutines.
func (c *Controller) sendSignal(remote domain.ConnID, kind domain.SignalKind, payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.s.state != StateJoined {
		return
	}
	if q, holding := c.held[remote]; holding && kind == domain.SignalCandidate {
		c.held[remote] = append(q, payload)
		return
	}
	c.signalLocked(remote, kind, payload)
}

// holdLocked queues remote's candidates until releaseLocked.
func (c *Controller) holdLocked(remote domain.ConnID) {
	if _, ok := c.held[remote]; !ok {
		c.held[remote] = nil
	}
}

// releaseLocked sends the candidates held for remote, in order.
func (c *Controller) releaseLocked(remote domain.ConnID) {
	q := c.held[remote]
	delete(c.held, remote)
	for _, raw := range q {
		c.signalLocked(remote, domain.SignalCandidate, raw)
	}
}

func (c *Controller) unhold(remote domain.ConnID) {
	c.mu.Lock()
	delete(c.held, remote)
	c.mu.Unlock()
}

func (c *Controller) signalLocked(remote domain.ConnID, kind domain.SignalKind, payload json.RawMessage) {
	err := c.sendLocked(protocol.EventSignal, protocol.Signal{
		RoomID:  c.s.roomID.String(),
		Target:  remote.String(),
		Kind:    string(kind),
		Payload: payload,
	})
	if err != nil {
		c.log.Debug().Err(err).Str("remote", remote.String()).Msg("signal not sent")
	}
}

func (c *Controller) setStateLocked(to State) {
	from := c.s.state
	if from == to {
		return
	}
	c.s.state = to
	c.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state changed")
	c.emit(StateChanged{From: from, To: to})
}

// endLocked walks through Ended so observers see the call finish.
func (c *Controller) endLocked() {
	if c.s.state == StateIdle {
		return
	}
	c.setStateLocked(StateEnded)
	c.setStateLocked(StateIdle)
}

// teardownLocked releases everything the session holds. The returned peers
// must be closed after the lock is dropped.
func (c *Controller) teardownLocked() map[domain.ConnID]Peer {
	if c.s.cancel != nil {
		c.s.cancel()
		c.s.cancel = nil
	}
	c.s.epoch++
	if c.s.screen != nil {
		c.s.screen.Stop()
		c.s.screen = nil
	}
	if c.s.stream != nil {
		c.s.stream.Stop()
		c.s.stream = nil
	}
	stale := c.remote
	c.remote = make(map[domain.ConnID]Peer)
	c.held = make(map[domain.ConnID][]json.RawMessage)
	c.early = make(map[domain.ConnID][]json.RawMessage)
	c.s.participants = make(map[domain.ConnID]*RemoteParticipant)
	c.s.requests = make(map[domain.ConnID]protocol.User)
	c.s.roomID = ""
	c.s.host = false
	c.s.submitted = false
	c.s.micOn, c.s.videoOn = false, false
	return stale
}

// dropPeersLocked forgets every remote participant but keeps local media.
func (c *Controller) dropPeersLocked() map[domain.ConnID]Peer {
	stale := c.remote
	c.remote = make(map[domain.ConnID]Peer)
	c.held = make(map[domain.ConnID][]json.RawMessage)
	c.early = make(map[domain.ConnID][]json.RawMessage)
	for id := range c.s.participants {
		c.emit(ParticipantLeft{ConnID: id})
	}
	c.s.participants = make(map[domain.ConnID]*RemoteParticipant)
	c.s.requests = make(map[domain.ConnID]protocol.User)
	return stale
}

func (c *Controller) failWaitersLocked() {
	for id, ch := range c.waiting {
		close(ch)
		delete(c.waiting, id)
	}
}

func closePeers(peers map[domain.ConnID]Peer) {
	for _, p := range peers {
		p.Close()
	}
}
