package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/protocol"
)

const waitTimeout = 2 * time.Second

type sentFrame struct {
	Event protocol.Event
	ID    uint64
	Data  any
}

type fakeConn struct {
	sent   chan sentFrame
	frames chan protocol.Frame
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		sent:   make(chan sentFrame, 256),
		frames: make(chan protocol.Frame, 64),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) Send(event protocol.Event, id uint64, data any) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	c.sent <- sentFrame{Event: event, ID: id, Data: data}
	return nil
}

func (c *fakeConn) Frames() <-chan protocol.Frame { return c.frames }
func (c *fakeConn) Done() <-chan struct{}         { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.drop(nil)
	return nil
}

// drop simulates the socket going away.
func (c *fakeConn) drop(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		close(c.frames)
	})
}

// push delivers a server frame encoded the way the server would.
func (c *fakeConn) push(t *testing.T, event protocol.Event, id uint64, data any) {
	t.Helper()
	codec := protocol.JSONCodec{}
	raw, err := codec.Encode(protocol.Envelope{Event: event, ID: id, Data: data})
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	f, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("decode %s: %v", event, err)
	}
	c.frames <- f
}

func (c *fakeConn) expect(t *testing.T, event protocol.Event) sentFrame {
	t.Helper()
	select {
	case f := <-c.sent:
		if f.Event != event {
			t.Fatalf("sent %s, want %s", f.Event, event)
		}
		return f
	case <-time.After(waitTimeout):
		t.Fatalf("nothing sent, want %s", event)
	}
	return sentFrame{}
}

func (c *fakeConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case f := <-c.sent:
		t.Fatalf("unexpected %s sent", f.Event)
	default:
	}
}

// fakeDialer hands out scripted results in order.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
}

type dialResult struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.results) == 0 {
		return nil, errors.New("no more connections")
	}
	r := d.results[0]
	d.results = d.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

type fakePeer struct {
	remote domain.ConnID
	stream *LocalStream
	signal func(json.RawMessage)

	mu         sync.Mutex
	answered   json.RawMessage
	accepted   json.RawMessage
	candidates []json.RawMessage
	video      *LocalTrack
	closed     bool
	failVideo  bool
	// eager gathers a candidate while the description is being set, the
	// way pion does inside SetLocalDescription.
	eager bool
}

func (p *fakePeer) Offer() (json.RawMessage, error) {
	if p.eager {
		p.signal(json.RawMessage(`{"candidate":"local-to-` + string(p.remote) + `"}`))
	}
	return json.RawMessage(`{"type":"offer","sdp":"offer-to-` + string(p.remote) + `"}`), nil
}

func (p *fakePeer) Answer(offer json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	p.answered = offer
	p.mu.Unlock()
	if p.eager {
		p.signal(json.RawMessage(`{"candidate":"local-to-` + string(p.remote) + `"}`))
	}
	return json.RawMessage(`{"type":"answer","sdp":"answer-to-` + string(p.remote) + `"}`), nil
}

func (p *fakePeer) AcceptAnswer(answer json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accepted = answer
	return nil
}

func (p *fakePeer) AddCandidate(c json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) ReplaceVideo(t *LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failVideo {
		return negotiationErr("replace video", errors.New("boom"))
	}
	p.video = t
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) currentVideo() *LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.video
}

type fakeFactory struct {
	mu    sync.Mutex
	peers map[domain.ConnID][]*fakePeer
	eager bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{peers: make(map[domain.ConnID][]*fakePeer)}
}

func (f *fakeFactory) NewPeer(remote domain.ConnID, stream *LocalStream, onCandidate func(json.RawMessage)) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{remote: remote, stream: stream, signal: onCandidate, eager: f.eager}
	if stream != nil {
		p.video = stream.Video
	}
	f.peers[remote] = append(f.peers[remote], p)
	return p, nil
}

// latest returns the newest peer built for remote.
func (f *fakeFactory) latest(t *testing.T, remote domain.ConnID) *fakePeer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	ps := f.peers[remote]
	if len(ps) == 0 {
		t.Fatalf("no peer for %s", remote)
	}
	return ps[len(ps)-1]
}

// recordingDevices wraps SyntheticDevices and remembers what it handed out.
type recordingDevices struct {
	SyntheticDevices

	mu      sync.Mutex
	calls   []Constraints
	streams []*LocalStream
	screens []*LocalTrack
}

func (d *recordingDevices) GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error) {
	d.mu.Lock()
	d.calls = append(d.calls, c)
	d.mu.Unlock()
	s, err := d.SyntheticDevices.GetUserMedia(ctx, c)
	if err == nil {
		d.mu.Lock()
		d.streams = append(d.streams, s)
		d.mu.Unlock()
	}
	return s, err
}

func (d *recordingDevices) GetDisplayMedia(ctx context.Context) (*LocalTrack, error) {
	t, err := d.SyntheticDevices.GetDisplayMedia(ctx)
	if err == nil {
		d.mu.Lock()
		d.screens = append(d.screens, t)
		d.mu.Unlock()
	}
	return t, err
}

func (d *recordingDevices) lastStream(t *testing.T) *LocalStream {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		t.Fatal("no stream acquired")
	}
	return d.streams[len(d.streams)-1]
}

func allDevices() *recordingDevices {
	return &recordingDevices{SyntheticDevices: SyntheticDevices{Microphone: true, Camera: true, Screen: true}}
}

type testRig struct {
	t       *testing.T
	ctrl    *Controller
	conn    *fakeConn
	dialer  *fakeDialer
	peers   *fakeFactory
	devices *recordingDevices
	runErr  chan error
	cancel  context.CancelFunc
}

type rigOption func(*Options)

func newRig(t *testing.T, devices *recordingDevices, extra []dialResult, opts ...rigOption) *testRig {
	t.Helper()
	conn := newFakeConn()
	dialer := &fakeDialer{results: append([]dialResult{{conn: conn}}, extra...)}
	peers := newFakeFactory()
	o := Options{
		Dialer:  dialer,
		Media:   devices,
		Peers:   peers,
		User:    protocol.User{Name: "tester"},
		Logger:  zerolog.Nop(),
		Backoff: Backoff{Base: time.Millisecond, Cap: 10 * time.Millisecond, MaxAttempts: 3},
		After: func(time.Duration) <-chan time.Time {
			ch := make(chan time.Time, 1)
			ch <- time.Time{}
			return ch
		},
	}
	for _, fn := range opts {
		fn(&o)
	}
	ctrl := New(o)

	ctx, cancel := context.WithCancel(context.Background())
	r := &testRig{t: t, ctrl: ctrl, conn: conn, dialer: dialer, peers: peers, devices: devices, runErr: make(chan error, 1), cancel: cancel}
	go func() { r.runErr <- ctrl.Run(ctx) }()
	t.Cleanup(cancel)

	r.eventually("connected", ctrl.Connected)
	return r
}

func (r *testRig) eventually(what string, cond func() bool) {
	r.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			r.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (r *testRig) waitState(s State) {
	r.t.Helper()
	r.eventually("state "+s.String(), func() bool { return r.ctrl.State() == s })
}

// hostJoined drives the rig into a created room.
func (r *testRig) hostJoined(room domain.RoomID) {
	r.t.Helper()
	if _, err := r.ctrl.CreateRoom(context.Background(), room); err != nil {
		r.t.Fatalf("CreateRoom: %v", err)
	}
	r.conn.expect(r.t, protocol.EventCreateRoom)
	r.conn.push(r.t, protocol.EventRoomCreated, 0, protocol.RoomCreated{RoomID: room.String()})
	r.waitState(StateJoined)
}

// guestJoined drives the rig through approval into room.
func (r *testRig) guestJoined(room domain.RoomID) {
	r.t.Helper()
	if err := r.ctrl.Join(context.Background(), room); err != nil {
		r.t.Fatalf("Join: %v", err)
	}
	r.conn.expect(r.t, protocol.EventRequestToJoin)
	r.conn.push(r.t, protocol.EventRequestAccepted, 0, protocol.RequestOutcome{RoomID: room.String()})
	r.conn.expect(r.t, protocol.EventJoinRoom)
	r.waitState(StateJoined)
}

func waitEvent[T Event](t *testing.T, c *Controller) T {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case ev := <-c.Events():
			if e, ok := ev.(T); ok {
				return e
			}
		case <-timeout:
			var zero T
			t.Fatalf("no %T event", zero)
			return zero
		}
	}
}

func isEnded(tr *LocalTrack) bool {
	select {
	case <-tr.Ended():
		return true
	default:
		return false
	}
}
