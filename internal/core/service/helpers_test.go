package service

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Wyydra/huddle/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/protocol"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

type harness struct {
	t     *testing.T
	clock *fakeClock
	reg   *Registry
	d     *Dispatcher
	logs  *bytes.Buffer
	seq   uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newFakeClock()
	logs := &bytes.Buffer{}
	logger := zerolog.New(logs)
	reg := NewRegistry(memory.NewRoomRepository(), clock, RegistryConfig{
		JoinRequestTTL: 2 * time.Minute,
		AdmissionTTL:   time.Minute,
	})
	return &harness{
		t:     t,
		clock: clock,
		reg:   reg,
		d:     NewDispatcher(reg, NewRelay(reg, clock, logger), logger),
		logs:  logs,
	}
}

func caller(id string) Caller {
	return Caller{ConnID: domain.ConnID(id), UserID: domain.UserID("user-" + id), Name: id}
}

func (h *harness) do(from string, event protocol.Event, p protocol.Payload) []Outbound {
	h.t.Helper()
	if err := p.Validate(); err != nil {
		h.t.Fatalf("%s payload invalid: %v", event, err)
	}
	h.seq++
	return h.d.Handle(caller(from), protocol.Request{Event: event, ID: h.seq, Payload: p})
}

// admit drives request, accept and join for guest into room.
func (h *harness) admit(room, host, guest string) []Outbound {
	h.t.Helper()
	h.do(guest, protocol.EventRequestToJoin, &protocol.RequestToJoin{RoomID: room, User: protocol.User{Name: guest}})
	out := h.do(host, protocol.EventRespondToRequest, &protocol.RespondToRequest{RoomID: room, To: guest, Accepted: true})
	mustEvent(h.t, out, guest, protocol.EventRequestAccepted)
	return h.do(guest, protocol.EventJoinRoom, &protocol.JoinRoom{RoomID: room, User: protocol.User{Name: guest}})
}

func find(out []Outbound, to string, event protocol.Event) (Outbound, bool) {
	for _, o := range out {
		if o.To == domain.ConnID(to) && o.Envelope.Event == event {
			return o, true
		}
	}
	return Outbound{}, false
}

func mustEvent(t *testing.T, out []Outbound, to string, event protocol.Event) Outbound {
	t.Helper()
	o, ok := find(out, to, event)
	if !ok {
		t.Fatalf("no %s for %s in %s", event, to, describe(out))
	}
	return o
}

func mustError(t *testing.T, out []Outbound, to string, code domain.ErrorCode) {
	t.Helper()
	o := mustEvent(t, out, to, protocol.EventError)
	p := o.Envelope.Data.(protocol.ErrorPayload)
	if p.Code != string(code) {
		t.Fatalf("error code = %s, want %s (%s)", p.Code, code, p.Message)
	}
	if len(out) != 1 {
		t.Fatalf("error must only reach the caller, got %s", describe(out))
	}
}

func describe(out []Outbound) string {
	type line struct {
		To    string
		Event string
	}
	lines := make([]line, 0, len(out))
	for _, o := range out {
		lines = append(lines, line{o.To.String(), string(o.Envelope.Event)})
	}
	b, _ := json.Marshal(lines)
	return string(b)
}
