package service

import (
	"errors"
	"testing"
	"time"

	"github.com/Wyydra/huddle/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/huddle/internal/core/domain"
)

func newRegistry(clock *fakeClock) *Registry {
	return NewRegistry(memory.NewRoomRepository(), clock, RegistryConfig{
		JoinRequestTTL: 2 * time.Minute,
		AdmissionTTL:   time.Minute,
	})
}

func host(id string) domain.Participant {
	return domain.Participant{ConnID: domain.ConnID(id), User: domain.User{Name: id}}
}

func TestCreateRoom(t *testing.T) {
	reg := newRegistry(newFakeClock())

	room, _, err := reg.CreateRoom("r1", host("h"))
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if room.HostID != "h" || room.Len() != 1 || room.State != domain.RoomOpen {
		t.Fatalf("room = %+v", room)
	}

	if _, _, err := reg.CreateRoom("r1", host("other")); !errors.Is(err, domain.ErrRoomAlreadyExists) {
		t.Fatalf("duplicate id: %v", err)
	}
	if _, _, err := reg.CreateRoom("r2", host("h")); !errors.Is(err, domain.ErrAlreadyInRoom) {
		t.Fatalf("host already in a room: %v", err)
	}

	gen, _, err := reg.CreateRoom("", host("x"))
	if err != nil || gen.ID == "" {
		t.Fatalf("generated id: %v %q", err, gen.ID)
	}
}

func TestJoinRequiresAcceptance(t *testing.T) {
	reg := newRegistry(newFakeClock())
	reg.CreateRoom("r1", host("h"))

	if _, err := reg.JoinRoom("r1", "g", domain.User{}); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("join without request: %v", err)
	}

	reg.RequestJoin("r1", "g", domain.User{Name: "guest"})
	if _, err := reg.JoinRoom("r1", "g", domain.User{}); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("join before acceptance: %v", err)
	}

	if _, err := reg.AcceptRequest("r1", "g", "g"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("non-host accepted: %v", err)
	}
	if _, err := reg.AcceptRequest("r1", "h", "g"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	others, err := reg.JoinRoom("r1", "g", domain.User{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(others) != 1 || others[0].ConnID != "h" {
		t.Fatalf("others = %+v", others)
	}
	if p, _ := reg.Participant("r1", "g"); p.User.Name != "guest" {
		t.Fatalf("profile from request not kept: %+v", p)
	}

	// The admission is single use.
	reg.LeaveRoom("r1", "g")
	if _, err := reg.JoinRoom("r1", "g", domain.User{}); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("admission reused: %v", err)
	}
}

func TestRequestJoinIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	reg := newRegistry(clock)
	reg.CreateRoom("r1", host("h"))

	first, hostID, fresh, err := reg.RequestJoin("r1", "g", domain.User{Name: "g"})
	if err != nil || !fresh || hostID != "h" {
		t.Fatalf("first request: %v fresh=%v host=%s", err, fresh, hostID)
	}
	clock.Advance(time.Second)
	again, _, fresh, err := reg.RequestJoin("r1", "g", domain.User{Name: "g"})
	if err != nil || fresh || !again.SubmittedAt.Equal(first.SubmittedAt) {
		t.Fatalf("repeat request: %v fresh=%v", err, fresh)
	}
	if pending, _ := reg.PendingRequests("r1"); len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	if _, _, _, err := reg.RequestJoin("nope", "g", domain.User{}); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("missing room: %v", err)
	}
	if _, _, _, err := reg.RequestJoin("r1", "h", domain.User{}); !errors.Is(err, domain.ErrAlreadyInRoom) {
		t.Fatalf("member requesting: %v", err)
	}
}

func TestRespondUnknownRequest(t *testing.T) {
	reg := newRegistry(newFakeClock())
	reg.CreateRoom("r1", host("h"))

	if _, err := reg.DeclineRequest("r1", "h", "ghost"); !errors.Is(err, domain.ErrRequestNotFound) {
		t.Fatalf("decline unknown: %v", err)
	}
	if _, err := reg.AcceptRequest("r2", "h", "ghost"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("accept in missing room: %v", err)
	}
}

func TestHostLeaveClosesRoom(t *testing.T) {
	reg := newRegistry(newFakeClock())
	room, _, _ := reg.CreateRoom("r1", host("h"))
	reg.RequestJoin("r1", "g", domain.User{})
	reg.AcceptRequest("r1", "h", "g")
	reg.JoinRoom("r1", "g", domain.User{})
	reg.RequestJoin("r1", "w", domain.User{})
	reg.RequestJoin("r1", "a", domain.User{})
	reg.AcceptRequest("r1", "h", "a")

	res, err := reg.LeaveRoom("r1", "h")
	if err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	if !res.WasHost || !res.Closed {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Remaining) != 1 || res.Remaining[0].ConnID != "g" {
		t.Fatalf("remaining = %+v", res.Remaining)
	}
	if len(res.Cancelled) != 1 || res.Cancelled[0].RequesterConnID != "w" {
		t.Fatalf("cancelled = %+v", res.Cancelled)
	}
	if len(res.Revoked) != 1 || res.Revoked[0].ConnID != "a" {
		t.Fatalf("revoked = %+v", res.Revoked)
	}
	if reg.Exists("r1") {
		t.Fatal("room still registered")
	}
	if room.State != domain.RoomClosed {
		t.Fatalf("state = %s", room.State)
	}
	if _, ok := reg.RoomOf("g"); ok {
		t.Fatal("guest membership survived room close")
	}
	// A closed room id can be reused.
	if _, _, err := reg.CreateRoom("r1", host("g")); err != nil {
		t.Fatalf("recreate: %v", err)
	}
}

func TestDisconnectPrunesEverything(t *testing.T) {
	reg := newRegistry(newFakeClock())
	reg.CreateRoom("r1", host("h"))
	reg.CreateRoom("r2", host("h2"))
	reg.RequestJoin("r1", "g", domain.User{})
	reg.RequestJoin("r2", "g", domain.User{})

	res := reg.Disconnect("g")
	if res.Leave != nil {
		t.Fatalf("non member produced a leave: %+v", res.Leave)
	}
	if len(res.Cancelled) != 2 {
		t.Fatalf("cancelled = %+v", res.Cancelled)
	}
	for _, id := range []domain.RoomID{"r1", "r2"} {
		if p, _ := reg.PendingRequests(id); len(p) != 0 {
			t.Fatalf("%s still has pending requests", id)
		}
	}

	res = reg.Disconnect("h")
	if res.Leave == nil || !res.Leave.Closed {
		t.Fatalf("host disconnect: %+v", res.Leave)
	}
	if reg.Exists("r1") {
		t.Fatal("r1 survived host disconnect")
	}
}

func TestToggleAndRemove(t *testing.T) {
	reg := newRegistry(newFakeClock())
	reg.CreateRoom("r1", host("h"))
	reg.RequestJoin("r1", "g", domain.User{})
	reg.AcceptRequest("r1", "h", "g")
	reg.JoinRoom("r1", "g", domain.User{})

	p, err := reg.ToggleMedia("r1", "g", domain.MediaMic, false)
	if err != nil || p.MicOn || !p.VideoOn {
		t.Fatalf("toggle mic: %+v %v", p, err)
	}
	if _, err := reg.ToggleMedia("r1", "x", domain.MediaVideo, false); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("toggle by stranger: %v", err)
	}

	if _, err := reg.RemoveParticipant("r1", "g", "h"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("guest removed host: %v", err)
	}
	if _, err := reg.RemoveParticipant("r1", "h", "h"); !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("host removed itself: %v", err)
	}
	res, err := reg.RemoveParticipant("r1", "h", "g")
	if err != nil || res.Departed.ConnID != "g" || res.Closed {
		t.Fatalf("remove: %+v %v", res, err)
	}
	if reg.SameRoom("r1", "h", "g") {
		t.Fatal("removed guest still in room")
	}
}

func TestExpire(t *testing.T) {
	clock := newFakeClock()
	reg := newRegistry(clock)
	reg.CreateRoom("r1", host("h"))
	reg.RequestJoin("r1", "old", domain.User{})
	clock.Advance(90 * time.Second)
	reg.RequestJoin("r1", "new", domain.User{})
	reg.AcceptRequest("r1", "h", "new")

	clock.Advance(30 * time.Second)
	res := reg.Expire(clock.Now())
	if len(res.Requests) != 1 || res.Requests[0].Request.RequesterConnID != "old" || res.Requests[0].HostID != "h" {
		t.Fatalf("expired requests = %+v", res.Requests)
	}
	if len(res.Admissions) != 0 {
		t.Fatalf("admission expired early: %+v", res.Admissions)
	}

	clock.Advance(30 * time.Second)
	res = reg.Expire(clock.Now())
	if len(res.Admissions) != 1 || res.Admissions[0].ConnID != "new" {
		t.Fatalf("expired admissions = %+v", res.Admissions)
	}
	if _, err := reg.JoinRoom("r1", "new", domain.User{}); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("join after admission expiry: %v", err)
	}
}

func TestRoomsSummary(t *testing.T) {
	clock := newFakeClock()
	reg := newRegistry(clock)
	reg.CreateRoom("b", host("h1"))
	clock.Advance(time.Second)
	reg.CreateRoom("a", host("h2"))
	reg.RequestJoin("a", "g", domain.User{})

	rooms := reg.Rooms()
	if len(rooms) != 2 || rooms[0].ID != "b" || rooms[1].ID != "a" {
		t.Fatalf("rooms = %+v", rooms)
	}
	if rooms[1].Pending != 1 || len(rooms[1].Participants) != 1 {
		t.Fatalf("summary a = %+v", rooms[1])
	}
}
