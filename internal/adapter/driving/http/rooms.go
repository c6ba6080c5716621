package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Wyydra/huddle/internal/adapter/driven/provision"
	"github.com/Wyydra/huddle/internal/core/port"
	"github.com/Wyydra/huddle/internal/core/service"
	"github.com/Wyydra/huddle/internal/guard"
)

type identityKey struct{}

func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.Guard.Authenticate(r)
		if err != nil {
			guard.WriteRejection(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

type participantView struct {
	ConnID   string    `json:"connId"`
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	MicOn    bool      `json:"micOn"`
	VideoOn  bool      `json:"videoOn"`
	JoinedAt time.Time `json:"joinedAt"`
}

type roomView struct {
	ID           string            `json:"id"`
	HostID       string            `json:"hostId"`
	State        string            `json:"state"`
	CreatedAt    time.Time         `json:"createdAt"`
	Participants []participantView `json:"participants"`
	Pending      int               `json:"pending"`
}

func roomViews(rooms []service.RoomSummary) []roomView {
	out := make([]roomView, 0, len(rooms))
	for _, r := range rooms {
		v := roomView{
			ID:           r.ID.String(),
			HostID:       r.HostID.String(),
			State:        r.State.String(),
			CreatedAt:    r.CreatedAt,
			Participants: make([]participantView, 0, len(r.Participants)),
			Pending:      r.Pending,
		}
		for _, p := range r.Participants {
			v.Participants = append(v.Participants, participantView{
				ConnID:   p.ConnID.String(),
				UserID:   p.User.ID.String(),
				Name:     p.User.Name,
				MicOn:    p.MicOn,
				VideoOn:  p.VideoOn,
				JoinedAt: p.JoinedAt,
			})
		}
		out = append(out, v)
	}
	return out
}

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	var rooms []service.RoomSummary
	if err := h.Hub.Do(r.Context(), func(reg *service.Registry) { rooms = reg.Rooms() }); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, roomViews(rooms))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	rooms := 0
	if err := h.Hub.Do(ctx, func(reg *service.Registry) { rooms = len(reg.Rooms()) }); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rooms": rooms})
}

type provisionRequest struct {
	Name       string `json:"name"`
	TTLSeconds int    `json:"ttlSeconds"`
}

type provisionResponse struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
}

const maxProvisionTTL = 24 * time.Hour

func (h *Handler) ProvisionRoom(w http.ResponseWriter, r *http.Request) {
	if h.Provisioner == nil {
		writeError(w, http.StatusServiceUnavailable, "Unavailable", provision.ErrNotConfigured.Error())
		return
	}

	var req provisionRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "ValidationFailed", err.Error())
			return
		}
	}
	if req.TTLSeconds < 0 || time.Duration(req.TTLSeconds)*time.Second > maxProvisionTTL {
		writeError(w, http.StatusBadRequest, "ValidationFailed", "ttlSeconds out of range")
		return
	}

	pr := port.ProvisionRequest{Name: req.Name}
	if req.TTLSeconds > 0 {
		pr.ExpiresAt = h.opts.Clock.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
	}

	room, err := h.Provisioner.Provision(r.Context(), pr)
	switch {
	case errors.Is(err, provision.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "Unavailable", err.Error())
		return
	case err != nil:
		h.log.Error().Err(err).Msg("room provisioning failed")
		writeError(w, http.StatusBadGateway, "UpstreamError", "room provisioning failed")
		return
	}
	if id, ok := r.Context().Value(identityKey{}).(guard.Identity); ok {
		h.log.Info().Str("user", string(id.UserID)).Str("url", room.URL).Msg("room provisioned")
	}
	writeJSON(w, http.StatusCreated, provisionResponse{Name: room.Name, URL: room.URL})
}
