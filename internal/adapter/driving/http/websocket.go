package http

import (
	"net/http"

	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/core/service"
	"github.com/Wyydra/huddle/internal/guard"
	"github.com/Wyydra/huddle/internal/protocol"
)

// ServeWS admits the handshake through the guard, upgrades it, and serves the
// connection until it closes. Rejected handshakes never reach the hub.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	adm, err := h.Guard.Admit(r)
	if err != nil {
		guard.WriteRejection(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		adm.Release()
		h.log.Warn().Err(err).Str("ip", adm.IP).Msg("websocket upgrade failed")
		return
	}

	caller := service.Caller{
		ConnID: domain.NewConnID(),
		UserID: adm.Identity.UserID,
		Name:   adm.Identity.Name,
	}
	codec := protocol.CodecFor(conn.Subprotocol())

	l := h.log.With().
		Str("conn", caller.ConnID.String()).
		Str("user", string(caller.UserID)).
		Str("codec", codec.Name()).
		Logger()
	l.Info().Msg("client connected")

	h.Hub.Attach(conn, codec, caller, adm.Release)

	l.Info().Msg("client disconnected")
}
