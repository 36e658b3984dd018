package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/gateway"
	"github.com/ashureev/wabridge/internal/session"
)

const maxCommandBody = 64 << 10

// StatusSource reports the session manager's state.
type StatusSource interface {
	Snapshot() session.Snapshot
}

// Commander executes a decoded control command.
type Commander interface {
	Execute(ctx context.Context, cmd domain.Command) error
}

// SessionHandler serves status and send endpoints.
type SessionHandler struct {
	*Handler
	status    StatusSource
	commander Commander
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(base *Handler, status StatusSource, commander Commander) *SessionHandler {
	return &SessionHandler{Handler: base, status: status, commander: commander}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Post("/send", h.Send)
	})
}

// GetStatus returns the connection state and reconnect counter.
func (h *SessionHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.status.Snapshot())
}

// Send relays a send_message command to the open session.
func (h *SessionHandler) Send(w http.ResponseWriter, r *http.Request) {
	var cmd domain.Command
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody)).Decode(&cmd); err != nil {
		Error(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if cmd.Type == "" {
		cmd.Type = domain.CommandSendMessage
	}
	if cmd.Type != domain.CommandSendMessage {
		Error(w, http.StatusBadRequest, "unsupported_command")
		return
	}

	err := h.commander.Execute(r.Context(), cmd)
	switch {
	case err == nil:
		JSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
	case errors.Is(err, gateway.ErrMissingField):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNoSession):
		Error(w, http.StatusServiceUnavailable, "no_open_session")
	default:
		h.logger.Error("api_send_failed", "error", err, "to", cmd.To)
		Error(w, http.StatusBadGateway, "send_failed")
	}
}
