package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const writeTimeout = 5 * time.Second

// reply is the answer to each control frame.
type reply struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// WebSocketHandler accepts commands as text frames on a WebSocket.
type WebSocketHandler struct {
	gw             *Gateway
	originPatterns []string
}

// NewWebSocketHandler creates a control channel handler. originPatterns
// lists browser origins allowed to connect; clients that send no Origin
// header are always accepted.
func NewWebSocketHandler(gw *Gateway, originPatterns ...string) *WebSocketHandler {
	return &WebSocketHandler{gw: gw, originPatterns: originPatterns}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.gw.logger.With("conn_id", uuid.NewString(), "remote", r.RemoteAddr)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		logger.Error("control_accept_failed", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "control closed"); closeErr != nil {
			logger.Debug("control_close_failed", "error", closeErr)
		}
	}()

	logger.Info("control_connected")
	ctx := r.Context()

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				logger.Debug("control_closed_by_client")
			} else if ctx.Err() == nil {
				logger.Warn("control_read_failed", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			if err := writeJSON(ctx, ws, reply{Type: "error", Error: "text frames only"}); err != nil {
				return
			}
			continue
		}

		resp := reply{Type: "ack"}
		if err := h.gw.Handle(ctx, data); err != nil {
			resp = reply{Type: "error", Error: err.Error()}
		}
		if err := writeJSON(ctx, ws, resp); err != nil {
			logger.Debug("control_write_failed", "error", err)
			return
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
