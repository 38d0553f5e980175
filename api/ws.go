package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/spectralhq/spectralnotify/broker"
	"github.com/spectralhq/spectralnotify/fanout"
)

// newUpgrader builds the WebSocket upgrader honoring the CORS origin list.
func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			return allowed[r.Header.Get("Origin")]
		},
	}
}

// subscribe upgrades /ws/:kind/:id and attaches the socket to the entity's
// fan-out hub. Unknown kinds are rejected before the upgrade; an unknown ID
// is reported on the socket itself with close code 1008, since handshake
// error bodies are invisible to browser clients.
func (h *Handler) subscribe(upgrader *websocket.Upgrader) echo.HandlerFunc {
	return func(c echo.Context) error {
		kind := broker.Kind(c.Param("kind"))
		if !kind.Valid() {
			return echo.NewHTTPError(http.StatusForbidden, "forbidden kind")
		}
		id := c.Param("id")
		if err := broker.ValidateID(id); err != nil {
			return err
		}

		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// Upgrade already wrote the handshake error.
			return nil
		}

		if _, err := h.dir.Attach(c.Request().Context(), kind, id, conn); err != nil {
			msg := websocket.FormatCloseMessage(fanout.CloseInvalidRoute, broker.AsError(err).Message)
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
			_ = conn.Close()
			return nil
		}
		return nil
	}
}
