// Package ws exposes the push side of fan-out: one websocket per viewer per
// frame, carrying fanout.Event JSON.
package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/pixelcollab/canvas-backend/internal/engine"
	"github.com/pixelcollab/canvas-backend/internal/fanout"
	"github.com/pixelcollab/canvas-backend/internal/perm"
)

func Handler(m *fanout.Manager, frames engine.FrameProvider, overrides engine.OverrideProvider, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		frameID := r.URL.Query().Get("frame")
		if frameID == "" {
			http.Error(w, "missing frame", http.StatusBadRequest)
			return
		}

		frame, err := frames.FrameByID(r.Context(), frameID)
		if err != nil {
			http.Error(w, "frame lookup failed", http.StatusInternalServerError)
			return
		}
		if frame == nil {
			http.Error(w, "frame not found", http.StatusNotFound)
			return
		}

		// Viewing is gated the same way as the REST read surface.
		user := r.Header.Get("X-User-Handle")
		override, err := overrides.OverrideFor(r.Context(), frameID, user)
		if err != nil {
			http.Error(w, "override lookup failed", http.StatusInternalServerError)
			return
		}
		if !perm.CanView(frame, user, override) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		sub := m.Subscribe(r.Context(), frameID, &wsTransport{conn: conn})
		defer sub.Unsubscribe()

		// Viewers don't speak; the read loop only notices the close.
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debug("viewer socket closed",
						zap.String("frame", frameID), zap.Error(err))
				}
				return
			}
		}
	}
}

// wsTransport adapts an accepted websocket to fanout.Transport. Open is a
// no-op: the HTTP upgrade already established the channel.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Open(ctx context.Context) error { return nil }

func (t *wsTransport) Send(ctx context.Context, ev fanout.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, payload)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}
