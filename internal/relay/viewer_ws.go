package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/hyprshare/hyprshare/internal/logger"
	"github.com/hyprshare/hyprshare/internal/ws"
)

// handleViewerWS accepts a viewer channel, replays scrollback, then routes
// input, resize, and ping frames until the viewer leaves.
func (s *Server) handleViewerWS(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("viewer websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageSize)

	ctx := r.Context()

	sess := s.Sessions.Get(sid)
	if sess == nil {
		raw, _ := json.Marshal(ws.ErrorMsg{
			Type:    ws.TypeError,
			Message: "Session '" + sid + "' not found or expired.",
		})
		conn.Write(ctx, websocket.MessageText, raw)
		conn.Close(websocket.StatusNormalClosure, "unknown session")
		return
	}

	// Replay and first meta are queued before the viewer joins the fan-out
	// set, so the replay always precedes live output.
	v := sess.AddViewer(conn)
	go v.writePump()
	defer sess.RemoveViewer(v)

	meter := s.newInputMeter()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if err := meter.Wait(ctx, len(data)); err != nil {
			return
		}

		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case ws.TypePing:
			// Forward so the agent answers; when the agent is gone, answer
			// directly so viewer latency still updates.
			if err := sess.WriteAgent(ctx, ws.Ping{Type: ws.TypePing}); err != nil {
				if !errors.Is(err, ErrAgentGone) {
					continue
				}
				pong, _ := json.Marshal(ws.Pong{Type: ws.TypePong})
				v.enqueue(pong)
			}

		case ws.TypeInput:
			// Dropped silently when the agent is detached.
			_ = sess.WriteAgentRaw(ctx, data)

		case ws.TypeResize:
			var rz ws.Resize
			if err := json.Unmarshal(data, &rz); err != nil {
				continue
			}
			// Non-positive dims would wrap in the PTY's uint16 winsize.
			if rz.Rows <= 0 || rz.Cols <= 0 {
				continue
			}
			sess.SetDims(rz.Rows, rz.Cols)
			_ = sess.WriteAgentRaw(ctx, data)
			if sess.Alive() {
				sess.Broadcast(sess.Meta())
			}
		}
	}
}
