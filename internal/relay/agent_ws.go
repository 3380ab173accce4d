package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/hyprshare/hyprshare/internal/logger"
	"github.com/hyprshare/hyprshare/internal/ws"
)

const (
	registerTimeout = 10 * time.Second
	maxMessageSize  = 10 * 1024 * 1024 // 10 MiB per inbound frame
)

// handleAgentWS accepts an agent channel, runs the registration handshake,
// then relays PTY output to viewers until the channel closes.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("agent websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageSize)

	ctx := r.Context()

	// Registration handshake: first frame must be a register within the
	// deadline. A peer that hangs up during the handshake just goes away.
	regCtx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	_, data, err := conn.Read(regCtx)
	timedOut := errors.Is(regCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut {
			conn.Close(websocket.StatusPolicyViolation, "register timeout")
		}
		return
	}
	var reg ws.Register
	if err := json.Unmarshal(data, &reg); err != nil || reg.Type != ws.TypeRegister {
		conn.Close(websocket.StatusPolicyViolation, "expected register")
		return
	}
	if reg.Name == "" {
		reg.Name = "unknown"
	}
	if reg.Rows <= 0 {
		reg.Rows = 50
	}
	if reg.Cols <= 0 {
		reg.Cols = 220
	}

	sess := s.Sessions.Create(reg.Name, reg.Rows, reg.Cols, conn)
	defer func() {
		if sess.MarkDead() {
			s.Sessions.SchedulePrune(sess.ID)
			logger.Info("agent disconnected", "name", sess.Name, "sid", sess.ID)
		}
	}()

	reply := ws.SessionMsg{
		Type: ws.TypeSession,
		SID:  sess.ID,
		URL:  ws.ServerToken + "/s/" + sess.ID,
	}
	if err := sess.WriteAgent(ctx, reply); err != nil {
		return
	}

	logger.Info("agent connected", "name", sess.Name, "sid", sess.ID)

	// Relay loop. Unknown or malformed frames are ignored, never fatal.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case ws.TypeOutput:
			var out ws.Output
			if err := json.Unmarshal(data, &out); err != nil {
				continue
			}
			sess.AppendOutput(out.Data)
			sess.BroadcastRaw(data)

		case ws.TypePong:
			// Viewers use this to measure latency through the agent.
			sess.BroadcastRaw(data)
		}
	}
}
