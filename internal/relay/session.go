package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/hyprshare/hyprshare/internal/logger"
	"github.com/hyprshare/hyprshare/internal/ws"
)

const (
	// ScrollbackBytes caps the per-session rolling output buffer.
	ScrollbackBytes = 64 * 1024

	viewerQueueSize = 256
	sendTimeout     = 5 * time.Second
)

// ErrAgentGone is returned when a frame cannot be forwarded because the
// agent channel is closed.
var ErrAgentGone = errors.New("agent disconnected")

// Viewer is one browser connection attached to a session. Frames are pushed
// onto its queue and drained by a dedicated writer, so fan-out never blocks
// on a slow peer.
type Viewer struct {
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newViewer(conn *websocket.Conn) *Viewer {
	return &Viewer{conn: conn, send: make(chan []byte, viewerQueueSize)}
}

// enqueue pushes a frame without blocking. False means the queue is full or
// already closed and the frame was not delivered. The mutex keeps enqueue
// safe against a concurrent closeQueue: the handler may still try to push a
// frame after the fan-out has dropped this viewer.
func (v *Viewer) enqueue(raw []byte) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	select {
	case v.send <- raw:
		return true
	default:
		return false
	}
}

func (v *Viewer) closeQueue() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	close(v.send)
}

// writePump drains the send queue onto the socket. It exits when the queue
// is closed or a write fails; a failed write closes the socket, which in
// turn ends the handler's read loop.
func (v *Viewer) writePump() {
	for raw := range v.send {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := v.conn.Write(ctx, websocket.MessageText, raw)
		cancel()
		if err != nil {
			v.conn.CloseNow()
			return
		}
	}
}

// Session pairs one agent channel with a set of viewers. The registry owns
// the session; the socket handlers own the channels.
type Session struct {
	ID      string
	Name    string
	Created time.Time

	mu         sync.Mutex
	alive      bool
	agent      *websocket.Conn
	viewers    map[*Viewer]struct{}
	scrollback []byte
	cols       int
	rows       int

	agentMu sync.Mutex // serializes writes to the agent channel
}

func newSession(id, name string, rows, cols int, agent *websocket.Conn) *Session {
	return &Session{
		ID:      id,
		Name:    name,
		Created: time.Now(),
		alive:   true,
		agent:   agent,
		viewers: make(map[*Viewer]struct{}),
		rows:    rows,
		cols:    cols,
	}
}

// Summary is the dashboard JSON shape for one session.
type Summary struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Created float64 `json:"created"`
	Alive   bool    `json:"alive"`
	Viewers int     `json:"viewers"`
}

func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:      s.ID,
		Name:    s.Name,
		Created: float64(s.Created.UnixMilli()) / 1000,
		Alive:   s.alive,
		Viewers: len(s.viewers),
	}
}

func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// AppendOutput extends the scrollback, trimming the oldest bytes past the
// cap. The trim is byte-level; replay decoders tolerate a torn rune at the
// head.
func (s *Session) AppendOutput(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrollback = append(s.scrollback, data...)
	if over := len(s.scrollback) - ScrollbackBytes; over > 0 {
		s.scrollback = append(s.scrollback[:0], s.scrollback[over:]...)
	}
}

// Scrollback returns a copy of the current buffer.
func (s *Session) Scrollback() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.scrollback...)
}

// Broadcast fans a frame out to every attached viewer. Viewers with full
// queues are dropped; failures never affect other viewers.
func (s *Session) Broadcast(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.broadcastLocked(raw)
	s.mu.Unlock()
}

// BroadcastRaw fans an already-encoded frame out verbatim.
func (s *Session) BroadcastRaw(raw []byte) {
	s.mu.Lock()
	s.broadcastLocked(raw)
	s.mu.Unlock()
}

func (s *Session) broadcastLocked(raw []byte) {
	for v := range s.viewers {
		if !v.enqueue(raw) {
			delete(s.viewers, v)
			v.closeQueue()
			v.conn.CloseNow()
		}
	}
}

// WriteAgent forwards a frame to the agent. Returns ErrAgentGone when the
// agent channel is detached.
func (s *Session) WriteAgent(ctx context.Context, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.WriteAgentRaw(ctx, raw)
}

// WriteAgentRaw forwards an already-encoded frame to the agent.
func (s *Session) WriteAgentRaw(ctx context.Context, raw []byte) error {
	s.mu.Lock()
	conn := s.agent
	alive := s.alive
	s.mu.Unlock()
	if conn == nil || !alive {
		return ErrAgentGone
	}
	writeCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	s.agentMu.Lock()
	defer s.agentMu.Unlock()
	return conn.Write(writeCtx, websocket.MessageText, raw)
}

// AddViewer attaches a new viewer. The scrollback replay and the first meta
// frame are queued before the viewer joins the fan-out set, so no live
// frame can be observed ahead of the replay.
func (s *Session) AddViewer(conn *websocket.Conn) *Viewer {
	v := newViewer(conn)

	s.mu.Lock()
	replay, _ := json.Marshal(ws.Output{Type: ws.TypeOutput, Data: lossyString(s.scrollback)})
	v.enqueue(replay)
	meta, _ := json.Marshal(s.metaLocked(len(s.viewers) + 1))
	v.enqueue(meta)
	if s.alive {
		s.broadcastLocked(meta)
	}
	s.viewers[v] = struct{}{}
	s.mu.Unlock()

	logger.Debug("viewer joined", "sid", s.ID, "viewers", s.ViewerCount())
	return v
}

// RemoveViewer detaches a viewer and notifies the remaining peers.
func (s *Session) RemoveViewer(v *Viewer) {
	s.mu.Lock()
	if _, ok := s.viewers[v]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.viewers, v)
	v.closeQueue()
	if s.alive {
		meta, _ := json.Marshal(s.metaLocked(len(s.viewers)))
		s.broadcastLocked(meta)
	}
	s.mu.Unlock()

	logger.Debug("viewer left", "sid", s.ID, "viewers", s.ViewerCount())
}

// MarkDead detaches the agent and notifies viewers once. Returns false if
// the session was already dead. Sessions never come back to life; a
// reconnecting agent registers a fresh one.
func (s *Session) MarkDead() bool {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return false
	}
	s.alive = false
	s.agent = nil
	raw, _ := json.Marshal(ws.Disconnect{
		Type:    ws.TypeDisconnect,
		Message: "Agent '" + s.Name + "' disconnected",
	})
	s.broadcastLocked(raw)
	s.mu.Unlock()
	return true
}

// SetDims records the last viewer-reported PTY dimensions.
func (s *Session) SetDims(rows, cols int) {
	s.mu.Lock()
	if rows > 0 {
		s.rows = rows
	}
	if cols > 0 {
		s.cols = cols
	}
	s.mu.Unlock()
}

// Meta snapshots the current metadata frame.
func (s *Session) Meta() ws.Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metaLocked(len(s.viewers))
}

func (s *Session) metaLocked(viewers int) ws.Meta {
	return ws.Meta{
		Type:    ws.TypeMeta,
		Name:    s.Name,
		Viewers: viewers,
		Cols:    s.cols,
		Rows:    s.rows,
	}
}

func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// lossyString decodes bytes as UTF-8 with replacement characters, so a
// head-trimmed scrollback still serializes as valid JSON text.
func lossyString(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
