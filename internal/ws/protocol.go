package ws

// Message types for the relay WebSocket protocol.
const (
	// Agent → Server
	TypeRegister = "register" // first frame on the agent channel
	TypeOutput   = "output"   // agent → server → viewers
	TypePong     = "pong"     // agent → server → viewers

	// Server → Agent
	TypeSession = "session" // reply to register

	// Viewer → Server
	TypeInput  = "input"  // viewer → server → agent
	TypeResize = "resize" // viewer → server → agent, plus meta broadcast
	TypePing   = "ping"   // viewer → server → agent (or synthesized pong)

	// Server → Viewer
	TypeMeta       = "meta"
	TypeDisconnect = "disconnect"
	TypeError      = "error"
)

// ServerToken is the placeholder embedded in the session URL. The server
// cannot know its canonical public URL, so the agent substitutes this token
// with its own --server value before display.
const ServerToken = "__SERVER__"

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Register is sent by the agent as the first frame after connecting.
type Register struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Shell string `json:"shell,omitempty"`
	Rows  int    `json:"rows"`
	Cols  int    `json:"cols"`
}

// SessionMsg is the server's reply to a successful registration.
// URL contains the literal ServerToken placeholder.
type SessionMsg struct {
	Type string `json:"type"`
	SID  string `json:"sid"`
	URL  string `json:"url"`
}

// Output carries lossy UTF-8 decoded PTY output.
type Output struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Input carries keystrokes to inject into the PTY.
type Input struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Resize tells the agent to change PTY dimensions.
type Resize struct {
	Type string `json:"type"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
}

// Ping measures viewer↔agent round-trip latency. Distinct from the
// transport-level keepalive pings.
type Ping struct {
	Type string `json:"type"`
}

// Pong is the reply to Ping, agent-generated or server-generated when the
// agent is unreachable.
type Pong struct {
	Type string `json:"type"`
}

// Meta carries current session metadata to viewers.
type Meta struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Viewers int    `json:"viewers"`
	Cols    int    `json:"cols"`
	Rows    int    `json:"rows"`
}

// Disconnect tells viewers the agent went away.
type Disconnect struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorMsg is sent for protocol errors (unknown session, bad handshake).
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
