package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/hyprshare/hyprshare/internal/ws"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(NewRegistry(), &Pages{}, t.TempDir())
	ts := httptest.NewServer(srv)
	t.Cleanup(func() { ts.Close() })
	return srv, ts
}

func dialWS(t *testing.T, ctx context.Context, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	conn.SetReadLimit(maxMessageSize)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// registerAgent runs the agent handshake and returns the session reply.
func registerAgent(t *testing.T, ctx context.Context, conn *websocket.Conn, name string) ws.SessionMsg {
	t.Helper()
	reg, _ := json.Marshal(ws.Register{Type: ws.TypeRegister, Name: name, Shell: "/bin/sh", Rows: 50, Cols: 220})
	if err := conn.Write(ctx, websocket.MessageText, reg); err != nil {
		t.Fatalf("write register: %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read session reply: %v", err)
	}
	var sess ws.SessionMsg
	if err := json.Unmarshal(data, &sess); err != nil || sess.Type != ws.TypeSession {
		t.Fatalf("expected session reply, got %s", data)
	}
	return sess
}

// drainJoin consumes the scrollback replay and the first meta frame every
// new viewer receives, returning the replay payload.
func drainJoin(t *testing.T, ctx context.Context, conn *websocket.Conn) string {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read replay: %v", err)
	}
	var out ws.Output
	if err := json.Unmarshal(data, &out); err != nil || out.Type != ws.TypeOutput {
		t.Fatalf("first viewer frame = %s, want output replay", data)
	}

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("read first meta: %v", err)
	}
	var env ws.Envelope
	json.Unmarshal(data, &env)
	if env.Type != ws.TypeMeta {
		t.Fatalf("second viewer frame = %s, want meta", data)
	}
	return out.Data
}

// awaitType reads frames until one of the wanted type arrives.
func awaitType(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string) []byte {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("awaiting %q frame: %v", typ, err)
		}
		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == typ {
			return data
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAgentRegistration(t *testing.T) {
	srv, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := dialWS(t, ctx, ts, "/agent/ws")
	sess := registerAgent(t, ctx, agent, "devbox")

	if len(sess.SID) != 10 {
		t.Errorf("sid = %q, want 10 chars", sess.SID)
	}
	if sess.URL != ws.ServerToken+"/s/"+sess.SID {
		t.Errorf("url = %q, want placeholder form", sess.URL)
	}

	resp, err := http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET /api/sessions: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Sessions []Summary `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(body.Sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(body.Sessions))
	}
	got := body.Sessions[0]
	if got.ID != sess.SID || got.Name != "devbox" || !got.Alive || got.Viewers != 0 {
		t.Errorf("summary = %+v", got)
	}

	if srv.Sessions.Get(sess.SID) == nil {
		t.Error("session missing from registry")
	}
}

func TestAgentFirstFrameMustRegister(t *testing.T) {
	_, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := dialWS(t, ctx, ts, "/agent/ws")
	out, _ := json.Marshal(ws.Output{Type: ws.TypeOutput, Data: "sneaky"})
	if err := agent.Write(ctx, websocket.MessageText, out); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, _, err := agent.Read(ctx); err == nil {
		t.Error("expected connection close after non-register first frame")
	}
}

func TestAgentHandshakeTimeout(t *testing.T) {
	srv, ts := testServer(t)
	srv.handshakeTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := dialWS(t, ctx, ts, "/agent/ws")

	// Send nothing; the server must close with a policy violation.
	_, _, err := agent.Read(ctx)
	if err == nil {
		t.Fatal("expected close after handshake deadline")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want %v", got, websocket.StatusPolicyViolation)
	}
}

func TestAgentHangupDuringHandshake(t *testing.T) {
	srv, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := dialWS(t, ctx, ts, "/agent/ws")
	agent.Close(websocket.StatusNormalClosure, "changed my mind")

	// The hangup is not a protocol violation and mints no session.
	time.Sleep(50 * time.Millisecond)
	if n := len(srv.Sessions.List()); n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}
}

func TestOutputFanOut(t *testing.T) {
	_, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := dialWS(t, ctx, ts, "/agent/ws")
	sess := registerAgent(t, ctx, agent, "devbox")

	v1 := dialWS(t, ctx, ts, "/viewer/ws/"+sess.SID)
	drainJoin(t, ctx, v1)
	v2 := dialWS(t, ctx, ts, "/viewer/ws/"+sess.SID)
	drainJoin(t, ctx, v2)

	frame, _ := json.Marshal(ws.Output{Type: ws.TypeOutput, Data: "hello\r\n"})
	if err := agent.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("agent write: %v", err)
	}

	for i, v := range []*websocket.Conn{v1, v2} {
		data := awaitType(t, ctx, v, ws.TypeOutput)
		var out ws.Output
		json.Unmarshal(data, &out)
		if out.Data != "hello\r\n" {
			t.Errorf("viewer %d got %q, want %q", i, out.Data, "hello\r\n")
		}
	}
}

func TestLateJoinReplay(t *testing.T) {
	srv, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := dialWS(t, ctx, ts, "/agent/ws")
	sess := registerAgent(t, ctx, agent, "devbox")

	for _, chunk := range []string{"AAA", "BBB"} {
		frame, _ := json.Marshal(ws.Output{Type: ws.TypeOutput, Data: chunk})
		if err := agent.Write(ctx, websocket.MessageText, frame); err != nil {
			t.Fatalf("agent write: %v", err)
		}
	}
	waitFor(t, func() bool {
		return string(srv.Sessions.Get(sess.SID).Scrollback()) == "AAABBB"
	}, "scrollback never reached AAABBB")

	viewer := dialWS(t, ctx, ts, "/viewer/ws/"+sess.SID)
	if replay := drainJoin(t, ctx, viewer); replay != "AAABBB" {
		t.Errorf("replay = %q, want %q", replay, "AAABBB")
	}
}

func TestReplayCappedAtScrollbackLimit(t *testing.T) {
	srv, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := dialWS(t, ctx, ts, "/agent/ws")
	sess := registerAgent(t, ctx, agent, "devbox")

	frame, _ := json.Marshal(ws.Output{Type: ws.TypeOutput, Data: strings.Repeat("a", 70000)})
	if err := agent.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("agent write: %v", err)
	}
	waitFor(t, func() bool {
		return len(srv.Sessions.Get(sess.SID).Scrollback()) == ScrollbackBytes
	}, "scrollback never reached the cap")

	viewer := dialWS(t, ctx, ts, "/viewer/ws/"+sess.SID)
	if replay := drainJoin(t, ctx, viewer); len(replay) != ScrollbackBytes {
		t.Errorf("replay len = %d, want %d", len(replay), ScrollbackBytes)
	}
}

func TestInputRouting(t *testing.T) {
	_, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := dialWS(t, ctx, ts, "/agent/ws")
	sess := registerAgent(t, ctx, agent, "devbox")

	viewer := dialWS(t, ctx, ts, "/viewer/ws/"+sess.SID)
	drainJoin(t, ctx, viewer)

	for _, keys := range []string{"l", "s", "\r"} {
		frame, _ := json.Marshal(ws.Input{Type: ws.TypeInput, Data: keys})
		if err := viewer.Write(ctx, websocket.MessageText, frame); err != nil {
			t.Fatalf("viewer write: %v", err)
		}
	}

	for _, want := range []string{"l", "s", "\r"} {
		data := awaitType(t, ctx, agent, ws.TypeInput)
		var in ws.Input
		json.Unmarshal(data, &in)
		if in.Data != want {
			t.Errorf("agent got input %q, want %q", in.Data, want)
		}
	}
}

func TestResizeReachesAgentAndPeers(t *testing.T) {
	srv, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := dialWS(t, ctx, ts, "/agent/ws")
	sess := registerAgent(t, ctx, agent, "devbox")

	v1 := dialWS(t, ctx, ts, "/viewer/ws/"+sess.SID)
	drainJoin(t, ctx, v1)
	v2 := dialWS(t, ctx, ts, "/viewer/ws/"+sess.SID)
	drainJoin(t, ctx, v2)

	frame, _ := json.Marshal(ws.Resize{Type: ws.TypeResize, Rows: 30, Cols: 100})
	if err := v1.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("viewer write: %v", err)
	}

	data := awaitType(t, ctx, agent, ws.TypeResize)
	var rz ws.Resize
	json.Unmarshal(data, &rz)
	if rz.Rows != 30 || rz.Cols != 100 {
		t.Errorf("agent got resize %dx%d, want 30x100", rz.Rows, rz.Cols)
	}

	waitFor(t, func() bool {
		m := srv.Sessions.Get(sess.SID).Meta()
		return m.Rows == 30 && m.Cols == 100
	}, "session dims never updated")

	// Peers learn the new geometry through a meta broadcast.
	for {
		data := awaitType(t, ctx, v2, ws.TypeMeta)
		var m ws.Meta
		json.Unmarshal(data, &m)
		if m.Rows == 30 && m.Cols == 100 {
			break
		}
	}
}

func TestResizeRejectsNonPositiveDims(t *testing.T) {
	srv, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := dialWS(t, ctx, ts, "/agent/ws")
	sess := registerAgent(t, ctx, agent, "devbox")

	viewer := dialWS(t, ctx, ts, "/viewer/ws/"+sess.SID)
	drainJoin(t, ctx, viewer)

	for _, bad := range []ws.Resize{
		{Type: ws.TypeResize, Rows: -1, Cols: 100},
		{Type: ws.TypeResize, Rows: 30, Cols: 0},
	} {
		frame, _ := json.Marshal(bad)
		if err := viewer.Write(ctx, websocket.MessageText, frame); err != nil {
			t.Fatalf("viewer write: %v", err)
		}
	}
	good, _ := json.Marshal(ws.Resize{Type: ws.TypeResize, Rows: 31, Cols: 101})
	if err := viewer.Write(ctx, websocket.MessageText, good); err != nil {
		t.Fatalf("viewer write: %v", err)
	}

	// Only the valid resize reaches the agent.
	data := awaitType(t, ctx, agent, ws.TypeResize)
	var rz ws.Resize
	json.Unmarshal(data, &rz)
	if rz.Rows != 31 || rz.Cols != 101 {
		t.Errorf("agent got resize %dx%d, want 31x101", rz.Rows, rz.Cols)
	}

	m := srv.Sessions.Get(sess.SID).Meta()
	if m.Rows != 31 || m.Cols != 101 {
		t.Errorf("session dims = %dx%d, want 31x101", m.Rows, m.Cols)
	}
}

func TestAgentDisconnectNotifiesAndPrunes(t *testing.T) {
	srv, ts := testServer(t)
	srv.Sessions.TTL = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := dialWS(t, ctx, ts, "/agent/ws")
	sess := registerAgent(t, ctx, agent, "devbox")

	viewer := dialWS(t, ctx, ts, "/viewer/ws/"+sess.SID)
	drainJoin(t, ctx, viewer)

	agent.Close(websocket.StatusNormalClosure, "bye")

	data := awaitType(t, ctx, viewer, ws.TypeDisconnect)
	var dc ws.Disconnect
	json.Unmarshal(data, &dc)
	if !strings.Contains(dc.Message, "devbox") {
		t.Errorf("disconnect message = %q, want agent name included", dc.Message)
	}

	waitFor(t, func() bool {
		return srv.Sessions.Get(sess.SID) == nil
	}, "dead session never pruned")

	resp, err := http.Get(ts.URL + "/s/" + sess.SID)
	if err != nil {
		t.Fatalf("GET viewer page: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("viewer page status = %d, want 404", resp.StatusCode)
	}
}

func TestDeadSessionStaysAddressableUntilTTL(t *testing.T) {
	srv, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := dialWS(t, ctx, ts, "/agent/ws")
	sess := registerAgent(t, ctx, agent, "devbox")

	frame, _ := json.Marshal(ws.Output{Type: ws.TypeOutput, Data: "last words"})
	agent.Write(ctx, websocket.MessageText, frame)
	waitFor(t, func() bool {
		return len(srv.Sessions.Get(sess.SID).Scrollback()) > 0
	}, "output never landed")

	agent.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool {
		return !srv.Sessions.Get(sess.SID).Alive()
	}, "session never marked dead")

	// A late viewer still gets the replay against the dead session.
	viewer := dialWS(t, ctx, ts, "/viewer/ws/"+sess.SID)
	if replay := drainJoin(t, ctx, viewer); replay != "last words" {
		t.Errorf("replay = %q, want %q", replay, "last words")
	}

	// Pings are answered locally so the latency readout keeps working.
	ping, _ := json.Marshal(ws.Ping{Type: ws.TypePing})
	if err := viewer.Write(ctx, websocket.MessageText, ping); err != nil {
		t.Fatalf("viewer write ping: %v", err)
	}
	awaitType(t, ctx, viewer, ws.TypePong)
}

func TestPingRoundTripThroughAgent(t *testing.T) {
	_, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := dialWS(t, ctx, ts, "/agent/ws")
	sess := registerAgent(t, ctx, agent, "devbox")

	viewer := dialWS(t, ctx, ts, "/viewer/ws/"+sess.SID)
	drainJoin(t, ctx, viewer)

	ping, _ := json.Marshal(ws.Ping{Type: ws.TypePing})
	if err := viewer.Write(ctx, websocket.MessageText, ping); err != nil {
		t.Fatalf("viewer write ping: %v", err)
	}

	// Agent sees the ping and answers; the pong fans back out.
	awaitType(t, ctx, agent, ws.TypePing)
	pong, _ := json.Marshal(ws.Pong{Type: ws.TypePong})
	if err := agent.Write(ctx, websocket.MessageText, pong); err != nil {
		t.Fatalf("agent write pong: %v", err)
	}
	awaitType(t, ctx, viewer, ws.TypePong)
}

func TestViewerUnknownSession(t *testing.T) {
	_, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	viewer := dialWS(t, ctx, ts, "/viewer/ws/nosuchsess")
	_, data, err := viewer.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var em ws.ErrorMsg
	if err := json.Unmarshal(data, &em); err != nil || em.Type != ws.TypeError {
		t.Fatalf("frame = %s, want error", data)
	}
	if !strings.Contains(em.Message, "nosuchsess") {
		t.Errorf("message = %q, want sid included", em.Message)
	}

	if _, _, err := viewer.Read(ctx); err == nil {
		t.Error("expected close after error frame")
	}
}

func TestMalformedViewerFramesIgnored(t *testing.T) {
	_, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := dialWS(t, ctx, ts, "/agent/ws")
	sess := registerAgent(t, ctx, agent, "devbox")

	viewer := dialWS(t, ctx, ts, "/viewer/ws/"+sess.SID)
	drainJoin(t, ctx, viewer)

	for _, junk := range []string{"not json", `{"type":"mystery"}`, `{}`} {
		if err := viewer.Write(ctx, websocket.MessageText, []byte(junk)); err != nil {
			t.Fatalf("viewer write %q: %v", junk, err)
		}
	}

	// The connection survives; a real frame still goes through.
	frame, _ := json.Marshal(ws.Input{Type: ws.TypeInput, Data: "ok"})
	if err := viewer.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("viewer write: %v", err)
	}
	data := awaitType(t, ctx, agent, ws.TypeInput)
	var in ws.Input
	json.Unmarshal(data, &in)
	if in.Data != "ok" {
		t.Errorf("agent got %q, want %q", in.Data, "ok")
	}
}

func TestViewerCountInMeta(t *testing.T) {
	_, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := dialWS(t, ctx, ts, "/agent/ws")
	sess := registerAgent(t, ctx, agent, "devbox")

	v1 := dialWS(t, ctx, ts, "/viewer/ws/"+sess.SID)
	drainJoin(t, ctx, v1)

	v2 := dialWS(t, ctx, ts, "/viewer/ws/"+sess.SID)
	drainJoin(t, ctx, v2)

	// v1 hears about v2 joining.
	data := awaitType(t, ctx, v1, ws.TypeMeta)
	var m ws.Meta
	json.Unmarshal(data, &m)
	if m.Viewers != 2 {
		t.Errorf("meta viewers = %d, want 2", m.Viewers)
	}

	v2.Close(websocket.StatusNormalClosure, "done")

	// And about v2 leaving.
	for {
		data := awaitType(t, ctx, v1, ws.TypeMeta)
		json.Unmarshal(data, &m)
		if m.Viewers == 1 {
			break
		}
	}
}

func TestDashboardAndInstallerEndpoints(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("dashboard status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/get")
	if err != nil {
		t.Fatalf("GET /get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("installer status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read installer body: %v", err)
	}
	script := string(body)
	if !strings.Contains(script, ts.URL) {
		t.Errorf("installer script missing server URL %q", ts.URL)
	}
	if !strings.Contains(script, "sh -s run") {
		t.Error("installer script missing run hint")
	}
}
