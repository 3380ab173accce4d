package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hyprshare/hyprshare/internal/ws"
)

const (
	sessionReplyTimeout = 10 * time.Second
	ptyReadSize         = 8192

	backoffBase   = 2 * time.Second
	backoffFactor = 1.5
	backoffMax    = 30 * time.Second
)

// Options configures the agent.
type Options struct {
	ServerURL string
	Shell     string
	Reconnect bool
}

// Run connects to the relay and shares the local shell until ctx is
// cancelled. With Reconnect, transport failures back off and retry; each
// successful registration yields a fresh session id.
func Run(ctx context.Context, opts Options) error {
	serverURL := strings.TrimRight(opts.ServerURL, "/")
	shell := opts.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}

	fmt.Printf("[hyprshare] Connecting to %s ...\n", serverURL)
	bo := ws.NewBackoff(backoffBase, backoffFactor, backoffMax)

	for {
		err := runSession(ctx, serverURL, shell, bo)
		if ctx.Err() != nil {
			fmt.Println("\n[hyprshare] Stopped.")
			return nil
		}
		if !opts.Reconnect {
			if err != nil {
				fmt.Printf("[hyprshare] Disconnected: %v\n", err)
			}
			return err
		}
		delay := bo.Next()
		fmt.Printf("[hyprshare] Connection lost (%v). Retrying in %s ...\n", err, delay)
		select {
		case <-ctx.Done():
			fmt.Println("\n[hyprshare] Stopped.")
			return nil
		case <-time.After(delay):
		}
	}
}

// runSession performs one register → relay cycle: handshake, PTY fork, and
// the two relay loops. Returning ends the child shell.
func runSession(ctx context.Context, serverURL, shell string, bo *ws.Backoff) error {
	conn, err := ws.Dial(ctx, serverURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	rows, cols := terminalSize()
	name, err := os.Hostname()
	if err != nil {
		name = "unknown"
	}

	reg := ws.Register{Type: ws.TypeRegister, Name: name, Shell: shell, Rows: rows, Cols: cols}
	if err := conn.WriteJSON(ctx, reg); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	replyCtx, cancel := context.WithTimeout(ctx, sessionReplyTimeout)
	data, err := conn.Read(replyCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("await session: %w", err)
	}
	var sess ws.SessionMsg
	if err := json.Unmarshal(data, &sess); err != nil || sess.Type != ws.TypeSession {
		return fmt.Errorf("unexpected server response: %s", data)
	}
	bo.Reset()

	printBanner(sess.SID, strings.ReplaceAll(sess.URL, ws.ServerToken, serverURL))

	ptmx, cmd, err := startShell(shell, rows, cols)
	if err != nil {
		return err
	}
	defer func() {
		cmd.Process.Kill()
		ptmx.Close()
		cmd.Wait()
	}()

	// Local terminal resizes propagate to the shared PTY.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	defer signal.Stop(winch)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-winch:
				r, c := terminalSize()
				setSize(ptmx, r, c)
			case <-done:
				return
			}
		}
	}()

	// Either loop ending tears the session down; the deferred cleanup
	// unblocks whichever one is still pending.
	sessCtx, stop := context.WithCancel(ctx)
	defer stop()
	errCh := make(chan error, 2)
	go func() { errCh <- ptyToServer(sessCtx, conn, ptmx) }()
	go func() { errCh <- serverToPTY(sessCtx, conn, ptmx) }()
	return <-errCh
}

// ptyToServer pumps PTY output to the relay as lossy UTF-8 output frames.
// A read error (EOF, EIO on shell exit) ends the session.
func ptyToServer(ctx context.Context, conn *ws.Conn, ptmx *os.File) error {
	buf := make([]byte, ptyReadSize)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			out := ws.Output{Type: ws.TypeOutput, Data: strings.ToValidUTF8(string(buf[:n]), "�")}
			if werr := conn.WriteJSON(ctx, out); werr != nil {
				return werr
			}
		}
		if err != nil {
			return fmt.Errorf("pty read: %w", err)
		}
	}
}

// serverToPTY applies relay frames to the PTY: input bytes, resizes, and
// latency pings. Unknown frames are ignored.
func serverToPTY(ctx context.Context, conn *ws.Conn, ptmx *os.File) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case ws.TypeInput:
			var in ws.Input
			if err := json.Unmarshal(data, &in); err != nil {
				continue
			}
			if _, err := ptmx.Write([]byte(in.Data)); err != nil {
				return fmt.Errorf("pty write: %w", err)
			}

		case ws.TypeResize:
			var rz ws.Resize
			if err := json.Unmarshal(data, &rz); err != nil {
				continue
			}
			setSize(ptmx, rz.Rows, rz.Cols)

		case ws.TypePing:
			if err := conn.WriteJSON(ctx, ws.Pong{Type: ws.TypePong}); err != nil {
				return err
			}
		}
	}
}

func printBanner(sid, url string) {
	sep := strings.Repeat("─", 56)
	fmt.Printf("\n%s\n", sep)
	fmt.Println("  ⚡  HyprShare · Session Active")
	fmt.Println(sep)
	fmt.Printf("  Session  %s\n", sid)
	fmt.Printf("  URL      %s\n", url)
	fmt.Println(sep)
	fmt.Println("  Open the URL in any browser to view / type.")
	fmt.Println("  Press Ctrl+C to stop.")
	fmt.Println()
}
