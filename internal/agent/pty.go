package agent

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"golang.org/x/term"
)

const (
	defaultRows = 24
	defaultCols = 220
)

// terminalSize reports the local terminal dimensions, with floors so a
// tiny or unreadable terminal never produces a useless shared PTY.
func terminalSize() (rows, cols int) {
	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || rows <= 0 || cols <= 0 {
		return defaultRows, defaultCols
	}
	if rows < 24 {
		rows = 24
	}
	if cols < 80 {
		cols = 80
	}
	return rows, cols
}

// startShell runs the login shell in a new session on a fresh PTY, sized
// to the reported dimensions.
func startShell(shell string, rows, cols int) (*os.File, *exec.Cmd, error) {
	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)
	size := &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, nil, fmt.Errorf("start pty: %w", err)
	}
	return ptmx, cmd, nil
}

func setSize(ptmx *os.File, rows, cols int) {
	// Non-positive dims would wrap in the uint16 winsize.
	if rows <= 0 || cols <= 0 {
		return
	}
	pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}
