package relay

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/hyprshare/hyprshare/web"
)

// Pages serves the dashboard and viewer HTML. Assets are embedded; when
// DevDir is set (--reload) they are re-read from disk on every request so
// page edits show up without a restart.
type Pages struct {
	DevDir string
}

func (p *Pages) load(name string) ([]byte, error) {
	if p.DevDir != "" {
		if data, err := os.ReadFile(filepath.Join(p.DevDir, name)); err == nil {
			return data, nil
		}
	}
	return web.FS.ReadFile(name)
}

func (p *Pages) Dashboard() ([]byte, error) {
	return p.load("dashboard.html")
}

// Viewer renders the viewer page for one session id.
func (p *Pages) Viewer(sid string) ([]byte, error) {
	data, err := p.load("viewer.html")
	if err != nil {
		return nil, err
	}
	return bytes.ReplaceAll(data, []byte("{{SID}}"), []byte(sid)), nil
}
