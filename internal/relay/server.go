package relay

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hyprshare/hyprshare/internal/logger"
)

// Server is the HTTP and WebSocket surface of the relay.
type Server struct {
	Sessions  *Registry
	Pages     *Pages
	AssetsDir string // directory holding the downloadable agent script

	mux *http.ServeMux

	// handshakeTimeout bounds the agent registration frame. Tests shorten it.
	handshakeTimeout time.Duration
}

func NewServer(sessions *Registry, pages *Pages, assetsDir string) *Server {
	s := &Server{
		Sessions:         sessions,
		Pages:            pages,
		AssetsDir:        assetsDir,
		mux:              http.NewServeMux(),
		handshakeTimeout: registerTimeout,
	}
	s.mux.HandleFunc("GET /{$}", s.handleDashboard)
	s.mux.HandleFunc("GET /s/{sid}", s.handleViewerPage)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /get", s.handleInstaller)
	s.mux.HandleFunc("GET /agent.py", s.handleAgentScript)
	s.mux.HandleFunc("GET /agent/ws", s.handleAgentWS)
	s.mux.HandleFunc("GET /viewer/ws/{sid}", s.handleViewerWS)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) newInputMeter() *InputMeter {
	return NewInputMeter(defaultInputRate, defaultInputBurst)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.Sessions.List()})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	page, err := s.Pages.Dashboard()
	if err != nil {
		http.Error(w, "dashboard unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func (s *Server) handleViewerPage(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	if s.Sessions.Get(sid) == nil {
		http.Error(w, "Session '"+sid+"' not found", http.StatusNotFound)
		return
	}
	page, err := s.Pages.Viewer(sid)
	if err != nil {
		http.Error(w, "viewer page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func (s *Server) handleInstaller(w http.ResponseWriter, r *http.Request) {
	script, err := RenderInstaller(baseURL(r))
	if err != nil {
		logger.Error("render installer", "err", err)
		http.Error(w, "installer unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(script))
}

func (s *Server) handleAgentScript(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(filepath.Join(s.AssetsDir, "agent.py"))
	if err != nil {
		http.Error(w, "agent.py not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(data)
}

// baseURL reconstructs the server URL the client used, honoring a reverse
// proxy's forwarded scheme. TLS termination is assumed upstream.
func baseURL(r *http.Request) string {
	scheme := "http"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = "localhost:8000"
	}
	return scheme + "://" + host
}

// Helpers

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
