package relay

import (
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/hyprshare/hyprshare/internal/logger"
)

// DefaultSessionTTL is how long a dead session stays addressable so viewers
// can observe the disconnect notice and inspect scrollback.
const DefaultSessionTTL = 120 * time.Second

// Registry is the thread-safe session map. It exclusively owns all
// sessions; its lock guards only map mutations, never channel I/O.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// TTL before a dead session is pruned. Tests shorten it.
	TTL time.Duration
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		TTL:      DefaultSessionTTL,
	}
}

// Create mints a fresh session id and inserts a live session. Ids are
// unique for the process lifetime; dead ids linger until pruned, so the
// mint loop re-rolls on the (vanishing) chance of a collision.
func (r *Registry) Create(name string, rows, cols int, agent *websocket.Conn) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var id string
	for {
		id = newSessionID()
		if _, taken := r.sessions[id]; !taken {
			break
		}
	}
	s := newSession(id, name, rows, cols, agent)
	r.sessions[id] = s
	return s
}

// Get resolves a session id; nil when unknown or already pruned.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// List snapshots session summaries for the dashboard API.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	return out
}

// SchedulePrune removes the session after the TTL, provided it is still
// dead. Live sessions with a recycled timer are left alone.
func (r *Registry) SchedulePrune(id string) {
	time.AfterFunc(r.TTL, func() {
		r.mu.Lock()
		s := r.sessions[id]
		pruned := s != nil && !s.Alive()
		if pruned {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		if pruned {
			logger.Info("session pruned", "sid", id)
		}
	})
}

// newSessionID returns 10 hex characters from a crypto/rand-backed UUID.
func newSessionID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
}
