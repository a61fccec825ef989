package gateway

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/mitaka8/boombox/internal/infra/auth"
)

var (
	ErrInvalidSession = errors.New("invalid session")
)

// Session represents one authenticated client connection. Sessions are
// never persisted; they live exactly as long as the connection (or until
// the heartbeat sweep reaps them).
type Session struct {
	ID       string
	Role     auth.Role
	Tenant   string
	JoinedAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns the time of last recorded activity.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// sessionRegistry manages authenticated sessions with thread-safe access.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[string]*Session),
	}
}

// add registers a freshly authenticated session and returns it.
func (r *sessionRegistry) add(role auth.Role, tenant string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	s := &Session{
		ID:       uuid.New().String(),
		Role:     role,
		Tenant:   tenant,
		JoinedAt: now,
		lastSeen: now,
	}
	r.sessions[s.ID] = s
	return s
}

// get retrieves a session by ID.
func (r *sessionRegistry) get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrInvalidSession
	}
	return s, nil
}

// remove deletes a session.
func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// expired returns sessions with no activity since the cutoff.
func (r *sessionRegistry) expired(cutoff time.Time) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, s := range r.sessions {
		if s.LastSeen().Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// count returns the number of live sessions.
func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
