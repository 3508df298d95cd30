package identity

import (
	"errors"
	"net/http"
	"strings"
	"sync"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// PortRange is the closed interval of host ports reserved for one user,
// assigned by the identity collaborator and stable across sessions.
type PortRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (p PortRange) Valid() bool {
	return p.Start > 0 && p.End >= p.Start
}

// Identity is the resolved caller of a terminal connection.
type Identity struct {
	UserID string
	Email  string
	Ports  PortRange
}

// SanitizedEmail returns the email in a form safe to use as a directory
// name for the per-guest participant folder.
func (id Identity) SanitizedEmail() string {
	email := strings.TrimSpace(id.Email)
	if email == "" {
		return "participant"
	}
	return strings.ReplaceAll(email, "/", "_")
}

// Resolver maps an incoming request to an authenticated identity. The real
// deployment fronts this with an OAuth session; the orchestrator only sees
// the resolved result.
type Resolver interface {
	Resolve(r *http.Request) (Identity, error)
}

// User is one row of the static token table.
type User struct {
	Token string
	ID    string
	Email string
	Ports PortRange
}

// StaticResolver authenticates by bearer token against a fixed table.
type StaticResolver struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewStaticResolver(users []User) *StaticResolver {
	table := make(map[string]User, len(users))
	for _, user := range users {
		token := strings.TrimSpace(user.Token)
		if token == "" || user.ID == "" {
			continue
		}
		table[token] = user
	}
	return &StaticResolver{users: table}
}

func (s *StaticResolver) Resolve(r *http.Request) (Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}

	s.mu.RLock()
	user, ok := s.users[token]
	s.mu.RUnlock()
	if !ok {
		return Identity{}, ErrUnauthenticated
	}

	return Identity{UserID: user.ID, Email: user.Email, Ports: user.Ports}, nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
