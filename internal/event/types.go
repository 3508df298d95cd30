package event

import "time"

// SandboxEvent describes a lifecycle transition of one user's sandbox.
type SandboxEvent struct {
	UserID    string    `json:"user_id"`
	Container string    `json:"container"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SandboxCreated    = "sandbox_created"
	SandboxRestarted  = "sandbox_restarted"
	SandboxDiscovered = "sandbox_discovered"
	SandboxDestroyed  = "sandbox_destroyed"
)

func NewSandboxEvent(userID, container, kind string) SandboxEvent {
	return SandboxEvent{
		UserID:    userID,
		Container: container,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// RegistryEvent signals that the classroom registry file changed on disk.
// Mount topology is resolved fresh on every spawn, so the event only tells
// connected clients that a respawn would pick up the new layout.
type RegistryEvent struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

func NewRegistryEvent(path string) RegistryEvent {
	return RegistryEvent{Path: path, Timestamp: time.Now().UTC()}
}
