package sandbox

import (
	"strings"

	"sandboxd/internal/identity"
)

// ContainerPrefix is the deterministic naming prefix for user sandboxes.
// The container name is a pure function of the user id so that discovery
// after a restart re-derives the same names.
const ContainerPrefix = "user-sandbox-"

func ContainerName(userID string) string {
	return ContainerPrefix + userID
}

// UserIDFromContainer parses the user id back out of a container name.
func UserIDFromContainer(name string) (string, bool) {
	if !strings.HasPrefix(name, ContainerPrefix) {
		return "", false
	}
	userID := strings.TrimPrefix(name, ContainerPrefix)
	if userID == "" {
		return "", false
	}
	return userID, true
}

type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
	StateDestroying State = "destroying"
)

// Record is the orchestrator's bookkeeping for one user's sandbox. At most
// one record exists per user. The port range stays zero after discovery
// until the owning user reconnects and supplies it.
type Record struct {
	UserID    string             `json:"user_id"`
	Container string             `json:"container"`
	Ports     identity.PortRange `json:"ports"`
	State     State              `json:"state"`
}
