package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotRunning is returned when an operation needs a running container and
// the container is stopped or absent.
var ErrNotRunning = errors.New("container not running")

// AlreadyExistsError reports a spawn attempted against a container name that
// is already present on the host. This is a programming or race error and is
// never silently absorbed.
type AlreadyExistsError struct {
	Container string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("container %s already exists", e.Container)
}

func IsAlreadyExists(err error) bool {
	var alreadyExists *AlreadyExistsError
	return errors.As(err, &alreadyExists)
}

// Spec describes one sandbox container. All sandboxes run with no inherited
// privileges, every capability dropped, and fixed CPU/memory quotas.
type Spec struct {
	Name     string
	Image    string
	Hostname string
	Network  string
	User     string

	NanoCPUs    int64
	MemoryBytes int64

	// Binds are host:container mount pairs.
	Binds []string

	// PortStart/PortEnd publish the inclusive host range 1:1 into the
	// container. Both zero means no ports.
	PortStart int
	PortEnd   int
}

// Engine is the container runtime surface the orchestrator depends on.
// Tests substitute a fake; production uses the Docker implementation.
type Engine interface {
	Exists(ctx context.Context, name string) (bool, error)
	IsRunning(ctx context.Context, name string) (bool, error)
	ListNames(ctx context.Context, prefix string) ([]string, error)
	CreateAndStart(ctx context.Context, spec Spec) error
	Start(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	Processes(ctx context.Context, name string) ([]string, error)
	Exec(ctx context.Context, name, user, script string) error
	ExecInteractive(name, script string) (command string, args []string)
	EnsureNetwork(ctx context.Context, name string) error
}
