package metrics

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Registry counts orchestrator activity for the /metrics endpoint.
type Registry struct {
	sandboxesSpawned    atomic.Int64
	sandboxesRestarted  atomic.Int64
	sandboxesDiscovered atomic.Int64
	sandboxesReaped     atomic.Int64
	spawnFailures       atomic.Int64
	provisionFailures   atomic.Int64
	sessionsOpened      atomic.Int64
	sessionsClosed      atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncSandboxSpawned() {
	if r == nil {
		return
	}
	r.sandboxesSpawned.Add(1)
}

func (r *Registry) IncSandboxRestarted() {
	if r == nil {
		return
	}
	r.sandboxesRestarted.Add(1)
}

func (r *Registry) IncSandboxDiscovered() {
	if r == nil {
		return
	}
	r.sandboxesDiscovered.Add(1)
}

func (r *Registry) IncSandboxReaped() {
	if r == nil {
		return
	}
	r.sandboxesReaped.Add(1)
}

func (r *Registry) IncSpawnFailure() {
	if r == nil {
		return
	}
	r.spawnFailures.Add(1)
}

func (r *Registry) AddProvisionFailures(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.provisionFailures.Add(int64(n))
}

func (r *Registry) IncSessionOpened() {
	if r == nil {
		return
	}
	r.sessionsOpened.Add(1)
}

func (r *Registry) IncSessionClosed() {
	if r == nil {
		return
	}
	r.sessionsClosed.Add(1)
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "sandboxd_sandboxes_spawned_total", "Total sandboxes spawned", r.sandboxesSpawned.Load())
	writeCounter(writer, "sandboxd_sandboxes_restarted_total", "Total stopped sandboxes restarted", r.sandboxesRestarted.Load())
	writeCounter(writer, "sandboxd_sandboxes_discovered_total", "Total sandboxes re-attached on startup", r.sandboxesDiscovered.Load())
	writeCounter(writer, "sandboxd_sandboxes_reaped_total", "Total idle sandboxes destroyed", r.sandboxesReaped.Load())
	writeCounter(writer, "sandboxd_spawn_failures_total", "Total failed spawn attempts", r.spawnFailures.Load())
	writeCounter(writer, "sandboxd_provision_failures_total", "Total failed provisioning steps", r.provisionFailures.Load())
	writeCounter(writer, "sandboxd_sessions_opened_total", "Total terminal sessions opened", r.sessionsOpened.Load())
	writeCounter(writer, "sandboxd_sessions_closed_total", "Total terminal sessions closed", r.sessionsClosed.Load())

	return nil
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}
