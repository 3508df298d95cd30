package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sandboxd/internal/config"
	"sandboxd/internal/engine"
	"sandboxd/internal/event"
	"sandboxd/internal/identity"
	"sandboxd/internal/logging"
	"sandboxd/internal/metrics"
	"sandboxd/internal/mounts"
)

// SessionCounter reports how many terminal sessions a user currently has.
// The multiplexer implements it; the idle reaper consults it before any
// destructive action.
type SessionCounter interface {
	ActiveSessions(userID string) int
}

type SupervisorOptions struct {
	Engine   engine.Engine
	Resolver mounts.Resolver
	Sandbox  config.SandboxConfig
	Idle     config.IdleConfig
	Logger   *logging.Logger
	Metrics  *metrics.Registry
	Bus      *event.Bus[event.SandboxEvent]

	// Classifier defaults to a command-list classifier built from Idle.
	Classifier ProcessClassifier
}

// Supervisor owns the user→record and user→watcher maps. One mutex guards
// both, held across every check-then-act sequence including the engine calls
// inside Ensure; two tabs connecting at once for a brand-new user serialize
// here instead of double-spawning.
type Supervisor struct {
	mu       sync.Mutex
	records  map[string]*Record
	watchers map[string]*idleWatcher

	engine     engine.Engine
	resolver   mounts.Resolver
	sandboxCfg config.SandboxConfig
	idleCfg    config.IdleConfig
	classifier ProcessClassifier
	logger     *logging.Logger
	metrics    *metrics.Registry
	bus        *event.Bus[event.SandboxEvent]
	sessions   SessionCounter
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(nil, logging.LevelInfo, nil)
	}
	registry := opts.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = NewCommandClassifier(opts.Idle.IgnorePrefixes, opts.Idle.IgnoreExact)
	}
	idleCfg := opts.Idle
	if idleCfg.PollInterval <= 0 {
		idleCfg.PollInterval = 4 * time.Second
	}

	return &Supervisor{
		records:    make(map[string]*Record),
		watchers:   make(map[string]*idleWatcher),
		engine:     opts.Engine,
		resolver:   opts.Resolver,
		sandboxCfg: opts.Sandbox,
		idleCfg:    idleCfg,
		classifier: classifier,
		logger:     logger,
		metrics:    registry,
		bus:        opts.Bus,
	}
}

// SetSessionCounter wires the multiplexer in after construction; the two
// depend on each other.
func (s *Supervisor) SetSessionCounter(counter SessionCounter) {
	s.mu.Lock()
	s.sessions = counter
	s.mu.Unlock()
}

// Record returns a copy of the user's record, if any.
func (s *Supervisor) Record(userID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[userID]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// Records returns copies of all records, sorted by user id.
func (s *Supervisor) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, *record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Ensure makes sure the user has a running sandbox and returns its record.
// It cancels any idle watcher for the user first. A stopped sandbox is
// restarted; if the restart fails it is destroyed and respawned. Errors
// leave no half-registered record behind.
func (s *Supervisor) Ensure(ctx context.Context, id identity.Identity) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelWatcherLocked(id.UserID)

	name := ContainerName(id.UserID)
	record, tracked := s.records[id.UserID]

	if !tracked {
		exists, err := s.engine.Exists(ctx, name)
		if err != nil {
			return Record{}, fmt.Errorf("check sandbox %s: %w", name, err)
		}
		if !exists {
			return s.spawnLocked(ctx, id, name)
		}

		// Container survived a restart or a lost record; adopt it.
		record = &Record{UserID: id.UserID, Container: name, Ports: id.Ports, State: StateRunning}
		s.records[id.UserID] = record
	}

	if !record.Ports.Valid() && id.Ports.Valid() {
		record.Ports = id.Ports
	}

	running, err := s.engine.IsRunning(ctx, name)
	if err != nil {
		return Record{}, fmt.Errorf("check sandbox %s: %w", name, err)
	}
	if running {
		record.State = StateRunning
		return *record, nil
	}

	s.logger.Info("restarting stopped sandbox", map[string]string{
		"user_id":   id.UserID,
		"container": name,
	})
	record.State = StateStarting
	if err := s.engine.Start(ctx, name); err == nil {
		record.State = StateRunning
		s.metrics.IncSandboxRestarted()
		s.bus.Publish(event.NewSandboxEvent(id.UserID, name, event.SandboxRestarted))
		return *record, nil
	} else {
		s.logger.Warn("restart failed, respawning sandbox", map[string]string{
			"user_id":   id.UserID,
			"container": name,
			"error":     err.Error(),
		})
	}

	record.State = StateDestroying
	if err := s.engine.Remove(ctx, name); err != nil {
		delete(s.records, id.UserID)
		return Record{}, fmt.Errorf("remove stale sandbox %s: %w", name, err)
	}
	delete(s.records, id.UserID)

	return s.spawnLocked(ctx, id, name)
}

// Spawn creates a sandbox for the user unconditionally. The precondition is
// a live engine query, not cached state; a name collision fails with
// AlreadyExistsError before any create call.
func (s *Supervisor) Spawn(ctx context.Context, id identity.Identity) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawnLocked(ctx, id, ContainerName(id.UserID))
}

// Destroy force-removes the user's sandbox and drops its record.
func (s *Supervisor) Destroy(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelWatcherLocked(userID)

	record, ok := s.records[userID]
	if !ok {
		return nil
	}
	record.State = StateDestroying
	if err := s.engine.Remove(ctx, record.Container); err != nil {
		return err
	}
	delete(s.records, userID)
	s.bus.Publish(event.NewSandboxEvent(userID, record.Container, event.SandboxDestroyed))
	return nil
}

// Discover re-attaches bookkeeping to sandboxes already present on the host,
// then starts an idle watcher for every discovered sandbox with no attached
// sessions: a sandbox that survived a restart with nobody connected is
// idle-eligible immediately.
func (s *Supervisor) Discover(ctx context.Context) error {
	names, err := s.engine.ListNames(ctx, ContainerPrefix)
	if err != nil {
		return fmt.Errorf("discover sandboxes: %w", err)
	}

	s.mu.Lock()
	var discovered []string
	for _, name := range names {
		userID, ok := UserIDFromContainer(name)
		if !ok {
			continue
		}

		state := StateStopped
		if running, err := s.engine.IsRunning(ctx, name); err == nil && running {
			state = StateRunning
		}

		s.records[userID] = &Record{
			UserID:    userID,
			Container: name,
			State:     state,
		}
		discovered = append(discovered, userID)
		s.metrics.IncSandboxDiscovered()
		s.logger.Info("discovered existing sandbox", map[string]string{
			"user_id":   userID,
			"container": name,
			"state":     string(state),
		})
		s.bus.Publish(event.NewSandboxEvent(userID, name, event.SandboxDiscovered))
	}

	for _, userID := range discovered {
		if s.activeSessionsLocked(userID) == 0 {
			s.startWatcherLocked(userID)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) activeSessionsLocked(userID string) int {
	if s.sessions == nil {
		return 0
	}
	return s.sessions.ActiveSessions(userID)
}
