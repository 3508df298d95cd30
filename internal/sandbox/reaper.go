package sandbox

import (
	"context"
	"sync"
	"time"

	"sandboxd/internal/event"
)

// idleWatcher is one user's idle poll loop. A watcher that loses the race
// with a reconnect keeps a closed stop channel and exits on its next tick.
type idleWatcher struct {
	stop     chan struct{}
	stopOnce sync.Once
}

func (w *idleWatcher) cancel() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// StartReaper begins idle polling for a user. Called by the multiplexer when
// the user's last terminal session disconnects. A racing reconnect wins: if
// sessions are active under the lock, no watcher starts.
func (s *Supervisor) StartReaper(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSessionsLocked(userID) > 0 {
		return
	}
	s.startWatcherLocked(userID)
}

// CancelReaper stops idle polling for a user, typically on reconnect.
func (s *Supervisor) CancelReaper(userID string) {
	s.mu.Lock()
	s.cancelWatcherLocked(userID)
	s.mu.Unlock()
}

// startWatcherLocked restarts the idle timer: an existing watcher is
// cancelled and replaced rather than stacked or reused.
func (s *Supervisor) startWatcherLocked(userID string) {
	if _, ok := s.records[userID]; !ok {
		return
	}
	if old, ok := s.watchers[userID]; ok {
		old.cancel()
	}

	watcher := &idleWatcher{stop: make(chan struct{})}
	s.watchers[userID] = watcher
	s.logger.Debug("idle watcher started", map[string]string{"user_id": userID})
	go s.pollIdle(userID, watcher)
}

func (s *Supervisor) cancelWatcherLocked(userID string) {
	watcher, ok := s.watchers[userID]
	if !ok {
		return
	}
	watcher.cancel()
	delete(s.watchers, userID)
	s.logger.Debug("idle watcher cancelled", map[string]string{"user_id": userID})
}

func (s *Supervisor) pollIdle(userID string, watcher *idleWatcher) {
	ticker := time.NewTicker(s.idleCfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-watcher.stop:
			return
		case <-ticker.C:
		}

		name := ContainerName(userID)
		commands, err := s.engine.Processes(context.Background(), name)
		if err != nil {
			// Engine hiccups are not idleness; keep polling.
			s.logger.Warn("idle poll failed", map[string]string{
				"user_id": userID,
				"error":   err.Error(),
			})
			continue
		}

		if apps := s.classifier.AppProcesses(commands); len(apps) > 0 {
			continue
		}

		if s.reapIfIdle(userID, watcher) {
			return
		}
	}
}

// reapIfIdle destroys the sandbox if, under the lock, this watcher is still
// the current one, the record still exists, and no sessions reattached
// between the process poll and now. Returns true when the watcher is done.
func (s *Supervisor) reapIfIdle(userID string, watcher *idleWatcher) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.watchers[userID]
	if !ok || current != watcher {
		return true
	}
	record, ok := s.records[userID]
	if !ok {
		delete(s.watchers, userID)
		return true
	}
	if s.activeSessionsLocked(userID) > 0 {
		delete(s.watchers, userID)
		return true
	}

	record.State = StateDestroying
	if err := s.engine.Remove(context.Background(), record.Container); err != nil {
		s.logger.Warn("idle reap failed", map[string]string{
			"user_id":   userID,
			"container": record.Container,
			"error":     err.Error(),
		})
		record.State = StateRunning
		return false
	}

	delete(s.records, userID)
	delete(s.watchers, userID)
	s.metrics.IncSandboxReaped()
	s.logger.Info("reaped idle sandbox", map[string]string{
		"user_id":   userID,
		"container": record.Container,
	})
	s.bus.Publish(event.NewSandboxEvent(userID, record.Container, event.SandboxDestroyed))
	return true
}
