package classroom

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sandboxd/internal/event"
	"sandboxd/internal/logging"
)

func TestWatcherPublishesOnRegistryChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "classrooms.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	bus := event.NewBus[event.RegistryEvent](context.Background(), event.BusOptions{})
	defer bus.Close()
	events, cancel := bus.Subscribe()
	defer cancel()

	logger := logging.NewLoggerWithOutput(nil, logging.LevelDebug, nil)
	watcher, err := NewWatcher(WatcherOptions{
		Path:     path,
		Bus:      bus,
		Logger:   logger,
		Debounce: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer watcher.Close()

	if err := os.WriteFile(path, []byte(`{"cls": {"name": "x"}}`), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case got := <-events:
		if got.Path != path {
			t.Fatalf("unexpected event path: %q", got.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for registry event")
	}
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "classrooms.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	bus := event.NewBus[event.RegistryEvent](context.Background(), event.BusOptions{})
	defer bus.Close()
	events, cancel := bus.Subscribe()
	defer cancel()

	logger := logging.NewLoggerWithOutput(nil, logging.LevelDebug, nil)
	watcher, err := NewWatcher(WatcherOptions{
		Path:     path,
		Bus:      bus,
		Logger:   logger,
		Debounce: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer watcher.Close()

	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write sibling: %v", err)
	}

	select {
	case got := <-events:
		t.Fatalf("unexpected event: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}
