package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sandboxd/internal/classroom"
	"sandboxd/internal/config"
	"sandboxd/internal/engine"
	"sandboxd/internal/identity"
	"sandboxd/internal/logging"
	"sandboxd/internal/metrics"
	"sandboxd/internal/mounts"
)

type fakeContainer struct {
	running   bool
	processes []string
	spec      engine.Spec
}

// fakeEngine is an in-memory container runtime for tests.
type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	execs      []string

	creates      int
	failStart    bool
	failRemove   bool
	processesErr error
	onStart      func()
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: make(map[string]*fakeContainer)}
}

func (f *fakeEngine) Exists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[name]
	return ok, nil
}

func (f *fakeEngine) IsRunning(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	return ok && c.running, nil
}

func (f *fakeEngine) ListNames(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.containers {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (f *fakeEngine) CreateAndStart(ctx context.Context, spec engine.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.containers[spec.Name] = &fakeContainer{running: true, spec: spec}
	return nil
}

func (f *fakeEngine) Start(ctx context.Context, name string) error {
	if f.onStart != nil {
		f.onStart()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return errors.New("start failed")
	}
	c, ok := f.containers[name]
	if !ok {
		return engine.ErrNotRunning
	}
	c.running = true
	return nil
}

func (f *fakeEngine) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRemove {
		return errors.New("remove failed")
	}
	delete(f.containers, name)
	return nil
}

func (f *fakeEngine) Processes(ctx context.Context, name string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processesErr != nil {
		return nil, f.processesErr
	}
	c, ok := f.containers[name]
	if !ok {
		return nil, engine.ErrNotRunning
	}
	return append([]string(nil), c.processes...), nil
}

func (f *fakeEngine) Exec(ctx context.Context, name, user, script string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[name]; !ok {
		return engine.ErrNotRunning
	}
	f.execs = append(f.execs, script)
	return nil
}

func (f *fakeEngine) ExecInteractive(name, script string) (string, []string) {
	return "/bin/sh", []string{"-c", script}
}

func (f *fakeEngine) EnsureNetwork(ctx context.Context, name string) error { return nil }

func (f *fakeEngine) setProcesses(name string, processes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		c.processes = processes
	}
}

func (f *fakeEngine) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeEngine) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[name]
	return ok
}

type fixedSessions struct {
	mu     sync.Mutex
	counts map[string]int
}

func (f *fixedSessions) ActiveSessions(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[userID]
}

func (f *fixedSessions) set(userID string, n int) {
	f.mu.Lock()
	f.counts[userID] = n
	f.mu.Unlock()
}

func testSupervisor(t *testing.T, eng engine.Engine) *Supervisor {
	t.Helper()
	tmp := t.TempDir()
	cfg := config.Default()
	cfg.Sandbox.UploadRoot = filepath.Join(tmp, "uploads")
	cfg.Classroom.Root = filepath.Join(tmp, "classrooms")
	cfg.Classroom.RegistryPath = filepath.Join(tmp, "classrooms.json")
	cfg.Idle.PollInterval = 10 * time.Millisecond

	return NewSupervisor(SupervisorOptions{
		Engine: eng,
		Resolver: mounts.Resolver{
			Registry: classroom.Registry{Path: cfg.Classroom.RegistryPath},
			Root:     cfg.Classroom.Root,
			Logger:   testLogger(),
		},
		Sandbox: cfg.Sandbox,
		Idle:    cfg.Idle,
		Logger:  testLogger(),
		Metrics: &metrics.Registry{},
	})
}

func testLogger() *logging.Logger {
	return logging.NewLoggerWithOutput(nil, logging.LevelError, nil)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnsureSpawnsNewSandbox(t *testing.T) {
	eng := newFakeEngine()
	sup := testSupervisor(t, eng)

	record, err := sup.Ensure(context.Background(), identity.Identity{UserID: "42"})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if record.Container != "user-sandbox-42" || record.State != StateRunning {
		t.Fatalf("unexpected record: %+v", record)
	}
	if !eng.has("user-sandbox-42") {
		t.Fatalf("container not created")
	}

	spec := eng.containers["user-sandbox-42"].spec
	if len(spec.Binds) == 0 || !strings.HasSuffix(spec.Binds[0], ":"+WorkspaceMount) {
		t.Fatalf("workspace bind missing: %v", spec.Binds)
	}
	if spec.User != "999:995" {
		t.Fatalf("unexpected user: %s", spec.User)
	}
}

func TestSpawnTwiceFailsAlreadyExists(t *testing.T) {
	eng := newFakeEngine()
	sup := testSupervisor(t, eng)

	if _, err := sup.Spawn(context.Background(), identity.Identity{UserID: "8"}); err != nil {
		t.Fatalf("first Spawn: %v", err)
	}
	creates := eng.createCount()

	_, err := sup.Spawn(context.Background(), identity.Identity{UserID: "8"})
	if !engine.IsAlreadyExists(err) {
		t.Fatalf("expected AlreadyExistsError, got %v", err)
	}
	if eng.createCount() != creates {
		t.Fatalf("second spawn reached the engine")
	}
}

func TestEnsureAdoptsUntrackedContainer(t *testing.T) {
	eng := newFakeEngine()
	eng.containers["user-sandbox-9"] = &fakeContainer{running: true}
	sup := testSupervisor(t, eng)

	record, err := sup.Ensure(context.Background(), identity.Identity{
		UserID: "9",
		Ports:  identity.PortRange{Start: 9000, End: 9010},
	})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if record.State != StateRunning || record.Ports.Start != 9000 {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestEnsureRestartsStoppedSandbox(t *testing.T) {
	eng := newFakeEngine()
	eng.containers["user-sandbox-5"] = &fakeContainer{running: false}
	sup := testSupervisor(t, eng)

	record, err := sup.Ensure(context.Background(), identity.Identity{UserID: "5"})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if record.State != StateRunning {
		t.Fatalf("expected running, got %s", record.State)
	}
	if !eng.containers["user-sandbox-5"].running {
		t.Fatalf("container not started")
	}
}

func TestEnsureMarksStartingDuringRestart(t *testing.T) {
	eng := newFakeEngine()
	eng.containers["user-sandbox-5"] = &fakeContainer{running: false}
	sup := testSupervisor(t, eng)

	// The engine call happens under the supervisor lock, so the transient
	// state is only visible from inside it.
	var during State
	eng.onStart = func() {
		if record, ok := sup.records["5"]; ok {
			during = record.State
		}
	}

	record, err := sup.Ensure(context.Background(), identity.Identity{UserID: "5"})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if during != StateStarting {
		t.Fatalf("state during restart = %q, want %q", during, StateStarting)
	}
	if record.State != StateRunning {
		t.Fatalf("expected running after restart, got %s", record.State)
	}
}

func TestEnsureRespawnsWhenRestartFails(t *testing.T) {
	eng := newFakeEngine()
	eng.containers["user-sandbox-5"] = &fakeContainer{running: false}
	eng.failStart = true
	sup := testSupervisor(t, eng)

	record, err := sup.Ensure(context.Background(), identity.Identity{UserID: "5"})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if record.State != StateRunning {
		t.Fatalf("expected running after respawn, got %s", record.State)
	}
	// The respawned container went through CreateAndStart, so it carries a spec.
	if eng.containers["user-sandbox-5"].spec.Name != "user-sandbox-5" {
		t.Fatalf("expected respawned container")
	}
}

func TestConcurrentEnsureSpawnsOnce(t *testing.T) {
	eng := newFakeEngine()
	sup := testSupervisor(t, eng)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = sup.Ensure(context.Background(), identity.Identity{UserID: "7"})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Ensure %d: %v", i, err)
		}
	}
	if len(sup.Records()) != 1 {
		t.Fatalf("expected one record, got %d", len(sup.Records()))
	}
}

func TestDestroyRemovesRecord(t *testing.T) {
	eng := newFakeEngine()
	sup := testSupervisor(t, eng)

	if _, err := sup.Ensure(context.Background(), identity.Identity{UserID: "3"}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := sup.Destroy(context.Background(), "3"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, ok := sup.Record("3"); ok {
		t.Fatalf("record not dropped")
	}
	if eng.has("user-sandbox-3") {
		t.Fatalf("container not removed")
	}
}

func TestDiscoverAdoptsExistingSandboxes(t *testing.T) {
	eng := newFakeEngine()
	eng.containers["user-sandbox-1"] = &fakeContainer{running: true}
	eng.containers["user-sandbox-2"] = &fakeContainer{running: false}
	eng.containers["unrelated"] = &fakeContainer{running: true}
	sup := testSupervisor(t, eng)

	if err := sup.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	records := sup.Records()
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].State != StateRunning || records[1].State != StateStopped {
		t.Fatalf("unexpected states: %+v", records)
	}

	// Nobody is connected, so every discovered sandbox gets a watcher.
	sup.mu.Lock()
	watchers := len(sup.watchers)
	sup.mu.Unlock()
	if watchers != 2 {
		t.Fatalf("expected 2 watchers, got %d", watchers)
	}
}

func TestReaperDestroysIdleSandbox(t *testing.T) {
	eng := newFakeEngine()
	sup := testSupervisor(t, eng)

	if _, err := sup.Ensure(context.Background(), identity.Identity{UserID: "11"}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	eng.setProcesses("user-sandbox-11", []string{"/sbin/tini -- sleep infinity", "sleep infinity", "bash"})

	sup.StartReaper("11")
	waitFor(t, "idle reap", func() bool { return !eng.has("user-sandbox-11") })

	if _, ok := sup.Record("11"); ok {
		t.Fatalf("record survived reap")
	}
}

func TestReaperSparesSandboxWithAppProcess(t *testing.T) {
	eng := newFakeEngine()
	sup := testSupervisor(t, eng)

	if _, err := sup.Ensure(context.Background(), identity.Identity{UserID: "12"}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	eng.setProcesses("user-sandbox-12", []string{"/sbin/tini -- sleep infinity", "python3 app.py"})

	sup.StartReaper("12")
	time.Sleep(100 * time.Millisecond)

	if !eng.has("user-sandbox-12") {
		t.Fatalf("sandbox with app process was reaped")
	}
}

func TestCancelReaperStopsDestruction(t *testing.T) {
	eng := newFakeEngine()
	eng.processesErr = errors.New("engine busy")
	sup := testSupervisor(t, eng)

	if _, err := sup.Ensure(context.Background(), identity.Identity{UserID: "13"}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	eng.setProcesses("user-sandbox-13", nil)

	sup.StartReaper("13")
	sup.CancelReaper("13")

	// Clear the error after cancelling; a live watcher would now reap.
	eng.mu.Lock()
	eng.processesErr = nil
	eng.mu.Unlock()
	time.Sleep(100 * time.Millisecond)

	if !eng.has("user-sandbox-13") {
		t.Fatalf("cancelled watcher still reaped the sandbox")
	}
}

func TestStartReaperSkipsActiveUser(t *testing.T) {
	eng := newFakeEngine()
	sup := testSupervisor(t, eng)
	sessions := &fixedSessions{counts: map[string]int{"14": 1}}
	sup.SetSessionCounter(sessions)

	if _, err := sup.Ensure(context.Background(), identity.Identity{UserID: "14"}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	sup.StartReaper("14")
	sup.mu.Lock()
	_, ok := sup.watchers["14"]
	sup.mu.Unlock()
	if ok {
		t.Fatalf("watcher started despite active sessions")
	}
}

func TestReaperEngineErrorRetries(t *testing.T) {
	eng := newFakeEngine()
	sup := testSupervisor(t, eng)

	if _, err := sup.Ensure(context.Background(), identity.Identity{UserID: "15"}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	eng.mu.Lock()
	eng.processesErr = errors.New("engine unavailable")
	eng.mu.Unlock()

	sup.StartReaper("15")
	time.Sleep(60 * time.Millisecond)
	if !eng.has("user-sandbox-15") {
		t.Fatalf("reaped despite engine errors")
	}

	// Recovery: once the engine answers again, the idle sandbox goes.
	eng.mu.Lock()
	eng.processesErr = nil
	eng.mu.Unlock()
	waitFor(t, "reap after recovery", func() bool { return !eng.has("user-sandbox-15") })
}

func TestStartReaperIsIdempotent(t *testing.T) {
	eng := newFakeEngine()
	eng.processesErr = errors.New("hold")
	sup := testSupervisor(t, eng)

	if _, err := sup.Ensure(context.Background(), identity.Identity{UserID: "16"}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	sup.StartReaper("16")
	sup.StartReaper("16")

	sup.mu.Lock()
	watchers := len(sup.watchers)
	sup.mu.Unlock()
	if watchers != 1 {
		t.Fatalf("expected one watcher, got %d", watchers)
	}
}
