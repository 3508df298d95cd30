package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"sandboxd/internal/api"
	"sandboxd/internal/classroom"
	"sandboxd/internal/config"
	"sandboxd/internal/engine"
	"sandboxd/internal/event"
	"sandboxd/internal/hub"
	"sandboxd/internal/identity"
	"sandboxd/internal/logging"
	"sandboxd/internal/metrics"
	"sandboxd/internal/mounts"
	"sandboxd/internal/sandbox"
)

func main() {
	cfg := loadConfig()

	logBuffer := logging.NewLogBuffer(logging.DefaultBufferSize)
	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger := logging.NewLogger(logBuffer, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dockerEngine, err := engine.NewDocker(logger)
	if err != nil {
		logger.Error("docker engine unavailable", map[string]string{"error": err.Error()})
		os.Exit(1)
	}
	if err := dockerEngine.EnsureNetwork(ctx, cfg.Sandbox.Network); err != nil {
		logger.Error("isolated network setup failed", map[string]string{
			"network": cfg.Sandbox.Network,
			"error":   err.Error(),
		})
		os.Exit(1)
	}

	sandboxBus := event.NewBus[event.SandboxEvent](ctx, event.BusOptions{Name: "sandbox"})
	registryBus := event.NewBus[event.RegistryEvent](ctx, event.BusOptions{Name: "registry"})

	supervisor := sandbox.NewSupervisor(sandbox.SupervisorOptions{
		Engine: dockerEngine,
		Resolver: mounts.Resolver{
			Registry: classroom.Registry{Path: cfg.Classroom.RegistryPath},
			Root:     cfg.Classroom.Root,
			Logger:   logger,
		},
		Sandbox: cfg.Sandbox,
		Idle:    cfg.Idle,
		Logger:  logger,
		Metrics: metrics.Default,
		Bus:     sandboxBus,
	})

	sessionHub := hub.New(hub.Options{
		Supervisor: supervisor,
		Engine:     dockerEngine,
		Logger:     logger,
		Metrics:    metrics.Default,
	})
	supervisor.SetSessionCounter(sessionHub)

	if err := supervisor.Discover(ctx); err != nil {
		logger.Warn("sandbox discovery failed", map[string]string{"error": err.Error()})
	}

	registryWatcher, err := classroom.NewWatcher(classroom.WatcherOptions{
		Path:   cfg.Classroom.RegistryPath,
		Bus:    registryBus,
		Logger: logger,
	})
	if err != nil {
		logger.Warn("registry watcher unavailable", map[string]string{
			"path":  cfg.Classroom.RegistryPath,
			"error": err.Error(),
		})
	} else {
		defer registryWatcher.Close()
		registryEvents, cancelRegistry := registryBus.Subscribe()
		defer cancelRegistry()
		go sessionHub.WatchRegistry(ctx, registryEvents)
	}

	resolver := identity.NewStaticResolver(identityUsers(cfg))

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.RoutesConfig{
		Supervisor:     supervisor,
		Hub:            sessionHub,
		Resolver:       resolver,
		AuthToken:      cfg.AuthToken,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
		Metrics:        metrics.Default,
	})

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ListenPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("sandboxd listening", map[string]string{
		"addr":  server.Addr,
		"image": cfg.Sandbox.Image,
	})
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server stopped", map[string]string{"error": err.Error()})
		os.Exit(1)
	}
}

func loadConfig() config.Config {
	path := strings.TrimSpace(os.Getenv("SANDBOXD_CONFIG"))
	cfg, err := config.Load(path)
	if err != nil {
		// Config errors are fatal before logging is set up.
		os.Stderr.WriteString("sandboxd: " + err.Error() + "\n")
		os.Exit(1)
	}

	if rawPort := os.Getenv("SANDBOXD_PORT"); rawPort != "" {
		if parsed, err := strconv.Atoi(rawPort); err == nil && parsed > 0 {
			cfg.ListenPort = parsed
		}
	}
	if token := os.Getenv("SANDBOXD_TOKEN"); token != "" {
		cfg.AuthToken = token
	}
	if level := os.Getenv("SANDBOXD_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if image := os.Getenv("SANDBOXD_IMAGE"); image != "" {
		cfg.Sandbox.Image = image
	}
	if network := os.Getenv("SANDBOXD_NETWORK"); network != "" {
		cfg.Sandbox.Network = network
	}
	if root := os.Getenv("SANDBOXD_UPLOAD_ROOT"); root != "" {
		cfg.Sandbox.UploadRoot = root
	}
	if registry := os.Getenv("SANDBOXD_REGISTRY"); registry != "" {
		cfg.Classroom.RegistryPath = registry
	}
	if root := os.Getenv("SANDBOXD_CLASSROOM_ROOT"); root != "" {
		cfg.Classroom.Root = root
	}

	return cfg
}

func identityUsers(cfg config.Config) []identity.User {
	users := make([]identity.User, 0, len(cfg.Users))
	for _, user := range cfg.Users {
		users = append(users, identity.User{
			Token: user.Token,
			ID:    user.UserID,
			Email: user.Email,
			Ports: identity.PortRange{Start: user.PortStart, End: user.PortEnd},
		})
	}
	return users
}
