package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's YAML configuration. A missing file yields the
// defaults; a malformed file is an error.
type Config struct {
	ListenPort     int      `yaml:"listen_port"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	LogLevel       string   `yaml:"log_level"`

	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Classroom ClassroomConfig `yaml:"classroom"`
	Idle      IdleConfig      `yaml:"idle"`
	Users     []UserConfig    `yaml:"users"`
}

// SandboxConfig controls how user containers are created.
type SandboxConfig struct {
	Image      string `yaml:"image"`
	Hostname   string `yaml:"hostname"`
	Network    string `yaml:"network"`
	UploadRoot string `yaml:"upload_root"`
	MaxUsers   int    `yaml:"max_users"`
	UID        int    `yaml:"uid"`
	GID        int    `yaml:"gid"`
}

// ClassroomConfig locates the registry file and shared workspace roots owned
// by the classroom collaborator.
type ClassroomConfig struct {
	RegistryPath string `yaml:"registry_path"`
	Root         string `yaml:"root"`
}

// IdleConfig tunes the idle reaper.
type IdleConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	IgnorePrefixes []string      `yaml:"ignore_prefixes"`
	IgnoreExact    []string      `yaml:"ignore_exact"`
}

// UserConfig is one entry of the static identity table used in place of the
// external auth collaborator.
type UserConfig struct {
	Token     string `yaml:"token"`
	UserID    string `yaml:"user_id"`
	Email     string `yaml:"email"`
	PortStart int    `yaml:"port_start"`
	PortEnd   int    `yaml:"port_end"`
}

func Default() Config {
	return Config{
		ListenPort: 8080,
		LogLevel:   "info",
		Sandbox: SandboxConfig{
			Image:      "sandboxd-user",
			Hostname:   "sandbox",
			Network:    "sandboxd_isolated",
			UploadRoot: "/tmp/uploads",
			MaxUsers:   20,
			UID:        999,
			GID:        995,
		},
		Classroom: ClassroomConfig{
			RegistryPath: "/tmp/classrooms.json",
			Root:         "/tmp/classrooms",
		},
		Idle: IdleConfig{
			PollInterval:   4 * time.Second,
			IgnorePrefixes: []string{"/sbin/tini", "tmux ", "-sh", "sh", "-ash"},
			IgnoreExact:    []string{"sleep infinity", "bash"},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(payload, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	return normalize(cfg), nil
}

func normalize(cfg Config) Config {
	defaults := Default()

	if cfg.ListenPort <= 0 {
		cfg.ListenPort = defaults.ListenPort
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if strings.TrimSpace(cfg.Sandbox.Image) == "" {
		cfg.Sandbox.Image = defaults.Sandbox.Image
	}
	if strings.TrimSpace(cfg.Sandbox.Hostname) == "" {
		cfg.Sandbox.Hostname = defaults.Sandbox.Hostname
	}
	if strings.TrimSpace(cfg.Sandbox.Network) == "" {
		cfg.Sandbox.Network = defaults.Sandbox.Network
	}
	if strings.TrimSpace(cfg.Sandbox.UploadRoot) == "" {
		cfg.Sandbox.UploadRoot = defaults.Sandbox.UploadRoot
	}
	if cfg.Sandbox.MaxUsers <= 0 {
		cfg.Sandbox.MaxUsers = defaults.Sandbox.MaxUsers
	}
	if cfg.Sandbox.UID <= 0 {
		cfg.Sandbox.UID = defaults.Sandbox.UID
	}
	if cfg.Sandbox.GID <= 0 {
		cfg.Sandbox.GID = defaults.Sandbox.GID
	}
	if strings.TrimSpace(cfg.Classroom.RegistryPath) == "" {
		cfg.Classroom.RegistryPath = defaults.Classroom.RegistryPath
	}
	if strings.TrimSpace(cfg.Classroom.Root) == "" {
		cfg.Classroom.Root = defaults.Classroom.Root
	}
	if cfg.Idle.PollInterval <= 0 {
		cfg.Idle.PollInterval = defaults.Idle.PollInterval
	}
	if len(cfg.Idle.IgnorePrefixes) == 0 {
		cfg.Idle.IgnorePrefixes = defaults.Idle.IgnorePrefixes
	}
	if len(cfg.Idle.IgnoreExact) == 0 {
		cfg.Idle.IgnoreExact = defaults.Idle.IgnoreExact
	}

	return cfg
}
