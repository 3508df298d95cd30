package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"sandboxd/internal/engine"
	"sandboxd/internal/event"
	"sandboxd/internal/identity"
	"sandboxd/internal/mounts"
)

// WorkspaceMount is where the user's personal workspace is mounted inside
// the sandbox. Slug symlinks for shared classrooms live directly under it.
const WorkspaceMount = "/workspace"

// spawnLocked runs the full spawn sequence for a user with no live sandbox.
// Caller holds s.mu. On success the record is registered and returned; on
// failure no record is left behind.
func (s *Supervisor) spawnLocked(ctx context.Context, id identity.Identity, name string) (Record, error) {
	record, err := s.doSpawn(ctx, id, name)
	if err != nil {
		s.metrics.IncSpawnFailure()
		return Record{}, err
	}

	s.records[id.UserID] = record
	s.metrics.IncSandboxSpawned()
	s.bus.Publish(event.NewSandboxEvent(id.UserID, name, event.SandboxCreated))
	return *record, nil
}

func (s *Supervisor) doSpawn(ctx context.Context, id identity.Identity, name string) (*Record, error) {
	// Live query, not cached state: spawning over an existing container of
	// the same name is a programming or race error and must fail loudly.
	exists, err := s.engine.Exists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("check sandbox %s: %w", name, err)
	}
	if exists {
		return nil, &engine.AlreadyExistsError{Container: name}
	}

	userDir := s.userDir(id.UserID)
	if err := s.prepareUserDirectory(userDir); err != nil {
		return nil, err
	}

	// Re-spawn after archive/join/leave must reflect the changed topology,
	// so links from prior runs go first.
	s.cleanStaleLinks(id.UserID, userDir)

	topology, err := s.resolver.Resolve(id)
	if err != nil {
		return nil, fmt.Errorf("resolve mount topology: %w", err)
	}

	nanoCPUs, memoryBytes := s.quotas()
	spec := engine.Spec{
		Name:        name,
		Image:       s.sandboxCfg.Image,
		Hostname:    s.sandboxCfg.Hostname,
		Network:     s.sandboxCfg.Network,
		User:        strconv.Itoa(s.sandboxCfg.UID) + ":" + strconv.Itoa(s.sandboxCfg.GID),
		NanoCPUs:    nanoCPUs,
		MemoryBytes: memoryBytes,
		Binds:       []string{userDir + ":" + WorkspaceMount},
		PortStart:   id.Ports.Start,
		PortEnd:     id.Ports.End,
	}
	for _, mountSpec := range topology.Mounts() {
		spec.Binds = append(spec.Binds, mountSpec.HostPath+":"+mountSpec.ContainerPath)
	}

	s.logger.Info("spawning sandbox", map[string]string{
		"user_id":    id.UserID,
		"container":  name,
		"classrooms": strconv.Itoa(len(topology.Mounts())),
	})

	record := &Record{
		UserID:    id.UserID,
		Container: name,
		Ports:     id.Ports,
		State:     StateStarting,
	}
	if err := s.engine.CreateAndStart(ctx, spec); err != nil {
		return nil, err
	}

	// Everything past the start is decoration; a sandbox with a failed
	// symlink is still a usable sandbox.
	report := s.provision(ctx, id, name, topology)
	if !report.OK() {
		s.metrics.AddProvisionFailures(len(report.Failed()))
		for _, step := range report.Failed() {
			s.logger.Warn("provisioning step failed", map[string]string{
				"user_id":   id.UserID,
				"container": name,
				"step":      step.Name,
				"error":     step.Err.Error(),
			})
		}
	}

	record.State = StateRunning
	return record, nil
}

func (s *Supervisor) userDir(userID string) string {
	return filepath.Join(s.sandboxCfg.UploadRoot, userID)
}

// prepareUserDirectory ensures the personal workspace exists on the host
// with the sandbox's fixed non-root owner. Chown failures are tolerated in
// development environments where the daemon is unprivileged.
func (s *Supervisor) prepareUserDirectory(userDir string) error {
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return fmt.Errorf("create user directory: %w", err)
	}
	if err := os.Chown(userDir, s.sandboxCfg.UID, s.sandboxCfg.GID); err != nil {
		s.logger.Warn("failed to set workspace ownership", map[string]string{
			"path":  userDir,
			"error": err.Error(),
		})
	}
	if err := os.Chmod(userDir, 0o755); err != nil {
		s.logger.Warn("failed to set workspace permissions", map[string]string{
			"path":  userDir,
			"error": err.Error(),
		})
	}
	return nil
}

// cleanStaleLinks removes classroom symlinks left by a prior spawn. Links
// are recognized by their target prefix, not their name, because slugs may
// be reused across topologies.
func (s *Supervisor) cleanStaleLinks(userID, userDir string) {
	entries, err := os.ReadDir(userDir)
	if err != nil {
		s.logger.Warn("failed to scan workspace for stale links", map[string]string{
			"user_id": userID,
			"error":   err.Error(),
		})
		return
	}

	for _, entry := range entries {
		entryPath := filepath.Join(userDir, entry.Name())

		if entry.Name() == mounts.ArchiveSlug {
			if err := os.RemoveAll(entryPath); err != nil {
				s.logger.Warn("failed to remove old archive folder", map[string]string{
					"user_id": userID,
					"error":   err.Error(),
				})
			}
			continue
		}

		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		target, err := os.Readlink(entryPath)
		if err != nil {
			continue
		}
		if strings.HasPrefix(target, s.resolver.Root+string(os.PathSeparator)) ||
			strings.HasPrefix(target, mounts.ContainerRoot+"/") {
			if err := os.Remove(entryPath); err != nil {
				s.logger.Warn("failed to remove stale classroom link", map[string]string{
					"user_id": userID,
					"link":    entryPath,
					"error":   err.Error(),
				})
			}
		}
	}
}
