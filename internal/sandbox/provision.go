package sandbox

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"sandboxd/internal/classroom"
	"sandboxd/internal/identity"
	"sandboxd/internal/mounts"
)

// StepResult is the outcome of one provisioning step. Err is nil on success.
type StepResult struct {
	Name string
	Err  error
}

// ProvisionReport collects every provisioning step of one spawn. The spawn
// itself succeeds regardless; callers inspect the report for degradation.
type ProvisionReport struct {
	Steps []StepResult
}

func (r ProvisionReport) OK() bool {
	for _, step := range r.Steps {
		if step.Err != nil {
			return false
		}
	}
	return true
}

func (r ProvisionReport) Failed() []StepResult {
	var failed []StepResult
	for _, step := range r.Steps {
		if step.Err != nil {
			failed = append(failed, step)
		}
	}
	return failed
}

func (r *ProvisionReport) add(name string, err error) {
	r.Steps = append(r.Steps, StepResult{Name: name, Err: err})
}

// provision decorates a freshly started sandbox: personal participant
// folders, slug symlinks inside the container and mirrored on the host, the
// archive folder, and a README per classroom. Every step is independent and
// best-effort.
func (s *Supervisor) provision(ctx context.Context, id identity.Identity, name string, topology mounts.Topology) ProvisionReport {
	var report ProvisionReport
	userDir := s.userDir(id.UserID)

	if len(topology.Mounts()) > 0 {
		report.add("lockdown", s.lockdownMountRoot(ctx, name))
	}

	for _, spec := range topology.Active {
		report.add("prepare:"+spec.Slug, s.prepareClassroom(ctx, name, spec))
		report.add("readme:"+spec.Slug, s.writeReadme(ctx, name, spec))
		report.add("host-link:"+spec.Slug, hostLink(spec.HostTarget, filepath.Join(userDir, spec.Slug)))
	}

	if len(topology.Archived) > 0 {
		report.add("archive", s.linkArchived(userDir, topology.Archived))
	}

	return report
}

// lockdownMountRoot keeps the shared-mount root itself root-owned and
// read-only so a sandbox user cannot rename or unlink whole classroom
// mounts.
func (s *Supervisor) lockdownMountRoot(ctx context.Context, name string) error {
	script := fmt.Sprintf("chown 0:0 %q && chmod 555 %q", mounts.ContainerRoot, mounts.ContainerRoot)
	return s.engine.Exec(ctx, name, "0:0", script)
}

// prepareClassroom runs inside the container as root: guests get their
// personal folder created before the slug link points at it, and the link
// is handed to the sandbox user so shells can replace it.
func (s *Supervisor) prepareClassroom(ctx context.Context, name string, spec mounts.Spec) error {
	owner := fmt.Sprintf("%d:%d", s.sandboxCfg.UID, s.sandboxCfg.GID)
	templates := path.Join(spec.ContainerPath, "templates")
	participants := path.Join(spec.ContainerPath, "participants")

	script := fmt.Sprintf("mkdir -p %q %q && chown %s %q %q && chmod 775 %q %q\n",
		templates, participants, owner, templates, participants, templates, participants)
	if spec.Role == classroom.RoleGuest {
		script += fmt.Sprintf("mkdir -p %q && chown %s %q\n", spec.Target, owner, spec.Target)
		// Guests see the classroom's template area through a link inside
		// their personal folder.
		link := path.Join(spec.Target, "classroom-templates")
		script += fmt.Sprintf("ln -sfn %q %q && chown -h %s %q\n",
			templates, link, owner, link)
	}
	script += fmt.Sprintf("ln -sfn %q %q && chown -h %s %q",
		spec.Target, path.Join(WorkspaceMount, spec.Slug), owner, path.Join(WorkspaceMount, spec.Slug))

	if err := s.engine.Exec(ctx, name, "0:0", script); err != nil {
		return err
	}

	// Mirror the guest's template link on the host. The personal folder was
	// created through the bind mount above; if it is not visible on the host
	// the mirror is skipped rather than failed.
	if spec.Role == classroom.RoleGuest {
		if _, err := os.Stat(spec.HostTarget); err == nil {
			return hostLink(filepath.Join(spec.HostPath, "templates"),
				filepath.Join(spec.HostTarget, "classroom-templates"))
		}
	}
	return nil
}

// linkArchived collects archived classrooms under the reserved archive
// folder. Links are written on the host side only: the folder sits inside
// the workspace bind mount, so the sandbox sees the same tree.
func (s *Supervisor) linkArchived(userDir string, archived []mounts.Spec) error {
	hostArchive := filepath.Join(userDir, mounts.ArchiveSlug)
	if err := os.MkdirAll(hostArchive, 0o755); err != nil {
		return fmt.Errorf("create host archive folder: %w", err)
	}
	if err := os.Chown(hostArchive, s.sandboxCfg.UID, s.sandboxCfg.GID); err != nil {
		s.logger.Warn("failed to set archive folder ownership", map[string]string{"error": err.Error()})
	}
	for _, spec := range archived {
		if err := hostLink(spec.HostTarget, filepath.Join(hostArchive, spec.Slug)); err != nil {
			return err
		}
	}
	return nil
}

// hostLink mirrors a slug symlink on the host so paths resolve identically
// on both sides of the bind mount.
func hostLink(target, link string) error {
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replace host link %s: %w", link, err)
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("create host link %s: %w", link, err)
	}
	return nil
}
