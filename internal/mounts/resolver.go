package mounts

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"sandboxd/internal/classroom"
	"sandboxd/internal/identity"
	"sandboxd/internal/logging"
)

// ContainerRoot is where shared classroom workspaces are mounted inside a
// sandbox, one stable path per classroom no matter how many slugs point at it.
const ContainerRoot = "/classrooms"

// ArchiveSlug is reserved: archived classrooms are linked under this folder
// instead of the workspace root.
const ArchiveSlug = "archive"

// Spec is one resolved mount: a classroom the user can see, with the
// collision-free slug it is exposed under and the link targets for the
// user's role.
type Spec struct {
	ClassroomID string
	Name        string
	AccessCode  string
	Slug        string
	Role        classroom.Role
	Archived    bool

	// HostPath / ContainerPath are the bind-mount endpoints.
	HostPath      string
	ContainerPath string

	// Target / HostTarget are what the user's slug symlink points at:
	// the workspace root for owners, the personal participant folder for
	// guests. HostTarget mirrors Target on the host filesystem so the
	// file-management surface can resolve the same paths.
	Target     string
	HostTarget string
}

// Topology is the full mount set for one spawn.
type Topology struct {
	Active   []Spec
	Archived []Spec
	Warnings []string
}

// Mounts returns every classroom needing a bind mount, deduplicated by
// classroom id (a classroom is mounted once even when referenced by both an
// active and an archived slug).
func (t Topology) Mounts() []Spec {
	seen := make(map[string]bool)
	var specs []Spec
	for _, spec := range append(append([]Spec{}, t.Active...), t.Archived...) {
		if seen[spec.ClassroomID] {
			continue
		}
		seen[spec.ClassroomID] = true
		specs = append(specs, spec)
	}
	return specs
}

// SlugTargets is the slug-to-host-path contract consumed by the external
// file-management surface.
func (t Topology) SlugTargets() map[string]string {
	targets := make(map[string]string, len(t.Active))
	for _, spec := range t.Active {
		targets[spec.Slug] = spec.HostTarget
	}
	return targets
}

// Resolver derives the mount topology for a user from the classroom feed.
type Resolver struct {
	Registry classroom.Registry
	Root     string
	Logger   *logging.Logger
}

// Resolve reads the classroom feed fresh and produces the ordered mount set.
// A classroom whose host directory is missing is skipped with a warning and
// never aborts resolution for the rest.
func (r Resolver) Resolve(id identity.Identity) (Topology, error) {
	memberships, err := r.Registry.ForUser(id.UserID)
	if err != nil {
		return Topology{}, err
	}

	topology := Topology{}
	activeSlugs := map[string]bool{ArchiveSlug: true}
	archivedSlugs := map[string]bool{ArchiveSlug: true}

	for _, membership := range memberships {
		hostPath := filepath.Join(r.Root, membership.ID)
		if info, err := os.Stat(hostPath); err != nil || !info.IsDir() {
			warning := fmt.Sprintf("classroom directory missing: %s", hostPath)
			topology.Warnings = append(topology.Warnings, warning)
			r.Logger.Warn("skipping classroom with missing directory", map[string]string{
				"user_id":      id.UserID,
				"classroom_id": membership.ID,
				"host_path":    hostPath,
			})
			continue
		}

		used := activeSlugs
		if membership.Archived {
			used = archivedSlugs
		}

		spec := Spec{
			ClassroomID:   membership.ID,
			Name:          displayName(membership),
			AccessCode:    membership.AccessCode,
			Slug:          assignSlug(displayName(membership), membership.ID, used),
			Role:          membership.Role,
			Archived:      membership.Archived,
			HostPath:      hostPath,
			ContainerPath: path.Join(ContainerRoot, membership.ID),
		}

		if membership.Role == classroom.RoleGuest {
			personal := id.SanitizedEmail()
			spec.Target = path.Join(spec.ContainerPath, "participants", personal)
			spec.HostTarget = filepath.Join(hostPath, "participants", personal)
		} else {
			spec.Target = spec.ContainerPath
			spec.HostTarget = hostPath
		}

		if membership.Archived {
			topology.Archived = append(topology.Archived, spec)
		} else {
			topology.Active = append(topology.Active, spec)
		}
	}

	return topology, nil
}

var slugStrip = regexp.MustCompile(`[^a-z0-9\s-]`)
var slugSeparators = regexp.MustCompile(`[\s-]+`)

// Slugify normalizes a display name to lowercase alphanumerics and hyphens.
func Slugify(name string) string {
	slug := strings.ToLower(name)
	slug = slugStrip.ReplaceAllString(slug, "")
	slug = slugSeparators.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "classroom"
	}
	return slug
}

// assignSlug resolves collisions deterministically by appending a short
// fragment of the classroom id.
func assignSlug(name, classroomID string, used map[string]bool) string {
	slug := Slugify(name)
	if used[slug] {
		slug = slug + "-" + idFragment(classroomID)
	}
	used[slug] = true
	return slug
}

func idFragment(classroomID string) string {
	fragment := classroomID
	if idx := strings.Index(fragment, "-"); idx >= 0 {
		fragment = fragment[:idx]
	}
	if len(fragment) > 4 {
		fragment = fragment[:4]
	}
	return fragment
}

func displayName(membership classroom.Membership) string {
	if strings.TrimSpace(membership.Name) == "" {
		return membership.ID
	}
	return membership.Name
}
