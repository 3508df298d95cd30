package sandbox

import (
	"context"
	_ "embed"
	"fmt"
	"path"
	"strings"

	"sandboxd/internal/mounts"
)

//go:embed readme_template.md
var readmeTemplate string

// renderReadme fills the README template for one classroom. The content is
// delivered through a shell heredoc, so a literal EOF line in any field
// would terminate the document early; it is defanged to E0F.
func renderReadme(spec mounts.Spec) string {
	readme := readmeTemplate
	replacements := map[string]string{
		"{{CLASSROOM_NAME}}": spec.Name,
		"{{CLASSROOM_ID}}":   spec.ClassroomID,
		"{{ACCESS_CODE}}":    spec.AccessCode,
		"{{SLUG}}":           spec.Slug,
	}
	for placeholder, value := range replacements {
		readme = strings.ReplaceAll(readme, placeholder, value)
	}
	return strings.ReplaceAll(readme, "EOF", "E0F")
}

// writeReadme writes a README.md into the user's view of the classroom.
// Rewritten on every spawn so renames and access-code changes propagate.
func (s *Supervisor) writeReadme(ctx context.Context, name string, spec mounts.Spec) error {
	owner := fmt.Sprintf("%d:%d", s.sandboxCfg.UID, s.sandboxCfg.GID)
	readmePath := path.Join(spec.Target, "README.md")
	script := fmt.Sprintf("if [ -d %q ]; then cat > %q <<'EOF'\n%s\nEOF\nchown %s %q\nfi",
		spec.Target, readmePath, renderReadme(spec), owner, readmePath)
	return s.engine.Exec(ctx, name, "0:0", script)
}
