package sandbox

import "strings"

// ProcessClassifier decides which of a sandbox's processes count as user
// work. Infrastructure processes (init, shells, the terminal multiplexer)
// never keep a sandbox alive.
type ProcessClassifier interface {
	// AppProcesses returns the subset of commands that represent user work.
	AppProcesses(commands []string) []string
}

// CommandClassifier matches commands against a prefix list and an
// exact-match list; anything matched is infrastructure.
type CommandClassifier struct {
	ignorePrefixes []string
	ignoreExact    []string
}

func NewCommandClassifier(prefixes, exact []string) *CommandClassifier {
	return &CommandClassifier{ignorePrefixes: prefixes, ignoreExact: exact}
}

func (c *CommandClassifier) AppProcesses(commands []string) []string {
	var apps []string
	for _, command := range commands {
		trimmed := strings.TrimSpace(command)
		if trimmed == "" || c.infra(trimmed) {
			continue
		}
		apps = append(apps, trimmed)
	}
	return apps
}

func (c *CommandClassifier) infra(command string) bool {
	for _, exact := range c.ignoreExact {
		if command == exact {
			return true
		}
	}
	for _, prefix := range c.ignorePrefixes {
		if strings.HasPrefix(command, prefix) {
			return true
		}
	}
	return false
}
