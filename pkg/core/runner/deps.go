package runner

import (
	"fmt"
	"regexp"
	"strings"

	"pipeline-copilot/pkg/domain/errors"
)

// dependency is one declared requirement of a patch, optionally dispatched
// to a package manager by prefix ("pip:requests", "npm:left-pad"). A bare
// name is treated as a binary that must already be on PATH.
type dependency struct {
	manager string
	name    string
}

// depNamePattern bounds names to package-manager syntax. Quotes, spaces,
// and shell metacharacters are excluded so names interpolate safely into
// single-quoted scripts.
var depNamePattern = regexp.MustCompile(`^[\w.@/\[\]=<>!,+-]+$`)

func parseDependency(raw string) dependency {
	if manager, name, ok := strings.Cut(raw, ":"); ok {
		switch strings.ToLower(strings.TrimSpace(manager)) {
		case "pip":
			return dependency{manager: "pip", name: strings.TrimSpace(name)}
		case "npm":
			return dependency{manager: "npm", name: strings.TrimSpace(name)}
		}
	}
	return dependency{name: strings.TrimSpace(raw)}
}

func (d dependency) validate() error {
	if d.name == "" || !depNamePattern.MatchString(d.name) {
		return errors.New(errors.CodeInvalidParameter, "runner",
			fmt.Sprintf("dependency name %q is not installable", d.name), nil)
	}
	return nil
}

// resolveScript is the read-only availability check used by dry runs.
func (d dependency) resolveScript() string {
	switch d.manager {
	case "pip":
		return fmt.Sprintf("python3 -m pip index versions '%s'", d.name)
	case "npm":
		return fmt.Sprintf("npm view '%s' version", d.name)
	default:
		return fmt.Sprintf("command -v '%s'", d.name)
	}
}

// installScript is the side-effecting counterpart used by apply. Bare
// names have no install action and are only verified present.
func (d dependency) installScript() string {
	switch d.manager {
	case "pip":
		return fmt.Sprintf("pip install '%s'", d.name)
	case "npm":
		return fmt.Sprintf("npm install '%s'", d.name)
	default:
		return fmt.Sprintf("command -v '%s'", d.name)
	}
}
