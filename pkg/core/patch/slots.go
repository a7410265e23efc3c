package patch

import (
	"path/filepath"
	"strconv"
	"strings"

	"pipeline-copilot/pkg/core/patterns"
	"pipeline-copilot/pkg/domain"
)

// buildSlots assembles the template slot map: named capture groups from the
// rule match first, then caller-supplied context strings, which may override
// or supplement the extraction, then family-specific derivations.
func buildSlots(m *patterns.Match, callerCtx domain.Context) map[string]string {
	slots := make(map[string]string, len(m.Named)+len(callerCtx))
	for k, v := range m.Named {
		slots[k] = v
	}
	for k, v := range callerCtx {
		if s, ok := v.Str(); ok && s != "" {
			slots[k] = s
		}
	}
	deriveSlots(m.Pattern.TemplateFamily, slots)
	return slots
}

// deriveSlots computes slots that templates need but no capture group
// provides directly.
func deriveSlots(family string, slots map[string]string) {
	switch family {
	case "posix_permission":
		// Directories get a recursive chmod, files a plain one.
		flags := ""
		if path := slots["path"]; path != "" {
			if strings.HasSuffix(path, "/") || filepath.Ext(path) == "" {
				flags = "-R "
			}
		}
		slots["flags"] = flags
	case "proxy_network":
		if host := slots["host"]; host != "" {
			if name, port, ok := strings.Cut(host, ":"); ok && name != "" && port != "" {
				slots["hostname"] = name
				slots["port"] = port
			}
		}
	case "test_timeout":
		// Double the observed timeout rather than guessing an absolute.
		if secs, err := strconv.Atoi(slots["seconds"]); err == nil && secs > 0 {
			slots["timeout"] = strconv.Itoa(secs * 2)
		}
	}
}
