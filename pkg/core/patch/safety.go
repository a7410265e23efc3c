package patch

import (
	"fmt"
	"strings"

	"pipeline-copilot/pkg/domain/errors"
)

// denylist holds constructs no synthesized script may contain, matched as
// case-insensitive substrings. A benign mention is rejected the same as a
// real invocation.
var denylist = []string{
	"rm -rf",
	"sudo",
	"chmod 777",
	"eval",
	"exec",
}

// Denylist returns a copy of the blocked constructs.
func Denylist() []string {
	return append([]string(nil), denylist...)
}

// CheckScript rejects a script containing any denylisted construct.
func CheckScript(script string) error {
	lower := strings.ToLower(script)
	for _, blocked := range denylist {
		if strings.Contains(lower, blocked) {
			return errors.New(errors.CodeSecurityViolation, "patch",
				fmt.Sprintf("script contains blocked construct %q", blocked), nil)
		}
	}
	return nil
}

// CheckSolutionScripts validates the patch and rollback scripts of a
// solution together.
func CheckSolutionScripts(patchScript, rollbackScript string) error {
	if err := CheckScript(patchScript); err != nil {
		return err
	}
	if rollbackScript == "" {
		return nil
	}
	return CheckScript(rollbackScript)
}
