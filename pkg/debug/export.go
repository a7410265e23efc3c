package debug

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pipeline-copilot/pkg/domain/errors"
)

// Format selects an export rendering.
type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
)

// ParseFormat validates a client-supplied format name.
func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case FormatJSON, FormatMarkdown, FormatText:
		return Format(raw), nil
	default:
		return "", errors.New(errors.CodeInvalidParameter, "debug",
			fmt.Sprintf("unknown export format %q, expected json, markdown, or text", raw), nil)
	}
}

// Export renders a session snapshot. Every format carries the session and
// pipeline identifiers and the error and patch counts, and fields render in
// a stable order so repeated exports of the same snapshot are identical.
func Export(snap *Snapshot, format Format) (string, error) {
	switch format {
	case FormatJSON:
		raw, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return "", err
		}
		return string(raw), nil
	case FormatMarkdown:
		return exportMarkdown(snap), nil
	case FormatText:
		return exportText(snap), nil
	default:
		return "", errors.New(errors.CodeInvalidParameter, "debug",
			fmt.Sprintf("unknown export format %q", format), nil)
	}
}

func exportMarkdown(snap *Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Debug Session %s\n\n", snap.SessionID)
	fmt.Fprintf(&sb, "- Session: %s\n", snap.SessionID)
	fmt.Fprintf(&sb, "- Pipeline: %s\n", snap.PipelineID)
	fmt.Fprintf(&sb, "- Status: %s\n", snap.Status)
	fmt.Fprintf(&sb, "- Started: %s\n", snap.StartedAt.Format(time.RFC3339))
	if snap.EndedAt != nil {
		fmt.Fprintf(&sb, "- Ended: %s\n", snap.EndedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&sb, "- Errors: %d\n", len(snap.Errors))
	fmt.Fprintf(&sb, "- Applied patches: %d\n", len(snap.Applied))

	if len(snap.Errors) > 0 {
		sb.WriteString("\n## Errors\n\n")
		for i, rec := range snap.Errors {
			fmt.Fprintf(&sb, "%d. `%s` [%s/%s/%s] %s\n",
				i+1, rec.ErrorID, rec.Severity, rec.Category, rec.Stage, rec.Message)
		}
	}
	if len(snap.Analyses) > 0 {
		sb.WriteString("\n## Analyses\n\n")
		for _, a := range snap.Analyses {
			fmt.Fprintf(&sb, "- `%s`: %s (confidence %.2f)\n",
				a.Error.ErrorID, a.RootCause, a.ConfidenceScore)
			for _, sug := range a.SuggestedSolutions {
				fmt.Fprintf(&sb, "  - %s\n", sug)
			}
		}
	}
	if len(snap.Applied) > 0 {
		sb.WriteString("\n## Applied Patches\n\n")
		for _, sol := range snap.Applied {
			fmt.Fprintf(&sb, "- `%s` fixes `%s` (%s)\n",
				sol.SolutionID, sol.ErrorID, sol.PatchType)
		}
	}
	if len(snap.History) > 0 {
		sb.WriteString("\n## Command History\n\n")
		for _, entry := range snap.History {
			fmt.Fprintf(&sb, "- %s %s\n", entry.At.Format(time.RFC3339), entry.Command)
		}
	}
	return sb.String()
}

func exportText(snap *Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "debug session %s\n", snap.SessionID)
	fmt.Fprintf(&sb, "pipeline:        %s\n", snap.PipelineID)
	fmt.Fprintf(&sb, "status:          %s\n", snap.Status)
	fmt.Fprintf(&sb, "started:         %s\n", snap.StartedAt.Format(time.RFC3339))
	if snap.EndedAt != nil {
		fmt.Fprintf(&sb, "ended:           %s\n", snap.EndedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&sb, "errors:          %d\n", len(snap.Errors))
	fmt.Fprintf(&sb, "applied patches: %d\n", len(snap.Applied))

	for i, rec := range snap.Errors {
		fmt.Fprintf(&sb, "\nerror %d: %s [%s/%s/%s]\n  %s\n",
			i+1, rec.ErrorID, rec.Severity, rec.Category, rec.Stage, rec.Message)
	}
	for _, a := range snap.Analyses {
		fmt.Fprintf(&sb, "\nanalysis %s:\n  root cause: %s (confidence %.2f)\n",
			a.Error.ErrorID, a.RootCause, a.ConfidenceScore)
	}
	for _, sol := range snap.Applied {
		fmt.Fprintf(&sb, "\npatch %s -> %s (%s)\n", sol.SolutionID, sol.ErrorID, sol.PatchType)
	}
	if len(snap.History) > 0 {
		sb.WriteString("\ncommands:\n")
		for _, entry := range snap.History {
			fmt.Fprintf(&sb, "  %s %s\n", entry.At.Format(time.RFC3339), entry.Command)
		}
	}
	return sb.String()
}
