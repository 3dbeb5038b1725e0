package agentloop

import (
	"regexp"
	"strings"
)

// taskMarker matches inline task suggestions agents embed in replies,
// e.g. "[TASK: audit the staking contract]".
var taskMarker = regexp.MustCompile(`\[TASK:\s*([^\]]+)\]`)

// ExtractTasks pulls every inline task marker out of a reply, in
// order, trimmed. Parsing is isolated here so marker syntax changes
// stay out of the coordinator.
func ExtractTasks(reply string) []string {
	matches := taskMarker.FindAllStringSubmatch(reply, -1)
	if len(matches) == 0 {
		return nil
	}
	tasks := make([]string, 0, len(matches))
	for _, m := range matches {
		if title := strings.TrimSpace(m[1]); title != "" {
			tasks = append(tasks, title)
		}
	}
	return tasks
}

// StripTaskMarkers removes inline task markers from a reply for
// display.
func StripTaskMarkers(reply string) string {
	return strings.TrimSpace(taskMarker.ReplaceAllString(reply, ""))
}
