package relay

import (
	"fmt"
	"strings"
)

// FormatUpdates renders the tasks bound for one destination as a single message.
// tasks must already be ordered by package id.
func FormatUpdates(tasks []Task) string {
	switch len(tasks) {
	case 0:
		return ""
	case 1:
		t := tasks[0]
		return fmt.Sprintf("Update for %s (%d)\nbuild %d -> %d", t.DisplayName, t.Package, t.OldVersion, t.NewVersion)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d updates", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "\n- %s (%d): build %d -> %d", t.DisplayName, t.Package, t.OldVersion, t.NewVersion)
	}
	return b.String()
}
