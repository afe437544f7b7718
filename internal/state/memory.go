package state

import (
	"fmt"
	"strings"
)

// Memory view policy kinds.
const (
	MemoryFull    = "full"
	MemoryWindow  = "window"
	MemoryDynamic = "dynamic"
)

// MemoryPolicy selects a read-only projection of the history. Views are
// pure functions of the history at read time; they never mutate it.
type MemoryPolicy struct {
	Kind   string `json:"kind,omitempty"`   // full | window | dynamic (default: full)
	Size   int    `json:"size,omitempty"`   // window: number of trailing entries
	Marker string `json:"marker,omitempty"` // dynamic: substring that anchors the window
}

// View applies the policy to the history, oldest-first.
func (p MemoryPolicy) View(history []Entry) []Entry {
	switch p.Kind {
	case MemoryWindow:
		return LastN(history, p.Size)
	case MemoryDynamic:
		return SinceMarker(history, p.Marker)
	default:
		return history
	}
}

// LastN returns the last n entries in original order. If the history is
// shorter than n, the whole history is returned.
func LastN(history []Entry, n int) []Entry {
	if n <= 0 {
		return nil
	}
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// SinceMarker returns the entries strictly after the most recent entry
// whose text contains marker. If the marker never occurs, the whole
// history is returned.
func SinceMarker(history []Entry, marker string) []Entry {
	if marker == "" {
		return history
	}
	for i := len(history) - 1; i >= 0; i-- {
		if strings.Contains(history[i].Text, marker) {
			return history[i+1:]
		}
	}
	return history
}

// Render flattens entries to "role: text" lines for prompt injection.
func Render(entries []Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", e.Role, e.Text)
	}
	return b.String()
}
