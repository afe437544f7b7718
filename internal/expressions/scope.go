package expressions

import (
	"github.com/rendis/chartflow/internal/state"
)

// Scope builds the evaluation environment for a run state. The same four
// top-level names are visible to every engine and to edge conditions:
//
//   - result:   string, output of the most recently completed node
//   - snapshot: map(string, string), node outputs keyed by label
//   - history:  list of {role, text} objects, oldest first
//   - vars:     map(string, string), the run's explicit configuration map
//
// All values are copied so an evaluation can never mutate run state.
func Scope(st *state.State, vars map[string]string) map[string]any {
	snapshot := map[string]any{}
	history := []any{}
	result := ""

	if st != nil {
		result = st.Result
		for k, v := range st.Snapshot {
			snapshot[k] = v
		}
		for _, e := range st.History {
			history = append(history, map[string]any{
				"role": string(e.Role),
				"text": e.Text,
			})
		}
	}

	vcopy := map[string]any{}
	for k, v := range vars {
		vcopy[k] = v
	}

	return map[string]any{
		"result":   result,
		"snapshot": snapshot,
		"history":  history,
		"vars":     vcopy,
	}
}
