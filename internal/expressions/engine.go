// Package expressions provides the sandboxed evaluation engines used by
// edge conditions, assertion nodes, function nodes, and jq transforms,
// plus the ${{...}} template renderer for node configuration.
package expressions

import "context"

// Engine evaluates an expression against a scope map. Implementations are
// safe for concurrent use and cache compiled programs.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, scope map[string]any) (any, error)
}
