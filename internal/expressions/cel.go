package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/rendis/chartflow/pkg/schema"
)

// CELEngine implements the Engine interface using Google's Common Expression
// Language. It evaluates edge conditions and assertion predicates.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine with a sandboxed environment exposing
// the four scope variables: result, snapshot, history, vars.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("result", cel.StringType),
		cel.Variable("snapshot", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("history", cel.ListType(cel.DynType)),
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it against the provided scope.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, scope map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(activation(scope))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// EvaluateBool evaluates an expression that must produce a boolean.
// Edge guards and assertions go through here.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, scope map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, scope)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"expression %q must produce a boolean, got %T", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// activation fills in missing scope keys so evaluation never hits a
// CEL undeclared-reference runtime error.
func activation(scope map[string]any) map[string]any {
	act := make(map[string]any, 4)
	if v, ok := scope["result"]; ok && v != nil {
		act["result"] = v
	} else {
		act["result"] = ""
	}
	for _, key := range []string{"snapshot", "vars"} {
		if v, ok := scope[key]; ok && v != nil {
			act[key] = v
		} else {
			act[key] = map[string]any{}
		}
	}
	if v, ok := scope["history"]; ok && v != nil {
		act["history"] = v
	} else {
		act["history"] = []any{}
	}
	return act
}

var _ Engine = (*CELEngine)(nil)
