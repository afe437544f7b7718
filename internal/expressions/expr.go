package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/chartflow/pkg/schema"
)

// ExprEngine implements the Engine interface using expr-lang/expr. Function
// nodes run their programs through it: array operations (filter, map, count,
// any, all, sum), string operations, nil coalescing (??), optional chaining
// (?.) and pipe chaining (|) are all available, with no host access.
// Thread-safe: compiled *vm.Program objects are cached and reused.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an expression and evaluates it.
// Scope keys become top-level variables in the expression environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, scope map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression, scope)
	if err != nil {
		return nil, err
	}

	env := scope
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a
// new one. The scope map infers the environment type for compilation.
func (e *ExprEngine) getOrCompile(expression string, scope map[string]any) (*vm.Program, error) {
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

	env := scope
	if env == nil {
		env = map[string]any{}
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
