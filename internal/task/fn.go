package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/chartflow/internal/expressions"
	"github.com/rendis/chartflow/pkg/schema"
)

// fnTask evaluates an expr-lang program over the state scope and makes the
// stringified value the new result. This is the sandboxed stand-in for
// arbitrary user code: no filesystem, no network, no host process.
type fnTask struct {
	program string
	engine  *expressions.ExprEngine
}

func newFnTask(raw json.RawMessage, deps Deps) (Task, error) {
	var cfg struct {
		Program string `json:"program"`
	}
	if err := decodeConfig("fn", raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Program == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "fn: missing required config 'program'")
	}
	return &fnTask{program: cfg.Program, engine: deps.Expr}, nil
}

func (t *fnTask) Kind() string { return "fn" }

func (t *fnTask) Execute(ctx context.Context, in Input) (*Output, error) {
	val, err := t.engine.Evaluate(ctx, t.program, expressions.Scope(in.State, in.Vars))
	if err != nil {
		return nil, err
	}
	in.State.Result = stringify(val)
	return ok(in.State), nil
}

// assertTask checks a CEL predicate against the state. A false predicate is
// a validation fault that terminates the run (or takes the fault edge).
type assertTask struct {
	condition string
	message   string
	engine    *expressions.CELEngine
}

func newAssertTask(raw json.RawMessage, deps Deps) (Task, error) {
	var cfg struct {
		Condition string `json:"condition"`
		Message   string `json:"message"`
	}
	if err := decodeConfig("assert", raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Condition == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert: missing required config 'condition'")
	}
	return &assertTask{condition: cfg.Condition, message: cfg.Message, engine: deps.CEL}, nil
}

func (t *assertTask) Kind() string { return "assert" }

func (t *assertTask) Execute(ctx context.Context, in Input) (*Output, error) {
	okRes, err := t.engine.EvaluateBool(ctx, t.condition, expressions.Scope(in.State, in.Vars))
	if err != nil {
		return nil, err
	}
	if !okRes {
		msg := t.message
		if msg == "" {
			msg = fmt.Sprintf("assertion failed: %s", t.condition)
		}
		return nil, schema.NewError(schema.ErrCodeAssertFailed, msg).
			WithDetails(map[string]any{"condition": t.condition, "result": in.State.Result})
	}
	return ok(in.State), nil
}

// jqTask feeds the current result, parsed as JSON, through a jq expression.
// A result that is not valid JSON is passed as a plain string.
type jqTask struct {
	expression string
	engine     *expressions.GoJQEngine
}

func newJQTask(raw json.RawMessage, deps Deps) (Task, error) {
	var cfg struct {
		Expression string `json:"expression"`
	}
	if err := decodeConfig("jq", raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq: missing required config 'expression'")
	}
	return &jqTask{expression: cfg.Expression, engine: deps.JQ}, nil
}

func (t *jqTask) Kind() string { return "jq" }

func (t *jqTask) Execute(ctx context.Context, in Input) (*Output, error) {
	var input any = in.State.Result
	var parsed any
	if json.Unmarshal([]byte(in.State.Result), &parsed) == nil {
		input = parsed
	}

	val, err := t.engine.EvaluateValue(ctx, t.expression, input)
	if err != nil {
		return nil, err
	}
	in.State.Result = stringify(val)
	return ok(in.State), nil
}

// stringify flattens an evaluation result for storage in State.Result.
// Scalars render bare; everything else renders as compact JSON.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64, float32, int, int64, int32:
		return fmt.Sprintf("%v", val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
