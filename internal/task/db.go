package task

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rendis/chartflow/internal/expressions"
	"github.com/rendis/chartflow/pkg/schema"

	_ "github.com/tursodatabase/go-libsql"
)

// dbOpenTask provisions a named database handle. Meant for init nodes: the
// handle lives in the run's resource set and is closed when the run
// terminates, on every exit path.
type dbOpenTask struct {
	name      string
	dsn       string
	resources *Resources
}

func newDBOpenTask(raw json.RawMessage, deps Deps) (Task, error) {
	cfg := struct {
		Name string `json:"name"`
		DSN  string `json:"dsn"`
	}{Name: "default"}
	if err := decodeConfig("db.open", raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "db.open: missing required config 'dsn'")
	}
	return &dbOpenTask{name: cfg.Name, dsn: cfg.DSN, resources: deps.Resources}, nil
}

func (t *dbOpenTask) Kind() string { return "db.open" }

func (t *dbOpenTask) Execute(ctx context.Context, in Input) (*Output, error) {
	db, err := sql.Open("libsql", t.dsn)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault, "db.open: %s", err.Error()).WithCause(err)
	}
	// Embedded sqlite: serialize access through one connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault, "db.open: ping %q: %s", t.name, err.Error()).WithCause(err)
	}

	if err := t.resources.Put(t.name, db); err != nil {
		db.Close()
		return nil, err
	}
	return ok(in.State), nil
}

// dbQueryTask runs a SQL statement against a provisioned handle. Query rows
// serialize to a JSON array of objects in the result; exec statements
// report the affected row count.
type dbQueryTask struct {
	resources *Resources
	handle    string
	query     string
	args      []string
	exec      bool
	renderer  *expressions.Renderer
}

func newDBQueryTask(raw json.RawMessage, deps Deps) (Task, error) {
	cfg := struct {
		Handle string   `json:"handle"`
		Query  string   `json:"query"`
		Args   []string `json:"args"`
		Exec   bool     `json:"exec"`
	}{Handle: "default"}
	if err := decodeConfig("db.query", raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "db.query: missing required config 'query'")
	}
	return &dbQueryTask{
		resources: deps.Resources,
		handle:    cfg.Handle,
		query:     cfg.Query,
		args:      cfg.Args,
		exec:      cfg.Exec,
		renderer:  deps.Renderer,
	}, nil
}

func (t *dbQueryTask) Kind() string { return "db.query" }

func (t *dbQueryTask) Execute(ctx context.Context, in Input) (*Output, error) {
	handle, err := t.resources.Get(t.handle)
	if err != nil {
		return nil, err
	}
	db, okDB := handle.(*sql.DB)
	if !okDB {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault, "db.query: resource %q is not a database handle", t.handle)
	}

	// Args are templates, bound as placeholders so rendered values
	// never splice into the SQL text.
	scope := expressions.TemplateScope{State: in.State, Vars: in.Vars}
	args := make([]any, 0, len(t.args))
	for _, a := range t.args {
		rendered, err := t.renderer.Render(ctx, a, scope)
		if err != nil {
			return nil, err
		}
		args = append(args, rendered)
	}

	if t.exec {
		res, err := db.ExecContext(ctx, t.query, args...)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTaskFault, "db.query: exec: %s", err.Error()).WithCause(err)
		}
		affected, _ := res.RowsAffected()
		in.State.Result = stringify(map[string]any{"rows_affected": affected})
		return ok(in.State), nil
	}

	rows, err := db.QueryContext(ctx, t.query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFault, "db.query: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	out, err := rowsToJSON(rows)
	if err != nil {
		return nil, err
	}
	in.State.Result = out
	return ok(in.State), nil
}

func rowsToJSON(rows *sql.Rows) (string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTaskFault, "db.query: columns: %s", err.Error()).WithCause(err)
	}

	results := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", schema.NewErrorf(schema.ErrCodeTaskFault, "db.query: scan: %s", err.Error()).WithCause(err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, isBytes := values[i].([]byte); isBytes {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTaskFault, "db.query: rows: %s", err.Error()).WithCause(err)
	}

	b, err := json.Marshal(results)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTaskFault, "db.query: marshal rows: %s", err.Error()).WithCause(err)
	}
	return string(b), nil
}
