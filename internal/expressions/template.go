package expressions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rendis/chartflow/internal/secrets"
	"github.com/rendis/chartflow/internal/state"
	"github.com/rendis/chartflow/pkg/schema"
)

// TemplateScope holds the data available to ${{...}} references.
type TemplateScope struct {
	State *state.State
	Vars  map[string]string
}

// Renderer resolves ${{...}} references in node templates and config.
// Two-pass: first resolves state-derived variables, second resolves secrets,
// so secret values never pass through the non-secret resolution path.
//
// Supported namespaces:
//
//	result            output of the most recently completed node
//	snapshot.<label>  output of a specific completed node
//	history           rendered full history, "role: text" per line
//	history.last      text of the newest history entry
//	vars.<key>        run configuration value
//	secrets.<KEY>     vault-resolved secret
type Renderer struct {
	vault secrets.Vault
}

// NewRenderer creates a Renderer with an optional vault for secret resolution.
func NewRenderer(vault secrets.Vault) *Renderer {
	return &Renderer{vault: vault}
}

// Render performs two-pass interpolation on a template string.
func (r *Renderer) Render(ctx context.Context, template string, scope TemplateScope) (string, error) {
	if !strings.Contains(template, "${{") {
		return template, nil
	}

	resolved, err := r.renderPass(ctx, template, scope, false)
	if err != nil {
		return "", err
	}
	return r.renderPass(ctx, resolved, scope, true)
}

// RenderJSON interpolates a raw JSON config blob, treating it as text.
// Resolved values are embedded as-is, so string fields keep their quotes.
func (r *Renderer) RenderJSON(ctx context.Context, raw json.RawMessage, scope TemplateScope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	out, err := r.Render(ctx, string(raw), scope)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

// renderPass scans for ${{...}} tokens and resolves them. When secretPass is
// false it resolves everything except secrets.* and leaves secret tokens
// untouched; when true it resolves only secrets.*.
func (r *Renderer) renderPass(ctx context.Context, input string, scope TemplateScope, secretPass bool) (string, error) {
	var out strings.Builder
	out.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			out.WriteString(input[i:])
			break
		}

		out.WriteString(input[i : i+idx])
		start := i + idx + 3 // skip "${{"

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		ref := strings.TrimSpace(input[start:end])

		if strings.Contains(ref, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if ref == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		isSecret := strings.HasPrefix(ref, "secrets.")
		if isSecret != secretPass {
			// Not this pass's namespace, write the token back unchanged.
			out.WriteString(input[i+idx : end+2])
			i = end + 2
			continue
		}

		val, err := r.resolveRef(ctx, ref, scope)
		if err != nil {
			return "", err
		}
		out.WriteString(val)

		i = end + 2 // skip "}}"
	}

	return out.String(), nil
}

// resolveRef resolves a single reference like "snapshot.classify".
func (r *Renderer) resolveRef(ctx context.Context, ref string, scope TemplateScope) (string, error) {
	namespace, rest, _ := strings.Cut(ref, ".")

	switch namespace {
	case "result":
		if rest != "" {
			return "", schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid reference %q: result takes no field path", ref)
		}
		if scope.State == nil {
			return "", nil
		}
		return scope.State.Result, nil

	case "snapshot":
		return r.resolveSnapshot(ref, rest, scope)

	case "history":
		return r.resolveHistory(ref, rest, scope)

	case "vars":
		if rest == "" {
			return "", schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid reference %q: expected vars.<key>", ref)
		}
		val, ok := scope.Vars[rest]
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeInterpolation,
				"var %q not found in ${{%s}}; available: [%s]", rest, ref, strings.Join(stringMapKeys(scope.Vars), ", ")).
				WithDetails(map[string]any{"expression": ref, "available_vars": stringMapKeys(scope.Vars)})
		}
		return val, nil

	case "secrets":
		return r.resolveSecret(ctx, ref, rest)

	default:
		available := []string{"result", "snapshot", "history", "vars", "secrets"}
		return "", schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": ref, "available_namespaces": available})
	}
}

func (r *Renderer) resolveSnapshot(ref, label string, scope TemplateScope) (string, error) {
	if label == "" {
		return "", schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid reference %q: expected snapshot.<label>", ref)
	}
	if scope.State == nil {
		return "", schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: no state in scope", ref)
	}
	val, ok := scope.State.Snapshot[label]
	if !ok {
		available := stringMapKeys(scope.State.Snapshot)
		return "", schema.NewErrorf(schema.ErrCodeInterpolation,
			"label %q not found in ${{%s}}; completed labels: [%s]", label, ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": ref, "available_labels": available})
	}
	return val, nil
}

func (r *Renderer) resolveHistory(ref, field string, scope TemplateScope) (string, error) {
	var history []state.Entry
	if scope.State != nil {
		history = scope.State.History
	}

	switch field {
	case "":
		return state.Render(history), nil
	case "last":
		if len(history) == 0 {
			return "", nil
		}
		return history[len(history)-1].Text, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown history field %q in ${{%s}}; available: last", field, ref).
			WithDetails(map[string]any{"expression": ref})
	}
}

func (r *Renderer) resolveSecret(ctx context.Context, ref, key string) (string, error) {
	if key == "" {
		return "", schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid secret reference %q: expected secrets.<KEY>", ref)
	}
	if r.vault == nil {
		return "", schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve secret %q: no vault configured", key).
			WithDetails(map[string]any{"expression": ref})
	}

	val, err := r.vault.Resolve(ctx, key)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeInterpolation,
			"failed to resolve secret %q: %s", key, err.Error()).
			WithDetails(map[string]any{"expression": ref}).WithCause(err)
	}
	return string(val), nil
}

// HasTemplate reports whether a string contains any ${{...}} references.
func HasTemplate(s string) bool {
	return strings.Contains(s, "${{")
}

// stringMapKeys returns sorted keys from a map[string]string.
func stringMapKeys(m map[string]string) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Insertion sort, the maps here are small.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}
