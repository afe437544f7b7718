package task

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chartflow/pkg/schema"
)

type stubTask struct{ kind string }

func (s stubTask) Kind() string { return s.kind }

func (s stubTask) Execute(_ context.Context, in Input) (*Output, error) {
	return ok(in.State), nil
}

func stubFactory(kind string) Factory {
	return func(json.RawMessage, Deps) (Task, error) {
		return stubTask{kind: kind}, nil
	}
}

func TestRegistryRegister(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register("echo", stubFactory("echo")))
	assert.True(t, reg.Has("echo"))
	assert.Equal(t, 1, reg.Count())

	err := reg.Register("echo", stubFactory("echo"))
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeConflict, flowErr.Code)

	err = reg.Register("", stubFactory(""))
	assert.Error(t, err)

	err = reg.Register("nil", nil)
	assert.Error(t, err)
}

func TestRegistryRegisterProvider(t *testing.T) {
	reg := NewRegistry()

	n, err := reg.RegisterProvider("plugin.github", map[string]Factory{
		"create_issue": stubFactory("create_issue"),
		"list_repos":   stubFactory("list_repos"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, reg.Has("plugin.github.create_issue"))
	assert.True(t, reg.Has("plugin.github.list_repos"))

	_, err = reg.RegisterProvider("", map[string]Factory{"x": stubFactory("x")})
	assert.Error(t, err)
}

func TestRegistryBuild(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("echo", stubFactory("echo")))

	task, err := reg.Build("echo", nil, Deps{})
	require.NoError(t, err)
	assert.Equal(t, "echo", task.Kind())

	_, err = reg.Build("missing", nil, Deps{})
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeTaskUnavailable, flowErr.Code)
	assert.Contains(t, flowErr.Message, "echo")
}

func TestRegistryKinds(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("b", stubFactory("b")))
	require.NoError(t, reg.Register("a", stubFactory("a")))

	assert.Equal(t, []string{"a", "b"}, reg.Kinds())
}
