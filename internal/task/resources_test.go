package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chartflow/pkg/schema"
)

type closerSpy struct {
	closed int
	err    error
}

func (c *closerSpy) Close() error {
	c.closed++
	return c.err
}

func TestResourcesPutGet(t *testing.T) {
	res := NewResources()
	db := &closerSpy{}

	require.NoError(t, res.Put("db", db))

	got, err := res.Get("db")
	require.NoError(t, err)
	assert.Same(t, db, got.(*closerSpy))

	err = res.Put("db", &closerSpy{})
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeConflict, flowErr.Code)

	_, err = res.Get("missing")
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeNotFound, flowErr.Code)
}

func TestResourcesClose(t *testing.T) {
	res := NewResources()
	healthy := &closerSpy{}
	broken := &closerSpy{err: errors.New("connection reset")}

	require.NoError(t, res.Put("healthy", healthy))
	require.NoError(t, res.Put("broken", broken))

	err := res.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, 1, healthy.closed)
	assert.Equal(t, 1, broken.closed)

	// Second close is a no-op.
	require.NoError(t, res.Close())
	assert.Equal(t, 1, healthy.closed)

	// Closed set accepts no new handles.
	err = res.Put("late", &closerSpy{})
	assert.Error(t, err)
}
