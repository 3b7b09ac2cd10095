package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownRunsHooksInReverseOrder(t *testing.T) {
	c := NewCoordinator(time.Second, nil)

	var order []string
	c.Register("listener", func(context.Context) error {
		order = append(order, "listener")
		return nil
	})
	c.Register("watcher", func(context.Context) error {
		order = append(order, "watcher")
		return nil
	})

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, []string{"watcher", "listener"}, order)
}

func TestShutdownAggregatesErrorsAndIsIdempotent(t *testing.T) {
	c := NewCoordinator(time.Second, nil)

	sentinel := errors.New("boom")
	calls := 0
	c.Register("failing", func(context.Context) error {
		calls++
		return sentinel
	})

	err := c.Shutdown(context.Background())
	require.ErrorIs(t, err, sentinel)

	// Second call returns the first result without re-running hooks.
	assert.ErrorIs(t, c.Shutdown(context.Background()), sentinel)
	assert.Equal(t, 1, calls)
}

func TestShutdownStopsAtForceTimeout(t *testing.T) {
	c := NewCoordinator(50*time.Millisecond, nil)

	slowDone := false
	c.Register("never-reached", func(context.Context) error {
		slowDone = true
		return nil
	})
	c.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := c.Shutdown(context.Background())
	require.Error(t, err)
	assert.False(t, slowDone)
}
