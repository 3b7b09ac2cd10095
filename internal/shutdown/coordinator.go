// Package shutdown coordinates orderly teardown of the rotation watcher and
// the listener. The watcher must close before the listener manager so that
// no rotation callback fires into a half-closed server.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultForceTimeout bounds the whole teardown; hooks still running when it
// expires are abandoned.
const DefaultForceTimeout = 30 * time.Second

// Hook is one teardown step.
type Hook struct {
	Name  string
	Close func(ctx context.Context) error
}

// Coordinator runs registered hooks in reverse registration order, so
// resources close in the opposite order they were brought up.
type Coordinator struct {
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	hooks    []Hook
	once     sync.Once
	finalErr error
}

// NewCoordinator creates a Coordinator. Zero timeout means
// DefaultForceTimeout; nil logger means slog.Default().
func NewCoordinator(timeout time.Duration, logger *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultForceTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{timeout: timeout, logger: logger}
}

// Register adds a teardown hook. Registration after shutdown has begun is
// ignored.
func (c *Coordinator) Register(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, Hook{Name: name, Close: fn})
}

// Shutdown runs all hooks in reverse order under the force timeout and
// returns the aggregated errors. It is idempotent; repeated calls return the
// first run's result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		c.mu.Lock()
		hooks := c.hooks
		c.hooks = nil
		c.mu.Unlock()

		c.logger.Info("shutting down", "hooks", len(hooks), "force_timeout", c.timeout)

		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			hook := hooks[i]
			if err := shutdownCtx.Err(); err != nil {
				errs = append(errs, fmt.Errorf("force timeout before %s closed: %w", hook.Name, err))
				break
			}
			if err := hook.Close(shutdownCtx); err != nil {
				c.logger.Error("teardown hook failed", "hook", hook.Name, "error", err)
				errs = append(errs, fmt.Errorf("closing %s: %w", hook.Name, err))
				continue
			}
			c.logger.Debug("teardown hook completed", "hook", hook.Name)
		}
		c.finalErr = errors.Join(errs...)
	})
	return c.finalErr
}
