package engine

import (
	"context"
	"log/slog"
	"time"
)

// SetSyncEnabled switches sync on or off and persists the choice.
// Disabling disconnects. Enabling while a connection is open or being
// opened restarts it: stop, wait the grace period, start. Enabling while
// closed connects to the last address, if there is one.
func (c *Controller) SetSyncEnabled(ctx context.Context, enabled bool) error {
	c.syncEnabled.Store(enabled)

	if c.store != nil {
		if err := c.store.SetSyncEnabled(enabled); err != nil {
			c.logger.Warn("saving sync flag", slog.String("error", err.Error()))
		}
	}

	c.toggling.Store(true)
	defer func() {
		c.toggling.Store(false)
		c.poke()
	}()

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !enabled {
		c.logger.Info("sync disabled")
		return c.disconnectLocked()
	}

	addr := c.Addr()
	phase := c.Phase()

	if phase == PhaseOpen || phase == PhaseConnecting {
		c.logger.Info("sync enabled while running, restarting", slog.Duration("grace", c.opts.ToggleGrace))

		if err := c.disconnectLocked(); err != nil {
			c.logger.Warn("stopping for restart", slog.String("error", err.Error()))
		}

		timer := time.NewTimer(c.opts.ToggleGrace)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if addr.IsZero() {
		c.logger.Info("sync enabled, no address to connect to yet")
		return nil
	}

	c.logger.Info("sync enabled", slog.String("addr", addr.String()))

	return c.connectLocked(ctx, addr)
}

// poke wakes a waiting Maintain loop.
func (c *Controller) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
