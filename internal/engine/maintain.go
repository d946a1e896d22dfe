package engine

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/alexjbarnes/device-sync/internal/transport"
)

const (
	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	reconnectBackoffMultiplier = 2
)

// Maintain keeps a connection to addr open while sync is enabled,
// reconnecting with exponential backoff and jitter. It returns when ctx
// is done, after disconnecting.
func (c *Controller) Maintain(ctx context.Context, addr transport.Address) error {
	if err := addr.Validate(); err != nil {
		return err
	}

	defer func() {
		if err := c.Disconnect(); err != nil {
			c.logger.Warn("disconnecting on shutdown", slog.String("error", err.Error()))
		}
	}()

	backoff := c.opts.ReconnectMin

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !c.SyncEnabled() || c.toggling.Load() {
			if err := c.waitWake(ctx); err != nil {
				return err
			}

			continue
		}

		if c.Connected() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
				continue
			case <-c.closedChan():
			}

			if !c.SyncEnabled() {
				continue
			}

			c.logger.Info("connection closed, reconnecting", slog.Duration("backoff", backoff))

			if err := c.pause(ctx, backoff); err != nil {
				return err
			}

			continue
		}

		// A restart by SetSyncEnabled may have moved us to another address.
		target := addr
		if last := c.Addr(); !last.IsZero() {
			target = last
		}

		err := c.Connect(ctx, target)
		if err == nil {
			backoff = c.opts.ReconnectMin
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("reconnect failed",
			slog.String("addr", target.String()),
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		if err := c.pause(ctx, backoff); err != nil {
			return err
		}

		backoff = min(backoff*reconnectBackoffMultiplier, c.opts.ReconnectMax)
	}
}

// pause sleeps for backoff plus jitter. A sync toggle cuts it short.
func (c *Controller) pause(ctx context.Context, backoff time.Duration) error {
	jitter := time.Duration(rand.Int64N(max(int64(backoff)/jitterDivisor, 1))) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	case <-c.wake:
	}

	return nil
}

func (c *Controller) waitWake(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.wake:
		return nil
	}
}
