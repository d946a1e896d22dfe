package engine

import (
	"context"
	"log/slog"

	"github.com/alexjbarnes/device-sync/internal/dispatch"
	"github.com/alexjbarnes/device-sync/internal/protocol"
)

// HandleCommands registers the Command handler that lets the peer turn
// sync on and off. The toggle runs on its own goroutine: it disconnects,
// which must not happen on the dispatch goroutine it was called from.
// Unknown commands are passed to other, which may be nil.
func (c *Controller) HandleCommands(ctx context.Context, reg *dispatch.Registry, other func(protocol.Command)) {
	dispatch.On(reg, func(m protocol.Command) {
		var enabled bool

		switch m.CommandType {
		case protocol.CommandSyncOn:
			enabled = true
		case protocol.CommandSyncOff:
			enabled = false
		default:
			if other != nil {
				other(m)
			} else {
				c.logger.Debug("ignoring command", slog.String("command", string(m.CommandType)))
			}

			return
		}

		go func() {
			if err := c.SetSyncEnabled(ctx, enabled); err != nil {
				c.logger.Warn("applying sync command", slog.String("command", string(m.CommandType)), slog.String("error", err.Error()))
			}
		}()
	})
}
