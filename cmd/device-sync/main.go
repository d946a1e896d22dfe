package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/device-sync/internal/auth"
	"github.com/alexjbarnes/device-sync/internal/config"
	"github.com/alexjbarnes/device-sync/internal/dispatch"
	"github.com/alexjbarnes/device-sync/internal/engine"
	"github.com/alexjbarnes/device-sync/internal/logging"
	"github.com/alexjbarnes/device-sync/internal/mcpserver"
	"github.com/alexjbarnes/device-sync/internal/mirror"
	"github.com/alexjbarnes/device-sync/internal/outbox"
	"github.com/alexjbarnes/device-sync/internal/protocol"
	"github.com/alexjbarnes/device-sync/internal/server"
	"github.com/alexjbarnes/device-sync/internal/state"
	"github.com/alexjbarnes/device-sync/internal/transfer"
	"github.com/alexjbarnes/device-sync/internal/transport"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var Version = "dev"

func main() {
	var err error

	switch {
	case len(os.Args) > 1 && os.Args[1] == "keygen":
		fmt.Println(auth.GenerateAPIKey())
		return
	case len(os.Args) > 1 && os.Args[1] == "devices":
		err = listDevices(os.Stdout)
	default:
		err = run()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// listDevices prints every device in the state store as YAML.
func listDevices(w io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	devices, err := appState.Devices()
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	enc := yaml.NewEncoder(w)
	defer enc.Close()

	return enc.Encode(map[string]any{
		"last_address": appState.LastConnectedAddress(),
		"sync_enabled": appState.SyncEnabled(),
		"devices":      devices,
	})
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("device-sync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	local, err := localDevice(cfg, appState)
	if err != nil {
		return err
	}

	addr, err := deviceAddress(cfg, appState)
	if err != nil {
		return err
	}

	store, err := transfer.NewStore(cfg.DownloadDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := dispatch.NewRegistry(logger.With(slog.String("service", "dispatch")))

	mir := mirror.New(logger.With(slog.String("service", "mirror")))
	mir.Register(registry)

	receiver := transfer.NewReceiver(store, transfer.ReceiverOptions{
		ProgressRate: cfg.ProgressRate,
		CompletedTTL: cfg.CompletedTTL,
	}, logger.With(slog.String("service", "receiver")))
	defer receiver.Close()
	receiver.OnEvent(mir.HandleTransfer)
	receiver.OnEvent(func(ev transfer.Event) {
		if ev.Kind == transfer.EventComplete {
			logger.Info("file received",
				slog.String("file", ev.FileName),
				slog.String("path", ev.Path),
				slog.Int64("size", ev.FileSize),
			)
		}
	})

	session := transport.NewSession(cfg.SessionConfig(), logger.With(slog.String("service", "transport")))

	ctrl := engine.New(session, registry, receiver, appState, engine.Options{
		Local:        local,
		ToggleGrace:  cfg.ToggleGrace,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
	}, logger.With(slog.String("service", "engine")))

	ctrl.OnStatus(func(connected bool) {
		if !connected {
			mir.Reset()
		}
	})
	ctrl.HandleCommands(ctx, registry, func(cmd protocol.Command) {
		logger.Info("device command", slog.String("command", string(cmd.CommandType)))
	})

	sender := transfer.NewSender(ctrl, transfer.SenderOptions{
		ChunkSize:       int(cfg.ChunkSize),
		InlineThreshold: cfg.InlineThreshold,
	}, logger.With(slog.String("service", "sender")))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := ctrl.Maintain(gctx, addr)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	watcher := outbox.NewWatcher(cfg.OutboxDir, sender, ctrl, logger.With(slog.String("service", "outbox")))
	g.Go(func() error {
		err := watcher.Watch(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, mcpserver.Deps{
				Controller: ctrl,
				Mirror:     mir,
				Files:      sender,
				Devices:    appState,
				Logger:     logger.With(slog.String("service", "mcp")),
			})
		})
	}

	return g.Wait()
}

// localDevice builds the identity sent in the greeting. Without
// DEVICE_ID a UUID is generated once and persisted.
func localDevice(cfg *config.Config, appState *state.State) (protocol.DeviceInfo, error) {
	id := cfg.DeviceID
	if id == "" {
		id = appState.LocalDeviceID()
	}

	if id == "" {
		id = uuid.NewString()
		if err := appState.SetLocalDeviceID(id); err != nil {
			return protocol.DeviceInfo{}, fmt.Errorf("saving device id: %w", err)
		}
	}

	return protocol.DeviceInfo{ID: id, DeviceName: cfg.DeviceName}, nil
}

// deviceAddress prefers the configured address and falls back to the
// last one connected to.
func deviceAddress(cfg *config.Config, appState *state.State) (transport.Address, error) {
	if addr := cfg.DeviceAddress(); !addr.IsZero() {
		return addr, nil
	}

	last := appState.LastConnectedAddress()
	if last == "" {
		return transport.Address{}, fmt.Errorf("no device address: set DEVICE_HOST")
	}

	addr, err := transport.ParseAddress(last)
	if err != nil {
		return transport.Address{}, fmt.Errorf("stored device address %q: %w", last, err)
	}

	return addr, nil
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, deps mcpserver.Deps) error {
	keys, err := cfg.APIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "device-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, deps)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Keys:       keys,
			MCPHandler: mcpHandler,
			Logger:     deps.Logger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	deps.Logger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("keys", keys.Len()),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		deps.Logger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
