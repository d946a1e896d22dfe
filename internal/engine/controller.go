// Package engine drives the connection to a paired device: the phase
// state machine, the inbound dispatch sequence, outbound sends, the sync
// toggle and the reconnect supervisor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/device-sync/internal/dispatch"
	syncerr "github.com/alexjbarnes/device-sync/internal/errors"
	"github.com/alexjbarnes/device-sync/internal/protocol"
	"github.com/alexjbarnes/device-sync/internal/state"
	"github.com/alexjbarnes/device-sync/internal/transfer"
	"github.com/alexjbarnes/device-sync/internal/transport"
)

const (
	defaultToggleGrace  = 500 * time.Millisecond
	defaultReconnectMin = time.Second
	defaultReconnectMax = 30 * time.Second
)

// Session is the transport the controller drives. *transport.Session
// satisfies it.
type Session interface {
	Connect(ctx context.Context, addr transport.Address) error
	Send(ctx context.Context, data []byte) error
	ReceiveLoop(onFrame func([]byte), onClosed func(error)) error
	Disconnect() error
}

// DeviceStore persists what the controller learns about peers.
// *state.State satisfies it.
type DeviceStore interface {
	AddDevice(d state.Device) error
	SetLastConnectedAddress(addr string) error
	SyncEnabled() bool
	SetSyncEnabled(enabled bool) error
}

// Options configures a Controller. Zero durations use defaults.
type Options struct {
	// Local is announced to the peer after every connect. A zero ID
	// disables the greeting.
	Local protocol.DeviceInfo

	// ToggleGrace is the pause between stop and start when sync is
	// re-enabled while running.
	ToggleGrace time.Duration

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Controller owns the connection lifecycle. Lifecycle operations are
// serialized; Send may be called from any goroutine.
type Controller struct {
	session  Session
	registry *dispatch.Registry
	receiver *transfer.Receiver
	store    DeviceStore
	opts     Options
	logger   *slog.Logger

	// lifecycle serializes Connect, Disconnect and sync toggles.
	lifecycle sync.Mutex

	mu      sync.Mutex
	phase   Phase
	addr    transport.Address
	lastErr error
	gen     uint64
	closed  chan struct{}

	// announced is set once status listeners have seen the current
	// connection as up.
	announced bool

	syncEnabled atomic.Bool
	toggling    atomic.Bool
	wake        chan struct{}

	listenerMu      sync.RWMutex
	msgListeners    []func(protocol.Message)
	statusListeners []func(bool)
}

// New creates an idle Controller. receiver and store may be nil: without
// a receiver FileTransfer frames go to the registry like any other
// message, and without a store nothing is persisted.
func New(session Session, registry *dispatch.Registry, receiver *transfer.Receiver, store DeviceStore, opts Options, logger *slog.Logger) *Controller {
	if opts.ToggleGrace <= 0 {
		opts.ToggleGrace = defaultToggleGrace
	}

	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}

	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = max(defaultReconnectMax, opts.ReconnectMin)
	}

	c := &Controller{
		session:  session,
		registry: registry,
		receiver: receiver,
		store:    store,
		opts:     opts,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}

	enabled := true
	if store != nil {
		enabled = store.SyncEnabled()
	}

	c.syncEnabled.Store(enabled)

	return c
}

// OnMessage registers a listener that sees every decoded inbound
// message after it has been dispatched.
func (c *Controller) OnMessage(fn func(protocol.Message)) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()

	c.msgListeners = append(c.msgListeners, fn)
}

// OnStatus registers a listener for connected/disconnected changes.
func (c *Controller) OnStatus(fn func(connected bool)) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()

	c.statusListeners = append(c.statusListeners, fn)
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.phase
}

// Connected reports whether the connection is open.
func (c *Controller) Connected() bool {
	return c.Phase() == PhaseOpen
}

// Addr returns the address of the current or most recent connection.
func (c *Controller) Addr() transport.Address {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.addr
}

// LastError returns why the last connection attempt failed or the last
// connection was lost. It is cleared by a successful connect.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastErr
}

// SyncEnabled reports the sync switch.
func (c *Controller) SyncEnabled() bool {
	return c.syncEnabled.Load()
}

// setPhase applies a transition. Callers hold c.mu. Illegal transitions
// are refused and logged.
func (c *Controller) setPhase(to Phase) bool {
	if !CanTransition(c.phase, to) {
		c.logger.Error("illegal phase transition",
			slog.String("from", c.phase.String()),
			slog.String("to", to.String()),
		)

		return false
	}

	c.logger.Debug("phase", slog.String("from", c.phase.String()), slog.String("to", to.String()))
	c.phase = to

	return true
}

// Connect opens a connection to addr, replacing any open one.
func (c *Controller) Connect(ctx context.Context, addr transport.Address) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	return c.connectLocked(ctx, addr)
}

func (c *Controller) connectLocked(ctx context.Context, addr transport.Address) error {
	if c.Phase() == PhaseOpen {
		if err := c.disconnectLocked(); err != nil {
			c.logger.Warn("closing previous connection", slog.String("error", err.Error()))
		}
	}

	c.mu.Lock()
	if c.phase == PhaseClosed {
		c.setPhase(PhaseIdle)
	}

	if !c.setPhase(PhaseConnecting) {
		c.mu.Unlock()
		return fmt.Errorf("cannot connect from phase %s", c.phase)
	}

	c.addr = addr
	c.mu.Unlock()

	if err := c.session.Connect(ctx, addr); err != nil {
		c.failConnect(err)
		return err
	}

	// The phase is Open before the receive loop starts so that a loop
	// ending right away is handled by lost like any later failure.
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.closed = make(chan struct{})
	c.setPhase(PhaseOpen)
	c.lastErr = nil
	c.mu.Unlock()

	err := c.session.ReceiveLoop(c.handleFrame, func(reason error) {
		c.lost(gen, reason)
	})
	if err != nil {
		c.abortOpen(gen, err)
		_ = c.session.Disconnect()

		return fmt.Errorf("starting receive loop: %w", err)
	}

	c.mu.Lock()
	if gen != c.gen {
		reason := c.lastErr
		c.mu.Unlock()

		return fmt.Errorf("connection closed while connecting: %w", reason)
	}

	c.announced = true
	c.mu.Unlock()

	c.logger.Info("connected", slog.String("addr", addr.String()))

	if c.store != nil {
		if err := c.store.SetLastConnectedAddress(addr.String()); err != nil {
			c.logger.Warn("saving last address", slog.String("error", err.Error()))
		}
	}

	c.notifyStatus(true)

	if c.opts.Local.ID != "" {
		if err := c.Send(ctx, c.opts.Local); err != nil {
			return fmt.Errorf("sending device info: %w", err)
		}
	}

	return nil
}

// abortOpen rolls connection gen back to Closed when its receive loop
// could not be started.
func (c *Controller) abortOpen(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.phase != PhaseOpen {
		return
	}

	c.gen++
	c.setPhase(PhaseClosing)
	c.setPhase(PhaseClosed)
	c.lastErr = err
	close(c.closed)

	c.logger.Warn("connect failed", slog.String("addr", c.addr.String()), slog.String("error", err.Error()))
}

func (c *Controller) failConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastErr = err
	c.setPhase(PhaseClosed)

	c.logger.Warn("connect failed", slog.String("addr", c.addr.String()), slog.String("error", err.Error()))
}

// Disconnect closes the connection. It is a no-op unless open.
func (c *Controller) Disconnect() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	return c.disconnectLocked()
}

func (c *Controller) disconnectLocked() error {
	c.mu.Lock()
	if c.phase != PhaseOpen {
		c.mu.Unlock()
		return nil
	}

	c.setPhase(PhaseClosing)
	// Bumping gen turns the receive loop's onClosed into a no-op.
	c.gen++
	closed := c.closed
	announced := c.announced
	c.announced = false
	c.mu.Unlock()

	err := c.session.Disconnect()

	c.mu.Lock()
	c.setPhase(PhaseClosed)
	close(closed)
	c.mu.Unlock()

	c.logger.Info("disconnected")

	c.afterClose(fmt.Errorf("%w: disconnected", syncerr.ErrTransferAborted), announced)

	return err
}

// lost handles the end of connection gen that nobody asked for: a read
// error, a peer close or a failed write.
func (c *Controller) lost(gen uint64, reason error) {
	c.mu.Lock()
	if gen != c.gen || c.phase != PhaseOpen {
		c.mu.Unlock()
		return
	}

	c.gen++
	c.setPhase(PhaseClosing)
	c.setPhase(PhaseClosed)

	if reason == nil {
		reason = errors.New("connection closed")
	}

	c.lastErr = reason
	close(c.closed)
	announced := c.announced
	c.announced = false
	c.mu.Unlock()

	c.logger.Warn("connection lost", slog.String("error", reason.Error()))

	c.afterClose(reason, announced)
}

// afterClose aborts in-flight transfers and reports the disconnect to
// status listeners that were told about the connection.
func (c *Controller) afterClose(reason error, announced bool) {
	if c.receiver != nil {
		c.receiver.AbortAll(reason)
	}

	if announced {
		c.notifyStatus(false)
	}
}

// Send encodes msg and writes it to the peer.
func (c *Controller) Send(ctx context.Context, msg protocol.Message) error {
	c.mu.Lock()
	phase, gen := c.phase, c.gen
	c.mu.Unlock()

	if phase != PhaseOpen {
		return syncerr.ErrNotConnected
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	if err := c.session.Send(ctx, data); err != nil {
		if errors.Is(err, syncerr.ErrWriteFailed) {
			c.lost(gen, err)
		}

		return err
	}

	return nil
}

// handleFrame is the dispatch sequence. It runs on the transport's
// reader goroutine, one frame at a time.
func (c *Controller) handleFrame(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn("dropping frame", slog.String("error", err.Error()))
		return
	}

	switch m := msg.(type) {
	case protocol.FileTransfer:
		if c.receiver != nil {
			if err := c.receiver.Handle(m); err != nil {
				c.logger.Warn("file transfer", slog.String("error", err.Error()))
			}

			c.notifyMessage(msg)

			return
		}
	case protocol.DeviceInfo:
		c.recordDevice(m)
	}

	if err := c.registry.Dispatch(msg); err != nil && !errors.Is(err, syncerr.ErrUnhandledMessageType) {
		c.logger.Warn("dispatching message", slog.String("kind", string(msg.Kind())), slog.String("error", err.Error()))
	}

	c.notifyMessage(msg)
}

func (c *Controller) recordDevice(info protocol.DeviceInfo) {
	if c.store == nil {
		return
	}

	d := state.Device{
		IPAddress:  c.Addr().Host,
		DeviceName: info.DeviceName,
		Avatar:     info.Avatar,
		DeviceID:   info.ID,
		LastSeen:   time.Now().Unix(),
	}

	if err := c.store.AddDevice(d); err != nil {
		c.logger.Warn("saving device", slog.String("device_id", info.ID), slog.String("error", err.Error()))
		return
	}

	c.logger.Info("peer identified", slog.String("device_id", info.ID), slog.String("name", info.DeviceName))
}

func (c *Controller) notifyMessage(msg protocol.Message) {
	c.listenerMu.RLock()
	listeners := c.msgListeners
	c.listenerMu.RUnlock()

	for _, fn := range listeners {
		c.safeCall(string(msg.Kind()), func() { fn(msg) })
	}
}

func (c *Controller) notifyStatus(connected bool) {
	c.listenerMu.RLock()
	listeners := c.statusListeners
	c.listenerMu.RUnlock()

	for _, fn := range listeners {
		c.safeCall("status", func() { fn(connected) })
	}
}

// safeCall keeps a panicking listener from taking down the caller.
func (c *Controller) safeCall(what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("listener panicked", slog.String("event", what), slog.Any("panic", p))
		}
	}()

	fn()
}

// closedChan returns a channel closed when the current connection ends.
func (c *Controller) closedChan() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed == nil || c.phase != PhaseOpen {
		ch := make(chan struct{})
		close(ch)

		return ch
	}

	return c.closed
}
