// Package dispatch routes decoded messages to at most one handler per
// message kind.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync"

	syncerr "github.com/alexjbarnes/device-sync/internal/errors"
	"github.com/alexjbarnes/device-sync/internal/protocol"
)

// Handler consumes one inbound message.
type Handler func(protocol.Message)

// Registry maps message kinds to handlers. It is safe for concurrent
// use; registration may happen while a connection is delivering.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[protocol.Kind]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		handlers: make(map[protocol.Kind]Handler),
	}
}

// Register installs h for kind, replacing any previous handler.
func (r *Registry) Register(kind protocol.Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[kind]; ok {
		r.logger.Debug("replacing handler", slog.String("kind", string(kind)))
	}

	r.handlers[kind] = h
}

// Unregister removes the handler for kind, if any.
func (r *Registry) Unregister(kind protocol.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.handlers, kind)
}

// Has reports whether a handler is registered for kind.
func (r *Registry) Has(kind protocol.Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.handlers[kind]

	return ok
}

// On registers a typed handler for the message type T.
func On[T protocol.Message](r *Registry, fn func(T)) {
	var zero T

	r.Register(zero.Kind(), func(msg protocol.Message) {
		if v, ok := msg.(T); ok {
			fn(v)
		}
	})
}

// Dispatch delivers msg to its handler. A missing handler returns
// ErrUnhandledMessageType. A panicking handler is recovered and reported
// as ErrHandlerPanic so the caller's loop keeps running.
func (r *Registry) Dispatch(msg protocol.Message) (err error) {
	r.mu.RLock()
	h, ok := r.handlers[msg.Kind()]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("no handler registered", slog.String("kind", string(msg.Kind())))
		return fmt.Errorf("%w: %s", syncerr.ErrUnhandledMessageType, msg.Kind())
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panicked",
				slog.String("kind", string(msg.Kind())),
				slog.Any("panic", p),
			)

			err = fmt.Errorf("%w: %s: %v", syncerr.ErrHandlerPanic, msg.Kind(), p)
		}
	}()

	h(msg)

	return nil
}
