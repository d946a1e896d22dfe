// Package transport owns the duplex WebSocket connection to one paired
// device at a time.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	syncerr "github.com/alexjbarnes/device-sync/internal/errors"
	"github.com/coder/websocket"
)

//go:generate mockgen -source=session.go -destination=mock_conn_test.go -package=transport

const (
	// DefaultServiceName is the URL path the device serves the socket on.
	DefaultServiceName = "socket"

	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second

	// defaultReadLimit covers a base64 chunk of the largest chunk size
	// with room for the JSON envelope.
	defaultReadLimit = 16 * 1024 * 1024
)

// errDisconnected is the cancel cause for an explicit Disconnect. The
// receive loop reports it to onClosed as a nil reason.
var errDisconnected = errors.New("disconnected")

// Conn abstracts the WebSocket connection so Session can be tested
// without a real peer. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// DialFunc opens a connection to a WebSocket URL.
type DialFunc func(ctx context.Context, url string) (Conn, error)

func dialWebSocket(ctx context.Context, u string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, u, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Config holds the tunables of a Session. Zero values fall back to
// defaults.
type Config struct {
	ServiceName  string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	Dial         DialFunc
}

// Session owns at most one live connection. Sends may come from any
// goroutine and are serialized by writeMu. Exactly one receive loop runs
// per connection.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	conn       Conn
	addr       Address
	loopCancel context.CancelCauseFunc

	writeMu sync.Mutex
}

// NewSession creates a disconnected Session.
func NewSession(cfg Config, logger *slog.Logger) *Session {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}

	if cfg.Dial == nil {
		cfg.Dial = dialWebSocket
	}

	return &Session{cfg: cfg, logger: logger}
}

// URL returns the WebSocket URL for addr.
func (s *Session) URL(addr Address) string {
	u := url.URL{
		Scheme: "ws",
		Host:   addr.String(),
		Path:   "/" + strings.TrimPrefix(s.cfg.ServiceName, "/"),
	}

	return u.String()
}

// Connect dials addr. A live connection is torn down first, so calling
// Connect twice leaves exactly one connection open.
func (s *Session) Connect(ctx context.Context, addr Address) error {
	if err := addr.Validate(); err != nil {
		return err
	}

	if s.Connected() {
		s.logger.Debug("replacing existing connection", slog.String("addr", s.Addr().String()))

		if err := s.Disconnect(); err != nil {
			return err
		}
	}

	u := s.URL(addr)
	s.logger.Debug("connecting", slog.String("url", u))

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	conn, err := s.cfg.Dial(dialCtx, u)
	if err != nil {
		return classifyDialError(u, err)
	}

	conn.SetReadLimit(s.cfg.ReadLimit)

	s.mu.Lock()
	s.conn = conn
	s.addr = addr
	s.loopCancel = nil
	s.mu.Unlock()

	s.logger.Info("websocket connected", slog.String("url", u))

	return nil
}

// classifyDialError maps a dial failure onto the connection error
// taxonomy, keeping the original error in the chain.
func classifyDialError(u string, err error) error {
	var (
		kind   error
		netErr net.Error
	)

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = syncerr.ErrConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		kind = syncerr.ErrNetworkUnreachable
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		kind = syncerr.ErrTimeout
	default:
		return fmt.Errorf("dialing %s: %w", u, err)
	}

	return fmt.Errorf("dialing %s: %w: %w", u, kind, err)
}

// Send writes data as one text frame. A write error tears the
// connection down; later calls return ErrNotConnected until the next
// Connect.
func (s *Session) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return syncerr.ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		werr := fmt.Errorf("%w: %w", syncerr.ErrWriteFailed, err)
		s.logger.Warn("write failed, closing connection", slog.String("error", err.Error()))
		s.closeConn(conn, werr, websocket.StatusInternalError, "write failed")

		return werr
	}

	return nil
}

// ReceiveLoop starts the reader goroutine for the current connection.
// onFrame receives every text frame in arrival order on that goroutine.
// onClosed runs exactly once when the loop ends: with nil after
// Disconnect, otherwise with the reason the connection was lost.
func (s *Session) ReceiveLoop(onFrame func([]byte), onClosed func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return syncerr.ErrNotConnected
	}

	if s.loopCancel != nil {
		return syncerr.ErrLoopRunning
	}

	// The loop context is not derived from any caller context: the loop
	// lives as long as the connection and stops only via closeConn.
	loopCtx, cancel := context.WithCancelCause(context.Background())
	s.loopCancel = cancel
	conn := s.conn

	go s.readLoop(loopCtx, conn, onFrame, onClosed)

	return nil
}

func (s *Session) readLoop(ctx context.Context, conn Conn, onFrame func([]byte), onClosed func(error)) {
	var reason error

	defer func() {
		s.release(conn)

		if onClosed != nil {
			onClosed(reason)
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			reason = s.readFailure(ctx, err)
			return
		}

		if typ != websocket.MessageText {
			s.logger.Debug("skipping binary frame", slog.Int("bytes", len(data)))
			continue
		}

		onFrame(data)
	}
}

func (s *Session) readFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, errDisconnected) {
			return nil
		}

		return cause
	}

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.logger.Info("peer closed connection", slog.String("error", err.Error()))
		return fmt.Errorf("peer closed connection: %w", err)
	}

	s.logger.Warn("read failed", slog.String("error", err.Error()))

	return fmt.Errorf("reading frame: %w", err)
}

// release drops conn after its reader exits on its own, unless
// Disconnect or a write failure already did.
func (s *Session) release(conn Conn) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}

	s.conn = nil
	s.loopCancel = nil
	s.mu.Unlock()

	if err := conn.Close(websocket.StatusGoingAway, "read failed"); err != nil {
		s.logger.Debug("closing websocket after read failure", slog.String("error", err.Error()))
	}
}

// Disconnect closes the connection and stops the receive loop. A read
// blocked in the loop is aborted through its context. Calling it
// without a connection is a no-op.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	s.closeConn(conn, errDisconnected, websocket.StatusNormalClosure, "bye")
	s.logger.Info("websocket disconnected")

	return nil
}

// closeConn tears conn down once. The first caller wins; later callers
// for the same conn find it already cleared.
func (s *Session) closeConn(conn Conn, cause error, code websocket.StatusCode, reason string) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}

	cancel := s.loopCancel
	s.conn = nil
	s.loopCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel(cause)
	}

	if err := conn.Close(code, reason); err != nil {
		s.logger.Debug("closing websocket", slog.String("error", err.Error()))
	}
}

// Connected reports whether a connection is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn != nil
}

// Addr returns the address of the current or most recent connection.
func (s *Session) Addr() Address {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addr
}
