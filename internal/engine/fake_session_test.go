package engine

import (
	"context"
	"fmt"
	"sync"

	syncerr "github.com/alexjbarnes/device-sync/internal/errors"
	"github.com/alexjbarnes/device-sync/internal/protocol"
	"github.com/alexjbarnes/device-sync/internal/transport"
)

// fakeSession is an in-memory Session. Inbound frames are injected with
// deliver; connection loss with drop.
type fakeSession struct {
	mu          sync.Mutex
	calls       []string
	connectErrs []error
	sendErr     error
	sent        [][]byte
	connected   bool
	onFrame     func([]byte)
	onClosed    func(error)

	// endOnStart ends the next receive loops, one entry per loop, before
	// ReceiveLoop returns. A nil entry starts the loop normally.
	endOnStart []error
	// loopErr fails the next ReceiveLoop call.
	loopErr error
}

func (f *fakeSession) Connect(_ context.Context, addr transport.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "connect "+addr.String())

	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]

		if err != nil {
			return err
		}
	}

	f.connected = true

	return nil
}

func (f *fakeSession) ReceiveLoop(onFrame func([]byte), onClosed func(error)) error {
	f.mu.Lock()

	if !f.connected {
		f.mu.Unlock()
		return syncerr.ErrNotConnected
	}

	if f.loopErr != nil {
		f.mu.Unlock()
		return f.loopErr
	}

	f.onFrame = onFrame
	f.onClosed = onClosed

	var endErr error
	if len(f.endOnStart) > 0 {
		endErr = f.endOnStart[0]
		f.endOnStart = f.endOnStart[1:]
	}

	if endErr == nil {
		f.mu.Unlock()
		return nil
	}

	cb := f.release()
	f.mu.Unlock()

	cb(endErr)

	return nil
}

func (f *fakeSession) Send(_ context.Context, data []byte) error {
	f.mu.Lock()

	if !f.connected {
		f.mu.Unlock()
		return syncerr.ErrNotConnected
	}

	if f.sendErr != nil {
		err := fmt.Errorf("%w: %w", syncerr.ErrWriteFailed, f.sendErr)
		cb := f.release()
		f.mu.Unlock()

		if cb != nil {
			cb(err)
		}

		return err
	}

	f.sent = append(f.sent, data)
	f.mu.Unlock()

	return nil
}

func (f *fakeSession) Disconnect() error {
	f.mu.Lock()

	if !f.connected {
		f.mu.Unlock()
		return nil
	}

	f.calls = append(f.calls, "disconnect")
	cb := f.release()
	f.mu.Unlock()

	if cb != nil {
		cb(nil)
	}

	return nil
}

// release drops the connection and returns its onClosed. Callers hold mu.
func (f *fakeSession) release() func(error) {
	cb := f.onClosed
	f.connected = false
	f.onClosed = nil
	f.onFrame = nil

	return cb
}

func (f *fakeSession) deliver(frame []byte) {
	f.mu.Lock()
	fn := f.onFrame
	f.mu.Unlock()

	if fn != nil {
		fn(frame)
	}
}

func (f *fakeSession) deliverMsg(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		panic(err)
	}

	f.deliver(data)
}

func (f *fakeSession) drop(reason error) {
	f.mu.Lock()
	cb := f.release()
	f.mu.Unlock()

	if cb != nil {
		cb(reason)
	}
}

func (f *fakeSession) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

func (f *fakeSession) sentMessages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]protocol.Message, 0, len(f.sent))

	for _, data := range f.sent {
		msg, err := protocol.Decode(data)
		if err != nil {
			panic(err)
		}

		out = append(out, msg)
	}

	return out
}

func (f *fakeSession) count(call string) int {
	n := 0

	for _, c := range f.callLog() {
		if c == call {
			n++
		}
	}

	return n
}
