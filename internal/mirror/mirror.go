// Package mirror keeps the host-side picture of the paired device:
// its notifications, media session, battery and radios, clipboard and
// recent file transfers.
package mirror

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alexjbarnes/device-sync/internal/dispatch"
	"github.com/alexjbarnes/device-sync/internal/protocol"
	"github.com/alexjbarnes/device-sync/internal/transfer"
)

// maxTransfers is how many finished or aborted transfers are kept.
const maxTransfers = 20

// Clipboard is the last clipboard text received from the device.
type Clipboard struct {
	Content    string
	ReceivedAt time.Time
}

// Mirror is fed by dispatch handlers and read by the MCP tools.
type Mirror struct {
	logger *slog.Logger

	mu            sync.RWMutex
	notifications map[string]protocol.Notification
	playback      *protocol.PlaybackSnapshot
	status        *protocol.DeviceStatus
	peer          *protocol.DeviceInfo
	clipboard     *Clipboard
	lastResponse  *protocol.Response
	transfers     []transfer.Event
	progress      map[string]transfer.Event
}

// New creates an empty Mirror.
func New(logger *slog.Logger) *Mirror {
	return &Mirror{
		logger:        logger,
		notifications: make(map[string]protocol.Notification),
		progress:      make(map[string]transfer.Event),
	}
}

// Register installs the mirror's handlers. FileTransfer is not among
// them; transfer events arrive through HandleTransfer.
func (m *Mirror) Register(reg *dispatch.Registry) {
	dispatch.On(reg, m.HandleNotification)
	dispatch.On(reg, m.HandlePlayback)
	dispatch.On(reg, m.HandleStatus)
	dispatch.On(reg, m.HandleDeviceInfo)
	dispatch.On(reg, m.HandleClipboard)
	dispatch.On(reg, m.HandleResponse)
}

// HandleNotification applies one notification event. ACTIVE and NEW
// insert or replace; REMOVED deletes.
func (m *Mirror) HandleNotification(n protocol.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := n.Identity()

	switch n.Type {
	case protocol.NotificationRemoved:
		delete(m.notifications, id)
		m.logger.Debug("notification removed", slog.String("id", id))
	default:
		m.notifications[id] = n
		m.logger.Debug("notification", slog.String("id", id), slog.String("app", n.AppName))
	}
}

func (m *Mirror) HandlePlayback(p protocol.PlaybackSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.playback = &p
}

func (m *Mirror) HandleStatus(s protocol.DeviceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status = &s
}

func (m *Mirror) HandleDeviceInfo(d protocol.DeviceInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peer = &d
}

func (m *Mirror) HandleClipboard(c protocol.Clipboard) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clipboard = &Clipboard{Content: c.Content, ReceivedAt: time.Now()}
}

func (m *Mirror) HandleResponse(r protocol.Response) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastResponse = &r
}

// HandleTransfer records a receiver event.
func (m *Mirror) HandleTransfer(ev transfer.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Kind == transfer.EventProgress {
		m.progress[ev.TransferID] = ev
		return
	}

	delete(m.progress, ev.TransferID)

	m.transfers = append(m.transfers, ev)
	if len(m.transfers) > maxTransfers {
		m.transfers = m.transfers[len(m.transfers)-maxTransfers:]
	}
}

// Reset forgets per-connection state. The device resends its active
// notifications and media state after reconnecting. Clipboard, peer
// identity and transfer history survive.
func (m *Mirror) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.notifications)
	clear(m.progress)
	m.playback = nil
	m.status = nil
}

// Notifications returns the active notifications, newest first.
func (m *Mirror) Notifications() []protocol.Notification {
	m.mu.RLock()
	out := make([]protocol.Notification, 0, len(m.notifications))

	for _, n := range m.notifications {
		out = append(out, n)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}

		return out[i].Identity() < out[j].Identity()
	})

	return out
}

// Notification looks up one active notification by identity.
func (m *Mirror) Notification(id string) (protocol.Notification, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.notifications[id]

	return n, ok
}

func (m *Mirror) Playback() (protocol.PlaybackSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.playback == nil {
		return protocol.PlaybackSnapshot{}, false
	}

	return *m.playback, true
}

func (m *Mirror) Status() (protocol.DeviceStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.status == nil {
		return protocol.DeviceStatus{}, false
	}

	return *m.status, true
}

func (m *Mirror) Peer() (protocol.DeviceInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.peer == nil {
		return protocol.DeviceInfo{}, false
	}

	return *m.peer, true
}

func (m *Mirror) Clipboard() (Clipboard, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.clipboard == nil {
		return Clipboard{}, false
	}

	return *m.clipboard, true
}

func (m *Mirror) LastResponse() (protocol.Response, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.lastResponse == nil {
		return protocol.Response{}, false
	}

	return *m.lastResponse, true
}

// Transfers returns finished and aborted transfers, oldest first.
func (m *Mirror) Transfers() []transfer.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]transfer.Event(nil), m.transfers...)
}

// InFlight returns the latest progress event of every active transfer.
func (m *Mirror) InFlight() []transfer.Event {
	m.mu.RLock()
	out := make([]transfer.Event, 0, len(m.progress))

	for _, ev := range m.progress {
		out = append(out, ev)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TransferID < out[j].TransferID })

	return out
}
