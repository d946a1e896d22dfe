// Package protocol defines the messages exchanged with a paired device
// and the codec that maps them to and from WebSocket text frames.
package protocol

import (
	"fmt"
)

// Kind is the discriminator of a Message. It is written as the "type"
// field of every frame and used as the dispatch key.
type Kind string

const (
	KindResponse           Kind = "response"
	KindClipboard          Kind = "clipboard"
	KindNotification       Kind = "notification"
	KindDeviceInfo         Kind = "deviceInfo"
	KindDeviceStatus       Kind = "deviceStatus"
	KindPlaybackSnapshot   Kind = "playbackSnapshot"
	KindPlaybackCommand    Kind = "playbackCommand"
	KindFileTransfer       Kind = "fileTransfer"
	KindCommand            Kind = "command"
	KindInteractiveControl Kind = "interactiveControl"
)

// Kinds lists every message kind in wire order of declaration.
var Kinds = []Kind{
	KindResponse,
	KindClipboard,
	KindNotification,
	KindDeviceInfo,
	KindDeviceStatus,
	KindPlaybackSnapshot,
	KindPlaybackCommand,
	KindFileTransfer,
	KindCommand,
	KindInteractiveControl,
}

// Message is the closed set of frames the engine understands. Only types
// in this package implement it.
type Message interface {
	Kind() Kind
	validate() error
}

// Response is a generic reply to a request, such as a command result.
type Response struct {
	ResultType string `json:"resultType"`
	Content    string `json:"content,omitempty"`
}

func (Response) Kind() Kind { return KindResponse }

func (m Response) validate() error {
	if m.ResultType == "" {
		return fmt.Errorf("response: resultType is required")
	}

	return nil
}

// Clipboard carries clipboard text in either direction.
type Clipboard struct {
	Content string `json:"content"`
}

func (Clipboard) Kind() Kind { return KindClipboard }

func (Clipboard) validate() error { return nil }

// NotificationType says whether a notification is being listed, newly
// posted, or dismissed.
type NotificationType string

const (
	NotificationActive  NotificationType = "ACTIVE"
	NotificationNew     NotificationType = "NEW"
	NotificationRemoved NotificationType = "REMOVED"
)

// NotificationAction is a button the user can press on a mirrored
// notification.
type NotificationAction struct {
	Label    string `json:"label"`
	ActionID string `json:"actionId"`
}

// ConversationMessage is one line of a messaging-style notification.
type ConversationMessage struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// Notification mirrors a notification posted on the device. Key and Tag
// identify the same notification across ACTIVE, NEW and REMOVED events.
type Notification struct {
	Type       NotificationType      `json:"notificationType"`
	Key        string                `json:"key"`
	AppName    string                `json:"appName"`
	Title      string                `json:"title,omitempty"`
	Text       string                `json:"text,omitempty"`
	GroupKey   string                `json:"groupKey,omitempty"`
	Tag        string                `json:"tag,omitempty"`
	AppIcon    string                `json:"appIcon,omitempty"`
	LargeIcon  string                `json:"largeIcon,omitempty"`
	BigPicture string                `json:"bigPicture,omitempty"`
	Actions    []NotificationAction  `json:"actions,omitempty"`
	Messages   []ConversationMessage `json:"messages,omitempty"`
	Timestamp  int64                 `json:"timestamp"`
}

func (Notification) Kind() Kind { return KindNotification }

// Identity returns the key under which this notification instance is
// tracked. Tag disambiguates notifications an app posts under one key.
func (m Notification) Identity() string {
	if m.Tag == "" {
		return m.Key
	}

	return m.Key + "|" + m.Tag
}

func (m Notification) validate() error {
	switch m.Type {
	case NotificationActive, NotificationNew, NotificationRemoved:
	default:
		return fmt.Errorf("notification: unknown notificationType %q", m.Type)
	}

	if m.Key == "" {
		return fmt.Errorf("notification: key is required")
	}

	if m.AppName == "" {
		return fmt.Errorf("notification: appName is required")
	}

	return nil
}

// DeviceInfo identifies the peer. Sent by both sides after connecting.
type DeviceInfo struct {
	ID         string `json:"id"`
	DeviceName string `json:"deviceName,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
}

func (DeviceInfo) Kind() Kind { return KindDeviceInfo }

func (m DeviceInfo) validate() error {
	if m.ID == "" {
		return fmt.Errorf("deviceInfo: id is required")
	}

	return nil
}

// DeviceStatus reports battery and radio state. Every field is optional;
// nil means the device did not report it.
type DeviceStatus struct {
	BatteryPct  *int  `json:"batteryPct,omitempty"`
	Charging    *bool `json:"charging,omitempty"`
	WifiOn      *bool `json:"wifiOn,omitempty"`
	BluetoothOn *bool `json:"bluetoothOn,omitempty"`
}

func (DeviceStatus) Kind() Kind { return KindDeviceStatus }

func (m DeviceStatus) validate() error {
	if m.BatteryPct != nil && (*m.BatteryPct < 0 || *m.BatteryPct > 100) {
		return fmt.Errorf("deviceStatus: batteryPct %d out of range", *m.BatteryPct)
	}

	return nil
}

// PlaybackSnapshot is the current media session state. It is never
// reused as an outbound command; see PlaybackCommand.
type PlaybackSnapshot struct {
	AppName    string `json:"appName,omitempty"`
	TrackTitle string `json:"trackTitle"`
	Artist     string `json:"artist,omitempty"`
	Thumbnail  string `json:"thumbnail,omitempty"`
	Volume     *int   `json:"volume,omitempty"`
	IsPlaying  bool   `json:"isPlaying"`
}

func (PlaybackSnapshot) Kind() Kind { return KindPlaybackSnapshot }

func (m PlaybackSnapshot) validate() error {
	if m.TrackTitle == "" {
		return fmt.Errorf("playbackSnapshot: trackTitle is required")
	}

	if m.Volume != nil && (*m.Volume < 0 || *m.Volume > 100) {
		return fmt.Errorf("playbackSnapshot: volume %d out of range", *m.Volume)
	}

	return nil
}

// MediaAction is a media control intent.
type MediaAction string

const (
	MediaResume MediaAction = "RESUME"
	MediaPause  MediaAction = "PAUSE"
	MediaNext   MediaAction = "NEXT"
	MediaPrev   MediaAction = "PREV"
	MediaVolume MediaAction = "VOLUME"
)

// PlaybackCommand asks the peer to act on its media session. Volume is
// only meaningful, and then required, for MediaVolume.
type PlaybackCommand struct {
	Action MediaAction `json:"action"`
	Volume *int        `json:"volume,omitempty"`
}

func (PlaybackCommand) Kind() Kind { return KindPlaybackCommand }

func (m PlaybackCommand) validate() error {
	switch m.Action {
	case MediaResume, MediaPause, MediaNext, MediaPrev:
		if m.Volume != nil {
			return fmt.Errorf("playbackCommand: volume only allowed with %s", MediaVolume)
		}
	case MediaVolume:
		if m.Volume == nil {
			return fmt.Errorf("playbackCommand: volume is required for %s", MediaVolume)
		}

		if *m.Volume < 0 || *m.Volume > 100 {
			return fmt.Errorf("playbackCommand: volume %d out of range", *m.Volume)
		}
	default:
		return fmt.Errorf("playbackCommand: unknown action %q", m.Action)
	}

	return nil
}

// TransferType distinguishes the three frames of a file transfer.
type TransferType string

const (
	TransferMetadata TransferType = "METADATA"
	TransferChunk    TransferType = "CHUNK"
	TransferComplete TransferType = "COMPLETE"
)

// FileMetadata describes the file that follows.
type FileMetadata struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType,omitempty"`
	FileSize int64  `json:"fileSize"`
	URI      string `json:"uri,omitempty"`
}

// FileTransfer is one frame of the chunked file sub-protocol. A
// METADATA frame may embed the whole file in ChunkData for small
// payloads. TransferID and Offset are optional; peers that omit them
// are limited to one inbound transfer at a time.
type FileTransfer struct {
	TransferType TransferType  `json:"dataTransferType"`
	TransferID   string        `json:"transferId,omitempty"`
	Metadata     *FileMetadata `json:"metadata,omitempty"`
	ChunkData    string        `json:"chunkData,omitempty"`
	Offset       *int64        `json:"offset,omitempty"`
}

func (FileTransfer) Kind() Kind { return KindFileTransfer }

func (m FileTransfer) validate() error {
	switch m.TransferType {
	case TransferMetadata:
		if m.Metadata == nil {
			return fmt.Errorf("fileTransfer: metadata is required for %s", TransferMetadata)
		}

		if m.Metadata.FileName == "" {
			return fmt.Errorf("fileTransfer: metadata.fileName is required")
		}

		if m.Metadata.FileSize < 0 {
			return fmt.Errorf("fileTransfer: negative fileSize %d", m.Metadata.FileSize)
		}
	case TransferChunk:
		if m.ChunkData == "" {
			return fmt.Errorf("fileTransfer: chunkData is required for %s", TransferChunk)
		}

		if m.Offset != nil && *m.Offset < 0 {
			return fmt.Errorf("fileTransfer: negative offset %d", *m.Offset)
		}
	case TransferComplete:
	default:
		return fmt.Errorf("fileTransfer: unknown dataTransferType %q", m.TransferType)
	}

	return nil
}

// CommandType names a command sent between host and device.
type CommandType string

// Commands understood by the host binary. Other values are passed
// through to the registered command handler untouched.
const (
	CommandSyncOn  CommandType = "SYNC_ON"
	CommandSyncOff CommandType = "SYNC_OFF"
)

// Command is a named instruction without payload.
type Command struct {
	CommandType CommandType `json:"commandType"`
}

func (Command) Kind() Kind { return KindCommand }

func (m Command) validate() error {
	if m.CommandType == "" {
		return fmt.Errorf("command: commandType is required")
	}

	return nil
}

// Ptr returns a pointer to v, for the optional fields above.
func Ptr[T any](v T) *T {
	return &v
}
