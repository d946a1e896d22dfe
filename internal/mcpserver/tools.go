// Package mcpserver registers MCP tools that expose the paired device:
// its mirrored state, outbound messages (clipboard, media, gestures,
// notifications and files), known devices and the sync toggle.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alexjbarnes/device-sync/internal/engine"
	"github.com/alexjbarnes/device-sync/internal/mirror"
	"github.com/alexjbarnes/device-sync/internal/protocol"
	"github.com/alexjbarnes/device-sync/internal/state"
	"github.com/alexjbarnes/device-sync/internal/transfer"
	"github.com/alexjbarnes/device-sync/internal/transport"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultNotificationLimit caps list_notifications when no limit is given.
const defaultNotificationLimit = 50

// Controller is the part of engine.Controller the tools drive.
type Controller interface {
	Phase() engine.Phase
	Addr() transport.Address
	LastError() error
	SyncEnabled() bool
	Send(ctx context.Context, msg protocol.Message) error
	SetSyncEnabled(ctx context.Context, enabled bool) error
}

// FileSender streams a local file to the device.
type FileSender interface {
	SendFile(ctx context.Context, path string) (string, error)
}

// DeviceLister returns the devices seen so far.
type DeviceLister interface {
	Devices() ([]state.Device, error)
}

// Deps holds what the tools read from and act on.
type Deps struct {
	Controller Controller
	Mirror     *mirror.Mirror
	Files      FileSender
	Devices    DeviceLister
	Logger     *slog.Logger
}

// RegisterTools adds all device tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "device_status",
		Description: "Connection phase, peer identity, battery and radio state, current media session, last clipboard text and recent file transfers of the paired device.",
	}, statusHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_notifications",
		Description: "List notifications currently shown on the device, newest first. Optionally filter by app name.",
	}, notificationsHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "send_clipboard",
		Description: "Put text on the device clipboard.",
	}, clipboardHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "media_control",
		Description: "Control media playback on the device. Actions: RESUME, PAUSE, NEXT, PREV, VOLUME (with volume 0-100).",
	}, mediaHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "send_gesture",
		Description: "Perform a gesture on the device screen. Kinds: tap, hold, scroll, swipe, keyboard. Coordinates are normalized 0-1 against a width x height frame.",
	}, gestureHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "send_notification",
		Description: "Post, update or remove a notification on the device. Reusing a key updates that notification.",
	}, notificationHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "send_file",
		Description: "Send a file from the host to the device. The path must be absolute and readable by the host process.",
	}, fileHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_devices",
		Description: "List devices this host has connected to, most recently seen first.",
	}, devicesHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "set_sync",
		Description: "Enable or disable syncing with the device. Enabling while connected restarts the connection.",
	}, syncHandler(d))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// NotificationsInput holds parameters for list_notifications.
type NotificationsInput struct {
	App   string `json:"app,omitempty" jsonschema:"only notifications from this app (case-insensitive)"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of notifications, defaults to 50"`
}

// ClipboardInput holds parameters for send_clipboard.
type ClipboardInput struct {
	Content string `json:"content" jsonschema:"text to place on the device clipboard"`
}

// MediaInput holds parameters for media_control.
type MediaInput struct {
	Action string `json:"action" jsonschema:"one of RESUME, PAUSE, NEXT, PREV, VOLUME"`
	Volume *int   `json:"volume,omitempty" jsonschema:"volume 0-100, only for VOLUME"`
}

// GestureInput holds parameters for send_gesture. Which fields apply
// depends on Kind.
type GestureInput struct {
	Kind       string  `json:"kind" jsonschema:"one of tap, hold, scroll, swipe, keyboard"`
	X          float64 `json:"x,omitempty" jsonschema:"normalized x of the touch point, or swipe start"`
	Y          float64 `json:"y,omitempty" jsonschema:"normalized y of the touch point, or swipe start"`
	EndX       float64 `json:"end_x,omitempty" jsonschema:"normalized x where a swipe ends"`
	EndY       float64 `json:"end_y,omitempty" jsonschema:"normalized y where a swipe ends"`
	DeltaX     float64 `json:"delta_x,omitempty" jsonschema:"horizontal scroll, -1 to 1"`
	DeltaY     float64 `json:"delta_y,omitempty" jsonschema:"vertical scroll, -1 to 1"`
	DurationMs int64   `json:"duration_ms,omitempty" jsonschema:"length of a hold or swipe in milliseconds"`
	Text       string  `json:"text,omitempty" jsonschema:"text to type, for keyboard"`
	KeyCode    int     `json:"key_code,omitempty" jsonschema:"single key code to press, for keyboard"`
	Width      int     `json:"width" jsonschema:"frame width in pixels"`
	Height     int     `json:"height" jsonschema:"frame height in pixels"`
}

// NotificationInput holds parameters for send_notification.
type NotificationInput struct {
	Key   string `json:"key,omitempty" jsonschema:"notification key, generated when empty"`
	App   string `json:"app" jsonschema:"app name shown on the notification"`
	Title string `json:"title,omitempty" jsonschema:"notification title"`
	Text  string `json:"text,omitempty" jsonschema:"notification body"`
	Type  string `json:"type,omitempty" jsonschema:"NEW (default), ACTIVE or REMOVED"`
}

// FileInput holds parameters for send_file.
type FileInput struct {
	Path string `json:"path" jsonschema:"absolute path of the file to send"`
}

// DevicesInput has no parameters.
type DevicesInput struct{}

// SyncInput holds parameters for set_sync.
type SyncInput struct {
	Enabled bool `json:"enabled" jsonschema:"true to sync with the device, false to stop"`
}

// --- Output types ---

// TransferInfo is a file transfer as reported to MCP clients.
type TransferInfo struct {
	TransferID    string `json:"transfer_id"`
	State         string `json:"state"`
	FileName      string `json:"file_name"`
	Percent       int    `json:"percent"`
	BytesReceived int64  `json:"bytes_received"`
	FileSize      int64  `json:"file_size"`
	Path          string `json:"path,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ClipboardInfo is the last clipboard text received from the device.
type ClipboardInfo struct {
	Content    string `json:"content"`
	ReceivedAt string `json:"received_at"`
}

// StatusResult is returned by device_status.
type StatusResult struct {
	Phase       string                     `json:"phase"`
	Connected   bool                       `json:"connected"`
	Address     string                     `json:"address,omitempty"`
	LastError   string                     `json:"last_error,omitempty"`
	SyncEnabled bool                       `json:"sync_enabled"`
	Peer        *protocol.DeviceInfo       `json:"peer,omitempty"`
	Status      *protocol.DeviceStatus     `json:"status,omitempty"`
	Playback    *protocol.PlaybackSnapshot `json:"playback,omitempty"`
	Clipboard   *ClipboardInfo             `json:"clipboard,omitempty"`
	InFlight    []TransferInfo             `json:"in_flight,omitempty"`
	Transfers   []TransferInfo             `json:"transfers,omitempty"`
}

// NotificationsResult is returned by list_notifications.
type NotificationsResult struct {
	Total         int                     `json:"total"`
	Notifications []protocol.Notification `json:"notifications"`
}

// SendResult is returned by tools that send a message to the device.
type SendResult struct {
	Sent       bool   `json:"sent"`
	Kind       string `json:"kind"`
	TransferID string `json:"transfer_id,omitempty"`
	Key        string `json:"key,omitempty"`
}

// DevicesResult is returned by list_devices.
type DevicesResult struct {
	Devices []state.Device `json:"devices"`
}

// SyncResult is returned by set_sync.
type SyncResult struct {
	SyncEnabled bool   `json:"sync_enabled"`
	Phase       string `json:"phase"`
}

// --- Handlers ---

func statusHandler(d Deps) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		phase := d.Controller.Phase()

		result := &StatusResult{
			Phase:       phase.String(),
			Connected:   phase == engine.PhaseOpen,
			SyncEnabled: d.Controller.SyncEnabled(),
			InFlight:    transferInfos(d.Mirror.InFlight()),
			Transfers:   transferInfos(d.Mirror.Transfers()),
		}

		if addr := d.Controller.Addr(); !addr.IsZero() {
			result.Address = addr.String()
		}

		if err := d.Controller.LastError(); err != nil {
			result.LastError = err.Error()
		}

		if peer, ok := d.Mirror.Peer(); ok {
			result.Peer = &peer
		}

		if st, ok := d.Mirror.Status(); ok {
			result.Status = &st
		}

		if pb, ok := d.Mirror.Playback(); ok {
			result.Playback = &pb
		}

		if cb, ok := d.Mirror.Clipboard(); ok {
			result.Clipboard = &ClipboardInfo{
				Content:    cb.Content,
				ReceivedAt: cb.ReceivedAt.UTC().Format("2006-01-02T15:04:05Z"),
			}
		}

		return textResult(result), result, nil
	}
}

func notificationsHandler(d Deps) mcp.ToolHandlerFor[NotificationsInput, *NotificationsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input NotificationsInput) (*mcp.CallToolResult, *NotificationsResult, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = defaultNotificationLimit
		}

		all := d.Mirror.Notifications()
		out := make([]protocol.Notification, 0, min(limit, len(all)))

		for _, n := range all {
			if input.App != "" && !strings.EqualFold(n.AppName, input.App) {
				continue
			}

			if len(out) == limit {
				break
			}

			out = append(out, n)
		}

		result := &NotificationsResult{Total: len(out), Notifications: out}

		return textResult(result), result, nil
	}
}

func clipboardHandler(d Deps) mcp.ToolHandlerFor[ClipboardInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ClipboardInput) (*mcp.CallToolResult, *SendResult, error) {
		msg := protocol.Clipboard{Content: input.Content}
		if err := d.Controller.Send(ctx, msg); err != nil {
			return nil, nil, fmt.Errorf("sending clipboard: %w", err)
		}

		result := &SendResult{Sent: true, Kind: string(msg.Kind())}

		return textResult(result), result, nil
	}
}

func mediaHandler(d Deps) mcp.ToolHandlerFor[MediaInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MediaInput) (*mcp.CallToolResult, *SendResult, error) {
		msg := protocol.PlaybackCommand{
			Action: protocol.MediaAction(strings.ToUpper(input.Action)),
			Volume: input.Volume,
		}

		if err := d.Controller.Send(ctx, msg); err != nil {
			return nil, nil, fmt.Errorf("sending media command: %w", err)
		}

		result := &SendResult{Sent: true, Kind: string(msg.Kind())}

		return textResult(result), result, nil
	}
}

func gestureHandler(d Deps) mcp.ToolHandlerFor[GestureInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input GestureInput) (*mcp.CallToolResult, *SendResult, error) {
		control, err := gestureControl(input)
		if err != nil {
			return nil, nil, err
		}

		msg := protocol.InteractiveControl{Control: control}
		if err := d.Controller.Send(ctx, msg); err != nil {
			return nil, nil, fmt.Errorf("sending %s gesture: %w", input.Kind, err)
		}

		result := &SendResult{Sent: true, Kind: string(msg.Kind())}

		return textResult(result), result, nil
	}
}

// gestureControl maps a tool gesture onto its wire control. Range checks
// happen when the message is encoded.
func gestureControl(in GestureInput) (protocol.Control, error) {
	frame := protocol.Frame{Width: in.Width, Height: in.Height}

	switch strings.ToLower(in.Kind) {
	case "tap":
		return protocol.SingleTap{X: in.X, Y: in.Y, Frame: frame}, nil
	case "hold":
		return protocol.HoldTap{X: in.X, Y: in.Y, DurationMs: in.DurationMs, Frame: frame}, nil
	case "scroll":
		return protocol.ScrollEvent{X: in.X, Y: in.Y, DeltaX: in.DeltaX, DeltaY: in.DeltaY, Frame: frame}, nil
	case "swipe":
		return protocol.SwipeEvent{
			StartX:     in.X,
			StartY:     in.Y,
			EndX:       in.EndX,
			EndY:       in.EndY,
			DurationMs: in.DurationMs,
			Frame:      frame,
		}, nil
	case "keyboard":
		return protocol.KeyboardEvent{Text: in.Text, KeyCode: in.KeyCode, X: in.X, Y: in.Y, Frame: frame}, nil
	default:
		return nil, fmt.Errorf("unknown gesture kind %q", in.Kind)
	}
}

func notificationHandler(d Deps) mcp.ToolHandlerFor[NotificationInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input NotificationInput) (*mcp.CallToolResult, *SendResult, error) {
		typ := protocol.NotificationNew
		if input.Type != "" {
			typ = protocol.NotificationType(strings.ToUpper(input.Type))
		}

		key := input.Key
		if key == "" {
			key = uuid.NewString()
		}

		msg := protocol.Notification{
			Type:      typ,
			Key:       key,
			AppName:   input.App,
			Title:     input.Title,
			Text:      input.Text,
			Timestamp: time.Now().UnixMilli(),
		}

		if err := d.Controller.Send(ctx, msg); err != nil {
			return nil, nil, fmt.Errorf("sending notification: %w", err)
		}

		result := &SendResult{Sent: true, Kind: string(msg.Kind()), Key: key}

		return textResult(result), result, nil
	}
}

func fileHandler(d Deps) mcp.ToolHandlerFor[FileInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input FileInput) (*mcp.CallToolResult, *SendResult, error) {
		if input.Path == "" {
			return nil, nil, fmt.Errorf("path is required")
		}

		id, err := d.Files.SendFile(ctx, input.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("sending file: %w", err)
		}

		d.Logger.Info("file sent via MCP",
			slog.String("path", input.Path),
			slog.String("transfer_id", id),
		)

		result := &SendResult{Sent: true, Kind: string(protocol.KindFileTransfer), TransferID: id}

		return textResult(result), result, nil
	}
}

func devicesHandler(d Deps) mcp.ToolHandlerFor[DevicesInput, *DevicesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ DevicesInput) (*mcp.CallToolResult, *DevicesResult, error) {
		devices, err := d.Devices.Devices()
		if err != nil {
			return nil, nil, fmt.Errorf("listing devices: %w", err)
		}

		if devices == nil {
			devices = []state.Device{}
		}

		result := &DevicesResult{Devices: devices}

		return textResult(result), result, nil
	}
}

func syncHandler(d Deps) mcp.ToolHandlerFor[SyncInput, *SyncResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SyncInput) (*mcp.CallToolResult, *SyncResult, error) {
		if err := d.Controller.SetSyncEnabled(ctx, input.Enabled); err != nil {
			d.Logger.Warn("set_sync reconnect failed", slog.String("error", err.Error()))
		}

		result := &SyncResult{
			SyncEnabled: d.Controller.SyncEnabled(),
			Phase:       d.Controller.Phase().String(),
		}

		return textResult(result), result, nil
	}
}

func transferInfos(events []transfer.Event) []TransferInfo {
	if len(events) == 0 {
		return nil
	}

	out := make([]TransferInfo, 0, len(events))
	for _, ev := range events {
		info := TransferInfo{
			TransferID:    ev.TransferID,
			State:         ev.Kind.String(),
			FileName:      ev.FileName,
			Percent:       ev.Percent,
			BytesReceived: ev.BytesReceived,
			FileSize:      ev.FileSize,
			Path:          ev.Path,
		}

		if ev.Err != nil {
			info.Error = ev.Err.Error()
		}

		out = append(out, info)
	}

	return out
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
