package protocol

import (
	"encoding/json"
	"fmt"

	syncerr "github.com/alexjbarnes/device-sync/internal/errors"
	"github.com/tidwall/gjson"
)

// envelope is the wire form of every frame.
type envelope struct {
	Type Kind    `json:"type"`
	Data Message `json:"data"`
}

type decodeFunc func(raw []byte) (Message, error)

var decoders = map[Kind]decodeFunc{
	KindResponse:           decodeAs[Response],
	KindClipboard:          decodeAs[Clipboard],
	KindNotification:       decodeAs[Notification],
	KindDeviceInfo:         decodeAs[DeviceInfo],
	KindDeviceStatus:       decodeAs[DeviceStatus],
	KindPlaybackSnapshot:   decodeAs[PlaybackSnapshot],
	KindPlaybackCommand:    decodeAs[PlaybackCommand],
	KindFileTransfer:       decodeAs[FileTransfer],
	KindCommand:            decodeAs[Command],
	KindInteractiveControl: decodeAs[InteractiveControl],
}

func decodeAs[T Message](raw []byte) (Message, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	return v, nil
}

// Encode validates msg and serializes it into one text frame.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encoding message: nil message")
	}

	if err := msg.validate(); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Kind(), err)
	}

	data, err := json.Marshal(envelope{Type: msg.Kind(), Data: msg})
	if err != nil {
		return nil, fmt.Errorf("marshalling %s: %w", msg.Kind(), err)
	}

	return data, nil
}

// Decode parses one text frame. Unknown fields are ignored so peers
// built from newer revisions stay compatible. Every failure wraps
// ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, malformed("frame is not valid JSON")
	}

	tag := gjson.GetBytes(data, "type")
	if tag.Type != gjson.String || tag.Str == "" {
		return nil, malformed("missing type tag")
	}

	kind := Kind(tag.Str)

	decode, ok := decoders[kind]
	if !ok {
		return nil, malformed("unknown type %q", tag.Str)
	}

	raw := []byte("{}")

	payload := gjson.GetBytes(data, "data")
	if payload.Exists() {
		if !payload.IsObject() {
			return nil, malformed("%s: data is not an object", kind)
		}

		raw = []byte(payload.Raw)
	}

	msg, err := decode(raw)
	if err != nil {
		return nil, malformed("%s: %v", kind, err)
	}

	if err := msg.validate(); err != nil {
		return nil, malformed("%v", err)
	}

	return msg, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", syncerr.ErrMalformedMessage, fmt.Sprintf(format, args...))
}
