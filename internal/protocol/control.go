package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// ControlKind discriminates the gestures carried by InteractiveControl.
type ControlKind string

const (
	ControlSingleTap ControlKind = "singleTap"
	ControlHoldTap   ControlKind = "holdTap"
	ControlScroll    ControlKind = "scroll"
	ControlSwipe     ControlKind = "swipe"
	ControlKeyboard  ControlKind = "keyboard"
)

// Frame is the size, in pixels, of the surface the gesture was made on.
// Coordinates are normalized against it.
type Frame struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (f Frame) validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("frame %dx%d must be positive", f.Width, f.Height)
	}

	return nil
}

// Control is one remote-control gesture.
type Control interface {
	ControlKind() ControlKind
	validate() error
}

// SingleTap is a tap at a normalized point.
type SingleTap struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Frame Frame   `json:"frame"`
}

func (SingleTap) ControlKind() ControlKind { return ControlSingleTap }

func (c SingleTap) validate() error {
	return validatePoints(c.Frame, c.X, c.Y)
}

// HoldTap is a long press.
type HoldTap struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	DurationMs int64   `json:"durationMs"`
	Frame      Frame   `json:"frame"`
}

func (HoldTap) ControlKind() ControlKind { return ControlHoldTap }

func (c HoldTap) validate() error {
	if c.DurationMs < 0 {
		return fmt.Errorf("negative duration %d", c.DurationMs)
	}

	return validatePoints(c.Frame, c.X, c.Y)
}

// ScrollEvent scrolls by a normalized delta anchored at X, Y. Deltas
// range over [-1, 1].
type ScrollEvent struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	DeltaX float64 `json:"deltaX"`
	DeltaY float64 `json:"deltaY"`
	Frame  Frame   `json:"frame"`
}

func (ScrollEvent) ControlKind() ControlKind { return ControlScroll }

func (c ScrollEvent) validate() error {
	if c.DeltaX < -1 || c.DeltaX > 1 || c.DeltaY < -1 || c.DeltaY > 1 {
		return fmt.Errorf("scroll delta (%g, %g) out of range", c.DeltaX, c.DeltaY)
	}

	return validatePoints(c.Frame, c.X, c.Y)
}

// SwipeEvent is a drag from start to end over DurationMs.
type SwipeEvent struct {
	StartX     float64 `json:"startX"`
	StartY     float64 `json:"startY"`
	EndX       float64 `json:"endX"`
	EndY       float64 `json:"endY"`
	DurationMs int64   `json:"durationMs"`
	Frame      Frame   `json:"frame"`
}

func (SwipeEvent) ControlKind() ControlKind { return ControlSwipe }

func (c SwipeEvent) validate() error {
	if c.DurationMs < 0 {
		return fmt.Errorf("negative duration %d", c.DurationMs)
	}

	return validatePoints(c.Frame, c.StartX, c.StartY, c.EndX, c.EndY)
}

// KeyboardEvent types text, or presses a single key code, into the
// field at the normalized focus point.
type KeyboardEvent struct {
	Text    string  `json:"text,omitempty"`
	KeyCode int     `json:"keyCode,omitempty"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Frame   Frame   `json:"frame"`
}

func (KeyboardEvent) ControlKind() ControlKind { return ControlKeyboard }

func (c KeyboardEvent) validate() error {
	if c.Text == "" && c.KeyCode == 0 {
		return fmt.Errorf("keyboard event needs text or keyCode")
	}

	return validatePoints(c.Frame, c.X, c.Y)
}

func validatePoints(f Frame, coords ...float64) error {
	if err := f.validate(); err != nil {
		return err
	}

	for _, v := range coords {
		if v < 0 || v > 1 {
			return fmt.Errorf("coordinate %g not normalized", v)
		}
	}

	return nil
}

// InteractiveControl forwards a gesture to the peer.
type InteractiveControl struct {
	Control Control
}

func (InteractiveControl) Kind() Kind { return KindInteractiveControl }

func (m InteractiveControl) validate() error {
	if m.Control == nil {
		return fmt.Errorf("interactiveControl: control is required")
	}

	if err := m.Control.validate(); err != nil {
		return fmt.Errorf("interactiveControl %s: %w", m.Control.ControlKind(), err)
	}

	return nil
}

type controlEnvelope struct {
	Kind  ControlKind `json:"kind"`
	Event Control     `json:"event"`
}

// MarshalJSON writes {"control":{"kind":...,"event":{...}}}.
func (m InteractiveControl) MarshalJSON() ([]byte, error) {
	if m.Control == nil {
		return nil, fmt.Errorf("interactiveControl: control is required")
	}

	return json.Marshal(struct {
		Control controlEnvelope `json:"control"`
	}{
		Control: controlEnvelope{Kind: m.Control.ControlKind(), Event: m.Control},
	})
}

// UnmarshalJSON reads the nested control envelope.
func (m *InteractiveControl) UnmarshalJSON(data []byte) error {
	kind := gjson.GetBytes(data, "control.kind")
	if !kind.Exists() {
		return fmt.Errorf("interactiveControl: missing control.kind")
	}

	event := []byte(gjson.GetBytes(data, "control.event").Raw)
	if len(event) == 0 {
		return fmt.Errorf("interactiveControl: missing control.event")
	}

	var (
		ctrl Control
		err  error
	)

	switch ControlKind(kind.String()) {
	case ControlSingleTap:
		ctrl, err = unmarshalControl[SingleTap](event)
	case ControlHoldTap:
		ctrl, err = unmarshalControl[HoldTap](event)
	case ControlScroll:
		ctrl, err = unmarshalControl[ScrollEvent](event)
	case ControlSwipe:
		ctrl, err = unmarshalControl[SwipeEvent](event)
	case ControlKeyboard:
		ctrl, err = unmarshalControl[KeyboardEvent](event)
	default:
		return fmt.Errorf("interactiveControl: unknown control kind %q", kind.String())
	}

	if err != nil {
		return fmt.Errorf("interactiveControl %s: %w", kind.String(), err)
	}

	m.Control = ctrl

	return nil
}

func unmarshalControl[T Control](data []byte) (Control, error) {
	var c T
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}

	return c, nil
}
