// Package protocol implements the tagged message envelope exchanged between
// peers and its newline-delimited wire framing.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// Version is the current wire protocol version, advertised via mDNS.
	Version = 1
	// MaxEnvelopeSize is the maximum accepted serialized envelope size (64 MiB).
	MaxEnvelopeSize = 64 * 1024 * 1024
)

// Kind identifies the envelope variant.
type Kind string

const (
	KindPing                Kind = "ping"
	KindPong                Kind = "pong"
	KindDeviceInfo          Kind = "device-info"
	KindPairingRequest      Kind = "pairing-request"
	KindPairingAccepted     Kind = "pairing-accepted"
	KindPairingRejected     Kind = "pairing-rejected"
	KindClipboardSync       Kind = "clipboard-sync"
	KindRequestClipboard    Kind = "request-clipboard"
	KindFileTransferRequest Kind = "file-transfer-request"
	KindFileTransferChunk   Kind = "file-transfer-chunk"
	KindFileTransferEnd     Kind = "file-transfer-end"
	KindFileTransferError   Kind = "file-transfer-error"
	KindKeyEvent            Kind = "key-event"
	KindMouseEvent          Kind = "mouse-event"
	KindTouchpadEvent       Kind = "touchpad-event"
	KindNotification        Kind = "notification"
	KindMediaControl        Kind = "media-control"
	KindBatteryStatus       Kind = "battery-status"
	KindRemoteCommand       Kind = "remote-command"
	KindSlideControl        Kind = "slide-control"
	KindDisconnect          Kind = "disconnect"
)

var (
	// ErrPayloadTooLarge indicates a serialized envelope exceeds MaxEnvelopeSize.
	ErrPayloadTooLarge = errors.New("protocol: envelope exceeds max size")
)

// DecodeError reports structurally invalid envelope bytes.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return "protocol: decode envelope: " + e.Cause.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Envelope is one wire unit: a closed kind tag plus its variant payload.
//
// Payload holds the value struct matching Kind (DeviceInfo, ClipboardSync,
// ...), nil for payload-free kinds, or Unknown for unrecognized kinds.
type Envelope struct {
	Kind    Kind
	Payload any
}

// DeviceInfo announces a device's identity as the first frame of a session.
type DeviceInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	DeviceType   string   `json:"device_type"`
	Capabilities []string `json:"capabilities"`
}

// PairingRequest initiates the one-time trust handshake.
type PairingRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	DeviceType   string   `json:"device_type"`
	Capabilities []string `json:"capabilities"`
	Proof        string   `json:"proof,omitempty"`
}

// PairingAccepted confirms a pairing request.
type PairingAccepted struct {
	PeerID string `json:"peer_id"`
	Reason string `json:"reason,omitempty"`
}

// PairingRejected declines a pairing request.
type PairingRejected struct {
	PeerID string `json:"peer_id"`
	Reason string `json:"reason,omitempty"`
}

// ClipboardSync pushes clipboard content to the peer.
type ClipboardSync struct {
	Content string `json:"content"`
}

// FileTransferRequest starts a file transfer.
type FileTransferRequest struct {
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

// FileTransferChunk carries one slice of file data.
type FileTransferChunk struct {
	FileName string `json:"file_name"`
	Chunk    []byte `json:"chunk"`
	Offset   int64  `json:"offset"`
}

// FileTransferEnd marks a transfer as complete.
type FileTransferEnd struct {
	FileName string `json:"file_name"`
}

// FileTransferError aborts a transfer with a reason.
type FileTransferError struct {
	FileName string `json:"file_name"`
	Error    string `json:"error"`
}

// Key actions.
const (
	KeyActionPress   = "press"
	KeyActionRelease = "release"
)

// KeyEvent is a remote keyboard press or release.
type KeyEvent struct {
	Action string `json:"action"`
	Code   string `json:"code"`
}

// Mouse actions.
const (
	MouseActionMove    = "move"
	MouseActionPress   = "press"
	MouseActionRelease = "release"
	MouseActionScroll  = "scroll"
)

// MouseEvent is a remote pointer action.
type MouseEvent struct {
	Action      string  `json:"action"`
	X           int     `json:"x"`
	Y           int     `json:"y"`
	Button      string  `json:"button,omitempty"`
	ScrollDelta float64 `json:"scroll_delta,omitempty"`
}

// TouchpadEvent is a relative touchpad movement/click/scroll sample.
type TouchpadEvent struct {
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	DX           float64 `json:"dx"`
	DY           float64 `json:"dy"`
	ScrollDeltaX float64 `json:"scroll_delta_x"`
	ScrollDeltaY float64 `json:"scroll_delta_y"`
	IsLeftClick  bool    `json:"is_left_click"`
	IsRightClick bool    `json:"is_right_click"`
}

// Notification mirrors a notification to the peer.
type Notification struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	AppName string `json:"app_name,omitempty"`
}

// Media control actions.
const (
	MediaActionPlay       = "play"
	MediaActionPause      = "pause"
	MediaActionPlayPause  = "play-pause"
	MediaActionNext       = "next"
	MediaActionPrevious   = "previous"
	MediaActionVolumeUp   = "volume-up"
	MediaActionVolumeDown = "volume-down"
	MediaActionToggleMute = "toggle-mute"
)

// MediaControl drives the peer's media player.
type MediaControl struct {
	Action string `json:"action"`
}

// BatteryStatus reports the sender's battery level.
type BatteryStatus struct {
	Charge     float64 `json:"charge"`
	IsCharging bool    `json:"is_charging"`
}

// RemoteCommand asks the peer to run a whitelisted command.
type RemoteCommand struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Slide control actions.
const (
	SlideActionStart    = "start-presentation"
	SlideActionNext     = "next-slide"
	SlideActionPrevious = "previous-slide"
	SlideActionEnd      = "end-presentation"
)

// SlideControl drives the peer's presentation software.
type SlideControl struct {
	Action string `json:"action"`
}

// Unknown preserves the raw payload of an unrecognized kind so
// forward-compatible peers do not break older ones.
type Unknown struct {
	Raw json.RawMessage
}

type wireEnvelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes an envelope to its JSON wire form (without the trailing
// newline added by the framing layer). It fails with ErrPayloadTooLarge
// before any bytes reach the transport.
func Encode(env Envelope) ([]byte, error) {
	if env.Kind == "" {
		return nil, &DecodeError{Cause: errors.New("missing kind")}
	}

	var payload json.RawMessage
	switch p := env.Payload.(type) {
	case nil:
	case Unknown:
		payload = p.Raw
	default:
		raw, err := json.Marshal(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %q payload: %w", env.Kind, err)
		}
		payload = raw
	}

	out, err := json.Marshal(wireEnvelope{Kind: env.Kind, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(out) > MaxEnvelopeSize {
		return nil, ErrPayloadTooLarge
	}
	return out, nil
}

// Decode parses one serialized envelope. Unrecognized kinds decode to an
// Unknown payload; structurally invalid bytes fail with *DecodeError.
func Decode(raw []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Envelope{}, &DecodeError{Cause: err}
	}
	if wire.Kind == "" {
		return Envelope{}, &DecodeError{Cause: errors.New("missing kind")}
	}

	payload, err := decodePayload(wire.Kind, wire.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: wire.Kind, Payload: payload}, nil
}

func decodePayload(kind Kind, raw json.RawMessage) (any, error) {
	switch kind {
	case KindPing, KindPong, KindRequestClipboard, KindDisconnect:
		return nil, nil
	case KindDeviceInfo:
		return unmarshalPayload[DeviceInfo](kind, raw)
	case KindPairingRequest:
		return unmarshalPayload[PairingRequest](kind, raw)
	case KindPairingAccepted:
		return unmarshalPayload[PairingAccepted](kind, raw)
	case KindPairingRejected:
		return unmarshalPayload[PairingRejected](kind, raw)
	case KindClipboardSync:
		return unmarshalPayload[ClipboardSync](kind, raw)
	case KindFileTransferRequest:
		return unmarshalPayload[FileTransferRequest](kind, raw)
	case KindFileTransferChunk:
		return unmarshalPayload[FileTransferChunk](kind, raw)
	case KindFileTransferEnd:
		return unmarshalPayload[FileTransferEnd](kind, raw)
	case KindFileTransferError:
		return unmarshalPayload[FileTransferError](kind, raw)
	case KindKeyEvent:
		return unmarshalPayload[KeyEvent](kind, raw)
	case KindMouseEvent:
		return unmarshalPayload[MouseEvent](kind, raw)
	case KindTouchpadEvent:
		return unmarshalPayload[TouchpadEvent](kind, raw)
	case KindNotification:
		return unmarshalPayload[Notification](kind, raw)
	case KindMediaControl:
		return unmarshalPayload[MediaControl](kind, raw)
	case KindBatteryStatus:
		return unmarshalPayload[BatteryStatus](kind, raw)
	case KindRemoteCommand:
		return unmarshalPayload[RemoteCommand](kind, raw)
	case KindSlideControl:
		return unmarshalPayload[SlideControl](kind, raw)
	default:
		return Unknown{Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

func unmarshalPayload[T any](kind Kind, raw json.RawMessage) (T, error) {
	var payload T
	if len(raw) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, &DecodeError{Cause: fmt.Errorf("%q payload: %w", kind, err)}
	}
	return payload, nil
}
