// Package protocol decodes the caller-side wire dialects into a single Frame type and
// encodes relay notices back out.
package protocol

import (
	"errors"
	"fmt"

	"github.com/ent0n29/voicebridge/internal/audio"
)

var (
	// ErrProtocol marks a malformed structured message. The frame is dropped; the
	// connection stays up.
	ErrProtocol        = errors.New("protocol error")
	ErrUnsupportedType = fmt.Errorf("%w: unsupported message type", ErrProtocol)
)

type Kind int

const (
	KindAudio Kind = iota + 1
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

type ControlType string

const (
	ControlStart       ControlType = "start"
	ControlStop        ControlType = "stop"
	ControlConnected   ControlType = "connected"
	ControlMark        ControlType = "mark"
	ControlDTMF        ControlType = "dtmf"
	ControlPassthrough ControlType = "passthrough"
)

// Control is a decoded structured message. Only the fields relevant to Type are set.
type Control struct {
	Type ControlType

	// start
	Voice   string
	Persona string
	AgentID string

	// telephony stream context
	StreamSID string
	CallSID   string

	// mark name or dtmf digit
	Name string

	// Raw holds the original text for passthrough controls.
	Raw []byte
}

// Frame is one unit flowing through the relay: either tagged audio or a control.
type Frame struct {
	Kind    Kind
	Audio   []byte
	Format  audio.Format
	Control Control
}

func AudioFrame(payload []byte, format audio.Format) Frame {
	return Frame{Kind: KindAudio, Audio: payload, Format: format}
}

func ControlFrame(c Control) Frame {
	return Frame{Kind: KindControl, Control: c}
}

// Label is a short metrics label for the frame.
func (f Frame) Label() string {
	if f.Kind == KindControl {
		return string(f.Control.Type)
	}
	return f.Kind.String()
}
