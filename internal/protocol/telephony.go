package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ent0n29/voicebridge/internal/audio"
)

// TelephonyEvent is a Twilio Media Streams envelope.
type TelephonyEvent struct {
	Event          string          `json:"event"`
	SequenceNumber string          `json:"sequenceNumber,omitempty"`
	StreamSID      string          `json:"streamSid,omitempty"`
	Start          *TelephonyStart `json:"start,omitempty"`
	Media          *TelephonyMedia `json:"media,omitempty"`
	Mark           *TelephonyMark  `json:"mark,omitempty"`
	DTMF           *TelephonyDTMF  `json:"dtmf,omitempty"`
	Stop           *TelephonyStop  `json:"stop,omitempty"`
}

type TelephonyStart struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *MediaFormat      `json:"mediaFormat,omitempty"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type TelephonyMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type TelephonyMark struct {
	Name string `json:"name"`
}

type TelephonyDTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type TelephonyStop struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// DecodeTelephony decodes one Twilio Media Streams message.
func DecodeTelephony(data []byte) (Frame, error) {
	var ev TelephonyEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return Frame{}, fmt.Errorf("%w: invalid telephony event: %v", ErrProtocol, err)
	}

	switch ev.Event {
	case "connected":
		return ControlFrame(Control{Type: ControlConnected}), nil
	case "start":
		if ev.Start == nil || ev.Start.StreamSID == "" {
			return Frame{}, fmt.Errorf("%w: start event without streamSid", ErrProtocol)
		}
		params := ev.Start.CustomParameters
		return ControlFrame(Control{
			Type:      ControlStart,
			StreamSID: ev.Start.StreamSID,
			CallSID:   ev.Start.CallSID,
			Voice:     params["voice"],
			Persona:   params["persona"],
			AgentID:   params["agentId"],
		}), nil
	case "media":
		if ev.Media == nil {
			return Frame{}, fmt.Errorf("%w: media event without media", ErrProtocol)
		}
		payload, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: media payload: %v", ErrProtocol, err)
		}
		return AudioFrame(payload, audio.TelephonyFormat), nil
	case "mark":
		c := Control{Type: ControlMark, StreamSID: ev.StreamSID}
		if ev.Mark != nil {
			c.Name = ev.Mark.Name
		}
		return ControlFrame(c), nil
	case "dtmf":
		c := Control{Type: ControlDTMF, StreamSID: ev.StreamSID}
		if ev.DTMF != nil {
			c.Name = ev.DTMF.Digit
		}
		return ControlFrame(c), nil
	case "stop":
		c := Control{Type: ControlStop, StreamSID: ev.StreamSID}
		if ev.Stop != nil {
			c.CallSID = ev.Stop.CallSID
		}
		return ControlFrame(c), nil
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnsupportedType, ev.Event)
	}
}

// EncodeTelephonyMedia wraps mu-law audio into an outbound media event.
func EncodeTelephonyMedia(streamSID string, ulaw []byte) ([]byte, error) {
	return json.Marshal(TelephonyEvent{
		Event:     "media",
		StreamSID: streamSID,
		Media:     &TelephonyMedia{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	})
}

// EncodeTelephonyClear asks Twilio to flush audio it has buffered for playback.
func EncodeTelephonyClear(streamSID string) ([]byte, error) {
	return json.Marshal(TelephonyEvent{Event: "clear", StreamSID: streamSID})
}
