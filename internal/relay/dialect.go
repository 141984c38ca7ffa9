package relay

import (
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/session"
)

// dialect adapts one caller-side wire format to the relay.
type dialect interface {
	source() session.Source
	format() audio.Format
	decode(data []byte, binary bool) (protocol.Frame, error)
	// provision builds a new session from the first start control.
	provision(ctl protocol.Control) session.Params
	// restartable reports whether the caller can re-send start after the backend
	// fails. A caller that cannot is disconnected instead.
	restartable() bool

	encodeAudio(streamSID string, payload []byte) (int, []byte, error)
	// The bool results report whether the dialect carries the message at all.
	encodeNotice(n protocol.Notice) (int, []byte, bool)
	encodeBackendText(raw []byte) (int, []byte, bool)
	encodeFlush(streamSID string) (int, []byte, bool)
}

type browserDialect struct {
	voice   string
	persona string
}

func (browserDialect) source() session.Source { return session.SourceBrowser }

func (browserDialect) format() audio.Format { return audio.BrowserFormat }

func (browserDialect) decode(data []byte, binary bool) (protocol.Frame, error) {
	return protocol.DecodeBrowser(data, binary)
}

func (d browserDialect) provision(ctl protocol.Control) session.Params {
	return session.Params{
		Voice:   firstNonEmpty(ctl.Voice, d.voice),
		Persona: firstNonEmpty(ctl.Persona, d.persona),
		AgentID: ctl.AgentID,
		Source:  session.SourceBrowser,
	}
}

func (browserDialect) restartable() bool { return true }

func (browserDialect) encodeAudio(_ string, payload []byte) (int, []byte, error) {
	return websocket.BinaryMessage, payload, nil
}

func (browserDialect) encodeNotice(n protocol.Notice) (int, []byte, bool) {
	data, err := protocol.EncodeNotice(n)
	if err != nil {
		return 0, nil, false
	}
	return websocket.TextMessage, data, true
}

func (browserDialect) encodeBackendText(raw []byte) (int, []byte, bool) {
	return websocket.TextMessage, raw, true
}

func (browserDialect) encodeFlush(string) (int, []byte, bool) { return 0, nil, false }

// telephonyDialect speaks Twilio Media Streams. Twilio rejects unknown events, so
// relay notices and backend text are not forwarded.
type telephonyDialect struct {
	voice   string
	persona string
}

func (telephonyDialect) source() session.Source { return session.SourceTelephony }

func (telephonyDialect) format() audio.Format { return audio.TelephonyFormat }

func (telephonyDialect) decode(data []byte, _ bool) (protocol.Frame, error) {
	return protocol.DecodeTelephony(data)
}

func (d telephonyDialect) provision(ctl protocol.Control) session.Params {
	return session.Params{
		Voice:     firstNonEmpty(ctl.Voice, d.voice),
		Persona:   firstNonEmpty(ctl.Persona, d.persona),
		AgentID:   ctl.AgentID,
		Source:    session.SourceTelephony,
		StreamSID: ctl.StreamSID,
		CallSID:   ctl.CallSID,
	}
}

func (telephonyDialect) restartable() bool { return false }

func (telephonyDialect) encodeAudio(streamSID string, payload []byte) (int, []byte, error) {
	data, err := protocol.EncodeTelephonyMedia(streamSID, payload)
	return websocket.TextMessage, data, err
}

func (telephonyDialect) encodeNotice(protocol.Notice) (int, []byte, bool) { return 0, nil, false }

func (telephonyDialect) encodeBackendText([]byte) (int, []byte, bool) { return 0, nil, false }

func (telephonyDialect) encodeFlush(streamSID string) (int, []byte, bool) {
	data, err := protocol.EncodeTelephonyClear(streamSID)
	if err != nil {
		return 0, nil, false
	}
	return websocket.TextMessage, data, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
