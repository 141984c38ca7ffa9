package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/ent0n29/voicebridge/internal/audio"
)

type browserEnvelope struct {
	Type    string `json:"type"`
	Voice   string `json:"voice"`
	Persona string `json:"persona"`
	AgentID string `json:"agentId"`
}

// DecodeBrowser decodes one websocket message from the browser widget. Binary messages
// are raw PCM16 at the browser rate; text messages are JSON controls.
func DecodeBrowser(data []byte, binary bool) (Frame, error) {
	if binary {
		return AudioFrame(data, audio.BrowserFormat), nil
	}

	var env browserEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: invalid browser message: %v", ErrProtocol, err)
	}
	if env.Type == "" {
		return Frame{}, fmt.Errorf("%w: browser message without type", ErrProtocol)
	}
	if env.Type == string(ControlStart) {
		return ControlFrame(Control{
			Type:    ControlStart,
			Voice:   env.Voice,
			Persona: env.Persona,
			AgentID: env.AgentID,
		}), nil
	}
	return ControlFrame(Control{Type: ControlPassthrough, Raw: data}), nil
}

type NoticeType string

const (
	NoticeSessionCreated      NoticeType = "session_created"
	NoticeConnected           NoticeType = "connected"
	NoticeError               NoticeType = "error"
	NoticeBackendDisconnected NoticeType = "backend_disconnected"
)

// Notice is a relay-originated control message sent to the browser.
type Notice struct {
	Type      NoticeType `json:"type"`
	ID        string     `json:"id,omitempty"`
	Voice     string     `json:"voice,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
	Message   string     `json:"message,omitempty"`
}

func SessionCreated(id, voice string) Notice {
	return Notice{Type: NoticeSessionCreated, ID: id, Voice: voice}
}

func Connected(sessionID string) Notice {
	return Notice{Type: NoticeConnected, SessionID: sessionID}
}

func ErrorNotice(message string) Notice {
	return Notice{Type: NoticeError, Message: message}
}

func BackendDisconnected() Notice {
	return Notice{Type: NoticeBackendDisconnected}
}

// EncodeNotice marshals a browser notice.
func EncodeNotice(n Notice) ([]byte, error) {
	return json.Marshal(n)
}
