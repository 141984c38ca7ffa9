package protocol

import "github.com/ent0n29/voicebridge/internal/audio"

// BackendConfig is the handshake sent to the speech backend right after dialing.
type BackendConfig struct {
	Type        string `json:"type"`
	VoicePrompt string `json:"voice_prompt"`
	TextPrompt  string `json:"text_prompt"`
}

func NewBackendConfig(voice, persona string) BackendConfig {
	return BackendConfig{Type: "config", VoicePrompt: voice, TextPrompt: persona}
}

// DecodeBackend wraps a backend message. Binary messages are audio in the backend's
// native format; text messages are passed through untouched.
func DecodeBackend(data []byte, binary bool) Frame {
	if binary {
		return AudioFrame(data, audio.BackendFormat)
	}
	return ControlFrame(Control{Type: ControlPassthrough, Raw: data})
}
