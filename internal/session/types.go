package session

import "time"

// CreateRequest is the payload for creating a session through the REST directory.
type CreateRequest struct {
	Voice   string `json:"voice"`
	Persona string `json:"persona"`
	AgentID string `json:"agentId"`
}

// CreateResponse returns created session metadata and the websocket path to attach to.
type CreateResponse struct {
	ID      string `json:"id"`
	Voice   string `json:"voice"`
	Persona string `json:"persona"`
	Status  Status `json:"status"`
	WSURL   string `json:"wsUrl"`
}

// View is the JSON shape of a session in directory listings.
type View struct {
	ID        string `json:"id"`
	Voice     string `json:"voice"`
	Persona   string `json:"persona"`
	AgentID   string `json:"agentId,omitempty"`
	Status    Status `json:"status"`
	Source    Source `json:"source"`
	CallSID   string `json:"callSid,omitempty"`
	StreamSID string `json:"streamSid,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

func (s *Session) View() View {
	return View{
		ID:        s.ID,
		Voice:     s.Voice,
		Persona:   s.Persona,
		AgentID:   s.AgentID,
		Status:    s.Status,
		Source:    s.Source,
		CallSID:   s.CallSID,
		StreamSID: s.StreamSID,
		CreatedAt: s.CreatedAt.UnixMilli(),
	}
}

// Params describes a new session.
type Params struct {
	Voice     string
	Persona   string
	AgentID   string
	Source    Source
	CallSID   string
	StreamSID string
}

type Source string

const (
	SourceREST      Source = "rest"
	SourceBrowser   Source = "browser"
	SourceTelephony Source = "telephony"
)

// Session is one voice conversation.
type Session struct {
	ID        string
	Voice     string
	Persona   string
	AgentID   string
	Status    Status
	Source    Source
	CallSID   string
	StreamSID string
	CreatedAt time.Time
}
