package session

import "errors"

type Status string

const (
	StatusCreated             Status = "created"
	StatusConnecting          Status = "connecting"
	StatusActive              Status = "active"
	StatusDisconnected        Status = "disconnected"
	StatusBackendDisconnected Status = "backend_disconnected"
	StatusError               Status = "error"
)

var ErrInvalidTransition = errors.New("invalid session transition")

// Terminal reports whether the status ends the automatic lifecycle. Only an explicit
// caller restart leaves error or backend_disconnected; nothing leaves disconnected.
func (s Status) Terminal() bool {
	switch s {
	case StatusDisconnected, StatusBackendDisconnected, StatusError:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to Status) bool {
	if from == StatusDisconnected {
		return false
	}
	switch to {
	case StatusDisconnected:
		return true
	case StatusConnecting:
		// A start request, a re-negotiation or a restart after failure.
		return true
	case StatusActive:
		return from == StatusConnecting
	case StatusError:
		return from == StatusConnecting || from == StatusActive
	case StatusBackendDisconnected:
		return from == StatusActive
	default:
		return false
	}
}
