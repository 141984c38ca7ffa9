package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrAlreadyAttached = errors.New("session already has a caller attached")
)

// Terminator tears down the live connections bound to a session. It must be safe to
// call more than once and from any goroutine.
type Terminator func()

type entry struct {
	session   *Session
	terminate Terminator
}

// Registry owns every live session. It is the only state shared between connection
// handlers and the REST directory.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	byCall    map[string]string
	attachTTL time.Duration
	onRemove  func(*Session)
}

func NewRegistry(attachTTL time.Duration) *Registry {
	if attachTTL <= 0 {
		attachTTL = 2 * time.Minute
	}
	return &Registry{
		entries:   make(map[string]*entry),
		byCall:    make(map[string]string),
		attachTTL: attachTTL,
	}
}

// SetRemoveHook registers a callback run once for every removed session.
func (r *Registry) SetRemoveHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = hook
}

func (r *Registry) Create(p Params) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Voice:     p.Voice,
		Persona:   p.Persona,
		AgentID:   p.AgentID,
		Source:    p.Source,
		CallSID:   p.CallSID,
		StreamSID: p.StreamSID,
		Status:    StatusCreated,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[s.ID] = &entry{session: s}
	if s.CallSID != "" {
		r.byCall[s.CallSID] = s.ID
	}
	return clone(s)
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.session), nil
}

// GetByCall resolves a session through its telephony call identifier.
func (r *Registry) GetByCall(callSID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCall[callSID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r.entries[id].session), nil
}

// List returns all sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, clone(e.session))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Transition moves a session to a new status if the lifecycle allows it.
func (r *Registry) Transition(id string, to Status) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !CanTransition(e.session.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.session.Status, to)
	}
	e.session.Status = to
	return clone(e.session), nil
}

// Attach binds the live call handle of a session. Only one caller may be attached.
func (r *Registry) Attach(id string, terminate Terminator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.terminate != nil {
		return ErrAlreadyAttached
	}
	e.terminate = terminate
	return nil
}

// Reconfigure replaces the voice selection of a session ahead of a backend re-dial.
// Empty values keep the current setting.
func (r *Registry) Reconfigure(id, voice, persona, agentID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if voice != "" {
		e.session.Voice = voice
	}
	if persona != "" {
		e.session.Persona = persona
	}
	if agentID != "" {
		e.session.AgentID = agentID
	}
	return clone(e.session), nil
}

// BindStream records the telephony stream context of a session.
func (r *Registry) BindStream(id, streamSID, callSID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.session.StreamSID = streamSID
	if callSID != "" {
		if e.session.CallSID != "" {
			delete(r.byCall, e.session.CallSID)
		}
		e.session.CallSID = callSID
		r.byCall[callSID] = id
	}
	return nil
}

// Remove deletes a session and tears down its attached call. It reports true for
// exactly one caller per session, however many race to remove it.
func (r *Registry) Remove(id string) (*Session, bool) {
	return r.remove(id, nil)
}

// remove deletes id unless skip, evaluated under the lock, reports it should stay.
func (r *Registry) remove(id string, skip func(*entry) bool) (*Session, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || (skip != nil && skip(e)) {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.entries, id)
	if e.session.CallSID != "" && r.byCall[e.session.CallSID] == id {
		delete(r.byCall, e.session.CallSID)
	}
	removed := clone(e.session)
	hook := r.onRemove
	r.mu.Unlock()

	if e.terminate != nil {
		e.terminate()
	}
	if hook != nil {
		hook(removed)
	}
	return removed, true
}

// StartJanitor periodically removes sessions that were created but never attached
// within the attach TTL.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireUnattached()
			}
		}
	}()
}

func (r *Registry) expireUnattached() {
	now := time.Now().UTC()
	var stale []string

	attached := func(e *entry) bool {
		return e.terminate != nil || e.session.Status != StatusCreated
	}

	r.mu.RLock()
	for id, e := range r.entries {
		if !attached(e) && now.Sub(e.session.CreatedAt) >= r.attachTTL {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	// Re-checked under the write lock: a caller may attach in between.
	for _, id := range stale {
		r.remove(id, attached)
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
