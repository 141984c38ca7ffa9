package relay

import (
	"context"
	"time"

	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/session"
)

type Options struct {
	DefaultVoice     string
	DefaultPersona   string
	TelephonyVoice   string
	TelephonyPersona string
	QueueSize        int
	WriteTimeout     time.Duration
}

// Dispatcher accepts caller connections and runs one call per connection. It holds
// no per-session state of its own; everything shared lives in the registry.
type Dispatcher struct {
	registry  *session.Registry
	connector Connector
	opts      Options
	metrics   *observability.Metrics
	logger    *observability.Logger
}

func NewDispatcher(registry *session.Registry, connector Connector, opts Options, metrics *observability.Metrics, logger *observability.Logger) *Dispatcher {
	d := &Dispatcher{
		registry:  registry,
		connector: connector,
		opts:      opts,
		metrics:   metrics,
		logger:    logger,
	}
	registry.SetRemoveHook(func(*session.Session) {
		metrics.ActiveSessions.Set(float64(registry.Len()))
		metrics.SessionEvents.WithLabelValues("removed").Inc()
	})
	return d
}

// ServeBrowser relays one browser connection until it ends. With a session id the
// call attaches to that session and dials at once; without one it waits for a start
// message and provisions the session itself.
func (d *Dispatcher) ServeBrowser(ctx context.Context, conn Conn, sessionID string) error {
	dl := browserDialect{voice: d.opts.DefaultVoice, persona: d.opts.DefaultPersona}
	c := newCall(ctx, d, dl, conn)

	var initial *session.Session
	if sessionID != "" {
		s, err := d.registry.Get(sessionID)
		if err != nil {
			c.teardown()
			return err
		}
		initial = s
	}
	return c.run(initial)
}

// ServeTelephony relays one Twilio media stream until it ends. The stream's start
// event provisions the session with the telephony defaults.
func (d *Dispatcher) ServeTelephony(ctx context.Context, conn Conn) error {
	dl := telephonyDialect{voice: d.opts.TelephonyVoice, persona: d.opts.TelephonyPersona}
	return newCall(ctx, d, dl, conn).run(nil)
}

// TerminateAll removes every session, tearing down live calls. Used on shutdown.
func (d *Dispatcher) TerminateAll() int {
	n := 0
	for _, s := range d.registry.List() {
		if _, ok := d.registry.Remove(s.ID); ok {
			n++
		}
	}
	return n
}

func (d *Dispatcher) sessionCreated() {
	d.metrics.ActiveSessions.Set(float64(d.registry.Len()))
	d.metrics.SessionEvents.WithLabelValues("created").Inc()
}
