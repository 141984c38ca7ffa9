package relay

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/reliability"
	"github.com/ent0n29/voicebridge/internal/session"
)

// BackendUnavailableMessage is shown to the caller when the backend cannot be reached.
const BackendUnavailableMessage = "Voice backend unavailable. Is the voice backend running?"

// maxProtocolStrikes is how many malformed caller messages in a row end the call.
const maxProtocolStrikes = 32

const (
	legUpstream   = "caller_to_backend"
	legDownstream = "backend_to_caller"

	reasonNotReady    = "backend_not_ready"
	reasonNoSession   = "no_session"
	reasonQueueFull   = "queue_full"
	reasonClosed      = "closed"
	reasonCodec       = "codec"
	reasonProtocol    = "protocol"
	reasonUnsupported = "unsupported"
)

type callerEvent struct {
	frame protocol.Frame
	err   error
}

type dialResult struct {
	gen     int
	backend BackendConn
	err     error
	elapsed time.Duration
}

// call is the per-session task. Only run's goroutine touches its fields; the caller
// reader, both writers and backend dials talk to it over channels.
type call struct {
	d       *Dispatcher
	dialect dialect
	conn    Conn
	out     *writer
	ctx     context.Context
	cancel  context.CancelFunc
	logCtx  context.Context

	sess      *session.Session
	streamSID string
	strikes   int

	backend    BackendConn
	frames     <-chan protocol.Frame
	gen        int
	dialed     chan dialResult
	activeAt   time.Time
	firstAudio bool
}

func newCall(ctx context.Context, d *Dispatcher, dl dialect, conn Conn) *call {
	ctx, cancel := context.WithCancel(ctx)
	c := &call{
		d:       d,
		dialect: dl,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		logCtx:  observability.WithFields(ctx, observability.Field{Key: "leg", Value: string(dl.source())}),
		dialed:  make(chan dialResult),
	}
	c.out = startWriter(conn, d.opts.QueueSize, d.opts.WriteTimeout, func(err error) {
		d.logger.WarnWithError(c.logCtx, "caller write failed", err)
		_ = conn.Close()
	})
	return c
}

// run drives the call until the caller leaves, the session is terminated, or the
// dialect cannot continue after a backend failure.
func (c *call) run(initial *session.Session) error {
	defer c.teardown()

	events := make(chan callerEvent, 64)
	go c.readCaller(events)

	if initial != nil {
		if err := c.bind(initial); err != nil {
			c.notify(protocol.ErrorNotice(err.Error()))
			return err
		}
		c.connect()
	}

	for {
		select {
		case <-c.ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if c.handleCaller(ev) {
				return nil
			}
		case res := <-c.dialed:
			if c.handleDial(res) {
				return nil
			}
		case f, ok := <-c.frames:
			if !ok {
				if c.handleBackendClosed() {
					return nil
				}
				continue
			}
			c.handleBackend(f)
		}
	}
}

func (c *call) readCaller(events chan<- callerEvent) {
	defer close(events)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := c.dialect.decode(data, messageType == websocket.BinaryMessage)
		select {
		case events <- callerEvent{frame: frame, err: err}:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *call) handleCaller(ev callerEvent) bool {
	if ev.err != nil {
		c.strikes++
		c.drop(legUpstream, reasonProtocol)
		c.d.logger.WarnWithError(c.logCtx, "dropping malformed caller message", ev.err)
		return c.strikes >= maxProtocolStrikes
	}
	c.strikes = 0

	f := ev.frame
	if f.Kind == protocol.KindAudio {
		c.forwardUpstream(f)
		return false
	}

	switch f.Control.Type {
	case protocol.ControlStart:
		return c.handleStart(f.Control)
	case protocol.ControlStop:
		c.d.logger.Info(c.logCtx, "caller stopped stream")
		return true
	case protocol.ControlPassthrough:
		c.sendBackend(f)
	default:
		// connected, mark and dtmf carry nothing the backend understands.
		c.d.logger.Debug(c.logCtx, "ignoring caller control "+f.Label())
		c.drop(legUpstream, reasonUnsupported)
	}
	return false
}

func (c *call) handleStart(ctl protocol.Control) bool {
	if c.sess == nil {
		s := c.d.registry.Create(c.dialect.provision(ctl))
		c.d.sessionCreated()
		if err := c.bind(s); err != nil {
			c.d.logger.Error(c.logCtx, "attach self-provisioned session", err)
			return true
		}
		c.notify(protocol.SessionCreated(s.ID, s.Voice))
	} else {
		c.dropBackend()
		if s, err := c.d.registry.Reconfigure(c.sess.ID, ctl.Voice, ctl.Persona, ctl.AgentID); err == nil {
			c.sess = s
		}
		if ctl.StreamSID != "" {
			if err := c.d.registry.BindStream(c.sess.ID, ctl.StreamSID, ctl.CallSID); err == nil {
				c.streamSID = ctl.StreamSID
			}
		}
	}
	c.connect()
	return false
}

// bind attaches this call to s so registry removal can terminate it.
func (c *call) bind(s *session.Session) error {
	if err := c.d.registry.Attach(s.ID, session.Terminator(c.cancel)); err != nil {
		return err
	}
	c.sess = s
	c.streamSID = s.StreamSID
	fields := []observability.Field{{Key: "session_id", Value: s.ID}}
	if s.StreamSID != "" {
		fields = append(fields, observability.Field{Key: "stream_sid", Value: s.StreamSID})
	}
	c.logCtx = observability.WithFields(c.logCtx, fields...)
	return nil
}

// dropBackend closes the current backend and tells the caller to discard audio it
// has buffered from it.
func (c *call) dropBackend() {
	if c.backend == nil {
		return
	}
	_ = c.backend.Close()
	c.backend, c.frames = nil, nil
	if messageType, data, ok := c.dialect.encodeFlush(c.streamSID); ok {
		c.sendCaller(messageType, data)
	}
}

// connect dials a fresh backend, replacing any current one. Results from older
// dials are discarded by generation.
func (c *call) connect() {
	c.dropBackend()
	c.transition(session.StatusConnecting)
	c.gen++

	gen := c.gen
	snapshot := *c.sess
	go func() {
		start := time.Now()
		b, err := c.d.connector.Connect(c.ctx, &snapshot)
		res := dialResult{gen: gen, backend: b, err: err, elapsed: time.Since(start)}
		select {
		case c.dialed <- res:
		case <-c.ctx.Done():
			if b != nil {
				_ = b.Close()
			}
		}
	}()
}

func (c *call) handleDial(res dialResult) bool {
	if res.gen != c.gen {
		if res.backend != nil {
			_ = res.backend.Close()
		}
		return false
	}
	if res.err != nil {
		status := 0
		var dialErr *DialError
		if errors.As(res.err, &dialErr) {
			status = dialErr.StatusCode
		}
		c.d.metrics.ObserveDialFailure(reliability.ClassifyDialFailure(res.err, status))
		c.d.logger.Error(c.logCtx, "backend connection failed", res.err)
		c.transition(session.StatusError)
		c.notify(protocol.ErrorNotice(BackendUnavailableMessage))
		return !c.dialect.restartable()
	}

	c.backend = res.backend
	c.frames = res.backend.Frames()
	c.d.metrics.ObserveBackendConnect(res.elapsed)
	c.transition(session.StatusActive)
	c.activeAt = time.Now()
	c.firstAudio = false
	c.notify(protocol.Connected(c.sess.ID))
	c.d.logger.Info(c.logCtx, "backend connected")
	return false
}

func (c *call) handleBackendClosed() bool {
	err := c.backend.Err()
	c.backend, c.frames = nil, nil

	if err != nil {
		c.d.logger.Error(c.logCtx, "backend connection failed", err)
		c.transition(session.StatusError)
		c.notify(protocol.ErrorNotice(BackendUnavailableMessage))
	} else {
		c.d.logger.Info(c.logCtx, "backend disconnected")
		c.transition(session.StatusBackendDisconnected)
		c.notify(protocol.BackendDisconnected())
	}
	return !c.dialect.restartable()
}

func (c *call) handleBackend(f protocol.Frame) {
	if f.Kind == protocol.KindAudio {
		if !c.firstAudio {
			c.firstAudio = true
			c.d.metrics.ObserveFirstAudio(time.Since(c.activeAt))
		}
		c.forwardDownstream(f)
		return
	}
	messageType, data, ok := c.dialect.encodeBackendText(f.Control.Raw)
	if !ok {
		c.drop(legDownstream, reasonUnsupported)
		return
	}
	if c.sendCaller(messageType, data) {
		c.d.metrics.RelayFrames.WithLabelValues(legDownstream, f.Label()).Inc()
	}
}

// forwardUpstream converts caller audio to the backend format and sends it. Audio
// that arrives before the backend is ready is dropped, never buffered.
func (c *call) forwardUpstream(f protocol.Frame) {
	if c.sess == nil {
		c.drop(legUpstream, reasonNoSession)
		return
	}
	if c.backend == nil {
		c.drop(legUpstream, reasonNotReady)
		return
	}
	payload, err := audio.Convert(f.Audio, f.Format, audio.BackendFormat)
	if err != nil {
		c.d.metrics.CodecErrors.WithLabelValues(legUpstream).Inc()
		c.drop(legUpstream, reasonCodec)
		c.d.logger.WarnWithError(c.logCtx, "dropping caller audio", err)
		return
	}
	c.sendBackend(protocol.AudioFrame(payload, audio.BackendFormat))
}

func (c *call) forwardDownstream(f protocol.Frame) {
	payload, err := audio.Convert(f.Audio, f.Format, c.dialect.format())
	if err != nil {
		c.d.metrics.CodecErrors.WithLabelValues(legDownstream).Inc()
		c.drop(legDownstream, reasonCodec)
		c.d.logger.WarnWithError(c.logCtx, "dropping backend audio", err)
		return
	}
	messageType, data, err := c.dialect.encodeAudio(c.streamSID, payload)
	if err != nil {
		c.drop(legDownstream, reasonProtocol)
		return
	}
	if c.sendCaller(messageType, data) {
		c.d.metrics.RelayFrames.WithLabelValues(legDownstream, f.Label()).Inc()
	}
}

func (c *call) sendBackend(f protocol.Frame) {
	if c.backend == nil {
		c.drop(legUpstream, reasonNotReady)
		return
	}
	if err := c.backend.Send(f); err != nil {
		c.drop(legUpstream, dropReason(err))
		return
	}
	c.d.metrics.RelayFrames.WithLabelValues(legUpstream, f.Label()).Inc()
}

func (c *call) sendCaller(messageType int, data []byte) bool {
	if err := c.out.enqueue(messageType, data); err != nil {
		c.drop(legDownstream, dropReason(err))
		return false
	}
	return true
}

func (c *call) notify(n protocol.Notice) {
	if messageType, data, ok := c.dialect.encodeNotice(n); ok {
		c.sendCaller(messageType, data)
	}
}

func (c *call) transition(to session.Status) {
	if c.sess == nil {
		return
	}
	if _, err := c.d.registry.Transition(c.sess.ID, to); err != nil {
		c.d.logger.WarnWithError(c.logCtx, "session transition rejected", err)
		return
	}
	c.d.metrics.SessionEvents.WithLabelValues(string(to)).Inc()
}

func (c *call) drop(leg, reason string) {
	c.d.metrics.RelayFramesDropped.WithLabelValues(leg, reason).Inc()
}

func (c *call) teardown() {
	c.cancel()
	if c.backend != nil {
		_ = c.backend.Close()
	}
	c.out.close()
	_ = c.conn.Close()

	if c.sess == nil {
		return
	}
	// Already gone when the registry initiated the teardown.
	if _, err := c.d.registry.Transition(c.sess.ID, session.StatusDisconnected); err == nil {
		c.d.metrics.SessionEvents.WithLabelValues(string(session.StatusDisconnected)).Inc()
	}
	if _, removed := c.d.registry.Remove(c.sess.ID); removed {
		c.d.logger.Info(c.logCtx, "session removed")
	}
}

func dropReason(err error) string {
	if errors.Is(err, ErrQueueFull) {
		return reasonQueueFull
	}
	if errors.Is(err, ErrClosed) {
		return reasonClosed
	}
	return reasonUnsupported
}
