package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/session"
)

const backendReadLimit = 4 << 20

// Connector opens one backend connection for a session and performs the config
// handshake before returning.
type Connector interface {
	Connect(ctx context.Context, s *session.Session) (BackendConn, error)
}

// BackendConn is a live, handshaken backend connection.
type BackendConn interface {
	// Send queues a frame for the backend without blocking.
	Send(f protocol.Frame) error
	// Frames yields inbound frames in arrival order and is closed when the
	// connection ends.
	Frames() <-chan protocol.Frame
	Done() <-chan struct{}
	// Err is nil after a clean close and non-nil after a failure. Valid once Done
	// is closed.
	Err() error
	Close() error
}

// DialError reports a failed backend dial or handshake.
type DialError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("dial %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dial %s: %v", e.URL, e.Err)
}

func (e *DialError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

type WSConnectorConfig struct {
	URL                string
	InsecureSkipVerify bool
	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
	QueueSize          int
}

// WSConnector dials the speech backend over websocket.
type WSConnector struct {
	cfg    WSConnectorConfig
	dialer *websocket.Dialer
}

func NewWSConnector(cfg WSConnectorConfig) *WSConnector {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &WSConnector{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   16 << 10,
			WriteBufferSize:  16 << 10,
			// The backend usually runs with a self-signed certificate.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, //nolint:gosec
		},
	}
}

func (c *WSConnector) Connect(ctx context.Context, s *session.Session) (BackendConn, error) {
	header := http.Header{}
	header.Set("X-Voice", headerValue(s.Voice))
	header.Set("X-Persona", headerValue(s.Persona))

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		dialErr := &DialError{URL: c.cfg.URL, Err: err}
		if resp != nil {
			dialErr.StatusCode = resp.StatusCode
		}
		return nil, dialErr
	}
	conn.SetReadLimit(backendReadLimit)

	payload, err := json.Marshal(protocol.NewBackendConfig(s.Voice, s.Persona))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("encode backend config: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		_ = conn.Close()
		return nil, &DialError{URL: c.cfg.URL, Err: err}
	}
	return newWSBackend(conn, c.cfg.QueueSize, c.cfg.WriteTimeout), nil
}

// headerValue flattens multi-line personas; header values cannot carry newlines.
func headerValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

type wsBackend struct {
	conn   Conn
	out    *writer
	frames chan protocol.Frame
	closed chan struct{}
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func newWSBackend(conn Conn, queueSize int, writeTimeout time.Duration) *wsBackend {
	b := &wsBackend{
		conn:   conn,
		frames: make(chan protocol.Frame, 64),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	b.out = startWriter(conn, queueSize, writeTimeout, func(error) {
		_ = conn.Close()
	})
	go b.readLoop()
	return b
}

func (b *wsBackend) Send(f protocol.Frame) error {
	switch f.Kind {
	case protocol.KindAudio:
		return b.out.enqueue(websocket.BinaryMessage, f.Audio)
	case protocol.KindControl:
		if len(f.Control.Raw) == 0 {
			return fmt.Errorf("%w: control %q has no payload", protocol.ErrUnsupportedType, f.Control.Type)
		}
		return b.out.enqueue(websocket.TextMessage, f.Control.Raw)
	default:
		return fmt.Errorf("%w: frame kind %s", protocol.ErrUnsupportedType, f.Kind)
	}
}

func (b *wsBackend) Frames() <-chan protocol.Frame { return b.frames }

func (b *wsBackend) Done() <-chan struct{} { return b.done }

func (b *wsBackend) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *wsBackend) Close() error {
	b.once.Do(func() {
		close(b.closed)
		b.out.stop()
		_ = b.conn.Close()
	})
	return nil
}

func (b *wsBackend) readLoop() {
	defer close(b.done)
	defer close(b.frames)
	for {
		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			b.finish(err)
			return
		}
		frame := protocol.DecodeBackend(data, messageType == websocket.BinaryMessage)
		select {
		case b.frames <- frame:
		case <-b.closed:
			return
		}
	}
}

func (b *wsBackend) finish(err error) {
	select {
	case <-b.closed:
		// Closed locally; not a backend failure.
		return
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	b.mu.Lock()
	b.err = fmt.Errorf("%w: backend read: %v", ErrTransport, err)
	b.mu.Unlock()
}
