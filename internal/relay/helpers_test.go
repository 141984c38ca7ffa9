package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/session"
)

const testTimeout = 2 * time.Second

// memBackend is an in-memory BackendConn driven by the test.
type memBackend struct {
	sent   chan protocol.Frame
	frames chan protocol.Frame
	done   chan struct{}
	once   sync.Once
	err    error
	closes atomic.Int32
}

func newMemBackend() *memBackend {
	return &memBackend{
		sent:   make(chan protocol.Frame, 64),
		frames: make(chan protocol.Frame, 64),
		done:   make(chan struct{}),
	}
}

func (m *memBackend) Send(f protocol.Frame) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.sent <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

func (m *memBackend) Frames() <-chan protocol.Frame { return m.frames }
func (m *memBackend) Done() <-chan struct{}         { return m.done }
func (m *memBackend) Err() error                    { return m.err }

func (m *memBackend) Close() error {
	m.closes.Add(1)
	m.end(nil)
	return nil
}

// end finishes the backend as if the remote side closed (err nil) or failed.
func (m *memBackend) end(err error) {
	m.once.Do(func() {
		m.err = err
		close(m.frames)
		close(m.done)
	})
}

type stubConnector struct {
	gate     chan struct{}
	err      error
	backends chan *memBackend
	sessions chan session.Session
}

func newStubConnector() *stubConnector {
	return &stubConnector{
		backends: make(chan *memBackend, 8),
		sessions: make(chan session.Session, 8),
	}
}

func (s *stubConnector) Connect(ctx context.Context, sess *session.Session) (BackendConn, error) {
	s.sessions <- *sess
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	b := newMemBackend()
	s.backends <- b
	return b, nil
}

// fakeBackend is a websocket speech backend on an httptest server.
type fakeBackend struct {
	srv     *httptest.Server
	configs chan protocol.BackendConfig
	headers chan http.Header
	conns   chan *websocket.Conn
	binary  chan []byte
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		configs: make(chan protocol.BackendConfig, 4),
		headers: make(chan http.Header, 4),
		conns:   make(chan *websocket.Conn, 4),
		binary:  make(chan []byte, 16),
	}
	upgrader := websocket.Upgrader{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fb.headers <- r.Header.Clone()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cfg protocol.BackendConfig
		_ = json.Unmarshal(data, &cfg)
		fb.configs <- cfg
		fb.conns <- conn

		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType == websocket.BinaryMessage {
				fb.binary <- data
			}
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) url() string {
	return wsURL(fb.srv, "/ws")
}

type testStack struct {
	dispatcher *Dispatcher
	registry   *session.Registry
	metrics    *observability.Metrics
	srv        *httptest.Server
}

func newTestStack(t *testing.T, connector Connector) *testStack {
	t.Helper()
	registry := session.NewRegistry(time.Minute)
	metrics := observability.NewMetrics("relay_test", prometheus.NewRegistry())
	d := NewDispatcher(registry, connector, Options{
		DefaultVoice:     "NATF2",
		DefaultPersona:   "You are a helpful AI assistant.",
		TelephonyVoice:   "NATF0",
		TelephonyPersona: "telephony persona",
		QueueSize:        64,
		WriteTimeout:     time.Second,
	}, metrics, observability.NewNopLogger())

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/voice", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = d.ServeBrowser(context.Background(), conn, r.URL.Query().Get("session"))
	})
	mux.HandleFunc("/media-stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = d.ServeTelephony(context.Background(), conn)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		d.TerminateAll()
		srv.Close()
	})
	return &testStack{dispatcher: d, registry: registry, metrics: metrics, srv: srv}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, path), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func readNotice(t *testing.T, conn *websocket.Conn) protocol.Notice {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(testTimeout))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("message type = %d, want text", messageType)
	}
	var n protocol.Notice
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("notice %q: %v", data, err)
	}
	return n
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sessionStatus(r *session.Registry, id string) session.Status {
	s, err := r.Get(id)
	if err != nil {
		return ""
	}
	return s.Status
}

func scrape(t *testing.T, m *observability.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}
