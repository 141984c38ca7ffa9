package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/relay"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/telephony"
)

type downConnector struct{}

func (downConnector) Connect(context.Context, *session.Session) (relay.BackendConn, error) {
	return nil, &relay.DialError{URL: "wss://localhost:8998/ws", Err: errors.New("connection refused")}
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()
	cfg := config.Config{
		BackendHost:       "localhost",
		BackendPort:       8998,
		DefaultVoice:      "NATF2",
		DefaultPersona:    "You are a helpful AI assistant.",
		TelephonyGreeting: "Connecting you to the AI assistant. Please wait.",
		PublicURL:         "https://relay.example.com",
	}
	registry := session.NewRegistry(time.Minute)
	metrics := observability.NewMetrics("httpapi_test", prometheus.NewRegistry())
	logger := observability.NewNopLogger()
	dispatcher := relay.NewDispatcher(registry, downConnector{}, relay.Options{
		DefaultVoice:   cfg.DefaultVoice,
		DefaultPersona: cfg.DefaultPersona,
		QueueSize:      16,
		WriteTimeout:   time.Second,
	}, metrics, logger)
	dialer := telephony.NewDialer(telephony.Config{PublicURL: cfg.PublicURL})

	srv := New(cfg, registry, dispatcher, dialer, metrics, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		dispatcher.TerminateAll()
		ts.Close()
	})
	return ts, registry
}

func decodeBody(t *testing.T, res *http.Response, out any) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts, registry := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"voice": "NATM1", "agentId": "agent-7"})
	res, err := http.Post(ts.URL+"/api/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.CreateResponse
	decodeBody(t, res, &created)
	if created.ID == "" || created.Voice != "NATM1" || created.Persona != "You are a helpful AI assistant." {
		t.Fatalf("create response = %+v", created)
	}
	if created.Status != session.StatusCreated || created.WSURL != "/voice?session="+created.ID {
		t.Fatalf("create response = %+v", created)
	}

	res, err = http.Get(ts.URL + "/api/session/" + created.ID)
	if err != nil {
		t.Fatalf("get session request error = %v", err)
	}
	var view session.View
	decodeBody(t, res, &view)
	if view.ID != created.ID || view.AgentID != "agent-7" || view.CreatedAt == 0 {
		t.Fatalf("get response = %+v", view)
	}

	res, err = http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("list sessions request error = %v", err)
	}
	var list []session.View
	decodeBody(t, res, &list)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("list response = %+v", list)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/session/"+created.ID, nil)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete session request error = %v", err)
	}
	var ended map[string]string
	decodeBody(t, res, &ended)
	if res.StatusCode != http.StatusOK || ended["status"] != "ended" || ended["id"] != created.ID {
		t.Fatalf("delete = %d %+v", res.StatusCode, ended)
	}
	if registry.Len() != 0 {
		t.Fatalf("registry.Len() = %d, want 0", registry.Len())
	}

	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second delete request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestGetUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/api/session/missing")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	var payload errorResponse
	decodeBody(t, res, &payload)
	if res.StatusCode != http.StatusNotFound || payload.Code != "session_not_found" {
		t.Fatalf("status = %d payload = %+v", res.StatusCode, payload)
	}
}

func TestHealthAndVoices(t *testing.T) {
	ts, registry := newTestServer(t)
	registry.Create(session.Params{Voice: "NATF2", Source: session.SourceREST})

	res, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health error = %v", err)
	}
	var health map[string]any
	decodeBody(t, res, &health)
	if health["status"] != "ok" || health["activeSessions"] != float64(1) || health["backendHost"] != "localhost:8998" {
		t.Fatalf("health = %+v", health)
	}

	res, err = http.Get(ts.URL + "/api/voices")
	if err != nil {
		t.Fatalf("GET /api/voices error = %v", err)
	}
	var catalog voiceCatalog
	decodeBody(t, res, &catalog)
	if len(catalog.NaturalFemale) != 4 || len(catalog.NaturalMale) != 4 {
		t.Fatalf("natural voices = %d/%d, want 4/4", len(catalog.NaturalFemale), len(catalog.NaturalMale))
	}
	if len(catalog.VarietyMale) != 5 || catalog.VarietyMale[4].ID != "VARM4" || catalog.VarietyMale[4].Name != "Vox-M4" {
		t.Fatalf("variety male = %+v", catalog.VarietyMale)
	}

	res, err = http.Get(ts.URL + "/api/perf/latency")
	if err != nil {
		t.Fatalf("GET /api/perf/latency error = %v", err)
	}
	var snap observability.LatencySnapshot
	decodeBody(t, res, &snap)
	if snap.WindowSize == 0 {
		t.Fatalf("latency snapshot = %+v", snap)
	}
}

func TestIncomingReturnsTwiML(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := http.PostForm(ts.URL+"/incoming", url.Values{"CallSid": {"CA1"}, "From": {"+15550100"}})
	if err != nil {
		t.Fatalf("POST /incoming error = %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("Content-Type = %q, want text/xml", ct)
	}
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(strings.ToLower(string(body)), `url="wss://relay.example.com/media-stream"`) {
		t.Fatalf("TwiML = %s", body)
	}
}

func TestCallStatusEndsFinishedCall(t *testing.T) {
	ts, registry := newTestServer(t)
	s := registry.Create(session.Params{Source: session.SourceTelephony, CallSID: "CA1", StreamSID: "ST1"})

	post := func(status string) {
		t.Helper()
		res, err := http.PostForm(ts.URL+"/status", url.Values{"CallSid": {"CA1"}, "CallStatus": {status}})
		if err != nil {
			t.Fatalf("POST /status error = %v", err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status code = %d, want 200", res.StatusCode)
		}
	}

	post("in-progress")
	if _, err := registry.Get(s.ID); err != nil {
		t.Fatalf("session removed on non-final status")
	}
	post("completed")
	if _, err := registry.Get(s.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound after completed", err)
	}
}

func TestPlaceCallWithoutCredentials(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := http.Post(ts.URL+"/call", "application/json", strings.NewReader(`{"to":"+15550100"}`))
	if err != nil {
		t.Fatalf("POST /call error = %v", err)
	}
	var payload errorResponse
	decodeBody(t, res, &payload)
	if res.StatusCode != http.StatusInternalServerError || payload.Code != "not_configured" {
		t.Fatalf("status = %d payload = %+v", res.StatusCode, payload)
	}

	res, err = http.Post(ts.URL+"/call", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /call error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without destination", res.StatusCode)
	}
}

func TestVoiceWSRejectsUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/voice?session=missing"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail for unknown session")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake response = %+v, want 404", res)
	}
}

func TestVoiceWSReportsBackendUnavailable(t *testing.T) {
	ts, registry := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/voice"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "start", "voice": "NATF2", "persona": "p"}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	read := func() protocol.Notice {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var n protocol.Notice
		if err := conn.ReadJSON(&n); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		return n
	}

	created := read()
	if created.Type != protocol.NoticeSessionCreated {
		t.Fatalf("first notice = %+v", created)
	}
	failed := read()
	if failed.Type != protocol.NoticeError || failed.Message != relay.BackendUnavailableMessage {
		t.Fatalf("second notice = %+v", failed)
	}
	s, err := registry.Get(created.ID)
	if err != nil || s.Status != session.StatusError {
		t.Fatalf("session = %+v, err = %v; want error status", s, err)
	}
}
