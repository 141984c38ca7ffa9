package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/relay"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/telephony"
)

const callerReadLimit = 1 << 20

type Server struct {
	cfg        config.Config
	sessions   *session.Registry
	dispatcher *relay.Dispatcher
	dialer     *telephony.Dialer
	metrics    *observability.Metrics
	logger     *observability.Logger
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Registry, dispatcher *relay.Dispatcher, dialer *telephony.Dialer, metrics *observability.Metrics, logger *observability.Logger) *Server {
	return &Server{
		cfg:        cfg,
		sessions:   sessions,
		dispatcher: dispatcher,
		dialer:     dialer,
		metrics:    metrics,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin: func(r *http.Request) bool {
				// Only the same origin may drive a browser session unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Twilio and other non-browser clients omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.Middleware(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/voices", s.handleListVoices)
		r.Get("/perf/latency", s.handlePerfLatency)
		r.Get("/sessions", s.handleListSessions)
		r.Post("/session", s.handleCreateSession)
		r.Get("/session/{id}", s.handleGetSession)
		r.Delete("/session/{id}", s.handleDeleteSession)
	})

	r.Get("/voice", s.handleVoiceWS)
	r.Get("/media-stream", s.handleMediaStreamWS)

	r.Post("/incoming", s.handleIncoming)
	r.Post("/status", s.handleCallStatus)
	r.Post("/call", s.handlePlaceCall)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"activeSessions": s.sessions.Len(),
		"backendHost":    s.cfg.BackendAddr(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Voice) == "" {
		req.Voice = s.cfg.DefaultVoice
	}
	if strings.TrimSpace(req.Persona) == "" {
		req.Persona = s.cfg.DefaultPersona
	}

	sess := s.sessions.Create(session.Params{
		Voice:   req.Voice,
		Persona: req.Persona,
		AgentID: req.AgentID,
		Source:  session.SourceREST,
	})
	s.metrics.ActiveSessions.Set(float64(s.sessions.Len()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		ID:      sess.ID,
		Voice:   sess.Voice,
		Persona: sess.Persona,
		Status:  sess.Status,
		WSURL:   "/voice?session=" + url.QueryEscape(sess.ID),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", "Session not found")
		return
	}
	respondJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.sessions.List()
	views := make([]session.View, 0, len(list))
	for _, sess := range list {
		views = append(views, sess.View())
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.sessions.Remove(id); !ok {
		respondError(w, http.StatusNotFound, "session_not_found", "Session not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "ended"})
}

func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
	if sessionID != "" {
		if _, err := s.sessions.Get(sessionID); err != nil {
			respondError(w, http.StatusNotFound, "session_not_found", "Session not found")
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(callerReadLimit)
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	if err := s.dispatcher.ServeBrowser(r.Context(), conn, sessionID); err != nil {
		s.logger.WarnWithError(r.Context(), "browser relay ended with error", err)
	}
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) handleMediaStreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(callerReadLimit)
	s.metrics.SessionEvents.WithLabelValues("media_stream_connected").Inc()

	if err := s.dispatcher.ServeTelephony(r.Context(), conn); err != nil {
		s.logger.WarnWithError(r.Context(), "telephony relay ended with error", err)
	}
	s.metrics.SessionEvents.WithLabelValues("media_stream_disconnected").Inc()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
