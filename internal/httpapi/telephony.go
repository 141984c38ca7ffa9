package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/telephony"
)

type placeCallRequest struct {
	To string `json:"to"`
}

type placeCallResponse struct {
	CallSID string `json:"callSid"`
	Status  string `json:"status"`
}

// handleIncoming answers a Twilio voice webhook with TwiML that opens the media stream.
func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	ctx := observability.WithFields(r.Context(),
		observability.Field{Key: "call_sid", Value: r.PostForm.Get("CallSid")},
		observability.Field{Key: "from", Value: observability.MaskPhone(r.PostForm.Get("From"))},
	)
	s.logger.Info(ctx, "incoming call")

	doc, err := telephony.AnswerTwiML(telephony.StreamURL(s.cfg.PublicURL), s.cfg.TelephonyGreeting)
	if err != nil {
		s.logger.Error(ctx, "build answer TwiML", err)
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

// handleCallStatus ends the session of a call Twilio reports as finished.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	callSID := strings.TrimSpace(r.PostForm.Get("CallSid"))
	status := r.PostForm.Get("CallStatus")
	ctx := observability.WithFields(r.Context(),
		observability.Field{Key: "call_sid", Value: callSID},
		observability.Field{Key: "call_status", Value: status},
	)
	s.logger.Info(ctx, "call status")

	if callSID != "" && telephony.IsFinalCallStatus(status) {
		if sess, err := s.sessions.GetByCall(callSID); err == nil {
			s.sessions.Remove(sess.ID)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.To) == "" {
		respondError(w, http.StatusBadRequest, "missing_number", `Missing "to" phone number`)
		return
	}

	ctx := observability.WithFields(r.Context(), observability.Field{Key: "to", Value: observability.MaskPhone(req.To)})
	sid, err := s.dialer.PlaceCall(ctx, req.To)
	switch {
	case errors.Is(err, telephony.ErrNotConfigured):
		respondError(w, http.StatusInternalServerError, "not_configured", "Twilio credentials not configured")
		return
	case err != nil:
		s.logger.Error(ctx, "place outbound call", observability.RedactError(err))
		respondError(w, http.StatusInternalServerError, "call_failed", err.Error())
		return
	}
	s.logger.Info(observability.WithFields(ctx, observability.Field{Key: "call_sid", Value: sid}), "outbound call initiated")
	respondJSON(w, http.StatusOK, placeCallResponse{CallSID: sid, Status: "initiated"})
}
