// Package telephony is the Twilio side of the relay: the TwiML that points an
// answered call at the media stream endpoint and outbound call placement.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

var (
	// ErrNotConfigured is returned when Twilio credentials are missing. It fails the
	// request that needed them, never a live session.
	ErrNotConfigured = errors.New("twilio credentials not configured")
	ErrMissingNumber = errors.New("destination number is required")
)

const streamName = "voicebridge"

type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// PublicURL is where Twilio reaches this server, e.g. https://relay.example.com.
	PublicURL string
}

func (c Config) configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != ""
}

type callCreator interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
}

// Dialer places outbound calls that are answered by this server's /incoming TwiML.
type Dialer struct {
	cfg Config
	api callCreator
}

func NewDialer(cfg Config) *Dialer {
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	d := &Dialer{cfg: cfg}
	if cfg.configured() {
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		d.api = client.Api
	}
	return d
}

func (d *Dialer) Configured() bool {
	return d.api != nil
}

// PlaceCall starts an outbound call to the given number and returns its call SID.
func (d *Dialer) PlaceCall(ctx context.Context, to string) (string, error) {
	if d.api == nil {
		return "", ErrNotConfigured
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return "", ErrMissingNumber
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(d.cfg.FromNumber)
	params.SetUrl(d.cfg.PublicURL + "/incoming")
	params.SetStatusCallback(d.cfg.PublicURL + "/status")
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})

	resp, err := d.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("create call: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return "", errors.New("create call: response without sid")
	}
	return *resp.Sid, nil
}

// StreamURL turns the public http(s) base URL into the media stream websocket URL.
func StreamURL(publicURL string) string {
	base := strings.TrimRight(publicURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/media-stream"
}

// AnswerTwiML speaks the optional greeting and connects the call to the media stream.
func AnswerTwiML(streamURL, greeting string) (string, error) {
	elements := make([]twiml.Element, 0, 2)
	if greeting != "" {
		elements = append(elements, &twiml.VoiceSay{Message: greeting})
	}
	stream := twiml.VoiceStream{
		Name: streamName,
		Url:  streamURL,
	}
	elements = append(elements, twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	})
	return twiml.Voice(elements)
}

// IsFinalCallStatus reports whether a Twilio call status ends the call.
func IsFinalCallStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "failed", "canceled", "busy", "no-answer":
		return true
	default:
		return false
	}
}
