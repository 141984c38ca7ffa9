package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the voice relay.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	AllowAnyOrigin   bool

	BackendHost               string
	BackendPort               int
	BackendScheme             string
	BackendPath               string
	BackendInsecureSkipVerify bool
	BackendDialTimeout        time.Duration

	DefaultVoice   string
	DefaultPersona string

	TelephonyVoice    string
	TelephonyPersona  string
	TelephonyGreeting string
	PublicURL         string

	SessionAttachTTL  time.Duration
	RelayWriteTimeout time.Duration
	RelayQueueSize    int

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string
}

// BackendURL is the websocket URL of the speech backend.
func (c Config) BackendURL() string {
	return fmt.Sprintf("%s://%s%s", c.BackendScheme, c.BackendAddr(), c.BackendPath)
}

// BackendAddr is host:port of the speech backend.
func (c Config) BackendAddr() string {
	return net.JoinHostPort(c.BackendHost, strconv.Itoa(c.BackendPort))
}

// Load reads environment variables and applies defaults. Outside production a .env
// file (VOICE_ENV_FILE, default ".env") is loaded first when it exists; variables
// already present in the environment win.
func Load() (Config, error) {
	if os.Getenv("GO_ENV") != "production" {
		if err := godotenv.Load(envOrDefault("VOICE_ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg := Config{
		BindAddr:          envOrDefault("VOICE_BIND_ADDR", ":3460"),
		MetricsNamespace:  envOrDefault("VOICE_METRICS_NAMESPACE", "voicebridge"),
		LogLevel:          envOrDefault("VOICE_LOG_LEVEL", "info"),
		BackendHost:       envOrDefault("BACKEND_HOST", "localhost"),
		BackendScheme:     envOrDefault("BACKEND_SCHEME", "wss"),
		BackendPath:       envOrDefault("BACKEND_PATH", "/ws"),
		DefaultVoice:      envOrDefault("DEFAULT_VOICE", "NATF2"),
		DefaultPersona:    envOrDefault("DEFAULT_PERSONA", "You are a helpful AI assistant."),
		TelephonyVoice:    envOrDefault("TELEPHONY_VOICE", "NATF0"),
		TelephonyPersona:  envOrDefault("TELEPHONY_PERSONA", "You are a wise and friendly teacher. Answer questions or provide advice in a clear and engaging way."),
		TelephonyGreeting: envOrDefault("TELEPHONY_GREETING", "Connecting you to the AI assistant. Please wait."),
		PublicURL:         stringsTrimSpace("PUBLIC_URL"),
		TwilioAccountSID:  stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		TwilioPhoneNumber: stringsTrimSpace("TWILIO_PHONE_NUMBER"),

		BackendPort:               8998,
		BackendInsecureSkipVerify: true,
		BackendDialTimeout:        10 * time.Second,
		ShutdownTimeout:           15 * time.Second,
		SessionAttachTTL:          2 * time.Minute,
		RelayWriteTimeout:         10 * time.Second,
		RelayQueueSize:            256,
	}

	var err error
	if cfg.BackendPort, err = intFromEnv("BACKEND_PORT", cfg.BackendPort); err != nil {
		return Config{}, err
	}
	if cfg.BackendInsecureSkipVerify, err = boolFromEnv("BACKEND_INSECURE_SKIP_VERIFY", cfg.BackendInsecureSkipVerify); err != nil {
		return Config{}, err
	}
	if cfg.BackendDialTimeout, err = durationFromEnv("BACKEND_DIAL_TIMEOUT", cfg.BackendDialTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationFromEnv("VOICE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionAttachTTL, err = durationFromEnv("SESSION_ATTACH_TTL", cfg.SessionAttachTTL); err != nil {
		return Config{}, err
	}
	if cfg.RelayWriteTimeout, err = durationFromEnv("RELAY_WRITE_TIMEOUT", cfg.RelayWriteTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RelayQueueSize, err = intFromEnv("RELAY_QUEUE_SIZE", cfg.RelayQueueSize); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("VOICE_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}

	if cfg.PublicURL == "" {
		_, port, err := net.SplitHostPort(cfg.BindAddr)
		if err != nil {
			return Config{}, fmt.Errorf("VOICE_BIND_ADDR parse error: %w", err)
		}
		cfg.PublicURL = "http://localhost:" + port
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	if cfg.BackendPort <= 0 || cfg.BackendPort > 65535 {
		return Config{}, fmt.Errorf("BACKEND_PORT must be between 1 and 65535")
	}
	switch cfg.BackendScheme {
	case "ws", "wss":
	default:
		return Config{}, fmt.Errorf("BACKEND_SCHEME must be ws or wss, got %q", cfg.BackendScheme)
	}
	if !strings.HasPrefix(cfg.BackendPath, "/") {
		cfg.BackendPath = "/" + cfg.BackendPath
	}
	if cfg.RelayQueueSize <= 0 {
		return Config{}, fmt.Errorf("RELAY_QUEUE_SIZE must be positive")
	}
	if cfg.SessionAttachTTL < time.Second {
		return Config{}, fmt.Errorf("SESSION_ATTACH_TTL must be at least 1s")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
