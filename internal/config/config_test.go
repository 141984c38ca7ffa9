package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BackendURL() != "wss://localhost:8998/ws" {
		t.Fatalf("BackendURL() = %q, want %q", cfg.BackendURL(), "wss://localhost:8998/ws")
	}
	if !cfg.BackendInsecureSkipVerify {
		t.Fatalf("BackendInsecureSkipVerify = false, want true by default")
	}
	if cfg.DefaultVoice != "NATF2" || cfg.TelephonyVoice != "NATF0" {
		t.Fatalf("default voices = %q/%q", cfg.DefaultVoice, cfg.TelephonyVoice)
	}
	if cfg.PublicURL != "http://localhost:3460" {
		t.Fatalf("PublicURL = %q, want %q", cfg.PublicURL, "http://localhost:3460")
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("BACKEND_HOST", "gpu.internal")
	t.Setenv("BACKEND_PORT", "9000")
	t.Setenv("BACKEND_SCHEME", "ws")
	t.Setenv("BACKEND_PATH", "api/chat")
	t.Setenv("BACKEND_INSECURE_SKIP_VERIFY", "false")
	t.Setenv("BACKEND_DIAL_TIMEOUT", "3s")
	t.Setenv("PUBLIC_URL", "https://relay.example.com/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BackendURL() != "ws://gpu.internal:9000/api/chat" {
		t.Fatalf("BackendURL() = %q", cfg.BackendURL())
	}
	if cfg.BackendInsecureSkipVerify {
		t.Fatalf("BackendInsecureSkipVerify = true, want false")
	}
	if cfg.BackendDialTimeout != 3*time.Second {
		t.Fatalf("BackendDialTimeout = %v, want 3s", cfg.BackendDialTimeout)
	}
	if cfg.PublicURL != "https://relay.example.com" {
		t.Fatalf("PublicURL = %q", cfg.PublicURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"BACKEND_PORT":                 "nope",
		"BACKEND_SCHEME":               "http",
		"BACKEND_INSECURE_SKIP_VERIFY": "maybe",
		"RELAY_QUEUE_SIZE":             "0",
		"SESSION_ATTACH_TTL":           "10ms",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q succeeded, want error", key, value)
			}
		})
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "relay.env")
	if err := os.WriteFile(path, []byte("DEFAULT_VOICE=NATM3\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("VOICE_ENV_FILE", path)
	// godotenv sets the variable process-wide; restore it after the test.
	t.Setenv("DEFAULT_VOICE", "")
	os.Unsetenv("DEFAULT_VOICE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DefaultVoice != "NATM3" {
		t.Fatalf("DefaultVoice = %q, want NATM3", cfg.DefaultVoice)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"GO_ENV",
		"VOICE_ENV_FILE",
		"VOICE_BIND_ADDR",
		"VOICE_SHUTDOWN_TIMEOUT",
		"VOICE_METRICS_NAMESPACE",
		"VOICE_LOG_LEVEL",
		"VOICE_ALLOW_ANY_ORIGIN",
		"BACKEND_HOST",
		"BACKEND_PORT",
		"BACKEND_SCHEME",
		"BACKEND_PATH",
		"BACKEND_INSECURE_SKIP_VERIFY",
		"BACKEND_DIAL_TIMEOUT",
		"DEFAULT_VOICE",
		"DEFAULT_PERSONA",
		"TELEPHONY_VOICE",
		"TELEPHONY_PERSONA",
		"TELEPHONY_GREETING",
		"PUBLIC_URL",
		"SESSION_ATTACH_TTL",
		"RELAY_WRITE_TIMEOUT",
		"RELAY_QUEUE_SIZE",
		"TWILIO_ACCOUNT_SID",
		"TWILIO_AUTH_TOKEN",
		"TWILIO_PHONE_NUMBER",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
	// Keep a stray .env in the package directory from leaking into tests.
	t.Setenv("VOICE_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}
