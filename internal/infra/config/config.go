package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level client configuration.
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	HTTP      HTTPConfig      `yaml:"http"`
	Events    EventsConfig    `yaml:"events"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// ClientConfig holds connection and session settings.
type ClientConfig struct {
	URL       string `yaml:"url"`       // ws:// or wss:// endpoint
	HTTPURL   string `yaml:"http_url"`  // endpoint for the http transport
	Transport string `yaml:"transport"` // "websocket" or "http"

	Subprotocol string `yaml:"subprotocol"`
	// Headers are the session headers: sent in connection_init over the
	// websocket transport and on every request over http.
	Headers map[string]string `yaml:"headers,omitempty"`
	// UpgradeHeaders go on the websocket upgrade request only.
	UpgradeHeaders map[string]string `yaml:"upgrade_headers,omitempty"`

	QueryTimeout     time.Duration `yaml:"query_timeout"`      // 0 = wait for the caller's context
	StopTimeout      time.Duration `yaml:"stop_timeout"`       // wait for complete after stop
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`  // wait for connection_ack
	KeepAliveTimeout time.Duration `yaml:"keepalive_timeout"`  // 0 disables the liveness watchdog
	WriteTimeout     time.Duration `yaml:"write_timeout"`      // per-frame write deadline
	ReadLimit        int64         `yaml:"read_limit"`         // max inbound message bytes
}

// ReconnectConfig holds automatic reconnection settings.
type ReconnectConfig struct {
	Enabled        bool          `yaml:"enabled"`
	MaxAttempts    int           `yaml:"max_attempts"` // 0 = unlimited
	MinDelay       time.Duration `yaml:"min_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	AttemptsPerMin int           `yaml:"attempts_per_min"` // 0 = no rate limit
	Burst          int           `yaml:"burst"`
}

// HTTPConfig holds settings for the one-shot HTTP transport.
type HTTPConfig struct {
	ConnTimeout    time.Duration        `yaml:"conn_timeout"`
	RespTimeout    time.Duration        `yaml:"resp_timeout"`
	Pool           PoolConfig           `yaml:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

// CircuitBreakerConfig holds circuit breaker settings for the HTTP transport.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// RateLimitConfig holds client-side request rate limiting.
type RateLimitConfig struct {
	RequestsPerMin int `yaml:"requests_per_min"` // 0 = unlimited
	Burst          int `yaml:"burst"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"` // per-subscriber mailbox
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Client: ClientConfig{
			URL:              "ws://localhost:4000/graphql",
			HTTPURL:          "http://localhost:4000/graphql",
			Transport:        "websocket",
			Subprotocol:      "graphql-ws",
			StopTimeout:      5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     10 * time.Second,
			ReadLimit:        1 << 20,
		},
		Reconnect: ReconnectConfig{
			Enabled:        true,
			MaxAttempts:    10,
			MinDelay:       250 * time.Millisecond,
			MaxDelay:       30 * time.Second,
			AttemptsPerMin: 30,
			Burst:          3,
		},
		HTTP: HTTPConfig{
			ConnTimeout: 10 * time.Second,
			RespTimeout: 30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Events: EventsConfig{
			BufferSize: 64,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := finish(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass so the main file takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func finish(cfg *Config) error {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("GQLCLIENT_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	return Validate(cfg)
}

// ApplyEnvOverrides maps GQLCLIENT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GQLCLIENT_URL"); v != "" {
		cfg.Client.URL = v
	}
	if v := os.Getenv("GQLCLIENT_HTTP_URL"); v != "" {
		cfg.Client.HTTPURL = v
	}
	if v := os.Getenv("GQLCLIENT_TRANSPORT"); v != "" {
		cfg.Client.Transport = v
	}
	if v := os.Getenv("GQLCLIENT_HEADERS"); v != "" {
		// Comma-separated "Name=value" pairs, merged over the file's headers.
		if cfg.Client.Headers == nil {
			cfg.Client.Headers = make(map[string]string)
		}
		for _, pair := range splitAndTrim(v, ",") {
			name, value, ok := strings.Cut(pair, "=")
			if !ok || strings.TrimSpace(name) == "" {
				continue
			}
			cfg.Client.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
	}
	if v := os.Getenv("GQLCLIENT_AUTH_TOKEN"); v != "" {
		if cfg.Client.Headers == nil {
			cfg.Client.Headers = make(map[string]string)
		}
		cfg.Client.Headers["Authorization"] = "Bearer " + v
	}
	if v := os.Getenv("GQLCLIENT_QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Client.QueryTimeout = d
		}
	}
	if v := os.Getenv("GQLCLIENT_KEEPALIVE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Client.KeepAliveTimeout = d
		}
	}
	if v := os.Getenv("GQLCLIENT_RECONNECT_ENABLED"); v != "" {
		cfg.Reconnect.Enabled = v == "true"
	}
	if v := os.Getenv("GQLCLIENT_RECONNECT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reconnect.MaxAttempts = n
		}
	}
	if v := os.Getenv("GQLCLIENT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("GQLCLIENT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("GQLCLIENT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("GQLCLIENT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." header values and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for _, set := range []struct {
		name    string
		headers map[string]string
	}{
		{"client.headers", cfg.Client.Headers},
		{"client.upgrade_headers", cfg.Client.UpgradeHeaders},
	} {
		for k, v := range set.headers {
			if !strings.HasPrefix(v, "enc:") {
				continue
			}
			decrypted, err := DecryptValue(strings.TrimPrefix(v, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("%s %s: %w", set.name, k, err)
			}
			set.headers[k] = decrypted
		}
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
