package integration

import (
	"context"
	"os"
	"testing"
	"time"
)

// Config holds integration test configuration from environment
type Config struct {
	ServerURL     string // live graphql-ws endpoint
	HTTPServerURL string // live HTTP endpoint
	AuthToken     string
	TestTimeout   time.Duration
	SkipSlow      bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	return &Config{
		ServerURL:     os.Getenv("GQLCLIENT_TEST_WS_URL"),
		HTTPServerURL: os.Getenv("GQLCLIENT_TEST_HTTP_URL"),
		AuthToken:     os.Getenv("GQLCLIENT_TEST_TOKEN"),
		TestTimeout:   30 * time.Second,
		SkipSlow:      os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoServer skips the test if no live server URL is configured.
func SkipIfNoServer(t *testing.T, url, name string) {
	t.Helper()
	if url == "" {
		t.Skipf("Skipping %s integration test: server URL not set", name)
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// StartMockServer starts a MockServer closed at test cleanup.
func StartMockServer(t *testing.T, opts ...MockOption) *MockServer {
	t.Helper()
	m := NewMockServer(opts...)
	t.Cleanup(m.Close)
	return m
}
