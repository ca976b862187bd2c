package testutil

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/opencode-ai/chatbridge/internal/cache"
	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/provider"
	"github.com/opencode-ai/chatbridge/internal/server"
	"github.com/opencode-ai/chatbridge/internal/session"
	"github.com/opencode-ai/chatbridge/internal/storage"
	"github.com/opencode-ai/chatbridge/internal/store"
	"github.com/opencode-ai/chatbridge/internal/transport"
	"github.com/opencode-ai/chatbridge/internal/transport/transporttest"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// MockModel is the model name the test config selects.
const MockModel = "mockllm/mock-chat"

// TestServer wraps a fully wired server listening on a local port.
type TestServer struct {
	Server    *server.Server
	BaseURL   string
	Config    *types.Config
	Registry  *session.Registry
	Transport *transporttest.Transport
	Store     store.Store
	Bus       *event.Bus
	LLM       *MockLLMServer
	TempDir   string
	port      int
}

// TestServerOption configures TestServer
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	fallback  string
	reconnect session.ReconnectPolicy
}

// WithFallback sets the reply used when generation fails.
func WithFallback(text string) TestServerOption {
	return func(c *testServerConfig) {
		c.fallback = text
	}
}

// WithReconnect overrides the reconnect delays.
func WithReconnect(initial, max time.Duration) TestServerOption {
	return func(c *testServerConfig) {
		c.reconnect = session.ReconnectPolicy{Initial: initial, Max: max}
	}
}

// StartTestServer creates and starts a test server backed by a mock LLM
// and an in-memory chat transport.
func StartTestServer(opts ...TestServerOption) (*TestServer, error) {
	cfg := &testServerConfig{
		reconnect: session.ReconnectPolicy{Initial: 50 * time.Millisecond, Max: 200 * time.Millisecond},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	tempDir, err := os.MkdirTemp("", "chatbridge-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	port, err := findAvailablePort()
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}

	llm := NewMockLLMServer()
	appConfig := buildTestConfig(llm.URL())

	ctx := context.Background()
	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		llm.Close()
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}
	gen, err := providerReg.Default()
	if err != nil {
		llm.Close()
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("no provider: %w", err)
	}

	st := store.NewFileStore(storage.New(filepath.Join(tempDir, "storage")))
	tr := transporttest.New()
	bus := event.NewBus()
	creds := transport.NewCredentialStore(filepath.Join(tempDir, "sessions"))

	sup := session.NewSupervisor(tr, st, creds, bus, cfg.reconnect)
	pipe := session.NewPipeline(st, cache.New(cache.NewMemoryBackend(), time.Hour), gen, sup, bus, session.PipelineConfig{
		Fallback: cfg.fallback,
		Timeout:  10 * time.Second,
	})
	registry := session.NewRegistry(st, sup, pipe, creds, bus)

	serverConfig := server.DefaultConfig()
	serverConfig.Port = port
	srv := server.New(serverConfig, registry, bus)

	go func() {
		_ = srv.Start()
	}()

	ts := &TestServer{
		Server:    srv,
		BaseURL:   fmt.Sprintf("http://localhost:%d", port),
		Config:    appConfig,
		Registry:  registry,
		Transport: tr,
		Store:     st,
		Bus:       bus,
		LLM:       llm,
		TempDir:   tempDir,
		port:      port,
	}

	if err := waitForServer(ts.BaseURL, 10*time.Second); err != nil {
		ts.Stop()
		return nil, fmt.Errorf("server failed to start: %w", err)
	}
	return ts, nil
}

// Stop shuts down the test server and cleans up
func (ts *TestServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := ts.Server.Shutdown(ctx)
	ts.Registry.Close()
	ts.Bus.Close()
	ts.Store.Close()
	ts.LLM.Close()

	if ts.TempDir != "" {
		os.RemoveAll(ts.TempDir)
	}
	return err
}

// Client returns a new test client acting for owner.
func (ts *TestServer) Client(owner string) *TestClient {
	return NewTestClient(ts.BaseURL, owner)
}

// SSEClient returns a new SSE client acting for owner.
func (ts *TestServer) SSEClient(owner string) *SSEClient {
	return NewSSEClient(ts.BaseURL, owner)
}

// buildTestConfig routes generation to the mock LLM through the
// OpenAI-compatible provider.
func buildTestConfig(baseURL string) *types.Config {
	return &types.Config{
		Model: MockModel,
		Provider: map[string]types.ProviderConfig{
			"mockllm": {
				APIKey:  "test-key",
				BaseURL: baseURL,
			},
		},
	}
}

// findAvailablePort finds an available TCP port
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// waitForServer waits for the server to be ready
func waitForServer(baseURL string, timeout time.Duration) error {
	client := NewTestClient(baseURL, "")
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(context.Background(), "/health")
		if err == nil && resp.IsSuccess() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}
