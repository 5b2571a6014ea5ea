package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	ProviderVertex = "vertex"
	ProviderOpenAI = "openai"

	defaultVertexScope = "https://www.googleapis.com/auth/cloud-platform"
)

// VertexConfig configures the Vertex translating proxy.
type VertexConfig struct {
	ProjectID   string
	Region      string
	Credentials *ServiceCredentials
	// Endpoint overrides the upstream base URL; empty means the regional
	// aiplatform endpoint.
	Endpoint string
	Scope    string
}

func (c VertexConfig) endpoint() string {
	if c.Endpoint != "" {
		return strings.TrimRight(c.Endpoint, "/")
	}
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com", c.Region)
}

// OpenAIConfig configures the OpenAI-compatible translating proxy.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
}

func (c OpenAIConfig) baseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return "https://api.openai.com"
}

// Config holds proxy manager configuration.
type Config struct {
	Vertex VertexConfig
	OpenAI OpenAIConfig
	// HTTPClient is used for upstream calls; nil means a client with a
	// sane timeout for non-streaming use.
	HTTPClient *http.Client
}

type listener struct {
	srv  *http.Server
	addr string
}

// Manager owns the per-provider proxy listeners and the shared token cache.
// Listener state is process-wide: one Manager per process.
type Manager struct {
	logger *slog.Logger
	cfg    Config
	client *http.Client
	tokens *TokenCache

	mu        sync.Mutex
	listeners map[string]*listener
}

// NewManager creates a proxy manager and registers the credential flows the
// configuration enables.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}

	m := &Manager{
		logger:    logger,
		cfg:       cfg,
		client:    client,
		tokens:    NewTokenCache(logger),
		listeners: make(map[string]*listener),
	}

	if creds := cfg.Vertex.Credentials; creds != nil {
		scope := cfg.Vertex.Scope
		if scope == "" {
			scope = defaultVertexScope
		}
		m.tokens.Register(ProviderVertex, func(ctx context.Context) (Token, error) {
			return creds.ExchangeToken(ctx, client, scope)
		})
	}

	return m
}

// Tokens exposes the shared token cache.
func (m *Manager) Tokens() *TokenCache { return m.tokens }

// GetVertexToken returns a valid bearer token for Vertex, fetching one if
// needed.
func (m *Manager) GetVertexToken(ctx context.Context) (Token, error) {
	return m.tokens.Get(ctx, ProviderVertex)
}

// HasValidToken reports whether a usable token is cached for the provider.
func (m *Manager) HasValidToken(provider string) bool {
	return m.tokens.HasValidToken(provider)
}

// TokenExpiry exposes the cached token expiry for a provider.
func (m *Manager) TokenExpiry(provider string) time.Time {
	return m.tokens.TokenExpiry(provider)
}

// ClearTokenCache forces a refetch on the provider's next token use.
func (m *Manager) ClearTokenCache(provider string) {
	m.tokens.Clear(provider)
}

// EnsureVertexProxy starts the Vertex listener if not already running and
// returns its base address. A second call is a no-op returning the existing
// address.
func (m *Manager) EnsureVertexProxy() (string, error) {
	return m.ensure(ProviderVertex, m.vertexEngine)
}

// StopVertexProxy tears down the Vertex listener.
func (m *Manager) StopVertexProxy() error { return m.stop(ProviderVertex) }

// IsVertexProxyRunning reports Vertex listener state.
func (m *Manager) IsVertexProxyRunning() bool { return m.running(ProviderVertex) }

// EnsureOpenAIProxy starts the OpenAI listener if not already running and
// returns its base address.
func (m *Manager) EnsureOpenAIProxy() (string, error) {
	return m.ensure(ProviderOpenAI, m.openAIEngine)
}

// StopOpenAIProxy tears down the OpenAI listener.
func (m *Manager) StopOpenAIProxy() error { return m.stop(ProviderOpenAI) }

// IsOpenAIProxyRunning reports OpenAI listener state.
func (m *Manager) IsOpenAIProxyRunning() bool { return m.running(ProviderOpenAI) }

// StopAll tears down every listener. Must run on process shutdown so no
// orphaned listeners remain.
func (m *Manager) StopAll() {
	m.mu.Lock()
	providers := make([]string, 0, len(m.listeners))
	for p := range m.listeners {
		providers = append(providers, p)
	}
	m.mu.Unlock()

	for _, p := range providers {
		if err := m.stop(p); err != nil {
			m.logger.Warn("failed to stop proxy", "provider", p, "error", err)
		}
	}
}

func (m *Manager) ensure(provider string, engine func() *gin.Engine) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.listeners[provider]; ok {
		return l.addr, nil
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to bind %s proxy listener: %w", provider, err)
	}

	srv := &http.Server{Handler: engine()}
	l := &listener{srv: srv, addr: "http://" + ln.Addr().String()}
	m.listeners[provider] = l

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			m.logger.Error("proxy listener stopped", "provider", provider, "error", err)
		}
	}()

	m.logger.Info("proxy listener started", "provider", provider, "addr", l.addr)
	return l.addr, nil
}

func (m *Manager) stop(provider string) error {
	m.mu.Lock()
	l, ok := m.listeners[provider]
	if ok {
		delete(m.listeners, provider)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.srv.Shutdown(ctx); err != nil {
		return l.srv.Close()
	}
	m.logger.Info("proxy listener stopped", "provider", provider)
	return nil
}

func (m *Manager) running(provider string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.listeners[provider]
	return ok
}

func (m *Manager) vertexEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/v1/messages", m.handleVertexMessages)
	return r
}

func (m *Manager) handleVertexMessages(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 32<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	transformed, model, streaming, err := TransformVertexRequestBody(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tok, err := m.tokens.Get(c.Request.Context(), ProviderVertex)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("token fetch failed: %v", err)})
		return
	}

	verb := "rawPredict"
	if streaming {
		verb = "streamRawPredict"
	}
	upstream := fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/anthropic/models/%s:%s",
		m.cfg.Vertex.endpoint(), m.cfg.Vertex.ProjectID, m.cfg.Vertex.Region, model, verb)

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, upstream, strings.NewReader(string(transformed)))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	m.forward(c, req, ProviderVertex)
}

func (m *Manager) openAIEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/v1/messages", m.handleOpenAIMessages)
	return r
}

func (m *Manager) handleOpenAIMessages(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 32<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	transformed, err := TransformOpenAIRequestBody(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	upstream := m.cfg.OpenAI.baseURL() + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, upstream, strings.NewReader(string(transformed)))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.OpenAI.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.OpenAI.APIKey)
	}

	m.forward(c, req, ProviderOpenAI)
}

// forward sends the rewritten request upstream and streams the reply back
// unmodified. Authentication failures invalidate the provider's cached token
// so the next attempt refetches.
func (m *Manager) forward(c *gin.Context, req *http.Request, provider string) {
	resp, err := m.client.Do(req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("upstream call failed: %v", err)})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		m.tokens.Clear(provider)
		m.logger.Warn("upstream rejected credentials, token cache cleared",
			"provider", provider, "status", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Status(resp.StatusCode)
	c.Header("Content-Type", contentType)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		m.logger.Warn("failed to stream upstream response", "provider", provider, "error", err)
	}
}
