package send

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/caduceus-io/caduceus/log"
	"github.com/caduceus-io/caduceus/metrics"
	"github.com/caduceus-io/caduceus/types"
)

// Auth modes of the FHIR sender.
const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
	AuthOAuth2 = "oauth2"
)

// tokenEarlyRefresh renews OAuth tokens that expire within the window.
const tokenEarlyRefresh = 60 * time.Second

// FHIRSenderConfig configures outbound FHIR HTTP egress.
type FHIRSenderConfig struct {
	// Name identifies the stage (default "fhir-sender").
	Name string
	// BaseURL of the FHIR server (required), no trailing slash.
	BaseURL string
	// AuthType selects the auth mode (default none).
	AuthType string
	// Username/Password for basic auth.
	Username string
	Password string
	// BearerToken for static bearer auth.
	BearerToken string
	// TokenURL, ClientID, ClientSecret, Scopes for OAuth 2.0
	// client-credentials auth.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// Timeout bounds one request (default 30s).
	Timeout time.Duration
	// BreakerThreshold opens the circuit after this many consecutive
	// failures (default 5).
	BreakerThreshold uint32
	// BreakerCooldown is the open interval before a probe (default 30s).
	BreakerCooldown time.Duration
}

func (c FHIRSenderConfig) withDefaults() FHIRSenderConfig {
	if c.Name == "" {
		c.Name = "fhir-sender"
	}
	if c.AuthType == "" {
		c.AuthType = AuthNone
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// FHIRSender posts resources to a FHIR server. Failures map onto the
// error kind table: 5xx and 429 are retryable, other 4xx are terminal,
// 401/403 are auth errors. A circuit breaker sheds load while the
// server is down; an open circuit reports as a retryable transport
// error so messages requeue rather than dead-letter.
type FHIRSender struct {
	cfg     FHIRSenderConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	tokens  *refreshingSource
	logger  *log.Logger
	metrics *metrics.Collector
}

// refreshingSource caches tokens like oauth2.ReuseTokenSource but can
// drop the cache when the server rejects a token, so the single retry
// an auth failure gets runs with a freshly fetched one.
type refreshingSource struct {
	mu   sync.Mutex
	base oauth2.TokenSource
	cur  oauth2.TokenSource
}

func newRefreshingSource(base oauth2.TokenSource) *refreshingSource {
	return &refreshingSource{
		base: base,
		cur:  oauth2.ReuseTokenSourceWithExpiry(nil, base, tokenEarlyRefresh),
	}
}

func (s *refreshingSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()
	return cur.Token()
}

// Invalidate discards the cached token.
func (s *refreshingSource) Invalidate() {
	s.mu.Lock()
	s.cur = oauth2.ReuseTokenSourceWithExpiry(nil, s.base, tokenEarlyRefresh)
	s.mu.Unlock()
}

// NewFHIRSender creates a FHIR egress processor.
func NewFHIRSender(cfg FHIRSenderConfig, logger *log.Logger, collector *metrics.Collector) (*FHIRSender, error) {
	cfg = cfg.withDefaults()

	client := &http.Client{Timeout: cfg.Timeout}
	var tokens *refreshingSource
	switch cfg.AuthType {
	case AuthNone, AuthBasic, AuthBearer:
	case AuthOAuth2:
		if cfg.TokenURL == "" || cfg.ClientID == "" {
			return nil, fmt.Errorf("%s: oauth2 auth needs token_url and client_id", cfg.Name)
		}
		cc := clientcredentials.Config{
			TokenURL:     cfg.TokenURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
		}
		tokens = newRefreshingSource(cc.TokenSource(context.Background()))
		client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &oauth2.Transport{Source: tokens},
		}
	default:
		return nil, fmt.Errorf("%s: unknown auth type %q", cfg.Name, cfg.AuthType)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
	})

	return &FHIRSender{
		cfg:     cfg,
		client:  client,
		breaker: breaker,
		tokens:  tokens,
		logger:  logger.WithStage(cfg.Name),
		metrics: collector,
	}, nil
}

// Name identifies the sender as a stage processor.
func (s *FHIRSender) Name() string { return s.cfg.Name }

// Process delivers one resource. URL is {base}/{resourceType}[/{id}],
// or {base}/{operation} when header metadata carries fhir_operation.
// Method comes from metadata http_method, default POST.
func (s *FHIRSender) Process(ctx context.Context, env *types.Envelope) ([]*types.Envelope, error) {
	url, err := s.requestURL(env)
	if err != nil {
		return nil, err
	}
	body, err := s.requestBody(env)
	if err != nil {
		return nil, err
	}
	method, _ := env.Header.Metadata["http_method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	_, err = s.breaker.Execute(func() (any, error) {
		return nil, s.send(ctx, method, url, body)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, types.Errorf(types.KindTransport, s.cfg.Name, "circuit open for %s", s.cfg.BaseURL)
		}
		// The retry an auth failure gets must not reuse the rejected
		// token.
		if types.KindOf(err) == types.KindAuth && s.tokens != nil {
			s.tokens.Invalidate()
		}
		return nil, err
	}

	if err := env.Advance(types.StatusSent); err != nil {
		return nil, types.NewError(types.KindApplicationReject, s.cfg.Name, err)
	}
	s.metrics.IncSent()
	s.logger.Debug("delivered", map[string]any{
		"message_id": env.Header.MessageID,
		"url":        url,
		"method":     method,
	})
	return nil, nil
}

func (s *FHIRSender) requestURL(env *types.Envelope) (string, error) {
	base := strings.TrimSuffix(s.cfg.BaseURL, "/")
	if op, ok := env.Header.Metadata["fhir_operation"].(string); ok && op != "" {
		return base + "/" + strings.TrimPrefix(op, "/"), nil
	}

	resourceType := env.Header.MessageType
	if resourceType == "" {
		if m, ok := env.Body.Content.(map[string]any); ok {
			resourceType, _ = m["resourceType"].(string)
		}
	}
	if resourceType == "" {
		return "", types.Errorf(types.KindValidation, s.cfg.Name, "envelope has no resource type")
	}

	url := base + "/" + resourceType
	if id, ok := env.Header.Metadata["resource_id"].(string); ok && id != "" {
		url += "/" + id
	}
	return url, nil
}

func (s *FHIRSender) requestBody(env *types.Envelope) ([]byte, error) {
	if env.Body.Content != nil {
		body, err := json.Marshal(env.Body.Content)
		if err != nil {
			return nil, types.Errorf(types.KindValidation, s.cfg.Name, "encode body: %v", err)
		}
		return body, nil
	}
	if len(env.Body.RawContent) > 0 {
		return env.Body.RawContent, nil
	}
	return nil, types.Errorf(types.KindValidation, s.cfg.Name, "envelope has no body")
}

// send performs one request and classifies the response.
func (s *FHIRSender) send(ctx context.Context, method, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return types.NewError(types.KindTransport, s.cfg.Name, err)
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("Accept", "application/fhir+json")
	switch s.cfg.AuthType {
	case AuthBasic:
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+s.cfg.BearerToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return types.NewError(types.KindTransport, s.cfg.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK,
		resp.StatusCode == http.StatusCreated,
		resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.Errorf(types.KindHTTP429, s.cfg.Name, "rate limited by %s", url)
	case resp.StatusCode >= 500:
		return types.Errorf(types.KindServer5xx, s.cfg.Name, "status %d from %s", resp.StatusCode, url)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return types.Errorf(types.KindAuth, s.cfg.Name, "status %d from %s", resp.StatusCode, url)
	default:
		return types.Errorf(types.KindApplicationReject, s.cfg.Name,
			"status %d from %s: %s", resp.StatusCode, url, outcomeDiagnostics(resp.Body))
	}
}

// outcomeDiagnostics extracts the first issue's diagnostics from an
// OperationOutcome response body.
func outcomeDiagnostics(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 64*1024))
	if err != nil || len(raw) == 0 {
		return "no details"
	}
	var outcome struct {
		Issue []struct {
			Diagnostics string `json:"diagnostics"`
			Details     struct {
				Text string `json:"text"`
			} `json:"details"`
		} `json:"issue"`
	}
	if err := json.Unmarshal(raw, &outcome); err != nil || len(outcome.Issue) == 0 {
		return "no details"
	}
	if d := outcome.Issue[0].Diagnostics; d != "" {
		return d
	}
	if t := outcome.Issue[0].Details.Text; t != "" {
		return t
	}
	return "no details"
}
