package auth

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// expiryMarginMs renews tokens this long before the server-side expiry.
	expiryMarginMs = 30_000
	// defaultTokenTTL applies when the token response carries no expires_in.
	defaultTokenTTL = 5 * time.Minute

	grantClientCredentials = "client_credentials"
	grantRefreshToken      = "refresh_token"
)

// Manager resolves a Config and its State into request credentials. It is
// safe for concurrent use.
type Manager struct {
	cfg    Config
	state  *State
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Manager)

// WithHTTPClient sets the client used for token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.client = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now for expiry bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager builds the state for cfg and returns a ready Manager. Failing to
// load certificate material is returned as *CertificateLoadError.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = None{}
	}
	state, err := NewState(cfg)
	if err != nil {
		return nil, err
	}
	return newManager(cfg, state, opts...), nil
}

func newManager(cfg Config, state *State, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		state:  state,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Config() Config { return m.cfg }

// Headers returns the credential headers for one request. OAuth2 configs
// may perform a token request; when it fails no headers are returned.
func (m *Manager) Headers(ctx context.Context) map[string]string {
	switch c := m.cfg.(type) {
	case APIKey:
		name := c.HeaderName
		if name == "" {
			name = DefaultAPIKeyHeader
		}
		return map[string]string{name: c.Key}
	case Bearer:
		return map[string]string{"Authorization": "Bearer " + c.Token}
	case Basic:
		cred := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
		return map[string]string{"Authorization": "Basic " + cred}
	case OAuth2:
		token, ok := m.Token(ctx)
		if !ok {
			return map[string]string{}
		}
		return map[string]string{"Authorization": "Bearer " + token}
	default:
		return map[string]string{}
	}
}

// Token returns a live OAuth2 access token. A cached token is returned
// without network I/O until its expiry; otherwise a grant is performed.
// Concurrent callers share one in-flight grant.
func (m *Manager) Token(ctx context.Context) (string, bool) {
	c, ok := m.cfg.(OAuth2)
	if !ok {
		return "", false
	}
	if tok := m.fresh(); tok != "" {
		return tok, true
	}

	v, err, _ := m.state.flights.Do("token", func() (any, error) {
		if tok := m.fresh(); tok != "" {
			return tok, nil
		}
		return m.fetch(context.WithoutCancel(ctx), c)
	})
	if err != nil {
		m.logger.Warn("oauth2 token unavailable, continuing without credentials", zap.Error(err))
		return "", false
	}
	return v.(string), true
}

func (m *Manager) fresh() string {
	entry := m.state.cached()
	if entry == nil || m.now().UnixMilli() >= entry.expiresAtMs {
		return ""
	}
	return entry.token.AccessToken
}

func (m *Manager) fetch(ctx context.Context, c OAuth2) (string, error) {
	var refresh string
	if entry := m.state.cached(); entry != nil {
		refresh = entry.token.RefreshToken
	}

	var (
		tok Token
		err error
	)
	if refresh != "" {
		tok, err = m.grant(ctx, c, grantRefreshToken, refresh)
		if err != nil {
			m.logger.Info("oauth2 refresh failed, requesting new token", zap.Error(err))
		}
	}
	if refresh == "" || err != nil {
		tok, err = m.grant(ctx, c, grantClientCredentials, "")
	}
	if err != nil {
		return "", err
	}

	now := m.now().UnixMilli()
	expiresAt := now + defaultTokenTTL.Milliseconds() - expiryMarginMs
	if tok.ExpiresIn != nil {
		expiresAt = now + *tok.ExpiresIn*1000 - expiryMarginMs
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refresh
	}
	m.state.store(tok, expiresAt)
	m.logger.Debug("oauth2 token acquired",
		zap.String("token_url", c.TokenURL),
		zap.Int64("expires_at_ms", expiresAt))
	return tok.AccessToken, nil
}

func (m *Manager) grant(ctx context.Context, c OAuth2, grantType, refresh string) (Token, error) {
	form := url.Values{"grant_type": {grantType}}
	if grantType == grantRefreshToken {
		form.Set("refresh_token", refresh)
	}
	if len(c.Scopes) > 0 {
		form.Set("scope", strings.Join(c.Scopes, " "))
	}
	for k, v := range c.AdditionalParams {
		form.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, &TokenError{Grant: grantType, Err: err}
	}
	req.SetBasicAuth(c.ClientID, c.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return Token{}, &TokenError{Grant: grantType, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, &TokenError{Grant: grantType, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Token{}, &TokenError{Grant: grantType, Status: resp.StatusCode, Err: fmt.Errorf("unexpected response: %s", truncate(body, 200))}
	}
	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return Token{}, &TokenError{Grant: grantType, Status: resp.StatusCode, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tok.AccessToken == "" {
		return Token{}, &TokenError{Grant: grantType, Status: resp.StatusCode, Err: errors.New("response has no access_token")}
	}
	return tok, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// Transport is the default configuration for the outgoing HTTP client.
type Transport struct {
	BaseURL string
	Headers map[string]string
	TLS     *tls.Config
}

// Transport composes the credential headers with the TLS client material.
// Building the headers fetches an OAuth2 token when none is cached.
func (m *Manager) Transport(ctx context.Context, baseURL string) Transport {
	return Transport{BaseURL: baseURL, Headers: m.Headers(ctx), TLS: m.TLSConfig()}
}

// TLSConfig returns the client TLS configuration, or nil unless a client
// certificate is configured. It never contacts the token endpoint.
func (m *Manager) TLSConfig() *tls.Config {
	cert := m.state.ClientCertificate()
	if cert == nil {
		return nil
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{*cert},
	}
}
