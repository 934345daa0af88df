// Package auth resolves credentials for outgoing API calls.
//
// A Config is one of six mutually exclusive strategies. A State carries the
// mutable side: the cached OAuth2 token and the client TLS material loaded at
// startup. Manager combines both into per-request headers and transport
// options.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// DefaultAPIKeyHeader is used when an API key config names no header.
const DefaultAPIKeyHeader = "X-API-Key"

// Type tags a Config variant.
type Type string

const (
	TypeNone        Type = "none"
	TypeAPIKey      Type = "apiKey"
	TypeBearer      Type = "bearerToken"
	TypeBasic       Type = "basicAuth"
	TypeCertificate Type = "certificate"
	TypeOAuth2      Type = "oauth2"
)

// Config is implemented only by the variants in this package.
type Config interface {
	Type() Type
	sealed()
}

type None struct{}

type APIKey struct {
	HeaderName string
	Key        string
}

type Bearer struct {
	Token string
}

type Basic struct {
	Username string
	Password string
}

type Certificate struct {
	CertPath   string
	KeyPath    string
	Passphrase string
}

type OAuth2 struct {
	ClientID         string
	ClientSecret     string
	TokenURL         string
	Scopes           []string
	AdditionalParams map[string]string
}

func (None) Type() Type        { return TypeNone }
func (APIKey) Type() Type      { return TypeAPIKey }
func (Bearer) Type() Type      { return TypeBearer }
func (Basic) Type() Type       { return TypeBasic }
func (Certificate) Type() Type { return TypeCertificate }
func (OAuth2) Type() Type      { return TypeOAuth2 }

func (None) sealed()        {}
func (APIKey) sealed()      {}
func (Bearer) sealed()      {}
func (Basic) sealed()       {}
func (Certificate) sealed() {}
func (OAuth2) sealed()      {}

// Settings is the flat credential input collected from flags and environment.
type Settings struct {
	// Headers is the raw JSON object of extra request headers.
	Headers string

	CertPath       string
	KeyPath        string
	CertPassphrase string

	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	OAuthScopes       []string
}

// ParseHeaders decodes a JSON object of header names to values. Blank input
// yields an empty map.
func ParseHeaders(raw string) (map[string]string, error) {
	out := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}, err
	}
	return out, nil
}

// ConfigFromSettings picks the auth strategy. Precedence: client certificate,
// then OAuth2 client credentials, then credentials found in the extra
// headers (bearer, API key, basic), then none. Malformed header JSON is
// logged and treated as absent.
func ConfigFromSettings(s Settings, logger *zap.Logger) Config {
	if logger == nil {
		logger = zap.NewNop()
	}
	if s.CertPath != "" && s.KeyPath != "" {
		return Certificate{CertPath: s.CertPath, KeyPath: s.KeyPath, Passphrase: s.CertPassphrase}
	}
	if s.OAuthClientID != "" && s.OAuthClientSecret != "" && s.OAuthTokenURL != "" {
		return OAuth2{
			ClientID:     s.OAuthClientID,
			ClientSecret: s.OAuthClientSecret,
			TokenURL:     s.OAuthTokenURL,
			Scopes:       append([]string(nil), s.OAuthScopes...),
		}
	}

	headers, err := ParseHeaders(s.Headers)
	if err != nil {
		logger.Warn("ignoring malformed API headers", zap.Error(err))
		return None{}
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	authz, hasAuthz := lookupFold(headers, names, "Authorization")
	if hasAuthz && strings.HasPrefix(authz, "Bearer ") {
		return Bearer{Token: strings.TrimPrefix(authz, "Bearer ")}
	}
	for _, name := range names {
		lower := strings.ToLower(name)
		if strings.Contains(lower, "api-key") || strings.Contains(lower, "apikey") {
			return APIKey{HeaderName: name, Key: headers[name]}
		}
	}
	if hasAuthz && strings.HasPrefix(authz, "Basic ") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authz, "Basic "))
		if err != nil {
			logger.Warn("ignoring undecodable basic credentials", zap.Error(err))
			return None{}
		}
		user, pass, _ := strings.Cut(string(decoded), ":")
		return Basic{Username: user, Password: pass}
	}
	return None{}
}

func lookupFold(headers map[string]string, sortedNames []string, want string) (string, bool) {
	for _, name := range sortedNames {
		if strings.EqualFold(name, want) {
			return headers[name], true
		}
	}
	return "", false
}
