package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/mark3labs/openapi-mcp-server/internal/auth"
	"github.com/mark3labs/openapi-mcp-server/internal/logging"
	"github.com/mark3labs/openapi-mcp-server/internal/spec"
)

const (
	defaultServerName    = "openapi-mcp-server"
	defaultServerVersion = "1.0.0"
)

// ServeConfig captures every input of the server after merging defaults,
// config file values, environment variables and flags, in that order.
type ServeConfig struct {
	SpecPath      string
	BaseURL       string
	Headers       string
	ServerName    string
	ServerVersion string

	CertPath       string
	KeyPath        string
	CertPassphrase string

	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	OAuthScopes       []string

	IncludeTags  []string
	ExcludeTags  []string
	Methods      []string
	PathPatterns []string

	Timeout   time.Duration
	RateLimit float64

	LogLevel  string
	LogFormat string

	ConfigPath string
	Verbose    bool
}

func defaultServeConfig() ServeConfig {
	return ServeConfig{
		ServerName:    defaultServerName,
		ServerVersion: defaultServerVersion,
		LogLevel:      "info",
		LogFormat:     logging.FormatJSON,
	}
}

// lookupEnv is swapped in tests.
var lookupEnv = os.LookupEnv

// field binds one setting to its config file key, flag and env variable.
// Exactly one accessor is set.
type field struct {
	key  string
	flag string
	env  string
	str  func(*ServeConfig) *string
	list func(*ServeConfig) *[]string
	dur  func(*ServeConfig) *time.Duration
	num  func(*ServeConfig) *float64
}

var fields = []field{
	{key: "spec", flag: "spec", env: "OPENAPI_SPEC_PATH", str: func(c *ServeConfig) *string { return &c.SpecPath }},
	{key: "baseurl", flag: "base-url", env: "API_BASE_URL", str: func(c *ServeConfig) *string { return &c.BaseURL }},
	{key: "headers", flag: "headers", env: "API_HEADERS", str: func(c *ServeConfig) *string { return &c.Headers }},
	{key: "name", flag: "name", env: "SERVER_NAME", str: func(c *ServeConfig) *string { return &c.ServerName }},
	{key: "version", flag: "server-version", env: "SERVER_VERSION", str: func(c *ServeConfig) *string { return &c.ServerVersion }},
	{key: "clientcert", flag: "client-cert", env: "CLIENT_CERT_PATH", str: func(c *ServeConfig) *string { return &c.CertPath }},
	{key: "clientkey", flag: "client-key", env: "CLIENT_KEY_PATH", str: func(c *ServeConfig) *string { return &c.KeyPath }},
	{key: "clientcertpassphrase", flag: "client-cert-passphrase", env: "CLIENT_CERT_PASSPHRASE", str: func(c *ServeConfig) *string { return &c.CertPassphrase }},
	{key: "oauthclientid", flag: "oauth-client-id", env: "OAUTH_CLIENT_ID", str: func(c *ServeConfig) *string { return &c.OAuthClientID }},
	{key: "oauthclientsecret", flag: "oauth-client-secret", env: "OAUTH_CLIENT_SECRET", str: func(c *ServeConfig) *string { return &c.OAuthClientSecret }},
	{key: "oauthtokenurl", flag: "oauth-token-url", env: "OAUTH_TOKEN_URL", str: func(c *ServeConfig) *string { return &c.OAuthTokenURL }},
	{key: "oauthscopes", flag: "oauth-scopes", env: "OAUTH_SCOPES", list: func(c *ServeConfig) *[]string { return &c.OAuthScopes }},
	{key: "includetags", flag: "include-tags", list: func(c *ServeConfig) *[]string { return &c.IncludeTags }},
	{key: "excludetags", flag: "exclude-tags", list: func(c *ServeConfig) *[]string { return &c.ExcludeTags }},
	{key: "methods", flag: "methods", list: func(c *ServeConfig) *[]string { return &c.Methods }},
	{key: "paths", flag: "paths", list: func(c *ServeConfig) *[]string { return &c.PathPatterns }},
	{key: "timeout", flag: "timeout", env: "HTTP_TIMEOUT", dur: func(c *ServeConfig) *time.Duration { return &c.Timeout }},
	{key: "ratelimit", flag: "rate-limit", env: "RATE_LIMIT", num: func(c *ServeConfig) *float64 { return &c.RateLimit }},
	{key: "loglevel", flag: "log-level", env: "LOG_LEVEL", str: func(c *ServeConfig) *string { return &c.LogLevel }},
	{key: "logformat", flag: "log-format", env: "LOG_FORMAT", str: func(c *ServeConfig) *string { return &c.LogFormat }},
}

// addServeFlags registers the flags shared by serve and tools.
func addServeFlags(flags *pflag.FlagSet) {
	flags.String("spec", "", "Path or URL to the OpenAPI/Swagger document (env OPENAPI_SPEC_PATH)")
	flags.String("base-url", "", "Base URL of the upstream API (env API_BASE_URL)")
	flags.String("headers", "", "JSON object of extra request headers (env API_HEADERS)")
	flags.String("name", "", "MCP server name (env SERVER_NAME)")
	flags.String("server-version", "", "MCP server version (env SERVER_VERSION)")
	flags.String("client-cert", "", "Client certificate PEM file (env CLIENT_CERT_PATH)")
	flags.String("client-key", "", "Client private key PEM file (env CLIENT_KEY_PATH)")
	flags.String("client-cert-passphrase", "", "Passphrase of an encrypted client key (env CLIENT_CERT_PASSPHRASE)")
	flags.String("oauth-client-id", "", "OAuth2 client id (env OAUTH_CLIENT_ID)")
	flags.String("oauth-client-secret", "", "OAuth2 client secret (env OAUTH_CLIENT_SECRET)")
	flags.String("oauth-token-url", "", "OAuth2 token endpoint (env OAUTH_TOKEN_URL)")
	flags.StringSlice("oauth-scopes", nil, "OAuth2 scopes (env OAUTH_SCOPES)")
	flags.StringSlice("include-tags", nil, "Only expose operations with these tags")
	flags.StringSlice("exclude-tags", nil, "Hide operations with these tags")
	flags.StringSlice("methods", nil, "Only expose operations using these HTTP methods")
	flags.StringSlice("paths", nil, "Only expose operations whose path matches one of these regular expressions")
	flags.Duration("timeout", 0, "Upstream HTTP timeout, 0 for none (env HTTP_TIMEOUT)")
	flags.Float64("rate-limit", 0, "Maximum upstream requests per second, 0 for unlimited (env RATE_LIMIT)")
	flags.String("log-level", "", "Log level: debug|info|warn|error (env LOG_LEVEL)")
	flags.String("log-format", "", "Log format: json|console (env LOG_FORMAT)")
}

// resolveServeConfig merges all sources. requireBaseURL is false for
// commands that never call the upstream API.
func resolveServeConfig(cmd *cobra.Command, requireBaseURL bool) (*ServeConfig, error) {
	cfg := defaultServeConfig()

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	configPath = strings.TrimSpace(configPath)
	if configPath != "" {
		cfg.ConfigPath = configPath
		if err := applyConfigFromFile(&cfg, configPath); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := applyFlagOverrides(cmd.Flags(), &cfg); err != nil {
		return nil, err
	}

	cfg.normalize()
	if err := cfg.validate(requireBaseURL); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *ServeConfig) error {
	for _, f := range fields {
		if f.env == "" {
			continue
		}
		raw, ok := lookupEnv(f.env)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := f.setString(cfg, raw); err != nil {
			return newUsageError(fmt.Sprintf("environment %s: %v", f.env, err))
		}
	}
	return nil
}

func (f field) setString(cfg *ServeConfig, raw string) error {
	raw = strings.TrimSpace(raw)
	switch {
	case f.str != nil:
		*f.str(cfg) = raw
	case f.list != nil:
		*f.list(cfg) = splitList(raw)
	case f.dur != nil:
		d, err := parseDuration(raw)
		if err != nil {
			return err
		}
		*f.dur(cfg) = d
	case f.num != nil:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", raw)
		}
		*f.num(cfg) = n
	}
	return nil
}

func applyFlagOverrides(flags *pflag.FlagSet, cfg *ServeConfig) error {
	for _, f := range fields {
		if flags.Lookup(f.flag) == nil || !flags.Changed(f.flag) {
			continue
		}
		switch {
		case f.str != nil:
			value, err := flags.GetString(f.flag)
			if err != nil {
				return err
			}
			*f.str(cfg) = strings.TrimSpace(value)
		case f.list != nil:
			value, err := flags.GetStringSlice(f.flag)
			if err != nil {
				return err
			}
			*f.list(cfg) = value
		case f.dur != nil:
			value, err := flags.GetDuration(f.flag)
			if err != nil {
				return err
			}
			*f.dur(cfg) = value
		case f.num != nil:
			value, err := flags.GetFloat64(f.flag)
			if err != nil {
				return err
			}
			*f.num(cfg) = value
		}
	}
	if flags.Changed("verbose") {
		value, err := flags.GetBool("verbose")
		if err != nil {
			return err
		}
		cfg.Verbose = value
	}
	return nil
}

func (c *ServeConfig) normalize() {
	c.SpecPath = strings.TrimSpace(c.SpecPath)
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	c.ServerName = strings.TrimSpace(c.ServerName)
	if c.ServerName == "" {
		c.ServerName = defaultServerName
	}
	c.ServerVersion = strings.TrimSpace(c.ServerVersion)
	if c.ServerVersion == "" {
		c.ServerVersion = defaultServerVersion
	}
	c.OAuthScopes = sanitizeTags(c.OAuthScopes)
	c.IncludeTags = sanitizeTags(c.IncludeTags)
	c.ExcludeTags = sanitizeTags(c.ExcludeTags)
	c.Methods = sanitizeTags(c.Methods)
	c.PathPatterns = sanitizeTags(c.PathPatterns)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.Verbose {
		c.LogLevel = "debug"
	}
}

func (c *ServeConfig) validate(requireBaseURL bool) error {
	if c.SpecPath == "" {
		return newUsageError("spec location is required (--spec, OPENAPI_SPEC_PATH or config file)")
	}
	if requireBaseURL && c.BaseURL == "" {
		return newUsageError("base URL is required (--base-url, API_BASE_URL or config file)")
	}
	if (c.CertPath == "") != (c.KeyPath == "") {
		return newUsageError("client certificate and key must be set together")
	}
	oauthSet := 0
	for _, v := range []string{c.OAuthClientID, c.OAuthClientSecret, c.OAuthTokenURL} {
		if v != "" {
			oauthSet++
		}
	}
	if oauthSet != 0 && oauthSet != 3 {
		return newUsageError("OAuth2 needs client id, client secret and token URL together")
	}
	if overlap := intersect(c.IncludeTags, c.ExcludeTags); len(overlap) > 0 {
		return newUsageError(fmt.Sprintf("include/exclude tags overlap: %s", strings.Join(overlap, ", ")))
	}
	for _, m := range c.Methods {
		if !isHTTPMethod(m) {
			return newUsageError(fmt.Sprintf("unsupported HTTP method %q", m))
		}
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return newUsageError(err.Error())
	}
	if !logging.ValidFormat(c.LogFormat) {
		return newUsageError(fmt.Sprintf("unknown log format %q (allowed: json, console)", c.LogFormat))
	}
	if c.Timeout < 0 {
		return newUsageError("timeout must not be negative")
	}
	if c.RateLimit < 0 {
		return newUsageError("rate limit must not be negative")
	}
	return nil
}

func isHTTPMethod(m string) bool {
	switch spec.HttpMethod(strings.ToLower(m)) {
	case spec.GET, spec.POST, spec.PUT, spec.DELETE, spec.PATCH, spec.HEAD, spec.OPTIONS, spec.TRACE:
		return true
	}
	return false
}

// authSettings is the credential view of the config.
func (c *ServeConfig) authSettings() auth.Settings {
	return auth.Settings{
		Headers:           c.Headers,
		CertPath:          c.CertPath,
		KeyPath:           c.KeyPath,
		CertPassphrase:    c.CertPassphrase,
		OAuthClientID:     c.OAuthClientID,
		OAuthClientSecret: c.OAuthClientSecret,
		OAuthTokenURL:     c.OAuthTokenURL,
		OAuthScopes:       c.OAuthScopes,
	}
}

// buildOptions turns the operation filters into model build options.
func (c *ServeConfig) buildOptions() []spec.BuildOption {
	var opts []spec.BuildOption
	if len(c.IncludeTags) > 0 {
		opts = append(opts, spec.WithIncludeTags(c.IncludeTags))
	}
	if len(c.ExcludeTags) > 0 {
		opts = append(opts, spec.WithExcludeTags(c.ExcludeTags))
	}
	if len(c.Methods) > 0 {
		methods := make([]spec.HttpMethod, len(c.Methods))
		for i, m := range c.Methods {
			methods[i] = spec.HttpMethod(m)
		}
		opts = append(opts, spec.WithMethods(methods))
	}
	if len(c.PathPatterns) > 0 {
		opts = append(opts, spec.WithPathPatterns(c.PathPatterns))
	}
	return opts
}

func applyConfigFromFile(cfg *ServeConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return newUsageError(fmt.Sprintf("read config file %q: %v", path, err))
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return newUsageError(fmt.Sprintf("parse config file %q: %v", path, err))
	}

	byKey := make(map[string]field, len(fields))
	for _, f := range fields {
		byKey[f.key] = f
	}

	for key, value := range raw {
		normalized := normalizeKey(key)
		if normalized == "verbose" {
			val, err := valueAsBool(value)
			if err != nil {
				return newUsageError(fmt.Sprintf("config field %q: %v", key, err))
			}
			cfg.Verbose = val
			continue
		}
		f, ok := byKey[normalized]
		if !ok {
			return newUsageError(fmt.Sprintf("config file %q: unknown field %q", path, key))
		}
		if err := f.setValue(cfg, value); err != nil {
			return newUsageError(fmt.Sprintf("config field %q: %v", key, err))
		}
	}
	return nil
}

func (f field) setValue(cfg *ServeConfig, v any) error {
	switch {
	case f.str != nil:
		if f.key == "headers" {
			if m, ok := v.(map[string]any); ok {
				return f.setHeaders(cfg, m)
			}
		}
		str, err := valueAsString(v)
		if err != nil {
			return err
		}
		*f.str(cfg) = str
	case f.list != nil:
		list, err := valueAsStringSlice(v)
		if err != nil {
			return err
		}
		*f.list(cfg) = list
	case f.dur != nil:
		d, err := valueAsDuration(v)
		if err != nil {
			return err
		}
		*f.dur(cfg) = d
	case f.num != nil:
		n, err := valueAsFloat(v)
		if err != nil {
			return err
		}
		*f.num(cfg) = n
	}
	return nil
}

// setHeaders accepts headers written as a YAML mapping and stores them in
// the JSON form the environment variable uses.
func (f field) setHeaders(cfg *ServeConfig, m map[string]any) error {
	headers := make(map[string]string, len(m))
	for k, v := range m {
		s, err := valueAsString(v)
		if err != nil {
			return fmt.Errorf("header %q: %w", k, err)
		}
		headers[k] = s
	}
	b, err := json.Marshal(headers)
	if err != nil {
		return err
	}
	*f.str(cfg) = string(b)
	return nil
}

func normalizeKey(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	lowered = strings.ReplaceAll(lowered, "-", "")
	lowered = strings.ReplaceAll(lowered, "_", "")
	return lowered
}

func valueAsString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val), nil
	case nil:
		return "", nil
	case int, float64, bool:
		return fmt.Sprint(val), nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

func valueAsStringSlice(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(val) == "" {
			return nil, nil
		}
		return splitList(val), nil
	case []any:
		items := make([]string, 0, len(val))
		for idx, elem := range val {
			str, err := valueAsString(elem)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", idx, err)
			}
			if str != "" {
				items = append(items, str)
			}
		}
		return items, nil
	default:
		return nil, fmt.Errorf("expected string or list, got %T", v)
	}
}

func valueAsBool(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		trimmed := strings.ToLower(strings.TrimSpace(val))
		switch trimmed {
		case "true", "t", "1", "yes", "y":
			return true, nil
		case "false", "f", "0", "no", "n", "":
			return false, nil
		default:
			return false, fmt.Errorf("invalid boolean value %q", val)
		}
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("expected boolean, got %T", v)
	}
}

// valueAsDuration accepts Go duration strings or a number of seconds.
func valueAsDuration(v any) (time.Duration, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case int:
		return time.Duration(val) * time.Second, nil
	case float64:
		return time.Duration(val * float64(time.Second)), nil
	case string:
		return parseDuration(val)
	default:
		return 0, fmt.Errorf("expected duration, got %T", v)
	}
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func valueAsFloat(v any) (float64, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case int:
		return float64(val), nil
	case float64:
		return val, nil
	case string:
		if strings.TrimSpace(val) == "" {
			return 0, nil
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", val)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// splitList splits on commas and whitespace.
func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

func sanitizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	result := make([]string, 0, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func intersect(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(a))
	for _, item := range a {
		set[item] = struct{}{}
	}
	var result []string
	for _, item := range b {
		if _, ok := set[item]; ok {
			result = append(result, item)
		}
	}
	return result
}
