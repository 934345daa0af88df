// Package httpclient executes operations against the upstream REST API.
//
// Routes are registered per operation id and looked up lazily, so a missing
// route only fails the call that needs it.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mark3labs/openapi-mcp-server/internal/params"
	"github.com/mark3labs/openapi-mcp-server/internal/spec"
)

// maxResponseBytes caps how much of an upstream body is read.
const maxResponseBytes = 32 << 20

// Route binds an operation id to its method and path template.
type Route struct {
	OperationID   string
	Method        string
	Path          string
	BodyMediaType string
}

// HeaderSource supplies default headers for one request. Sources are applied
// in order, later sources overwrite earlier ones.
type HeaderSource func(ctx context.Context) map[string]string

// StaticHeaders returns a HeaderSource that always yields h.
func StaticHeaders(h map[string]string) HeaderSource {
	cp := make(map[string]string, len(h))
	for k, v := range h {
		cp[k] = v
	}
	return func(context.Context) map[string]string { return cp }
}

// Response is a decoded upstream response.
type Response struct {
	Status int
	Header http.Header
	// Data is a decoded JSON value, a string for textual media types, or
	// raw bytes for anything else.
	Data any
}

// ContentType returns the media type of the response without parameters.
func (r *Response) ContentType() string {
	if r == nil {
		return ""
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(r.Header.Get("Content-Type"), ";", 2)[0]))
	}
	return mt
}

type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	headers []HeaderSource
	logger  *zap.Logger

	mu     sync.RWMutex
	routes map[string]Route
}

type Option func(*Client) error

// WithHTTPClient replaces the underlying client. Timeout and TLS options
// applied afterwards modify it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc != nil {
			c.http = hc
		}
		return nil
	}
}

// WithTimeout bounds every upstream call; zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d < 0 {
			return fmt.Errorf("negative timeout %s", d)
		}
		c.http.Timeout = d
		return nil
	}
}

// WithTLSConfig installs client TLS material on the transport.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) error {
		if cfg == nil {
			return nil
		}
		tr, ok := c.http.Transport.(*http.Transport)
		if !ok || tr == nil {
			tr = newTransport()
		} else {
			tr = tr.Clone()
		}
		tr.TLSClientConfig = cfg
		c.http.Transport = tr
		return nil
	}
}

// WithRateLimit allows at most rps requests per second; zero disables it.
func WithRateLimit(rps float64) Option {
	return func(c *Client) error {
		switch {
		case rps < 0:
			return fmt.Errorf("negative rate limit %v", rps)
		case rps == 0:
			c.limiter = nil
		default:
			burst := int(rps)
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
		return nil
	}
}

func WithHeaderSource(h HeaderSource) Option {
	return func(c *Client) error {
		if h != nil {
			c.headers = append(c.headers, h)
		}
		return nil
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) error {
		if l != nil {
			c.logger = l
		}
		return nil
	}
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// New returns a client for baseURL. The base URL must be absolute.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{Transport: newTransport()},
		logger:  zap.NewNop(),
		routes:  make(map[string]Route),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

// Bind registers a route; a later route for the same id replaces it.
func (c *Client) Bind(r Route) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.Method = strings.ToUpper(r.Method)
	c.routes[r.OperationID] = r
}

func (c *Client) route(operationID string) (Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[operationID]
	return r, ok
}

// Call executes the operation bound to operationID. A non-2xx answer is
// returned as *StatusError carrying the decoded response.
func (c *Client) Call(ctx context.Context, operationID string, call params.Call) (*Response, error) {
	r, ok := c.route(operationID)
	if !ok {
		return nil, &RouteNotFoundError{OperationID: operationID}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	req, err := c.newRequest(ctx, r, call)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", r.Method, r.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	out := &Response{Status: resp.StatusCode, Header: resp.Header}
	out.Data = decodeBody(out.ContentType(), body)

	c.logger.Debug("upstream call",
		zap.String("operation", operationID),
		zap.String("method", r.Method),
		zap.String("path", r.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Response: out}
	}
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, r Route, call params.Call) (*http.Request, error) {
	path := r.Path
	query := url.Values{}
	var cookies []*http.Cookie
	paramHeaders := map[string]string{}

	for _, a := range call.Params {
		switch a.In {
		case spec.InPath:
			path = strings.ReplaceAll(path, "{"+a.Name+"}", url.PathEscape(formatValue(a.Value)))
		case spec.InQuery:
			for _, v := range formatValues(a.Value) {
				query.Add(a.Name, v)
			}
		case spec.InHeader:
			paramHeaders[a.Name] = formatValue(a.Value)
		case spec.InCookie:
			cookies = append(cookies, &http.Cookie{Name: a.Name, Value: formatValue(a.Value)})
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	if call.HasBody {
		payload, ct, err := encodeBody(r.BodyMediaType, call.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body, contentType = bytes.NewReader(payload), ct
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json, */*;q=0.8")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, src := range c.headers {
		for k, v := range src(ctx) {
			req.Header.Set(k, v)
		}
	}
	for k, v := range paramHeaders {
		req.Header.Set(k, v)
	}
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	return req, nil
}

func encodeBody(mediaType string, v any) ([]byte, string, error) {
	mt := strings.ToLower(mediaType)
	switch {
	case mt == "application/x-www-form-urlencoded":
		if m, ok := v.(map[string]any); ok {
			form := url.Values{}
			for k, val := range m {
				for _, s := range formatValues(val) {
					form.Add(k, s)
				}
			}
			return []byte(form.Encode()), mediaType, nil
		}
	case mt == "multipart/form-data":
		if m, ok := v.(map[string]any); ok {
			return encodeMultipart(m)
		}
	case strings.HasPrefix(mt, "text/"):
		if s, ok := v.(string); ok {
			return []byte(s), mediaType, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	return b, "application/json", nil
}

// encodeMultipart writes one part per field in name order. Byte slices
// become file parts named after the field.
func encodeMultipart(m map[string]any) ([]byte, string, error) {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, name := range names {
		if data, ok := m[name].([]byte); ok {
			part, err := w.CreateFormFile(name, name)
			if err != nil {
				return nil, "", err
			}
			if _, err := part.Write(data); err != nil {
				return nil, "", err
			}
			continue
		}
		for _, s := range formatValues(m[name]) {
			if err := w.WriteField(name, s); err != nil {
				return nil, "", err
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func decodeBody(mediaType string, body []byte) any {
	if len(body) == 0 {
		return ""
	}
	switch {
	case isJSON(mediaType):
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
		return string(body)
	case isText(mediaType):
		return string(body)
	default:
		return body
	}
}

func isJSON(mt string) bool {
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func isText(mt string) bool {
	switch {
	case strings.HasPrefix(mt, "text/"),
		mt == "application/xml",
		strings.HasSuffix(mt, "+xml"),
		mt == "application/javascript",
		mt == "application/x-www-form-urlencoded",
		mt == "":
		return true
	}
	return false
}

// formatValue renders a parameter value for a path, header or cookie.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = formatValue(e)
		}
		return strings.Join(parts, ",")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// formatValues explodes arrays into one value per element.
func formatValues(v any) []string {
	if arr, ok := v.([]any); ok {
		out := make([]string, len(arr))
		for i, e := range arr {
			out[i] = formatValue(e)
		}
		return out
	}
	return []string{formatValue(v)}
}
