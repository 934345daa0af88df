package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaders_StaticStrategies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m, err := NewManager(APIKey{HeaderName: "x-api-key", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"x-api-key": "k"}, m.Headers(ctx))

	m, err = NewManager(APIKey{Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"X-API-Key": "k"}, m.Headers(ctx))

	m, err = NewManager(Basic{Username: "user", Password: "pass"})
	require.NoError(t, err)
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass"))
	assert.Equal(t, map[string]string{"Authorization": want}, m.Headers(ctx))

	m, err = NewManager(Bearer{Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Authorization": "Bearer t"}, m.Headers(ctx))

	m, err = NewManager(None{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{}, m.Headers(ctx))

	m, err = NewManager(nil)
	require.NoError(t, err)
	assert.Empty(t, m.Headers(ctx))
}

type tokenServer struct {
	*httptest.Server
	calls atomic.Int32
	mu    sync.Mutex
	forms []map[string]string
	user  string
	pass  string
}

func newTokenServer(t *testing.T, status int, body string) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		_ = r.ParseForm()
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		u, p, _ := r.BasicAuth()
		ts.mu.Lock()
		ts.forms = append(ts.forms, form)
		ts.user, ts.pass = u, p
		ts.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestToken_CachedTokenSkipsNetwork(t *testing.T) {
	t.Parallel()
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"new"}`)
	cfg := OAuth2{ClientID: "id", ClientSecret: "secret", TokenURL: ts.URL}
	m := newManager(cfg, &State{}, WithClock(fixedClock(1_000)))
	m.state.store(Token{AccessToken: "cached"}, 2_000)

	tok, ok := m.Token(context.Background())
	require.True(t, ok)
	assert.Equal(t, "cached", tok)
	assert.Equal(t, int32(0), ts.calls.Load())
}

func TestToken_ExpiredTokenFetchesOnce(t *testing.T) {
	t.Parallel()
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"fresh","expires_in":3600,"token_type":"Bearer"}`)
	cfg := OAuth2{
		ClientID: "id", ClientSecret: "secret", TokenURL: ts.URL,
		Scopes:           []string{"read", "write"},
		AdditionalParams: map[string]string{"audience": "api"},
	}
	now := int64(10_000)
	m := newManager(cfg, &State{}, WithClock(fixedClock(now)))
	m.state.store(Token{AccessToken: "stale"}, now)

	tok, ok := m.Token(context.Background())
	require.True(t, ok)
	assert.Equal(t, "fresh", tok)
	assert.Equal(t, int32(1), ts.calls.Load())

	entry := m.state.cached()
	require.NotNil(t, entry)
	assert.Equal(t, now+3600*1000-30000, entry.expiresAtMs)

	ts.mu.Lock()
	defer ts.mu.Unlock()
	assert.Equal(t, "id", ts.user)
	assert.Equal(t, "secret", ts.pass)
	require.Len(t, ts.forms, 1)
	assert.Equal(t, map[string]string{
		"grant_type": "client_credentials",
		"scope":      "read write",
		"audience":   "api",
	}, ts.forms[0])

	// second call is served from the cache
	_, ok = m.Token(context.Background())
	require.True(t, ok)
	assert.Equal(t, int32(1), ts.calls.Load())
}

func TestToken_RefreshGrantWhenRefreshTokenKnown(t *testing.T) {
	t.Parallel()
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"renewed","expires_in":60}`)
	m := newManager(OAuth2{ClientID: "id", ClientSecret: "s", TokenURL: ts.URL}, &State{}, WithClock(fixedClock(5_000)))
	m.state.store(Token{AccessToken: "old", RefreshToken: "r1"}, 0)

	tok, ok := m.Token(context.Background())
	require.True(t, ok)
	assert.Equal(t, "renewed", tok)

	ts.mu.Lock()
	assert.Equal(t, "refresh_token", ts.forms[0]["grant_type"])
	assert.Equal(t, "r1", ts.forms[0]["refresh_token"])
	ts.mu.Unlock()

	// the refresh token is carried over when the response omits one
	assert.Equal(t, "r1", m.state.cached().token.RefreshToken)
}

func TestToken_MissingExpiryUsesDefaultTTL(t *testing.T) {
	t.Parallel()
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"a"}`)
	m := newManager(OAuth2{ClientID: "id", ClientSecret: "s", TokenURL: ts.URL}, &State{}, WithClock(fixedClock(0)))

	_, ok := m.Token(context.Background())
	require.True(t, ok)
	assert.Equal(t, int64(5*60*1000-30000), m.state.cached().expiresAtMs)
}

func TestToken_FailureLeavesStateAndDropsHeaders(t *testing.T) {
	t.Parallel()
	ts := newTokenServer(t, http.StatusUnauthorized, `{"error":"invalid_client"}`)
	m := newManager(OAuth2{ClientID: "id", ClientSecret: "bad", TokenURL: ts.URL}, &State{}, WithClock(fixedClock(50_000)))
	m.state.store(Token{AccessToken: "stale"}, 10_000)
	before := m.state.cached()

	assert.Equal(t, map[string]string{}, m.Headers(context.Background()))
	assert.Same(t, before, m.state.cached())
	assert.Equal(t, int32(1), ts.calls.Load())
}

func TestToken_MalformedResponse(t *testing.T) {
	t.Parallel()
	ts := newTokenServer(t, http.StatusOK, `not json`)
	m := newManager(OAuth2{ClientID: "id", ClientSecret: "s", TokenURL: ts.URL}, &State{})
	_, ok := m.Token(context.Background())
	assert.False(t, ok)
	assert.Nil(t, m.state.cached())
}

func TestHeaders_OAuth2Bearer(t *testing.T) {
	t.Parallel()
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"abc","expires_in":120}`)
	m, err := NewManager(OAuth2{ClientID: "id", ClientSecret: "s", TokenURL: ts.URL})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Authorization": "Bearer abc"}, m.Headers(context.Background()))
}

func TestTLSConfig_SkipsTokenEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTokenServer(t, http.StatusOK, `{"access_token":"abc","expires_in":120}`)
	m, err := NewManager(OAuth2{ClientID: "id", ClientSecret: "s", TokenURL: ts.URL})
	require.NoError(t, err)

	assert.Nil(t, m.TLSConfig())
	assert.Equal(t, int32(0), ts.calls.Load())
}

func TestToken_ConcurrentCallersShareGrant(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"access_token":"shared","expires_in":600}`))
	}))
	t.Cleanup(srv.Close)
	m := newManager(OAuth2{ClientID: "id", ClientSecret: "s", TokenURL: srv.URL}, &State{})

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = m.Token(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestToken_NotOAuth2(t *testing.T) {
	t.Parallel()
	m, err := NewManager(Bearer{Token: "t"})
	require.NoError(t, err)
	_, ok := m.Token(context.Background())
	assert.False(t, ok)
}
