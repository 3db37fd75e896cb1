package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/rc-proxy/internal/auth"
	"github.com/p-blackswan/rc-proxy/internal/health"
	"github.com/p-blackswan/rc-proxy/internal/metrics"
	"github.com/p-blackswan/rc-proxy/internal/proxy"
	"github.com/p-blackswan/rc-proxy/internal/refresh"
	"github.com/p-blackswan/rc-proxy/internal/ringcentral"
)

const (
	publicServer = "https://proxy.example.com"
	appRedirect  = "https://app.example.com/auth-done"
)

var mediaContent = []byte("RIFF0123456789abcdef")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRingCentral is a minimal authorization server plus REST and media API.
type fakeRingCentral struct {
	server        *httptest.Server
	refreshes     int32
	revokes       int32
	refreshStatus int32
	refreshDelay  time.Duration

	// rotate issues a new refresh token per refresh and rejects reuse.
	rotate bool
	mu     sync.Mutex
	used   map[string]bool

	// slowHit receives once /slow is reached; the handler then waits on slowRelease.
	slowHit     chan struct{}
	slowRelease chan struct{}
	releaseOnce sync.Once

	streamDone chan struct{}
	streamOnce sync.Once
}

func newFakeRingCentral(t *testing.T) *fakeRingCentral {
	t.Helper()
	f := &fakeRingCentral{
		refreshStatus: http.StatusOK,
		used:          map[string]bool{},
		slowHit:       make(chan struct{}, 1),
		slowRelease:   make(chan struct{}),
		streamDone:    make(chan struct{}),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	t.Cleanup(f.releaseSlow)
	return f
}

func (f *fakeRingCentral) releaseSlow() {
	f.releaseOnce.Do(func() { close(f.slowRelease) })
}

func (f *fakeRingCentral) token(access, refresh string) map[string]interface{} {
	return map[string]interface{}{
		"access_token":             access,
		"refresh_token":            refresh,
		"token_type":               "bearer",
		"scope":                    "ReadCallLog ReadMessages",
		"owner_id":                 "400131",
		"endpoint_id":              "ep-1",
		"expires_in":               3600,
		"refresh_token_expires_in": 604800,
	}
}

func (f *fakeRingCentral) handle(w http.ResponseWriter, r *http.Request) {
	writeJSON := func(status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}

	switch {
	case r.URL.Path == "/restapi/oauth/token":
		r.ParseForm()
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if r.PostForm.Get("code") != "good-code" {
				writeJSON(http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
				return
			}
			writeJSON(http.StatusOK, f.token("access-1", "refresh-1"))
		case "refresh_token":
			n := atomic.AddInt32(&f.refreshes, 1)
			time.Sleep(f.refreshDelay)
			if status := int(atomic.LoadInt32(&f.refreshStatus)); status != http.StatusOK {
				writeJSON(status, map[string]string{"error": "invalid_grant"})
				return
			}
			if !f.rotate {
				writeJSON(http.StatusOK, f.token("access-2", "refresh-2"))
				return
			}
			f.mu.Lock()
			presented := r.PostForm.Get("refresh_token")
			reused := f.used[presented]
			f.used[presented] = true
			f.mu.Unlock()
			if reused {
				writeJSON(http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
				return
			}
			writeJSON(http.StatusOK, f.token(fmt.Sprintf("access-%d", n+1), fmt.Sprintf("refresh-%d", n+1)))
		}
	case r.URL.Path == "/restapi/oauth/revoke":
		atomic.AddInt32(&f.revokes, 1)
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/restapi/v1.0/account/~/call-log":
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Rcrequestid", "rc-req-1")
		fmt.Fprintf(w, `{"records":[{"uri":"%[1]s/x"},{"uri":"%[1]s/x"}]}`, f.server.URL)
	case r.URL.Path == "/restapi/v1.0/stale":
		writeJSON(http.StatusUnauthorized, map[string]string{"errorCode": "TokenInvalid"})
	case r.URL.Path == "/restapi/v1.0/slow":
		f.slowHit <- struct{}{}
		<-f.slowRelease
		writeJSON(http.StatusOK, map[string]string{"authorization": r.Header.Get("Authorization")})
	case r.URL.Path == "/restapi/v1.0/account/1/recording/live/content":
		// endless stream until the proxy goes away
		defer f.streamOnce.Do(func() { close(f.streamDone) })
		w.Header().Set("Content-Type", "audio/wav")
		chunk := bytes.Repeat([]byte("a"), 4096)
		for {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			w.(http.Flusher).Flush()
		}
	case r.URL.Path == "/restapi/v1.0/echo":
		body, _ := io.ReadAll(r.Body)
		writeJSON(http.StatusOK, map[string]string{
			"method":        r.Method,
			"query":         r.URL.RawQuery,
			"body":          string(body),
			"authorization": r.Header.Get("Authorization"),
			"client_id":     r.Header.Get("Client-Id"),
			"cookie":        r.Header.Get("Cookie"),
		})
	case strings.HasSuffix(r.URL.Path, "/content"):
		if r.URL.Query().Get("access_token") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(mediaContent))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type testStack struct {
	app      *fiber.App
	upstream *fakeRingCentral
	clock    *testClock
	metrics  *metrics.Metrics
}

func newTestStack(t *testing.T, mutate ...func(*Config)) *testStack {
	t.Helper()
	logger := zerolog.Nop()
	upstream := newFakeRingCentral(t)
	clock := &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}

	client := ringcentral.NewClient(ringcentral.Config{
		Server:       upstream.server.URL,
		MediaServer:  upstream.server.URL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  publicServer + "/proxy/oauth-callback",
	}, logger,
		ringcentral.WithHTTPClient(upstream.server.Client()),
		ringcentral.WithMediaClient(upstream.server.Client()),
		ringcentral.WithClock(clock.Now),
	)

	m := metrics.New()
	guard := auth.NewGuard(client, refresh.NewCoordinator(m, logger), logger)
	forwarder := proxy.NewForwarder(client, publicServer+"/proxy/media", m, logger)

	cfg := Config{
		ListenAddr:      ":0",
		PublicServer:    publicServer,
		AppOrigin:       "https://app.example.com",
		AppAuthRedirect: appRedirect,
		Session:         SessionConfig{CookieName: "session", MaxAge: time.Hour, Secure: true},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	srv, err := NewServer(cfg, client, guard, forwarder, health.NewChecker(logger), m, logger)
	require.NoError(t, err)
	return &testStack{app: srv.App(), upstream: upstream, clock: clock, metrics: m}
}

func (s *testStack) do(t *testing.T, method, target string, body io.Reader, cookies []*http.Cookie, headers ...string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

// login completes the OAuth callback and returns the session cookies.
func (s *testStack) login(t *testing.T, cookies []*http.Cookie) []*http.Cookie {
	t.Helper()
	resp := s.do(t, http.MethodGet, "/proxy/oauth-callback?code=good-code", nil, cookies)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	if fresh := resp.Cookies(); len(fresh) > 0 {
		return fresh
	}
	return cookies
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestServer_HealthEndpoints(t *testing.T) {
	s := newTestStack(t)

	resp := s.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "proxy_requests_total")
}

func TestServer_Authorize(t *testing.T) {
	s := newTestStack(t)

	resp := s.do(t, http.MethodGet, "/proxy/authorize", nil, nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	loc := resp.Header.Get("Location")
	assert.True(t, strings.HasPrefix(loc, s.upstream.server.URL+"/restapi/oauth/authorize?"), loc)
	assert.Contains(t, loc, "response_type=code")
	assert.Contains(t, loc, "client_id=client-id")
}

func TestServer_CallbackWithoutCode(t *testing.T) {
	s := newTestStack(t)

	resp := s.do(t, http.MethodGet, "/proxy/oauth-callback?error=access_denied", nil, nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, appRedirect+"?error=access_denied", resp.Header.Get("Location"))
}

func TestServer_CallbackExchangeFailure(t *testing.T) {
	s := newTestStack(t)

	resp := s.do(t, http.MethodGet, "/proxy/oauth-callback?code=stale-code", nil, nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, appRedirect+"?error=token_exchange_failed", resp.Header.Get("Location"))

	resp = s.do(t, http.MethodGet, "/proxy/restapi/v1.0/client-info", nil, resp.Cookies())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_LoginAndClientInfo(t *testing.T) {
	s := newTestStack(t)

	resp := s.do(t, http.MethodGet, "/proxy/oauth-callback?code=good-code", nil, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, appRedirect+"?result=success", resp.Header.Get("Location"))
	cookies := resp.Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, "session", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)
	assert.Equal(t, http.SameSiteNoneMode, cookies[0].SameSite)

	resp = s.do(t, http.MethodGet, "/proxy/restapi/v1.0/client-info", nil, cookies)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &info))
	assert.Equal(t, map[string]string{
		"owner_id":    "400131",
		"scope":       "ReadCallLog ReadMessages",
		"endpoint_id": "ep-1",
	}, info)
}

func TestServer_ClientInfoUnauthorized(t *testing.T) {
	s := newTestStack(t)

	resp := s.do(t, http.MethodGet, "/proxy/restapi/v1.0/client-info", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `{"message":"Token not found"}`, readBody(t, resp))
}

func TestServer_OAuthPathsForbidden(t *testing.T) {
	s := newTestStack(t)
	cookies := s.login(t, nil)

	for _, path := range []string{
		"/proxy/restapi/oauth/token",
		"/proxy/restapi/oauth/revoke",
		"/proxy/media/restapi/oauth/token",
	} {
		resp := s.do(t, http.MethodPost, path, nil, cookies)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
	}
}

func TestServer_ForwardUnauthorized(t *testing.T) {
	s := newTestStack(t)

	resp := s.do(t, http.MethodGet, "/proxy/restapi/v1.0/echo", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `{"message":"Token not found"}`, readBody(t, resp))
}

func TestServer_ForwardRequest(t *testing.T) {
	s := newTestStack(t)
	cookies := s.login(t, nil)

	resp := s.do(t, http.MethodPost, "/proxy/restapi/v1.0/echo?page=2&perPage=5",
		strings.NewReader(`{"text":"hello"}`), cookies,
		"Content-Type", "application/json",
		"Authorization", "Bearer from-browser")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var echo map[string]string
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &echo))
	assert.Equal(t, http.MethodPost, echo["method"])
	assert.Equal(t, "page=2&perPage=5", echo["query"])
	assert.JSONEq(t, `{"text":"hello"}`, echo["body"])
	assert.Equal(t, "bearer access-1", echo["authorization"])
	assert.Equal(t, "client-id", echo["client_id"])
	assert.Empty(t, echo["cookie"])
}

func TestServer_MediaLinksRewritten(t *testing.T) {
	s := newTestStack(t)
	cookies := s.login(t, nil)

	resp := s.do(t, http.MethodGet, "/proxy/restapi/v1.0/account/~/call-log", nil, cookies)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "rc-req-1", resp.Header.Get("RCRequestId"))

	body := readBody(t, resp)
	assert.Equal(t,
		`{"records":[{"uri":"https://proxy.example.com/proxy/media/x"},{"uri":"https://proxy.example.com/proxy/media/x"}]}`,
		strings.TrimSpace(body))
	assert.NotContains(t, body, s.upstream.server.URL)
}

func TestServer_UpstreamUnauthorizedClearsSession(t *testing.T) {
	s := newTestStack(t)
	cookies := s.login(t, nil)

	resp := s.do(t, http.MethodGet, "/proxy/restapi/v1.0/stale", nil, cookies)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `{"errorCode":"TokenInvalid"}`, readBody(t, resp))

	resp = s.do(t, http.MethodGet, "/proxy/restapi/v1.0/client-info", nil, cookies)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_UpstreamNotFoundRelayed(t *testing.T) {
	s := newTestStack(t)
	cookies := s.login(t, nil)

	resp := s.do(t, http.MethodGet, "/proxy/restapi/v1.0/missing", nil, cookies)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// a relayed upstream error leaves the session alone
	resp = s.do(t, http.MethodGet, "/proxy/restapi/v1.0/client-info", nil, cookies)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ConcurrentRefreshHitsUpstreamOnce(t *testing.T) {
	s := newTestStack(t)
	s.upstream.refreshDelay = 200 * time.Millisecond
	cookies := s.login(t, nil)

	// access token expired, refresh token still good
	s.clock.Advance(2 * time.Hour)

	const requests = 5
	var wg sync.WaitGroup
	auths := make([]string, requests)
	codes := make([]int, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/proxy/restapi/v1.0/echo", nil)
			for _, ck := range cookies {
				req.AddCookie(ck)
			}
			resp, err := s.app.Test(req, -1)
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()
			codes[i] = resp.StatusCode
			var echo map[string]string
			json.NewDecoder(resp.Body).Decode(&echo)
			auths[i] = echo["authorization"]
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&s.upstream.refreshes))
	for i := 0; i < requests; i++ {
		assert.Equal(t, http.StatusOK, codes[i])
		assert.Equal(t, "bearer access-2", auths[i])
	}

	// the refreshed token was persisted
	resp := s.do(t, http.MethodGet, "/proxy/restapi/v1.0/echo", nil, cookies)
	var echo map[string]string
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &echo))
	assert.Equal(t, "bearer access-2", echo["authorization"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&s.upstream.refreshes))

	resp = s.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Contains(t, readBody(t, resp), `proxy_token_refreshes_total{result="success"} 1`)
}

func TestServer_RefreshFailureClearsSession(t *testing.T) {
	s := newTestStack(t)
	cookies := s.login(t, nil)
	s.clock.Advance(2 * time.Hour)
	atomic.StoreInt32(&s.upstream.refreshStatus, http.StatusBadRequest)

	resp := s.do(t, http.MethodGet, "/proxy/restapi/v1.0/echo", nil, cookies)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// the cleared session does not retry the refresh
	atomic.StoreInt32(&s.upstream.refreshStatus, http.StatusOK)
	resp = s.do(t, http.MethodGet, "/proxy/restapi/v1.0/client-info", nil, cookies)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&s.upstream.refreshes))
}

func TestServer_RefreshTokenExpired(t *testing.T) {
	s := newTestStack(t)
	cookies := s.login(t, nil)
	s.clock.Advance(8 * 24 * time.Hour)

	resp := s.do(t, http.MethodGet, "/proxy/restapi/v1.0/client-info", nil, cookies)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(0), atomic.LoadInt32(&s.upstream.refreshes))
}

func TestServer_MediaRange(t *testing.T) {
	s := newTestStack(t)
	cookies := s.login(t, nil)

	resp := s.do(t, http.MethodGet, "/proxy/media/restapi/v1.0/account/1/recording/2/content", nil, cookies,
		"Range", "bytes=0-3")
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 0-3/20", resp.Header.Get("Content-Range"))
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.Equal(t, "RIFF", readBody(t, resp))
}

func TestServer_MediaFull(t *testing.T) {
	s := newTestStack(t)
	cookies := s.login(t, nil)

	resp := s.do(t, http.MethodGet, "/proxy/media/restapi/v1.0/account/1/recording/2/content", nil, cookies)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(mediaContent), readBody(t, resp))
}

func TestServer_MediaUnauthorized(t *testing.T) {
	s := newTestStack(t)

	resp := s.do(t, http.MethodGet, "/proxy/media/restapi/v1.0/account/1/recording/2/content", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `{"message":"Token not found"}`, readBody(t, resp))
}

func TestServer_MediaNavigateRedirectsThroughLogin(t *testing.T) {
	s := newTestStack(t)
	mediaPath := "/restapi/v1.0/account/1/recording/2/content"

	resp := s.do(t, http.MethodGet, "/proxy/media"+mediaPath, nil, nil, "Sec-Fetch-Mode", "navigate")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), s.upstream.server.URL+"/restapi/oauth/authorize"))
	cookies := resp.Cookies()
	require.NotEmpty(t, cookies)

	resp = s.do(t, http.MethodGet, "/proxy/oauth-callback?code=good-code", nil, cookies)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, publicServer+"/proxy/media"+mediaPath+"?result=success", resp.Header.Get("Location"))

	// the stored target is used once
	resp = s.do(t, http.MethodGet, "/proxy/oauth-callback?code=good-code", nil, cookies)
	assert.Equal(t, appRedirect+"?result=success", resp.Header.Get("Location"))
}

func TestServer_AuthorizeResetsRedirect(t *testing.T) {
	s := newTestStack(t)

	resp := s.do(t, http.MethodGet, "/proxy/media/restapi/v1.0/x/content", nil, nil, "Sec-Fetch-Mode", "navigate")
	cookies := resp.Cookies()
	require.NotEmpty(t, cookies)

	s.do(t, http.MethodGet, "/proxy/authorize", nil, cookies)
	resp = s.do(t, http.MethodGet, "/proxy/oauth-callback?code=good-code", nil, cookies)
	assert.Equal(t, appRedirect+"?result=success", resp.Header.Get("Location"))
}

func TestServer_Logout(t *testing.T) {
	s := newTestStack(t)
	cookies := s.login(t, nil)

	resp := s.do(t, http.MethodPost, "/proxy/logout", nil, cookies)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"result":"success"}`, readBody(t, resp))
	assert.Equal(t, int32(1), atomic.LoadInt32(&s.upstream.revokes))

	resp = s.do(t, http.MethodGet, "/proxy/restapi/v1.0/client-info", nil, cookies)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// logging out again without a token does not revoke
	resp = s.do(t, http.MethodGet, "/proxy/logout", nil, cookies)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&s.upstream.revokes))
}

func TestServer_EncryptedCookies(t *testing.T) {
	s := newTestStack(t, func(cfg *Config) {
		cfg.Session.EncryptionKey = DeriveCookieKey("server-secret")
	})

	resp := s.do(t, http.MethodGet, "/proxy/oauth-callback?code=good-code", nil, nil)
	cookies := resp.Cookies()
	require.NotEmpty(t, cookies)
	// session ids are 36-char UUIDs in the clear
	assert.NotEqual(t, 36, len(cookies[0].Value))

	resp = s.do(t, http.MethodGet, "/proxy/restapi/v1.0/client-info", nil, cookies)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_InvalidEncryptionKey(t *testing.T) {
	logger := zerolog.Nop()
	_, err := NewServer(Config{Session: SessionConfig{EncryptionKey: "c2hvcnQ="}}, nil, nil, nil, health.NewChecker(logger), nil, logger)
	assert.Error(t, err)
}

func TestServer_RateLimit(t *testing.T) {
	s := newTestStack(t, func(cfg *Config) {
		cfg.RateLimit = RateLimitConfig{RPS: 0.01, Burst: 1}
	})

	resp := s.do(t, http.MethodGet, "/proxy/restapi/v1.0/client-info", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/proxy/restapi/v1.0/client-info", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// health endpoints are not limited
	resp = s.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_CORS(t *testing.T) {
	s := newTestStack(t)

	resp := s.do(t, http.MethodGet, "/proxy/restapi/v1.0/client-info", nil, nil, "Origin", "https://app.example.com")
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
}

func TestServer_RequestID(t *testing.T) {
	s := newTestStack(t)

	resp := s.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_RefreshedTokenVisibleToLaterRequests(t *testing.T) {
	s := newTestStack(t)
	s.upstream.rotate = true
	cookies := s.login(t, nil)
	s.clock.Advance(2 * time.Hour)

	// the first request refreshes, then stays parked upstream
	slow := make(chan *http.Response, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/proxy/restapi/v1.0/slow", nil)
		for _, ck := range cookies {
			req.AddCookie(ck)
		}
		resp, err := s.app.Test(req, -1)
		if err != nil {
			slow <- nil
			return
		}
		slow <- resp
	}()

	select {
	case <-s.upstream.slowHit:
	case <-time.After(5 * time.Second):
		t.Fatal("slow request never reached upstream")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&s.upstream.refreshes))

	// a request on the same cookie after the flight settled sees the new token
	resp := s.do(t, http.MethodGet, "/proxy/restapi/v1.0/echo", nil, cookies)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var echo map[string]string
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &echo))
	assert.Equal(t, "bearer access-2", echo["authorization"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&s.upstream.refreshes))

	s.upstream.releaseSlow()
	first := <-slow
	require.NotNil(t, first)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	require.NoError(t, json.Unmarshal([]byte(readBody(t, first)), &echo))
	assert.Equal(t, "bearer access-2", echo["authorization"])

	resp = s.do(t, http.MethodGet, "/proxy/restapi/v1.0/client-info", nil, cookies)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&s.upstream.refreshes))
}

// memoryStorage is a fiber.Storage shared between server instances.
type memoryStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{data: map[string][]byte{}}
}

func (m *memoryStorage) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memoryStorage) Set(key string, val []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), val...)
	return nil
}

func (m *memoryStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStorage) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = map[string][]byte{}
	return nil
}

func (m *memoryStorage) Close() error { return nil }

func TestServer_SharedSessionStorage(t *testing.T) {
	storage := newMemoryStorage()
	withStorage := func(cfg *Config) { cfg.Session.Storage = storage }

	first := newTestStack(t, withStorage)
	cookies := first.login(t, nil)

	// a second instance, e.g. after a restart or on another replica
	second := newTestStack(t, withStorage)
	resp := second.do(t, http.MethodGet, "/proxy/restapi/v1.0/client-info", nil, cookies)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = first.do(t, http.MethodPost, "/proxy/logout", nil, cookies)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = second.do(t, http.MethodGet, "/proxy/restapi/v1.0/client-info", nil, cookies)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_MediaClientDisconnectAbortsUpstream(t *testing.T) {
	s := newTestStack(t)
	cookies := s.login(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.app.Listener(ln)
	t.Cleanup(func() { s.app.Shutdown() })

	req, err := http.NewRequest(http.MethodGet,
		"http://"+ln.Addr().String()+"/proxy/media/restapi/v1.0/account/1/recording/live/content", nil)
	require.NoError(t, err)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := make([]byte, 1024)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	select {
	case <-s.upstream.streamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream media request still open after client went away")
	}
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.MediaAbortsTotal) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(s.metrics.MediaStreams))
}

func TestServer_UnboundSessionIsAnError(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: customErrorHandler(zerolog.Nop())})
	app.Get("/", func(c *fiber.Ctx) error {
		_, err := sessionStore(c)
		return err
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "internal_error")
}

func TestServer_CORSPreflightEchoesHeaders(t *testing.T) {
	s := newTestStack(t)

	resp := s.do(t, http.MethodOptions, "/proxy/restapi/v1.0/account/~/call-log", nil, nil,
		"Origin", "https://app.example.com",
		"Access-Control-Request-Method", "GET",
		"Access-Control-Request-Headers", "X-User-Agent, Content-Type")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "X-User-Agent, Content-Type", resp.Header.Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_SentinelStatuses(t *testing.T) {
	s := newTestStack(t)
	cookies := s.login(t, nil)

	resp := s.do(t, http.MethodPost, "/proxy/restapi/oauth/token", nil, cookies)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	var problem ProblemDetail
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &problem))
	assert.Equal(t, "forbidden", problem.Type)
	assert.Equal(t, "/proxy/restapi/oauth/token", problem.Instance)

	// the access log counts the mapped status, not a 500
	resp = s.do(t, http.MethodGet, "/metrics", nil, nil)
	body := readBody(t, resp)
	assert.Contains(t, body, `code="403"`)
	assert.NotContains(t, body, `code="500"`)
}
