package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	appctx "github.com/procuredesk/guard/internal/context"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestIsRateLimited_ThirdCallLimited(t *testing.T) {
	l := NewLimiter(NewMemoryStore(), nil)
	p := Profile{Name: "t", MaxRequests: 2, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.IsRateLimited(ctx, "client", p)
		require.NoError(t, err)
		assert.False(t, res.Limited, "call %d", i+1)
	}
	res, err := l.IsRateLimited(ctx, "client", p)
	require.NoError(t, err)
	assert.True(t, res.Limited)
	assert.Zero(t, res.Remaining)
}

func TestIsRateLimited_WindowResets(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := NewMemoryStore()
	l := NewLimiter(store, clk.Now)
	p := Profile{Name: "t", MaxRequests: 1, Window: time.Minute}
	ctx := context.Background()

	_, _ = l.IsRateLimited(ctx, "k", p)
	res, _ := l.IsRateLimited(ctx, "k", p)
	require.True(t, res.Limited)
	assert.Equal(t, time.Minute, res.ResetIn)

	clk.now = clk.now.Add(time.Minute)
	res, _ = l.IsRateLimited(ctx, "k", p)
	assert.False(t, res.Limited)
	assert.Equal(t, 1, res.Count)

	clk.now = clk.now.Add(2 * time.Minute)
	n, err := l.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, store.Len())
}

func TestProperty_FixedWindow(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxReq := rapid.IntRange(1, 20).Draw(t, "max")
		calls := rapid.IntRange(1, 40).Draw(t, "calls")
		l := NewLimiter(NewMemoryStore(), nil)
		p := Profile{Name: "p", MaxRequests: maxReq, Window: time.Hour}

		for i := 1; i <= calls; i++ {
			res, err := l.IsRateLimited(context.Background(), "key", p)
			if err != nil {
				t.Fatal(err)
			}
			if i == 1 && res.Limited {
				t.Fatal("first request of a window must not be limited")
			}
			if res.Limited != (i > maxReq) {
				t.Fatalf("call %d of max %d: limited=%v", i, maxReq, res.Limited)
			}
			if res.Limited && res.Remaining != 0 {
				t.Fatalf("limited result with remaining %d", res.Remaining)
			}
		}
	})
}

func TestGetClientID_Precedence(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.10:5555"
	assert.Equal(t, "192.0.2.10", GetClientID(r))

	r.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", GetClientID(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", GetClientID(r))
}

func TestClientResolver_Middleware(t *testing.T) {
	res, err := NewClientResolver([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	var got string
	h := res.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = appctx.ExtractIPAddress(r.Context())
	}))

	r := httptest.NewRequest("GET", "/api/auth/logout", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	r.RemoteAddr = "192.0.2.10:443"
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "192.0.2.10", got)

	r.RemoteAddr = "10.0.0.5:443"
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "203.0.113.9", got)
}

func TestPeerAddr_IgnoresHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.10:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	r.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "192.0.2.10", PeerAddr(r))
}

func TestClientResolver_TrustedProxies(t *testing.T) {
	res, err := NewClientResolver([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.9")

	r.RemoteAddr = "10.1.2.3:443"
	assert.Equal(t, "203.0.113.9", res.ClientID(r))

	r.RemoteAddr = "192.0.2.10:443"
	assert.Equal(t, "192.0.2.10", res.ClientID(r), "spoofed header from untrusted peer is ignored")

	_, err = NewClientResolver([]string{"not-an-ip"})
	assert.Error(t, err)
}

func TestKey(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/auth/password", nil)
	assert.Equal(t, "rl:auth:1.2.3.4", Key(Profile{Name: "auth"}, "1.2.3.4", r))
	assert.Equal(t, "rl:sensitive:1.2.3.4:/api/auth/password", Key(Profile{Name: "sensitive", PerPath: true}, "1.2.3.4", r))
}

func newTestMiddleware(profiles Profiles) *Middleware {
	return NewMiddleware(NewLimiter(NewMemoryStore(), nil), profiles, nil, nil, nil)
}

func TestMiddleware_HeadersAnd429(t *testing.T) {
	m := newTestMiddleware(Profiles{"auth": {Name: "auth", MaxRequests: 1, Window: time.Minute}})
	var seenIP string
	h := m.Limit("auth")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenIP = appctx.ExtractIPAddress(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/api/auth/login", nil)
	req.RemoteAddr = "192.0.2.1:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "192.0.2.1", seenIP)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Success)
	assert.Equal(t, "RATE_LIMITED", body.Error.Code)
}

func TestMiddleware_ProfilesAreIndependent(t *testing.T) {
	m := newTestMiddleware(Profiles{
		"auth":     {Name: "auth", MaxRequests: 1, Window: time.Minute},
		"mutation": {Name: "mutation", MaxRequests: 1, Window: time.Minute},
	})
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	auth := m.Limit("auth")(ok)
	mutation := m.Limit("mutation")(ok)

	req := httptest.NewRequest("POST", "/x", nil)
	for i := 0; i < 3; i++ {
		auth.ServeHTTP(httptest.NewRecorder(), req)
	}
	rec := httptest.NewRecorder()
	auth.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = httptest.NewRecorder()
	mutation.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code, "exhausting auth must not affect mutation")
}

func TestMiddleware_UnknownProfilePanics(t *testing.T) {
	m := newTestMiddleware(DefaultProfiles())
	assert.Panics(t, func() { m.Limit("nope") })
}

func TestDefaultProfiles(t *testing.T) {
	p := DefaultProfiles()
	assert.Equal(t, 5, p[ProfileAuth].MaxRequests)
	assert.Equal(t, 15*time.Minute, p[ProfileAuth].Window)
	assert.True(t, p[ProfileSensitive].PerPath)
	assert.Len(t, p, 5)
}
