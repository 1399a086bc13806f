package guard

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lifeboat/internal/metrics"
)

func writeStatus(w http.ResponseWriter, status int, err error) {
	http.Error(w, err.Error(), status)
}

func guardedHandler(g *Guard) (http.Handler, *bool) {
	called := false
	h := g.Middleware(writeStatus)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))
	return h, &called
}

func TestGuard_Secret(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		header     string
		wantStatus int
		wantCalled bool
	}{
		{"correct secret", "s3cret", "s3cret", http.StatusNoContent, true},
		{"wrong secret", "s3cret", "guess", http.StatusForbidden, false},
		{"missing header", "s3cret", "", http.StatusForbidden, false},
		{"prefix of secret", "s3cret", "s3c", http.StatusForbidden, false},
		{"no secret configured", "", "", http.StatusForbidden, false},
		{"no secret configured with header", "", "anything", http.StatusForbidden, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, called := guardedHandler(New(tt.configured, nil, nil, nil))

			req := httptest.NewRequest(http.MethodPost, "/restore", nil)
			if tt.header != "" {
				req.Header.Set(HeaderName, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCalled, *called)
		})
	}
}

func TestGuard_CheckErrors(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/restore", nil)
	assert.ErrorIs(t, New("", nil, nil, nil).Check(req), ErrDisabled)
	assert.ErrorIs(t, New("x", nil, nil, nil).Check(req), ErrUnauthorized)

	req.Header.Set(HeaderName, "x")
	assert.NoError(t, New("x", nil, nil, nil).Check(req))
}

func TestGuard_RateLimit(t *testing.T) {
	m := metrics.New()
	g := New("s3cret", NewLimiter(0.001, 2), m, nil)
	h, _ := guardedHandler(g)

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/restore", nil)
		req.RemoteAddr = remote
		req.Header.Set(HeaderName, "wrong")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusForbidden, send("10.0.0.1:1111"))
	assert.Equal(t, http.StatusForbidden, send("10.0.0.1:2222"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:3333"))
	assert.Equal(t, http.StatusForbidden, send("10.0.0.2:1111"))

	denials, err := testutil.GatherAndCount(m.Registry(), "lifeboat_guard_denials_total")
	require.NoError(t, err)
	assert.Equal(t, 2, denials)
}

func TestLimiter_ForgetsIdleClients(t *testing.T) {
	l := NewLimiter(0.001, 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	now = now.Add(11 * time.Minute)
	assert.True(t, l.Allow("b"))
	l.mu.Lock()
	_, tracked := l.clients["a"]
	l.mu.Unlock()
	assert.False(t, tracked)
	assert.True(t, l.Allow("a"))
}

func TestSourceKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.5:5555"
	assert.Equal(t, "192.168.1.5", SourceKey(req))

	req.RemoteAddr = "192.168.1.6"
	assert.Equal(t, "192.168.1.6", SourceKey(req))
}
