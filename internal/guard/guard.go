// Package guard protects restore and audit routes with a shared secret.
//
// The guard is independent of any licensing or feature gating: recovery
// must work even when the rest of the product is locked. It keeps no
// session state.
package guard

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/roach88/lifeboat/internal/metrics"
)

// HeaderName carries the shared secret.
const HeaderName = "X-Admin-Secret"

// Denial reasons reported to metrics.
const (
	ReasonDisabled    = "disabled"
	ReasonBadSecret   = "bad_secret"
	ReasonRateLimited = "rate_limited"
)

var (
	// ErrUnauthorized is returned for a missing or wrong secret.
	ErrUnauthorized = errors.New("missing or invalid admin secret")

	// ErrDisabled is returned when no secret is configured.
	ErrDisabled = errors.New("restore is disabled: no admin secret configured")

	// ErrRateLimited is returned when a client exceeds its request budget.
	ErrRateLimited = errors.New("too many requests")
)

// ErrorWriter renders a denial. The api package supplies its JSON writer.
type ErrorWriter func(w http.ResponseWriter, status int, err error)

// Guard compares the request secret with the configured one in constant time.
type Guard struct {
	secret  []byte
	limiter *Limiter
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
}

// New creates a guard. An empty secret denies every request. limiter, m and
// logger may be nil.
func New(secret string, limiter *Limiter, m *metrics.Metrics, logger *zap.SugaredLogger) *Guard {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Guard{secret: []byte(secret), limiter: limiter, metrics: m, logger: logger}
}

// Check authorizes r. It never reads the request body.
func (g *Guard) Check(r *http.Request) error {
	if g.limiter != nil && !g.limiter.Allow(SourceKey(r)) {
		g.deny(r, ReasonRateLimited)
		return ErrRateLimited
	}
	if len(g.secret) == 0 {
		g.deny(r, ReasonDisabled)
		return ErrDisabled
	}
	given := []byte(r.Header.Get(HeaderName))
	if subtle.ConstantTimeCompare(given, g.secret) != 1 {
		g.deny(r, ReasonBadSecret)
		return ErrUnauthorized
	}
	return nil
}

func (g *Guard) deny(r *http.Request, reason string) {
	g.metrics.ObserveDenial(reason)
	g.logger.Warnw("guarded request denied",
		"reason", reason,
		"path", r.URL.Path,
		"method", r.Method,
		"source", SourceKey(r),
	)
}

// Middleware rejects unauthorized requests with 403 and rate limited ones
// with 429 before the handler runs.
func (g *Guard) Middleware(write ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := g.Check(r)
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, ErrRateLimited):
				w.Header().Set("Retry-After", "1")
				write(w, http.StatusTooManyRequests, err)
			default:
				write(w, http.StatusForbidden, err)
			}
		})
	}
}

// SourceKey identifies the client: the host part of RemoteAddr, which
// chi's RealIP middleware has already rewritten when proxies set it.
func SourceKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Limiter is a per-client token bucket.
type Limiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter allows perSecond requests per client with the given burst.
// Clients idle longer than ten minutes are forgotten.
func NewLimiter(perSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     10 * time.Minute,
		now:     time.Now,
		clients: make(map[string]*client),
	}
}

// Allow reports whether the client may make a request now.
func (l *Limiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, c := range l.clients {
		if now.Sub(c.lastSeen) > l.ttl {
			delete(l.clients, k)
		}
	}

	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}
