package gateway

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// mutationRateLimit caps each session to 20 mutations/s (spec.md §4.7),
// bursting up to one second's worth.
const mutationRateLimit = 20

// sessionLimiters hands out one token-bucket limiter per bearer token,
// created lazily. Grounded on the teacher's per-IP rateLimiter shape
// (internal/session), but keyed per session and backed by
// golang.org/x/time/rate instead of a sliding window, since this limiter
// throttles ongoing traffic rather than counting auth failures.
type sessionLimiters struct {
	mu      sync.Mutex
	byToken map[string]*rate.Limiter
}

func newSessionLimiters() *sessionLimiters {
	return &sessionLimiters{byToken: make(map[string]*rate.Limiter)}
}

func (s *sessionLimiters) forToken(token string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byToken[token]
	if !ok {
		l = rate.NewLimiter(rate.Limit(mutationRateLimit), mutationRateLimit)
		s.byToken[token] = l
	}
	return l
}

// middleware rejects a request with ERR_TIMEOUT-adjacent 429 once the
// session's bucket is empty. Read-only GETs are exempt; only mutating
// methods consume a token.
func (s *sessionLimiters) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Method == http.MethodGet {
				return next(c)
			}
			token := bearerTokenOf(c.Request())
			if !s.forToken(token).Allow() {
				return c.JSON(http.StatusTooManyRequests, errorBody{Kind: "ERR_TIMEOUT", Detail: "rate limit exceeded, slow down"})
			}
			return next(c)
		}
	}
}

func bearerTokenOf(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return r.RemoteAddr
}
