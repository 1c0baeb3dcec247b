// Package session implements the Broadcast Gateway's authentication: a
// single shared secret (no per-user accounts), checked as a bearer token
// with per-IP rate limiting of failed attempts. Grounded on
// arung-agamani-denpa-radio/internal/auth/auth.go, simplified from
// username+password+JWT down to secret-only (bcrypt comparison stays;
// token issuance and claims do not apply to a single static secret).
package session

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken = errors.New("missing authorization token")
	ErrInvalidToken = errors.New("invalid token")
	ErrRateLimited  = errors.New("too many failed attempts, try again later")
)

const (
	defaultMaxFailures = 10
	defaultWindow       = 5 * time.Minute
)

// Validator checks bearer tokens against a single shared secret.
type Validator struct {
	secretHash []byte
	limiter    *rateLimiter
}

// New hashes secret with bcrypt once at startup; the plaintext is never
// retained.
func New(secret string) *Validator {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("failed to hash session secret", "err", err)
		hash = []byte("$2a$10$INVALIDHASHXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX")
	}
	return &Validator{
		secretHash: hash,
		limiter:    newRateLimiter(defaultMaxFailures, defaultWindow),
	}
}

// Authenticate checks token (already extracted from the Authorization
// header) against the configured secret, rate limiting failures per IP.
func (v *Validator) Authenticate(token, remoteAddr string) error {
	ip := extractIP(remoteAddr)
	if !v.limiter.isAllowed(ip) {
		return ErrRateLimited
	}
	if token == "" {
		return ErrMissingToken
	}
	if bcrypt.CompareHashAndPassword(v.secretHash, []byte(token)) != nil {
		v.limiter.recordFailure(ip)
		return ErrInvalidToken
	}
	v.limiter.recordSuccess(ip)
	return nil
}

// Authentication is enforced by the Gateway's own authMiddleware
// (internal/gateway/server.go), which extracts the bearer token via
// bearerTokenOf and calls Authenticate directly so every error response on
// that surface shares one JSON shape (errorBody). Validator stops at
// Authenticate; it has no opinion on how a caller wires that into an
// HTTP framework.

func extractIP(remoteAddr string) string {
	if strings.HasPrefix(remoteAddr, "[") {
		if idx := strings.LastIndex(remoteAddr, "]:"); idx != -1 {
			return remoteAddr[1:idx]
		}
		return strings.Trim(remoteAddr, "[]")
	}
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		return remoteAddr[:idx]
	}
	return remoteAddr
}

// rateLimiter tracks failed attempts per IP over a sliding window,
// unchanged in shape from the teacher's auth.rateLimiter.
type rateLimiter struct {
	mu         sync.Mutex
	attempts   map[string][]time.Time
	maxFails   int
	windowSize time.Duration
}

func newRateLimiter(maxFails int, windowSize time.Duration) *rateLimiter {
	return &rateLimiter{attempts: make(map[string][]time.Time), maxFails: maxFails, windowSize: windowSize}
}

func (rl *rateLimiter) isAllowed(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.pruneLocked(key)
	return len(rl.attempts[key]) < rl.maxFails
}

func (rl *rateLimiter) recordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.pruneLocked(key)
	rl.attempts[key] = append(rl.attempts[key], time.Now())
}

func (rl *rateLimiter) recordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

func (rl *rateLimiter) pruneLocked(key string) {
	cutoff := time.Now().Add(-rl.windowSize)
	entries := rl.attempts[key]
	n := 0
	for _, t := range entries {
		if t.After(cutoff) {
			entries[n] = t
			n++
		}
	}
	if n == 0 {
		delete(rl.attempts, key)
		return
	}
	rl.attempts[key] = entries[:n]
}
