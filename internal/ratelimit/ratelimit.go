// Package ratelimit provides Redis-based rate limiting for the HTTP surface
// and the websocket send path.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimited is returned when a rate limit is exceeded.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter provides rate limiting backed by Redis counters.
type Limiter struct {
	redis *redis.Client
}

// NewLimiter creates a new rate limiter.
func NewLimiter(redis *redis.Client) *Limiter {
	return &Limiter{redis: redis}
}

// Limits bounds the operations a single identity can perform per window.
type Limits struct {
	// Certificate uploads are infrequent lifecycle events.
	UploadLimit  int
	UploadWindow time.Duration

	// Envelope sends over a live connection.
	SendLimit  int
	SendWindow time.Duration

	// Login attempts, keyed by username then IP as a fallback.
	LoginLimit  int
	LoginWindow time.Duration
}

// DefaultLimits returns the recommended limits.
func DefaultLimits() Limits {
	return Limits{
		UploadLimit:  5,
		UploadWindow: time.Minute,
		SendLimit:    60,
		SendWindow:   time.Minute,
		LoginLimit:   10,
		LoginWindow:  time.Minute,
	}
}

// CheckCertificateUpload limits how often one identity can submit
// certificate material.
func (l *Limiter) CheckCertificateUpload(ctx context.Context, identityID string) error {
	if l == nil || l.redis == nil {
		// Without Redis the check fails open for availability.
		return nil
	}
	limits := DefaultLimits()
	key := fmt.Sprintf("ratelimit:certupload:%s", identityID)
	if err := l.checkLimit(ctx, key, limits.UploadLimit, limits.UploadWindow); err != nil {
		log.Printf("[RateLimit] Identity %s exceeded certificate upload limit", identityID)
		return ErrRateLimited
	}
	return nil
}

// CheckEnvelopeSend limits how many envelopes one identity can push per window.
func (l *Limiter) CheckEnvelopeSend(ctx context.Context, identityID string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	limits := DefaultLimits()
	key := fmt.Sprintf("ratelimit:send:%s", identityID)
	if err := l.checkLimit(ctx, key, limits.SendLimit, limits.SendWindow); err != nil {
		log.Printf("[RateLimit] Identity %s exceeded envelope send limit", identityID)
		return ErrRateLimited
	}
	return nil
}

// CheckLogin limits authentication attempts against one username and, when
// known, from one IP.
func (l *Limiter) CheckLogin(ctx context.Context, username, ip string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	limits := DefaultLimits()

	userKey := fmt.Sprintf("ratelimit:login:user:%s", username)
	if err := l.checkLimit(ctx, userKey, limits.LoginLimit, limits.LoginWindow); err != nil {
		log.Printf("[RateLimit] Login attempts against %s exceeded limit", username)
		return ErrRateLimited
	}

	if ip != "" {
		ipKey := fmt.Sprintf("ratelimit:login:ip:%s", ip)
		if err := l.checkLimit(ctx, ipKey, limits.LoginLimit, limits.LoginWindow); err != nil {
			return ErrRateLimited
		}
	}

	return nil
}

// checkLimit performs the actual rate limit check using Redis INCR.
func (l *Limiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) error {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		// Fail open on Redis errors to maintain availability.
		return nil
	}

	// First request in the window sets the expiry.
	if count == 1 {
		l.redis.Expire(ctx, key, window)
	}

	if int(count) > limit {
		return ErrRateLimited
	}

	return nil
}
