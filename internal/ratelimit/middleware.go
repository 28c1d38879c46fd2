package ratelimit

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	merr "github.com/talerforge/merchant/internal/errors"
)

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool
	// Limit requests per Window, keyed by client IP.
	Limit  int
	Window time.Duration
}

// DefaultConfig returns limits that stop obvious request floods without
// getting in the way of a busy shop frontend.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Limit:   600,
		Window:  time.Minute,
	}
}

// Limiter returns a per-IP rate limiting middleware. Disabled configs
// yield a pass-through.
func Limiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.Enabled || cfg.Limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(
		cfg.Limit,
		window,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "1")
			merr.WriteError(w, merr.ErrCodeRateLimited, "rate limit exceeded", map[string]interface{}{
				"retry_after_seconds": int(window.Seconds()),
			})
		}),
	)
}
