package httpserver

import (
	"crypto/subtle"
	"net/http"

	merr "github.com/talerforge/merchant/internal/errors"
	"github.com/talerforge/merchant/pkg/responders"
)

// adminMetricsAuth protects the /metrics endpoint with an API key.
// With no key configured the endpoint is open; otherwise requests must
// carry "Authorization: Bearer {key}".
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			expected := "Bearer " + apiKey
			given := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(given), []byte(expected)) != 1 {
				resp := merr.NewErrorResponse(merr.ErrCodeInvalidField, "invalid or missing metrics API key", nil)
				responders.JSON(w, http.StatusUnauthorized, resp)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
