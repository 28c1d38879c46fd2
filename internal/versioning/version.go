// Package versioning negotiates the wire API version exposed to
// clients. A client selects a version with the X-API-Version header or
// a vendor media type in Accept
// (application/vnd.taler-merchant.v1+json); requests naming no version,
// or an unknown one, get the current version.
package versioning

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

// Version is a major wire API version.
type Version int

// V1 is the only version served today.
const V1 Version = 1

// Current is the version assigned when the client names none.
const Current = V1

func (v Version) String() string {
	return "v" + strconv.Itoa(int(v))
}

type contextKey struct{}

// FromContext returns the version negotiated for the request, or
// Current when negotiation never ran.
func FromContext(ctx context.Context) Version {
	if v, ok := ctx.Value(contextKey{}).(Version); ok {
		return v
	}
	return Current
}

// WithVersion records the negotiated version on the context.
func WithVersion(ctx context.Context, v Version) context.Context {
	return context.WithValue(ctx, contextKey{}, v)
}

// Negotiation resolves the requested API version, stamps it on the
// response headers and the request context, and passes the request on.
func Negotiation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := negotiate(r)
		w.Header().Set("X-API-Version", v.String())
		w.Header().Set("Vary", "Accept, X-API-Version")
		next.ServeHTTP(w, r.WithContext(WithVersion(r.Context(), v)))
	})
}

const vendorPrefix = "application/vnd.taler-merchant."

// negotiate prefers an explicit X-API-Version header over the Accept
// vendor media type.
func negotiate(r *http.Request) Version {
	if h := r.Header.Get("X-API-Version"); h != "" {
		if v, ok := parseVersion(h); ok {
			return v
		}
	}
	if accept := r.Header.Get("Accept"); strings.Contains(accept, vendorPrefix) {
		rest := accept[strings.Index(accept, vendorPrefix)+len(vendorPrefix):]
		if i := strings.IndexAny(rest, "+;, "); i >= 0 {
			rest = rest[:i]
		}
		if v, ok := parseVersion(rest); ok {
			return v
		}
	}
	return Current
}

// parseVersion accepts "1", "v1" or "V1"; anything else is unknown.
func parseVersion(s string) (Version, bool) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "v")
	n, err := strconv.Atoi(s)
	if err != nil || Version(n) != V1 {
		return 0, false
	}
	return Version(n), true
}
