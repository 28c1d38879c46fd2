package versioning

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		want   Version
	}{
		{name: "no headers", want: Current},
		{name: "explicit header", header: "X-API-Version", value: "1", want: V1},
		{name: "explicit header with prefix", header: "X-API-Version", value: "v1", want: V1},
		{name: "explicit header uppercase", header: "X-API-Version", value: "V1", want: V1},
		{name: "unknown version falls back", header: "X-API-Version", value: "9", want: Current},
		{name: "garbage header falls back", header: "X-API-Version", value: "banana", want: Current},
		{name: "vendor media type", header: "Accept", value: "application/vnd.taler-merchant.v1+json", want: V1},
		{name: "vendor media type among others", header: "Accept", value: "text/html, application/vnd.taler-merchant.v1+json", want: V1},
		{name: "unknown vendor version falls back", header: "Accept", value: "application/vnd.taler-merchant.v9+json", want: Current},
		{name: "plain accept ignored", header: "Accept", value: "application/json", want: Current},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/orders", nil)
			if tt.header != "" {
				r.Header.Set(tt.header, tt.value)
			}
			if got := negotiate(r); got != tt.want {
				t.Errorf("negotiate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNegotiationMiddleware(t *testing.T) {
	var seen Version
	h := Negotiation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodGet, "/orders", nil)
	r.Header.Set("X-API-Version", "v1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if seen != V1 {
		t.Errorf("context version = %v, want %v", seen, V1)
	}
	if got := w.Header().Get("X-API-Version"); got != "v1" {
		t.Errorf("X-API-Version = %q, want %q", got, "v1")
	}
	if got := w.Header().Get("Vary"); got != "Accept, X-API-Version" {
		t.Errorf("Vary = %q, want %q", got, "Accept, X-API-Version")
	}
}

func TestFromContextDefault(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := FromContext(r.Context()); got != Current {
		t.Errorf("FromContext() = %v, want %v", got, Current)
	}
}
