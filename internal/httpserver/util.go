package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	merr "github.com/talerforge/merchant/internal/errors"
	"github.com/talerforge/merchant/internal/instance"
	"github.com/talerforge/merchant/internal/refund"
)

// maxBodyBytes caps request bodies; a /pay request with hundreds of
// coins stays far below this.
const maxBodyBytes = 1 << 20

// resolveInstance maps the optional /instances/{instance} prefix to a
// configured merchant instance.
func (s *handlers) resolveInstance(r *http.Request) (*instance.Instance, *merr.Error) {
	id := chi.URLParam(r, "instance")
	mi, err := s.instances.Lookup(id)
	if err != nil {
		return nil, merr.New(merr.ErrCodeInstanceUnknown, "instance %q unknown", id)
	}
	return mi, nil
}

// decodeJSON reads a size-limited JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) *merr.Error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return merr.New(merr.ErrCodeInvalidJSON, "empty request body")
		}
		return merr.New(merr.ErrCodeInvalidJSON, "malformed JSON: %v", err)
	}
	return nil
}

// urlContext reconstructs how the client reached us, honoring the
// forwarding headers a fronting reverse proxy sets.
func urlContext(r *http.Request) refund.URLContext {
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	insecure := r.TLS == nil
	if proto != "" {
		insecure = !strings.EqualFold(proto, "https")
	}
	return refund.URLContext{
		Host:     host,
		Prefix:   r.Header.Get("X-Forwarded-Prefix"),
		Insecure: insecure,
	}
}
