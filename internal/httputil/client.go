package httputil

import (
	"net/http"
	"time"
)

// NewClient creates an HTTP client with transport settings tuned for
// repeated requests to a small set of hosts, which is exactly the
// traffic pattern against exchanges: connection reuse matters, fan-out
// per host stays small.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
