package refund

import (
	"net/url"
	"strings"

	"github.com/talerforge/merchant/internal/instance"
)

// RefundURL renders the taler://refund URI wallets dereference to
// collect a refund. Empty path segments are spelled "-" so the segment
// count stays fixed.
func RefundURL(uc URLContext, instanceID, orderID string) string {
	prefix := strings.Trim(uc.Prefix, "/")
	if prefix == "" {
		prefix = "-"
	} else {
		parts := strings.Split(prefix, "/")
		for i, p := range parts {
			parts[i] = url.PathEscape(p)
		}
		prefix = strings.Join(parts, "/")
	}
	inst := instanceID
	if inst == "" || inst == instance.DefaultInstanceID {
		inst = "-"
	} else {
		inst = url.PathEscape(inst)
	}

	var b strings.Builder
	b.WriteString("taler://refund/")
	b.WriteString(uc.Host)
	b.WriteString("/")
	b.WriteString(prefix)
	b.WriteString("/")
	b.WriteString(inst)
	b.WriteString("/")
	b.WriteString(url.PathEscape(orderID))
	if uc.Insecure {
		b.WriteString("?insecure=1")
	}
	return b.String()
}
