package reconcile

import (
	"strings"

	"github.com/ddsnet/nodex/go/panel"
)

// clientKey returns the identity under which central and node clients are
// matched. It differs by inbound protocol: trojan identifies clients by
// password, shadowsocks by email, everything else by id. Clients with an
// empty key are excluded from convergence.
func clientKey(c *panel.Client, protocol string) string {
	switch strings.ToLower(protocol) {
	case "trojan":
		return firstNonEmpty(c.Password, c.Email, c.ID)
	case "shadowsocks":
		return c.Email
	default: // vmess, vless, and anything else
		return firstNonEmpty(c.ID, c.Email)
	}
}

// clientAPIID returns the identifier the panel's updateClient and delClient
// endpoints address a client by. Unlike clientKey there is no fallback: a
// client without its protocol's identifier cannot be addressed.
func clientAPIID(c *panel.Client, protocol string) string {
	switch strings.ToLower(protocol) {
	case "trojan":
		return c.Password
	case "shadowsocks":
		return c.Email
	default:
		return c.ID
	}
}

// safuFresh reports whether a client is awaiting first use: activation is
// deferred and no expiry has been stamped yet.
func safuFresh(c *panel.Client) bool {
	return c.StartAfterFirstUse && c.ExpiryTime <= 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
