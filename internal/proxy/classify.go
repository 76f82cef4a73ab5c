package proxy

import (
	"net/netip"
)

// Classifier decides whether a client address belongs to internal traffic.
type Classifier struct {
	nets []netip.Prefix
}

func NewClassifier(nets []netip.Prefix) Classifier {
	return Classifier{nets: nets}
}

// IsInternal reports whether remoteAddr ("host:port" or a bare IP) falls in
// one of the internal networks. Zones are ignored. Unparsable addresses are
// external.
func (c Classifier) IsInternal(remoteAddr string) bool {
	addr, ok := parseAddr(remoteAddr)
	if !ok {
		return false
	}
	for _, p := range c.nets {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseAddr(s string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().WithZone("").Unmap(), true
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return a.WithZone("").Unmap(), true
	}
	return netip.Addr{}, false
}
