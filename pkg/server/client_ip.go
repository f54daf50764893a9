package server

import (
	"net"
	"net/http"
	"strings"
)

// proxyMatcher answers whether a remote address is a trusted reverse proxy.
type proxyMatcher struct {
	nets []*net.IPNet
}

func newProxyMatcher(entries []string) *proxyMatcher {
	if len(entries) == 0 {
		return nil
	}
	pm := &proxyMatcher{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			pm.nets = append(pm.nets, ipnet)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			pm.nets = append(pm.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
		}
	}
	if len(pm.nets) == 0 {
		return nil
	}
	return pm
}

func (pm *proxyMatcher) IsTrusted(ip net.IP) bool {
	if pm == nil || ip == nil {
		return false
	}
	for _, n := range pm.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIPFromRequest resolves the real client IP. Forwarding headers are
// only honored when the direct peer is a trusted proxy, and the rightmost
// untrusted hop wins.
func clientIPFromRequest(r *http.Request, trusted *proxyMatcher) net.IP {
	remoteIP := remoteIPFromRequest(r)
	if remoteIP == nil {
		return nil
	}
	if !trusted.IsTrusted(remoteIP) {
		return remoteIP
	}

	forwarded := parseXForwardedFor(r.Header.Get("X-Forwarded-For"))
	if len(forwarded) == 0 {
		return remoteIP
	}

	for i := len(forwarded) - 1; i >= 0; i-- {
		if !trusted.IsTrusted(forwarded[i]) {
			return forwarded[i]
		}
	}
	return forwarded[0]
}

func remoteIPFromRequest(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

func parseXForwardedFor(header string) []net.IP {
	if header == "" {
		return nil
	}

	var out []net.IP
	for _, part := range strings.Split(header, ",") {
		if ip := parseForwardedIP(part); ip != nil {
			out = append(out, ip)
		}
	}
	return out
}

func parseForwardedIP(value string) net.IP {
	value = strings.TrimSpace(value)
	value = strings.Trim(value, "\"")
	if value == "" || strings.EqualFold(value, "unknown") {
		return nil
	}

	host := value
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end != -1 {
			host = host[1:end]
		}
	} else if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	if zone := strings.Index(host, "%"); zone != -1 {
		host = host[:zone]
	}
	return net.ParseIP(host)
}
