package utils

import (
	"net"
	"net/http"
	"strings"

	"golang.org/x/xerrors"
)

var privateCidrs []*net.IPNet

func init() {
	blocks := []string{
		"127.0.0.0/8",    // localhost
		"10.0.0.0/8",     // 24-bit block
		"172.16.0.0/12",  // 20-bit block
		"169.254.0.0/16", // link local address
		"192.168.0.0/16", // 16-bit block
		"100.64.0.0/10",  // carrier grade nat
		"::1/128",        // localhost IPv6
		"fc00::/7",       // unique local address IPv6
		"fe80::/10",      // link local address IPv6
	}

	privateCidrs = make([]*net.IPNet, 0, len(blocks))
	for _, block := range blocks {
		_, cidr, err := net.ParseCIDR(block)
		if err != nil {
			panic(err)
		}
		privateCidrs = append(privateCidrs, cidr)
	}
}

// privateAddress
//
//	Determines if an IP address is private or not.
func privateAddress(address string) (bool, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return false, xerrors.Errorf("invalid ip address %q", address)
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() {
		return true, nil
	}

	for _, cidr := range privateCidrs {
		if cidr.Contains(ip) {
			return true, nil
		}
	}

	return false, nil
}

// firstPublicAddress returns the first public address of a forwarding
// header chain, or the last address when every hop is private
func firstPublicAddress(values []string) string {
	last := ""
	for _, h := range values {
		for _, address := range strings.Split(h, ",") {
			address = strings.TrimSpace(address)
			if len(address) == 0 {
				continue
			}
			private, err := privateAddress(address)
			if !private && err == nil {
				return address
			}
			last = address
		}
	}
	return last
}

// GetRemoteAddr
//
//	Extracts the client IP address of a request. Forwarding headers are
//	preferred over the socket address so that clients behind a reverse
//	proxy are told apart.
func GetRemoteAddr(r *http.Request) string {
	if addr := firstPublicAddress(r.Header.Values("X-Original-Forwarded-For")); len(addr) > 0 {
		return addr
	}

	if addr := firstPublicAddress(r.Header.Values("X-Forwarded-For")); len(addr) > 0 {
		return addr
	}

	if xRealIP := strings.TrimSpace(r.Header.Get("X-Real-Ip")); len(xRealIP) > 0 {
		return xRealIP
	}

	remoteIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}
	return remoteIP
}
