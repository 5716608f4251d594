package utils

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// GetDomain returns the registrable cookie domain of the dashboard that sent
// r, taken from Origin, then Referer, then the forwarded or request host.
func GetDomain(r *http.Request) string {
	origin := getOrigin(r)
	if origin == "" {
		return ""
	}
	if !strings.Contains(origin, "://") {
		origin = "https://" + origin
	}
	u, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if net.ParseIP(host) != nil {
		return host
	}
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	n := len(parts)
	return parts[n-2] + "." + parts[n-1]
}

func getOrigin(r *http.Request) string {
	for _, h := range []string{"Origin", "Referer", "X-Forwarded-Host"} {
		if v := r.Header.Get(h); v != "" {
			return v
		}
	}
	return r.Host
}
