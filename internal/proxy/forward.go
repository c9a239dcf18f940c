package proxy

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/ferro-labs/edge-gateway/internal/routetable"
)

// ForwardPath returns the part of uri that follows the route prefix. The
// optional "/*" marker is removed from prefix before the literal prefix is
// stripped, so "/service/*" forwards "/service/api/x?y=1" as "/api/x?y=1" and
// "/service" as "". A uri that does not start with the prefix is returned
// unchanged.
func ForwardPath(prefix, uri string) string {
	base := strings.TrimSuffix(prefix, routetable.Wildcard)
	if strings.HasPrefix(uri, base) {
		return uri[len(base):]
	}
	return uri
}

// targetURL joins the upstream base URL and the forwarded path and query.
func targetURL(base *url.URL, forwarded string) (*url.URL, error) {
	return url.Parse(base.String() + forwarded)
}

// Hop-by-hop headers are meaningful for a single connection only and are
// never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// endToEnd copies h without hop-by-hop headers, including any named in the
// Connection header.
func endToEnd(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, v := range out.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}

// setForwarded appends the client address to X-Forwarded-For and records the
// original host and scheme.
func setForwarded(out http.Header, r *http.Request) {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := out.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		out.Set("X-Forwarded-For", ip)
	}
	if out.Get("X-Forwarded-Host") == "" {
		out.Set("X-Forwarded-Host", r.Host)
	}
	if out.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if r.TLS != nil {
			proto = "https"
		}
		out.Set("X-Forwarded-Proto", proto)
	}
}
