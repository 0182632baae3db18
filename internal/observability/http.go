package observability

import (
	"net"
	"net/http"
	"strings"
)

// Browsers cannot set headers on a websocket handshake, so the connection
// metadata may also arrive as query parameters.
const (
	deviceIDHeader  = "X-Device-Id"
	requestIDHeader = "X-Request-Id"
	deviceIDQuery   = "device_id"
	requestIDQuery  = "request_id"
)

// DeviceIDFromRequest returns the client device id, if any.
func DeviceIDFromRequest(r *http.Request) string {
	return headerOrQuery(r, deviceIDHeader, deviceIDQuery)
}

// RequestIDFromRequest returns the caller supplied request id, if any.
func RequestIDFromRequest(r *http.Request) string {
	return headerOrQuery(r, requestIDHeader, requestIDQuery)
}

// IPFromRequest prefers the first proxy hop over the socket peer.
func IPFromRequest(r *http.Request) string {
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(first) != "" {
		return strings.TrimSpace(first)
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-Ip")); real != "" {
		return real
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func headerOrQuery(r *http.Request, header, query string) string {
	if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get(query))
}
