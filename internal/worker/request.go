package worker

import (
	"net/http"
	"net/url"
	"strings"
)

// Request modes, as sent in Sec-Fetch-Mode
const (
	ModeNavigate = "navigate"
	ModeCORS     = "cors"
	ModeNoCORS   = "no-cors"
)

// DestinationImage is the Sec-Fetch-Dest of image loads
const DestinationImage = "image"

// Response types. Only basic responses are written on the cache-first path.
const (
	ResponseBasic  = "basic"
	ResponseCORS   = "cors"
	ResponseOpaque = "opaque"
)

// Mode returns the request mode. Clients that do not send Fetch Metadata
// headers are classified from the method and Accept header.
func Mode(req *http.Request) string {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.ToLower(mode)
	}
	if req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html") {
		return ModeNavigate
	}
	if req.Header.Get("Origin") != "" {
		return ModeCORS
	}
	return ModeNoCORS
}

// IsNavigation reports whether req is a full-page load
func IsNavigation(req *http.Request) bool {
	return Mode(req) == ModeNavigate
}

// Destination returns the request destination, "" when unknown
func Destination(req *http.Request) string {
	if dest := req.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return strings.ToLower(dest)
	}
	if strings.HasPrefix(req.Header.Get("Accept"), "image/") {
		return DestinationImage
	}
	return ""
}

// ResponseType classifies the response a request will get relative to origin
func ResponseType(req *http.Request, origin *url.URL) string {
	if SameOrigin(req.URL, origin) {
		return ResponseBasic
	}
	if Mode(req) == ModeCORS {
		return ResponseCORS
	}
	return ResponseOpaque
}

// SameOrigin compares scheme and host, ignoring default ports
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	default:
		return "80"
	}
}
