package proxy

import (
	"strings"
)

// hopHeaders are dropped from relayed responses. The relayed body is already
// decoded and its length is recomputed by the server.
var hopHeaders = map[string]bool{
	"content-length":   true,
	"connection":       true,
	"content-encoding": true,
}

var mediaBearingSegments = []string{"call-log", "message-store", "message-sync", "meeting"}

// FormatHeaders canonicalizes upstream response headers for relay: names are
// lowercased then capitalized per dash-separated word, multi-valued headers
// are joined with commas.
func FormatHeaders(in map[string][]string) map[string]string {
	out := make(map[string]string, len(in))
	for name, values := range in {
		lower := strings.ToLower(name)
		if hopHeaders[lower] {
			continue
		}
		key := formatHeaderName(lower)
		if prev, ok := out[key]; ok {
			out[key] = prev + "," + strings.Join(values, ",")
			continue
		}
		out[key] = strings.Join(values, ",")
	}
	return out
}

func formatHeaderName(lower string) string {
	if lower == "rcrequestid" {
		return "RCRequestId"
	}
	words := strings.Split(lower, "-")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, "-")
}

// ShouldHandleMediaLink reports whether responses for path can embed media
// server URLs.
func ShouldHandleMediaLink(path string) bool {
	for _, seg := range mediaBearingSegments {
		if strings.Contains(path, seg) {
			return true
		}
	}
	return false
}

// HandleMediaLink rewrites every media server URL in text to point at the
// proxy's media route.
func HandleMediaLink(text, mediaServer, proxyMediaPrefix string) string {
	if mediaServer == "" {
		return text
	}
	return strings.ReplaceAll(text, mediaServer, proxyMediaPrefix)
}

// IsOAuthPath reports whether path targets the upstream OAuth endpoints,
// which are never proxied.
func IsOAuthPath(path string) bool {
	return strings.Contains(path, "oauth")
}
