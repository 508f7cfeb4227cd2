// Package protocol defines the wire frames exchanged between the Gateway
// and the Agent over a single WebSocket connection, and the helpers used to
// translate them to and from net/http types.
package protocol

import (
	"encoding/base64"
	"net/http"
	"sort"
	"strings"
)

// HeaderPair is one (name, value) occurrence, preserved in the order it was
// seen on the wire. Duplicate names are represented as repeated pairs.
type HeaderPair [2]string

// RequestFrame is one inbound HTTP exchange as seen by the Agent. Field
// names match the wire protocol exactly: guid/method/path/headers/data.
type RequestFrame struct {
	ID      string       `json:"guid"`
	Method  string       `json:"method"`
	Path    string       `json:"path"`
	Headers []HeaderPair `json:"headers"`
	Data    string       `json:"data"`
}

// ResponseFrame is the paired reply. Field names match the wire protocol
// exactly: guid/status/headers/content.
type ResponseFrame struct {
	ID      string       `json:"guid"`
	Status  int          `json:"status"`
	Headers []HeaderPair `json:"headers"`
	Content string       `json:"content"`
}

// HeadersFromHTTP converts an http.Header into ordered pairs. Values sharing
// a header name are emitted in the order net/http received them; across
// distinct names the order is deterministic (sorted) rather than wire-exact,
// since net/http's Header does not retain cross-key arrival order.
func HeadersFromHTTP(h http.Header) []HeaderPair {
	if len(h) == 0 {
		return nil
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]HeaderPair, 0, len(h))
	for _, k := range keys {
		for _, v := range h[k] {
			pairs = append(pairs, HeaderPair{k, v})
		}
	}
	return pairs
}

// ApplyHeaders adds every pair to dst in order, preserving duplicates.
func ApplyHeaders(pairs []HeaderPair, dst http.Header) {
	for _, p := range pairs {
		dst.Add(p[0], p[1])
	}
}

// EncodeBody base64-encodes raw octets for the wire.
func EncodeBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(body)
}

// DecodeBody decodes a base64 body, tolerating a trailing newline.
func DecodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(strings.TrimRight(s, "\n"))
}

// HopByHopHeaders is the case-insensitive set of headers that apply only to
// a single transport hop and are never forwarded across the tunnel.
var HopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Public",
	"Proxy-Authenticate",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes hop-by-hop headers from h in place.
func StripHopByHop(h http.Header) {
	for _, name := range HopByHopHeaders {
		h.Del(name)
	}
}
