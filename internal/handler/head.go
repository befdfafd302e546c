package handler

import (
	"bytes"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// RequestIDHeader carries the correlation id to the backend and back.
const RequestIDHeader = "X-Request-Id"

// BackendHeader names the backend that served the response.
const BackendHeader = "X-Backend-Server"

// Hop-by-hop headers, removed when forwarding in either direction.
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

func removeHopHeaders(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// hasBody reports whether r carries a body to stream after the head.
func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}

// requestHead serializes the HTTP/1.1 request line and headers sent to the
// backend. A body of unknown length is announced as chunked.
func requestHead(r *http.Request, requestID string) []byte {
	header := r.Header.Clone()
	removeHopHeaders(header)
	// the front server already answered any 100-continue
	header.Del("Expect")
	header.Set(RequestIDHeader, requestID)

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := header.Values("X-Forwarded-For"); len(prior) > 0 {
			host = strings.Join(prior, ", ") + ", " + host
		}
		header.Set("X-Forwarded-For", host)
	}

	header.Del("Content-Length")
	switch {
	case !hasBody(r):
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			header.Set("Content-Length", "0")
		}
	case r.ContentLength > 0:
		header.Set("Content-Length", strconv.FormatInt(r.ContentLength, 10))
	default:
		header.Set("Transfer-Encoding", "chunked")
	}

	var buf bytes.Buffer
	buf.WriteString(r.Method)
	buf.WriteByte(' ')
	buf.WriteString(r.URL.RequestURI())
	buf.WriteString(" HTTP/1.1\r\nHost: ")
	buf.WriteString(r.Host)
	buf.WriteString("\r\n")
	// Header.Write only fails when the writer does
	_ = header.Write(&buf)
	buf.WriteString("\r\n")

	return buf.Bytes()
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}
