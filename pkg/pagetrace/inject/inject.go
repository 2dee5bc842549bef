// Package inject decides whether a response may carry a trace and splices
// the rendered fragment into the response body.
package inject

import (
	"bytes"
	"net/http"
	"strings"
)

// RequestKind tells page loads apart from data requests.
type RequestKind uint8

const (
	RequestPage RequestKind = iota
	RequestData
)

func (k RequestKind) String() string {
	if k == RequestData {
		return "data"
	}
	return "page"
}

var closingBody = []byte("</body>")

// KindOf classifies r. Requests negotiating JSON and XMLHttpRequest calls
// are data requests.
func KindOf(r *http.Request) RequestKind {
	if strings.Contains(strings.ToLower(r.Header.Get("Accept")), "json") {
		return RequestData
	}
	if strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		return RequestData
	}
	return RequestPage
}

// ShouldRender reports whether a trace may be added to a response. An empty
// content type is accepted.
func ShouldRender(kind RequestKind, contentType string, status int) bool {
	if kind == RequestData {
		return false
	}
	if bodiless(status) {
		return false
	}
	if contentType != "" && !strings.Contains(strings.ToLower(contentType), "html") {
		return false
	}
	return true
}

// Inject inserts fragment immediately before the last "</body>" of body,
// matched case-insensitively, or appends it when there is none. body is not
// modified.
func Inject(body []byte, fragment string) []byte {
	out := make([]byte, 0, len(body)+len(fragment))
	pos := lastIndexFold(body, closingBody)
	if pos < 0 {
		out = append(out, body...)
		return append(out, fragment...)
	}
	out = append(out, body[:pos]...)
	out = append(out, fragment...)
	return append(out, body[pos:]...)
}

// Strip removes a fragment previously added by Inject. It returns body and
// false when the fragment is not where Inject would have put it.
func Strip(body []byte, fragment string) ([]byte, bool) {
	frag := []byte(fragment)
	if pos := lastIndexFold(body, closingBody); pos >= len(frag) && bytes.Equal(body[pos-len(frag):pos], frag) {
		out := make([]byte, 0, len(body)-len(frag))
		out = append(out, body[:pos-len(frag)]...)
		return append(out, body[pos:]...), true
	}
	if bytes.HasSuffix(body, frag) {
		return body[:len(body)-len(frag)], true
	}
	return body, false
}

// lastIndexFold is bytes.LastIndex with ASCII-only case folding, so the
// returned offset is valid in the original body whatever its encoding.
func lastIndexFold(s, sep []byte) int {
	n := len(sep)
	for i := len(s) - n; i >= 0; i-- {
		if asciiEqualFold(s[i:i+n], sep) {
			return i
		}
	}
	return -1
}

func asciiEqualFold(a, b []byte) bool {
	for i := range a {
		if lower(a[i]) != lower(b[i]) {
			return false
		}
	}
	return true
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

// bodiless reports whether a response with status carries no body.
func bodiless(status int) bool {
	return (status >= 100 && status < 200) || status == http.StatusNoContent || status == http.StatusNotModified
}
