package pagetrace

import "net/http"

// SessionSource reports the session a request belongs to.
type SessionSource interface {
	SessionID(r *http.Request) (string, bool)
}

// CookieSession reads the session ID from a cookie.
type CookieSession struct {
	Name string
}

func (c CookieSession) SessionID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.Name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

// SessionFunc adapts a function to SessionSource.
type SessionFunc func(r *http.Request) (string, bool)

func (f SessionFunc) SessionID(r *http.Request) (string, bool) { return f(r) }
