package pagetrace

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedWriter(t *testing.T) {
	t.Run("HoldsResponse", func(t *testing.T) {
		rec := httptest.NewRecorder()
		bw := newBufferedWriter(rec)

		bw.WriteHeader(http.StatusCreated)
		bw.WriteHeader(http.StatusTeapot)
		_, err := bw.Write([]byte("held"))
		require.NoError(t, err)

		assert.Equal(t, http.StatusCreated, bw.Status())
		assert.Equal(t, "held", string(bw.Body()))
		assert.False(t, bw.Streamed())
		assert.Empty(t, rec.Body.String())

		require.NoError(t, bw.send([]byte("sent")))
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "sent", rec.Body.String())
	})

	t.Run("DefaultStatus", func(t *testing.T) {
		bw := newBufferedWriter(httptest.NewRecorder())
		_, _ = bw.Write([]byte("x"))
		assert.Equal(t, http.StatusOK, bw.Status())
	})

	t.Run("FlushStreams", func(t *testing.T) {
		rec := httptest.NewRecorder()
		bw := newBufferedWriter(rec)

		bw.WriteHeader(http.StatusAccepted)
		_, _ = bw.Write([]byte("a"))
		bw.Flush()
		_, _ = bw.Write([]byte("b"))

		assert.True(t, bw.Streamed())
		assert.True(t, rec.Flushed)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "ab", rec.Body.String())
		assert.Empty(t, bw.Body())
	})

	t.Run("HeaderIsShared", func(t *testing.T) {
		rec := httptest.NewRecorder()
		bw := newBufferedWriter(rec)
		bw.Header().Set("X-Trace", "1")
		assert.Equal(t, "1", rec.Header().Get("X-Trace"))
	})

	t.Run("Unwrap", func(t *testing.T) {
		rec := httptest.NewRecorder()
		assert.Same(t, rec, newBufferedWriter(rec).Unwrap())
	})

	t.Run("HijackUnsupported", func(t *testing.T) {
		bw := newBufferedWriter(httptest.NewRecorder())
		_, _, err := bw.Hijack()
		assert.Error(t, err)
		assert.False(t, bw.Streamed())
	})
}

func TestCookieSession(t *testing.T) {
	src := CookieSession{Name: "sid"}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := src.SessionID(r)
	assert.False(t, ok)

	r.AddCookie(&http.Cookie{Name: "sid", Value: "abc"})
	id, ok := src.SessionID(r)
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	fn := SessionFunc(func(*http.Request) (string, bool) { return "fixed", true })
	id, ok = fn.SessionID(r)
	assert.True(t, ok)
	assert.Equal(t, "fixed", id)
}
