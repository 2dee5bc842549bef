package pagetrace

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
)

// bufferedWriter holds the response until the tracer has decided whether to
// inject. A handler that flushes or hijacks switches it to passthrough and
// the response is left alone from then on.
type bufferedWriter struct {
	w           http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
	passthrough bool
	hijacked    bool
}

func newBufferedWriter(w http.ResponseWriter) *bufferedWriter {
	return &bufferedWriter{w: w, status: http.StatusOK}
}

func (bw *bufferedWriter) Header() http.Header {
	return bw.w.Header()
}

func (bw *bufferedWriter) WriteHeader(code int) {
	// Informational responses go out immediately and are not final.
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		bw.w.WriteHeader(code)
		return
	}
	if bw.wroteHeader {
		return
	}
	bw.status = code
	bw.wroteHeader = true
	if bw.passthrough {
		bw.w.WriteHeader(code)
	}
}

func (bw *bufferedWriter) Write(data []byte) (int, error) {
	if !bw.wroteHeader {
		bw.WriteHeader(http.StatusOK)
	}
	if bw.passthrough {
		return bw.w.Write(data)
	}
	return bw.body.Write(data)
}

// Flush sends what is buffered and streams everything after it.
func (bw *bufferedWriter) Flush() {
	bw.startPassthrough()
	if f, ok := bw.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (bw *bufferedWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(bw.w).Hijack()
	if err == nil {
		bw.hijacked = true
		bw.passthrough = true
	}
	return conn, rw, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (bw *bufferedWriter) Unwrap() http.ResponseWriter {
	return bw.w
}

func (bw *bufferedWriter) startPassthrough() {
	if bw.passthrough {
		return
	}
	bw.passthrough = true
	bw.wroteHeader = true
	bw.w.WriteHeader(bw.status)
	if bw.body.Len() > 0 {
		_, _ = bw.w.Write(bw.body.Bytes())
		bw.body.Reset()
	}
}

// Status is the final status code, 200 if the handler never set one.
func (bw *bufferedWriter) Status() int { return bw.status }

func (bw *bufferedWriter) Body() []byte { return bw.body.Bytes() }

// Streamed reports whether the response already left through the
// underlying writer.
func (bw *bufferedWriter) Streamed() bool { return bw.passthrough }

// send writes status and body to the client.
func (bw *bufferedWriter) send(body []byte) error {
	bw.passthrough = true
	bw.w.WriteHeader(bw.status)
	_, err := bw.w.Write(body)
	return err
}
