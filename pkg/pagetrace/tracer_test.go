package pagetrace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chosenoffset/pagetrace/pkg/pagetrace/classify"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/config"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/dashboard"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/logs"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/metrics"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/render"
)

const page = "<html><body><h1>Ledger</h1></body></html>"

var fixedNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func consoleConfig() config.Config {
	cfg := config.Default()
	cfg.Type = render.ConsoleName
	return cfg
}

func newTestTracer(t *testing.T, cfg config.Config, opts ...Option) *Tracer {
	t.Helper()
	opts = append([]Option{
		WithConfig(cfg),
		WithLogger(testr.New(t)),
		WithClock(func() time.Time { return fixedNow }),
		WithMemoryReader(func() uint64 { return 4096 }),
	}, opts...)
	tracer, err := New(opts...)
	require.NoError(t, err)
	return tracer
}

func htmlHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		Record(r.Context(), logs.LevelInfo, "rendering page")
		_, _ = io.WriteString(w, body)
	}
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestDisabledTracerPassesThrough(t *testing.T) {
	cfg := consoleConfig()
	cfg.Enabled = false
	tracer := newTestTracer(t, cfg)

	rec := serve(tracer.Middleware(htmlHandler(page)), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, page, rec.Body.String())
	assert.Equal(t, strconv.Itoa(len(page)), rec.Header().Get("Content-Length"))
	assert.Equal(t, 0, tracer.Bus().Scopes())
}

func TestInjectsIntoHTML(t *testing.T) {
	tracer := newTestTracer(t, consoleConfig())

	rec := serve(tracer.Middleware(htmlHandler(page)), httptest.NewRequest(http.MethodGet, "http://ledger.test/accounts?id=7", nil))
	body := rec.Body.String()

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(body, "<html><body><h1>Ledger</h1><script type='text/javascript'>\n"))
	assert.True(t, strings.HasSuffix(body, "</script></body></html>"))
	assert.Contains(t, body, "console.group('Base');")
	assert.Contains(t, body, `console.log("Request 2024-03-01 10:00:00 HTTP/1.1 GET : http://ledger.test/accounts?id=7");`)
	assert.Contains(t, body, `console.log("1 rendering page");`)
	assert.Equal(t, strconv.Itoa(len(body)), rec.Header().Get("Content-Length"))
}

func TestHTMLRendererPanel(t *testing.T) {
	tracer := newTestTracer(t, config.Default())

	rec := serve(tracer.Middleware(htmlHandler(page)), httptest.NewRequest(http.MethodGet, "/", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `id="pagetrace_tab"`)
	assert.Contains(t, body, "rendering page")
	assert.True(t, strings.HasSuffix(body, "</body></html>"))
}

func TestSkippedResponses(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		header  map[string]string
		handler http.HandlerFunc
	}{
		{
			name:    "JSONRequest",
			method:  http.MethodGet,
			header:  map[string]string{"Accept": "application/json"},
			handler: htmlHandler(page),
		},
		{
			name:    "XHR",
			method:  http.MethodGet,
			header:  map[string]string{"X-Requested-With": "XMLHttpRequest"},
			handler: htmlHandler(page),
		},
		{
			name:   "JSONBody",
			method: http.MethodGet,
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, `{"ok":true}`)
			},
		},
		{
			name:   "NoContent",
			method: http.MethodDelete,
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				w.WriteHeader(http.StatusNoContent)
			},
		},
		{
			name:   "NotModified",
			method: http.MethodGet,
			header: map[string]string{"If-None-Match": `"v1"`},
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				w.Header().Set("ETag", `"v1"`)
				w.WriteHeader(http.StatusNotModified)
			},
		},
		{
			name:   "Redirect",
			method: http.MethodPost,
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, "/done", http.StatusSeeOther)
			},
		},
		{
			name:    "Head",
			method:  http.MethodHead,
			handler: htmlHandler(""),
		},
		{
			name:   "Brotli",
			method: http.MethodGet,
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				w.Header().Set("Content-Encoding", "br")
				_, _ = w.Write([]byte{0x1b, 0x02, 0x00})
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tracer := newTestTracer(t, consoleConfig())

			direct := httptest.NewRecorder()
			req := httptest.NewRequest(tc.method, "/", nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			tc.handler.ServeHTTP(direct, req)

			traced := serve(tracer.Middleware(tc.handler), req)
			assert.Equal(t, direct.Code, traced.Code)
			assert.Equal(t, direct.Body.Bytes(), traced.Body.Bytes())
			assert.Equal(t, direct.Header().Get("Content-Length"), traced.Header().Get("Content-Length"))
			assert.NotContains(t, traced.Body.String(), "console.group")
		})
	}
}

type failingRenderer struct{}

func (failingRenderer) Render([]classify.Tab, metrics.Snapshot) (string, error) {
	return "", &render.RenderError{Renderer: "failing", Err: errors.New("template exploded")}
}

func TestRenderFailureSendsOriginal(t *testing.T) {
	render.Register("failing", func(render.Options) (render.Renderer, error) { return failingRenderer{}, nil })

	cfg := config.Default()
	cfg.Type = "failing"

	var handled []error
	tracer := newTestTracer(t, cfg, WithErrorHandler(func(r *http.Request, err error) {
		handled = append(handled, err)
	}))

	rec := serve(tracer.Middleware(htmlHandler(page)), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, page, rec.Body.String())
	assert.Equal(t, strconv.Itoa(len(page)), rec.Header().Get("Content-Length"))
	require.Len(t, handled, 1)
	assert.True(t, render.IsRenderError(handled[0]))
}

func TestFlushDisablesInjection(t *testing.T) {
	tracer := newTestTracer(t, consoleConfig())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html><body>")
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, "streamed</body></html>")
	})

	rec := serve(tracer.Middleware(handler), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "<html><body>streamed</body></html>", rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestResponseControllerFlush(t *testing.T) {
	tracer := newTestTracer(t, consoleConfig())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<body>")
		require.NoError(t, http.NewResponseController(w).Flush())
		_, _ = io.WriteString(w, "</body>")
	})

	rec := serve(tracer.Middleware(handler), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "<body></body>", rec.Body.String())
}

func TestPanicIsReraised(t *testing.T) {
	tracer := newTestTracer(t, consoleConfig())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Record(r.Context(), logs.LevelInfo, "about to fail")
		_, _ = io.WriteString(w, "<body>partial")
		panic("boom")
	})

	rec := httptest.NewRecorder()
	assert.PanicsWithValue(t, "boom", func() {
		tracer.Middleware(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, 0, tracer.Bus().Scopes())
	assert.Empty(t, tracer.Recorder().GetLog(context.Background(), ""))
}

func TestGzipBodyIsInjected(t *testing.T) {
	tracer := newTestTracer(t, consoleConfig())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = io.WriteString(zw, page)
		_ = zw.Close()

		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	})

	rec := serve(tracer.Middleware(handler), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, strconv.Itoa(rec.Body.Len()), rec.Header().Get("Content-Length"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(plain), "console.group('Base');")
	assert.True(t, strings.HasSuffix(string(plain), "</script></body></html>"))
}

func TestContentTypeIsSniffed(t *testing.T) {
	tracer := newTestTracer(t, consoleConfig())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<!DOCTYPE html><html><body>x</body></html>")
	})
	rec := serve(tracer.Middleware(handler), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "console.group")

	plain := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "just text")
	})
	rec = serve(tracer.Middleware(plain), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "just text", rec.Body.String())
}

func TestConcurrentRequestsAreIsolated(t *testing.T) {
	tracer := newTestTracer(t, consoleConfig())
	rec := tracer.Recorder()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		ctx := r.Context()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Record(ctx, logs.LevelInfo, "worker-"+id)
			rec.Save(ctx)
		}()
		wg.Wait()
		Record(ctx, logs.LevelInfo, "handler-"+id)

		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<body></body>")
	})
	h := tracer.Middleware(handler)

	const n = 20
	bodies := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bodies[i] = serve(h, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/?id=%d", i), nil)).Body.String()
		}(i)
	}
	wg.Wait()

	for i, body := range bodies {
		assert.Contains(t, body, fmt.Sprintf(`"1 worker-%d"`, i))
		assert.Contains(t, body, fmt.Sprintf(`"2 handler-%d"`, i))
		assert.Equal(t, 1, strings.Count(body, "worker-"), "request %d saw foreign entries", i)
		assert.Equal(t, 1, strings.Count(body, "handler-"), "request %d saw foreign entries", i)
	}
	assert.Equal(t, 0, tracer.Bus().Scopes())
}

func TestChannelFilter(t *testing.T) {
	cfg := consoleConfig()
	cfg.Channel = "app"
	tracer := newTestTracer(t, cfg)
	audit := logs.NewRecorder("audit", tracer.Bus(), testr.New(t))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		audit.Record(ctx, logs.LevelInfo, "audit entry")
		audit.Save(ctx)
		tracer.Recorder().Record(ctx, logs.LevelInfo, "app entry")
		tracer.Recorder().Save(ctx)
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<body></body>")
	})

	body := serve(tracer.Middleware(handler), httptest.NewRequest(http.MethodGet, "/", nil)).Body.String()
	assert.Contains(t, body, "app entry")
	assert.NotContains(t, body, "audit entry")
}

func TestMetricsCollaborators(t *testing.T) {
	tracer := newTestTracer(t, consoleConfig(), WithSessions(CookieSession{Name: "sid"}))

	templates := fstest.MapFS{"views/index.html": {Data: make([]byte, 2048)}}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		CacheRead(ctx)
		CacheRead(ctx)
		CacheWrite(ctx)
		metrics.CountersFrom(ctx).AddQuery()

		f, err := FS(ctx, templates).Open("views/index.html")
		require.NoError(t, err)
		_ = f.Close()
		TrackFile(ctx, "/etc/app.yaml", 512)

		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<body></body>")
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "s-42"})
	body := serve(tracer.Middleware(handler), req).Body.String()

	assert.Contains(t, body, `"Queries 1 queries"`)
	assert.Contains(t, body, `"Cache 2 reads,1 writes"`)
	assert.Contains(t, body, `"Session SESSION_ID=s-42"`)
	assert.Contains(t, body, "Resources: 2")
	assert.Contains(t, body, `"1 views/index.html ( 2.00 KB )"`)
	assert.Contains(t, body, `"2 /etc/app.yaml ( 0.50 KB )"`)
}

type feedRecorder struct {
	mu     sync.Mutex
	traces []dashboard.Trace
}

func (f *feedRecorder) Publish(t dashboard.Trace) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traces = append(f.traces, t)
}

func TestFeedReceivesEveryTrace(t *testing.T) {
	feed := &feedRecorder{}
	tracer := newTestTracer(t, consoleConfig(), WithFeed(feed))
	h := tracer.Middleware(htmlHandler(page))

	serve(h, httptest.NewRequest(http.MethodGet, "/page", nil))
	api := httptest.NewRequest(http.MethodGet, "/api", nil)
	api.Header.Set("Accept", "application/json")
	serve(h, api)

	require.Len(t, feed.traces, 2)
	assert.Equal(t, "HTTP/1.1 GET : http://example.com/page", feed.traces[0].RequestLine)
	assert.Equal(t, "HTTP/1.1 GET : http://example.com/api", feed.traces[1].RequestLine)
	assert.NotEqual(t, feed.traces[0].ID, feed.traces[1].ID)
	assert.Len(t, feed.traces[0].Tabs, len(classify.DefaultTraceConfig().Tabs))
}

func TestNestedConfigDisablesTracer(t *testing.T) {
	cfg, err := config.Parse([]byte("trace:\n  enabled: false\n  type: console\n"))
	require.NoError(t, err)
	tracer := newTestTracer(t, cfg)

	rec := serve(tracer.Middleware(htmlHandler(page)), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, page, rec.Body.String())
	assert.Equal(t, 0, tracer.Bus().Scopes())
}

func TestSetConfig(t *testing.T) {
	tracer := newTestTracer(t, consoleConfig())
	h := tracer.Middleware(htmlHandler(page))

	cfg := tracer.Config()
	cfg.Enabled = false
	require.NoError(t, tracer.SetConfig(cfg))
	assert.Equal(t, page, serve(h, httptest.NewRequest(http.MethodGet, "/", nil)).Body.String())

	bad := consoleConfig()
	bad.Tabs = nil
	assert.ErrorIs(t, tracer.SetConfig(bad), config.ErrNoTabs)
	assert.False(t, tracer.Config().Enabled)

	bad = consoleConfig()
	bad.Type = "pdf"
	assert.ErrorIs(t, tracer.SetConfig(bad), render.ErrUnknownRenderer)

	_, err := New(WithConfig(bad))
	assert.Error(t, err)
}

func TestTraceCLI(t *testing.T) {
	tracer := newTestTracer(t, config.Default())

	fragment, err := tracer.TraceCLI(context.Background(), []string{"migrate", "--step", "2"}, func(ctx context.Context) error {
		Record(ctx, logs.LevelInfo, "applied 2 migrations")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fragment, "<script type='text/javascript'>"))
	assert.Contains(t, fragment, "cmd:migrate --step 2")
	assert.Contains(t, fragment, `"1 applied 2 migrations"`)

	failure := errors.New("lock timeout")
	fragment, err = tracer.TraceCLI(context.Background(), []string{"migrate"}, func(ctx context.Context) error {
		return failure
	})
	assert.ErrorIs(t, err, failure)
	assert.Contains(t, fragment, `console.error("%clock timeout"`)

	cfg := tracer.Config()
	cfg.Enabled = false
	require.NoError(t, tracer.SetConfig(cfg))
	fragment, err = tracer.TraceCLI(context.Background(), nil, func(context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Empty(t, fragment)
}

func TestHelpersOutsideRequest(t *testing.T) {
	ctx := context.Background()
	assert.NotPanics(t, func() {
		Record(ctx, logs.LevelInfo, "ignored")
		TrackFile(ctx, "x", 1)
		CacheRead(ctx)
		CacheWrite(ctx)
	})
	_, ok := FromContext(ctx)
	assert.False(t, ok)

	fsys := fstest.MapFS{}
	assert.Equal(t, fsys, FS(ctx, fsys))
}

func TestHandlerFunc(t *testing.T) {
	tracer := newTestTracer(t, consoleConfig())
	hf := tracer.HandlerFunc(htmlHandler(page))

	rec := httptest.NewRecorder()
	hf(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Contains(t, rec.Body.String(), "console.group('Base');")
}
