package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chosenoffset/pagetrace/pkg/pagetrace"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/config"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/dashboard"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/logs"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/render"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const page = "<!DOCTYPE html><html><body><p>hello</p></body></html>"

// TestIntegrationSuite runs the tracer against real HTTP servers.
func TestIntegrationSuite(t *testing.T) {
	t.Run("EndToEnd", testEndToEnd)
	t.Run("CompressedResponse", testCompressedResponse)
	t.Run("ConcurrentRequests", testConcurrentRequests)
	t.Run("DashboardFeed", testDashboardFeed)
	t.Run("ConfigReload", testConfigReload)
	t.Run("CommandLine", testCommandLine)
}

func consoleTracer(t *testing.T, opts ...pagetrace.Option) *pagetrace.Tracer {
	t.Helper()
	cfg := config.Default()
	cfg.Type = render.ConsoleName
	tracer, err := pagetrace.New(append([]pagetrace.Option{
		pagetrace.WithConfig(cfg),
		pagetrace.WithLogger(testr.New(t)),
	}, opts...)...)
	require.NoError(t, err)
	return tracer
}

func pageHandler(w http.ResponseWriter, r *http.Request) {
	pagetrace.Record(r.Context(), logs.LevelInfo, "serving "+r.URL.Path)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, page)
}

func fetch(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func testEndToEnd(t *testing.T) {
	tracer := consoleTracer(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/page", pageHandler)
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		pagetrace.Record(r.Context(), logs.LevelInfo, "api")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	srv := httptest.NewServer(tracer.Middleware(mux))
	defer srv.Close()

	resp, body := fetch(t, srv.Client(), srv.URL+"/page")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(body, "<!DOCTYPE html><html><body><p>hello</p><script type='text/javascript'>"))
	assert.True(t, strings.HasSuffix(body, "</script></body></html>"))
	assert.Contains(t, body, `console.log("1 serving /page");`)
	assert.Equal(t, int64(len(body)), resp.ContentLength)

	_, body = fetch(t, srv.Client(), srv.URL+"/api")
	assert.Equal(t, `{"ok":true}`, body)
	assert.Equal(t, 0, tracer.Bus().Scopes())
}

func testCompressedResponse(t *testing.T) {
	tracer := consoleTracer(t)
	srv := httptest.NewServer(tracer.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pagetrace.Record(r.Context(), logs.LevelInfo, "compressed")
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		_, _ = io.WriteString(zw, page)
		_ = zw.Close()
	}))
	defer srv.Close()

	// The transport requested gzip itself, so it decodes the body.
	resp, body := fetch(t, srv.Client(), srv.URL)
	assert.True(t, resp.Uncompressed)
	assert.Contains(t, body, `console.log("1 compressed");`)
	assert.True(t, strings.HasSuffix(body, "</script></body></html>"))
}

func testConcurrentRequests(t *testing.T) {
	tracer := consoleTracer(t)
	srv := httptest.NewServer(tracer.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := r.URL.Query().Get("n")
		done := make(chan struct{})
		go func() {
			defer close(done)
			pagetrace.Record(r.Context(), logs.LevelInfo, "marker-"+n)
			tracer.Recorder().Save(r.Context())
		}()
		<-done
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, page)
	}))
	defer srv.Close()

	const requests = 40
	var wg sync.WaitGroup
	bodies := make([]string, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := srv.Client().Get(fmt.Sprintf("%s/?n=%d", srv.URL, i))
			if err != nil {
				return
			}
			defer resp.Body.Close()
			data, _ := io.ReadAll(resp.Body)
			bodies[i] = string(data)
		}()
	}
	wg.Wait()

	for i, body := range bodies {
		assert.Equal(t, 1, strings.Count(body, "marker-"), "request %d", i)
		assert.Contains(t, body, fmt.Sprintf(`"1 marker-%d"`, i))
	}
	assert.Equal(t, 0, tracer.Bus().Scopes())
}

func testDashboardFeed(t *testing.T) {
	dash := dashboard.NewServer("", testr.New(t))
	defer func() { _ = dash.Stop() }()
	dashSrv := httptest.NewServer(dash.Handler())
	defer dashSrv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(dashSrv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return dash.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	tracer := consoleTracer(t, pagetrace.WithFeed(dash))
	srv := httptest.NewServer(tracer.HandlerFunc(pageHandler))
	defer srv.Close()
	fetch(t, srv.Client(), srv.URL+"/feed")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string `json:"type"`
		Data struct {
			ID          string `json:"id"`
			RequestLine string `json:"request_line"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "trace", msg.Type)
	assert.NotEmpty(t, msg.Data.ID)
	assert.Equal(t, "HTTP/1.1 GET : "+srv.URL+"/feed", msg.Data.RequestLine)
}

func testConfigReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.yaml")
	require.NoError(t, os.WriteFile(path, []byte("type: console\ntabs:\n  info: Flow\n"), 0o644))

	tracer := consoleTracer(t)
	watcher, err := config.NewWatcher(path, testr.New(t), func(cfg config.Config) {
		assert.NoError(t, tracer.SetConfig(cfg))
	})
	require.NoError(t, err)
	defer watcher.Close()
	require.NoError(t, tracer.SetConfig(watcher.Current()))

	srv := httptest.NewServer(tracer.HandlerFunc(pageHandler))
	defer srv.Close()

	_, body := fetch(t, srv.Client(), srv.URL)
	assert.Contains(t, body, "console.group('Flow');")
	assert.NotContains(t, body, "console.group('Base');")

	require.NoError(t, os.WriteFile(path, []byte("enabled: false\n"), 0o644))
	assert.Eventually(t, func() bool {
		_, body := fetch(t, srv.Client(), srv.URL)
		return body == page
	}, 3*time.Second, 20*time.Millisecond)
}

func testCommandLine(t *testing.T) {
	tracer := consoleTracer(t)
	fragment, err := tracer.TraceCLI(context.Background(), []string{"ledger", "report"}, func(ctx context.Context) error {
		pagetrace.Record(ctx, logs.LevelInfo, "report generated")
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, fragment, "cmd:ledger report")
	assert.Contains(t, fragment, `console.log("1 report generated");`)
}
