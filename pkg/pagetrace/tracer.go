package pagetrace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/chosenoffset/pagetrace/pkg/pagetrace/classify"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/config"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/dashboard"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/inject"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/logs"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/metrics"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/render"
)

// DefaultChannel is the name of the recorder a Tracer creates when none is
// supplied.
const DefaultChannel = "app"

// ErrorHandler is called when a trace could not be produced for a request.
// The original response is sent regardless.
type ErrorHandler func(r *http.Request, err error)

// Feed receives every finished trace. *dashboard.Server implements it.
type Feed interface {
	Publish(t dashboard.Trace)
}

// Tracer is the request-boundary middleware. It collects the logs and
// metrics of each request and injects the rendered trace into HTML
// responses. A Tracer is safe for concurrent use.
type Tracer struct {
	state atomic.Pointer[state]

	bus      *logs.Bus
	recorder *logs.Recorder
	sessions SessionSource
	feed     Feed
	onError  ErrorHandler
	logger   logr.Logger
	now      func() time.Time
	memory   metrics.MemoryReader
}

// state is the configuration in effect together with what is derived from
// it. It is replaced as a whole.
type state struct {
	cfg      config.Config
	trace    classify.TraceConfig
	renderer render.Renderer
}

type options struct {
	cfg *config.Config
	t   *Tracer
}

type Option func(*options)

func WithConfig(cfg config.Config) Option {
	return func(o *options) { o.cfg = &cfg }
}

func WithLogger(logger logr.Logger) Option {
	return func(o *options) { o.t.logger = logger }
}

// WithBus sets the event stream scopes subscribe to.
func WithBus(bus *logs.Bus) Option {
	return func(o *options) { o.t.bus = bus }
}

// WithRecorder sets the log store whose pending entries are merged into
// each trace. It should publish on the tracer's bus.
func WithRecorder(rec *logs.Recorder) Option {
	return func(o *options) { o.t.recorder = rec }
}

func WithSessions(s SessionSource) Option {
	return func(o *options) { o.t.sessions = s }
}

func WithFeed(f Feed) Option {
	return func(o *options) { o.t.feed = f }
}

func WithErrorHandler(h ErrorHandler) Option {
	return func(o *options) { o.t.onError = h }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.t.now = now }
}

func WithMemoryReader(mem metrics.MemoryReader) Option {
	return func(o *options) { o.t.memory = mem }
}

// New creates a tracer. Without WithConfig it uses config.Default.
func New(opts ...Option) (*Tracer, error) {
	t := &Tracer{
		logger: logr.Discard(),
		now:    time.Now,
		memory: metrics.HeapAlloc,
	}
	o := &options{t: t}
	for _, opt := range opts {
		opt(o)
	}

	t.logger = t.logger.WithName("pagetrace.tracer")
	if t.bus == nil {
		t.bus = logs.NewBus()
	}
	if t.recorder == nil {
		t.recorder = logs.NewRecorder(DefaultChannel, t.bus, t.logger)
	}
	if t.onError == nil {
		t.onError = func(r *http.Request, err error) {
			t.logger.Error(err, "trace skipped", "method", r.Method, "url", r.URL.String())
		}
	}

	cfg := config.Default()
	if o.cfg != nil {
		cfg = *o.cfg
	}
	if err := t.SetConfig(cfg); err != nil {
		return nil, err
	}
	return t, nil
}

// SetConfig validates cfg and makes it the configuration of every request
// that starts afterwards. Requests in flight keep the previous one.
func (t *Tracer) SetConfig(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid trace config: %w", err)
	}
	renderer, err := cfg.Renderer()
	if err != nil {
		return err
	}
	t.state.Store(&state{cfg: cfg, trace: cfg.TraceConfig(), renderer: renderer})
	t.logger.V(1).Info("config applied", "enabled", cfg.Enabled, "type", cfg.Type, "tabs", len(cfg.Tabs))
	return nil
}

func (t *Tracer) Config() config.Config { return t.state.Load().cfg }

// Bus is the event stream recorders publish on.
func (t *Tracer) Bus() *logs.Bus { return t.bus }

// Recorder is the default log store of the tracer.
func (t *Tracer) Recorder() *logs.Recorder { return t.recorder }

// Middleware wraps next so its HTML responses carry a trace.
func (t *Tracer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := t.state.Load()
		if !st.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		req := metrics.FromHTTP(r)
		req.Time = t.now()
		scope := newScope(req, metrics.BeginWith(t.now, t.memory), st.cfg.Channel, t.bus, t.recorder)
		defer scope.end()

		ctx := scope.context(r.Context())
		r = r.WithContext(ctx)

		bw := newBufferedWriter(w)
		// A panic skips everything below and leaves the response unwritten.
		next.ServeHTTP(bw, r)

		t.finish(ctx, st, scope, bw, r)
	})
}

// HandlerFunc is Middleware for plain handler functions.
func (t *Tracer) HandlerFunc(next http.HandlerFunc) http.HandlerFunc {
	return t.Middleware(next).ServeHTTP
}

func (t *Tracer) finish(ctx context.Context, st *state, scope *Scope, bw *bufferedWriter, r *http.Request) {
	if bw.Streamed() {
		t.logger.V(1).Info("response streamed, trace skipped", "scope", scope.ID)
		return
	}

	header := bw.Header()
	status := bw.Status()
	body := bw.Body()

	contentType := header.Get("Content-Type")
	if contentType == "" && len(body) > 0 && header.Get("Content-Encoding") == "" {
		contentType = http.DetectContentType(body)
		header.Set("Content-Type", contentType)
	}

	var tabs []classify.Tab
	var snap metrics.Snapshot
	collected := false
	collect := func() {
		if !collected {
			tabs, snap = t.collect(ctx, st, scope, r)
			collected = true
		}
	}

	if t.feed != nil {
		collect()
		t.feed.Publish(dashboard.NewTrace(scope.ID, tabs, snap))
	}

	if !t.injectable(r, status, header, contentType) {
		t.write(bw, r, body)
		return
	}

	collect()
	fragment, err := st.renderer.Render(tabs, snap)
	if err != nil {
		t.onError(r, err)
		t.write(bw, r, body)
		return
	}

	out, err := inject.InjectEncoded(header.Get("Content-Encoding"), body, fragment)
	if err != nil {
		t.onError(r, fmt.Errorf("inject trace: %w", err))
		t.write(bw, r, body)
		return
	}

	header.Set("Content-Length", strconv.Itoa(len(out)))
	header.Del("ETag")
	t.write(bw, r, out)
}

func (t *Tracer) injectable(r *http.Request, status int, header http.Header, contentType string) bool {
	if r.Method == http.MethodHead {
		return false
	}
	if status >= 300 && status < 400 && header.Get("Location") != "" {
		return false
	}
	if !inject.ShouldRender(inject.KindOf(r), contentType, status) {
		return false
	}
	if enc := header.Get("Content-Encoding"); !inject.Supported(enc) {
		t.logger.V(1).Info("unsupported content encoding, trace skipped", "encoding", enc)
		return false
	}
	return true
}

func (t *Tracer) write(bw *bufferedWriter, r *http.Request, body []byte) {
	if err := bw.send(body); err != nil {
		t.logger.V(1).Info("failed to write response", "url", r.URL.String(), "error", err.Error())
	}
}

// collect merges the logs of the request and classifies them together with
// its metrics.
func (t *Tracer) collect(ctx context.Context, st *state, scope *Scope, r *http.Request) ([]classify.Tab, metrics.Snapshot) {
	buf := scope.Aggregator.Snapshot()
	buf.Merge(t.recorder.GetLog(ctx, st.cfg.Channel))

	ext := metrics.External{Counters: scope.Counters, Resources: scope.Resources}
	if t.sessions != nil && r != nil {
		ext.SessionID, ext.HasSession = t.sessions.SessionID(r)
	}

	snap := metrics.Compute(scope.Start, scope.Request, ext,
		metrics.WithClock(t.now), metrics.WithMemoryReader(t.memory))
	tabs := classify.Classify(st.trace, buf, snap, scope.Resources.Resources())
	return tabs, snap
}

// TraceCLI runs fn inside a trace scope and returns the console fragment for
// the invocation described by argv. An error from fn is recorded in the
// trace and returned. A disabled tracer only runs fn.
func (t *Tracer) TraceCLI(ctx context.Context, argv []string, fn func(ctx context.Context) error) (string, error) {
	st := t.state.Load()
	if !st.cfg.Enabled {
		return "", fn(ctx)
	}

	req := metrics.FromArgs(argv)
	req.Time = t.now()
	scope := newScope(req, metrics.BeginWith(t.now, t.memory), st.cfg.Channel, t.bus, t.recorder)
	defer scope.end()
	ctx = scope.context(ctx)

	runErr := fn(ctx)
	if runErr != nil {
		t.recorder.Record(ctx, logs.LevelError, runErr)
	}

	tabs, snap := t.collect(ctx, st, scope, nil)
	if t.feed != nil {
		t.feed.Publish(dashboard.NewTrace(scope.ID, tabs, snap))
	}

	console, err := render.New(render.ConsoleName, st.cfg.RenderOptions())
	if err != nil {
		return "", errors.Join(runErr, err)
	}
	fragment, err := console.Render(tabs, snap)
	if err != nil {
		return "", errors.Join(runErr, err)
	}
	return fragment, runErr
}
