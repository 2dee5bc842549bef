package logs

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Common levels. Any string is accepted as a level.
const (
	LevelInfo   = "info"
	LevelNotice = "notice"
	LevelError  = "error"
	LevelSQL    = "sql"
	LevelDebug  = "debug"
	LevelLog    = "log"
)

type scopeKey struct{}

// WithScope tags ctx with a request scope ID.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeFrom returns the request scope of ctx, or "" outside a request.
func ScopeFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	scope, _ := ctx.Value(scopeKey{}).(string)
	return scope
}

// Store returns log entries that have been recorded but not yet written out.
type Store interface {
	GetLog(ctx context.Context, channel string) Buffer
}

// MaxGlobalPending bounds the entries kept for the global scope, used
// outside any request. The oldest entries are dropped first.
const MaxGlobalPending = 1000

// Recorder is the application-facing log channel. Entries are kept pending
// per request scope until Save publishes them as one event batch.
type Recorder struct {
	name   string
	pub    Publisher
	logger logr.Logger

	mu      sync.Mutex
	pending map[string][]Entry
}

// NewRecorder creates a log channel called name that publishes saved
// batches on pub. pub may be nil, in which case Save only clears.
func NewRecorder(name string, pub Publisher, logger logr.Logger) *Recorder {
	return &Recorder{
		name:    name,
		pub:     pub,
		logger:  logger.WithName("pagetrace.logs"),
		pending: make(map[string][]Entry),
	}
}

func (r *Recorder) Name() string { return r.name }

// Record adds v under level to the pending entries of the scope in ctx.
func (r *Recorder) Record(ctx context.Context, level string, v any) {
	scope := ScopeFrom(ctx)
	entry := Entry{Level: level, Payload: Of(v)}

	r.mu.Lock()
	entries := append(r.pending[scope], entry)
	if scope == "" && len(entries) > MaxGlobalPending {
		entries = append(entries[:0:0], entries[len(entries)-MaxGlobalPending:]...)
	}
	r.pending[scope] = entries
	r.mu.Unlock()
}

func (r *Recorder) Info(ctx context.Context, v any)  { r.Record(ctx, LevelInfo, v) }
func (r *Recorder) Error(ctx context.Context, v any) { r.Record(ctx, LevelError, v) }
func (r *Recorder) Debug(ctx context.Context, v any) { r.Record(ctx, LevelDebug, v) }

// Save publishes the pending entries of the scope in ctx as a single event
// and clears them.
func (r *Recorder) Save(ctx context.Context) {
	scope := ScopeFrom(ctx)

	r.mu.Lock()
	entries := r.pending[scope]
	delete(r.pending, scope)
	r.mu.Unlock()

	if len(entries) == 0 || r.pub == nil {
		return
	}

	r.pub.Publish(Event{
		Scope:   scope,
		Channel: r.name,
		Log:     toBuffer(entries),
		Time:    time.Now(),
	})
	r.logger.V(1).Info("published log batch", "scope", scope, "entries", len(entries))
}

// GetLog returns the pending entries of the scope in ctx. A non-empty
// channel that does not name this recorder yields an empty buffer.
func (r *Recorder) GetLog(ctx context.Context, channel string) Buffer {
	if channel != "" && channel != r.name {
		return NewBuffer()
	}
	scope := ScopeFrom(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	return toBuffer(r.pending[scope])
}

// Forget drops whatever is still pending for scope. The tracer forgets on
// its own recorder; owners of additional recorders must call Forget when a
// request finishes, or Save, so abandoned entries do not pile up.
func (r *Recorder) Forget(scope string) {
	r.mu.Lock()
	delete(r.pending, scope)
	r.mu.Unlock()
}

func toBuffer(entries []Entry) Buffer {
	buf := NewBuffer()
	for _, e := range entries {
		buf.Add(e.Level, e.Payload)
	}
	return buf
}
